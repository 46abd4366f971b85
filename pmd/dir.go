// Package pmd is the object directory of an mpool: it issues object
// identifiers, places objects on pool drives, tracks their lifecycle
// state, persists that state to media, and moves raw bytes for the
// layers above. The mblock package enforces how an object may be
// written and read; pmd decides where it lives.
package pmd

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mblocks/mpool/alloc"
	"github.com/mblocks/mpool/merr"
	"github.com/mblocks/mpool/oid"
	"github.com/mblocks/mpool/pd"
	"github.com/mblocks/mpool/util"
)

// ObjCap is an allocation request: a capacity target in bytes (0 means
// the pool default) and whether the object may consume spare zones.
type ObjCap struct {
	Target uint64
	Spare  bool
}

// Selector restricts what ObjFindGet will return.
type Selector int

const (
	FindAny Selector = iota
	FindCommitted
)

// Params configures directory formatting and activation.
type Params struct {
	Name       string
	CapDefault uint64 // default object capacity in bytes
	SparePct   uint8  // percent of each drive's zones held as spares
	MdRecords  uint64 // record capacity of each metadata log half
}

const (
	defaultCapDefault uint64 = 32 * 1024 * 1024
	defaultMdRecords  uint64 = 1024
)

func (p *Params) fill() {
	if p.CapDefault == 0 {
		p.CapDefault = defaultCapDefault
	}
	if p.MdRecords == 0 {
		p.MdRecords = defaultMdRecords
	}
}

// Drive pairs a pool drive with its zone allocator.
type Drive struct {
	Dev   pd.Dev
	Zones *alloc.Alloc
	spare uint64 // zones held back from non-spare allocations
}

// Dir is the object directory for one pool.
type Dir struct {
	pool  string
	log   *zap.SugaredLogger
	devs  []*Drive
	tbl   *layoutMap
	md    *metaLog
	parms Params

	mu   sync.Mutex // allocation bookkeeping: zones and uniquifiers
	uniq uint64
}

// FormatDir writes a fresh superblock and empty metadata log to the
// first drive. Existing directory state on the drives is abandoned.
func FormatDir(devs []pd.Dev, parms Params) error {
	parms.fill()
	if len(devs) == 0 {
		return merr.New(merr.InvalidArgument, parms.Name, 0, "no drives")
	}
	if len(parms.Name) == 0 || len(parms.Name) > maxNameLen {
		return merr.New(merr.InvalidArgument, parms.Name, 0, "bad pool name")
	}
	ml := mkMetaLog(devs[0], parms.MdRecords)
	if mdReservedBytes(ml.recSize, ml.halfRecs) > devs[0].Props().DevSize {
		return merr.New(merr.InvalidArgument, parms.Name, 0,
			"drive %s too small for metadata region", devs[0].Props().Name)
	}
	term := mdRecord{rtype: recNone}
	for half := uint64(0); half < 2; half++ {
		if err := ml.writeRecord(half, 0, &term); err != nil {
			return merr.WrapIO(parms.Name, 0, err)
		}
	}
	sb := &superblock{name: parms.Name, activeHalf: 0, halfRecs: ml.halfRecs}
	if err := ml.writeSuperblock(sb); err != nil {
		return merr.WrapIO(parms.Name, 0, err)
	}
	return nil
}

func mkMetaLog(dev pd.Dev, halfRecs uint64) *metaLog {
	return &metaLog{
		dev:      dev,
		recSize:  dev.Props().SectorSize,
		halfRecs: halfRecs,
	}
}

// ActivateDir reads the superblock, replays the metadata log, and
// rebuilds the in-memory directory. The replayed log is compacted
// into the inactive half before the directory is handed out.
func ActivateDir(devs []pd.Dev, parms Params, log *zap.SugaredLogger) (*Dir, error) {
	parms.fill()
	if len(devs) == 0 {
		return nil, merr.New(merr.InvalidArgument, parms.Name, 0, "no drives")
	}
	ml := mkMetaLog(devs[0], parms.MdRecords)
	sb, err := ml.readSuperblock()
	if err != nil {
		return nil, merr.WrapIO(parms.Name, 0, err)
	}
	if sb.name != parms.Name {
		return nil, merr.New(merr.InvalidArgument, parms.Name, 0,
			"drive %s belongs to pool %q", devs[0].Props().Name, sb.name)
	}
	ml.halfRecs = sb.halfRecs
	ml.active = sb.activeHalf

	recs, err := ml.replay()
	if err != nil {
		return nil, merr.WrapIO(parms.Name, 0, err)
	}

	dir := &Dir{
		pool:  parms.Name,
		log:   log,
		tbl:   mkLayoutMap(),
		md:    ml,
		parms: parms,
	}
	for _, dev := range devs {
		p := dev.Props()
		zones := p.Zones()
		d := &Drive{
			Dev:   dev,
			Zones: alloc.MkAlloc(zones),
			spare: zones * uint64(parms.SparePct) / 100,
		}
		dir.devs = append(dir.devs, d)
	}
	// the metadata region occupies the head of drive 0
	mdZones := util.RoundUp(mdReservedBytes(ml.recSize, ml.halfRecs),
		devs[0].Props().ZoneSize)
	dir.devs[0].Zones.MarkUsed(0, mdZones)

	if err := dir.applyReplay(recs); err != nil {
		return nil, err
	}
	if err := dir.compact(); err != nil {
		return nil, err
	}
	return dir, nil
}

// applyReplay folds the record stream into live layouts. A later
// alloc record for an objid supersedes an earlier one (realloc);
// abort and delete records drop the object.
func (dir *Dir) applyReplay(recs []mdRecord) error {
	live := make(map[oid.OID]*mdRecord)
	for i := range recs {
		r := &recs[i]
		switch r.rtype {
		case recAlloc:
			cp := *r
			live[r.objid] = &cp
		case recCommit:
			if l, ok := live[r.objid]; ok {
				l.rtype = recCommit
				l.mblen = r.mblen
			}
		case recAbort, recDelete:
			delete(live, r.objid)
		default:
			return merr.New(merr.InternalInvariant, dir.pool, r.objid,
				"unknown metadata record type %d", r.rtype)
		}
		if r.objid.Uniq() > dir.uniq {
			dir.uniq = r.objid.Uniq()
		}
	}

	for objid, r := range live {
		if int(r.devi) >= len(dir.devs) {
			return merr.New(merr.InternalInvariant, dir.pool, objid,
				"record names drive %d of %d", r.devi, len(dir.devs))
		}
		d := dir.devs[r.devi]
		d.Zones.MarkUsed(r.zoneStart, r.zoneCnt)
		l := &Layout{
			Objid:  objid,
			Cap:    r.cap,
			Mclass: pd.Class(r.mclass),
			Devi:   int(r.devi),
			Zone:   Extent{ZoneStart: r.zoneStart, ZoneCnt: r.zoneCnt},
			State:  StateAllocated,
			ref:    1, // the table's reference
		}
		if r.rtype == recCommit {
			l.State = StateCommitted
			l.Mblen = r.mblen
		}
		dir.tbl.insert(l)
	}
	return nil
}

// compact rewrites the live directory state into the inactive log half.
func (dir *Dir) compact() error {
	var recs []mdRecord
	dir.tbl.each(func(l *Layout) {
		l.Mu.RLock()
		recs = append(recs, mdRecord{
			rtype:     recAlloc,
			objid:     l.Objid,
			cap:       l.Cap,
			mclass:    uint64(l.Mclass),
			devi:      uint64(l.Devi),
			zoneStart: l.Zone.ZoneStart,
			zoneCnt:   l.Zone.ZoneCnt,
		})
		if l.State == StateCommitted {
			recs = append(recs, mdRecord{
				rtype: recCommit,
				objid: l.Objid,
				mblen: l.Mblen,
			})
		}
		l.Mu.RUnlock()
	})
	if err := dir.md.rewrite(dir.pool, recs); err != nil {
		return merr.WrapIO(dir.pool, 0, err)
	}
	return nil
}

// Erase overwrites the superblock so the drives no longer activate.
// Object data is abandoned in place.
func (dir *Dir) Erase() error {
	zero := make([]byte, dir.md.recSize)
	dev := dir.md.dev
	if err := dev.Pwrite([][]byte{zero}, 0, dev.Props().Fua); err != nil {
		return merr.WrapIO(dir.pool, 0, err)
	}
	if !dev.Props().Fua {
		if err := dev.Flush(); err != nil {
			return merr.WrapIO(dir.pool, 0, err)
		}
	}
	return nil
}

// Close flushes and closes every drive. The caller must ensure no
// operation is in flight.
func (dir *Dir) Close() error {
	for _, d := range dir.devs {
		if err := d.Dev.Flush(); err != nil {
			return merr.WrapIO(dir.pool, 0, err)
		}
		if err := d.Dev.Close(); err != nil {
			return merr.WrapIO(dir.pool, 0, err)
		}
	}
	return nil
}

// allocZones finds room for zoneCnt zones on a drive of the requested
// media class. Non-spare requests must leave the drive's spare zones
// untouched.
func (dir *Dir) allocZones(mclass pd.Class, zoneCnt uint64, spare bool) (int, uint64, error) {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	matched := false
	for devi, d := range dir.devs {
		if d.Dev.Props().Class != mclass {
			continue
		}
		matched = true
		if !spare && d.Zones.NumFree() < zoneCnt+d.spare {
			continue
		}
		if start, ok := d.Zones.Alloc(zoneCnt); ok {
			return devi, start, nil
		}
	}
	if !matched {
		return 0, 0, merr.New(merr.InvalidArgument, dir.pool, 0,
			"no drive in media class %v", mclass)
	}
	return 0, 0, merr.New(merr.NoSpace, dir.pool, 0,
		"no %d-zone run free in media class %v", zoneCnt, mclass)
}

func (dir *Dir) freeZones(devi int, ext Extent) {
	d := dir.devs[devi]
	dir.mu.Lock()
	d.Zones.Free(ext.ZoneStart, ext.ZoneCnt)
	dir.mu.Unlock()
	if d.Dev.Props().CanDiscard {
		zs := d.Dev.Props().ZoneSize
		if err := d.Dev.Discard(ext.ZoneStart*zs, ext.ZoneCnt*zs); err != nil {
			dir.log.Warnw("discard failed",
				"pool", dir.pool, "drive", d.Dev.Props().Name, "err", err)
		}
	}
}

// ObjAlloc creates a brand-new uncommitted object and returns its
// layout with a reference held for the caller.
func (dir *Dir) ObjAlloc(typ oid.Type, ocap ObjCap, mclass pd.Class) (*Layout, error) {
	captgt := ocap.Target
	if captgt == 0 {
		captgt = dir.parms.CapDefault
	}

	devi, start, err := dir.allocZones(mclass, dir.zoneCount(mclass, captgt), ocap.Spare)
	if err != nil {
		return nil, err
	}
	zs := dir.devs[devi].Dev.Props().ZoneSize
	zoneCnt := util.RoundUp(captgt, zs)

	dir.mu.Lock()
	dir.uniq++
	objid := oid.Make(dir.uniq, typ)
	dir.mu.Unlock()

	l := &Layout{
		Objid:  objid,
		Cap:    zoneCnt * zs,
		Mclass: mclass,
		Devi:   devi,
		Zone:   Extent{ZoneStart: start, ZoneCnt: zoneCnt},
		State:  StateAllocated,
		ref:    2, // caller + table
	}
	if err := dir.md.append(l.allocRecord()); err != nil {
		dir.freeZones(devi, l.Zone)
		return nil, merr.WrapIO(dir.pool, objid, err)
	}
	dir.tbl.insert(l)
	return l, nil
}

// zoneCount computes the zone count a capacity target needs on the
// requested class. All drives of a class share a zone size.
func (dir *Dir) zoneCount(mclass pd.Class, captgt uint64) uint64 {
	for _, d := range dir.devs {
		if d.Dev.Props().Class == mclass {
			return util.RoundUp(captgt, d.Dev.Props().ZoneSize)
		}
	}
	return 1
}

func (l *Layout) allocRecord() *mdRecord {
	return &mdRecord{
		rtype:     recAlloc,
		objid:     l.Objid,
		cap:       l.Cap,
		mclass:    uint64(l.Mclass),
		devi:      uint64(l.Devi),
		zoneStart: l.Zone.ZoneStart,
		zoneCnt:   l.Zone.ZoneCnt,
	}
}

// ObjRealloc re-acquires a previously issued identifier: the object
// must exist and be uncommitted. Its old reservation is discarded and
// replaced by a fresh one, with the write length reset to zero.
func (dir *Dir) ObjRealloc(objid oid.OID, ocap ObjCap, mclass pd.Class) (*Layout, error) {
	l := dir.tbl.findGet(objid)
	if l == nil {
		return nil, merr.New(merr.NotFound, dir.pool, objid, "")
	}

	captgt := ocap.Target
	if captgt == 0 {
		captgt = dir.parms.CapDefault
	}
	devi, start, err := dir.allocZones(mclass, dir.zoneCount(mclass, captgt), ocap.Spare)
	if err != nil {
		dir.ObjPut(l)
		return nil, err
	}
	zs := dir.devs[devi].Dev.Props().ZoneSize
	zoneCnt := util.RoundUp(captgt, zs)

	l.Mu.Lock()
	if l.State != StateAllocated {
		state := l.State
		l.Mu.Unlock()
		dir.freeZones(devi, Extent{ZoneStart: start, ZoneCnt: zoneCnt})
		dir.ObjPut(l)
		return nil, merr.New(merr.InvalidArgument, dir.pool, objid,
			"cannot realloc %v object", state)
	}
	old := l.Zone
	oldDevi := l.Devi
	l.Cap = zoneCnt * zs
	l.Mclass = mclass
	l.Devi = devi
	l.Zone = Extent{ZoneStart: start, ZoneCnt: zoneCnt}
	l.Mblen = 0
	rec := l.allocRecord()
	l.Mu.Unlock()

	dir.freeZones(oldDevi, old)
	if err := dir.md.append(rec); err != nil {
		// the object keeps its new placement in memory; the stale
		// record only matters after a restart, where realloc resets
		// the placement again anyway
		dir.log.Errorw("metadata append failed on realloc",
			"pool", dir.pool, "objid", objid, "err", err)
		dir.ObjPut(l)
		return nil, merr.WrapIO(dir.pool, objid, err)
	}
	return l, nil
}

// ObjFindGet resolves objid to a live layout, taking a reference for
// the caller. Aborting and deleted objects are never returned;
// FindCommitted additionally excludes uncommitted ones.
func (dir *Dir) ObjFindGet(objid oid.OID, which Selector) *Layout {
	l := dir.tbl.findGet(objid)
	if l == nil {
		return nil
	}
	l.Mu.RLock()
	ok := l.State == StateCommitted ||
		(l.State == StateAllocated && which == FindAny)
	l.Mu.RUnlock()
	if !ok {
		dir.ObjPut(l)
		return nil
	}
	return l
}

// ObjPut drops the caller's reference. An aborting object whose last
// handle goes away is reclaimed here.
func (dir *Dir) ObjPut(l *Layout) {
	n := l.decRef()
	if n != 1 {
		return
	}
	l.Mu.RLock()
	aborting := l.State == StateAborting
	l.Mu.RUnlock()
	if !aborting {
		// uncommitted objects with no handles stay resolvable so a
		// restart-recovery caller can realloc them by id
		return
	}
	if dir.tbl.removeIfUnreferenced(l) {
		dir.freeZones(l.Devi, l.Zone)
	}
}

// ObjCommit makes an object durable and readable. A concurrent abort
// wins the race: commit of an aborting object fails busy.
func (dir *Dir) ObjCommit(l *Layout) error {
	l.Mu.Lock()
	defer l.Mu.Unlock()

	switch l.State {
	case StateAborting:
		return merr.New(merr.Busy, dir.pool, l.Objid, "commit lost race to abort")
	case StateCommitted:
		return merr.New(merr.AlreadyCommitted, dir.pool, l.Objid, "")
	case StateDeleted:
		return merr.New(merr.InvalidArgument, dir.pool, l.Objid, "object deleted")
	}
	rec := &mdRecord{rtype: recCommit, objid: l.Objid, mblen: l.Mblen}
	if err := dir.md.append(rec); err != nil {
		return merr.WrapIO(dir.pool, l.Objid, err)
	}
	l.State = StateCommitted
	return nil
}

// ObjAbort discards an uncommitted object's reservation. The zones
// are returned once the last handle is put.
func (dir *Dir) ObjAbort(l *Layout) error {
	l.Mu.Lock()
	switch l.State {
	case StateCommitted:
		l.Mu.Unlock()
		return merr.New(merr.InvalidArgument, dir.pool, l.Objid,
			"cannot abort a committed object")
	case StateDeleted:
		l.Mu.Unlock()
		return merr.New(merr.InvalidArgument, dir.pool, l.Objid, "object deleted")
	case StateAborting:
		l.Mu.Unlock()
		return nil
	}
	l.State = StateAborting
	l.Mu.Unlock()

	if err := dir.md.append(&mdRecord{rtype: recAbort, objid: l.Objid}); err != nil {
		return merr.WrapIO(dir.pool, l.Objid, err)
	}
	return nil
}

// ObjDelete permanently removes a committed or aborted object.
func (dir *Dir) ObjDelete(l *Layout) error {
	l.Mu.Lock()
	switch l.State {
	case StateAllocated:
		l.Mu.Unlock()
		return merr.New(merr.InvalidArgument, dir.pool, l.Objid,
			"cannot delete an uncommitted object; abort it")
	case StateDeleted:
		l.Mu.Unlock()
		return merr.New(merr.InvalidArgument, dir.pool, l.Objid, "object deleted")
	}
	l.State = StateDeleted
	devi := l.Devi
	ext := l.Zone
	l.Mu.Unlock()

	if dir.tbl.remove(l.Objid) {
		dir.freeZones(devi, ext)
	}
	if err := dir.md.append(&mdRecord{rtype: recDelete, objid: l.Objid}); err != nil {
		return merr.WrapIO(dir.pool, l.Objid, err)
	}
	return nil
}

// Transfer direction for LayoutRW.
const (
	OpRead  = 0
	OpWrite = 1
)

// LayoutRW moves bytes between the caller's buffers and the object's
// extent. boff is relative to the start of the object. Alignment and
// bounds are the caller's responsibility; this is the raw primitive.
func (dir *Dir) LayoutRW(l *Layout, iov [][]byte, boff uint64, fua bool, op int) error {
	length := pd.IovLen(iov)
	if boff+length > l.Cap {
		panic("LayoutRW: transfer past object capacity")
	}
	d := dir.devs[l.Devi]
	off := l.Zone.ZoneStart*d.Dev.Props().ZoneSize + boff

	var err error
	if op == OpWrite {
		err = d.Dev.Pwrite(iov, off, fua)
	} else {
		err = d.Dev.Pread(iov, off)
	}
	if err != nil {
		return merr.WrapIO(dir.pool, l.Objid, err)
	}
	return nil
}

// DevProps reports the properties of the drive backing a layout.
func (dir *Dir) DevProps(l *Layout) pd.Props {
	return dir.devs[l.Devi].Dev.Props()
}

// DevFlush issues a flush barrier on the drive backing a layout.
func (dir *Dir) DevFlush(l *Layout) error {
	if err := dir.devs[l.Devi].Dev.Flush(); err != nil {
		return merr.WrapIO(dir.pool, l.Objid, err)
	}
	return nil
}

// Pool returns the pool name the directory serves.
func (dir *Dir) Pool() string {
	return dir.pool
}

// Usage summarizes space accounting for one media class.
type Usage struct {
	Total   uint64 // bytes on drives of the class
	Free    uint64 // unallocated bytes
	Used    uint64 // bytes reserved by live objects
	Written uint64 // bytes actually appended
	Objects uint64
}

// UsageByClass reports usage for mclass, or for the whole pool when
// mclass is ClassUndef.
func (dir *Dir) UsageByClass(mclass pd.Class) Usage {
	var u Usage
	for _, d := range dir.devs {
		p := d.Dev.Props()
		if mclass != pd.ClassUndef && p.Class != mclass {
			continue
		}
		u.Total += p.DevSize
		u.Free += d.Zones.NumFree() * p.ZoneSize
	}
	dir.tbl.each(func(l *Layout) {
		if mclass != pd.ClassUndef && l.Mclass != mclass {
			return
		}
		l.Mu.RLock()
		u.Used += l.Cap
		u.Written += l.Mblen
		l.Mu.RUnlock()
		u.Objects++
	})
	return u
}

// DrivesProps lists the properties of every drive in the pool.
func (dir *Dir) DrivesProps() []pd.Props {
	var props []pd.Props
	for _, d := range dir.devs {
		props = append(props, d.Dev.Props())
	}
	return props
}

// MclassProps enumerates the drive properties present in the pool,
// one entry per media class.
func (dir *Dir) MclassProps() []pd.Props {
	seen := make(map[pd.Class]bool)
	var props []pd.Props
	for _, d := range dir.devs {
		p := d.Dev.Props()
		if !seen[p.Class] {
			seen[p.Class] = true
			props = append(props, p)
		}
	}
	return props
}
