// Package mblock implements fixed-capacity, write-once, append-only
// block objects on a pool.
//
// An mblock is allocated with a capacity, written strictly
// sequentially, then committed to become durable and readable, or
// aborted to reclaim its reservation. Reads and writes of different
// mblocks proceed independently; access to a single mblock is
// serialized by the object's reader/writer lock.
package mblock

import (
	"time"

	"github.com/mblocks/mpool/merr"
	"github.com/mblocks/mpool/mplog"
	"github.com/mblocks/mpool/mpool"
	"github.com/mblocks/mpool/oid"
	"github.com/mblocks/mpool/pd"
	"github.com/mblocks/mpool/pmd"
	"github.com/mblocks/mpool/util"
)

// Mblock is the opaque handle callers hold on an mblock object. It
// stands for exactly one object record for as long as the caller
// holds it and carries no ownership of the record by itself.
type Mblock struct {
	layout *pmd.Layout
}

// Props is a point-in-time snapshot of an mblock's descriptive
// properties, taken under the object's shared lock.
type Props struct {
	Objid       oid.OID
	AllocCap    uint64
	WriteLen    uint64
	OptimalWrsz uint64
	Mclass      pd.Class
	IsCommitted bool
}

// PropsEx additionally reports the object's zone count in the
// on-media layout.
type PropsEx struct {
	Props
	ZoneCnt uint64
}

// Stale handles and commit races indicate caller bugs and can arrive
// in floods; warn about them at most once a second.
var (
	notFoundLimit   = mplog.NewLimiter(time.Second)
	badLayoutLimit  = mplog.NewLimiter(time.Second)
	commitFailLimit = mplog.NewLimiter(time.Second)
)

// mblock2layout converts the opaque handle to the internal object
// record. Returns nil if the handle is empty or its identifier is not
// an mblock id. Resolution happens on an already-referenced handle,
// so a reference count below 2 (caller + directory) is an internal
// inconsistency: it is logged but does not fail the call.
func mblock2layout(mp *mpool.Pool, mbh *Mblock) *pmd.Layout {
	if mbh == nil || mbh.layout == nil {
		return nil
	}
	layout := mbh.layout

	if (layout.Objid == 0 || layout.Ref() < 2) && badLayoutLimit.Allow() {
		mp.Log().Warnw("implausible mblock layout",
			"pool", mp.Name(), "objid", layout.Objid, "refcnt", layout.Ref())
	}

	if !layout.Objid.IsMblock() {
		return nil
	}
	return layout
}

func logNotFound(mp *mpool.Pool, op string) {
	if notFoundLimit.Allow() {
		mp.Log().Warnw("mblock layout not found", "pool", mp.Name(), "op", op)
	}
}

func errNotFound(mp *mpool.Pool, op string) error {
	logNotFound(mp, op)
	return merr.New(merr.InvalidArgument, mp.Name(), 0, "%s: handle not found", op)
}

func optimalIoSize(mp *mpool.Pool, layout *pmd.Layout) uint64 {
	return mp.Dir().DevProps(layout).OptIoSize
}

// getPropsCmn copies the common properties. Caller holds the object's
// shared lock.
func getPropsCmn(mp *mpool.Pool, layout *pmd.Layout, prop *Props) {
	prop.Objid = layout.Objid
	prop.AllocCap = layout.Cap
	prop.WriteLen = layout.Mblen
	prop.OptimalWrsz = optimalIoSize(mp, layout)
	prop.Mclass = layout.Mclass
	prop.IsCommitted = layout.State == pmd.StateCommitted
}

func allocCmn(mp *mpool.Pool, objid oid.OID, mclass pd.Class, captgt uint64, spare bool) (*Mblock, *Props, error) {
	if mp == nil {
		return nil, nil, merr.New(merr.InvalidArgument, "", 0, "nil pool")
	}
	ocap := pmd.ObjCap{Target: captgt, Spare: spare}

	var layout *pmd.Layout
	var err error
	if objid == 0 {
		layout, err = mp.Dir().ObjAlloc(oid.TypeMblock, ocap, mclass)
		if err != nil {
			return nil, nil, err
		}
	} else {
		layout, err = mp.Dir().ObjRealloc(objid, ocap, mclass)
		if err != nil {
			if !merr.Is(err, merr.NotFound) {
				mp.Log().Errorw("re-allocating mblock failed",
					"pool", mp.Name(), "objid", objid, "err", err)
			}
			return nil, nil, err
		}
	}
	if layout == nil {
		// the directory reported success but returned nothing;
		// surface the collaborator bug instead of masking it
		return nil, nil, merr.New(merr.InternalInvariant, mp.Name(), objid,
			"directory returned no layout")
	}

	prop := &Props{}
	layout.Mu.RLock()
	getPropsCmn(mp, layout, prop)
	layout.Mu.RUnlock()

	return &Mblock{layout: layout}, prop, nil
}

// Alloc allocates a brand-new mblock on a drive of the requested
// media class.
func Alloc(mp *mpool.Pool, mclass pd.Class, spare bool) (*Mblock, *Props, error) {
	return allocCmn(mp, 0, mclass, 0, spare)
}

// AllocCap is Alloc with an explicit capacity target instead of the
// pool default. The granted capacity is the target rounded up to the
// drive's zone size.
func AllocCap(mp *mpool.Pool, mclass pd.Class, captgt uint64, spare bool) (*Mblock, *Props, error) {
	return allocCmn(mp, 0, mclass, captgt, spare)
}

// Realloc re-acquires a specific previously issued mblock id, for
// example during recovery after a restart. The object's reservation
// is replaced and its write length reset.
func Realloc(mp *mpool.Pool, objid oid.OID, mclass pd.Class, spare bool) (*Mblock, *Props, error) {
	if !objid.IsMblock() {
		return nil, nil, merr.New(merr.InvalidArgument, mp.Name(), objid,
			"not an mblock id")
	}
	return allocCmn(mp, objid, mclass, 0, spare)
}

// FindGet locates an existing mblock by id, taking a reference for
// the caller.
func FindGet(mp *mpool.Pool, objid oid.OID, which pmd.Selector) (*Mblock, *Props, error) {
	if !objid.IsMblock() {
		return nil, nil, merr.New(merr.InvalidArgument, mp.Name(), objid,
			"not an mblock id")
	}
	layout := mp.Dir().ObjFindGet(objid, which)
	if layout == nil {
		return nil, nil, merr.New(merr.NotFound, mp.Name(), objid, "")
	}

	prop := &Props{}
	layout.Mu.RLock()
	getPropsCmn(mp, layout, prop)
	layout.Mu.RUnlock()

	return &Mblock{layout: layout}, prop, nil
}

// Put drops the caller's reference on the handle. The directory may
// reclaim an aborted object once its last reference is put.
func Put(mp *mpool.Pool, mbh *Mblock) {
	layout := mblock2layout(mp, mbh)
	if layout != nil {
		mp.Dir().ObjPut(layout)
	}
}

// Commit makes the mblock durable and readable, freezing its
// contents. If the backing device does not guarantee durable writes
// on its own, the device is flushed first; a flush failure aborts the
// commit attempt. A concurrent abort wins the race: commit then
// fails busy.
func Commit(mp *mpool.Pool, mbh *Mblock) error {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return errNotFound(mp, "commit")
	}

	if !mp.Dir().DevProps(layout).Fua {
		if err := mp.Dir().DevFlush(layout); err != nil {
			return err
		}
	}

	if err := mp.Dir().ObjCommit(layout); err != nil {
		if commitFailLimit.Allow() {
			mp.Log().Warnw("committing mblock failed",
				"pool", mp.Name(), "objid", layout.Objid, "err", err)
		}
		return err
	}
	return nil
}

// Abort discards an uncommitted mblock's reservation and contents.
func Abort(mp *mpool.Pool, mbh *Mblock) error {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return errNotFound(mp, "abort")
	}
	if err := mp.Dir().ObjAbort(layout); err != nil {
		mp.Log().Errorw("aborting mblock failed",
			"pool", mp.Name(), "objid", layout.Objid, "err", err)
		return err
	}
	return nil
}

// Delete permanently removes a committed or aborted mblock.
func Delete(mp *mpool.Pool, mbh *Mblock) error {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return errNotFound(mp, "delete")
	}
	return mp.Dir().ObjDelete(layout)
}

const (
	opRead  = 0
	opWrite = 1
)

// rwArgcheck validates a transfer before any lock is taken or media
// touched. Checks here keep illegal arguments out of the lower
// layers, which only assert their requirements.
//
// Writes: boff must equal the current write length (strict append),
// be a multiple of the device's optimal I/O size, and the transfer
// must not extend past capacity. Reads: boff must be page-aligned and
// inside capacity, and the transfer must not extend past the written
// length; readAhead skips that last check for prefetch probes that
// deliberately reach past the end.
func rwArgcheck(mp *mpool.Pool, layout *pmd.Layout, boff uint64, wlen uint64,
	op int, length uint64, readAhead bool) error {

	mbCap := layout.Cap
	optIosz := optimalIoSize(mp, layout)

	if op == opRead {
		if !util.PageAligned(boff) {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"read offset 0x%x is not a multiple of the page size", boff)
		}
		if boff >= mbCap {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"read offset 0x%x >= capacity 0x%x", boff, mbCap)
		}
		if util.SumOverflows(boff, length) || (boff+length > wlen && !readAhead) {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"read [0x%x, 0x%x) past written length 0x%x", boff, boff+length, wlen)
		}
	} else {
		if boff != wlen {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"write offset 0x%x != written length 0x%x", boff, wlen)
		}
		if boff%optIosz != 0 {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"write offset 0x%x not optimal-size (%d) aligned", boff, optIosz)
		}
		if util.SumOverflows(boff, length) || boff+length > mbCap {
			return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
				"write [0x%x, 0x%x) past capacity 0x%x", boff, boff+length, mbCap)
		}
	}
	return nil
}

// Write appends the bytes in iov to the mblock. The append offset is
// the object's current write length; on success the write length
// advances by exactly the transfer length. Page alignment of the
// length and offset is a caller contract, not a runtime condition.
func Write(mp *mpool.Pool, mbh *Mblock, iov [][]byte, length uint64) error {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return errNotFound(mp, "write")
	}

	layout.Mu.RLock()
	boff := layout.Mblen
	layout.Mu.RUnlock()

	if err := rwArgcheck(mp, layout, boff, boff, opWrite, length, false); err != nil {
		mp.Log().Debugw("mblock write argcheck failed",
			"pool", mp.Name(), "objid", layout.Objid, "err", err)
		return err
	}
	if length == 0 {
		return nil
	}

	if !util.PageAligned(length) || !util.PageAligned(boff) {
		panic("mblock: write length and offset must be page-aligned")
	}
	if pd.IovLen(iov) != length {
		panic("mblock: iov length does not match the transfer length")
	}

	fua := mp.Dir().DevProps(layout).Fua

	layout.Mu.Lock()
	defer layout.Mu.Unlock()

	if layout.State == pmd.StateCommitted {
		return merr.New(merr.AlreadyCommitted, mp.Name(), layout.Objid, "")
	}
	if layout.State != pmd.StateAllocated {
		return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
			"write on %v object", layout.State)
	}
	// revalidate against the write length now that the lock is held;
	// a racing append may have advanced it
	boff = layout.Mblen
	if boff+length > layout.Cap {
		return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
			"write [0x%x, 0x%x) past capacity 0x%x", boff, boff+length, layout.Cap)
	}

	err := mp.Dir().LayoutRW(layout, iov, boff, fua, pmd.OpWrite)
	if err == nil {
		layout.Mblen += length
	}
	return err
}

// Read copies committed bytes at boff into the caller's buffers.
// Reads of the same mblock run concurrently with each other, and with
// any operation on other mblocks.
func Read(mp *mpool.Pool, mbh *Mblock, iov [][]byte, boff uint64, length uint64) error {
	return read(mp, mbh, iov, boff, length, false)
}

// ReadAhead is Read for prefetch callers that deliberately probe past
// the written length; the tail bound is not enforced and short data
// is not an error.
func ReadAhead(mp *mpool.Pool, mbh *Mblock, iov [][]byte, boff uint64, length uint64) error {
	return read(mp, mbh, iov, boff, length, true)
}

func read(mp *mpool.Pool, mbh *Mblock, iov [][]byte, boff uint64, length uint64, readAhead bool) error {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return errNotFound(mp, "read")
	}

	layout.Mu.RLock()
	wlen := layout.Mblen
	layout.Mu.RUnlock()

	if err := rwArgcheck(mp, layout, boff, wlen, opRead, length, readAhead); err != nil {
		mp.Log().Debugw("mblock read argcheck failed",
			"pool", mp.Name(), "objid", layout.Objid, "err", err)
		return err
	}
	if length == 0 {
		return nil
	}

	if !util.PageAligned(length) || !util.PageAligned(boff) {
		panic("mblock: read length and offset must be page-aligned")
	}
	if pd.IovLen(iov) != length {
		panic("mblock: iov length does not match the transfer length")
	}

	// even a read-ahead probe must stay inside the object's extent
	if readAhead && boff+length > layout.Cap {
		return merr.New(merr.InvalidArgument, mp.Name(), layout.Objid,
			"read [0x%x, 0x%x) past capacity 0x%x", boff, boff+length, layout.Cap)
	}

	layout.Mu.RLock()
	defer layout.Mu.RUnlock()

	if layout.State != pmd.StateCommitted {
		return merr.New(merr.NotYetCommitted, mp.Name(), layout.Objid, "")
	}
	return mp.Dir().LayoutRW(layout, iov, boff, false, pmd.OpRead)
}

// GetProps snapshots the mblock's descriptive properties.
func GetProps(mp *mpool.Pool, mbh *Mblock) (*Props, error) {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return nil, errNotFound(mp, "get_props")
	}
	prop := &Props{}
	layout.Mu.RLock()
	getPropsCmn(mp, layout, prop)
	layout.Mu.RUnlock()
	return prop, nil
}

// GetPropsEx snapshots the properties plus the on-media zone count.
func GetPropsEx(mp *mpool.Pool, mbh *Mblock) (*PropsEx, error) {
	layout := mblock2layout(mp, mbh)
	if layout == nil {
		return nil, errNotFound(mp, "get_props_ex")
	}
	prop := &PropsEx{}
	layout.Mu.RLock()
	prop.ZoneCnt = layout.Zone.ZoneCnt
	getPropsCmn(mp, layout, &prop.Props)
	layout.Mu.RUnlock()
	return prop, nil
}

// IsMblockObjid reports whether objid names an mblock.
func IsMblockObjid(objid oid.OID) bool {
	return objid.IsMblock()
}
