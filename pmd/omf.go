package pmd

import (
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mblocks/mpool/oid"
	"github.com/mblocks/mpool/pd"
)

// On-media format of the directory's metadata, kept on the first
// drive: a superblock in sector 0, then two halves of an append-only
// object-record log. One half is active at a time; activation replays
// the active half and writes a compacted copy into the other.
//
// Records are one sector each. A record whose type field is zero
// terminates the log (freshly formatted media reads back as zeros).

const (
	sbMagic   uint64 = 0x6d70534255303166 // "mpSBU01f"
	sbVersion uint64 = 1

	maxNameLen = 64
)

const (
	recNone   uint64 = 0
	recAlloc  uint64 = 1
	recCommit uint64 = 2
	recAbort  uint64 = 3
	recDelete uint64 = 4
)

// mdRecord is one log entry. Alloc records carry the full placement;
// the other types only need the objid (plus the frozen write length
// for commits).
type mdRecord struct {
	rtype     uint64
	objid     oid.OID
	cap       uint64
	mblen     uint64
	mclass    uint64
	devi      uint64
	zoneStart uint64
	zoneCnt   uint64
}

func (r *mdRecord) encode(sz uint64) []byte {
	enc := marshal.NewEnc(sz)
	enc.PutInt(r.rtype)
	enc.PutInt(uint64(r.objid))
	enc.PutInt(r.cap)
	enc.PutInt(r.mblen)
	enc.PutInt(r.mclass)
	enc.PutInt(r.devi)
	enc.PutInt(r.zoneStart)
	enc.PutInt(r.zoneCnt)
	return enc.Finish()
}

func decodeRecord(b []byte) mdRecord {
	dec := marshal.NewDec(b)
	return mdRecord{
		rtype:     dec.GetInt(),
		objid:     oid.OID(dec.GetInt()),
		cap:       dec.GetInt(),
		mblen:     dec.GetInt(),
		mclass:    dec.GetInt(),
		devi:      dec.GetInt(),
		zoneStart: dec.GetInt(),
		zoneCnt:   dec.GetInt(),
	}
}

type superblock struct {
	name       string
	activeHalf uint64 // 0 or 1
	halfRecs   uint64 // record capacity of each half
}

func (sb *superblock) encode(sz uint64) []byte {
	enc := marshal.NewEnc(sz)
	enc.PutInt(sbMagic)
	enc.PutInt(sbVersion)
	enc.PutInt(sb.activeHalf)
	enc.PutInt(sb.halfRecs)
	enc.PutInt(uint64(len(sb.name)))
	enc.PutBytes([]byte(sb.name))
	return enc.Finish()
}

func decodeSuperblock(b []byte) (*superblock, error) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != sbMagic {
		return nil, fmt.Errorf("bad superblock magic")
	}
	if v := dec.GetInt(); v != sbVersion {
		return nil, fmt.Errorf("unsupported superblock version %d", v)
	}
	sb := &superblock{}
	sb.activeHalf = dec.GetInt()
	sb.halfRecs = dec.GetInt()
	nameLen := dec.GetInt()
	if nameLen > maxNameLen {
		return nil, fmt.Errorf("superblock name length %d too large", nameLen)
	}
	sb.name = string(dec.GetBytes(nameLen))
	return sb, nil
}

// metaLog appends records to the active half. It never compacts at
// runtime; a full log reports no-space and is compacted on the next
// activation.
type metaLog struct {
	mu       sync.Mutex
	dev      pd.Dev
	recSize  uint64
	halfRecs uint64
	active   uint64
	next     uint64 // next free record slot in the active half
}

// byte extent of the metadata region: sector 0 is the superblock,
// halves follow back to back.
func mdReservedBytes(sectorSize uint64, halfRecs uint64) uint64 {
	return sectorSize * (1 + 2*halfRecs)
}

func (ml *metaLog) halfStart(half uint64) uint64 {
	return ml.recSize * (1 + half*ml.halfRecs)
}

func (ml *metaLog) recOffset(half uint64, idx uint64) uint64 {
	return ml.halfStart(half) + idx*ml.recSize
}

func (ml *metaLog) writeRecord(half uint64, idx uint64, r *mdRecord) error {
	b := r.encode(ml.recSize)
	if err := ml.dev.Pwrite([][]byte{b}, ml.recOffset(half, idx), ml.dev.Props().Fua); err != nil {
		return err
	}
	if !ml.dev.Props().Fua {
		return ml.dev.Flush()
	}
	return nil
}

func (ml *metaLog) readRecord(half uint64, idx uint64) (mdRecord, error) {
	b := make([]byte, ml.recSize)
	if err := ml.dev.Pread([][]byte{b}, ml.recOffset(half, idx)); err != nil {
		return mdRecord{}, err
	}
	return decodeRecord(b), nil
}

var errMdFull = fmt.Errorf("metadata log full")

func (ml *metaLog) append(r *mdRecord) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	// the last slot is reserved for the terminator
	if ml.next+1 >= ml.halfRecs {
		return errMdFull
	}
	// terminate first: until the record itself lands, replay still
	// stops at the old terminator in slot next
	term := mdRecord{rtype: recNone}
	if err := ml.writeRecord(ml.active, ml.next+1, &term); err != nil {
		return err
	}
	if err := ml.writeRecord(ml.active, ml.next, r); err != nil {
		return err
	}
	ml.next++
	return nil
}

// replay reads the active half up to the first terminator.
func (ml *metaLog) replay() ([]mdRecord, error) {
	var recs []mdRecord
	for idx := uint64(0); idx < ml.halfRecs; idx++ {
		r, err := ml.readRecord(ml.active, idx)
		if err != nil {
			return nil, err
		}
		if r.rtype == recNone {
			break
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// rewrite writes a compacted record list into the inactive half,
// terminates it, and flips the superblock to point there. The old
// half stays intact until the superblock write completes, so a crash
// mid-rewrite loses nothing.
func (ml *metaLog) rewrite(name string, recs []mdRecord) error {
	if uint64(len(recs)) >= ml.halfRecs {
		return errMdFull
	}
	other := 1 - ml.active
	for i, r := range recs {
		rec := r
		if err := ml.writeRecord(other, uint64(i), &rec); err != nil {
			return err
		}
	}
	term := mdRecord{rtype: recNone}
	if err := ml.writeRecord(other, uint64(len(recs)), &term); err != nil {
		return err
	}
	sb := &superblock{name: name, activeHalf: other, halfRecs: ml.halfRecs}
	if err := ml.writeSuperblock(sb); err != nil {
		return err
	}
	ml.active = other
	ml.next = uint64(len(recs))
	return nil
}

func (ml *metaLog) writeSuperblock(sb *superblock) error {
	b := sb.encode(ml.recSize)
	if err := ml.dev.Pwrite([][]byte{b}, 0, ml.dev.Props().Fua); err != nil {
		return err
	}
	if !ml.dev.Props().Fua {
		return ml.dev.Flush()
	}
	return nil
}

func (ml *metaLog) readSuperblock() (*superblock, error) {
	b := make([]byte, ml.recSize)
	if err := ml.dev.Pread([][]byte{b}, 0); err != nil {
		return nil, err
	}
	return decodeSuperblock(b)
}
