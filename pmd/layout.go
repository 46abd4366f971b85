package pmd

import (
	"sync"
	"sync/atomic"

	"github.com/mblocks/mpool/oid"
	"github.com/mblocks/mpool/pd"
)

// ObjState is an object's position in its lifecycle. Making the state
// a single enum (rather than independent committed/aborting bits)
// keeps illegal combinations unrepresentable; the abort-beats-commit
// race rule lives in ObjCommit.
type ObjState uint8

const (
	StateAllocated ObjState = iota + 1
	StateAborting
	StateCommitted
	StateDeleted
)

func (s ObjState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateAborting:
		return "aborting"
	case StateCommitted:
		return "committed"
	case StateDeleted:
		return "deleted"
	}
	return "undef"
}

// Extent is an object's placement on its drive, in zones.
type Extent struct {
	ZoneStart uint64
	ZoneCnt   uint64
}

// Layout is the directory's mutable record of one object. The record
// is shared by every handle that references the same identifier and
// is only reclaimed once the reference count drops to zero.
//
// Mu is the per-object reader/writer lock: property snapshots and
// committed reads take it shared, appends and state transitions take
// it exclusive. The reference count is the one field mutated without
// Mu held, since handle acquisition and release can race with
// in-flight I/O.
type Layout struct {
	Mu sync.RWMutex

	Objid  oid.OID
	Cap    uint64 // bytes reserved, fixed at allocation
	Mclass pd.Class
	Devi   int
	Zone   Extent

	Mblen uint64   // bytes appended so far, guarded by Mu
	State ObjState // guarded by Mu

	// live handles plus one reference held by the directory table
	ref int64
}

func (l *Layout) Ref() int64 {
	return atomic.LoadInt64(&l.ref)
}

func (l *Layout) addRef() int64 {
	return atomic.AddInt64(&l.ref, 1)
}

func (l *Layout) decRef() int64 {
	n := atomic.AddInt64(&l.ref, -1)
	if n < 0 {
		panic("layout: reference count went negative")
	}
	return n
}
