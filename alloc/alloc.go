// Package alloc implements the per-drive zone allocator. Zones are
// numbered from 0; objects occupy a contiguous run of zones, so Alloc
// searches for a free run rather than single bits.
package alloc

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

type Alloc struct {
	lock *sync.Mutex // protects bm and next
	bm   *bitset.BitSet
	len  uint64
	next uint64 // first zone to try
}

func MkAlloc(len uint64) *Alloc {
	a := &Alloc{
		lock: new(sync.Mutex),
		bm:   bitset.New(uint(len)),
		len:  len,
		next: 0,
	}
	return a
}

// MarkUsed reserves [start, start+cnt) permanently (superblock and
// metadata regions).
func (a *Alloc) MarkUsed(start uint64, cnt uint64) {
	if start+cnt > a.len {
		panic("MarkUsed")
	}
	a.lock.Lock()
	for i := start; i < start+cnt; i++ {
		a.bm.Set(uint(i))
	}
	a.lock.Unlock()
}

// runFreeAt reports whether [start, start+cnt) is entirely free.
// Caller holds a.lock.
func (a *Alloc) runFreeAt(start uint64, cnt uint64) bool {
	if start+cnt > a.len {
		return false
	}
	for i := start; i < start+cnt; i++ {
		if a.bm.Test(uint(i)) {
			return false
		}
	}
	return true
}

// Alloc finds a free run of cnt zones, first-fit starting from the
// rotor position. Returns the first zone of the run, or false if no
// run exists.
func (a *Alloc) Alloc(cnt uint64) (uint64, bool) {
	if cnt == 0 {
		panic("Alloc: zero zone count")
	}
	a.lock.Lock()
	defer a.lock.Unlock()

	start := a.next
	for pass := 0; pass < 2; pass++ {
		lo := start
		hi := a.len
		if pass == 1 {
			lo = 0
			hi = start
		}
		for i := lo; i+cnt <= hi; {
			if a.runFreeAt(i, cnt) {
				for j := i; j < i+cnt; j++ {
					a.bm.Set(uint(j))
				}
				a.next = i + cnt
				return i, true
			}
			// skip past the first used zone in the window
			n, ok := a.bm.NextSet(uint(i))
			if !ok || uint64(n) >= hi {
				break
			}
			i = uint64(n) + 1
		}
	}
	return 0, false
}

func (a *Alloc) Free(start uint64, cnt uint64) {
	if start+cnt > a.len {
		panic("Free")
	}
	a.lock.Lock()
	for i := start; i < start+cnt; i++ {
		if !a.bm.Test(uint(i)) {
			panic("Free: zone not allocated")
		}
		a.bm.Clear(uint(i))
	}
	a.lock.Unlock()
}

func (a *Alloc) NumFree() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.len - uint64(a.bm.Count())
}

func (a *Alloc) Len() uint64 {
	return a.len
}
