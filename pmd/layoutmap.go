package pmd

import (
	"sync"

	"github.com/mblocks/mpool/oid"
)

// layoutMap is the directory's objid -> layout table, sharded so that
// lookups of unrelated objects never contend.

const nShard uint64 = 257

type mapShard struct {
	mu    *sync.RWMutex
	state map[oid.OID]*Layout
}

type layoutMap struct {
	shards []*mapShard
}

func mkMapShard() *mapShard {
	return &mapShard{
		mu:    new(sync.RWMutex),
		state: make(map[oid.OID]*Layout),
	}
}

func mkLayoutMap() *layoutMap {
	var shards []*mapShard
	for i := uint64(0); i < nShard; i++ {
		shards = append(shards, mkMapShard())
	}
	return &layoutMap{shards: shards}
}

func (lm *layoutMap) getShard(objid oid.OID) *mapShard {
	return lm.shards[objid.Uniq()%nShard]
}

func (lm *layoutMap) insert(l *Layout) {
	shard := lm.getShard(l.Objid)
	shard.mu.Lock()
	shard.state[l.Objid] = l
	shard.mu.Unlock()
}

// findGet looks up objid and takes a reference under the shard lock,
// so a concurrent reclaim cannot free the record in between.
func (lm *layoutMap) findGet(objid oid.OID) *Layout {
	shard := lm.getShard(objid)
	shard.mu.RLock()
	l, ok := shard.state[objid]
	if ok {
		l.addRef()
	}
	shard.mu.RUnlock()
	if !ok {
		return nil
	}
	return l
}

// remove deletes objid from the table and drops the table's reference.
// Returns false if objid was not present.
func (lm *layoutMap) remove(objid oid.OID) bool {
	shard := lm.getShard(objid)
	shard.mu.Lock()
	l, ok := shard.state[objid]
	if ok {
		delete(shard.state, objid)
	}
	shard.mu.Unlock()
	if ok {
		l.decRef()
	}
	return ok
}

// removeIfUnreferenced removes l from the table if the table holds
// the only remaining reference. The shard lock excludes a concurrent
// findGet, so no new handle can appear between the check and the
// removal.
func (lm *layoutMap) removeIfUnreferenced(l *Layout) bool {
	shard := lm.getShard(l.Objid)
	shard.mu.Lock()
	if _, ok := shard.state[l.Objid]; !ok {
		shard.mu.Unlock()
		return false
	}
	if l.Ref() != 1 {
		shard.mu.Unlock()
		return false
	}
	delete(shard.state, l.Objid)
	shard.mu.Unlock()
	l.decRef()
	return true
}

// each calls fn on every layout in the table. fn must not acquire
// shard locks (directly or through table operations).
func (lm *layoutMap) each(fn func(l *Layout)) {
	for _, shard := range lm.shards {
		shard.mu.RLock()
		for _, l := range shard.state {
			fn(l)
		}
		shard.mu.RUnlock()
	}
}
