package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Class registry
// ---------------------------------------------------------------------------

// ClassTable is one loader's class registry. The lookup key is the
// descriptor; buckets use the descriptor's precomputed hash. Inserts
// are race-free: the first publisher of a descriptor wins and everyone
// else receives the winning handle.
//
// Entries are weak in the collector's sense: nothing here keeps a class
// alive, and a loader's whole table is dropped as a unit when the
// loader is swept.
type ClassTable struct {
	arena *ClassArena

	mu      sync.RWMutex
	buckets map[uint32][]ClassHandle
	count   int
}

func newClassTable(arena *ClassArena) *ClassTable {
	return &ClassTable{
		arena:   arena,
		buckets: make(map[uint32][]ClassHandle),
	}
}

// Lookup returns the registered class for d, or NilClass.
func (ct *ClassTable) Lookup(d Descriptor) ClassHandle {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.lookupLocked(d)
}

func (ct *ClassTable) lookupLocked(d Descriptor) ClassHandle {
	for _, h := range ct.buckets[d.hash] {
		if c := ct.arena.Get(h); c != nil && c.descriptor.str == d.str {
			return h
		}
	}
	return NilClass
}

// Insert publishes h under d unless another class already holds the
// slot. It returns the handle now registered: h on success, the
// existing winner otherwise. Callers that lose the race must abandon
// their record and adopt the winner.
func (ct *ClassTable) Insert(d Descriptor, h ClassHandle) ClassHandle {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if existing := ct.lookupLocked(d); existing != NilClass {
		return existing
	}
	ct.buckets[d.hash] = append(ct.buckets[d.hash], h)
	ct.count++
	return h
}

// Update replaces a temporary record with its linked twin. The slot
// must currently hold old, and old must not have reached the resolved
// state; anything else is linker corruption.
func (ct *ClassTable) Update(d Descriptor, old, twin ClassHandle) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	bucket := ct.buckets[d.hash]
	for i, h := range bucket {
		c := ct.arena.Get(h)
		if c == nil || c.descriptor.str != d.str {
			continue
		}
		if h != old {
			panic(fmt.Sprintf("vm: registry update for %s found %d, expected %d", d.str, h, old))
		}
		if c.IsResolved() {
			panic(fmt.Sprintf("vm: registry update for %s but the entry is already resolved", d.str))
		}
		bucket[i] = twin
		return
	}
	panic(fmt.Sprintf("vm: registry update for %s found no entry", d.str))
}

// Size returns the number of registered classes.
func (ct *ClassTable) Size() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.count
}

// Each calls fn for every registered class until fn returns false.
// The table lock is held; fn must not call back into the registry.
func (ct *ClassTable) Each(fn func(ClassHandle) bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	for _, bucket := range ct.buckets {
		for _, h := range bucket {
			if !fn(h) {
				return
			}
		}
	}
}

// sweepDefinedBy removes entries whose class is gone or was defined by
// the swept loader. Initiating-loader caches hold such entries for
// classes they did not define.
func (ct *ClassTable) sweepDefinedBy(l *Loader) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	removed := 0
	for hash, bucket := range ct.buckets {
		kept := bucket[:0]
		for _, h := range bucket {
			c := ct.arena.Get(h)
			if c == nil || c.loader == l {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(ct.buckets, hash)
		} else {
			ct.buckets[hash] = kept
		}
	}
	ct.count -= removed
	return removed
}

// handles returns a snapshot of every registered handle.
func (ct *ClassTable) handles() []ClassHandle {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]ClassHandle, 0, ct.count)
	for _, bucket := range ct.buckets {
		out = append(out, bucket...)
	}
	return out
}
