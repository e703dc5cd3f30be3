package vm

import "sync"

// ---------------------------------------------------------------------------
// Class arena
// ---------------------------------------------------------------------------

// ClassHandle names a class record in the arena. The class graph —
// superclass, component type, interface tables — is expressed in
// handles rather than pointers so record identity survives the
// temporary-to-final swap during linking and so a swept record cannot
// keep its neighbors alive. Handle zero is the nil class.
type ClassHandle uint32

// NilClass is the zero handle.
const NilClass ClassHandle = 0

// ClassArena owns every class record in a runtime. Records are
// allocated once and reachable only through handles; releasing a handle
// recycles its slot.
type ClassArena struct {
	mu      sync.RWMutex
	records []*Class
	free    []ClassHandle
	bytes   int64
}

// NewClassArena returns an empty arena.
func NewClassArena() *ClassArena {
	return &ClassArena{}
}

// allocate assigns a handle to c and records it. c.recordSize must be
// set; the arena tracks the total for heap accounting.
func (a *ClassArena) allocate(c *Class) ClassHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var h ClassHandle
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
		a.records[h-1] = c
	} else {
		a.records = append(a.records, c)
		h = ClassHandle(len(a.records))
	}
	c.handle = h
	a.bytes += int64(c.recordSize)
	return h
}

// Get dereferences a handle. The nil handle and released handles yield
// nil.
func (a *ClassArena) Get(h ClassHandle) *Class {
	if h == NilClass {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(h) > len(a.records) {
		return nil
	}
	return a.records[h-1]
}

// release recycles a record's slot. Callers must guarantee nothing
// reaches the record anymore: either it lost an insertion race before
// publication, or its loader was swept.
func (a *ClassArena) release(h ClassHandle) {
	if h == NilClass {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h) > len(a.records) || a.records[h-1] == nil {
		return
	}
	a.bytes -= int64(a.records[h-1].recordSize)
	a.records[h-1] = nil
	a.free = append(a.free, h)
}

// Live returns the number of live records.
func (a *ClassArena) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records) - len(a.free)
}

// Bytes returns the symbolic record bytes currently live.
func (a *ClassArena) Bytes() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bytes
}
