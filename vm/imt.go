package vm

import "fmt"

// ---------------------------------------------------------------------------
// Interface method table
// ---------------------------------------------------------------------------

// ImtSize is the fixed interface method table width. Interface methods
// hash onto slots by dispatch identity; the hash is stable, so a
// method's slot is the same in every class.
const ImtSize = 64

// ImTable is a concrete class's interface dispatch accelerator. Slots
// hold the resolved implementation when exactly one interface method
// maps there, a conflict stand-in when several do, and the
// unimplemented sentinel otherwise. Tables are shared down the
// hierarchy while structurally identical.
type ImTable struct {
	owner ClassHandle
	slots [ImtSize]*Method
}

// Owner returns the class that built the table.
func (t *ImTable) Owner() ClassHandle { return t.owner }

// Get returns slot i.
func (t *ImTable) Get(i uint16) *Method { return t.slots[i] }

// ImtPair maps one interface method to its resolved implementation.
type ImtPair struct {
	Interface      *Method
	Implementation *Method
}

// ImtConflictTable lists every (interface method, implementation) pair
// sharing one IMT slot. Tables are immutable; adding a pair allocates a
// grown copy, so readers never need a lock.
type ImtConflictTable struct {
	pairs []ImtPair
}

// Pairs returns the mappings in build order.
func (ct *ImtConflictTable) Pairs() []ImtPair { return ct.pairs }

// Lookup resolves an interface method through the conflict table.
func (ct *ImtConflictTable) Lookup(ifaceMethod *Method) *Method {
	for _, p := range ct.pairs {
		if p.Interface == ifaceMethod {
			return p.Implementation
		}
	}
	return nil
}

// WithAdded returns a new table with one more pair.
func (ct *ImtConflictTable) WithAdded(p ImtPair) *ImtConflictTable {
	grown := make([]ImtPair, len(ct.pairs), len(ct.pairs)+1)
	copy(grown, ct.pairs)
	return &ImtConflictTable{pairs: append(grown, p)}
}

// newImtConflictMethod wraps a conflict table in a dispatchable method
// record for an IMT slot.
func newImtConflictMethod(c *Class, table *ImtConflictTable) *Method {
	return &Method{
		name:          "<imt-conflict>",
		signature:     "()V",
		accessFlags:   AccPublic | AccSynthetic,
		declaring:     c,
		slot:          noSlot,
		conflictTable: table,
	}
}

// IsImtConflict reports an IMT conflict stand-in.
func (m *Method) IsImtConflict() bool { return m.conflictTable != nil }

// Unimplemented reports whether m is the shared filler occupying every
// interface method table slot no method claims.
func (rt *Runtime) Unimplemented(m *Method) bool { return m == rt.unimplemented }

// ConflictTable returns the stand-in's pair table, or nil.
func (m *Method) ConflictTable() *ImtConflictTable { return m.conflictTable }

// buildImt fills c's interface method table from the freshly built
// interface lookup table. Pair order is deterministic: interface table
// order, then interface-local slot order.
func (rt *Runtime) buildImt(c *Class) {
	if c.IsInterface() || c.IsAbstract() {
		return
	}

	var slotPairs [ImtSize][]ImtPair
	for _, e := range c.IfTable() {
		iface := rt.arena.Get(e.iface)
		if iface == nil || len(e.methods) == 0 {
			continue
		}
		ifaceMethods := iface.interfaceSlots()
		for j, impl := range e.methods {
			if impl == nil {
				continue
			}
			// Abstract stand-ins go in too: they keep a colliding slot
			// honest, turning it into a conflict entry instead of letting
			// an unrelated method answer for the unimplemented one.
			im := ifaceMethods[j]
			slot := im.imtIdx
			slotPairs[slot] = append(slotPairs[slot], ImtPair{Interface: im, Implementation: impl})
		}
	}

	imt := &ImTable{owner: c.handle}
	for s := range slotPairs {
		switch len(slotPairs[s]) {
		case 0:
			imt.slots[s] = rt.unimplemented
		case 1:
			imt.slots[s] = slotPairs[s][0].Implementation
		default:
			table := &ImtConflictTable{}
			for _, p := range slotPairs[s] {
				table = table.WithAdded(p)
			}
			imt.slots[s] = newImtConflictMethod(c, table)
		}
	}

	// Reuse the nearest ancestor's table when nothing changed; the
	// handle comparison is the fast path for "no new mappings".
	if sup := nearestImt(c.Super()); sup != nil && imtEqual(imt, sup) {
		c.imt = sup
		return
	}
	c.imt = imt
}

// nearestImt walks up to the closest ancestor that materialized a
// table; abstract ancestors skip building one.
func nearestImt(c *Class) *ImTable {
	for ; c != nil; c = c.Super() {
		if c.imt != nil {
			return c.imt
		}
	}
	return nil
}

// imtEqual compares tables structurally. Conflict slots match when
// their pair lists resolve identically.
func imtEqual(a, b *ImTable) bool {
	for i := range a.slots {
		am, bm := a.slots[i], b.slots[i]
		if am == bm {
			continue
		}
		if am == nil || bm == nil || !am.IsImtConflict() || !bm.IsImtConflict() {
			return false
		}
		ap, bp := am.conflictTable.pairs, bm.conflictTable.pairs
		if len(ap) != len(bp) {
			return false
		}
		for j := range ap {
			if ap[j] != bp[j] {
				return false
			}
		}
	}
	return true
}

// interfaceSlots returns an interface's virtual methods indexed by
// interface-local slot.
func (c *Class) interfaceSlots() []*Method {
	out := make([]*Method, 0, len(c.methods))
	for _, m := range c.methods {
		if m.IsVirtualEntry() {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Interface dispatch
// ---------------------------------------------------------------------------

// ResolveInterfaceCall resolves an interface method against a receiver
// class: IMT fast path first, then the interface lookup table. Conflict
// stand-ins and unimplemented methods surface their errors here, at
// call time.
func (rt *Runtime) ResolveInterfaceCall(recv *Class, ifaceMethod *Method) (*Method, error) {
	iface := ifaceMethod.declaring
	if iface == nil || !iface.IsInterface() {
		return nil, fmt.Errorf("%w: %s is not an interface method", ErrIncompatibleClassChange, ifaceMethod)
	}

	if imt := recv.imt; imt != nil {
		entry := imt.Get(ifaceMethod.imtIdx)
		switch {
		case entry == rt.unimplemented:
			// fall through to the slow path
		case entry.IsImtConflict():
			if impl := entry.conflictTable.Lookup(ifaceMethod); impl != nil {
				return rt.checkInvokable(recv, ifaceMethod, impl)
			}
		default:
			// A single-mapping slot can only belong to ifaceMethod if the
			// receiver actually implements its interface.
			if recv.Implements(iface) {
				return rt.checkInvokable(recv, ifaceMethod, entry)
			}
		}
	}

	for _, e := range recv.IfTable() {
		if e.iface != iface.handle {
			continue
		}
		if int(ifaceMethod.slot) >= len(e.methods) {
			break
		}
		return rt.checkInvokable(recv, ifaceMethod, e.methods[ifaceMethod.slot])
	}
	return nil, fmt.Errorf("%w: %s does not implement %s",
		ErrIncompatibleClassChange, recv.Descriptor(), iface.Descriptor())
}

func (rt *Runtime) checkInvokable(recv *Class, ifaceMethod, impl *Method) (*Method, error) {
	switch {
	case impl == nil || impl.IsAbstract():
		return nil, fmt.Errorf("%w: %s on %s", ErrAbstractMethod, ifaceMethod, recv.Descriptor())
	case impl.IsDefaultConflict():
		return nil, fmt.Errorf("%w: conflicting defaults for %s on %s",
			ErrIncompatibleClassChange, ifaceMethod.Key(), recv.Descriptor())
	}
	return impl, nil
}
