package vm

import "fmt"

// ---------------------------------------------------------------------------
// Virtual table linking
// ---------------------------------------------------------------------------

// linkVirtualMethods builds c's vtable: the superclass's slots, with
// overridden entries replaced in place and genuinely new methods
// appended. A declared method overrides a super entry only when the
// entry is accessible to c; an inaccessible package-private entry keeps
// its slot and the declaring class's method gets a fresh one.
func (rt *Runtime) linkVirtualMethods(c *Class) error {
	if c.IsInterface() {
		return nil
	}
	var superSlots []*Method
	if super := c.Super(); super != nil {
		superSlots = super.VTable()
	}

	// Same-signature index: several super slots can share one dispatch
	// identity when package-private shadowing split them. Every
	// accessible one must be updated by an override.
	bySig := make(map[string][]int, len(superSlots))
	for i, sm := range superSlots {
		bySig[sm.Key()] = append(bySig[sm.Key()], i)
	}

	slots := make([]*Method, len(superSlots), len(superSlots)+len(c.methods))
	copy(slots, superSlots)

	for _, m := range c.methods {
		if !m.IsVirtualEntry() {
			continue
		}
		overrode := false
		for _, i := range bySig[m.Key()] {
			sm := superSlots[i]
			if !canOverride(sm, c) {
				continue
			}
			if sm.IsFinal() {
				return fmt.Errorf("%w: %s overrides final method %s", ErrLinkage, m, sm)
			}
			slots[i] = m
			if !overrode {
				m.slot = uint16(i)
				overrode = true
			}
		}
		if !overrode {
			if len(slots) >= maxVTableSlots {
				return fmt.Errorf("%w: %s has too many virtual methods", ErrLinkage, c.Descriptor())
			}
			m.slot = uint16(len(slots))
			slots = append(slots, m)
		}
	}

	c.vtable = VTableRef{slots: slots}
	return nil
}

// canOverride reports whether a subclass may override a super entry:
// public and protected always, package-private only within the same
// runtime package, private never.
func canOverride(superMethod *Method, sub *Class) bool {
	switch {
	case superMethod.IsPublic() || superMethod.IsProtected():
		return true
	case superMethod.IsPrivate():
		return false
	default:
		return samePackage(superMethod.declaring, sub)
	}
}

// finalizeVTable settles table ownership. Abstract classes that neither
// declared a virtual method nor received copies share the ancestor's
// table; concrete classes always own their slots, which later become
// the embedded dispatch region of the final record.
func (c *Class) finalizeVTable() {
	super := c.Super()
	if super == nil || !c.IsAbstract() || c.IsInterface() {
		return
	}
	if len(c.copied) > 0 {
		return
	}
	for _, m := range c.methods {
		if m.IsVirtualEntry() {
			return
		}
	}
	c.vtable = VTableRef{inheritedFrom: super.VTableOwner()}
}

// ---------------------------------------------------------------------------
// Virtual dispatch
// ---------------------------------------------------------------------------

// ResolveVirtualCall resolves a virtual method against a receiver
// class through its vtable slot. Abstract entries and default-conflict
// stand-ins report their errors here, at call time.
func (rt *Runtime) ResolveVirtualCall(recv *Class, declared *Method) (*Method, error) {
	if declared.slot == noSlot || declared.IsStatic() {
		return nil, fmt.Errorf("%w: %s has no dispatch slot", ErrIncompatibleClassChange, declared)
	}
	slots := recv.VTable()
	if int(declared.slot) >= len(slots) {
		return nil, fmt.Errorf("%w: slot %d out of range on %s",
			ErrIncompatibleClassChange, declared.slot, recv.Descriptor())
	}
	impl := slots[declared.slot]
	switch {
	case impl.IsDefaultConflict():
		return nil, fmt.Errorf("%w: conflicting defaults for %s on %s",
			ErrIncompatibleClassChange, impl.Key(), recv.Descriptor())
	case impl.IsAbstract():
		return nil, fmt.Errorf("%w: %s on %s", ErrAbstractMethod, impl, recv.Descriptor())
	}
	return impl, nil
}
