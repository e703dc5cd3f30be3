package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Method linking
// ---------------------------------------------------------------------------

// linkMethods wires the dispatch structures of a class whose members and
// supertypes are already in place: the vtable, the interface lookup
// table with one resolved implementation per interface method, and the
// interface method table. Interface classes take a reduced path since
// they are never receivers.
func (rt *Runtime) linkMethods(c *Class) error {
	if c.IsInterface() {
		return rt.linkInterfaceClass(c)
	}
	entries, fresh, err := rt.collectIfTable(c)
	if err != nil {
		return err
	}
	if err := rt.linkVirtualMethods(c); err != nil {
		return err
	}
	super := c.Super()
	if super != nil && fresh == 0 && !c.declaresVirtualEntries() {
		// Same interfaces and same implementations as the superclass:
		// dispatch through its tables instead of duplicating them.
		c.iftable = IfTableRef{inheritedFrom: super.IfTableOwner()}
		c.finalizeVTable()
		rt.buildImt(c)
		return nil
	}
	c.iftable = IfTableRef{entries: entries}
	if err := rt.linkInterfaceMethods(c); err != nil {
		return err
	}
	c.finalizeVTable()
	rt.buildImt(c)
	return nil
}

// ---------------------------------------------------------------------------
// Interface lookup table
// ---------------------------------------------------------------------------

// collectIfTable flattens the interface closure of a class: the
// superclass's table first, then each direct interface's closure
// followed by the interface itself, skipping duplicates. The append
// order guarantees that a superinterface always sits at a smaller index
// than any interface extending it. Returns the entry list and how many
// interfaces are new relative to the superclass.
func (rt *Runtime) collectIfTable(c *Class) ([]IfTableEntry, int, error) {
	var entries []IfTableEntry
	seen := make(map[ClassHandle]struct{})
	if super := c.Super(); super != nil {
		for _, e := range super.IfTable() {
			entries = append(entries, IfTableEntry{iface: e.iface})
			seen[e.iface] = struct{}{}
		}
	}
	fresh := 0
	for _, ih := range c.directIfaces {
		iface := rt.arena.Get(ih)
		if iface == nil {
			return nil, 0, fmt.Errorf("%w: unresolved direct interface on %s", ErrLinkage, c.descriptor)
		}
		if !iface.IsInterface() {
			return nil, 0, fmt.Errorf("%w: %s implements non-interface %s",
				ErrIncompatibleClassChange, c.descriptor, iface.descriptor)
		}
		for _, se := range iface.IfTable() {
			if _, ok := seen[se.iface]; !ok {
				seen[se.iface] = struct{}{}
				entries = append(entries, IfTableEntry{iface: se.iface})
				fresh++
			}
		}
		if _, ok := seen[ih]; !ok {
			seen[ih] = struct{}{}
			entries = append(entries, IfTableEntry{iface: ih})
			fresh++
		}
	}
	return entries, fresh, nil
}

// linkInterfaceClass links an interface: builds its closure table,
// assigns interface-local slots to the virtual entries, and pre-flags
// inherited signatures whose default resolution already conflicts so
// the record carries the conflict stand-ins its implementors will hit.
func (rt *Runtime) linkInterfaceClass(c *Class) error {
	entries, _, err := rt.collectIfTable(c)
	if err != nil {
		return err
	}
	c.iftable = IfTableRef{entries: entries}
	slot := 0
	for _, m := range c.methods {
		if !m.IsVirtualEntry() {
			continue
		}
		if !m.IsPublic() {
			return fmt.Errorf("%w: interface method %s.%s%s must be public",
				ErrClassFormat, c.descriptor, m.name, m.signature)
		}
		if slot >= maxVTableSlots {
			return fmt.Errorf("%w: %s declares more than %d interface methods",
				ErrLinkage, c.descriptor, maxVTableSlots)
		}
		m.slot = uint16(slot)
		slot++
	}
	rt.preflagConflicts(c)
	return nil
}

// preflagConflicts scans the signatures an interface inherits but does
// not redeclare and records a conflict stand-in for each one whose
// default resolution is ambiguous at this point in the hierarchy.
func (rt *Runtime) preflagConflicts(c *Class) {
	declared := make(map[string]struct{})
	for _, m := range c.methods {
		if m.IsVirtualEntry() {
			declared[m.Key()] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	for _, e := range c.iftable.entries {
		iface := rt.arena.Get(e.iface)
		if iface == nil {
			continue
		}
		for _, im := range iface.interfaceSlots() {
			key := im.Key()
			if _, ok := declared[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if _, kind := rt.findDefaultImplementation(c, im); kind == defaultConflict {
				c.copied = append(c.copied, newConflictMethod(c, im))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Interface method resolution
// ---------------------------------------------------------------------------

// linkInterfaceMethods resolves one implementation per interface method
// in the class's owned table. A concrete method declared in the class
// chain always wins; an abstract one declared there masks every default.
// Otherwise the default machinery runs: a unique live default is copied
// into the class, competing defaults yield a conflict stand-in, and a
// signature with only abstract declarations yields a miranda. Copies
// claim fresh vtable slots, or replace the slot of a stale copy
// inherited from the superclass when the resolution changed.
func (rt *Runtime) linkInterfaceMethods(c *Class) error {
	entries := c.iftable.entries
	if len(entries) == 0 {
		return nil
	}
	copiedBySig := make(map[string]*Method)
	for ei := range entries {
		iface := rt.arena.Get(entries[ei].iface)
		if iface == nil {
			continue
		}
		ims := iface.interfaceSlots()
		if len(ims) == 0 {
			continue
		}
		marr := make([]*Method, len(ims))
		for j, im := range ims {
			impl := c.findVTableImpl(im.name, im.signature)
			if impl != nil && !impl.IsCopied() {
				if impl.IsAbstract() {
					// Declared abstract in the class chain: masks all
					// defaults, the call site reports the error.
					marr[j] = impl
					continue
				}
				if !impl.IsPublic() {
					return fmt.Errorf("%w: method %s.%s%s implementing %s is not public",
						ErrIllegalAccess, impl.declaring.descriptor, im.name, im.signature,
						iface.descriptor)
				}
				marr[j] = impl
				continue
			}
			if cm, ok := copiedBySig[im.Key()]; ok {
				marr[j] = cm
				continue
			}
			target, kind := rt.findDefaultImplementation(c, im)
			var cm *Method
			switch kind {
			case defaultUnique:
				if impl != nil && impl.origin == target {
					cm = impl
				} else {
					cm = copyDefaultMethod(c, target)
				}
			case defaultConflict:
				if impl != nil && impl.IsDefaultConflict() {
					cm = impl
				} else {
					cm = newConflictMethod(c, im)
				}
			default:
				if impl != nil && impl.IsMiranda() {
					cm = impl
				} else {
					cm = newMirandaMethod(c, im)
				}
			}
			if cm != impl {
				if impl != nil {
					// The inherited copy resolved differently here:
					// take over its slot.
					cm.slot = impl.slot
					c.vtable.slots[cm.slot] = cm
				} else {
					if len(c.vtable.slots) >= maxVTableSlots {
						return fmt.Errorf("%w: vtable of %s exceeds %d slots",
							ErrLinkage, c.descriptor, maxVTableSlots)
					}
					cm.slot = uint16(len(c.vtable.slots))
					c.vtable.slots = append(c.vtable.slots, cm)
				}
				c.copied = append(c.copied, cm)
			}
			copiedBySig[im.Key()] = cm
			marr[j] = cm
		}
		entries[ei].methods = marr
	}
	sort.Slice(c.copied, func(i, j int) bool { return c.copied[i].slot < c.copied[j].slot })
	return nil
}

// findVTableImpl scans the vtable for a slot matching the signature,
// preferring a public one. Package-private shadowing can leave an
// older non-public slot alongside the public override; only the public
// slot implements interfaces.
func (c *Class) findVTableImpl(name, signature string) *Method {
	var fallback *Method
	slots := c.vtable.slots
	for i := len(slots) - 1; i >= 0; i-- {
		m := slots[i]
		if m.name != name || m.signature != signature {
			continue
		}
		if m.IsPublic() {
			return m
		}
		if fallback == nil {
			fallback = m
		}
	}
	return fallback
}

// declaresVirtualEntries reports whether the class declares any method
// that would occupy a vtable slot.
func (c *Class) declaresVirtualEntries() bool {
	for _, m := range c.methods {
		if m.IsVirtualEntry() {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Default method selection
// ---------------------------------------------------------------------------

type defaultResolution uint8

const (
	// defaultAbstract means every live declaration is abstract.
	defaultAbstract defaultResolution = iota
	// defaultUnique means exactly one default survived masking.
	defaultUnique
	// defaultConflict means two or more defaults survived masking.
	defaultConflict
)

// findDefaultImplementation selects among the declarations of a
// signature across the interface table. A declaration is dead when a
// strictly more derived interface in the same table redeclares the
// signature, abstractly or not. Live abstract declarations never
// conflict with a live default; two live defaults always conflict.
func (rt *Runtime) findDefaultImplementation(c *Class, target *Method) (*Method, defaultResolution) {
	entries := c.IfTable()
	var chosen *Method
	for _, e := range entries {
		iface := rt.arena.Get(e.iface)
		if iface == nil {
			continue
		}
		var decl *Method
		for _, m := range iface.interfaceSlots() {
			if m.Key() == target.Key() {
				decl = m
				break
			}
		}
		if decl == nil || !decl.IsDefault() {
			continue
		}
		if rt.maskedByMoreDerived(entries, e.iface, decl) {
			continue
		}
		if chosen != nil {
			return nil, defaultConflict
		}
		chosen = decl
	}
	if chosen == nil {
		return nil, defaultAbstract
	}
	return chosen, defaultUnique
}

// maskedByMoreDerived reports whether another interface in the table
// extends the declaring one and redeclares the signature.
func (rt *Runtime) maskedByMoreDerived(entries []IfTableEntry, declIface ClassHandle, decl *Method) bool {
	for _, e := range entries {
		if e.iface == declIface {
			continue
		}
		sub := rt.arena.Get(e.iface)
		if sub == nil || !ifaceHasSuper(sub, declIface) {
			continue
		}
		for _, m := range sub.interfaceSlots() {
			if m.Key() == decl.Key() {
				return true
			}
		}
	}
	return false
}

// ifaceHasSuper reports whether super appears in sub's own closure.
func ifaceHasSuper(sub *Class, super ClassHandle) bool {
	for _, e := range sub.IfTable() {
		if e.iface == super {
			return true
		}
	}
	return false
}
