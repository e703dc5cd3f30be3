package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Class: the runtime class record
// ---------------------------------------------------------------------------

// Class is one class record in the arena. The class graph — superclass,
// component type, interfaces, table sharing — is expressed in handles;
// methods and fields hold direct pointers because they live and die with
// their record.
//
// The record's monitor (mu/cond) serializes status transitions and
// carries the waits of the definition and initialization protocols. The
// status itself is also readable without the monitor via an atomic.
type Class struct {
	rt *Runtime

	handle      ClassHandle
	descriptor  Descriptor
	accessFlags uint32
	classFlags  uint32
	primKind    byte
	temp        bool
	nonMovable  bool
	recordSize  uint32

	status atomic.Uint32

	mu   sync.Mutex
	cond *sync.Cond
	// initOwner is the goroutine currently defining or initializing the
	// class; it powers circularity and reentrancy detection. Guarded by mu.
	initOwner int64
	// failure is the sticky error behind an error status. Guarded by mu.
	failure error

	loader    *Loader
	container *metadata.Container
	defIdx    int

	super         ClassHandle
	directIfaces  []ClassHandle
	componentType ClassHandle

	fields  []*Field
	sfields []*Field
	methods []*Method
	copied  []*Method

	vtable  VTableRef
	iftable IfTableRef
	imt     *ImTable

	objectSize   uint32
	staticSize   uint32
	refOffsets   uint32
	numRefFields uint16
	staticData   []byte
}

// VTableRef is a class's hold on its virtual dispatch table: either an
// owned slot array or a marker that an ancestor's table is shared
// unchanged. inheritedFrom always names the owning class directly, never
// another sharer.
type VTableRef struct {
	inheritedFrom ClassHandle
	slots         []*Method
}

// IsInherited reports whether the table is shared from an ancestor.
func (v VTableRef) IsInherited() bool { return v.inheritedFrom != NilClass }

// IfTableEntry pairs one implemented interface with the resolved
// implementation for each of its methods, indexed by the interface-local
// method slot. Interface classes carry entries with nil method arrays.
type IfTableEntry struct {
	iface   ClassHandle
	methods []*Method
}

// Interface returns the handle of the entry's interface.
func (e IfTableEntry) Interface() ClassHandle { return e.iface }

// Methods returns the resolved implementations, or nil on an interface
// class's own table.
func (e IfTableEntry) Methods() []*Method { return e.methods }

// IfTableRef mirrors VTableRef for the interface lookup table.
type IfTableRef struct {
	inheritedFrom ClassHandle
	entries       []IfTableEntry
}

// IsInherited reports whether the table is shared from an ancestor.
func (r IfTableRef) IsInherited() bool { return r.inheritedFrom != NilClass }

func newClassRecord(rt *Runtime, d Descriptor) *Class {
	c := &Class{
		rt:         rt,
		descriptor: d,
		defIdx:     -1,
		recordSize: classRecordBaseSize,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ---- Identity ----

// Descriptor returns the class's type descriptor string.
func (c *Class) Descriptor() string { return c.descriptor.str }

// DescriptorHash returns the precomputed descriptor hash.
func (c *Class) DescriptorHash() uint32 { return c.descriptor.hash }

// Handle returns the class's arena handle.
func (c *Class) Handle() ClassHandle { return c.handle }

// DefiningLoader returns the loader that defined the class; nil is the
// boot loader.
func (c *Class) DefiningLoader() *Loader { return c.loader }

// Container returns the metadata container the class came from, or nil
// for runtime-synthesized classes.
func (c *Class) Container() *metadata.Container { return c.container }

// AccessFlags returns the declared access flags.
func (c *Class) AccessFlags() uint32 { return c.accessFlags }

func (c *Class) IsInterface() bool { return c.accessFlags&AccInterface != 0 }
func (c *Class) IsAbstract() bool  { return c.accessFlags&AccAbstract != 0 }
func (c *Class) IsFinal() bool     { return c.accessFlags&AccFinal != 0 }
func (c *Class) IsPublic() bool    { return c.accessFlags&AccPublic != 0 }

// IsPrimitive reports one of the nine primitive classes.
func (c *Class) IsPrimitive() bool { return c.classFlags&ClassFlagPrimitive != 0 }

// IsArray reports an array class.
func (c *Class) IsArray() bool { return c.classFlags&ClassFlagArray != 0 }

// HasNoReferenceFields reports that instances carry no heap references.
func (c *Class) HasNoReferenceFields() bool {
	return c.classFlags&ClassFlagNoReferenceFields != 0
}

// IsTemp reports a temporary record that will be replaced by its linked
// twin before reaching the resolved state.
func (c *Class) IsTemp() bool { return c.temp }

// NonMovable reports that the record was allocated non-movable.
func (c *Class) NonMovable() bool { return c.nonMovable }

// RecordSize returns the symbolic size of the class record, including
// the embedded dispatch region on final concrete classes.
func (c *Class) RecordSize() uint32 { return c.recordSize }

// ---- Status ----

// Status returns the current lifecycle state. Reads are atomic and
// require no lock; transitions happen under the class monitor.
func (c *Class) Status() ClassStatus { return ClassStatus(c.status.Load()) }

// setStatusLocked transitions the lifecycle state and wakes every
// waiter on the class monitor. Callers hold c.mu.
func (c *Class) setStatusLocked(s ClassStatus) {
	c.status.Store(uint32(s))
	c.cond.Broadcast()
}

// markFailedLocked records a sticky failure. Classes that already
// reached the resolved state keep their linked shape under
// StatusErrorResolved; earlier failures go to StatusErrorUnresolved.
// Callers hold c.mu. The first failure wins.
func (c *Class) markFailedLocked(err error) {
	if c.failure == nil {
		c.failure = err
	}
	if c.Status() >= StatusResolved {
		c.setStatusLocked(StatusErrorResolved)
	} else {
		c.setStatusLocked(StatusErrorUnresolved)
	}
}

// Failure returns the sticky failure recorded against an erroneous
// class, or nil.
func (c *Class) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// IsResolved reports that linking finished: tables and layout are
// final.
func (c *Class) IsResolved() bool { return c.Status() >= StatusResolved }

// IsErroneous reports a terminal error state.
func (c *Class) IsErroneous() bool { return c.Status().IsError() }

// IsVerified reports that verification passed outright.
func (c *Class) IsVerified() bool { return c.Status() >= StatusVerified }

// IsInitialized reports that initialization finished, whether or not
// the fact is visibly published yet.
func (c *Class) IsInitialized() bool { return c.Status() >= StatusInitialized }

// IsVisiblyInitialized reports that every thread observes the
// initialized state without synchronization.
func (c *Class) IsVisiblyInitialized() bool { return c.Status() == StatusVisiblyInitialized }

// ---- Hierarchy ----

// Super returns the superclass, or nil on the root object type,
// primitives, and interfaces rooted directly at the object type.
func (c *Class) Super() *Class { return c.rt.arena.Get(c.super) }

// SuperHandle returns the superclass handle.
func (c *Class) SuperHandle() ClassHandle { return c.super }

// ComponentType returns the element class of an array class.
func (c *Class) ComponentType() *Class { return c.rt.arena.Get(c.componentType) }

// DirectInterfaces returns the declared direct superinterfaces.
func (c *Class) DirectInterfaces() []ClassHandle { return c.directIfaces }

// IsSubclassOf walks the superclass chain, counting c itself.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cur := c; cur != nil; cur = cur.Super() {
		if cur == other {
			return true
		}
	}
	return false
}

// Implements reports whether the class's interface table contains
// iface. An interface implements itself.
func (c *Class) Implements(iface *Class) bool {
	if c == iface {
		return true
	}
	for _, e := range c.IfTable() {
		if e.iface == iface.handle {
			return true
		}
	}
	return false
}

// IsAssignableFrom reports whether a value of class other may be bound
// where c is expected.
func (c *Class) IsAssignableFrom(other *Class) bool {
	switch {
	case c == other:
		return true
	case c.IsPrimitive() || other.IsPrimitive():
		return false
	case c.IsInterface():
		return other.Implements(c)
	case c.IsArray():
		if !other.IsArray() {
			return false
		}
		ct, ot := c.ComponentType(), other.ComponentType()
		if ct.IsPrimitive() || ot.IsPrimitive() {
			return ct == ot
		}
		return ct.IsAssignableFrom(ot)
	default:
		return other.IsSubclassOf(c)
	}
}

// samePackage reports whether two classes share a runtime package: same
// package name and same defining loader.
func samePackage(a, b *Class) bool {
	return a.loader == b.loader && a.descriptor.Package() == b.descriptor.Package()
}

// ---- Members ----

// DeclaredMethods returns declared methods in metadata order.
func (c *Class) DeclaredMethods() []*Method { return c.methods }

// CopiedMethods returns methods the linker copied in: defaults,
// mirandas and conflict stand-ins.
func (c *Class) CopiedMethods() []*Method { return c.copied }

// InstanceFields returns declared instance fields in layout order once
// the class is resolved.
func (c *Class) InstanceFields() []*Field { return c.fields }

// StaticFields returns declared static fields in layout order once the
// class is resolved.
func (c *Class) StaticFields() []*Field { return c.sfields }

// FindDeclaredMethod finds a declared or copied method by dispatch
// identity in this class only.
func (c *Class) FindDeclaredMethod(name, signature string) *Method {
	for _, m := range c.methods {
		if m.name == name && m.signature == signature {
			return m
		}
	}
	for _, m := range c.copied {
		if m.name == name && m.signature == signature {
			return m
		}
	}
	return nil
}

// FindMethod finds a method by dispatch identity on this class or any
// superclass.
func (c *Class) FindMethod(name, signature string) *Method {
	for cur := c; cur != nil; cur = cur.Super() {
		if m := cur.FindDeclaredMethod(name, signature); m != nil {
			return m
		}
	}
	return nil
}

// VTableEntry finds a virtual dispatch entry by identity, returning the
// current override.
func (c *Class) VTableEntry(name, signature string) *Method {
	for _, m := range c.VTable() {
		if m.name == name && m.signature == signature {
			return m
		}
	}
	return nil
}

// classInitializer returns <clinit> if declared.
func (c *Class) classInitializer() *Method {
	for _, m := range c.methods {
		if m.IsClassInitializer() {
			return m
		}
	}
	return nil
}

// FindInstanceField finds an instance field by name on this class or
// any superclass.
func (c *Class) FindInstanceField(name string) *Field {
	for cur := c; cur != nil; cur = cur.Super() {
		for _, f := range cur.fields {
			if f.name == name {
				return f
			}
		}
	}
	return nil
}

// FindStaticField finds a static field by name on this class, its
// superclasses, or its interfaces.
func (c *Class) FindStaticField(name string) *Field {
	for cur := c; cur != nil; cur = cur.Super() {
		for _, f := range cur.sfields {
			if f.name == name {
				return f
			}
		}
	}
	for _, e := range c.IfTable() {
		iface := c.rt.arena.Get(e.iface)
		if iface == nil {
			continue
		}
		for _, f := range iface.sfields {
			if f.name == name {
				return f
			}
		}
	}
	return nil
}

// ---- Tables ----

// VTable returns the virtual dispatch slots, resolving through an
// inherited table reference.
func (c *Class) VTable() []*Method {
	if c.vtable.inheritedFrom != NilClass {
		owner := c.rt.arena.Get(c.vtable.inheritedFrom)
		if owner == nil {
			return nil
		}
		return owner.vtable.slots
	}
	return c.vtable.slots
}

// VTableOwner returns the class that owns the slots c dispatches
// through: c itself unless the table is inherited.
func (c *Class) VTableOwner() ClassHandle {
	if c.vtable.inheritedFrom != NilClass {
		return c.vtable.inheritedFrom
	}
	return c.handle
}

// IfTable returns the interface lookup table, resolving through an
// inherited reference. Superinterfaces of any entry appear at smaller
// indexes.
func (c *Class) IfTable() []IfTableEntry {
	if c.iftable.inheritedFrom != NilClass {
		owner := c.rt.arena.Get(c.iftable.inheritedFrom)
		if owner == nil {
			return nil
		}
		return owner.iftable.entries
	}
	return c.iftable.entries
}

// IfTableOwner returns the class that owns the entries c uses.
func (c *Class) IfTableOwner() ClassHandle {
	if c.iftable.inheritedFrom != NilClass {
		return c.iftable.inheritedFrom
	}
	return c.handle
}

// Imt returns the interface method table, shared with the superclass
// when no interface added a distinct mapping.
func (c *Class) Imt() *ImTable { return c.imt }

// ---- Layout ----

// ObjectSize returns the instance footprint in bytes including the
// header; zero for types that cannot be instantiated at a fixed size.
func (c *Class) ObjectSize() uint32 { return c.objectSize }

// StaticSize returns the static block footprint in bytes.
func (c *Class) StaticSize() uint32 { return c.staticSize }

// NumReferenceFields returns the count of instance reference fields,
// inherited ones included.
func (c *Class) NumReferenceFields() int { return int(c.numRefFields) }

// ReferenceOffsets returns the instance reference bitmap: bit i set
// means a reference lives at byte offset 4*i. The value
// RefOffsetsSlowPath means the collector must walk field records.
func (c *Class) ReferenceOffsets() uint32 { return c.refOffsets }
