package vm

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/chazu/kiln/metadata"
)

// Resolution wait tuning: a short yield loop, then timed sleeps.
const (
	resolveSpinYields = 1000
	resolveSleep      = time.Millisecond
)

// ---------------------------------------------------------------------------
// Class resolution
// ---------------------------------------------------------------------------

// FindClass resolves a descriptor in the scope of a loader. A registry
// hit waits for the entry to finish resolving; a miss walks the
// loader's delegation order and defines the class from the first
// container that carries it. The resulting class is always resolved or
// the error is the definition's sticky failure.
func (rt *Runtime) FindClass(t *Thread, descriptor string, loader *Loader) (*Class, error) {
	if !validLookupDescriptor(descriptor) {
		return nil, fmt.Errorf("%w: malformed descriptor %q", ErrNoClassDefFound, descriptor)
	}
	d := InternDescriptor(descriptor)
	if d.IsPrimitive() {
		if h := rt.bootTable.Lookup(d); h != NilClass {
			return rt.arena.Get(h), nil
		}
		return nil, fmt.Errorf("%w: unknown primitive %q", ErrNoClassDefFound, descriptor)
	}
	if d.IsArray() {
		return rt.resolveArrayClass(t, d, loader)
	}

	table := rt.tableFor(loader)
	if h := table.Lookup(d); h != NilClass {
		return rt.EnsureResolved(t, rt.arena.Get(h))
	}
	c, err := rt.delegate(t, d, loader)
	if err != nil {
		return nil, err
	}
	if c.loader != loader {
		// Remember the hit for the initiating loader so the next lookup
		// skips the delegation walk.
		table.Insert(d, c.handle)
	}
	return c, nil
}

// delegate runs the loader-kind-specific search order. Only a clean
// not-found moves the search along; a class that exists but failed to
// link propagates its failure immediately.
func (rt *Runtime) delegate(t *Thread, d Descriptor, loader *Loader) (*Class, error) {
	if loader == nil {
		return rt.defineFromPath(t, d, nil, rt.bootPath)
	}
	switch loader.kind {
	case LoaderCustom:
		c, err := loader.loadFn(t, d.str)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: %s", ErrClassNotFound, d.str)
		}
		if c.Descriptor() != d.str {
			return nil, fmt.Errorf("%w: loader %q returned %s for %s",
				ErrNoClassDefFound, loader.name, c.Descriptor(), d.str)
		}
		return rt.EnsureResolved(t, c)

	case LoaderDelegateLast:
		if c, err := rt.FindClass(t, d.str, nil); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		if c, err := rt.searchShared(t, d, loader.sharedBefore); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		if c, err := rt.defineFromPath(t, d, loader, loader.classPath); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		if c, err := rt.searchShared(t, d, loader.sharedAfter); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		return rt.FindClass(t, d.str, loader.parent)

	default: // LoaderStandard
		if c, err := rt.FindClass(t, d.str, loader.parent); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		if c, err := rt.searchShared(t, d, loader.sharedBefore); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		if c, err := rt.defineFromPath(t, d, loader, loader.classPath); !errors.Is(err, ErrClassNotFound) {
			return c, err
		}
		return rt.searchShared(t, d, loader.sharedAfter)
	}
}

// searchShared tries each shared-library loader in order.
func (rt *Runtime) searchShared(t *Thread, d Descriptor, libs []*Loader) (*Class, error) {
	for _, lib := range libs {
		c, err := rt.FindClass(t, d.str, lib)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrClassNotFound, d.str)
}

// defineFromPath defines d from the first container on the path that
// carries it.
func (rt *Runtime) defineFromPath(t *Thread, d Descriptor, loader *Loader, path []*metadata.Container) (*Class, error) {
	for _, ctr := range path {
		if idx := ctr.ClassIndex(d.str); idx >= 0 {
			return rt.DefineClass(t, d.str, loader, ctr, idx)
		}
	}
	return nil, fmt.Errorf("%w: %s not on the class path of the %s loader",
		ErrClassNotFound, d.str, loaderName(loader))
}

// ---------------------------------------------------------------------------
// Class definition
// ---------------------------------------------------------------------------

// DefineClass builds the class at index idx of ctr under loader. The
// half-built record is inserted into the registry before its member
// arrays exist so that concurrent lookups observe the definition in
// progress and wait instead of defining twice; the loser of an
// insertion race abandons its record and adopts the winner. The record
// defined here is temporary: linking produces a right-sized twin that
// replaces it in the registry.
func (rt *Runtime) DefineClass(t *Thread, descriptor string, loader *Loader, ctr *metadata.Container, idx int) (*Class, error) {
	if idx < 0 || idx >= len(ctr.Classes) {
		return nil, fmt.Errorf("%w: container %q has no class %d", ErrNoClassDefFound, ctr.Name, idx)
	}
	def := &ctr.Classes[idx]
	d := InternDescriptor(descriptor)
	if got := ctr.TypeName(def.Descriptor); got != d.str {
		return nil, fmt.Errorf("%w: container %q class %d defines %q, not %q",
			ErrClassFormat, ctr.Name, idx, got, d.str)
	}

	c := newClassRecord(rt, d)
	c.loader = loader
	c.container = ctr
	c.defIdx = idx
	c.accessFlags = def.AccessFlags & declaredFlagsMask
	c.temp = true
	c.initOwner = t.id
	c.status.Store(uint32(StatusIdx))

	if err := rt.heap.AllocClassRecordSpace(c.recordSize, c.nonMovable); err != nil {
		return nil, err
	}
	rt.arena.allocate(c)

	table := rt.tableFor(loader)
	if winner := table.Insert(d, c.handle); winner != c.handle {
		rt.arena.release(c.handle)
		rt.heap.ReleaseClassRecordSpace(c.recordSize)
		return rt.EnsureResolved(t, rt.arena.Get(winner))
	}

	if err := rt.loadMembers(c, def); err != nil {
		return nil, rt.recordFailure(c, err)
	}
	if err := rt.loadSupertypes(t, c, def); err != nil {
		return nil, rt.recordFailure(c, err)
	}

	twin, err := rt.linkClass(t, c)
	if err != nil {
		return nil, rt.recordFailure(c, err)
	}

	twin.mu.Lock()
	twin.setStatusLocked(StatusResolved)
	twin.mu.Unlock()

	linkerLog.Debugf("defined %s (loader=%s, vtable=%d, ifaces=%d, size=%d)",
		d.str, loaderName(loader), len(twin.VTable()), len(twin.IfTable()), twin.objectSize)
	return twin, nil
}

// recordFailure records a sticky failure on a class. The erroneous
// record stays in the registry so every later resolver or initializer
// rethrows instead of retrying.
func (rt *Runtime) recordFailure(c *Class, err error) error {
	c.mu.Lock()
	c.markFailedLocked(err)
	c.initOwner = 0
	c.mu.Unlock()
	return err
}

// loadMembers builds the field and method records from the definition.
func (rt *Runtime) loadMembers(c *Class, def *metadata.ClassDef) error {
	for i := range def.Fields {
		fd := &def.Fields[i]
		typ := InternDescriptor(c.container.TypeName(fd.Type))
		f := newField(c, fd, typ)
		if f.IsStatic() {
			c.sfields = append(c.sfields, f)
		} else {
			c.fields = append(c.fields, f)
		}
	}
	for i := range def.Methods {
		c.methods = append(c.methods, newMethod(c, &def.Methods[i]))
	}
	rt.heap.WriteBarrier().ClassMutated(c.handle)

	c.mu.Lock()
	c.setStatusLocked(StatusLoaded)
	c.mu.Unlock()
	return nil
}

// loadSupertypes resolves the superclass and direct interfaces through
// this class's loader and validates the relationships. A failure in a
// supertype surfaces as a failure of this class.
func (rt *Runtime) loadSupertypes(t *Thread, c *Class, def *metadata.ClassDef) error {
	if def.Superclass == metadata.NoIndex {
		return fmt.Errorf("%w: %s has no superclass", ErrClassFormat, c.descriptor)
	}
	superName := c.container.TypeName(def.Superclass)
	super, err := rt.FindClass(t, superName, c.loader)
	if err != nil {
		return supertypeFailure("superclass", superName, c, err)
	}
	switch {
	case super.IsInterface():
		return fmt.Errorf("%w: superclass %s of %s is an interface",
			ErrIncompatibleClassChange, super.descriptor, c.descriptor)
	case super.IsPrimitive() || super.IsArray():
		return fmt.Errorf("%w: superclass %s of %s is not a class type",
			ErrIncompatibleClassChange, super.descriptor, c.descriptor)
	case super.IsFinal():
		return fmt.Errorf("%w: %s extends final class %s",
			ErrLinkage, c.descriptor, super.descriptor)
	case !super.IsPublic() && !samePackage(c, super):
		return fmt.Errorf("%w: %s cannot access superclass %s",
			ErrIllegalAccess, c.descriptor, super.descriptor)
	}
	c.super = super.handle

	for _, ti := range def.Interfaces {
		name := c.container.TypeName(ti)
		iface, err := rt.FindClass(t, name, c.loader)
		if err != nil {
			return supertypeFailure("interface", name, c, err)
		}
		if !iface.IsInterface() {
			return fmt.Errorf("%w: %s implements non-interface %s",
				ErrIncompatibleClassChange, c.descriptor, iface.descriptor)
		}
		if !iface.IsPublic() && !samePackage(c, iface) {
			return fmt.Errorf("%w: %s cannot access interface %s",
				ErrIllegalAccess, c.descriptor, iface.descriptor)
		}
		c.directIfaces = append(c.directIfaces, iface.handle)
	}
	rt.heap.WriteBarrier().ClassMutated(c.handle)
	return nil
}

// supertypeFailure wraps a supertype resolution error for the subtype.
// Allocation failures pass through untouched so callers can tell
// resource exhaustion from a bad hierarchy.
func supertypeFailure(role, name string, c *Class, err error) error {
	if errors.Is(err, ErrOutOfMemory) {
		return err
	}
	if errors.Is(err, ErrClassCircularity) {
		return fmt.Errorf("%w: %s via %s %s", ErrClassCircularity, c.descriptor, role, name)
	}
	return fmt.Errorf("%w: %s %s of %s: %w", ErrNoClassDefFound, role, name, c.descriptor, err)
}

// ---------------------------------------------------------------------------
// Linking and retirement
// ---------------------------------------------------------------------------

// linkClass runs method linking and field layout on the temporary
// record, then retires it in favor of a right-sized twin. The returned
// twin is fully linked but not yet marked resolved.
func (rt *Runtime) linkClass(t *Thread, c *Class) (*Class, error) {
	c.mu.Lock()
	c.setStatusLocked(StatusResolving)
	c.mu.Unlock()

	if err := rt.linkMethods(c); err != nil {
		return nil, err
	}
	if err := rt.layoutFields(c); err != nil {
		return nil, err
	}
	return rt.retireTemp(t, c)
}

// finalRecordSize is the footprint of a linked record: the base record
// plus embedded dispatch tables it owns plus its static block.
func finalRecordSize(c *Class) uint32 {
	size := uint32(classRecordBaseSize)
	if !c.vtable.IsInherited() {
		size += uint32(len(c.vtable.slots)) * embeddedSlotSize
	}
	if c.imt != nil && c.imt.owner == c.handle {
		size += ImtSize * embeddedImtRefSize
	}
	return size + c.staticSize
}

// retireTemp moves the linked shape onto a new record sized for its
// embedded tables, swaps the registry entry, and retires the temporary.
// Threads waiting on the temporary wake, observe the retired status, and
// re-look the descriptor up to land on the twin.
func (rt *Runtime) retireTemp(t *Thread, c *Class) (*Class, error) {
	size := finalRecordSize(c)
	if err := rt.heap.AllocClassRecordSpace(size, c.nonMovable); err != nil {
		return nil, err
	}

	twin := newClassRecord(rt, c.descriptor)
	twin.recordSize = size
	twin.accessFlags = c.accessFlags
	twin.classFlags = c.classFlags
	twin.primKind = c.primKind
	twin.nonMovable = c.nonMovable
	twin.loader = c.loader
	twin.container = c.container
	twin.defIdx = c.defIdx
	twin.super = c.super
	twin.directIfaces = c.directIfaces
	twin.componentType = c.componentType
	twin.fields = c.fields
	twin.sfields = c.sfields
	twin.methods = c.methods
	twin.copied = c.copied
	twin.vtable = c.vtable
	twin.iftable = c.iftable
	twin.imt = c.imt
	twin.objectSize = c.objectSize
	twin.staticSize = c.staticSize
	twin.refOffsets = c.refOffsets
	twin.numRefFields = c.numRefFields
	twin.staticData = c.staticData
	twin.status.Store(uint32(StatusResolving))
	rt.arena.allocate(twin)

	// Member records live and die with their declaring class; point
	// them at the record that survives.
	for _, f := range twin.fields {
		f.declaring = twin
	}
	for _, f := range twin.sfields {
		f.declaring = twin
	}
	for _, m := range twin.methods {
		m.declaring = twin
	}
	for _, m := range twin.copied {
		m.declaring = twin
	}
	if twin.imt != nil && twin.imt.owner == c.handle {
		twin.imt.owner = twin.handle
	}
	rt.heap.WriteBarrier().ClassMutated(twin.handle)

	rt.tableFor(c.loader).Update(c.descriptor, c.handle, twin.handle)

	c.mu.Lock()
	c.setStatusLocked(StatusRetired)
	c.initOwner = 0
	c.mu.Unlock()

	rt.arena.release(c.handle)
	rt.heap.ReleaseClassRecordSpace(c.recordSize)
	return twin, nil
}

// ---------------------------------------------------------------------------
// Resolution waits
// ---------------------------------------------------------------------------

// EnsureResolved blocks until c is resolved, following a retirement to
// the replacing twin. A temporary record is waited on under its
// monitor; anything else spins briefly and then sleeps, since the
// remaining windows are short. The calling thread defining c itself is
// a circular dependency, reported rather than deadlocked on.
func (rt *Runtime) EnsureResolved(t *Thread, c *Class) (*Class, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: no class record", ErrNoClassDefFound)
	}
	spins := 0
	for {
		if c.Status() == StatusRetired {
			h := rt.tableFor(c.loader).Lookup(c.descriptor)
			replacement := rt.arena.Get(h)
			if replacement == nil || replacement == c {
				return nil, fmt.Errorf("%w: %s lost during retirement", ErrNoClassDefFound, c.descriptor)
			}
			c = replacement
			spins = 0
			continue
		}
		if c.IsResolved() {
			return c, nil
		}
		if c.IsErroneous() {
			c.mu.Lock()
			err := stickyFailure(c.descriptor.str, c.failure)
			c.mu.Unlock()
			return nil, err
		}

		c.mu.Lock()
		owner := c.initOwner
		c.mu.Unlock()
		if owner != 0 && owner == t.id {
			return nil, fmt.Errorf("%w: %s", ErrClassCircularity, c.descriptor)
		}

		if c.temp {
			c.mu.Lock()
			for !c.IsResolved() && !c.IsErroneous() && c.Status() != StatusRetired {
				if c.initOwner == t.id {
					break
				}
				t.beginWait()
				c.cond.Wait()
				t.endWait()
			}
			c.mu.Unlock()
			continue
		}
		if spins < resolveSpinYields {
			spins++
			runtime.Gosched()
		} else {
			time.Sleep(resolveSleep)
		}
		t.CheckSuspend()
	}
}

// ---------------------------------------------------------------------------
// Array classes
// ---------------------------------------------------------------------------

// resolveArrayClass returns the array class for d, creating it beside
// its component's defining loader on first use.
func (rt *Runtime) resolveArrayClass(t *Thread, d Descriptor, loader *Loader) (*Class, error) {
	table := rt.tableFor(loader)
	if h := table.Lookup(d); h != NilClass {
		return rt.EnsureResolved(t, rt.arena.Get(h))
	}
	component, err := rt.FindClass(t, d.Element().str, loader)
	if err != nil {
		return nil, err
	}
	c, err := rt.createArrayClass(t, d, component)
	if err != nil {
		return nil, err
	}
	if component.loader != loader {
		table.Insert(d, c.handle)
	}
	return c, nil
}

// createArrayClass synthesizes an array class: final, abstract as a
// type, subclass of the root object type, implementing the two array
// marker interfaces, dispatching through the root's tables. Array
// classes have no initializer and are born visibly initialized. The
// class registers with the component's defining loader so identical
// array types unify across initiating loaders.
func (rt *Runtime) createArrayClass(t *Thread, d Descriptor, component *Class) (*Class, error) {
	table := rt.tableFor(component.loader)
	if h := table.Lookup(d); h != NilClass {
		return rt.EnsureResolved(t, rt.arena.Get(h))
	}

	root := rt.arena.Get(rt.rootClass)
	c := newClassRecord(rt, d)
	c.loader = component.loader
	c.accessFlags = AccFinal | AccAbstract | (component.accessFlags & AccPublic)
	c.classFlags = ClassFlagArray
	c.super = rt.rootClass
	c.componentType = component.handle
	c.directIfaces = []ClassHandle{rt.cloneableClass, rt.serializableClass}
	c.vtable = VTableRef{inheritedFrom: root.VTableOwner()}
	c.imt = root.imt

	entries, _, err := rt.collectIfTable(c)
	if err != nil {
		return nil, err
	}
	c.iftable = IfTableRef{entries: entries}
	c.objectSize = 0 // instances are variable-length
	if component.IsPrimitive() {
		// Reference-component arrays keep the bit clear: the collector
		// must scan their elements.
		c.classFlags |= ClassFlagNoReferenceFields
	}
	c.status.Store(uint32(StatusVisiblyInitialized))

	if err := rt.heap.AllocClassRecordSpace(c.recordSize, c.nonMovable); err != nil {
		return nil, err
	}
	rt.arena.allocate(c)

	if winner := table.Insert(d, c.handle); winner != c.handle {
		rt.arena.release(c.handle)
		rt.heap.ReleaseClassRecordSpace(c.recordSize)
		return rt.EnsureResolved(t, rt.arena.Get(winner))
	}
	rt.heap.WriteBarrier().ClassMutated(c.handle)

	linkerLog.Debugf("created array class %s (component=%s, loader=%s)",
		d.str, component.descriptor, loaderName(component.loader))
	return c, nil
}
