package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Initialization
// ---------------------------------------------------------------------------

// EnsureInitialized drives c through verification and initialization.
// The two capability flags serve offline callers: canInit false refuses
// to run initializer code, canInitParents false refuses to recursively
// initialize an uninitialized supertype. When a missing capability
// would be needed, the class is left untouched and the deferred
// sentinel is returned; nothing is marked erroneous.
func (rt *Runtime) EnsureInitialized(t *Thread, c *Class, canInit, canInitParents bool) error {
	if c.IsVisiblyInitialized() {
		return nil
	}
	c, err := rt.EnsureResolved(t, c)
	if err != nil {
		return err
	}
	return rt.initializeClass(t, c, canInit, canInitParents)
}

// initializeClass runs the per-class initialization protocol. One
// thread owns the transition through the class monitor; latecomers park
// on the monitor and re-check on wake. Self-recursion, an initializer
// reaching back into its own class, returns immediately: the statics
// written so far are visible to the owning thread.
func (rt *Runtime) initializeClass(t *Thread, c *Class, canInit, canInitParents bool) error {
	if c.IsInitialized() {
		return nil
	}
	if err := rt.verifyClass(t, c); err != nil {
		return err
	}
	if !rt.canInitialize(c, canInit, canInitParents) {
		return fmt.Errorf("%w: %s", ErrInitDeferred, c.descriptor)
	}

	c.mu.Lock()
	for {
		st := c.Status()
		if st >= StatusInitialized {
			c.mu.Unlock()
			return nil
		}
		if c.IsErroneous() {
			err := stickyFailure(c.descriptor.str, c.failure)
			c.mu.Unlock()
			return err
		}
		if st == StatusInitializing {
			if c.initOwner == t.id {
				c.mu.Unlock()
				return nil
			}
			t.beginWait()
			c.cond.Wait()
			t.endWait()
			continue
		}
		break
	}
	c.setStatusLocked(StatusInitializing)
	c.initOwner = t.id
	c.mu.Unlock()

	start := time.Now()

	if super := c.Super(); super != nil && !super.IsInitialized() {
		if err := rt.initializeClass(t, super, canInit, canInitParents); err != nil {
			return rt.recordFailure(c, supertypeInitFailure("superclass", super, c, err))
		}
	}
	if !c.IsInterface() {
		// Interfaces that contribute default methods must have live
		// statics before any implementor runs. Initializing an
		// interface does not touch its own superinterfaces.
		for _, e := range c.IfTable() {
			iface := rt.arena.Get(e.iface)
			if iface == nil || iface.IsInitialized() || !iface.hasDefaultMethods() {
				continue
			}
			if err := rt.initializeClass(t, iface, canInit, canInitParents); err != nil {
				return rt.recordFailure(c, supertypeInitFailure("interface", iface, c, err))
			}
		}
	}

	if err := rt.applyStaticInits(c); err != nil {
		return rt.recordFailure(c, err)
	}
	if clinit := c.classInitializer(); clinit != nil {
		initLog.Debugf("running %s.<clinit>", c.descriptor)
		if err := rt.invoker.InvokeStatic(t, clinit); err != nil {
			return rt.recordFailure(c, wrapInitializerFailure(c.descriptor.str, err))
		}
	}

	c.mu.Lock()
	c.setStatusLocked(StatusInitialized)
	c.initOwner = 0
	c.mu.Unlock()

	rt.publisher.enqueue(t, c.handle)
	initLog.Debugf("initialized %s in %s", c.descriptor, time.Since(start))
	return nil
}

// canInitialize checks the capability flags against what initializing c
// would actually require, without changing any state. A class with no
// initializer and fully initialized supertypes needs no capability at
// all: constant statics are data, not code.
func (rt *Runtime) canInitialize(c *Class, canInit, canInitParents bool) bool {
	if c.IsInitialized() {
		return true
	}
	if !canInit && c.classInitializer() != nil {
		return false
	}
	if super := c.Super(); super != nil && !super.IsInitialized() {
		if !canInitParents || !rt.canInitialize(super, canInit, canInitParents) {
			return false
		}
	}
	if !c.IsInterface() {
		for _, e := range c.IfTable() {
			iface := rt.arena.Get(e.iface)
			if iface == nil || iface.IsInitialized() || !iface.hasDefaultMethods() {
				continue
			}
			if !canInitParents || !rt.canInitialize(iface, canInit, canInitParents) {
				return false
			}
		}
	}
	return true
}

// supertypeInitFailure wraps a supertype's initialization failure for
// the subtype. Allocation failures pass through untouched.
func supertypeInitFailure(role string, sup, c *Class, err error) error {
	if errors.Is(err, ErrOutOfMemory) {
		return err
	}
	return fmt.Errorf("%w: could not initialize %s, %s %s failed: %w",
		ErrNoClassDefFound, c.descriptor, role, sup.descriptor, err)
}

// applyStaticInits writes the declared constant values into the static
// block. These are data moves, not initializer code, so they are safe
// in contexts that refuse to execute bytecode.
func (rt *Runtime) applyStaticInits(c *Class) error {
	for _, f := range c.sfields {
		iv := f.init
		if iv == nil {
			continue
		}
		switch iv.Kind {
		case metadata.InitInt:
			if k := f.typ.PrimitiveKind(); f.IsReference() || k == 'F' || k == 'D' {
				return initKindError(c, f, "integer")
			}
			c.SetStaticInt(f, iv.Int)
		case metadata.InitFloat:
			if k := f.typ.PrimitiveKind(); k != 'F' && k != 'D' {
				return initKindError(c, f, "float")
			}
			c.SetStaticFloat(f, iv.Float)
		case metadata.InitString:
			if !f.IsReference() {
				return initKindError(c, f, "string")
			}
			ref, err := rt.heap.InternString(rt.arena.Get(rt.textClass), iv.Str)
			if err != nil {
				return err
			}
			c.SetStaticRef(f, ref)
		case metadata.InitNull:
			if !f.IsReference() {
				return initKindError(c, f, "null")
			}
			c.SetStaticRef(f, NilRef)
		default:
			return fmt.Errorf("%w: field %s.%s has unknown constant kind %d",
				ErrClassFormat, c.descriptor, f.name, iv.Kind)
		}
	}
	return nil
}

func initKindError(c *Class, f *Field, kind string) error {
	return fmt.Errorf("%w: %s constant on field %s.%s of type %s",
		ErrClassFormat, kind, c.descriptor, f.name, f.typ.str)
}

// hasDefaultMethods reports whether the interface declares at least one
// default method, which ties its initialization to its implementors.
func (c *Class) hasDefaultMethods() bool {
	for _, m := range c.methods {
		if m.IsDefault() {
			return true
		}
	}
	return false
}
