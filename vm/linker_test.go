package vm

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Test helpers: runtimes and containers
// ---------------------------------------------------------------------------

// newTestRuntime builds a fence-published runtime over the given boot
// containers. Fence publication with a batch of one makes a class
// visibly initialized the moment initialization returns, which keeps
// status assertions deterministic.
func newTestRuntime(t *testing.T, boot ...*metadata.Container) (*Runtime, *Thread) {
	t.Helper()
	rt, err := NewRuntime(Options{
		BootPath:     boot,
		PublishMode:  PublishFence,
		PublishBatch: 1,
	})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return rt, rt.Attach()
}

// mustFind resolves a descriptor or fails the test.
func mustFind(t *testing.T, rt *Runtime, th *Thread, descriptor string, loader *Loader) *Class {
	t.Helper()
	c, err := rt.FindClass(th, descriptor, loader)
	if err != nil {
		t.Fatalf("FindClass(%s) failed: %v", descriptor, err)
	}
	return c
}

// mustLoader registers a loader or fails the test.
func mustLoader(t *testing.T, rt *Runtime, cfg LoaderConfig) *Loader {
	t.Helper()
	l, err := rt.NewLoader(cfg)
	if err != nil {
		t.Fatalf("NewLoader(%q) failed: %v", cfg.Name, err)
	}
	return l
}

// pointContainer defines a minimal concrete class with two int fields
// and one virtual method.
func pointContainer() *metadata.Container {
	b := metadata.NewBuilder("point")
	b.Class("Lapp/Point;", metadata.AccPublic).
		Field("x", "I", metadata.AccPrivate).
		Field("y", "I", metadata.AccPrivate).
		Method("<init>", "()V", metadata.AccPublic, 1).
		Method("getX", "()I", metadata.AccPublic, 2)
	return b.MustBuild()
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

func TestBootstrapClasses(t *testing.T) {
	rt, th := newTestRuntime(t)

	root := rt.RootClass()
	if root == nil {
		t.Fatal("RootClass returned nil")
	}
	if root.Descriptor() != "Lcore/Object;" {
		t.Errorf("root descriptor = %q, want %q", root.Descriptor(), "Lcore/Object;")
	}
	if !root.IsVisiblyInitialized() {
		t.Error("root class should be born visibly initialized")
	}
	if root.ObjectSize() != ObjectHeaderSize {
		t.Errorf("root ObjectSize = %d, want %d", root.ObjectSize(), ObjectHeaderSize)
	}
	if root.Super() != nil {
		t.Error("root class should have no superclass")
	}

	// The nine primitives resolve by their single-letter descriptors.
	for _, k := range []string{"Z", "B", "C", "S", "I", "J", "F", "D", "V"} {
		p := mustFind(t, rt, th, k, nil)
		if !p.IsPrimitive() {
			t.Errorf("%s: IsPrimitive = false, want true", k)
		}
		if !p.IsVisiblyInitialized() {
			t.Errorf("%s: primitive not visibly initialized", k)
		}
	}

	text := rt.TextClass()
	if text == nil || text.Descriptor() != "Lcore/Text;" {
		t.Fatalf("TextClass = %v, want Lcore/Text;", text)
	}
	if text.VTableOwner() != root.Handle() {
		t.Error("text class should share the root vtable")
	}

	// Root, nine primitives, two array markers, text.
	if got := rt.Stats().BootClasses; got != 13 {
		t.Errorf("BootClasses = %d, want 13", got)
	}
}

// ---------------------------------------------------------------------------
// Resolution basics
// ---------------------------------------------------------------------------

func TestFindClassMalformedDescriptor(t *testing.T) {
	rt, th := newTestRuntime(t)

	for _, bad := range []string{"", "app.Point", "Lapp/Point", "Q", "[;"} {
		if _, err := rt.FindClass(th, bad, nil); !errors.Is(err, ErrNoClassDefFound) {
			t.Errorf("FindClass(%q) error = %v, want ErrNoClassDefFound", bad, err)
		}
	}
}

func TestFindClassNotFound(t *testing.T) {
	rt, th := newTestRuntime(t)

	_, err := rt.FindClass(th, "Lapp/Ghost;", nil)
	if !errors.Is(err, ErrClassNotFound) {
		t.Fatalf("error = %v, want ErrClassNotFound", err)
	}

	// A miss is not sticky: once a container supplies the class, the
	// same lookup succeeds.
	b := metadata.NewBuilder("late")
	b.Class("Lapp/Ghost;", metadata.AccPublic)
	if err := rt.AddBootContainer(b.MustBuild()); err != nil {
		t.Fatalf("AddBootContainer failed: %v", err)
	}
	if _, err := rt.FindClass(th, "Lapp/Ghost;", nil); err != nil {
		t.Errorf("FindClass after adding container failed: %v", err)
	}
}

func TestDefineAndResolveSimpleClass(t *testing.T) {
	rt, th := newTestRuntime(t, pointContainer())

	c := mustFind(t, rt, th, "Lapp/Point;", nil)
	if got := c.Status(); got != StatusResolved {
		t.Errorf("Status = %v, want %v", got, StatusResolved)
	}
	if c.IsTemp() {
		t.Error("resolved class should not be the temporary record")
	}
	if c.DefiningLoader() != nil {
		t.Errorf("DefiningLoader = %v, want boot", c.DefiningLoader().Name())
	}

	// One virtual method lands in slot zero; the constructor takes no
	// slot.
	slots := c.VTable()
	if len(slots) != 1 {
		t.Fatalf("vtable has %d slots, want 1", len(slots))
	}
	if slots[0].Name() != "getX" || slots[0].Slot() != 0 {
		t.Errorf("slot 0 = %s (slot %d), want getX at 0", slots[0].Name(), slots[0].Slot())
	}
	if init := c.FindDeclaredMethod("<init>", "()V"); init == nil || init.Slot() != noSlot {
		t.Error("<init> should exist and hold no dispatch slot")
	}

	// Two ints after the header.
	if c.ObjectSize() != 16 {
		t.Errorf("ObjectSize = %d, want 16", c.ObjectSize())
	}
	if !c.HasNoReferenceFields() {
		t.Error("class without reference fields should carry the no-refs flag")
	}
}

func TestFindClassIsIdempotent(t *testing.T) {
	rt, th := newTestRuntime(t, pointContainer())

	first := mustFind(t, rt, th, "Lapp/Point;", nil)
	second := mustFind(t, rt, th, "Lapp/Point;", nil)
	if first != second {
		t.Error("second lookup returned a different record")
	}

	live := rt.Stats().LiveClasses
	if live != 14 { // 13 bootstrap + the one defined class
		t.Errorf("LiveClasses = %d, want 14", live)
	}
}

func TestTempRecordRetired(t *testing.T) {
	rt, th := newTestRuntime(t, pointContainer())

	c := mustFind(t, rt, th, "Lapp/Point;", nil)

	// The final record embeds its one owned vtable slot; the interface
	// method table is shared with the root class and the static block is
	// empty.
	want := uint32(classRecordBaseSize) + 1*embeddedSlotSize
	if c.RecordSize() != want {
		t.Errorf("RecordSize = %d, want %d", c.RecordSize(), want)
	}
	if c.Imt() == nil || c.Imt().Owner() != rt.RootClass().Handle() {
		t.Error("class with no interfaces should share the root IMT")
	}

	// The registry points at the twin, not a temporary.
	if got := rt.LookupClass("Lapp/Point;", nil); got != c {
		t.Errorf("LookupClass = %v, want the resolved record", got)
	}
}

func TestLookupClassIsPassive(t *testing.T) {
	rt, _ := newTestRuntime(t, pointContainer())

	if c := rt.LookupClass("Lapp/Point;", nil); c != nil {
		t.Errorf("LookupClass before resolution = %v, want nil", c)
	}
	if got := rt.Stats().BootClasses; got != 13 {
		t.Errorf("BootClasses after passive lookup = %d, want 13", got)
	}
}

// ---------------------------------------------------------------------------
// Definition failures
// ---------------------------------------------------------------------------

func TestMissingSuperclassIsSticky(t *testing.T) {
	b := metadata.NewBuilder("broken")
	b.Class("Lapp/Broken;", metadata.AccPublic).Super("Lapp/Missing;")
	rt, th := newTestRuntime(t, b.MustBuild())

	_, err := rt.FindClass(th, "Lapp/Broken;", nil)
	if !errors.Is(err, ErrNoClassDefFound) {
		t.Fatalf("first error = %v, want ErrNoClassDefFound", err)
	}

	c := rt.LookupClass("Lapp/Broken;", nil)
	if c == nil {
		t.Fatal("failed definition should stay registered")
	}
	if !c.IsErroneous() {
		t.Errorf("Status = %v, want an error state", c.Status())
	}

	// Every later attempt rethrows instead of redefining.
	_, err = rt.FindClass(th, "Lapp/Broken;", nil)
	if !errors.Is(err, ErrNoClassDefFound) {
		t.Errorf("second error = %v, want ErrNoClassDefFound", err)
	}
}

func TestSupertypeCycle(t *testing.T) {
	b := metadata.NewBuilder("cycle")
	b.Class("Lapp/A;", metadata.AccPublic).Super("Lapp/B;")
	b.Class("Lapp/B;", metadata.AccPublic).Super("Lapp/A;")
	rt, th := newTestRuntime(t, b.MustBuild())

	_, err := rt.FindClass(th, "Lapp/A;", nil)
	if !errors.Is(err, ErrClassCircularity) {
		t.Fatalf("error = %v, want ErrClassCircularity", err)
	}

	// Both halves of the cycle are erroneous and sticky.
	for _, d := range []string{"Lapp/A;", "Lapp/B;"} {
		c := rt.LookupClass(d, nil)
		if c == nil || !c.IsErroneous() {
			t.Errorf("%s: not marked erroneous after cycle", d)
		}
	}
}

func TestSelfSupertype(t *testing.T) {
	b := metadata.NewBuilder("selfish")
	b.Class("Lapp/Selfish;", metadata.AccPublic).Super("Lapp/Selfish;")
	rt, th := newTestRuntime(t, b.MustBuild())

	if _, err := rt.FindClass(th, "Lapp/Selfish;", nil); !errors.Is(err, ErrClassCircularity) {
		t.Errorf("error = %v, want ErrClassCircularity", err)
	}
}

func TestExtendsFinalClass(t *testing.T) {
	b := metadata.NewBuilder("sealed")
	b.Class("Lapp/Sealed;", metadata.AccPublic|metadata.AccFinal)
	b.Class("Lapp/Sub;", metadata.AccPublic).Super("Lapp/Sealed;")
	rt, th := newTestRuntime(t, b.MustBuild())

	if _, err := rt.FindClass(th, "Lapp/Sub;", nil); !errors.Is(err, ErrLinkage) {
		t.Errorf("error = %v, want ErrLinkage", err)
	}
}

func TestExtendsInterface(t *testing.T) {
	b := metadata.NewBuilder("bad-super")
	b.Class("Lapp/I;", metadata.AccPublic|metadata.AccInterface|metadata.AccAbstract)
	b.Class("Lapp/C;", metadata.AccPublic).Super("Lapp/I;")
	rt, th := newTestRuntime(t, b.MustBuild())

	if _, err := rt.FindClass(th, "Lapp/C;", nil); !errors.Is(err, ErrIncompatibleClassChange) {
		t.Errorf("error = %v, want ErrIncompatibleClassChange", err)
	}
}

func TestImplementsNonInterface(t *testing.T) {
	b := metadata.NewBuilder("bad-iface")
	b.Class("Lapp/NotIface;", metadata.AccPublic)
	b.Class("Lapp/C;", metadata.AccPublic).Implements("Lapp/NotIface;")
	rt, th := newTestRuntime(t, b.MustBuild())

	if _, err := rt.FindClass(th, "Lapp/C;", nil); !errors.Is(err, ErrIncompatibleClassChange) {
		t.Errorf("error = %v, want ErrIncompatibleClassChange", err)
	}
}

func TestPackagePrivateSuperclassAccess(t *testing.T) {
	b := metadata.NewBuilder("pkg-access")
	b.Class("Lone/Hidden;", 0) // package-private
	b.Class("Lone/Near;", metadata.AccPublic).Super("Lone/Hidden;")
	b.Class("Ltwo/Far;", metadata.AccPublic).Super("Lone/Hidden;")
	rt, th := newTestRuntime(t, b.MustBuild())

	if _, err := rt.FindClass(th, "Lone/Near;", nil); err != nil {
		t.Errorf("same-package subclass failed: %v", err)
	}
	if _, err := rt.FindClass(th, "Ltwo/Far;", nil); !errors.Is(err, ErrIllegalAccess) {
		t.Errorf("cross-package error = %v, want ErrIllegalAccess", err)
	}
}

func TestRecordSpaceExhaustion(t *testing.T) {
	// Measure the bootstrap footprint, then rebuild with just too little
	// room for one more record.
	probe, err := NewRuntime(Options{})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	base := probe.heap.(*SimpleHeap).Used()

	rt, err := NewRuntime(Options{
		HeapLimit: base + int64(classRecordBaseSize) - 1,
		BootPath:  []*metadata.Container{pointContainer()},
	})
	if err != nil {
		t.Fatalf("NewRuntime with limit failed: %v", err)
	}
	th := rt.Attach()

	_, err = rt.FindClass(th, "Lapp/Point;", nil)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("error = %v, want ErrOutOfMemory", err)
	}

	// Allocation pressure is not a definition failure: nothing was
	// registered and nothing is sticky.
	if c := rt.LookupClass("Lapp/Point;", nil); c != nil {
		t.Errorf("LookupClass after allocation failure = %v, want nil", c)
	}
}

// ---------------------------------------------------------------------------
// Loader delegation
// ---------------------------------------------------------------------------

// dupContainers builds two containers both defining Lapp/Dup;, shaped
// differently so tests can tell which copy won.
func dupContainers() (parent, child *metadata.Container) {
	pb := metadata.NewBuilder("parent-path")
	pb.Class("Lapp/Dup;", metadata.AccPublic).Field("fromParent", "I", metadata.AccPublic)
	cb := metadata.NewBuilder("child-path")
	cb.Class("Lapp/Dup;", metadata.AccPublic).Field("fromChild", "I", metadata.AccPublic)
	return pb.MustBuild(), cb.MustBuild()
}

func TestStandardLoaderDelegatesParentFirst(t *testing.T) {
	parentCtr, childCtr := dupContainers()
	rt, th := newTestRuntime(t, parentCtr)

	child := mustLoader(t, rt, LoaderConfig{
		Name:      "child",
		Kind:      LoaderStandard,
		ClassPath: []*metadata.Container{childCtr},
	})

	c := mustFind(t, rt, th, "Lapp/Dup;", child)
	if c.Container() != parentCtr {
		t.Error("standard delegation should resolve the ancestor's copy")
	}
	if c.DefiningLoader() != nil {
		t.Errorf("DefiningLoader = %v, want boot", c.DefiningLoader())
	}

	// The child remembers the hit as initiating loader.
	if got := rt.LookupClass("Lapp/Dup;", child); got != c {
		t.Error("child registry should cache the delegated class")
	}
}

func TestDelegateLastLoaderPrefersOwnPath(t *testing.T) {
	parentCtr, childCtr := dupContainers()
	rt, th := newTestRuntime(t)

	parent := mustLoader(t, rt, LoaderConfig{
		Name:      "parent",
		Kind:      LoaderStandard,
		ClassPath: []*metadata.Container{parentCtr},
	})
	child := mustLoader(t, rt, LoaderConfig{
		Name:      "child",
		Kind:      LoaderDelegateLast,
		Parent:    parent,
		ClassPath: []*metadata.Container{childCtr},
	})

	c := mustFind(t, rt, th, "Lapp/Dup;", child)
	if c.Container() != childCtr {
		t.Error("delegate-last should prefer its own class path over the parent")
	}
	if c.DefiningLoader() != child {
		t.Errorf("DefiningLoader = %v, want the child", loaderName(c.DefiningLoader()))
	}
}

func TestDelegateLastStillConsultsBootFirst(t *testing.T) {
	// The same descriptor on the boot path and the loader's own path:
	// boot wins even under delegate-last.
	parentCtr, childCtr := dupContainers()
	rt, th := newTestRuntime(t, parentCtr)

	child := mustLoader(t, rt, LoaderConfig{
		Name:      "child",
		Kind:      LoaderDelegateLast,
		ClassPath: []*metadata.Container{childCtr},
	})

	c := mustFind(t, rt, th, "Lapp/Dup;", child)
	if c.Container() != parentCtr {
		t.Error("delegate-last must still consult the boot loader first")
	}
}

func TestSharedLibraryLoaders(t *testing.T) {
	libCtr := func(name, field string) *metadata.Container {
		b := metadata.NewBuilder(name)
		b.Class("Lapp/Shared;", metadata.AccPublic).Field(field, "I", metadata.AccPublic)
		return b.MustBuild()
	}
	before := libCtr("before", "fromBefore")
	own := libCtr("own", "fromOwn")
	after := libCtr("after", "fromAfter")

	rt, th := newTestRuntime(t)
	libBefore := mustLoader(t, rt, LoaderConfig{Name: "lib-before", ClassPath: []*metadata.Container{before}})
	libAfter := mustLoader(t, rt, LoaderConfig{Name: "lib-after", ClassPath: []*metadata.Container{after}})

	// Shared-before outranks the loader's own path.
	l1 := mustLoader(t, rt, LoaderConfig{
		Name:         "with-before",
		ClassPath:    []*metadata.Container{own},
		SharedBefore: []*Loader{libBefore},
	})
	if c := mustFind(t, rt, th, "Lapp/Shared;", l1); c.Container() != before {
		t.Error("shared-before library should outrank the loader's own path")
	}

	// Shared-after is only reached when the own path misses.
	l2 := mustLoader(t, rt, LoaderConfig{
		Name:        "with-after",
		SharedAfter: []*Loader{libAfter},
	})
	if c := mustFind(t, rt, th, "Lapp/Shared;", l2); c.Container() != after {
		t.Error("shared-after library should serve a class-path miss")
	}
}

func TestCustomLoader(t *testing.T) {
	ctr := pointContainer()
	rt, th := newTestRuntime(t)

	var calls int
	var custom *Loader
	custom = mustLoader(t, rt, LoaderConfig{
		Name: "custom",
		Kind: LoaderCustom,
		Load: func(lt *Thread, descriptor string) (*Class, error) {
			calls++
			idx := ctr.ClassIndex(descriptor)
			if idx < 0 {
				return nil, fmt.Errorf("%w: %s", ErrClassNotFound, descriptor)
			}
			return rt.DefineClass(lt, descriptor, custom, ctr, idx)
		},
	})

	c := mustFind(t, rt, th, "Lapp/Point;", custom)
	if c.DefiningLoader() != custom {
		t.Error("custom loader should define the class itself")
	}
	if calls != 1 {
		t.Errorf("load function called %d times, want 1", calls)
	}

	// The registry absorbs the definition; the hook is not consulted again.
	mustFind(t, rt, th, "Lapp/Point;", custom)
	if calls != 1 {
		t.Errorf("load function called %d times after re-lookup, want 1", calls)
	}
}

func TestCustomLoaderDescriptorMismatch(t *testing.T) {
	ctr := pointContainer()
	rt, th := newTestRuntime(t)

	var custom *Loader
	custom = mustLoader(t, rt, LoaderConfig{
		Name: "lying",
		Kind: LoaderCustom,
		Load: func(lt *Thread, descriptor string) (*Class, error) {
			return rt.DefineClass(lt, "Lapp/Point;", custom, ctr, ctr.ClassIndex("Lapp/Point;"))
		},
	})

	_, err := rt.FindClass(th, "Lapp/Decoy;", custom)
	if !errors.Is(err, ErrNoClassDefFound) {
		t.Fatalf("got %v, want a definition error blaming the loader", err)
	}
}

func TestCustomLoaderRequiresLoadFunc(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if _, err := rt.NewLoader(LoaderConfig{Name: "hollow", Kind: LoaderCustom}); err == nil {
		t.Error("custom loader without a load function should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Array classes
// ---------------------------------------------------------------------------

func TestPrimitiveArrayClass(t *testing.T) {
	rt, th := newTestRuntime(t)

	c := mustFind(t, rt, th, "[I", nil)
	if !c.IsArray() {
		t.Fatal("IsArray = false")
	}
	if !c.IsFinal() || !c.IsAbstract() {
		t.Error("array classes are final and abstract as types")
	}
	if comp := c.ComponentType(); comp == nil || comp.Descriptor() != "I" {
		t.Errorf("ComponentType = %v, want the int primitive", comp)
	}
	if c.Super() != rt.RootClass() {
		t.Error("array superclass should be the root object type")
	}
	if !c.IsVisiblyInitialized() {
		t.Error("array classes are born visibly initialized")
	}
	if !c.HasNoReferenceFields() {
		t.Error("primitive arrays hold no references")
	}

	cloneable := mustFind(t, rt, th, "Lcore/Cloneable;", nil)
	serializable := mustFind(t, rt, th, "Lcore/Serializable;", nil)
	if !c.Implements(cloneable) || !c.Implements(serializable) {
		t.Error("array classes implement the two marker interfaces")
	}
}

func TestReferenceArrayClass(t *testing.T) {
	rt, th := newTestRuntime(t, pointContainer())

	c := mustFind(t, rt, th, "[[Lapp/Point;", nil)
	inner := c.ComponentType()
	if inner == nil || inner.Descriptor() != "[Lapp/Point;" {
		t.Fatalf("ComponentType = %v, want [Lapp/Point;", inner)
	}
	if inner.ComponentType().Descriptor() != "Lapp/Point;" {
		t.Error("inner component should be the element class")
	}
	if c.HasNoReferenceFields() {
		t.Error("reference arrays must be scanned by the collector")
	}
	if c.VTableOwner() != rt.RootClass().Handle() {
		t.Error("array classes dispatch through the root vtable")
	}
}

func TestArrayClassUnifiesAcrossLoaders(t *testing.T) {
	rt, th := newTestRuntime(t, pointContainer())
	child := mustLoader(t, rt, LoaderConfig{Name: "child", Kind: LoaderStandard})

	viaChild := mustFind(t, rt, th, "[Lapp/Point;", child)
	viaBoot := mustFind(t, rt, th, "[Lapp/Point;", nil)
	if viaChild != viaBoot {
		t.Error("array classes should unify on the component's defining loader")
	}
	if viaChild.DefiningLoader() != nil {
		t.Errorf("array DefiningLoader = %v, want boot", viaChild.DefiningLoader())
	}
}

// ---------------------------------------------------------------------------
// Type resolution cache
// ---------------------------------------------------------------------------

func TestResolveType(t *testing.T) {
	ctr := pointContainer()
	rt, th := newTestRuntime(t, ctr)

	idx := metadata.TypeIdx(0xFFFF)
	for i, name := range ctr.TypeNames {
		if name == "Lapp/Point;" {
			idx = metadata.TypeIdx(i)
		}
	}

	c1, err := rt.ResolveType(th, ctr, idx, nil)
	if err != nil {
		t.Fatalf("ResolveType failed: %v", err)
	}
	c2, err := rt.ResolveType(th, ctr, idx, nil)
	if err != nil {
		t.Fatalf("second ResolveType failed: %v", err)
	}
	if c1 != c2 {
		t.Error("cached resolution returned a different record")
	}

	if _, err := rt.ResolveType(th, ctr, metadata.TypeIdx(999), nil); !errors.Is(err, ErrNoClassDefFound) {
		t.Errorf("out-of-range index error = %v, want ErrNoClassDefFound", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrent resolution
// ---------------------------------------------------------------------------

func TestConcurrentFindClass(t *testing.T) {
	rt, _ := newTestRuntime(t, pointContainer())

	const goroutines = 16
	var wg sync.WaitGroup
	results := make([]*Class, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			th := rt.Attach()
			defer th.Detach()
			results[n], errs[n] = rt.FindClass(th, "Lapp/Point;", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("goroutine %d resolved a different record", i)
		}
	}

	// Exactly one definition survived the race.
	if live := rt.Stats().LiveClasses; live != 14 {
		t.Errorf("LiveClasses = %d, want 14", live)
	}
}

func TestConcurrentDistinctClasses(t *testing.T) {
	b := metadata.NewBuilder("many")
	descs := []string{"Lm/A;", "Lm/B;", "Lm/C;", "Lm/D;", "Lm/E;", "Lm/F;", "Lm/G;", "Lm/H;"}
	for _, d := range descs {
		b.Class(d, metadata.AccPublic).Method("id", "()I", metadata.AccPublic, 7)
	}
	rt, _ := newTestRuntime(t, b.MustBuild())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := rt.Attach()
			defer th.Detach()
			for _, d := range descs {
				if _, err := rt.FindClass(th, d, nil); err != nil {
					t.Errorf("FindClass(%s): %v", d, err)
				}
			}
		}()
	}
	wg.Wait()

	if live := rt.Stats().LiveClasses; live != 13+len(descs) {
		t.Errorf("LiveClasses = %d, want %d", live, 13+len(descs))
	}
}
