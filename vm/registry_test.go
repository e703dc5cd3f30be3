package vm

import (
	"testing"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// expectPanic runs fn and fails the test unless it panics.
func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s should panic", name)
		}
	}()
	fn()
}

// bareRecord builds an arena-ready record outside the linker.
func bareRecord(descriptor string, size uint32) *Class {
	c := newClassRecord(nil, InternDescriptor(descriptor))
	c.recordSize = size
	return c
}

// ---------------------------------------------------------------------------
// Arena
// ---------------------------------------------------------------------------

func TestArenaAllocateReleaseReuse(t *testing.T) {
	arena := NewClassArena()

	a := bareRecord("Lx/A;", 64)
	b := bareRecord("Lx/B;", 96)
	c := bareRecord("Lx/C;", 32)
	ha := arena.allocate(a)
	hb := arena.allocate(b)
	hc := arena.allocate(c)

	if ha == NilClass || hb == NilClass || hc == NilClass {
		t.Fatal("allocate returned the nil handle")
	}
	if arena.Get(hb) != b {
		t.Error("Get did not return the allocated record")
	}
	if b.Handle() != hb {
		t.Errorf("Handle = %d, want %d", b.Handle(), hb)
	}
	if got := arena.Live(); got != 3 {
		t.Errorf("Live = %d, want 3", got)
	}
	if got := arena.Bytes(); got != 192 {
		t.Errorf("Bytes = %d, want 192", got)
	}

	arena.release(hb)
	if arena.Get(hb) != nil {
		t.Error("released handle should dereference to nil")
	}
	if got, want := arena.Live(), 2; got != want {
		t.Errorf("Live = %d, want %d", got, want)
	}
	if got := arena.Bytes(); got != 96 {
		t.Errorf("Bytes = %d, want 96", got)
	}

	// The freed slot is recycled for the next record.
	d := bareRecord("Lx/D;", 16)
	if hd := arena.allocate(d); hd != hb {
		t.Errorf("allocate after release = %d, want recycled %d", hd, hb)
	}
	if arena.Get(hb) != d {
		t.Error("recycled slot should hold the new record")
	}
}

func TestArenaNilSafety(t *testing.T) {
	arena := NewClassArena()
	if arena.Get(NilClass) != nil {
		t.Error("Get(NilClass) should be nil")
	}
	if arena.Get(ClassHandle(42)) != nil {
		t.Error("Get past the end should be nil")
	}

	h := arena.allocate(bareRecord("Lx/A;", 64))
	arena.release(NilClass)
	arena.release(h)
	arena.release(h) // double release is a no-op
	if got := arena.Bytes(); got != 0 {
		t.Errorf("Bytes = %d, want 0 after release", got)
	}
	if got := arena.Live(); got != 0 {
		t.Errorf("Live = %d, want 0 after release", got)
	}
}

// ---------------------------------------------------------------------------
// Class table
// ---------------------------------------------------------------------------

func TestClassTableInsertFirstWins(t *testing.T) {
	arena := NewClassArena()
	table := newClassTable(arena)
	d := InternDescriptor("Lx/A;")

	h1 := arena.allocate(bareRecord("Lx/A;", 64))
	h2 := arena.allocate(bareRecord("Lx/A;", 64))

	if got := table.Insert(d, h1); got != h1 {
		t.Errorf("first Insert = %d, want %d", got, h1)
	}
	if got := table.Insert(d, h2); got != h1 {
		t.Errorf("losing Insert = %d, want winner %d", got, h1)
	}
	if got := table.Size(); got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}
	if got := table.Lookup(d); got != h1 {
		t.Errorf("Lookup = %d, want %d", got, h1)
	}
	if got := table.Lookup(InternDescriptor("Lx/Missing;")); got != NilClass {
		t.Errorf("Lookup miss = %d, want NilClass", got)
	}
}

func TestClassTableUpdateSwapsTwin(t *testing.T) {
	arena := NewClassArena()
	table := newClassTable(arena)
	d := InternDescriptor("Lx/A;")

	temp := bareRecord("Lx/A;", 64)
	temp.temp = true
	old := arena.allocate(temp)
	twin := arena.allocate(bareRecord("Lx/A;", 160))
	table.Insert(d, old)

	table.Update(d, old, twin)
	if got := table.Lookup(d); got != twin {
		t.Errorf("Lookup after Update = %d, want %d", got, twin)
	}
	if got := table.Size(); got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}
}

func TestClassTableUpdatePanics(t *testing.T) {
	arena := NewClassArena()
	table := newClassTable(arena)
	d := InternDescriptor("Lx/A;")

	old := arena.allocate(bareRecord("Lx/A;", 64))
	twin := arena.allocate(bareRecord("Lx/A;", 160))
	stranger := arena.allocate(bareRecord("Lx/A;", 64))
	table.Insert(d, old)

	expectPanic(t, "Update with the wrong incumbent", func() {
		table.Update(d, stranger, twin)
	})

	expectPanic(t, "Update of a missing entry", func() {
		table.Update(InternDescriptor("Lx/Missing;"), old, twin)
	})

	resolved := arena.Get(old)
	resolved.status.Store(uint32(StatusResolved))
	expectPanic(t, "Update of a resolved entry", func() {
		table.Update(d, old, twin)
	})
}

func TestClassTableEach(t *testing.T) {
	arena := NewClassArena()
	table := newClassTable(arena)
	for _, desc := range []string{"Lx/A;", "Lx/B;", "Lx/C;"} {
		table.Insert(InternDescriptor(desc), arena.allocate(bareRecord(desc, 64)))
	}

	seen := make(map[ClassHandle]bool)
	table.Each(func(h ClassHandle) bool {
		seen[h] = true
		return true
	})
	if len(seen) != 3 {
		t.Errorf("Each visited %d entries, want 3", len(seen))
	}

	visits := 0
	table.Each(func(ClassHandle) bool {
		visits++
		return false
	})
	if visits != 1 {
		t.Errorf("Each after an early stop visited %d entries, want 1", visits)
	}
}

func TestSweepDefinedBy(t *testing.T) {
	arena := NewClassArena()
	table := newClassTable(arena)
	dead := &Loader{name: "dead"}
	live := &Loader{name: "live"}

	owned := bareRecord("Lx/Owned;", 64)
	owned.loader = dead
	kept := bareRecord("Lx/Kept;", 64)
	kept.loader = live
	released := bareRecord("Lx/Gone;", 64)

	table.Insert(InternDescriptor("Lx/Owned;"), arena.allocate(owned))
	table.Insert(InternDescriptor("Lx/Kept;"), arena.allocate(kept))
	hGone := arena.allocate(released)
	table.Insert(InternDescriptor("Lx/Gone;"), hGone)
	arena.release(hGone)

	// Entries defined by the swept loader go, as do entries whose
	// record is already gone; the rest stay.
	if removed := table.sweepDefinedBy(dead); removed != 2 {
		t.Errorf("sweepDefinedBy removed %d entries, want 2", removed)
	}
	if got := table.Size(); got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}
	if got := table.Lookup(InternDescriptor("Lx/Kept;")); arena.Get(got) != kept {
		t.Error("surviving entry should still resolve")
	}
	if got := table.Lookup(InternDescriptor("Lx/Owned;")); got != NilClass {
		t.Error("swept loader's entry should be gone")
	}
}

// ---------------------------------------------------------------------------
// Loader sweeping
// ---------------------------------------------------------------------------

func TestLoaderSweepReleasesClasses(t *testing.T) {
	b := metadata.NewBuilder("plugin")
	b.Class("Lapp/Plugin;", metadata.AccPublic)
	rt, th := newTestRuntime(t)

	l := mustLoader(t, rt, LoaderConfig{
		Name:      "plugin",
		Kind:      LoaderStandard,
		ClassPath: []*metadata.Container{b.MustBuild()},
	})
	plugin := mustFind(t, rt, th, "Lapp/Plugin;", l)

	before := rt.Stats()
	if before.Loaders != 1 {
		t.Fatalf("Loaders = %d, want 1", before.Loaders)
	}

	l.MarkUnreachable()
	classes, loaders := rt.SweepClasses()
	if classes != 1 || loaders != 1 {
		t.Fatalf("SweepClasses = (%d, %d), want (1, 1)", classes, loaders)
	}

	after := rt.Stats()
	if after.Loaders != 0 {
		t.Errorf("Loaders = %d, want 0 after sweep", after.Loaders)
	}
	if after.LiveClasses != before.LiveClasses-1 {
		t.Errorf("LiveClasses = %d, want %d", after.LiveClasses, before.LiveClasses-1)
	}
	if got := before.HeapUsed - after.HeapUsed; got != int64(plugin.RecordSize()) {
		t.Errorf("sweep freed %d heap bytes, want %d", got, plugin.RecordSize())
	}

	if rt.LookupClass("Lapp/Plugin;", l) != nil {
		t.Error("swept class should no longer be registered")
	}
	if rt.LookupClass("Lcore/Object;", nil) == nil {
		t.Error("boot classes should survive the sweep")
	}
}

func TestSweepSkipsCacheEntries(t *testing.T) {
	b := metadata.NewBuilder("plugin")
	b.Class("Lapp/Plugin;", metadata.AccPublic)
	rt, th := newTestRuntime(t)

	l := mustLoader(t, rt, LoaderConfig{
		Name:      "plugin",
		Kind:      LoaderStandard,
		ClassPath: []*metadata.Container{b.MustBuild()},
	})
	mustFind(t, rt, th, "Lapp/Plugin;", l)

	// Resolving the superclass left a cache entry for the boot-defined
	// root next to the one class the loader defined itself.
	if got := l.Size(); got != 2 {
		t.Fatalf("loader Size = %d, want 2 (defined class plus cached root)", got)
	}

	l.MarkUnreachable()
	classes, _ := rt.SweepClasses()
	if classes != 1 {
		t.Errorf("SweepClasses released %d classes, want 1", classes)
	}
	if rt.LookupClass("Lcore/Object;", nil) == nil {
		t.Error("boot-defined classes referenced through the cache should survive")
	}
}

func TestSweepKeepsReachableLoaders(t *testing.T) {
	ba := metadata.NewBuilder("a")
	ba.Class("Lapp/A;", metadata.AccPublic)
	bb := metadata.NewBuilder("b")
	bb.Class("Lapp/B;", metadata.AccPublic)
	rt, th := newTestRuntime(t)

	la := mustLoader(t, rt, LoaderConfig{
		Name: "a", Kind: LoaderStandard,
		ClassPath: []*metadata.Container{ba.MustBuild()},
	})
	lb := mustLoader(t, rt, LoaderConfig{
		Name: "b", Kind: LoaderStandard,
		ClassPath: []*metadata.Container{bb.MustBuild()},
	})
	mustFind(t, rt, th, "Lapp/A;", la)
	survivor := mustFind(t, rt, th, "Lapp/B;", lb)

	la.MarkUnreachable()
	if classes, loaders := rt.SweepClasses(); classes != 1 || loaders != 1 {
		t.Fatalf("SweepClasses = (%d, %d), want (1, 1)", classes, loaders)
	}

	if got := rt.LookupClass("Lapp/B;", lb); got != survivor {
		t.Error("reachable loader's class should survive")
	}
	if got := rt.Stats().Loaders; got != 1 {
		t.Errorf("Loaders = %d, want 1", got)
	}

	// A second sweep with nothing marked is a no-op.
	if classes, loaders := rt.SweepClasses(); classes != 0 || loaders != 0 {
		t.Errorf("idle SweepClasses = (%d, %d), want (0, 0)", classes, loaders)
	}
}

func TestStatsThreadCount(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if got := rt.Stats().Threads; got != 1 {
		t.Fatalf("Threads = %d, want 1", got)
	}

	attached := make(chan struct{})
	leave := make(chan struct{})
	done := make(chan struct{})
	go func() {
		t2 := rt.Attach()
		close(attached)
		<-leave
		t2.Detach()
		close(done)
	}()
	<-attached
	if got := rt.Stats().Threads; got != 2 {
		t.Errorf("Threads = %d, want 2 with a second mutator", got)
	}
	close(leave)
	<-done
	if got := rt.Stats().Threads; got != 1 {
		t.Errorf("Threads = %d, want 1 after detach", got)
	}
}
