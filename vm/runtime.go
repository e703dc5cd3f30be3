package vm

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/metadata"
)

var (
	linkerLog   = commonlog.GetLogger("kiln.linker")
	initLog     = commonlog.GetLogger("kiln.init")
	registryLog = commonlog.GetLogger("kiln.registry")
)

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Invoker executes method bodies on the runtime's behalf; the
// initialization protocol hands it every <clinit>. The default invoker
// treats every body as empty, which suits linking-only and offline use.
type Invoker interface {
	InvokeStatic(t *Thread, m *Method) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(t *Thread, m *Method) error

// InvokeStatic calls f.
func (f InvokerFunc) InvokeStatic(t *Thread, m *Method) error { return f(t, m) }

type nopInvoker struct{}

func (nopInvoker) InvokeStatic(*Thread, *Method) error { return nil }

// Options configures a Runtime. The zero value is usable: an unbounded
// in-process heap, an accept-all verifier, a no-op invoker, and the
// publication backend picked for the build architecture.
type Options struct {
	// Heap overrides the allocator; nil uses a SimpleHeap.
	Heap Heap
	// HeapLimit bounds the SimpleHeap budget in bytes; 0 is unlimited.
	// Ignored when Heap is set.
	HeapLimit int64
	// Verifier judges resolved classes; nil accepts everything.
	Verifier Verifier
	// Invoker runs initializer bodies; nil treats them as empty.
	Invoker Invoker
	// PublishMode selects the visibly-initialized backend.
	PublishMode PublishMode
	// PublishBatch caps classes per publication round; 0 uses the
	// default.
	PublishBatch int
	// BootPath seeds the boot class path.
	BootPath []*metadata.Container
}

// Runtime owns the class machinery: the record arena, the per-loader
// registries, the linking and initialization engines, and the
// visibility publisher.
type Runtime struct {
	arena *ClassArena
	heap  Heap

	bootTable *ClassTable
	// bootPath is append-only and fixed once threads run.
	bootPath []*metadata.Container

	loadersMu sync.Mutex
	loaders   []*Loader

	threadsMu sync.Mutex
	threads   map[int64]*Thread

	publisher *publisher
	verifier  Verifier
	invoker   Invoker

	cachesMu   sync.Mutex
	typeCaches map[*metadata.Container]*typeCache

	// unimplemented fills every interface method table slot that no
	// method claims.
	unimplemented *Method

	rootClass         ClassHandle
	textClass         ClassHandle
	cloneableClass    ClassHandle
	serializableClass ClassHandle
}

// NewRuntime builds a runtime and bootstraps the primordial classes.
func NewRuntime(opts Options) (*Runtime, error) {
	heap := opts.Heap
	if heap == nil {
		heap = NewSimpleHeap(opts.HeapLimit)
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = acceptAllVerifier{}
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = nopInvoker{}
	}

	rt := &Runtime{
		arena:      NewClassArena(),
		heap:       heap,
		threads:    make(map[int64]*Thread),
		typeCaches: make(map[*metadata.Container]*typeCache),
		verifier:   verifier,
		invoker:    invoker,
	}
	rt.bootTable = newClassTable(rt.arena)
	rt.publisher = newPublisher(rt, opts.PublishMode, opts.PublishBatch)

	if err := rt.bootstrap(); err != nil {
		return nil, err
	}
	for _, ctr := range opts.BootPath {
		if err := rt.AddBootContainer(ctr); err != nil {
			return nil, err
		}
	}
	linkerLog.Infof("runtime up (publish=%s, boot containers=%d)",
		rt.publisher.Mode(), len(rt.bootPath))
	return rt, nil
}

// VisibilityMode reports the publication backend in use.
func (rt *Runtime) VisibilityMode() PublishMode { return rt.publisher.Mode() }

// FlushVisibility completes any batched initialized-state publications
// before returning. Callers that must observe the visibly-initialized
// status attach here.
func (rt *Runtime) FlushVisibility(t *Thread) { rt.publisher.Flush(t) }

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

// Descriptors of the primordial classes.
const (
	RootClassDescriptor    = "Lcore/Object;"
	TextClassDescriptor    = "Lcore/Text;"
	CloneableDescriptor    = "Lcore/Cloneable;"
	SerializableDescriptor = "Lcore/Serializable;"
)

var primitiveKinds = [...]byte{'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D', 'V'}

// bootstrap single-threads the primordial classes: the root object
// type, the nine primitives, the array marker interfaces, and the
// interned text type. These are built directly rather than defined
// from a container, are non-movable, and are born visibly initialized.
func (rt *Runtime) bootstrap() error {
	root := newClassRecord(rt, InternDescriptor(RootClassDescriptor))
	root.accessFlags = AccPublic
	root.nonMovable = true
	root.classFlags = ClassFlagNoReferenceFields
	root.objectSize = ObjectHeaderSize
	if err := rt.install(root); err != nil {
		return err
	}
	rt.rootClass = root.handle

	rt.unimplemented = &Method{
		name:        "<unimplemented>",
		signature:   "()V",
		accessFlags: AccPublic | AccAbstract | AccSynthetic,
		declaring:   root,
		slot:        noSlot,
	}
	imt := &ImTable{owner: root.handle}
	for i := range imt.slots {
		imt.slots[i] = rt.unimplemented
	}
	root.imt = imt

	for _, k := range primitiveKinds {
		p := newClassRecord(rt, InternDescriptor(string(k)))
		p.accessFlags = AccPublic | AccFinal | AccAbstract
		p.classFlags = ClassFlagPrimitive | ClassFlagNoReferenceFields
		p.primKind = k
		p.nonMovable = true
		if err := rt.install(p); err != nil {
			return err
		}
	}

	for _, marker := range []struct {
		desc   string
		handle *ClassHandle
	}{
		{CloneableDescriptor, &rt.cloneableClass},
		{SerializableDescriptor, &rt.serializableClass},
	} {
		m := newClassRecord(rt, InternDescriptor(marker.desc))
		m.accessFlags = AccPublic | AccInterface | AccAbstract
		m.classFlags = ClassFlagNoReferenceFields
		m.nonMovable = true
		m.super = rt.rootClass
		if err := rt.install(m); err != nil {
			return err
		}
		*marker.handle = m.handle
	}

	text := newClassRecord(rt, InternDescriptor(TextClassDescriptor))
	text.accessFlags = AccPublic | AccFinal
	text.classFlags = ClassFlagNoReferenceFields
	text.nonMovable = true
	text.super = rt.rootClass
	text.objectSize = ObjectHeaderSize
	text.vtable = VTableRef{inheritedFrom: root.handle}
	text.iftable = IfTableRef{inheritedFrom: root.handle}
	text.imt = root.imt
	if err := rt.install(text); err != nil {
		return err
	}
	rt.textClass = text.handle

	return nil
}

// install registers a primordial record with the boot registry.
func (rt *Runtime) install(c *Class) error {
	if err := rt.heap.AllocClassRecordSpace(c.recordSize, c.nonMovable); err != nil {
		return err
	}
	rt.arena.allocate(c)
	c.status.Store(uint32(StatusVisiblyInitialized))
	if winner := rt.bootTable.Insert(c.descriptor, c.handle); winner != c.handle {
		return fmt.Errorf("%w: duplicate bootstrap class %s", ErrLinkage, c.descriptor)
	}
	return nil
}

// AddBootContainer appends a validated container to the boot class
// path. Setup-time only: the path must be fixed before threads resolve
// through it.
func (rt *Runtime) AddBootContainer(ctr *metadata.Container) error {
	if err := ctr.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrClassFormat, err)
	}
	rt.cacheContainer(ctr)
	rt.bootPath = append(rt.bootPath, ctr)
	registryLog.Debugf("boot container %q: %d classes", ctr.Name, len(ctr.Classes))
	return nil
}

// RootClass returns the root object type.
func (rt *Runtime) RootClass() *Class { return rt.arena.Get(rt.rootClass) }

// TextClass returns the interned text type.
func (rt *Runtime) TextClass() *Class { return rt.arena.Get(rt.textClass) }

// ---------------------------------------------------------------------------
// Type resolution cache
// ---------------------------------------------------------------------------

// typeCache memoizes a container's type resolutions, keyed by numeric
// type index and resolving loader.
type typeCache struct {
	mu      sync.RWMutex
	entries map[typeCacheKey]ClassHandle
}

type typeCacheKey struct {
	idx    metadata.TypeIdx
	loader *Loader
}

// cacheContainer returns the cache for ctr, creating it on first use.
func (rt *Runtime) cacheContainer(ctr *metadata.Container) *typeCache {
	rt.cachesMu.Lock()
	defer rt.cachesMu.Unlock()
	tc := rt.typeCaches[ctr]
	if tc == nil {
		tc = &typeCache{entries: make(map[typeCacheKey]ClassHandle)}
		rt.typeCaches[ctr] = tc
	}
	return tc
}

// ResolveType resolves a container's type index in the scope of loader,
// memoizing the hit so repeated references skip the registry walk.
func (rt *Runtime) ResolveType(t *Thread, ctr *metadata.Container, idx metadata.TypeIdx, loader *Loader) (*Class, error) {
	name := ctr.TypeName(idx)
	if name == "" {
		return nil, fmt.Errorf("%w: container %q has no type %d", ErrNoClassDefFound, ctr.Name, idx)
	}
	tc := rt.cacheContainer(ctr)
	key := typeCacheKey{idx: idx, loader: loader}

	tc.mu.RLock()
	h, ok := tc.entries[key]
	tc.mu.RUnlock()
	if ok {
		if c := rt.arena.Get(h); c != nil && c.descriptor.str == name {
			return rt.EnsureResolved(t, c)
		}
	}

	c, err := rt.FindClass(t, name, loader)
	if err != nil {
		return nil, err
	}
	tc.mu.Lock()
	tc.entries[key] = c.handle
	tc.mu.Unlock()
	return c, nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Class resolves a handle to its record; nil for NilClass or a
// released slot.
func (rt *Runtime) Class(h ClassHandle) *Class { return rt.arena.Get(h) }

// LookupClass returns the class registered under descriptor for the
// loader, without resolving or defining anything. Nil when absent.
func (rt *Runtime) LookupClass(descriptor string, loader *Loader) *Class {
	if !validLookupDescriptor(descriptor) {
		return nil
	}
	return rt.arena.Get(rt.tableFor(loader).Lookup(InternDescriptor(descriptor)))
}

// EachClass visits every class registered to the loader until fn
// returns false. fn must not call back into the registry.
func (rt *Runtime) EachClass(loader *Loader, fn func(*Class) bool) {
	rt.tableFor(loader).Each(func(h ClassHandle) bool {
		if c := rt.arena.Get(h); c != nil {
			return fn(c)
		}
		return true
	})
}

// Stats is a point-in-time snapshot of the class machinery.
type Stats struct {
	LiveClasses int
	ArenaBytes  uint64
	BootClasses int
	Loaders     int
	Threads     int
	HeapUsed    int64
}

// Stats snapshots the runtime counters.
func (rt *Runtime) Stats() Stats {
	rt.loadersMu.Lock()
	loaders := len(rt.loaders)
	rt.loadersMu.Unlock()
	rt.threadsMu.Lock()
	threads := len(rt.threads)
	rt.threadsMu.Unlock()

	s := Stats{
		LiveClasses: rt.arena.Live(),
		ArenaBytes:  uint64(rt.arena.Bytes()),
		BootClasses: rt.bootTable.Size(),
		Loaders:     loaders,
		Threads:     threads,
	}
	if sh, ok := rt.heap.(*SimpleHeap); ok {
		s.HeapUsed = sh.Used()
	}
	return s
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// SweepClasses releases the classes of every loader marked unreachable
// and drops the loaders. The caller stands in for the collector's
// root-visiting phase and must guarantee no live reference into the
// swept classes remains. Initiating-loader caches and type caches that
// point into a swept loader are purged as part of the sweep.
func (rt *Runtime) SweepClasses() (classes, loaders int) {
	rt.loadersMu.Lock()
	defer rt.loadersMu.Unlock()

	kept := rt.loaders[:0]
	for _, l := range rt.loaders {
		if l.reachable.Load() {
			kept = append(kept, l)
			continue
		}

		rt.purgeTypeCaches(l)
		rt.bootTable.sweepDefinedBy(l)
		for _, other := range rt.loaders {
			if other != l && other.reachable.Load() {
				other.table.sweepDefinedBy(l)
			}
		}

		released := 0
		for _, h := range l.table.handles() {
			c := rt.arena.Get(h)
			if c == nil || c.loader != l {
				continue // cache entry for a class defined elsewhere
			}
			rt.heap.ReleaseClassRecordSpace(c.recordSize)
			rt.arena.release(h)
			released++
		}
		registryLog.Infof("swept loader %q (%d classes)", l.name, released)
		classes += released
		loaders++
	}
	rt.loaders = kept
	return classes, loaders
}

// purgeTypeCaches removes every cached resolution made by or into the
// swept loader.
func (rt *Runtime) purgeTypeCaches(l *Loader) {
	rt.cachesMu.Lock()
	defer rt.cachesMu.Unlock()
	for _, tc := range rt.typeCaches {
		tc.mu.Lock()
		for key, h := range tc.entries {
			c := rt.arena.Get(h)
			if key.loader == l || c == nil || c.loader == l {
				delete(tc.entries, key)
			}
		}
		tc.mu.Unlock()
	}
}
