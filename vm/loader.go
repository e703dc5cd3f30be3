package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Class loaders
// ---------------------------------------------------------------------------

// LoaderKind selects the delegation order a loader uses.
type LoaderKind uint8

const (
	// LoaderStandard delegates to the parent chain first, then searches
	// its own class path.
	LoaderStandard LoaderKind = iota

	// LoaderDelegateLast consults the boot loader, then its own class
	// path, and its parent only as a last resort.
	LoaderDelegateLast

	// LoaderCustom supplies its own load function. The runtime still
	// checks the loader's registry first and registers whatever the
	// function defines.
	LoaderCustom
)

func (k LoaderKind) String() string {
	switch k {
	case LoaderStandard:
		return "standard"
	case LoaderDelegateLast:
		return "delegate-last"
	case LoaderCustom:
		return "custom"
	}
	return "unknown"
}

// LoadFunc is a custom loader's lookup hook. It must return a class
// defined through Runtime.DefineClass (or found via Runtime.FindClass
// on another loader), or an error.
type LoadFunc func(t *Thread, descriptor string) (*Class, error)

// LoaderConfig describes a loader to Runtime.NewLoader.
type LoaderConfig struct {
	Name         string
	Kind         LoaderKind
	Parent       *Loader // nil means the boot loader
	ClassPath    []*metadata.Container
	SharedBefore []*Loader // shared-library loaders searched before the class path
	SharedAfter  []*Loader // shared-library loaders searched after the class path
	Load         LoadFunc  // LoaderCustom only
}

// Loader identifies a defining context for classes. The nil *Loader is
// the boot loader throughout the runtime API. Each loader owns a class
// registry; a class's identity is (descriptor, defining loader).
type Loader struct {
	rt           *Runtime
	name         string
	kind         LoaderKind
	parent       *Loader
	classPath    []*metadata.Container
	sharedBefore []*Loader
	sharedAfter  []*Loader
	loadFn       LoadFunc
	table        *ClassTable

	reachable atomic.Bool
}

// Name returns the loader's diagnostic name.
func (l *Loader) Name() string { return l.name }

// Kind returns the delegation kind.
func (l *Loader) Kind() LoaderKind { return l.kind }

// Parent returns the parent loader; nil is the boot loader.
func (l *Loader) Parent() *Loader { return l.parent }

// ClassPath returns the loader's own containers.
func (l *Loader) ClassPath() []*metadata.Container { return l.classPath }

// Size returns the number of classes this loader has defined or cached.
func (l *Loader) Size() int { return l.table.Size() }

// MarkUnreachable flags the loader for the next sweep. The collector
// analog: no root references the loader anymore.
func (l *Loader) MarkUnreachable() { l.reachable.Store(false) }

// NewLoader registers a loader. Containers on the class path are
// validated up front; a malformed container is a class format error.
func (rt *Runtime) NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Kind == LoaderCustom && cfg.Load == nil {
		return nil, fmt.Errorf("vm: custom loader %q has no load function", cfg.Name)
	}
	for _, ctr := range cfg.ClassPath {
		if err := ctr.Validate(); err != nil {
			return nil, fmt.Errorf("%w: loader %q: %v", ErrClassFormat, cfg.Name, err)
		}
		rt.cacheContainer(ctr)
	}
	l := &Loader{
		rt:           rt,
		name:         cfg.Name,
		kind:         cfg.Kind,
		parent:       cfg.Parent,
		classPath:    cfg.ClassPath,
		sharedBefore: cfg.SharedBefore,
		sharedAfter:  cfg.SharedAfter,
		loadFn:       cfg.Load,
		table:        newClassTable(rt.arena),
	}
	l.reachable.Store(true)

	rt.loadersMu.Lock()
	rt.loaders = append(rt.loaders, l)
	rt.loadersMu.Unlock()

	registryLog.Debugf("registered %s loader %q (parent=%s, path=%d containers)",
		l.kind, l.name, loaderName(l.parent), len(l.classPath))
	return l, nil
}

// Loaders snapshots the registered loaders, boot excluded.
func (rt *Runtime) Loaders() []*Loader {
	rt.loadersMu.Lock()
	defer rt.loadersMu.Unlock()
	out := make([]*Loader, len(rt.loaders))
	copy(out, rt.loaders)
	return out
}

// LoaderByName finds a registered loader by its diagnostic name. Nil
// for the empty string or "boot", matching the nil-loader convention.
func (rt *Runtime) LoaderByName(name string) (*Loader, bool) {
	if name == "" || name == "boot" {
		return nil, true
	}
	rt.loadersMu.Lock()
	defer rt.loadersMu.Unlock()
	for _, l := range rt.loaders {
		if l.name == name {
			return l, true
		}
	}
	return nil, false
}

// tableFor returns the registry for a loader; nil means boot.
func (rt *Runtime) tableFor(l *Loader) *ClassTable {
	if l == nil {
		return rt.bootTable
	}
	return l.table
}

func loaderName(l *Loader) string {
	if l == nil {
		return "boot"
	}
	return l.name
}
