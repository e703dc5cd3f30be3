package vm

import (
	"strings"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Descriptors
// ---------------------------------------------------------------------------

// Descriptor is an interned type descriptor with its hash precomputed.
// Equality is by content; the zero Descriptor is invalid. Registry
// bucketing and IMT slot selection both reuse the stored hash, so it is
// computed exactly once per distinct string.
type Descriptor struct {
	str  string
	hash uint32
}

// descriptorPool interns descriptors across all loaders. Entries are
// never removed; distinct descriptor strings are bounded by loaded
// metadata.
var descriptorPool = cmap.New()

// InternDescriptor returns the canonical Descriptor for s.
func InternDescriptor(s string) Descriptor {
	if v, ok := descriptorPool.Get(s); ok {
		return v.(Descriptor)
	}
	d := Descriptor{str: s, hash: hashDescriptor(s)}
	descriptorPool.SetIfAbsent(s, d)
	return d
}

// hashDescriptor is the classic h = h*31 + byte string hash. The
// registry and the IMT depend on it being stable across runs.
func hashDescriptor(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}

func (d Descriptor) String() string { return d.str }

// Hash returns the precomputed descriptor hash.
func (d Descriptor) Hash() uint32 { return d.hash }

// IsZero reports whether d is the invalid zero descriptor.
func (d Descriptor) IsZero() bool { return d.str == "" }

// IsPrimitive reports whether the descriptor names one of the nine
// primitive types, counting void.
func (d Descriptor) IsPrimitive() bool {
	return len(d.str) == 1 && strings.IndexByte("ZBCSIJFDV", d.str[0]) >= 0
}

// IsArray reports whether the descriptor names an array type.
func (d Descriptor) IsArray() bool {
	return len(d.str) > 0 && d.str[0] == '['
}

// IsReference reports whether the descriptor names a class or array
// type.
func (d Descriptor) IsReference() bool {
	if len(d.str) == 0 {
		return false
	}
	return d.str[0] == 'L' || d.str[0] == '['
}

// PrimitiveKind returns the primitive letter, or 0 for reference types.
func (d Descriptor) PrimitiveKind() byte {
	if !d.IsPrimitive() {
		return 0
	}
	return d.str[0]
}

// Element returns the descriptor with one array dimension stripped.
// Calling it on a non-array returns the zero descriptor.
func (d Descriptor) Element() Descriptor {
	if !d.IsArray() {
		return Descriptor{}
	}
	return InternDescriptor(d.str[1:])
}

// ArrayOf returns the descriptor for an array of d.
func (d Descriptor) ArrayOf() Descriptor {
	return InternDescriptor("[" + d.str)
}

// Package returns the package portion of a class descriptor, e.g.
// "app/util" for "Lapp/util/Pair;". Non-class descriptors and
// package-less classes return "".
func (d Descriptor) Package() string {
	s := d.str
	if len(s) < 3 || s[0] != 'L' {
		return ""
	}
	body := s[1 : len(s)-1]
	slash := strings.LastIndexByte(body, '/')
	if slash < 0 {
		return ""
	}
	return body[:slash]
}

// validLookupDescriptor reports whether s may be passed to class
// lookup: any field type descriptor, or void.
func validLookupDescriptor(s string) bool {
	return s == "V" || metadata.IsTypeDescriptor(s)
}
