// Package metadata models the class metadata containers consumed by the
// Kiln runtime. A container is the unit of class loading: it carries a
// type-name pool plus the class definitions that reference it by index,
// serialized as canonical CBOR with a content checksum.
package metadata

import (
	"fmt"
	"strings"
)

// FormatVersion is the container format understood by this runtime.
const FormatVersion uint32 = 1

// MinVersionDefaultMethods is the minimum per-class metadata version that
// may carry non-abstract interface methods.
const MinVersionDefaultMethods uint32 = 37

// TypeIdx indexes into a container's type-name pool. Indexes are stable
// for the lifetime of the container and double as resolution cache keys.
type TypeIdx uint32

// NoIndex marks an absent type reference, e.g. the superclass of the
// root object type.
const NoIndex TypeIdx = 0xFFFFFFFF

// Access flags as they appear in container metadata. The runtime layers
// its own internal flags on top of these; only the declared set below is
// legal in a container.
const (
	AccPublic    uint32 = 0x0001
	AccPrivate   uint32 = 0x0002
	AccProtected uint32 = 0x0004
	AccStatic    uint32 = 0x0008
	AccFinal     uint32 = 0x0010
	AccVolatile  uint32 = 0x0040
	AccTransient uint32 = 0x0080
	AccNative    uint32 = 0x0100
	AccInterface uint32 = 0x0200
	AccAbstract  uint32 = 0x0400
	AccSynthetic uint32 = 0x1000
	AccEnum      uint32 = 0x4000
)

// Container is a loadable bundle of class definitions. TypeNames is the
// pool of type descriptors; every type reference in the container is an
// index into it. Checksum covers the canonical encoding of everything
// else and is verified on decode.
type Container struct {
	Format    uint32     `cbor:"1,keyasint"`
	Name      string     `cbor:"2,keyasint"`
	TypeNames []string   `cbor:"3,keyasint"`
	Classes   []ClassDef `cbor:"4,keyasint"`
	Checksum  [32]byte   `cbor:"5,keyasint"`
}

// ClassDef describes one class. Superclass is NoIndex only for the root
// object type; interfaces list direct superinterfaces in declaration
// order, which the linker preserves.
type ClassDef struct {
	Descriptor  TypeIdx     `cbor:"1,keyasint"`
	AccessFlags uint32      `cbor:"2,keyasint"`
	Superclass  TypeIdx     `cbor:"3,keyasint"`
	Interfaces  []TypeIdx   `cbor:"4,keyasint,omitempty"`
	Fields      []FieldDef  `cbor:"5,keyasint,omitempty"`
	Methods     []MethodDef `cbor:"6,keyasint,omitempty"`
	Version     uint32      `cbor:"7,keyasint"`
}

// FieldDef describes one declared field. Init, when present, is the
// constant applied to a static field during class initialization.
type FieldDef struct {
	Name        string     `cbor:"1,keyasint"`
	Type        TypeIdx    `cbor:"2,keyasint"`
	AccessFlags uint32     `cbor:"3,keyasint"`
	Init        *InitValue `cbor:"4,keyasint,omitempty"`
}

// MethodDef describes one declared method. CodeOff of zero means the
// method has no body (abstract or native); any other value is an opaque
// token handed to the invoker.
type MethodDef struct {
	Name        string `cbor:"1,keyasint"`
	Signature   string `cbor:"2,keyasint"`
	AccessFlags uint32 `cbor:"3,keyasint"`
	CodeOff     uint32 `cbor:"4,keyasint,omitempty"`
}

// InitValue kinds.
const (
	InitInt    uint8 = 1 // bool, byte, char, short, int, long
	InitFloat  uint8 = 2 // float, double
	InitString uint8 = 3
	InitNull   uint8 = 4
)

// InitValue is a static field initializer constant.
type InitValue struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Float float64 `cbor:"3,keyasint,omitempty"`
	Str   string  `cbor:"4,keyasint,omitempty"`
}

// TypeName returns the descriptor for idx, or "" when the index is out
// of range or NoIndex.
func (c *Container) TypeName(idx TypeIdx) string {
	if idx == NoIndex || int(idx) >= len(c.TypeNames) {
		return ""
	}
	return c.TypeNames[idx]
}

// FindClass returns the definition of the class with the given
// descriptor, or nil if the container does not define it.
func (c *Container) FindClass(descriptor string) *ClassDef {
	if i := c.ClassIndex(descriptor); i >= 0 {
		return &c.Classes[i]
	}
	return nil
}

// ClassIndex returns the index of the class defining descriptor, or -1.
// The index is stable for a given container and serves as a resolution
// cache key.
func (c *Container) ClassIndex(descriptor string) int {
	for i := range c.Classes {
		if c.TypeName(c.Classes[i].Descriptor) == descriptor {
			return i
		}
	}
	return -1
}

// Validate checks structural well-formedness: every type reference in
// range, every descriptor and signature grammatical, and default methods
// only in classes whose version allows them. The runtime reports a
// validation failure as a class format error.
func (c *Container) Validate() error {
	if c.Format != FormatVersion {
		return fmt.Errorf("metadata: container %q: unsupported format %d", c.Name, c.Format)
	}
	for i, name := range c.TypeNames {
		if !IsTypeDescriptor(name) {
			return fmt.Errorf("metadata: container %q: type name %d %q is not a descriptor", c.Name, i, name)
		}
	}
	for i := range c.Classes {
		if err := c.validateClass(&c.Classes[i]); err != nil {
			return fmt.Errorf("metadata: container %q: class %d: %w", c.Name, i, err)
		}
	}
	return nil
}

func (c *Container) validateClass(cd *ClassDef) error {
	desc := c.TypeName(cd.Descriptor)
	if !IsClassDescriptor(desc) {
		return fmt.Errorf("descriptor index %d does not name a class type", cd.Descriptor)
	}
	if cd.Superclass != NoIndex && !IsClassDescriptor(c.TypeName(cd.Superclass)) {
		return fmt.Errorf("%s: superclass index %d does not name a class type", desc, cd.Superclass)
	}
	if cd.AccessFlags&AccInterface != 0 && cd.AccessFlags&AccAbstract == 0 {
		return fmt.Errorf("%s: interface is not marked abstract", desc)
	}
	for _, it := range cd.Interfaces {
		if !IsClassDescriptor(c.TypeName(it)) {
			return fmt.Errorf("%s: interface index %d does not name a class type", desc, it)
		}
	}
	for j := range cd.Fields {
		f := &cd.Fields[j]
		if f.Name == "" {
			return fmt.Errorf("%s: field %d has no name", desc, j)
		}
		if !IsTypeDescriptor(c.TypeName(f.Type)) {
			return fmt.Errorf("%s.%s: type index %d does not name a type", desc, f.Name, f.Type)
		}
		if f.Init != nil && f.AccessFlags&AccStatic == 0 {
			return fmt.Errorf("%s.%s: initializer on non-static field", desc, f.Name)
		}
	}
	for j := range cd.Methods {
		m := &cd.Methods[j]
		if m.Name == "" {
			return fmt.Errorf("%s: method %d has no name", desc, j)
		}
		if _, _, err := ParseSignature(m.Signature); err != nil {
			return fmt.Errorf("%s.%s: %w", desc, m.Name, err)
		}
		if m.AccessFlags&AccAbstract != 0 && m.CodeOff != 0 {
			return fmt.Errorf("%s.%s: abstract method has code", desc, m.Name)
		}
		if cd.AccessFlags&AccInterface != 0 {
			if m.AccessFlags&AccStatic == 0 && m.AccessFlags&AccAbstract == 0 &&
				cd.Version < MinVersionDefaultMethods {
				return fmt.Errorf("%s.%s: default method requires metadata version >= %d (have %d)",
					desc, m.Name, MinVersionDefaultMethods, cd.Version)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ---- Descriptor grammar ----
// ---------------------------------------------------------------------------

// IsClassDescriptor reports whether s is a reference type descriptor of
// the form "Lpkg/Name;".
func IsClassDescriptor(s string) bool {
	if len(s) < 3 || s[0] != 'L' || s[len(s)-1] != ';' {
		return false
	}
	body := s[1 : len(s)-1]
	if strings.HasPrefix(body, "/") || strings.HasSuffix(body, "/") || strings.Contains(body, "//") {
		return false
	}
	for _, r := range body {
		switch r {
		case '.', ';', '[':
			return false
		}
	}
	return true
}

// IsTypeDescriptor reports whether s is any well-formed type descriptor:
// a primitive, a class type, or an array of either.
func IsTypeDescriptor(s string) bool {
	rest, ok := consumeType(s)
	return ok && rest == ""
}

// ParseSignature splits a method signature "(<params>)<return>" into its
// parameter descriptors and return descriptor. The return type may be
// "V"; parameters may not.
func ParseSignature(sig string) (params []string, ret string, err error) {
	if len(sig) < 3 || sig[0] != '(' {
		return nil, "", fmt.Errorf("malformed signature %q", sig)
	}
	s := sig[1:]
	for len(s) > 0 && s[0] != ')' {
		rest, ok := consumeType(s)
		if !ok {
			return nil, "", fmt.Errorf("malformed signature %q", sig)
		}
		params = append(params, s[:len(s)-len(rest)])
		s = rest
	}
	if len(s) == 0 || s[0] != ')' {
		return nil, "", fmt.Errorf("malformed signature %q", sig)
	}
	s = s[1:]
	if s == "V" {
		return params, "V", nil
	}
	rest, ok := consumeType(s)
	if !ok || rest != "" {
		return nil, "", fmt.Errorf("malformed signature %q", sig)
	}
	return params, s, nil
}

// consumeType consumes one type descriptor from the front of s and
// returns the remainder.
func consumeType(s string) (rest string, ok bool) {
	if s == "" {
		return "", false
	}
	switch s[0] {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		return s[1:], true
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 0 || !IsClassDescriptor(s[:end+1]) {
			return "", false
		}
		return s[end+1:], true
	case '[':
		depth := 0
		for depth < len(s) && s[depth] == '[' {
			depth++
		}
		if depth > 255 || depth == len(s) {
			return "", false
		}
		return consumeType(s[depth:])
	}
	return "", false
}
