package vm

import (
	"fmt"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// Field is one runtime field record. Offsets are byte offsets: from the
// object base for instance fields (the header occupies the first
// ObjectHeaderSize bytes), from the start of the class's static block
// for static fields.
type Field struct {
	name        string
	typ         Descriptor
	accessFlags uint32
	declaring   *Class
	offset      uint32
	init        *metadata.InitValue
}

func newField(c *Class, def *metadata.FieldDef, typ Descriptor) *Field {
	return &Field{
		name:        def.Name,
		typ:         typ,
		accessFlags: def.AccessFlags & declaredFlagsMask,
		declaring:   c,
		init:        def.Init,
	}
}

// Name returns the field name.
func (f *Field) Name() string { return f.name }

// Type returns the field's type descriptor.
func (f *Field) Type() Descriptor { return f.typ }

// AccessFlags returns the declared flags.
func (f *Field) AccessFlags() uint32 { return f.accessFlags }

// DeclaringClass returns the class that declared the field.
func (f *Field) DeclaringClass() *Class { return f.declaring }

// Offset returns the assigned byte offset. Valid once the declaring
// class is resolved.
func (f *Field) Offset() uint32 { return f.offset }

func (f *Field) IsStatic() bool   { return f.accessFlags&AccStatic != 0 }
func (f *Field) IsFinal() bool    { return f.accessFlags&AccFinal != 0 }
func (f *Field) IsVolatile() bool { return f.accessFlags&AccVolatile != 0 }
func (f *Field) IsPublic() bool   { return f.accessFlags&AccPublic != 0 }
func (f *Field) IsPrivate() bool  { return f.accessFlags&AccPrivate != 0 }

// IsReference reports whether the field holds a heap reference.
func (f *Field) IsReference() bool { return f.typ.IsReference() }

// Size returns the field's storage footprint in bytes. References are
// compressed 32-bit handles regardless of platform word size.
func (f *Field) Size() uint32 {
	if f.IsReference() {
		return RefFieldSize
	}
	switch f.typ.PrimitiveKind() {
	case 'J', 'D':
		return 8
	case 'I', 'F':
		return 4
	case 'C', 'S':
		return 2
	default: // 'Z', 'B'
		return 1
	}
}

// Alignment equals size for every field kind.
func (f *Field) Alignment() uint32 { return f.Size() }

func (f *Field) String() string {
	if f.declaring != nil {
		return fmt.Sprintf("%s.%s:%s", f.declaring.Descriptor(), f.name, f.typ.String())
	}
	return f.name + ":" + f.typ.String()
}
