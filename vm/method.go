package vm

import (
	"fmt"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Method is one runtime method record. Records are created when a class
// loads its members and, for copied methods, when the linker pulls an
// interface method into a class. A method's vtable slot and IMT index
// are assigned during linking and never change afterwards.
type Method struct {
	name        string
	signature   string
	accessFlags uint32
	declaring   *Class
	slot        uint16
	codeOff     uint32
	imtIdx      uint16

	// origin is the interface method a copied method was created for.
	origin *Method

	// conflictTable is set only on IMT conflict stand-ins.
	conflictTable *ImtConflictTable
}

// noSlot marks a method that never received a dispatch slot.
const noSlot uint16 = 0xFFFF

// maxVTableSlots caps the vtable; the slot field is 16 bits wide and
// noSlot is reserved.
const maxVTableSlots = 0xFFFF

func newMethod(c *Class, def *metadata.MethodDef) *Method {
	flags := def.AccessFlags & declaredFlagsMask
	if def.Name == "<init>" || def.Name == "<clinit>" {
		flags |= AccConstructor
	}
	if c.IsInterface() && flags&(AccStatic|AccAbstract) == 0 {
		flags |= AccDefault
	}
	return &Method{
		name:        def.Name,
		signature:   def.Signature,
		accessFlags: flags,
		declaring:   c,
		slot:        noSlot,
		codeOff:     def.CodeOff,
		imtIdx:      imtIndexFor(def.Name, def.Signature),
	}
}

// copyDefaultMethod clones an interface default into c. The clone keeps
// the default's body and gains the copied flag; its slot is assigned by
// the vtable builder.
func copyDefaultMethod(c *Class, src *Method) *Method {
	return &Method{
		name:        src.name,
		signature:   src.signature,
		accessFlags: src.accessFlags | AccCopied,
		declaring:   c,
		slot:        noSlot,
		codeOff:     src.codeOff,
		imtIdx:      src.imtIdx,
		origin:      src,
	}
}

// newMirandaMethod creates the abstract stand-in for an interface
// method with no implementation anywhere in the hierarchy. It occupies
// a real vtable slot; invoking it reports an abstract-method error.
func newMirandaMethod(c *Class, ifaceMethod *Method) *Method {
	return &Method{
		name:        ifaceMethod.name,
		signature:   ifaceMethod.signature,
		accessFlags: AccPublic | AccAbstract | AccCopied,
		declaring:   c,
		slot:        noSlot,
		imtIdx:      ifaceMethod.imtIdx,
		origin:      ifaceMethod,
	}
}

// newConflictMethod creates the stand-in for a signature with multiple
// equally specific defaults. Invoking it reports an incompatible class
// change; the conflict is not an error until somebody calls it.
func newConflictMethod(c *Class, ifaceMethod *Method) *Method {
	return &Method{
		name:        ifaceMethod.name,
		signature:   ifaceMethod.signature,
		accessFlags: AccPublic | AccCopied | AccDefaultConflict,
		declaring:   c,
		slot:        noSlot,
		imtIdx:      ifaceMethod.imtIdx,
		origin:      ifaceMethod,
	}
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Signature returns the method signature, e.g. "(I)V".
func (m *Method) Signature() string { return m.signature }

// Key returns the dispatch identity: name plus signature.
func (m *Method) Key() string { return m.name + m.signature }

// AccessFlags returns declared plus runtime-internal flags.
func (m *Method) AccessFlags() uint32 { return m.accessFlags }

// DeclaringClass returns the class this method record belongs to. For
// copied methods that is the class that received the copy, not the
// interface that declared the signature.
func (m *Method) DeclaringClass() *Class { return m.declaring }

// Slot returns the vtable slot for class methods or the interface-local
// index for interface methods; noSlot if never assigned.
func (m *Method) Slot() uint16 { return m.slot }

// CodeOffset returns the opaque body token; zero means no body.
func (m *Method) CodeOffset() uint32 { return m.codeOff }

// ImtIndex returns the method's slot in the interface method table.
func (m *Method) ImtIndex() uint16 { return m.imtIdx }

func (m *Method) IsStatic() bool    { return m.accessFlags&AccStatic != 0 }
func (m *Method) IsPrivate() bool   { return m.accessFlags&AccPrivate != 0 }
func (m *Method) IsPublic() bool    { return m.accessFlags&AccPublic != 0 }
func (m *Method) IsProtected() bool { return m.accessFlags&AccProtected != 0 }
func (m *Method) IsFinal() bool     { return m.accessFlags&AccFinal != 0 }
func (m *Method) IsAbstract() bool  { return m.accessFlags&AccAbstract != 0 }
func (m *Method) IsNative() bool    { return m.accessFlags&AccNative != 0 }

// IsConstructor reports <init> or <clinit>.
func (m *Method) IsConstructor() bool { return m.accessFlags&AccConstructor != 0 }

// IsClassInitializer reports the static initializer <clinit>.
func (m *Method) IsClassInitializer() bool {
	return m.name == "<clinit>" && m.IsStatic()
}

// IsDefault reports a non-abstract interface method or its copy.
func (m *Method) IsDefault() bool { return m.accessFlags&AccDefault != 0 }

// IsCopied reports a method the linker copied into its class.
func (m *Method) IsCopied() bool { return m.accessFlags&AccCopied != 0 }

// IsDefaultConflict reports a default-conflict stand-in.
func (m *Method) IsDefaultConflict() bool { return m.accessFlags&AccDefaultConflict != 0 }

// IsMiranda reports an abstract stand-in copied for an unimplemented
// interface method.
func (m *Method) IsMiranda() bool {
	return m.IsCopied() && m.IsAbstract() && !m.IsDefaultConflict()
}

// IsVirtualEntry reports whether the method participates in virtual
// dispatch: not static, not private, not a constructor.
func (m *Method) IsVirtualEntry() bool {
	return !m.IsStatic() && !m.IsPrivate() && !m.IsConstructor()
}

// SameNameAndSignature reports dispatch identity with another method.
func (m *Method) SameNameAndSignature(o *Method) bool {
	return m.name == o.name && m.signature == o.signature
}

func (m *Method) String() string {
	if m.declaring != nil {
		return fmt.Sprintf("%s.%s%s", m.declaring.Descriptor(), m.name, m.signature)
	}
	return m.name + m.signature
}

// imtIndexFor hashes a dispatch identity onto an IMT slot.
func imtIndexFor(name, signature string) uint16 {
	h := hashDescriptor(name)
	h = h*31 + hashDescriptor(signature)
	return uint16(h % ImtSize)
}
