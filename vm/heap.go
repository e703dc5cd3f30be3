package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Layout constants. Instance field offsets count from the object base,
// so the first field of a root-derived class lands at ObjectHeaderSize.
const (
	// ObjectHeaderSize is the instance header: class handle plus monitor
	// word.
	ObjectHeaderSize uint32 = 8

	// RefFieldSize is the footprint of a heap reference field. References
	// are compressed 32-bit handles on every platform.
	RefFieldSize uint32 = 4

	// classRecordBaseSize is the symbolic size of a class record without
	// its embedded dispatch region.
	classRecordBaseSize uint32 = 128

	// embeddedSlotSize is the symbolic size of one embedded vtable slot.
	embeddedSlotSize uint32 = 8

	// embeddedImtRefSize is the symbolic size of the embedded IMT
	// reference on final concrete classes.
	embeddedImtRefSize uint32 = 8
)

// RefOffsetsSlowPath in Class.ReferenceOffsets means the reference
// bitmap overflowed and the collector must walk field records.
const RefOffsetsSlowPath uint32 = 0xFFFFFFFF

// ObjRef is a compressed object reference. Zero is null.
type ObjRef uint32

// NilRef is the null object reference.
const NilRef ObjRef = 0

// Object is one heap instance. data spans the full instance footprint;
// the header region is reserved and field offsets index directly.
type Object struct {
	class *Class
	ref   ObjRef
	data  []byte
}

// Class returns the instance's class.
func (o *Object) Class() *Class { return o.class }

// Ref returns the instance's compressed reference.
func (o *Object) Ref() ObjRef { return o.ref }

// RefField reads a reference field.
func (o *Object) RefField(f *Field) ObjRef {
	o.checkField(f, true)
	return ObjRef(binary.LittleEndian.Uint32(o.data[f.offset:]))
}

// SetRefField writes a reference field through the write barrier.
func (o *Object) SetRefField(f *Field, r ObjRef) {
	o.checkField(f, true)
	binary.LittleEndian.PutUint32(o.data[f.offset:], uint32(r))
	o.class.rt.heap.WriteBarrier().ReferenceWritten()
}

// IntField reads an integral field of any width, sign-extended.
func (o *Object) IntField(f *Field) int64 {
	o.checkField(f, false)
	return loadInt(o.data, f.offset, f.Size())
}

// SetIntField writes an integral field of any width, truncating.
func (o *Object) SetIntField(f *Field, v int64) {
	o.checkField(f, false)
	storeInt(o.data, f.offset, f.Size(), v)
}

// FloatField reads a float or double field.
func (o *Object) FloatField(f *Field) float64 {
	o.checkField(f, false)
	return loadFloat(o.data, f.offset, f.Size())
}

// SetFloatField writes a float or double field.
func (o *Object) SetFloatField(f *Field, v float64) {
	o.checkField(f, false)
	storeFloat(o.data, f.offset, f.Size(), v)
}

func (o *Object) checkField(f *Field, wantRef bool) {
	if f.IsStatic() {
		panic(fmt.Sprintf("vm: static field %s accessed through an instance", f))
	}
	if f.IsReference() != wantRef {
		panic(fmt.Sprintf("vm: field %s accessed with wrong kind", f))
	}
	if !o.class.IsSubclassOf(f.declaring) {
		panic(fmt.Sprintf("vm: field %s accessed on %s", f, o.class.Descriptor()))
	}
}

// ---- Static block access, on Class ----

// StaticRef reads a static reference field.
func (c *Class) StaticRef(f *Field) ObjRef {
	d := c.checkStatic(f, true)
	return ObjRef(binary.LittleEndian.Uint32(d.staticData[f.offset:]))
}

// SetStaticRef writes a static reference field through the write
// barrier.
func (c *Class) SetStaticRef(f *Field, r ObjRef) {
	d := c.checkStatic(f, true)
	binary.LittleEndian.PutUint32(d.staticData[f.offset:], uint32(r))
	d.rt.heap.WriteBarrier().ReferenceWritten()
}

// StaticInt reads an integral static field of any width, sign-extended.
func (c *Class) StaticInt(f *Field) int64 {
	d := c.checkStatic(f, false)
	return loadInt(d.staticData, f.offset, f.Size())
}

// SetStaticInt writes an integral static field, truncating.
func (c *Class) SetStaticInt(f *Field, v int64) {
	d := c.checkStatic(f, false)
	storeInt(d.staticData, f.offset, f.Size(), v)
}

// StaticFloat reads a float or double static field.
func (c *Class) StaticFloat(f *Field) float64 {
	d := c.checkStatic(f, false)
	return loadFloat(d.staticData, f.offset, f.Size())
}

// SetStaticFloat writes a float or double static field.
func (c *Class) SetStaticFloat(f *Field, v float64) {
	d := c.checkStatic(f, false)
	storeFloat(d.staticData, f.offset, f.Size(), v)
}

// checkStatic validates the access and returns the class whose static
// block actually holds the field: statics are stored on the declaring
// class only, wherever the access was addressed.
func (c *Class) checkStatic(f *Field, wantRef bool) *Class {
	if !f.IsStatic() {
		panic(fmt.Sprintf("vm: instance field %s accessed as static", f))
	}
	if f.IsReference() != wantRef {
		panic(fmt.Sprintf("vm: field %s accessed with wrong kind", f))
	}
	return f.declaring
}

func loadInt(b []byte, off, size uint32) int64 {
	switch size {
	case 1:
		return int64(int8(b[off]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b[off:])))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b[off:])))
	default:
		return int64(binary.LittleEndian.Uint64(b[off:]))
	}
}

func storeInt(b []byte, off, size uint32, v int64) {
	switch size {
	case 1:
		b[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(b[off:], uint64(v))
	}
}

func loadFloat(b []byte, off, size uint32) float64 {
	if size == 4 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
}

func storeFloat(b []byte, off, size uint32, v float64) {
	if size == 4 {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
	}
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// WriteBarrier is the card-marking analog: a hook invoked on every
// event the collector would need to observe. It only counts; the counts
// are the contract the real collector would build on.
type WriteBarrier struct {
	classMutations atomic.Uint64
	refWrites      atomic.Uint64
}

// ClassMutated flags a class-record mutation: a status publication, a
// table move, or a declaring-class backpointer fixup.
func (b *WriteBarrier) ClassMutated(h ClassHandle) {
	b.classMutations.Add(1)
}

// ReferenceWritten flags a reference store into an object or a static
// block.
func (b *WriteBarrier) ReferenceWritten() {
	b.refWrites.Add(1)
}

// ClassMutations returns the class-record mutation count.
func (b *WriteBarrier) ClassMutations() uint64 { return b.classMutations.Load() }

// ReferenceWrites returns the reference store count.
func (b *WriteBarrier) ReferenceWrites() uint64 { return b.refWrites.Load() }

// ---------------------------------------------------------------------------
// Heap interface and the simple heap
// ---------------------------------------------------------------------------

// Heap supplies allocation and the write barrier to the runtime. The
// default implementation is SimpleHeap; tests substitute heaps that
// inject allocation failure.
type Heap interface {
	// AllocClassRecordSpace reserves budget for a class record. The
	// runtime releases it again if the record loses an insertion race or
	// is swept.
	AllocClassRecordSpace(size uint32, nonMovable bool) error

	// ReleaseClassRecordSpace returns record budget.
	ReleaseClassRecordSpace(size uint32)

	// AllocObject allocates a zeroed instance of a resolved class.
	AllocObject(c *Class) (*Object, error)

	// Object dereferences a compressed reference; nil for NilRef.
	Object(ref ObjRef) *Object

	// InternString returns a canonical instance of textClass carrying s.
	InternString(textClass *Class, s string) (ObjRef, error)

	// StringValue returns the payload of an interned string instance.
	StringValue(ref ObjRef) (string, bool)

	// WriteBarrier returns the barrier shared by all mutators.
	WriteBarrier() *WriteBarrier
}

// SimpleHeap is a bump-counted heap with an optional byte budget. It
// never reclaims objects; class record budget is returned on sweep.
type SimpleHeap struct {
	limit   int64
	barrier WriteBarrier

	mu       sync.Mutex
	used     int64
	objects  []*Object
	strings  map[string]ObjRef
	payloads map[ObjRef]string
}

// NewSimpleHeap returns a heap limited to limit bytes; zero means
// unlimited.
func NewSimpleHeap(limit int64) *SimpleHeap {
	return &SimpleHeap{
		limit:    limit,
		strings:  make(map[string]ObjRef),
		payloads: make(map[ObjRef]string),
	}
}

func (h *SimpleHeap) reserve(n int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.used+n > h.limit {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrOutOfMemory, n, h.used, h.limit)
	}
	h.used += n
	return nil
}

// AllocClassRecordSpace reserves budget for a class record.
func (h *SimpleHeap) AllocClassRecordSpace(size uint32, nonMovable bool) error {
	return h.reserve(int64(size))
}

// ReleaseClassRecordSpace returns record budget.
func (h *SimpleHeap) ReleaseClassRecordSpace(size uint32) {
	h.mu.Lock()
	h.used -= int64(size)
	h.mu.Unlock()
}

// AllocObject allocates a zeroed instance of c.
func (h *SimpleHeap) AllocObject(c *Class) (*Object, error) {
	if !c.IsResolved() || c.IsInterface() || c.IsAbstract() || c.IsPrimitive() || c.IsArray() {
		return nil, fmt.Errorf("%w: cannot instantiate %s", ErrLinkage, c.Descriptor())
	}
	if err := h.reserve(int64(c.objectSize)); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := &Object{class: c, data: make([]byte, c.objectSize)}
	h.objects = append(h.objects, o)
	o.ref = ObjRef(len(h.objects))
	return o, nil
}

// Object dereferences a compressed reference.
func (h *SimpleHeap) Object(ref ObjRef) *Object {
	if ref == NilRef {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(ref) > len(h.objects) {
		return nil
	}
	return h.objects[ref-1]
}

// InternString returns the canonical instance carrying s, allocating it
// on first use.
func (h *SimpleHeap) InternString(textClass *Class, s string) (ObjRef, error) {
	h.mu.Lock()
	if ref, ok := h.strings[s]; ok {
		h.mu.Unlock()
		return ref, nil
	}
	h.mu.Unlock()

	o, err := h.AllocObject(textClass)
	if err != nil {
		return NilRef, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref, ok := h.strings[s]; ok {
		return ref, nil
	}
	h.strings[s] = o.ref
	h.payloads[o.ref] = s
	return o.ref, nil
}

// StringValue returns the payload of an interned string instance.
func (h *SimpleHeap) StringValue(ref ObjRef) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.payloads[ref]
	return s, ok
}

// WriteBarrier returns the shared barrier.
func (h *SimpleHeap) WriteBarrier() *WriteBarrier { return &h.barrier }

// Used returns the bytes currently accounted.
func (h *SimpleHeap) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}
