package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Field layout
// ---------------------------------------------------------------------------

// Bucket order for primitive fields, descending size with a fixed
// tie-break so layout is deterministic across runs.
var primBucketOrder = [...]byte{'J', 'D', 'I', 'F', 'C', 'S', 'Z', 'B'}

func primBucket(kind byte) int {
	for i, k := range primBucketOrder {
		if k == kind {
			return i
		}
	}
	return -1
}

// layoutGap is the one outstanding alignment hole the cursor remembers.
type layoutGap struct {
	off  uint32
	size uint32
}

// layoutCursor hands out field offsets. Aligning up for a larger field
// records the skipped bytes as a gap, and a later smaller field is
// backfilled into the gap front as long as it lands aligned. At most
// one gap is outstanding; buckets run in descending size so a second
// alignment hole cannot appear while one is open.
type layoutCursor struct {
	off uint32
	gap layoutGap
}

func (lc *layoutCursor) place(size uint32) uint32 {
	if lc.gap.size >= size && lc.gap.off%size == 0 {
		off := lc.gap.off
		lc.gap.off += size
		lc.gap.size -= size
		return off
	}
	aligned := roundUp(lc.off, size)
	if aligned > lc.off && lc.gap.size == 0 {
		lc.gap = layoutGap{off: lc.off, size: aligned - lc.off}
	}
	lc.off = aligned + size
	return aligned
}

func roundUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// layoutFields assigns offsets to the class's declared instance and
// static fields and computes the derived sizes and GC metadata.
func (rt *Runtime) layoutFields(c *Class) error {
	if err := rt.layoutInstanceFields(c); err != nil {
		return err
	}
	return rt.layoutStaticFields(c)
}

// layoutInstanceFields places declared instance fields after the
// superclass's tail: reference fields first at reference alignment so
// the GC can scan them as a bitmap prefix, then primitives bucketed by
// descending size. The object size is the final cursor rounded to the
// strictest alignment among the declared fields.
func (rt *Runtime) layoutInstanceFields(c *Class) error {
	if c.IsInterface() {
		if len(c.fields) > 0 {
			return fmt.Errorf("%w: interface %s declares instance fields", ErrClassFormat, c.descriptor)
		}
		c.classFlags |= ClassFlagNoReferenceFields
		return nil
	}

	base := uint32(ObjectHeaderSize)
	super := c.Super()
	if super != nil {
		base = super.objectSize
		c.numRefFields = super.numRefFields
		c.refOffsets = super.refOffsets
	}
	if len(c.fields) == 0 {
		c.objectSize = base
		if c.numRefFields == 0 {
			c.classFlags |= ClassFlagNoReferenceFields
		}
		return nil
	}

	refs, prims := partitionFields(c.fields)
	cur := layoutCursor{off: base}
	maxAlign := uint32(1)

	if len(refs) > 0 {
		cur.off = roundUp(cur.off, RefFieldSize)
		maxAlign = RefFieldSize
		for _, f := range refs {
			f.offset = cur.place(RefFieldSize)
			c.addRefOffset(f.offset)
		}
		c.numRefFields += uint16(len(refs))
	}
	for _, bucket := range prims {
		for _, f := range bucket {
			if a := f.Alignment(); a > maxAlign {
				maxAlign = a
			}
			f.offset = cur.place(f.Size())
		}
	}

	c.objectSize = roundUp(cur.off, maxAlign)
	if c.numRefFields == 0 {
		c.classFlags |= ClassFlagNoReferenceFields
	}
	return nil
}

// layoutStaticFields runs the same bucketing over the static fields.
// Static storage is per class, so offsets start at zero rather than at
// a superclass tail, and the block is allocated here so constant
// propagation can write into it before the initializer runs.
func (rt *Runtime) layoutStaticFields(c *Class) error {
	if len(c.sfields) == 0 {
		return nil
	}
	refs, prims := partitionFields(c.sfields)
	cur := layoutCursor{}
	maxAlign := uint32(1)

	if len(refs) > 0 {
		maxAlign = RefFieldSize
		for _, f := range refs {
			f.offset = cur.place(RefFieldSize)
		}
	}
	for _, bucket := range prims {
		for _, f := range bucket {
			if a := f.Alignment(); a > maxAlign {
				maxAlign = a
			}
			f.offset = cur.place(f.Size())
		}
	}

	c.staticSize = roundUp(cur.off, maxAlign)
	c.staticData = make([]byte, c.staticSize)
	return nil
}

// partitionFields splits declared fields into the reference bucket and
// the eight primitive buckets. Declaration order is preserved inside
// each bucket.
func partitionFields(fields []*Field) ([]*Field, [8][]*Field) {
	var refs []*Field
	var prims [8][]*Field
	for _, f := range fields {
		if f.IsReference() {
			refs = append(refs, f)
			continue
		}
		b := primBucket(f.typ.PrimitiveKind())
		prims[b] = append(prims[b], f)
	}
	return refs, prims
}

// addRefOffset records a reference field in the scan bitmap. Offsets
// past the bitmap's reach demote the whole class to the slow path,
// where the GC walks the field arrays instead.
func (c *Class) addRefOffset(off uint32) {
	if c.refOffsets == RefOffsetsSlowPath {
		return
	}
	bit := off / RefFieldSize
	if bit >= 32 {
		c.refOffsets = RefOffsetsSlowPath
		return
	}
	c.refOffsets |= 1 << bit
}
