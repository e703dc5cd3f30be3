// Package vm implements the Kiln class runtime.
//
// This package contains:
//   - Class resolution and definition with loader delegation
//   - The class lifecycle state machine, from raw metadata to visibly initialized
//   - Method linking: virtual tables, interface tables, and the IMT
//   - Field layout with type-bucketed packing and a GC reference prefix
//   - Class initialization with batched visibility publication
package vm
