package vm

import "github.com/chazu/kiln/metadata"

// ---------------------------------------------------------------------------
// Access flags
// ---------------------------------------------------------------------------

// Declared access flags mirror the metadata constants; the runtime adds
// its own bits above bit 15 for facts discovered during linking.
const (
	AccPublic    = metadata.AccPublic
	AccPrivate   = metadata.AccPrivate
	AccProtected = metadata.AccProtected
	AccStatic    = metadata.AccStatic
	AccFinal     = metadata.AccFinal
	AccVolatile  = metadata.AccVolatile
	AccTransient = metadata.AccTransient
	AccNative    = metadata.AccNative
	AccInterface = metadata.AccInterface
	AccAbstract  = metadata.AccAbstract
	AccSynthetic = metadata.AccSynthetic
	AccEnum      = metadata.AccEnum
)

// Runtime-internal method flags. Never present in metadata.
const (
	// AccConstructor marks <init> and <clinit>.
	AccConstructor uint32 = 0x00010000

	// AccCopied marks a method the linker copied into a class from an
	// interface: a default implementation, a miranda stand-in, or a
	// default-conflict stand-in.
	AccCopied uint32 = 0x00100000

	// AccDefault marks a non-abstract interface method.
	AccDefault uint32 = 0x00400000

	// AccDefaultConflict marks a copied stand-in for a signature with
	// several equally specific defaults. Invoking it reports an
	// incompatible class change.
	AccDefaultConflict uint32 = 0x00800000
)

// declaredFlagsMask is what a container may legally set.
const declaredFlagsMask uint32 = 0xFFFF

// Runtime-internal class flags, kept apart from access flags.
const (
	// ClassFlagNoReferenceFields lets the collector skip reference
	// scanning for instances of this class entirely.
	ClassFlagNoReferenceFields uint32 = 0x0001

	// ClassFlagPrimitive marks the nine primitive classes.
	ClassFlagPrimitive uint32 = 0x0002

	// ClassFlagArray marks array classes; their instances are
	// variable-length.
	ClassFlagArray uint32 = 0x0004
)
