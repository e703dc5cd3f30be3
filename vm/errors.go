package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Sentinel errors for everything the linker and initializer can report.
// Call sites wrap these with fmt.Errorf("%w: ...") so errors.Is works on
// the kind while the message carries the class and member names.
var (
	// ErrClassNotFound reports a lookup miss: no loader on the delegation
	// chain could supply the class. Not sticky; a later lookup may succeed.
	ErrClassNotFound = errors.New("class not found")

	// ErrNoClassDefFound reports a definition that failed earlier. Sticky:
	// the registry remembers the failure and every later attempt gets it.
	ErrNoClassDefFound = errors.New("no class definition found")

	// ErrClassFormat reports malformed metadata.
	ErrClassFormat = errors.New("class format error")

	// ErrClassCircularity reports a class that directly or indirectly
	// names itself as a supertype.
	ErrClassCircularity = errors.New("class circularity")

	// ErrIncompatibleClassChange reports a supertype shape violation:
	// extending an interface, implementing a class, or calling through a
	// conflicting default method.
	ErrIncompatibleClassChange = errors.New("incompatible class change")

	// ErrIllegalAccess reports an access-rules violation discovered
	// during linking.
	ErrIllegalAccess = errors.New("illegal access")

	// ErrLinkage reports structural linking failures that have no more
	// specific kind, such as overriding a final method.
	ErrLinkage = errors.New("linkage error")

	// ErrVerify reports a hard verification failure.
	ErrVerify = errors.New("verification failed")

	// ErrInitializer reports a class initializer that failed with
	// something other than a runtime error kind.
	ErrInitializer = errors.New("initializer error")

	// ErrAbstractMethod reports invocation of a method with no
	// implementation.
	ErrAbstractMethod = errors.New("abstract method invoked")

	// ErrOutOfMemory reports an allocation rejected by the heap budget.
	// Never wrapped when rethrown from a sticky failure.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInitDeferred reports that initialization was declined because
	// the caller withheld the needed capability. Not a failure: the class
	// stays verified and a later attempt with full capabilities works.
	ErrInitDeferred = errors.New("initialization deferred")
)

// vmErrorKinds are the kinds an initializer may surface without being
// wrapped in ErrInitializer.
var vmErrorKinds = []error{
	ErrClassNotFound,
	ErrNoClassDefFound,
	ErrClassFormat,
	ErrClassCircularity,
	ErrIncompatibleClassChange,
	ErrIllegalAccess,
	ErrLinkage,
	ErrVerify,
	ErrInitializer,
	ErrAbstractMethod,
	ErrOutOfMemory,
}

// IsVMError reports whether err is (or wraps) one of the runtime's own
// error kinds.
func IsVMError(err error) bool {
	for _, kind := range vmErrorKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// wrapInitializerFailure converts an initializer failure into the error
// recorded against the class. Runtime error kinds pass through; anything
// else is wrapped so the caller can distinguish "your initializer blew
// up" from the runtime's own failures.
func wrapInitializerFailure(descriptor string, err error) error {
	if IsVMError(err) {
		return err
	}
	return fmt.Errorf("%w in %s: %w", ErrInitializer, descriptor, err)
}

// stickyFailure reports a previously recorded definition or
// initialization failure. Out-of-memory failures are rethrown as-is so
// allocation pressure is not masked; everything else is wrapped as a
// definition-not-found error carrying the original cause.
func stickyFailure(descriptor string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s previously failed", ErrNoClassDefFound, descriptor)
	}
	if errors.Is(cause, ErrOutOfMemory) {
		return cause
	}
	return fmt.Errorf("%w: %s: %w", ErrNoClassDefFound, descriptor, cause)
}
