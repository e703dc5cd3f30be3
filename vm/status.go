package vm

// ---------------------------------------------------------------------------
// Class lifecycle states
// ---------------------------------------------------------------------------

// ClassStatus is the lifecycle state of a class. The numeric order is
// meaningful: comparisons like status >= StatusResolved gate linker fast
// paths, so new states must slot into the ladder, not onto the end.
type ClassStatus uint32

const (
	// StatusNotReady is a freshly allocated record with nothing loaded.
	StatusNotReady ClassStatus = 0

	// StatusRetired marks an abandoned temporary record whose place in
	// the registry was taken by its fully linked twin.
	StatusRetired ClassStatus = 1

	// StatusErrorResolved is terminal: the class got through linking and
	// then failed, typically in its initializer. The record keeps its
	// linked shape so instances that already exist stay coherent.
	StatusErrorResolved ClassStatus = 2

	// StatusErrorUnresolved is terminal: the class never finished
	// linking.
	StatusErrorUnresolved ClassStatus = 3

	// StatusIdx means the record knows its descriptor and metadata
	// indexes but members are not loaded yet.
	StatusIdx ClassStatus = 4

	// StatusLoaded means members are loaded and supertypes resolved.
	StatusLoaded ClassStatus = 5

	// StatusResolving is transitional while the linker computes tables
	// and layout.
	StatusResolving ClassStatus = 6

	// StatusResolved means dispatch tables and field layout are final.
	StatusResolved ClassStatus = 7

	// StatusVerifying is transitional while the verifier runs.
	StatusVerifying ClassStatus = 8

	// StatusRetryVerificationAtRuntime is a soft verification failure;
	// the verifier runs again on the next initialization attempt.
	StatusRetryVerificationAtRuntime ClassStatus = 9

	// StatusVerifiedNeedsAccessChecks is a soft verification outcome:
	// usable, but member access is re-checked at dispatch time.
	StatusVerifiedNeedsAccessChecks ClassStatus = 10

	// StatusVerified means verification passed outright.
	StatusVerified ClassStatus = 11

	// StatusInitializing means some thread is running the initializer.
	StatusInitializing ClassStatus = 12

	// StatusInitialized means initialization finished but the fact has
	// not yet been published to all threads.
	StatusInitialized ClassStatus = 13

	// StatusVisiblyInitialized means every thread is guaranteed to
	// observe the initialized state without further synchronization.
	StatusVisiblyInitialized ClassStatus = 14
)

func (s ClassStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusRetired:
		return "retired"
	case StatusErrorResolved:
		return "error-resolved"
	case StatusErrorUnresolved:
		return "error-unresolved"
	case StatusIdx:
		return "idx"
	case StatusLoaded:
		return "loaded"
	case StatusResolving:
		return "resolving"
	case StatusResolved:
		return "resolved"
	case StatusVerifying:
		return "verifying"
	case StatusRetryVerificationAtRuntime:
		return "retry-verification-at-runtime"
	case StatusVerifiedNeedsAccessChecks:
		return "verified-needs-access-checks"
	case StatusVerified:
		return "verified"
	case StatusInitializing:
		return "initializing"
	case StatusInitialized:
		return "initialized"
	case StatusVisiblyInitialized:
		return "visibly-initialized"
	}
	return "unknown"
}

// IsError reports whether the status is one of the two terminal error
// states.
func (s ClassStatus) IsError() bool {
	return s == StatusErrorResolved || s == StatusErrorUnresolved
}
