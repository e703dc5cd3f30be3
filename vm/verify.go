package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// Verdict is a verifier's judgement of one class.
type Verdict uint8

const (
	// VerdictOK accepts the class outright.
	VerdictOK Verdict = iota
	// VerdictSoftRetry defers judgement: the class stays usable for
	// linking but must be verified again before it can initialize.
	VerdictSoftRetry
	// VerdictSoftNeedsAccessChecks accepts the class provided every
	// member access it performs is re-checked at execution time.
	VerdictSoftNeedsAccessChecks
	// VerdictHard rejects the class permanently.
	VerdictHard
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictSoftRetry:
		return "soft-retry"
	case VerdictSoftNeedsAccessChecks:
		return "soft-needs-access-checks"
	case VerdictHard:
		return "hard"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Verifier judges resolved classes before they may initialize. The
// returned error carries detail for hard failures; it becomes the
// class's sticky failure.
type Verifier interface {
	Verify(c *Class) (Verdict, error)
}

// acceptAllVerifier is the default: every resolved class passes.
type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(*Class) (Verdict, error) { return VerdictOK, nil }

// EnsureVerified drives a resolved class through verification without
// attempting initialization. Offline pipelines use it to judge classes
// they are not allowed to initialize.
func (rt *Runtime) EnsureVerified(t *Thread, c *Class) error {
	return rt.verifyClass(t, c)
}

// verifyClass drives a resolved class through verification. Exactly one
// thread verifies; others wait on the class monitor. A class that was
// soft-failed earlier is verified again from scratch.
func (rt *Runtime) verifyClass(t *Thread, c *Class) error {
	c.mu.Lock()
	for {
		if c.IsErroneous() {
			err := stickyFailure(c.descriptor.str, c.failure)
			c.mu.Unlock()
			return err
		}
		st := c.Status()
		if st == StatusVerified || st == StatusVerifiedNeedsAccessChecks || st >= StatusInitializing {
			c.mu.Unlock()
			return nil
		}
		if st == StatusVerifying {
			t.beginWait()
			c.cond.Wait()
			t.endWait()
			continue
		}
		break
	}
	c.setStatusLocked(StatusVerifying)
	c.mu.Unlock()

	// A subtype inherits its supertype's verdict: a bad superclass
	// makes the subclass unverifiable.
	if super := c.Super(); super != nil {
		if err := rt.verifyClass(t, super); err != nil {
			verr := fmt.Errorf("%w: superclass %s of %s failed verification: %w",
				ErrVerify, super.descriptor, c.descriptor, err)
			c.mu.Lock()
			c.markFailedLocked(verr)
			c.mu.Unlock()
			return verr
		}
	}

	verdict, vErr := rt.verifier.Verify(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch verdict {
	case VerdictOK:
		c.setStatusLocked(StatusVerified)
		return nil
	case VerdictSoftNeedsAccessChecks:
		c.setStatusLocked(StatusVerifiedNeedsAccessChecks)
		return nil
	case VerdictSoftRetry:
		c.setStatusLocked(StatusRetryVerificationAtRuntime)
		if vErr != nil {
			return fmt.Errorf("%w: %s deferred: %w", ErrVerify, c.descriptor, vErr)
		}
		return fmt.Errorf("%w: %s requires another verification pass", ErrVerify, c.descriptor)
	default:
		verr := fmt.Errorf("%w: %s rejected", ErrVerify, c.descriptor)
		if vErr != nil {
			verr = fmt.Errorf("%w: %s rejected: %w", ErrVerify, c.descriptor, vErr)
		}
		c.markFailedLocked(verr)
		return verr
	}
}
