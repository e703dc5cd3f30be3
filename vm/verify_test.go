package vm

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/kiln/metadata"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// verdictVerifier returns a configurable verdict per descriptor and
// counts how often each class was judged.
type verdictVerifier struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	calls    map[string]int
}

func newVerdictVerifier() *verdictVerifier {
	return &verdictVerifier{
		verdicts: make(map[string]Verdict),
		calls:    make(map[string]int),
	}
}

func (v *verdictVerifier) Verify(c *Class) (Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[c.Descriptor()]++
	return v.verdicts[c.Descriptor()], nil
}

func (v *verdictVerifier) set(descriptor string, verdict Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdicts[descriptor] = verdict
}

func (v *verdictVerifier) count(descriptor string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[descriptor]
}

func newVerifierRuntime(t *testing.T, v Verifier, boot ...*metadata.Container) (*Runtime, *Thread) {
	t.Helper()
	rt, err := NewRuntime(Options{
		BootPath:     boot,
		Verifier:     v,
		PublishMode:  PublishFence,
		PublishBatch: 1,
	})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return rt, rt.Attach()
}

// ---------------------------------------------------------------------------
// Verdicts
// ---------------------------------------------------------------------------

func TestVerifyVerdictString(t *testing.T) {
	tests := []struct {
		v    Verdict
		want string
	}{
		{VerdictOK, "ok"},
		{VerdictSoftRetry, "soft-retry"},
		{VerdictSoftNeedsAccessChecks, "soft-needs-access-checks"},
		{VerdictHard, "hard"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String = %q, want %q", got, tt.want)
		}
	}
}

func TestHardVerdictPoisonsClass(t *testing.T) {
	b := metadata.NewBuilder("verify")
	b.Class("Lapp/Bad;", metadata.AccPublic)
	v := newVerdictVerifier()
	v.set("Lapp/Bad;", VerdictHard)
	rt, th := newVerifierRuntime(t, v, b.MustBuild())

	c := mustFind(t, rt, th, "Lapp/Bad;", nil)
	err := rt.EnsureInitialized(th, c, true, true)
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("EnsureInitialized error = %v, want %v", err, ErrVerify)
	}
	if !c.IsErroneous() {
		t.Errorf("Status = %v, want a terminal error state", c.Status())
	}

	// The rejection is sticky: the verifier is not consulted again.
	if err := rt.EnsureInitialized(th, c, true, true); err == nil {
		t.Error("second attempt should replay the failure")
	}
	if got := v.count("Lapp/Bad;"); got != 1 {
		t.Errorf("verifier ran %d times, want 1", got)
	}
}

func TestSoftRetryVerdictIsRetried(t *testing.T) {
	b := metadata.NewBuilder("verify")
	b.Class("Lapp/Flaky;", metadata.AccPublic)
	v := newVerdictVerifier()
	v.set("Lapp/Flaky;", VerdictSoftRetry)
	rt, th := newVerifierRuntime(t, v, b.MustBuild())

	c := mustFind(t, rt, th, "Lapp/Flaky;", nil)
	err := rt.EnsureInitialized(th, c, true, true)
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("EnsureInitialized error = %v, want %v", err, ErrVerify)
	}
	if c.IsErroneous() {
		t.Fatal("a soft failure must not poison the class")
	}
	if got := c.Status(); got != StatusRetryVerificationAtRuntime {
		t.Fatalf("Status = %v, want %v", got, StatusRetryVerificationAtRuntime)
	}

	// The next attempt verifies again; an improved verdict lets the
	// class through.
	v.set("Lapp/Flaky;", VerdictOK)
	if err := rt.EnsureInitialized(th, c, true, true); err != nil {
		t.Fatalf("EnsureInitialized after retry failed: %v", err)
	}
	if !c.IsVisiblyInitialized() {
		t.Errorf("Status = %v, want %v", c.Status(), StatusVisiblyInitialized)
	}
	if got := v.count("Lapp/Flaky;"); got != 2 {
		t.Errorf("verifier ran %d times, want 2", got)
	}
}

func TestNeedsAccessChecksVerdict(t *testing.T) {
	b := metadata.NewBuilder("verify")
	b.Class("Lapp/Suspect;", metadata.AccPublic)
	v := newVerdictVerifier()
	v.set("Lapp/Suspect;", VerdictSoftNeedsAccessChecks)
	rt, th := newVerifierRuntime(t, v, b.MustBuild())

	c := mustFind(t, rt, th, "Lapp/Suspect;", nil)
	if err := rt.EnsureVerified(th, c); err != nil {
		t.Fatalf("EnsureVerified failed: %v", err)
	}
	if got := c.Status(); got != StatusVerifiedNeedsAccessChecks {
		t.Fatalf("Status = %v, want %v", got, StatusVerifiedNeedsAccessChecks)
	}

	// The softened verdict still admits initialization.
	if err := rt.EnsureInitialized(th, c, true, true); err != nil {
		t.Fatalf("EnsureInitialized failed: %v", err)
	}
	if !c.IsVisiblyInitialized() {
		t.Errorf("Status = %v, want %v", c.Status(), StatusVisiblyInitialized)
	}
}

func TestSuperclassVerificationFailurePropagates(t *testing.T) {
	b := metadata.NewBuilder("verify")
	b.Class("Lapp/Base;", metadata.AccPublic)
	sub := b.Class("Lapp/Sub;", metadata.AccPublic)
	sub.Super("Lapp/Base;")
	v := newVerdictVerifier()
	v.set("Lapp/Base;", VerdictHard)
	rt, th := newVerifierRuntime(t, v, b.MustBuild())

	c := mustFind(t, rt, th, "Lapp/Sub;", nil)
	err := rt.EnsureVerified(th, c)
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("EnsureVerified error = %v, want %v", err, ErrVerify)
	}
	if !c.IsErroneous() {
		t.Errorf("subclass Status = %v, want a terminal error state", c.Status())
	}
	base := rt.LookupClass("Lapp/Base;", nil)
	if base == nil || !base.IsErroneous() {
		t.Error("superclass should carry its own verification failure")
	}
}

func TestEnsureVerifiedIdempotent(t *testing.T) {
	b := metadata.NewBuilder("verify")
	b.Class("Lapp/Fine;", metadata.AccPublic)
	v := newVerdictVerifier()
	rt, th := newVerifierRuntime(t, v, b.MustBuild())

	c := mustFind(t, rt, th, "Lapp/Fine;", nil)
	for i := 0; i < 3; i++ {
		if err := rt.EnsureVerified(th, c); err != nil {
			t.Fatalf("EnsureVerified failed: %v", err)
		}
	}
	if got := c.Status(); got != StatusVerified {
		t.Errorf("Status = %v, want %v", got, StatusVerified)
	}
	if got := v.count("Lapp/Fine;"); got != 1 {
		t.Errorf("verifier ran %d times, want 1", got)
	}
}
