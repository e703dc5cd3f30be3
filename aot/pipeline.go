// Package aot prelinks class containers ahead of execution. Every class
// is resolved, linked, and verified through a dedicated loader, with
// initialization restricted to classes whose statics are pure data; the
// per-class outcomes are recorded so later runs can tell what changed.
package aot

import (
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	"go.uber.org/multierr"

	"github.com/chazu/kiln/metadata"
	"github.com/chazu/kiln/vm"
)

var log = commonlog.GetLogger("kiln.aot")

// Options configures a Pipeline.
type Options struct {
	// Initialize attempts class initialization with no execution
	// capabilities: constants-only classes reach the published state,
	// classes with real initializers are deferred to runtime.
	Initialize bool
	// Store receives per-class results; nil disables persistence.
	Store *Store
}

// Result records the outcome of prelinking one class.
type Result struct {
	Descriptor string
	Container  string
	Status     string
	Verdict    string
	OK         bool
	Failure    string
	Elapsed    time.Duration
}

// Report is the outcome of one pipeline run.
type Report struct {
	// RunID identifies the run in the store; zero without one.
	RunID int64
	// Loader is the run's defining loader; prelinked classes are
	// registered to it.
	Loader  *vm.Loader
	Results []Result

	err error
}

// Err returns the run's class failures as one aggregate error, or nil.
func (r *Report) Err() error { return r.err }

// Failed returns the results that did not prelink cleanly.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK {
			out = append(out, res)
		}
	}
	return out
}

// Pipeline prelinks containers against a runtime.
type Pipeline struct {
	rt   *vm.Runtime
	opts Options
}

// NewPipeline returns a pipeline over rt.
func NewPipeline(rt *vm.Runtime, opts Options) *Pipeline {
	return &Pipeline{rt: rt, opts: opts}
}

// Run prelinks every class the containers define. Per-class failures do
// not stop the run; they are aggregated on the report. The returned
// error reports infrastructure trouble only.
func (p *Pipeline) Run(t *vm.Thread, containers []*metadata.Container) (*Report, error) {
	loader, err := p.rt.NewLoader(vm.LoaderConfig{
		Name:      "prelink",
		Kind:      vm.LoaderStandard,
		ClassPath: containers,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Loader: loader}
	for _, ctr := range containers {
		for i := range ctr.Classes {
			desc := ctr.TypeName(ctr.Classes[i].Descriptor)
			res, cause := p.prelinkOne(t, loader, ctr, desc)
			report.Results = append(report.Results, res)
			if cause != nil {
				report.err = multierr.Append(report.err, fmt.Errorf("%s: %w", desc, cause))
			}
		}
	}

	// Settle publication before statuses are recorded: an offline run
	// should leave nothing half-published.
	p.rt.FlushVisibility(t)
	for i := range report.Results {
		res := &report.Results[i]
		if !res.OK {
			continue
		}
		if c := p.rt.LookupClass(res.Descriptor, loader); c != nil {
			res.Status = c.Status().String()
		}
	}

	if p.opts.Store != nil {
		report.RunID, err = p.opts.Store.BeginRun(time.Now())
		if err != nil {
			return report, err
		}
		for _, res := range report.Results {
			if err := p.opts.Store.Record(report.RunID, res); err != nil {
				return report, err
			}
		}
	}

	log.Infof("prelinked %d classes (%d failed)", len(report.Results), len(report.Failed()))
	return report, nil
}

// prelinkOne drives a single class to its settled offline state.
func (p *Pipeline) prelinkOne(t *vm.Thread, loader *vm.Loader, ctr *metadata.Container, desc string) (Result, error) {
	start := time.Now()
	res := Result{Descriptor: desc, Container: ctr.Name}

	c, err := p.rt.FindClass(t, desc, loader)
	if err == nil {
		if p.opts.Initialize {
			err = p.rt.EnsureInitialized(t, c, false, false)
			if errors.Is(err, vm.ErrInitDeferred) {
				err = nil
			}
		} else {
			err = p.rt.EnsureVerified(t, c)
		}
	}
	res.Elapsed = time.Since(start)

	if c == nil {
		c = p.rt.LookupClass(desc, loader)
	}
	if c != nil {
		st := c.Status()
		res.Status = st.String()
		res.Verdict = verdictFor(st, err)
	}
	if err != nil {
		res.Failure = err.Error()
		return res, err
	}
	res.OK = true
	return res, nil
}

// verdictFor derives the verifier's judgement from the class's settled
// status.
func verdictFor(st vm.ClassStatus, err error) string {
	switch {
	case st == vm.StatusVerified || st >= vm.StatusInitializing:
		return vm.VerdictOK.String()
	case st == vm.StatusVerifiedNeedsAccessChecks:
		return vm.VerdictSoftNeedsAccessChecks.String()
	case st == vm.StatusRetryVerificationAtRuntime:
		return vm.VerdictSoftRetry.String()
	case errors.Is(err, vm.ErrVerify):
		return vm.VerdictHard.String()
	default:
		return ""
	}
}
