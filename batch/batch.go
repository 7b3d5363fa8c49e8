// Package batch verifies many classes concurrently against one shared class
// hierarchy, optionally consulting a verdict cache.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/jverify/cache"
	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/hierarchy"
	"github.com/chazu/jverify/verifier"
)

var log = commonlog.GetLogger("jverify.batch")

var errStopped = errors.New("batch stopped after first failure")

// Class is one input class file.
type Class struct {
	Path string // where the bytes came from, for reporting
	Data []byte
}

// Options configures Run.
type Options struct {
	// Jobs bounds concurrent verifications; zero means GOMAXPROCS.
	Jobs        int
	StopOnFirst bool
	// Hierarchy receives every input class before verification starts and
	// is only read afterwards. Nil means a fresh hierarchy.New().
	Hierarchy *hierarchy.Registry
	Cache     cache.Store
	// FailureContext verifies cached failures again so their errors carry
	// an ErrorContext. Cached verdicts keep only the message.
	FailureContext bool
}

// Outcome is the verdict for one input, in input order.
type Outcome struct {
	Path   string
	Class  string
	Result *verifier.Result
	Err    error
	Cached bool
	// NotRun is set for classes abandoned after a StopOnFirst failure.
	NotRun bool
}

// Failed reports whether the class did not verify.
func (o *Outcome) Failed() bool { return o.Err != nil }

// Report collects the outcomes of a run.
type Report struct {
	Outcomes []Outcome
}

// Failures returns the outcomes that did not verify.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Err aggregates every failure, or returns nil when all classes verified.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Outcomes {
		if o.Failed() {
			result = multierror.Append(result, fmt.Errorf("%s: %w", o.Path, o.Err))
		}
	}
	return result.ErrorOrNil()
}

// Counts returns the number of passed, failed, skipped and cached classes.
func (r *Report) Counts() (passed, failed, skipped, cached int) {
	for _, o := range r.Outcomes {
		switch {
		case o.NotRun:
		case o.Failed():
			failed++
		case o.Result != nil && o.Result.Skipped:
			skipped++
		default:
			passed++
		}
		if o.Cached {
			cached++
		}
	}
	return
}

// Run verifies classes. Per-class failures are recorded in the report; the
// returned error is only set when ctx is canceled.
func Run(ctx context.Context, classes []Class, opts Options) (*Report, error) {
	h := opts.Hierarchy
	if h == nil {
		h = hierarchy.New()
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	report := &Report{Outcomes: make([]Outcome, len(classes))}
	parsed := make([]*classfile.ClassFile, len(classes))

	// Every class must be known to the hierarchy before any is verified.
	for i, c := range classes {
		o := &report.Outcomes[i]
		o.Path = c.Path
		cf, err := classfile.Parse(c.Data)
		if err != nil {
			o.Err = &verifier.Failure{Kind: verifier.ClassFormatError, Message: err.Error()}
			if opts.StopOnFirst {
				abandon(report, classes, i)
				return report, ctx.Err()
			}
			continue
		}
		o.Class = cf.Name()
		parsed[i] = cf
		h.Add(cf)
	}
	log.Infof("verifying %d classes with %d jobs", len(classes), jobs)

	// Verdicts depend on the hierarchy as well as the class bytes.
	var scope [32]byte
	if opts.Cache != nil {
		scope = h.Fingerprint()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := range classes {
		if parsed[i] == nil {
			continue
		}
		if gctx.Err() != nil {
			report.Outcomes[i].NotRun = true
			continue
		}
		i := i
		g.Go(func() error {
			o := &report.Outcomes[i]
			if gctx.Err() != nil {
				o.NotRun = true
				return nil
			}
			verifyOne(o, parsed[i], classes[i].Data, scope, h, opts)
			if o.Failed() && opts.StopOnFirst {
				return errStopped
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// abandon marks every class except failed as not run.
func abandon(report *Report, classes []Class, failed int) {
	for i, c := range classes {
		if i == failed {
			continue
		}
		report.Outcomes[i].Path = c.Path
		report.Outcomes[i].NotRun = true
	}
}

func verifyOne(o *Outcome, cf *classfile.ClassFile, data []byte, scope [32]byte, h *hierarchy.Registry, opts Options) {
	store := opts.Cache
	var key cache.Key
	if store != nil {
		key = cache.KeyOf(data, scope)
		v, err := store.Get(key)
		switch {
		case err == nil && (v.OK || !opts.FailureContext):
			log.Debugf("%s: cached verdict", o.Class)
			o.Result, o.Err, o.Cached = v.Result(), v.Err(), true
			return
		case err == nil:
			log.Debugf("%s: cached failure, verifying again for context", o.Class)
		case !errors.Is(err, cache.ErrNotFound):
			log.Warningf("%s: reading cache: %s", o.Class, err)
		}
	}

	o.Result, o.Err = verifier.Verify(cf, h)
	if o.Err != nil {
		log.Infof("%s: %s", o.Class, o.Err)
	} else {
		log.Debugf("%s: verified %d methods", o.Class, o.Result.Methods)
	}

	if store == nil {
		return
	}
	if v, ok := cache.NewVerdict(o.Result, o.Err); ok {
		if err := store.Put(key, v); err != nil {
			log.Warningf("%s: writing cache: %s", o.Class, err)
		}
	}
}
