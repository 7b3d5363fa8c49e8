package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/chazu/jverify/batch"
	"github.com/chazu/jverify/manifest"
	"github.com/chazu/jverify/verifier"
)

// printer writes one line per class and a summary.
type printer struct {
	w    io.Writer
	dump bool

	pass, fail, skip, accepted, dim *color.Color
}

func newPrinter(w io.Writer, useColor, dump bool) *printer {
	p := &printer{
		w:        w,
		dump:     dump,
		pass:     color.New(color.FgGreen, color.Bold),
		fail:     color.New(color.FgRed, color.Bold),
		skip:     color.New(color.FgYellow),
		accepted: color.New(color.FgMagenta),
		dim:      color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.pass, p.fail, p.skip, p.accepted, p.dim} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// report prints every outcome and returns the exit code: 1 when a failure
// is not accepted by baseline.
func (p *printer) report(r *batch.Report, baseline *manifest.Baseline) int {
	code := 0
	accepted := 0
	for _, o := range r.Outcomes {
		name := o.Class
		if name == "" {
			name = o.Path
		}
		suffix := ""
		if o.Cached {
			suffix = p.dim.Sprint(" (cached)")
		}

		switch {
		case o.NotRun:
			p.dim.Fprintf(p.w, "SKIP %s (not run)\n", name)
		case o.Failed():
			class, method, message := failureKey(o)
			if baseline.Accepts(class, method, message) {
				accepted++
				p.accepted.Fprint(p.w, "OK?  ")
				fmt.Fprintf(p.w, "%s: %s%s\n", name, o.Err, suffix)
				continue
			}
			code = 1
			p.fail.Fprint(p.w, "FAIL ")
			fmt.Fprintf(p.w, "%s: %s%s\n", name, o.Err, suffix)
			if f, ok := verifier.AsFailure(o.Err); ok && p.dump && f.Context != nil {
				f.Details(p.w)
			}
		case o.Result != nil && o.Result.Skipped:
			p.skip.Fprint(p.w, "SKIP ")
			fmt.Fprintf(p.w, "%s: class file predates stack maps%s\n", name, suffix)
		default:
			p.pass.Fprint(p.w, "OK   ")
			fmt.Fprintf(p.w, "%s (%d methods)%s\n", name, o.Result.Methods, suffix)
		}
	}

	passed, failed, skipped, cached := r.Counts()
	fmt.Fprintf(p.w, "\n%d passed, %d failed", passed, failed-accepted)
	if accepted > 0 {
		fmt.Fprintf(p.w, ", %d accepted", accepted)
	}
	if skipped > 0 {
		fmt.Fprintf(p.w, ", %d skipped", skipped)
	}
	if cached > 0 {
		fmt.Fprintf(p.w, " (%d from cache)", cached)
	}
	fmt.Fprintln(p.w)
	return code
}
