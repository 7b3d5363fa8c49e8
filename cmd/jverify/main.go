// jverify checks JVM class files against the frames declared in their
// StackMapTable attributes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/jverify/batch"
	"github.com/chazu/jverify/cache"
	"github.com/chazu/jverify/hierarchy"
	"github.com/chazu/jverify/manifest"
	"github.com/chazu/jverify/verifier"
)

var log = commonlog.GetLogger("jverify")

const defaultBaseline = "jverify-baseline.toml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit. It returns 0 when every class
// verified, 1 when any did not, and 2 on usage or setup errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "dis":
			return runDis(args[1:], stdout, stderr)
		case "demo":
			return runDemo(ctx, args[1:], stdout, stderr)
		}
	}

	fs := flag.NewFlagSet("jverify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbosity := fs.Int("v", 0, "Log verbosity (1 info, 2 debug)")
	jobs := fs.Int("j", 0, "Concurrent verifications (default from jverify.toml, else CPU count)")
	cacheBackend := fs.String("cache", "", "Verdict cache: none, memory, cbor, sqlite")
	cachePath := fs.String("cache-path", "", "Verdict cache location")
	classpath := fs.String("cp", "", "Extra class directories for the hierarchy, separated by "+string(os.PathListSeparator))
	stopOnFirst := fs.Bool("stop", false, "Stop after the first failing class")
	lenient := fs.Bool("lenient", false, "Treat unknown classes as plain subclasses of java/lang/Object")
	dump := fs.Bool("dump", false, "Print full failure details")
	useColor := fs.Bool("color", true, "Colorize output")
	watch := fs.Bool("watch", false, "Re-verify when class files change")
	baselinePath := fs.String("baseline", "", "Baseline file of accepted failures")
	writeBaseline := fs.Bool("write-baseline", false, "Accept every current failure into the baseline file")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jverify [options] <class files or dirs...>\n")
		fmt.Fprintf(stderr, "       jverify dis <class file> [method]\n")
		fmt.Fprintf(stderr, "       jverify demo\n\n")
		fmt.Fprintf(stderr, "Verifies JVM class files against their StackMapTable frames.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  jverify build/classes                 # Verify every .class under build/classes\n")
		fmt.Fprintf(stderr, "  jverify -cp lib -dump Foo.class       # Resolve against lib/, show details\n")
		fmt.Fprintf(stderr, "  jverify -cache sqlite -watch out/     # Cache verdicts, re-run on change\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	commonlog.Configure(*verbosity, nil)

	paths := fs.Args()
	if len(paths) == 0 {
		fs.Usage()
		return 2
	}

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if m == nil {
		m = manifest.Default()
	}

	// Flags given on the command line override the manifest.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "j":
			m.Verify.Jobs = *jobs
		case "cache":
			if *cacheBackend != m.Cache.Backend {
				m.Cache.Backend = *cacheBackend
				m.Cache.Path = ""
			}
		case "cache-path":
			m.Cache.Path = *cachePath
		case "cp":
			m.Verify.Classpath = append(m.Verify.Classpath, filepath.SplitList(*classpath)...)
		case "stop":
			m.Verify.StopOnFirst = *stopOnFirst
		case "lenient":
			m.Verify.Lenient = *lenient
		case "dump":
			m.Output.DumpContext = *dump
		case "color":
			m.Output.Color = *useColor
		case "baseline":
			m.Verify.Baseline = *baselinePath
		}
	})
	if m.Cache.Path == "" {
		m.Cache.Path = manifest.DefaultCachePath(m.Cache.Backend)
	}

	store, err := cache.Open(m.Cache.Backend, m.CachePath())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if store != nil {
		defer store.Close()
	}

	baseline, err := loadBaseline(m)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	p := newPrinter(stdout, m.Output.Color, m.Output.DumpContext)
	once := func() int {
		report, err := verifyPaths(ctx, paths, m, store)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if *writeBaseline {
			return writeBaselineFile(m, report, stdout, stderr)
		}
		return p.report(report, baseline)
	}

	code := once()
	if !*watch || code == 2 {
		return code
	}
	if err := watchPaths(ctx, paths, func() { code = once() }); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return code
}

// newHierarchy seeds a registry with the manifest's classpath directories.
func newHierarchy(m *manifest.Manifest) (*hierarchy.Registry, error) {
	h := hierarchy.New()
	h.SetLenient(m.Verify.Lenient)
	for _, dir := range m.ClasspathPaths() {
		n, err := h.AddDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading classpath %s: %w", dir, err)
		}
		log.Infof("loaded %d classes from %s", n, dir)
	}
	return h, nil
}

func verifyPaths(ctx context.Context, paths []string, m *manifest.Manifest, store cache.Store) (*batch.Report, error) {
	classes, err := batch.Collect(paths...)
	if err != nil {
		return nil, err
	}
	h, err := newHierarchy(m)
	if err != nil {
		return nil, err
	}
	return batch.Run(ctx, classes, batch.Options{
		Jobs:           m.Verify.Jobs,
		StopOnFirst:    m.Verify.StopOnFirst,
		Hierarchy:      h,
		Cache:          store,
		FailureContext: m.Output.DumpContext,
	})
}

func loadBaseline(m *manifest.Manifest) (*manifest.Baseline, error) {
	path := m.BaselinePath()
	if path == "" {
		return nil, nil
	}
	return manifest.ReadBaseline(path)
}

func writeBaselineFile(m *manifest.Manifest, report *batch.Report, stdout, stderr io.Writer) int {
	path := m.BaselinePath()
	if path == "" {
		path = defaultBaseline
	}
	b := &manifest.Baseline{}
	for _, o := range report.Failures() {
		class, method, message := failureKey(o)
		b.Add(class, method, message)
	}
	if err := manifest.WriteBaseline(path, b); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "Wrote %d accepted failures to %s\n", len(b.Accepted), path)
	return 0
}

// failureKey identifies a failed outcome for the baseline. Classes that
// could not be parsed are keyed by path.
func failureKey(o batch.Outcome) (class, method, message string) {
	class = o.Class
	if class == "" {
		class = strings.TrimSuffix(filepath.ToSlash(o.Path), ".class")
	}
	if f, ok := verifier.AsFailure(o.Err); ok {
		return class, f.Method, f.Message
	}
	return class, "", o.Err.Error()
}
