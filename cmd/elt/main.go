// Command elt runs the photo metadata pipeline: extract from the Unsplash
// API, load into the warehouse, and recompute the analytical aggregates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"splashelt/internal/config"
	"splashelt/internal/extract"
	"splashelt/internal/load"
	"splashelt/internal/metrics"
	"splashelt/internal/metrics/datadog"
	"splashelt/internal/pipeline"
	"splashelt/internal/storage"
	_ "splashelt/internal/storage/all"
	"splashelt/internal/transform"
	"splashelt/internal/unsplash"
)

// backendCloser is the minimal interface used by this command to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	OpenRepo       func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	Now            func() time.Time
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath    string
	BatchSize     int
	MaxBatches    int
	ExtractOnly   bool
	TransformOnly bool
	AnalysisDate  string
	LogLevel      string

	MetricsBackend string
	DDTagsCSV      string
	FlushEvery     time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		OpenRepo: storage.New,
		Now:      time.Now,
	})
	os.Exit(code)
}

// run executes the pipeline command and returns an exit code.
//
// Exit codes:
//   - 0: all selected phases succeeded.
//   - 1: a phase failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OpenRepo == nil {
		d.OpenRepo = storage.New
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 2
	}
	if cfg.BatchSize > 0 {
		appCfg.Unsplash.BatchSize = cfg.BatchSize
	}
	if cfg.MaxBatches > 0 {
		appCfg.Unsplash.MaxBatches = cfg.MaxBatches
	}

	fatal := false
	for _, issue := range config.Validate(appCfg) {
		fmt.Fprintf(d.Stderr, "config %s: %s: %s\n", issue.Severity, issue.Path, issue.Message)
		if issue.Severity == config.SeverityError {
			fatal = true
		}
	}
	if fatal {
		return 2
	}

	analysisDate := d.Now().UTC()
	if cfg.AnalysisDate != "" {
		analysisDate, err = time.Parse("2006-01-02", cfg.AnalysisDate)
		if err != nil {
			fmt.Fprintf(d.Stderr, "invalid -analysis-date %q (want YYYY-MM-DD)\n", cfg.AnalysisDate)
			return 2
		}
	}

	if cfg.MetricsBackend == "datadog" {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:elt")
		backend, err := d.BackendFactory(ctx, "photo_elt", tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	repo, err := d.OpenRepo(ctx, storage.Config{
		Kind: appCfg.Storage.Kind,
		DSN:  appCfg.Storage.DSN,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "storage: %v\n", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "storage: %v\n", err)
		return 2
	}

	client := unsplash.NewClient(appCfg.Unsplash)
	runner := pipeline.NewRunner(
		repo,
		extract.New(client, appCfg.Unsplash),
		load.New(repo),
		transform.New(repo, appCfg.Transform),
		transform.NewDbtRunner(appCfg.Dbt),
	)

	report, err := runner.Run(ctx, pipeline.Options{
		ExtractOnly:   cfg.ExtractOnly,
		TransformOnly: cfg.TransformOnly,
		AnalysisDate:  analysisDate,
	})
	printReport(d.Stdout, report)
	if err != nil {
		fmt.Fprintf(d.Stderr, "pipeline: %v\n", err)
		return 1
	}
	return 0
}

func printReport(w io.Writer, rep pipeline.Report) {
	for _, p := range rep.Phases {
		fmt.Fprintf(w, "%-9s %-9s %d record(s) in %s\n",
			p.Phase, p.Status, p.Records, p.Duration.Round(time.Millisecond))
	}
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("elt", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "config.json", "Path to the pipeline config file")
	fs.IntVar(&cfg.BatchSize, "batch-size", 0, "Override photos per API page (0 uses the config value)")
	fs.IntVar(&cfg.MaxBatches, "max-batches", 0, "Override max pages to fetch (0 uses the config value)")
	fs.BoolVar(&cfg.ExtractOnly, "extract-only", false, "Run extract and load, skip the transform phase")
	fs.BoolVar(&cfg.TransformOnly, "transform-only", false, "Skip extract and load, only recompute aggregates")
	fs.StringVar(&cfg.AnalysisDate, "analysis-date", "", "Analysis date YYYY-MM-DD (default: today UTC)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: info or debug")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "none", "Metrics backend: none or datadog")
	fs.StringVar(&cfg.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:elt)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.ExtractOnly && cfg.TransformOnly {
		return runConfig{}, errors.New("-extract-only and -transform-only are mutually exclusive")
	}
	if cfg.BatchSize < 0 {
		return runConfig{}, errors.New("-batch-size must be >= 0")
	}
	if cfg.MaxBatches < 0 {
		return runConfig{}, errors.New("-max-batches must be >= 0")
	}
	switch cfg.LogLevel {
	case "info", "debug":
	default:
		return runConfig{}, fmt.Errorf("unknown -log-level %q", cfg.LogLevel)
	}
	switch cfg.MetricsBackend {
	case "none", "datadog":
	default:
		return runConfig{}, fmt.Errorf("unknown -metrics-backend %q", cfg.MetricsBackend)
	}

	return cfg, nil
}
