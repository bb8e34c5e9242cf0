package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		wantField func(t *testing.T, cfg runConfig)
	}{
		{
			name: "defaults",
			args: []string{},
			wantField: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigPath != "config.json" {
					t.Errorf("config path = %q", cfg.ConfigPath)
				}
				if cfg.LogLevel != "info" || cfg.MetricsBackend != "none" {
					t.Errorf("log/metrics = %q/%q", cfg.LogLevel, cfg.MetricsBackend)
				}
				if cfg.FlushEvery != time.Minute {
					t.Errorf("flush every = %s", cfg.FlushEvery)
				}
			},
		},
		{
			name: "overrides",
			args: []string{"-config", "elt.json", "-batch-size", "30", "-analysis-date", "2024-06-15", "-log-level", "debug"},
			wantField: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigPath != "elt.json" || cfg.BatchSize != 30 {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.AnalysisDate != "2024-06-15" || cfg.LogLevel != "debug" {
					t.Errorf("cfg = %+v", cfg)
				}
			},
		},
		{
			name:    "exclusive_modes",
			args:    []string{"-extract-only", "-transform-only"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "negative_batch",
			args:    []string{"-batch-size", "-1"},
			wantErr: "-batch-size must be >= 0",
		},
		{
			name:    "unknown_log_level",
			args:    []string{"-log-level", "trace"},
			wantErr: `unknown -log-level "trace"`,
		},
		{
			name:    "unknown_metrics_backend",
			args:    []string{"-metrics-backend", "statsd"},
			wantErr: `unknown -metrics-backend "statsd"`,
		},
		{
			name:    "help_prints_usage",
			args:    []string{"-h"},
			wantErr: "Usage of elt",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := parseFlags(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			if tc.wantField != nil {
				tc.wantField(t, cfg)
			}
		})
	}
}

// noopRepo satisfies storage.Repository for run() wiring tests.
type noopRepo struct{}

func (noopRepo) Close()                             {}
func (noopRepo) EnsureSchema(context.Context) error { return nil }
func (noopRepo) UpsertPhotos(context.Context, []model.Photo) (storage.UpsertStats, error) {
	return storage.UpsertStats{}, nil
}
func (noopRepo) CreateJobRun(_ context.Context, run *model.JobRun) error {
	run.ID = "job-1"
	return nil
}
func (noopRepo) StartJobRun(context.Context, string) error                       { return nil }
func (noopRepo) FinishJobRun(context.Context, string, string, int, string) error { return nil }
func (noopRepo) PhotosThrough(context.Context, time.Time) ([]model.Photo, error) { return nil, nil }
func (noopRepo) ReplaceTagMetrics(context.Context, time.Time, []model.TagMetric) error {
	return nil
}
func (noopRepo) ReplaceCooccurrence(context.Context, time.Time, []model.CooccurrencePair) error {
	return nil
}
func (noopRepo) ReplacePhotographerMetrics(context.Context, time.Time, []model.PhotographerMetric) error {
	return nil
}
func (noopRepo) UpsertDailyTrend(context.Context, model.DailyTrend) error { return nil }
func (noopRepo) TagMetrics(context.Context, time.Time) ([]model.TagMetric, error) {
	return nil, nil
}
func (noopRepo) Cooccurrence(context.Context, time.Time) ([]model.CooccurrencePair, error) {
	return nil, nil
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testDeps(stdout, stderr *bytes.Buffer) deps {
	return deps{
		Stdout: stdout,
		Stderr: stderr,
		OpenRepo: func(context.Context, storage.Config) (storage.Repository, error) {
			return noopRepo{}, nil
		},
		Now: func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func TestRunTransformOnlyEmptyWarehouse(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `{
		"unsplash": {"access_key": "k"},
		"storage": {"kind": "sqlite", "dsn": "photos.db"}
	}`)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path, "-transform-only"}, testDeps(&stdout, &stderr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "transform") {
		t.Errorf("stdout = %q, want a transform phase line", stdout.String())
	}
}

func TestRunBadFlags(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-batch-size", "-5"}, testDeps(&stdout, &stderr))
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunMissingConfig(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "absent.json")}, testDeps(&stdout, &stderr))
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "config") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunConfigValidationError(t *testing.T) {
	t.Setenv("UNSPLASH_ACCESS_KEY", "")

	// No access key anywhere: validation must abort before any phase runs.
	path := writeConfigFile(t, `{
		"storage": {"kind": "sqlite", "dsn": "photos.db"}
	}`)

	d := testDeps(&bytes.Buffer{}, &bytes.Buffer{})
	d.OpenRepo = func(context.Context, storage.Config) (storage.Repository, error) {
		t.Fatal("storage opened despite invalid config")
		return nil, nil
	}
	if code := run(context.Background(), []string{"-config", path}, d); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunBadAnalysisDate(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `{
		"unsplash": {"access_key": "k"},
		"storage": {"kind": "sqlite", "dsn": "photos.db"}
	}`)

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path, "-analysis-date", "June 15"}, testDeps(&bytes.Buffer{}, &stderr))
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "analysis-date") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
