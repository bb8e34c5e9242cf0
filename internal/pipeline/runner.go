// Package pipeline sequences the extract, load, and transform phases and
// reports per-phase outcomes.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"splashelt/internal/load"
	"splashelt/internal/metrics"
	"splashelt/internal/model"
	"splashelt/internal/storage"
	"splashelt/internal/transform"
)

// Extractor pulls photo records from the source API.
type Extractor interface {
	Extract(ctx context.Context) ([]model.Photo, error)
}

// Loader persists photo records.
type Loader interface {
	Load(ctx context.Context, jobName string, photos []model.Photo) (load.Result, error)
}

// Transformer recomputes warehouse aggregates.
type Transformer interface {
	Run(ctx context.Context, jobName string, date time.Time) (transform.Result, error)
}

// Declarative runs an external model layer (dbt) after the aggregates.
type Declarative interface {
	Run(ctx context.Context) error
}

// Options select which phases run and for which date.
type Options struct {
	// ExtractOnly stops after extract+load; TransformOnly skips them. Setting
	// both is rejected.
	ExtractOnly   bool
	TransformOnly bool

	// AnalysisDate is the date the transform phase recomputes. Zero means
	// today (UTC).
	AnalysisDate time.Time
}

// Phase names as used in reports, job rows, and metrics.
const (
	PhaseExtract   = "extract"
	PhaseLoad      = "load"
	PhaseTransform = "transform"
)

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Phase    string
	Status   string // model.JobSucceeded or model.JobFailed
	Records  int
	Duration time.Duration
	Err      error
}

// Report collects phase results for one pipeline run.
type Report struct {
	Phases []PhaseResult
}

// Failed reports whether any phase failed.
func (r Report) Failed() bool {
	for _, p := range r.Phases {
		if p.Status == model.JobFailed {
			return true
		}
	}
	return false
}

// Runner wires the phases together over one storage backend.
type Runner struct {
	repo        storage.Repository
	extractor   Extractor
	loader      Loader
	transformer Transformer
	declarative Declarative

	now func() time.Time
}

func NewRunner(repo storage.Repository, e Extractor, l Loader, t Transformer, d Declarative) *Runner {
	return &Runner{
		repo:        repo,
		extractor:   e,
		loader:      l,
		transformer: t,
		declarative: d,
		now:         time.Now,
	}
}

// Run executes the selected phases in order: extract, load, transform. A phase
// failure stops the run; later phases never see partial upstream state beyond
// what was durably loaded.
//
// Edge cases: when extract fails after fetching some records, those records
// are still loaded before the run stops, so quota spent on them is not wasted.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.ExtractOnly && opts.TransformOnly {
		return Report{}, fmt.Errorf("extract-only and transform-only are mutually exclusive")
	}

	date := opts.AnalysisDate
	if date.IsZero() {
		date = r.now().UTC()
	}

	var rep Report

	if !opts.TransformOnly {
		photos, extractErr := r.runExtract(ctx, &rep)

		if len(photos) > 0 || extractErr == nil {
			if err := r.runLoad(ctx, &rep, photos); err != nil {
				return rep, err
			}
		}
		if extractErr != nil {
			return rep, extractErr
		}
	}

	if !opts.ExtractOnly {
		if err := r.runTransform(ctx, &rep, date); err != nil {
			return rep, err
		}
	}

	r.logSummary(rep)
	return rep, nil
}

func (r *Runner) runExtract(ctx context.Context, rep *Report) ([]model.Photo, error) {
	run := &model.JobRun{
		Name:      "unsplash_extract",
		Type:      model.JobExtract,
		Status:    model.JobPending,
		StartedAt: r.now().UTC(),
	}
	if err := r.repo.CreateJobRun(ctx, run); err != nil {
		rep.Phases = append(rep.Phases, PhaseResult{Phase: PhaseExtract, Status: model.JobFailed, Err: err})
		return nil, err
	}
	if err := r.repo.StartJobRun(ctx, run.ID); err != nil {
		rep.Phases = append(rep.Phases, PhaseResult{Phase: PhaseExtract, Status: model.JobFailed, Err: err})
		return nil, err
	}

	start := r.now()
	photos, err := r.extractor.Extract(ctx)
	dur := r.now().Sub(start)

	status := model.JobSucceeded
	errMsg := ""
	if err != nil {
		status = model.JobFailed
		errMsg = err.Error()
		log.Printf("pipeline: extract failed after %d record(s): %v", len(photos), err)
	}
	_ = r.repo.FinishJobRun(ctx, run.ID, status, len(photos), errMsg)

	rep.Phases = append(rep.Phases, PhaseResult{
		Phase: PhaseExtract, Status: status, Records: len(photos), Duration: dur, Err: err,
	})
	metrics.RecordPhase(PhaseExtract, status, len(photos), dur)
	return photos, err
}

func (r *Runner) runLoad(ctx context.Context, rep *Report, photos []model.Photo) error {
	start := r.now()
	res, err := r.loader.Load(ctx, "photo_load", photos)
	dur := r.now().Sub(start)

	status := model.JobSucceeded
	if err != nil {
		status = model.JobFailed
	}
	rep.Phases = append(rep.Phases, PhaseResult{
		Phase: PhaseLoad, Status: status, Records: res.Total(), Duration: dur, Err: err,
	})
	metrics.RecordPhase(PhaseLoad, status, res.Total(), dur)
	return err
}

func (r *Runner) runTransform(ctx context.Context, rep *Report, date time.Time) error {
	start := r.now()
	res, err := r.transformer.Run(ctx, "photo_analysis", date)
	if err == nil && r.declarative != nil {
		err = r.declarative.Run(ctx)
	}
	dur := r.now().Sub(start)

	status := model.JobSucceeded
	if err != nil {
		status = model.JobFailed
	}
	rep.Phases = append(rep.Phases, PhaseResult{
		Phase: PhaseTransform, Status: status, Records: res.Photos, Duration: dur, Err: err,
	})
	metrics.RecordPhase(PhaseTransform, status, res.Photos, dur)
	return err
}

func (r *Runner) logSummary(rep Report) {
	for _, p := range rep.Phases {
		log.Printf("pipeline: %-9s %s: %d record(s) in %s", p.Phase, p.Status, p.Records, p.Duration.Round(time.Millisecond))
	}
}
