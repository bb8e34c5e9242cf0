// Package load writes extracted photo records into the warehouse, wrapping
// each batch in an etl_jobs audit row.
package load

import (
	"context"
	"fmt"
	"log"
	"time"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

// Result summarizes one load run.
type Result struct {
	Inserted int
	Updated  int
	Failed   int
}

// Total is the number of records that reached the warehouse.
func (r Result) Total() int { return r.Inserted + r.Updated }

// Loader validates and upserts photo batches.
type Loader struct {
	repo storage.Repository
	now  func() time.Time
}

func New(repo storage.Repository) *Loader {
	return &Loader{repo: repo, now: time.Now}
}

// Load validates photos, upserts the valid ones in one batch, and brackets the
// work with an etl_jobs row named jobName.
//
// Invalid records (empty id, zero created_at) are skipped and counted in
// Result.Failed rather than failing the batch; a storage failure aborts the
// run and is returned as a *storage.StorageError.
//
// Edge cases: an empty input is a successful no-op run, still recorded in
// etl_jobs.
func (l *Loader) Load(ctx context.Context, jobName string, photos []model.Photo) (Result, error) {
	run := &model.JobRun{
		Name:      jobName,
		Type:      model.JobLoad,
		Status:    model.JobPending,
		StartedAt: l.now().UTC(),
	}
	if err := l.repo.CreateJobRun(ctx, run); err != nil {
		return Result{}, err
	}
	if err := l.repo.StartJobRun(ctx, run.ID); err != nil {
		return Result{}, err
	}

	var res Result
	valid := make([]model.Photo, 0, len(photos))
	for _, p := range photos {
		if err := validate(p); err != nil {
			log.Printf("load: skipping record: %v", err)
			res.Failed++
			continue
		}
		valid = append(valid, p)
	}

	stats, err := l.repo.UpsertPhotos(ctx, valid)
	if err != nil {
		_ = l.repo.FinishJobRun(ctx, run.ID, model.JobFailed, 0, err.Error())
		return res, err
	}
	res.Inserted = stats.Inserted
	res.Updated = stats.Updated

	if err := l.repo.FinishJobRun(ctx, run.ID, model.JobSucceeded, res.Total(), ""); err != nil {
		return res, err
	}

	log.Printf("load: %d inserted, %d updated, %d failed", res.Inserted, res.Updated, res.Failed)
	return res, nil
}

func validate(p model.Photo) error {
	if p.ID == "" {
		return fmt.Errorf("photo has no id")
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("photo %s has no created_at", p.ID)
	}
	return nil
}
