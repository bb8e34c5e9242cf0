// Package storage defines the backend-agnostic warehouse repository and the
// factory registry the backends plug into.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splashelt/internal/model"
)

// Config selects and connects a storage backend.
type Config struct {
	Kind string
	DSN  string
}

// UpsertStats reports how an upsert batch landed.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// StorageError reports an unrecoverable warehouse failure: connection lost,
// constraint violation, transaction failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Repository is the warehouse interface shared by the loader and the
// transformer. Each backend implements these semantics in its own idiomatic
// way (Postgres ON CONFLICT, SQLite upsert clause, MSSQL MERGE).
//
// Transactional contract:
//   - UpsertPhotos runs one transaction per call; all rows commit or roll
//     back together.
//   - Replace* methods delete and rewrite the derived rows for the given
//     analysis date inside one transaction, making transform runs idempotent
//     per date.
type Repository interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates the warehouse tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// UpsertPhotos inserts new photos and refreshes existing ones, keyed by
	// photo id. Photos carrying a statistics snapshot also get a
	// photo_statistics row with deltas against the previous snapshot.
	UpsertPhotos(ctx context.Context, photos []model.Photo) (UpsertStats, error)

	// CreateJobRun persists a new job run row, normally status=pending.
	CreateJobRun(ctx context.Context, run *model.JobRun) error

	// StartJobRun moves a pending job run to running.
	StartJobRun(ctx context.Context, id string) error

	// FinishJobRun moves a job run to a terminal state.
	FinishJobRun(ctx context.Context, id, status string, records int, errMsg string) error

	// PhotosThrough returns all photos created up to cutoff (inclusive).
	PhotosThrough(ctx context.Context, cutoff time.Time) ([]model.Photo, error)

	// ReplaceTagMetrics rewrites tag_analysis rows for the metrics' date.
	ReplaceTagMetrics(ctx context.Context, date time.Time, rows []model.TagMetric) error

	// ReplaceCooccurrence rewrites tag_cooccurrence rows for the date.
	ReplaceCooccurrence(ctx context.Context, date time.Time, rows []model.CooccurrencePair) error

	// ReplacePhotographerMetrics rewrites photographer_analysis rows for the
	// date.
	ReplacePhotographerMetrics(ctx context.Context, date time.Time, rows []model.PhotographerMetric) error

	// UpsertDailyTrend inserts or refreshes the daily_trends row for its date.
	UpsertDailyTrend(ctx context.Context, trend model.DailyTrend) error

	// TagMetrics reads back the tag_analysis rows for a date, ordered by tag.
	TagMetrics(ctx context.Context, date time.Time) ([]model.TagMetric, error)

	// Cooccurrence reads back the tag_cooccurrence rows for a date, ordered
	// by (tag1, tag2).
	Cooccurrence(ctx context.Context, date time.Time) ([]model.CooccurrencePair, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package. Registering the
// same kind twice panics; failing fast beats ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - if cfg.Kind is empty or not registered.
//   - whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
