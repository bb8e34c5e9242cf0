// Package postgres implements storage.Repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

// Repo implements storage.Repository for Postgres. Upserts use
// INSERT ... ON CONFLICT; derived-mart replaces run DELETE+INSERT inside a
// transaction.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New connects a Postgres-backed repository.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, &storage.StorageError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.StorageError{Op: "ping", Err: err}
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		width INT NOT NULL,
		height INT NOT NULL,
		color TEXT,
		blur_hash TEXT,
		downloads BIGINT NOT NULL DEFAULT 0,
		likes BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		description TEXT,
		alt_description TEXT,
		urls TEXT,
		links TEXT,
		user_id TEXT,
		user_name TEXT,
		user_username TEXT,
		location TEXT,
		exif TEXT,
		tags TEXT,
		extracted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS photo_statistics (
		id TEXT PRIMARY KEY,
		photo_id TEXT NOT NULL REFERENCES photos(id),
		recorded_at TIMESTAMPTZ NOT NULL,
		downloads BIGINT NOT NULL DEFAULT 0,
		likes BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		download_delta BIGINT NOT NULL DEFAULT 0,
		likes_delta BIGINT NOT NULL DEFAULT 0,
		views_delta BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS etl_jobs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		records_processed INT NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tag_analysis (
		id TEXT PRIMARY KEY,
		tag_name TEXT NOT NULL,
		photo_count INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		avg_likes DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_downloads DOUBLE PRECISION NOT NULL DEFAULT 0,
		engagement_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		trend_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		UNIQUE (tag_name, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS tag_cooccurrence (
		id TEXT PRIMARY KEY,
		tag1 TEXT NOT NULL,
		tag2 TEXT NOT NULL,
		cooccurrence_count INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		UNIQUE (tag1, tag2, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS photographer_analysis (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		username TEXT,
		full_name TEXT,
		total_photos INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		avg_likes DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_downloads DOUBLE PRECISION NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		UNIQUE (user_id, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_trends (
		id TEXT PRIMARY KEY,
		trend_date DATE NOT NULL UNIQUE,
		total_photos INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		total_views BIGINT NOT NULL DEFAULT 0,
		avg_likes DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_downloads DOUBLE PRECISION NOT NULL DEFAULT 0,
		top_tags TEXT,
		top_colors TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the warehouse tables if they do not exist. Idempotent;
// safe to run at every pipeline start.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return &storage.StorageError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

const upsertPhotoSQL = `
INSERT INTO photos (
	id, created_at, updated_at, width, height, color, blur_hash,
	downloads, likes, views, description, alt_description,
	urls, links, user_id, user_name, user_username,
	location, exif, tags, extracted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (id) DO UPDATE SET
	updated_at = EXCLUDED.updated_at,
	color = EXCLUDED.color,
	blur_hash = EXCLUDED.blur_hash,
	downloads = EXCLUDED.downloads,
	likes = EXCLUDED.likes,
	views = EXCLUDED.views,
	description = EXCLUDED.description,
	alt_description = EXCLUDED.alt_description,
	urls = EXCLUDED.urls,
	links = EXCLUDED.links,
	location = EXCLUDED.location,
	exif = EXCLUDED.exif,
	tags = EXCLUDED.tags,
	extracted_at = EXCLUDED.extracted_at`

// UpsertPhotos writes the batch in one transaction. Counter columns of
// existing rows are refreshed; photos carrying a statistics snapshot also get
// a photo_statistics row with deltas against the previous snapshot.
func (r *Repo) UpsertPhotos(ctx context.Context, photos []model.Photo) (storage.UpsertStats, error) {
	var stats storage.UpsertStats
	if len(photos) == 0 {
		return stats, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, &storage.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(photos))
	for i, p := range photos {
		ids[i] = p.ID
	}
	existing, err := existingIDs(ctx, tx, ids)
	if err != nil {
		return stats, &storage.StorageError{Op: "select existing", Err: err}
	}

	for _, p := range photos {
		args, aerr := photoArgs(p)
		if aerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: aerr}
		}
		if _, err := tx.Exec(ctx, upsertPhotoSQL, args...); err != nil {
			return stats, &storage.StorageError{Op: "upsert photo", Err: err}
		}
		if existing[p.ID] {
			stats.Updated++
		} else {
			stats.Inserted++
			// A repeated id later in the batch hits the row just written.
			existing[p.ID] = true
		}

		if p.Stats != nil {
			if err := insertStatistics(ctx, tx, p); err != nil {
				return stats, &storage.StorageError{Op: "insert statistics", Err: err}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.UpsertStats{}, &storage.StorageError{Op: "commit", Err: err}
	}
	return stats, nil
}

func existingIDs(ctx context.Context, tx pgx.Tx, ids []string) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM photos WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func photoArgs(p model.Photo) ([]any, error) {
	urls, err := storage.EncodeJSON(p.URLs)
	if err != nil {
		return nil, err
	}
	links, err := storage.EncodeJSON(p.Links)
	if err != nil {
		return nil, err
	}
	location, err := storage.EncodeJSON(p.Location)
	if err != nil {
		return nil, err
	}
	exif, err := storage.EncodeJSON(p.Exif)
	if err != nil {
		return nil, err
	}
	tags, err := storage.EncodeJSON(p.Tags)
	if err != nil {
		return nil, err
	}

	return []any{
		p.ID, p.CreatedAt, p.UpdatedAt, p.Width, p.Height, p.Color, p.BlurHash,
		p.Downloads, p.Likes, p.Views, p.Description, p.AltDescription,
		urls, links, p.UserID, p.UserName, p.UserUsername,
		location, exif, tags, p.ExtractedAt,
	}, nil
}

func insertStatistics(ctx context.Context, tx pgx.Tx, p model.Photo) error {
	var prevD, prevL, prevV int64
	err := tx.QueryRow(ctx,
		`SELECT downloads, likes, views FROM photo_statistics
		 WHERE photo_id = $1 ORDER BY recorded_at DESC LIMIT 1`, p.ID,
	).Scan(&prevD, &prevL, &prevV)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}

	s := p.Stats
	_, err = tx.Exec(ctx,
		`INSERT INTO photo_statistics (
			id, photo_id, recorded_at, downloads, likes, views,
			download_delta, likes_delta, views_delta
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		uuid.NewString(), p.ID, time.Now().UTC(),
		s.Downloads, s.Likes, s.Views,
		s.Downloads-prevD, s.Likes-prevL, s.Views-prevV,
	)
	return err
}

// CreateJobRun persists a new etl_jobs row.
func (r *Repo) CreateJobRun(ctx context.Context, run *model.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO etl_jobs (id, job_name, job_type, status, started_at, records_processed, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.ID, run.Name, run.Type, run.Status, run.StartedAt, run.RecordsProcessed, run.ErrorMessage,
	)
	if err != nil {
		return &storage.StorageError{Op: "create job run", Err: err}
	}
	return nil
}

// StartJobRun moves a pending job run to running.
func (r *Repo) StartJobRun(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE etl_jobs SET status=$2 WHERE id=$1`, id, model.JobRunning)
	if err != nil {
		return &storage.StorageError{Op: "start job run", Err: err}
	}
	return nil
}

// FinishJobRun marks a job run terminal.
func (r *Repo) FinishJobRun(ctx context.Context, id, status string, records int, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE etl_jobs SET status=$2, completed_at=$3, records_processed=$4, error_message=$5 WHERE id=$1`,
		id, status, time.Now().UTC(), records, errMsg,
	)
	if err != nil {
		return &storage.StorageError{Op: "finish job run", Err: err}
	}
	return nil
}

// PhotosThrough returns all photos created up to cutoff (inclusive), with the
// fields the transformer aggregates over.
func (r *Repo) PhotosThrough(ctx context.Context, cutoff time.Time) ([]model.Photo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, created_at, color, downloads, likes, views,
		        user_id, user_name, user_username, tags
		 FROM photos WHERE created_at < $1 ORDER BY created_at`,
		model.TruncateToDate(cutoff).AddDate(0, 0, 1),
	)
	if err != nil {
		return nil, &storage.StorageError{Op: "select photos", Err: err}
	}
	defer rows.Close()

	var out []model.Photo
	for rows.Next() {
		var p model.Photo
		var tagsText string
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.Color, &p.Downloads, &p.Likes, &p.Views,
			&p.UserID, &p.UserName, &p.UserUsername, &tagsText); err != nil {
			return nil, &storage.StorageError{Op: "scan photo", Err: err}
		}
		if err := storage.DecodeJSON(tagsText, &p.Tags); err != nil {
			return nil, &storage.StorageError{Op: "decode tags", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "select photos", Err: err}
	}
	return out, nil
}

// ReplaceTagMetrics rewrites the tag_analysis rows for date in one
// transaction.
func (r *Repo) ReplaceTagMetrics(ctx context.Context, date time.Time, metrics []model.TagMetric) error {
	return r.replace(ctx, "tag_analysis", date, len(metrics), func(tx pgx.Tx) error {
		for _, m := range metrics {
			_, err := tx.Exec(ctx,
				`INSERT INTO tag_analysis (
					id, tag_name, photo_count, total_likes, total_downloads,
					avg_likes, avg_downloads, engagement_rate, trend_score, analysis_date
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				uuid.NewString(), m.Tag, m.PhotoCount, m.TotalLikes, m.TotalDownloads,
				m.AvgLikes, m.AvgDownloads, m.EngagementRate, m.TrendScore, model.TruncateToDate(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceCooccurrence rewrites the tag_cooccurrence rows for date.
func (r *Repo) ReplaceCooccurrence(ctx context.Context, date time.Time, pairs []model.CooccurrencePair) error {
	return r.replace(ctx, "tag_cooccurrence", date, len(pairs), func(tx pgx.Tx) error {
		for _, p := range pairs {
			_, err := tx.Exec(ctx,
				`INSERT INTO tag_cooccurrence (id, tag1, tag2, cooccurrence_count, total_likes, analysis_date)
				 VALUES ($1,$2,$3,$4,$5,$6)`,
				uuid.NewString(), p.Tag1, p.Tag2, p.Count, p.TotalLikes, model.TruncateToDate(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplacePhotographerMetrics rewrites the photographer_analysis rows for date.
func (r *Repo) ReplacePhotographerMetrics(ctx context.Context, date time.Time, rows []model.PhotographerMetric) error {
	return r.replace(ctx, "photographer_analysis", date, len(rows), func(tx pgx.Tx) error {
		for _, m := range rows {
			_, err := tx.Exec(ctx,
				`INSERT INTO photographer_analysis (
					id, user_id, username, full_name, total_photos,
					total_likes, total_downloads, avg_likes, avg_downloads, analysis_date
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				uuid.NewString(), m.UserID, m.Username, m.FullName, m.TotalPhotos,
				m.TotalLikes, m.TotalDownloads, m.AvgLikes, m.AvgDownloads, model.TruncateToDate(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// replace deletes the derived rows for date and reinserts inside one
// transaction. Running a transform twice for the same date therefore yields
// identical rows, not duplicates.
func (r *Repo) replace(ctx context.Context, table string, date time.Time, n int, insert func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return &storage.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE analysis_date = $1`, model.TruncateToDate(date)); err != nil {
		return &storage.StorageError{Op: "clear " + table, Err: err}
	}
	if err := insert(tx); err != nil {
		return &storage.StorageError{Op: "insert " + table, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &storage.StorageError{Op: "commit " + table, Err: err}
	}
	return nil
}

// UpsertDailyTrend inserts or refreshes the daily_trends row for its date.
func (r *Repo) UpsertDailyTrend(ctx context.Context, t model.DailyTrend) error {
	topTags, err := storage.EncodeJSON(t.TopTags)
	if err != nil {
		return &storage.StorageError{Op: "encode top tags", Err: err}
	}
	topColors, err := storage.EncodeJSON(t.TopColors)
	if err != nil {
		return &storage.StorageError{Op: "encode top colors", Err: err}
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO daily_trends (
			id, trend_date, total_photos, total_likes, total_downloads, total_views,
			avg_likes, avg_downloads, top_tags, top_colors, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (trend_date) DO UPDATE SET
			total_photos = EXCLUDED.total_photos,
			total_likes = EXCLUDED.total_likes,
			total_downloads = EXCLUDED.total_downloads,
			total_views = EXCLUDED.total_views,
			avg_likes = EXCLUDED.avg_likes,
			avg_downloads = EXCLUDED.avg_downloads,
			top_tags = EXCLUDED.top_tags,
			top_colors = EXCLUDED.top_colors`,
		uuid.NewString(), model.TruncateToDate(t.Date), t.TotalPhotos, t.TotalLikes,
		t.TotalDownloads, t.TotalViews, t.AvgLikes, t.AvgDownloads, topTags, topColors,
		time.Now().UTC(),
	)
	if err != nil {
		return &storage.StorageError{Op: "upsert daily trend", Err: err}
	}
	return nil
}

// TagMetrics reads back the tag_analysis rows for date, ordered by tag name.
func (r *Repo) TagMetrics(ctx context.Context, date time.Time) ([]model.TagMetric, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tag_name, photo_count, total_likes, total_downloads,
		        avg_likes, avg_downloads, engagement_rate, trend_score, analysis_date
		 FROM tag_analysis WHERE analysis_date = $1 ORDER BY tag_name`,
		model.TruncateToDate(date),
	)
	if err != nil {
		return nil, &storage.StorageError{Op: "select tag metrics", Err: err}
	}
	defer rows.Close()

	var out []model.TagMetric
	for rows.Next() {
		var m model.TagMetric
		if err := rows.Scan(&m.Tag, &m.PhotoCount, &m.TotalLikes, &m.TotalDownloads,
			&m.AvgLikes, &m.AvgDownloads, &m.EngagementRate, &m.TrendScore, &m.AnalysisDate); err != nil {
			return nil, &storage.StorageError{Op: "scan tag metric", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cooccurrence reads back the tag_cooccurrence rows for date, ordered by
// (tag1, tag2).
func (r *Repo) Cooccurrence(ctx context.Context, date time.Time) ([]model.CooccurrencePair, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tag1, tag2, cooccurrence_count, total_likes, analysis_date
		 FROM tag_cooccurrence WHERE analysis_date = $1 ORDER BY tag1, tag2`,
		model.TruncateToDate(date),
	)
	if err != nil {
		return nil, &storage.StorageError{Op: "select cooccurrence", Err: err}
	}
	defer rows.Close()

	var out []model.CooccurrencePair
	for rows.Next() {
		var p model.CooccurrencePair
		if err := rows.Scan(&p.Tag1, &p.Tag2, &p.Count, &p.TotalLikes, &p.AnalysisDate); err != nil {
			return nil, &storage.StorageError{Op: "scan cooccurrence", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
