// Package sqlite implements storage.Repository on SQLite via modernc.org/sqlite.
//
// SQLite has no native timestamp type, so timestamps are stored as
// RFC3339Nano strings and date keys as "YYYY-MM-DD" strings. That keeps
// round-trips reliable and the rows easy to eyeball while debugging, at the
// cost of string parsing on read.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (creating if needed) a SQLite-backed repository.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, &storage.StorageError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &storage.StorageError{Op: "ping", Err: err}
	}
	// The pipeline is a single writer; one connection avoids SQLITE_BUSY
	// between the loader's and transformer's transactions.
	db.SetMaxOpenConns(1)
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		color TEXT,
		blur_hash TEXT,
		downloads INTEGER NOT NULL DEFAULT 0,
		likes INTEGER NOT NULL DEFAULT 0,
		views INTEGER NOT NULL DEFAULT 0,
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
		extracted_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS photo_statistics (
		id TEXT PRIMARY KEY,
		photo_id TEXT NOT NULL REFERENCES photos(id),
		recorded_at TEXT NOT NULL,
		downloads INTEGER NOT NULL DEFAULT 0,
		likes INTEGER NOT NULL DEFAULT 0,
		views INTEGER NOT NULL DEFAULT 0,
		download_delta INTEGER NOT NULL DEFAULT 0,
		likes_delta INTEGER NOT NULL DEFAULT 0,
		views_delta INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS etl_jobs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		records_processed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tag_analysis (
		id TEXT PRIMARY KEY,
		tag_name TEXT NOT NULL,
		photo_count INTEGER NOT NULL DEFAULT 0,
		total_likes INTEGER NOT NULL DEFAULT 0,
		total_downloads INTEGER NOT NULL DEFAULT 0,
		avg_likes REAL NOT NULL DEFAULT 0,
		avg_downloads REAL NOT NULL DEFAULT 0,
		engagement_rate REAL NOT NULL DEFAULT 0,
		trend_score REAL NOT NULL DEFAULT 0,
		analysis_date TEXT NOT NULL,
		UNIQUE (tag_name, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS tag_cooccurrence (
		id TEXT PRIMARY KEY,
		tag1 TEXT NOT NULL,
		tag2 TEXT NOT NULL,
		cooccurrence_count INTEGER NOT NULL DEFAULT 0,
		total_likes INTEGER NOT NULL DEFAULT 0,
		analysis_date TEXT NOT NULL,
		UNIQUE (tag1, tag2, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS photographer_analysis (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		username TEXT,
		full_name TEXT,
		total_photos INTEGER NOT NULL DEFAULT 0,
		total_likes INTEGER NOT NULL DEFAULT 0,
		total_downloads INTEGER NOT NULL DEFAULT 0,
		avg_likes REAL NOT NULL DEFAULT 0,
		avg_downloads REAL NOT NULL DEFAULT 0,
		analysis_date TEXT NOT NULL,
		UNIQUE (user_id, analysis_date)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_trends (
		id TEXT PRIMARY KEY,
		trend_date TEXT NOT NULL UNIQUE,
		total_photos INTEGER NOT NULL DEFAULT 0,
		total_likes INTEGER NOT NULL DEFAULT 0,
		total_downloads INTEGER NOT NULL DEFAULT 0,
		total_views INTEGER NOT NULL DEFAULT 0,
		avg_likes REAL NOT NULL DEFAULT 0,
		avg_downloads REAL NOT NULL DEFAULT 0,
		top_tags TEXT,
		top_colors TEXT,
		created_at TEXT NOT NULL
	)`,
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return &storage.StorageError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
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
		p.ID, ts(p.CreatedAt), ts(p.UpdatedAt), p.Width, p.Height, p.Color, p.BlurHash,
		p.Downloads, p.Likes, p.Views, p.Description, p.AltDescription,
		urls, links, p.UserID, p.UserName, p.UserUsername,
		location, exif, tags, ts(p.ExtractedAt),
	}, nil
}

const upsertPhotoSQL = `
INSERT INTO photos (
	id, created_at, updated_at, width, height, color, blur_hash,
	downloads, likes, views, description, alt_description,
	urls, links, user_id, user_name, user_username,
	location, exif, tags, extracted_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
	updated_at = excluded.updated_at,
	color = excluded.color,
	blur_hash = excluded.blur_hash,
	downloads = excluded.downloads,
	likes = excluded.likes,
	views = excluded.views,
	description = excluded.description,
	alt_description = excluded.alt_description,
	urls = excluded.urls,
	links = excluded.links,
	location = excluded.location,
	exif = excluded.exif,
	tags = excluded.tags,
	extracted_at = excluded.extracted_at`

func (r *Repo) UpsertPhotos(ctx context.Context, photos []model.Photo) (storage.UpsertStats, error) {
	var stats storage.UpsertStats
	if len(photos) == 0 {
		return stats, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &storage.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, p := range photos {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM photos WHERE id = ?`, p.ID).Scan(&one)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return stats, &storage.StorageError{Op: "select existing", Err: err}
		}

		args, aerr := photoArgs(p)
		if aerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: aerr}
		}
		if _, err := tx.ExecContext(ctx, upsertPhotoSQL, args...); err != nil {
			return stats, &storage.StorageError{Op: "upsert photo", Err: err}
		}

		if exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}

		if p.Stats != nil {
			if err := insertStatistics(ctx, tx, p); err != nil {
				return stats, &storage.StorageError{Op: "insert statistics", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.UpsertStats{}, &storage.StorageError{Op: "commit", Err: err}
	}
	return stats, nil
}

func insertStatistics(ctx context.Context, tx *sql.Tx, p model.Photo) error {
	var prevD, prevL, prevV int64
	err := tx.QueryRowContext(ctx,
		`SELECT downloads, likes, views FROM photo_statistics
		 WHERE photo_id = ? ORDER BY recorded_at DESC LIMIT 1`, p.ID,
	).Scan(&prevD, &prevL, &prevV)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	s := p.Stats
	_, err = tx.ExecContext(ctx,
		`INSERT INTO photo_statistics (
			id, photo_id, recorded_at, downloads, likes, views,
			download_delta, likes_delta, views_delta
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), p.ID, ts(time.Now()),
		s.Downloads, s.Likes, s.Views,
		s.Downloads-prevD, s.Likes-prevL, s.Views-prevV,
	)
	return err
}

func (r *Repo) CreateJobRun(ctx context.Context, run *model.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO etl_jobs (id, job_name, job_type, status, started_at, records_processed, error_message)
		 VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Name, run.Type, run.Status, ts(run.StartedAt), run.RecordsProcessed, run.ErrorMessage,
	)
	if err != nil {
		return &storage.StorageError{Op: "create job run", Err: err}
	}
	return nil
}

func (r *Repo) StartJobRun(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET status=? WHERE id=?`, model.JobRunning, id)
	if err != nil {
		return &storage.StorageError{Op: "start job run", Err: err}
	}
	return nil
}

func (r *Repo) FinishJobRun(ctx context.Context, id, status string, records int, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET status=?, completed_at=?, records_processed=?, error_message=? WHERE id=?`,
		status, ts(time.Now()), records, errMsg, id,
	)
	if err != nil {
		return &storage.StorageError{Op: "finish job run", Err: err}
	}
	return nil
}

func (r *Repo) PhotosThrough(ctx context.Context, cutoff time.Time) ([]model.Photo, error) {
	end := model.TruncateToDate(cutoff).AddDate(0, 0, 1)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, color, downloads, likes, views,
		        user_id, user_name, user_username, tags
		 FROM photos WHERE created_at < ? ORDER BY created_at`, ts(end))
	if err != nil {
		return nil, &storage.StorageError{Op: "select photos", Err: err}
	}
	defer rows.Close()

	var out []model.Photo
	for rows.Next() {
		var p model.Photo
		var created, tagsText string
		if err := rows.Scan(&p.ID, &created, &p.Color, &p.Downloads, &p.Likes, &p.Views,
			&p.UserID, &p.UserName, &p.UserUsername, &tagsText); err != nil {
			return nil, &storage.StorageError{Op: "scan photo", Err: err}
		}
		p.CreatedAt = parseTS(created)
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

func (r *Repo) ReplaceTagMetrics(ctx context.Context, date time.Time, metrics []model.TagMetric) error {
	return r.replace(ctx, "tag_analysis", date, func(tx *sql.Tx) error {
		for _, m := range metrics {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tag_analysis (
					id, tag_name, photo_count, total_likes, total_downloads,
					avg_likes, avg_downloads, engagement_rate, trend_score, analysis_date
				) VALUES (?,?,?,?,?,?,?,?,?,?)`,
				uuid.NewString(), m.Tag, m.PhotoCount, m.TotalLikes, m.TotalDownloads,
				m.AvgLikes, m.AvgDownloads, m.EngagementRate, m.TrendScore, model.DateOnly(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) ReplaceCooccurrence(ctx context.Context, date time.Time, pairs []model.CooccurrencePair) error {
	return r.replace(ctx, "tag_cooccurrence", date, func(tx *sql.Tx) error {
		for _, p := range pairs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tag_cooccurrence (id, tag1, tag2, cooccurrence_count, total_likes, analysis_date)
				 VALUES (?,?,?,?,?,?)`,
				uuid.NewString(), p.Tag1, p.Tag2, p.Count, p.TotalLikes, model.DateOnly(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) ReplacePhotographerMetrics(ctx context.Context, date time.Time, rows []model.PhotographerMetric) error {
	return r.replace(ctx, "photographer_analysis", date, func(tx *sql.Tx) error {
		for _, m := range rows {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO photographer_analysis (
					id, user_id, username, full_name, total_photos,
					total_likes, total_downloads, avg_likes, avg_downloads, analysis_date
				) VALUES (?,?,?,?,?,?,?,?,?,?)`,
				uuid.NewString(), m.UserID, m.Username, m.FullName, m.TotalPhotos,
				m.TotalLikes, m.TotalDownloads, m.AvgLikes, m.AvgDownloads, model.DateOnly(date),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) replace(ctx context.Context, table string, date time.Time, insert func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE analysis_date = ?`, model.DateOnly(date)); err != nil {
		return &storage.StorageError{Op: "clear " + table, Err: err}
	}
	if err := insert(tx); err != nil {
		return &storage.StorageError{Op: "insert " + table, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &storage.StorageError{Op: "commit " + table, Err: err}
	}
	return nil
}

func (r *Repo) UpsertDailyTrend(ctx context.Context, t model.DailyTrend) error {
	topTags, err := storage.EncodeJSON(t.TopTags)
	if err != nil {
		return &storage.StorageError{Op: "encode top tags", Err: err}
	}
	topColors, err := storage.EncodeJSON(t.TopColors)
	if err != nil {
		return &storage.StorageError{Op: "encode top colors", Err: err}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO daily_trends (
			id, trend_date, total_photos, total_likes, total_downloads, total_views,
			avg_likes, avg_downloads, top_tags, top_colors, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (trend_date) DO UPDATE SET
			total_photos = excluded.total_photos,
			total_likes = excluded.total_likes,
			total_downloads = excluded.total_downloads,
			total_views = excluded.total_views,
			avg_likes = excluded.avg_likes,
			avg_downloads = excluded.avg_downloads,
			top_tags = excluded.top_tags,
			top_colors = excluded.top_colors`,
		uuid.NewString(), model.DateOnly(t.Date), t.TotalPhotos, t.TotalLikes,
		t.TotalDownloads, t.TotalViews, t.AvgLikes, t.AvgDownloads, topTags, topColors, ts(time.Now()),
	)
	if err != nil {
		return &storage.StorageError{Op: "upsert daily trend", Err: err}
	}
	return nil
}

func (r *Repo) TagMetrics(ctx context.Context, date time.Time) ([]model.TagMetric, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag_name, photo_count, total_likes, total_downloads,
		        avg_likes, avg_downloads, engagement_rate, trend_score
		 FROM tag_analysis WHERE analysis_date = ? ORDER BY tag_name`,
		model.DateOnly(date))
	if err != nil {
		return nil, &storage.StorageError{Op: "select tag metrics", Err: err}
	}
	defer rows.Close()

	var out []model.TagMetric
	for rows.Next() {
		m := model.TagMetric{AnalysisDate: model.TruncateToDate(date)}
		if err := rows.Scan(&m.Tag, &m.PhotoCount, &m.TotalLikes, &m.TotalDownloads,
			&m.AvgLikes, &m.AvgDownloads, &m.EngagementRate, &m.TrendScore); err != nil {
			return nil, &storage.StorageError{Op: "scan tag metric", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) Cooccurrence(ctx context.Context, date time.Time) ([]model.CooccurrencePair, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag1, tag2, cooccurrence_count, total_likes
		 FROM tag_cooccurrence WHERE analysis_date = ? ORDER BY tag1, tag2`,
		model.DateOnly(date))
	if err != nil {
		return nil, &storage.StorageError{Op: "select cooccurrence", Err: err}
	}
	defer rows.Close()

	var out []model.CooccurrencePair
	for rows.Next() {
		p := model.CooccurrencePair{AnalysisDate: model.TruncateToDate(date)}
		if err := rows.Scan(&p.Tag1, &p.Tag2, &p.Count, &p.TotalLikes); err != nil {
			return nil, &storage.StorageError{Op: "scan cooccurrence", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
