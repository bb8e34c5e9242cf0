// Package mssql implements storage.Repository on SQL Server via go-mssqldb.
//
// SQL Server lacks an ON CONFLICT clause; upserts run as UPDATE-then-INSERT
// inside the batch transaction, which is race-free because the pipeline is
// the only writer.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/microsoft/go-mssqldb"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New connects a SQL Server-backed repository.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, &storage.StorageError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &storage.StorageError{Op: "ping", Err: err}
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var schema = []string{
	`IF OBJECT_ID(N'photos', N'U') IS NULL
	CREATE TABLE photos (
		id NVARCHAR(64) PRIMARY KEY,
		created_at DATETIME2 NOT NULL,
		updated_at DATETIME2 NOT NULL,
		width INT NOT NULL,
		height INT NOT NULL,
		color NVARCHAR(16),
		blur_hash NVARCHAR(128),
		downloads BIGINT NOT NULL DEFAULT 0,
		likes BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		description NVARCHAR(MAX),
		alt_description NVARCHAR(MAX),
		urls NVARCHAR(MAX),
		links NVARCHAR(MAX),
		user_id NVARCHAR(64),
		user_name NVARCHAR(256),
		user_username NVARCHAR(256),
		location NVARCHAR(MAX),
		exif NVARCHAR(MAX),
		tags NVARCHAR(MAX),
		extracted_at DATETIME2 NOT NULL
	)`,
	`IF OBJECT_ID(N'photo_statistics', N'U') IS NULL
	CREATE TABLE photo_statistics (
		id NVARCHAR(36) PRIMARY KEY,
		photo_id NVARCHAR(64) NOT NULL,
		recorded_at DATETIME2 NOT NULL,
		downloads BIGINT NOT NULL DEFAULT 0,
		likes BIGINT NOT NULL DEFAULT 0,
		views BIGINT NOT NULL DEFAULT 0,
		download_delta BIGINT NOT NULL DEFAULT 0,
		likes_delta BIGINT NOT NULL DEFAULT 0,
		views_delta BIGINT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID(N'etl_jobs', N'U') IS NULL
	CREATE TABLE etl_jobs (
		id NVARCHAR(36) PRIMARY KEY,
		job_name NVARCHAR(256) NOT NULL,
		job_type NVARCHAR(50) NOT NULL,
		status NVARCHAR(50) NOT NULL,
		started_at DATETIME2 NOT NULL,
		completed_at DATETIME2,
		records_processed INT NOT NULL DEFAULT 0,
		error_message NVARCHAR(MAX)
	)`,
	`IF OBJECT_ID(N'tag_analysis', N'U') IS NULL
	CREATE TABLE tag_analysis (
		id NVARCHAR(36) PRIMARY KEY,
		tag_name NVARCHAR(256) NOT NULL,
		photo_count INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		avg_likes FLOAT NOT NULL DEFAULT 0,
		avg_downloads FLOAT NOT NULL DEFAULT 0,
		engagement_rate FLOAT NOT NULL DEFAULT 0,
		trend_score FLOAT NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		CONSTRAINT uq_tag_analysis UNIQUE (tag_name, analysis_date)
	)`,
	`IF OBJECT_ID(N'tag_cooccurrence', N'U') IS NULL
	CREATE TABLE tag_cooccurrence (
		id NVARCHAR(36) PRIMARY KEY,
		tag1 NVARCHAR(256) NOT NULL,
		tag2 NVARCHAR(256) NOT NULL,
		cooccurrence_count INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		CONSTRAINT uq_tag_cooccurrence UNIQUE (tag1, tag2, analysis_date)
	)`,
	`IF OBJECT_ID(N'photographer_analysis', N'U') IS NULL
	CREATE TABLE photographer_analysis (
		id NVARCHAR(36) PRIMARY KEY,
		user_id NVARCHAR(64) NOT NULL,
		username NVARCHAR(256),
		full_name NVARCHAR(256),
		total_photos INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		avg_likes FLOAT NOT NULL DEFAULT 0,
		avg_downloads FLOAT NOT NULL DEFAULT 0,
		analysis_date DATE NOT NULL,
		CONSTRAINT uq_photographer_analysis UNIQUE (user_id, analysis_date)
	)`,
	`IF OBJECT_ID(N'daily_trends', N'U') IS NULL
	CREATE TABLE daily_trends (
		id NVARCHAR(36) PRIMARY KEY,
		trend_date DATE NOT NULL UNIQUE,
		total_photos INT NOT NULL DEFAULT 0,
		total_likes BIGINT NOT NULL DEFAULT 0,
		total_downloads BIGINT NOT NULL DEFAULT 0,
		total_views BIGINT NOT NULL DEFAULT 0,
		avg_likes FLOAT NOT NULL DEFAULT 0,
		avg_downloads FLOAT NOT NULL DEFAULT 0,
		top_tags NVARCHAR(MAX),
		top_colors NVARCHAR(MAX),
		created_at DATETIME2 NOT NULL
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

const updatePhotoSQL = `
UPDATE photos SET
	updated_at = @p2, color = @p3, blur_hash = @p4,
	downloads = @p5, likes = @p6, views = @p7,
	description = @p8, alt_description = @p9,
	urls = @p10, links = @p11, location = @p12, exif = @p13, tags = @p14,
	extracted_at = @p15
WHERE id = @p1`

const insertPhotoSQL = `
INSERT INTO photos (
	id, created_at, updated_at, width, height, color, blur_hash,
	downloads, likes, views, description, alt_description,
	urls, links, user_id, user_name, user_username,
	location, exif, tags, extracted_at
) VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9,@p10,@p11,@p12,@p13,@p14,@p15,@p16,@p17,@p18,@p19,@p20,@p21)`

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
		urls, eerr := storage.EncodeJSON(p.URLs)
		if eerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: eerr}
		}
		links, eerr := storage.EncodeJSON(p.Links)
		if eerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: eerr}
		}
		location, eerr := storage.EncodeJSON(p.Location)
		if eerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: eerr}
		}
		exif, eerr := storage.EncodeJSON(p.Exif)
		if eerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: eerr}
		}
		tags, eerr := storage.EncodeJSON(p.Tags)
		if eerr != nil {
			return stats, &storage.StorageError{Op: "encode photo", Err: eerr}
		}

		res, err := tx.ExecContext(ctx, updatePhotoSQL,
			p.ID, p.UpdatedAt, p.Color, p.BlurHash,
			p.Downloads, p.Likes, p.Views,
			p.Description, p.AltDescription,
			urls, links, location, exif, tags, p.ExtractedAt)
		if err != nil {
			return stats, &storage.StorageError{Op: "update photo", Err: err}
		}

		n, _ := res.RowsAffected()
		if n > 0 {
			stats.Updated++
		} else {
			_, err := tx.ExecContext(ctx, insertPhotoSQL,
				p.ID, p.CreatedAt, p.UpdatedAt, p.Width, p.Height, p.Color, p.BlurHash,
				p.Downloads, p.Likes, p.Views, p.Description, p.AltDescription,
				urls, links, p.UserID, p.UserName, p.UserUsername,
				location, exif, tags, p.ExtractedAt)
			if err != nil {
				return stats, &storage.StorageError{Op: "insert photo", Err: err}
			}
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
		`SELECT TOP 1 downloads, likes, views FROM photo_statistics
		 WHERE photo_id = @p1 ORDER BY recorded_at DESC`, p.ID,
	).Scan(&prevD, &prevL, &prevV)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	s := p.Stats
	_, err = tx.ExecContext(ctx,
		`INSERT INTO photo_statistics (
			id, photo_id, recorded_at, downloads, likes, views,
			download_delta, likes_delta, views_delta
		) VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9)`,
		uuid.NewString(), p.ID, time.Now().UTC(),
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
		 VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7)`,
		run.ID, run.Name, run.Type, run.Status, run.StartedAt, run.RecordsProcessed, run.ErrorMessage,
	)
	if err != nil {
		return &storage.StorageError{Op: "create job run", Err: err}
	}
	return nil
}

func (r *Repo) StartJobRun(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET status=@p2 WHERE id=@p1`, id, model.JobRunning)
	if err != nil {
		return &storage.StorageError{Op: "start job run", Err: err}
	}
	return nil
}

func (r *Repo) FinishJobRun(ctx context.Context, id, status string, records int, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_jobs SET status=@p2, completed_at=@p3, records_processed=@p4, error_message=@p5 WHERE id=@p1`,
		id, status, time.Now().UTC(), records, errMsg,
	)
	if err != nil {
		return &storage.StorageError{Op: "finish job run", Err: err}
	}
	return nil
}

func (r *Repo) PhotosThrough(ctx context.Context, cutoff time.Time) ([]model.Photo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, color, downloads, likes, views,
		        user_id, user_name, user_username, tags
		 FROM photos WHERE created_at < @p1 ORDER BY created_at`,
		model.TruncateToDate(cutoff).AddDate(0, 0, 1))
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

func (r *Repo) ReplaceTagMetrics(ctx context.Context, date time.Time, metrics []model.TagMetric) error {
	return r.replace(ctx, "tag_analysis", date, func(tx *sql.Tx) error {
		for _, m := range metrics {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tag_analysis (
					id, tag_name, photo_count, total_likes, total_downloads,
					avg_likes, avg_downloads, engagement_rate, trend_score, analysis_date
				) VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9,@p10)`,
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

func (r *Repo) ReplaceCooccurrence(ctx context.Context, date time.Time, pairs []model.CooccurrencePair) error {
	return r.replace(ctx, "tag_cooccurrence", date, func(tx *sql.Tx) error {
		for _, p := range pairs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tag_cooccurrence (id, tag1, tag2, cooccurrence_count, total_likes, analysis_date)
				 VALUES (@p1,@p2,@p3,@p4,@p5,@p6)`,
				uuid.NewString(), p.Tag1, p.Tag2, p.Count, p.TotalLikes, model.TruncateToDate(date),
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
				) VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9,@p10)`,
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

func (r *Repo) replace(ctx context.Context, table string, date time.Time, insert func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE analysis_date = @p1`, model.TruncateToDate(date)); err != nil {
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

	res, err := r.db.ExecContext(ctx,
		`UPDATE daily_trends SET
			total_photos=@p2, total_likes=@p3, total_downloads=@p4, total_views=@p5,
			avg_likes=@p6, avg_downloads=@p7, top_tags=@p8, top_colors=@p9
		 WHERE trend_date=@p1`,
		model.TruncateToDate(t.Date), t.TotalPhotos, t.TotalLikes, t.TotalDownloads,
		t.TotalViews, t.AvgLikes, t.AvgDownloads, topTags, topColors,
	)
	if err != nil {
		return &storage.StorageError{Op: "upsert daily trend", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO daily_trends (
			id, trend_date, total_photos, total_likes, total_downloads, total_views,
			avg_likes, avg_downloads, top_tags, top_colors, created_at
		) VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8,@p9,@p10,@p11)`,
		uuid.NewString(), model.TruncateToDate(t.Date), t.TotalPhotos, t.TotalLikes,
		t.TotalDownloads, t.TotalViews, t.AvgLikes, t.AvgDownloads, topTags, topColors,
		time.Now().UTC(),
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
		 FROM tag_analysis WHERE analysis_date = @p1 ORDER BY tag_name`,
		model.TruncateToDate(date))
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
		 FROM tag_cooccurrence WHERE analysis_date = @p1 ORDER BY tag1, tag2`,
		model.TruncateToDate(date))
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
