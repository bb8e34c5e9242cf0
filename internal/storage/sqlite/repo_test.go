package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"splashelt/internal/model"
	"splashelt/internal/storage"
)

func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()

	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return repo
}

var baseTime = time.Date(2024, 6, 15, 8, 30, 0, 0, time.UTC)

func testPhoto(id string) model.Photo {
	return model.Photo{
		ID:           id,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
		Width:        4000,
		Height:       3000,
		Color:        "#336699",
		Downloads:    10,
		Likes:        5,
		Views:        100,
		URLs:         map[string]string{"raw": "https://img.example/" + id},
		UserID:       "u1",
		UserName:     "Ansel A",
		UserUsername: "ansel",
		Tags:         []string{"sunset", "beach"},
		ExtractedAt:  baseTime,
	}
}

func TestUpsertPhotosInsertThenUpdate(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	stats, err := repo.UpsertPhotos(ctx, []model.Photo{testPhoto("p1"), testPhoto("p2")})
	if err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 0 {
		t.Errorf("first upsert = %+v, want 2 inserted", stats)
	}

	// Re-extracting p1 with fresher counters updates in place.
	p1 := testPhoto("p1")
	p1.Likes = 50
	stats, err = repo.UpsertPhotos(ctx, []model.Photo{p1, testPhoto("p3")})
	if err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 1 {
		t.Errorf("second upsert = %+v, want 1 inserted / 1 updated", stats)
	}

	photos, err := repo.PhotosThrough(ctx, baseTime)
	if err != nil {
		t.Fatalf("PhotosThrough: %v", err)
	}
	if len(photos) != 3 {
		t.Fatalf("got %d photos, want 3", len(photos))
	}
	byID := map[string]model.Photo{}
	for _, p := range photos {
		byID[p.ID] = p
	}
	if byID["p1"].Likes != 50 {
		t.Errorf("p1 likes = %d, want refreshed value 50", byID["p1"].Likes)
	}
	if got := byID["p2"].Tags; len(got) != 2 || got[0] != "sunset" {
		t.Errorf("p2 tags = %v, want round-tripped tags", got)
	}
}

func TestUpsertPhotosDuplicateIDInBatch(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	// The same id twice in one batch: the first row inserts, the second hits
	// the row just written and counts as an update.
	dup := testPhoto("p1")
	dup.Likes = 99
	stats, err := repo.UpsertPhotos(ctx, []model.Photo{testPhoto("p1"), dup})
	if err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 1 {
		t.Errorf("stats = %+v, want 1 inserted / 1 updated", stats)
	}

	photos, err := repo.PhotosThrough(ctx, baseTime)
	if err != nil {
		t.Fatalf("PhotosThrough: %v", err)
	}
	if len(photos) != 1 {
		t.Fatalf("got %d photos, want 1", len(photos))
	}
	if photos[0].Likes != 99 {
		t.Errorf("likes = %d, want last write 99", photos[0].Likes)
	}
}

func TestUpsertPhotosStatisticsDeltas(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t).(*Repo)
	ctx := context.Background()

	p := testPhoto("p1")
	p.Stats = &model.PhotoStats{Downloads: 100, Likes: 10, Views: 1000}
	if _, err := repo.UpsertPhotos(ctx, []model.Photo{p}); err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}

	p.Stats = &model.PhotoStats{Downloads: 130, Likes: 14, Views: 1500}
	if _, err := repo.UpsertPhotos(ctx, []model.Photo{p}); err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}

	rows, err := repo.db.QueryContext(ctx,
		`SELECT downloads, download_delta, likes_delta, views_delta
		 FROM photo_statistics WHERE photo_id = 'p1' ORDER BY downloads`)
	if err != nil {
		t.Fatalf("query statistics: %v", err)
	}
	defer rows.Close()

	type snap struct{ downloads, dDelta, lDelta, vDelta int64 }
	var snaps []snap
	for rows.Next() {
		var s snap
		if err := rows.Scan(&s.downloads, &s.dDelta, &s.lDelta, &s.vDelta); err != nil {
			t.Fatalf("scan: %v", err)
		}
		snaps = append(snaps, s)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	// First snapshot has no predecessor, so deltas equal the totals.
	if snaps[0] != (snap{100, 100, 10, 1000}) {
		t.Errorf("first snapshot = %+v", snaps[0])
	}
	if snaps[1] != (snap{130, 30, 4, 500}) {
		t.Errorf("second snapshot = %+v, want deltas against the first", snaps[1])
	}
}

func TestPhotosThroughCutoff(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	early := testPhoto("early")
	early.CreatedAt = baseTime.AddDate(0, 0, -2)
	onDate := testPhoto("on_date")
	late := testPhoto("late")
	late.CreatedAt = baseTime.AddDate(0, 0, 3)

	if _, err := repo.UpsertPhotos(ctx, []model.Photo{early, onDate, late}); err != nil {
		t.Fatalf("UpsertPhotos: %v", err)
	}

	// The cutoff is inclusive of the whole cutoff day.
	photos, err := repo.PhotosThrough(ctx, baseTime)
	if err != nil {
		t.Fatalf("PhotosThrough: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("got %d photos, want 2 (photo after the cutoff excluded)", len(photos))
	}
	if photos[0].ID != "early" || photos[1].ID != "on_date" {
		t.Errorf("order = %s, %s; want created_at ascending", photos[0].ID, photos[1].ID)
	}
}

func TestJobRunLifecycle(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t).(*Repo)
	ctx := context.Background()

	run := &model.JobRun{
		Name:      "photo_load",
		Type:      model.JobLoad,
		Status:    model.JobPending,
		StartedAt: baseTime,
	}
	if err := repo.CreateJobRun(ctx, run); err != nil {
		t.Fatalf("CreateJobRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("CreateJobRun should assign an id")
	}

	if err := repo.StartJobRun(ctx, run.ID); err != nil {
		t.Fatalf("StartJobRun: %v", err)
	}
	var status string
	err := repo.db.QueryRowContext(ctx,
		`SELECT status FROM etl_jobs WHERE id = ?`, run.ID,
	).Scan(&status)
	if err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != model.JobRunning {
		t.Errorf("status after start = %q, want running", status)
	}

	if err := repo.FinishJobRun(ctx, run.ID, model.JobSucceeded, 42, ""); err != nil {
		t.Fatalf("FinishJobRun: %v", err)
	}

	var records int
	var completed sql.NullString
	err = repo.db.QueryRowContext(ctx,
		`SELECT status, records_processed, completed_at FROM etl_jobs WHERE id = ?`, run.ID,
	).Scan(&status, &records, &completed)
	if err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != model.JobSucceeded || records != 42 {
		t.Errorf("job = %s/%d, want succeeded/42", status, records)
	}
	if !completed.Valid || completed.String == "" {
		t.Error("completed_at not set")
	}
}

func TestReplaceAggregatesByDate(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()
	date := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	otherDate := date.AddDate(0, 0, -1)

	first := []model.TagMetric{
		{Tag: "sunset", PhotoCount: 3, TotalLikes: 30, AvgLikes: 10, TrendScore: 5, AnalysisDate: date},
		{Tag: "beach", PhotoCount: 2, TotalLikes: 10, AvgLikes: 5, TrendScore: 3, AnalysisDate: date},
	}
	if err := repo.ReplaceTagMetrics(ctx, date, first); err != nil {
		t.Fatalf("ReplaceTagMetrics: %v", err)
	}
	if err := repo.ReplaceTagMetrics(ctx, otherDate, []model.TagMetric{
		{Tag: "city", PhotoCount: 1, AnalysisDate: otherDate},
	}); err != nil {
		t.Fatalf("ReplaceTagMetrics other date: %v", err)
	}

	// Rerunning the same date replaces, never accumulates.
	second := []model.TagMetric{
		{Tag: "sunset", PhotoCount: 4, TotalLikes: 44, AvgLikes: 11, TrendScore: 6, AnalysisDate: date},
	}
	if err := repo.ReplaceTagMetrics(ctx, date, second); err != nil {
		t.Fatalf("ReplaceTagMetrics rerun: %v", err)
	}

	got, err := repo.TagMetrics(ctx, date)
	if err != nil {
		t.Fatalf("TagMetrics: %v", err)
	}
	if len(got) != 1 || got[0].Tag != "sunset" || got[0].PhotoCount != 4 {
		t.Errorf("metrics = %+v, want only the rerun row", got)
	}

	// The other date's rows are untouched.
	other, err := repo.TagMetrics(ctx, otherDate)
	if err != nil {
		t.Fatalf("TagMetrics other date: %v", err)
	}
	if len(other) != 1 || other[0].Tag != "city" {
		t.Errorf("other date metrics = %+v", other)
	}
}

func TestCooccurrenceRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()
	date := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	pairs := []model.CooccurrencePair{
		{Tag1: "beach", Tag2: "sunset", Count: 4, TotalLikes: 40, AnalysisDate: date},
		{Tag1: "beach", Tag2: "ocean", Count: 2, TotalLikes: 12, AnalysisDate: date},
	}
	if err := repo.ReplaceCooccurrence(ctx, date, pairs); err != nil {
		t.Fatalf("ReplaceCooccurrence: %v", err)
	}

	got, err := repo.Cooccurrence(ctx, date)
	if err != nil {
		t.Fatalf("Cooccurrence: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d pairs, want 2", len(got))
	}
	// Read-back is ordered by (tag1, tag2).
	if got[0].Tag2 != "ocean" || got[1].Tag2 != "sunset" {
		t.Errorf("order = %+v", got)
	}
	if got[1].Count != 4 || got[1].TotalLikes != 40 {
		t.Errorf("pair = %+v", got[1])
	}
}

func TestDailyTrendUpsert(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t).(*Repo)
	ctx := context.Background()
	date := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	trend := model.DailyTrend{
		Date:        date,
		TotalPhotos: 10,
		TotalLikes:  100,
		AvgLikes:    10,
		TopTags:     []model.TagCount{{Tag: "sunset", Count: 6}},
		TopColors:   []model.ColorCount{{Color: "#ff8800", Count: 4}},
	}
	if err := repo.UpsertDailyTrend(ctx, trend); err != nil {
		t.Fatalf("UpsertDailyTrend: %v", err)
	}

	trend.TotalPhotos = 12
	if err := repo.UpsertDailyTrend(ctx, trend); err != nil {
		t.Fatalf("UpsertDailyTrend rerun: %v", err)
	}

	var n int
	var total int
	var topTags string
	err := repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(total_photos), MAX(top_tags) FROM daily_trends WHERE trend_date = ?`,
		model.DateOnly(date),
	).Scan(&n, &total, &topTags)
	if err != nil {
		t.Fatalf("query trend: %v", err)
	}
	if n != 1 {
		t.Errorf("trend rows = %d, want 1 (upsert, not append)", n)
	}
	if total != 12 {
		t.Errorf("total photos = %d, want refreshed 12", total)
	}
	var tags []model.TagCount
	if err := storage.DecodeJSON(topTags, &tags); err != nil || len(tags) != 1 || tags[0].Tag != "sunset" {
		t.Errorf("top tags = %q (%v)", topTags, err)
	}
}
