package transform

import (
	"context"
	"errors"
	"testing"
	"time"

	"splashelt/internal/config"
	"splashelt/internal/model"
	"splashelt/internal/storage"
)

var testDate = time.Date(2024, 6, 15, 13, 45, 0, 0, time.UTC)

func testCfg() config.Transform {
	return config.Transform{
		MinTagPhotos:    2,
		MinCooccurrence: 2,
		TopN:            10,
		TrendWeights: config.TrendWeights{
			PhotoCount:     1.0,
			AvgLikes:       0.5,
			AvgDownloads:   0.3,
			EngagementRate: 10.0,
		},
	}
}

func photo(id string, likes, downloads, views int64, tags ...string) model.Photo {
	return model.Photo{
		ID:        id,
		CreatedAt: testDate.Add(-time.Hour),
		Likes:     likes,
		Downloads: downloads,
		Views:     views,
		UserID:    "u1",
		UserName:  "Ansel A",
		Tags:      tags,
	}
}

func TestNormalizeTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Sunset", "sunset"},
		{"SUNSET", "sunset"},
		{"  sunset ", "sunset"},
		{"Straße", "strasse"}, // ß case-folds to ss
		{"ＮＡＴＵＲＥ", "nature"}, // fullwidth compat forms collapse under NFKC
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeTag(tc.in); got != tc.want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTagMetrics(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	photos := []model.Photo{
		photo("p1", 100, 50, 1000, "Sunset", "beach"),
		photo("p2", 40, 10, 0, "sunset"),
		photo("p3", 10, 5, 100, "mountain"), // below MinTagPhotos
	}

	got := tr.TagMetrics(photos, testDate)
	if len(got) != 1 {
		t.Fatalf("got %d metrics, want 1 (only sunset passes min photos): %+v", len(got), got)
	}

	m := got[0]
	if m.Tag != "sunset" {
		t.Errorf("tag = %q, want sunset (case folded)", m.Tag)
	}
	if m.PhotoCount != 2 {
		t.Errorf("photo count = %d, want 2", m.PhotoCount)
	}
	if m.TotalLikes != 140 || m.TotalDownloads != 60 {
		t.Errorf("totals = %d likes / %d downloads, want 140/60", m.TotalLikes, m.TotalDownloads)
	}
	if m.AvgLikes != 70 || m.AvgDownloads != 30 {
		t.Errorf("averages = %v/%v, want 70/30", m.AvgLikes, m.AvgDownloads)
	}
	if want := 140.0 / 1000.0; m.EngagementRate != want {
		t.Errorf("engagement rate = %v, want %v", m.EngagementRate, want)
	}
	// 1.0*2 + 0.5*70 + 0.3*30 + 10*0.14
	if want := 2 + 35 + 9 + 1.4; m.TrendScore != want {
		t.Errorf("trend score = %v, want %v", m.TrendScore, want)
	}
	if !m.AnalysisDate.Equal(model.TruncateToDate(testDate)) {
		t.Errorf("analysis date = %v, want %v", m.AnalysisDate, model.TruncateToDate(testDate))
	}
}

func TestTagMetricsZeroViews(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.MinTagPhotos = 1
	tr := New(nil, cfg)

	got := tr.TagMetrics([]model.Photo{photo("p1", 50, 10, 0, "night")}, testDate)
	if len(got) != 1 {
		t.Fatalf("got %d metrics, want 1", len(got))
	}
	if got[0].EngagementRate != 0 {
		t.Errorf("engagement rate with zero views = %v, want 0", got[0].EngagementRate)
	}
}

func TestCooccurrencePairs(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	photos := []model.Photo{
		photo("p1", 10, 0, 0, "beach", "sunset"),
		photo("p2", 20, 0, 0, "Sunset", "Beach"), // reversed order, mixed case
		photo("p3", 5, 0, 0, "beach", "palm"),    // pair below MinCooccurrence
	}

	got := tr.CooccurrencePairs(photos, testDate)
	if len(got) != 1 {
		t.Fatalf("got %d pairs, want 1: %+v", len(got), got)
	}

	p := got[0]
	if p.Tag1 != "beach" || p.Tag2 != "sunset" {
		t.Errorf("pair = (%q,%q), want (beach,sunset) in lexical order", p.Tag1, p.Tag2)
	}
	if p.Count != 2 {
		t.Errorf("count = %d, want 2 ({a,b} and {b,a} collapse)", p.Count)
	}
	if p.TotalLikes != 30 {
		t.Errorf("total likes = %d, want 30", p.TotalLikes)
	}
}

func TestCooccurrenceIgnoresDuplicateTags(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.MinCooccurrence = 1
	tr := New(nil, cfg)

	// Duplicate tag on one photo must not create a self-pair or double count.
	got := tr.CooccurrencePairs([]model.Photo{
		photo("p1", 1, 0, 0, "sky", "SKY", "cloud"),
	}, testDate)
	if len(got) != 1 {
		t.Fatalf("got %d pairs, want 1: %+v", len(got), got)
	}
	if got[0].Tag1 != "cloud" || got[0].Tag2 != "sky" || got[0].Count != 1 {
		t.Errorf("pair = %+v, want cloud/sky count 1", got[0])
	}
}

func TestPhotographerMetrics(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	photos := []model.Photo{
		{ID: "p1", UserID: "u1", UserUsername: "ansel", UserName: "Ansel A", Likes: 10, Downloads: 4},
		{ID: "p2", UserID: "u1", Likes: 20, Downloads: 6},
		{ID: "p3", UserID: "u2", UserUsername: "dot", Likes: 100},
		{ID: "p4", Likes: 999}, // no user id, ignored
	}

	got := tr.PhotographerMetrics(photos, testDate)
	if len(got) != 2 {
		t.Fatalf("got %d photographers, want 2", len(got))
	}
	if got[0].UserID != "u2" {
		t.Errorf("first by total likes = %q, want u2", got[0].UserID)
	}

	u1 := got[1]
	if u1.TotalPhotos != 2 || u1.TotalLikes != 30 || u1.TotalDownloads != 10 {
		t.Errorf("u1 rollup = %+v", u1)
	}
	if u1.AvgLikes != 15 || u1.AvgDownloads != 5 {
		t.Errorf("u1 averages = %v/%v, want 15/5", u1.AvgLikes, u1.AvgDownloads)
	}
	if u1.Username != "ansel" || u1.FullName != "Ansel A" {
		t.Errorf("u1 identity = %q/%q, want ansel/Ansel A", u1.Username, u1.FullName)
	}
}

func TestDailyTrend(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	onDate := photo("p1", 10, 4, 100, "sunset", "beach")
	onDate.CreatedAt = testDate
	onDate.Color = "#ff8800"

	alsoOnDate := photo("p2", 20, 6, 200, "sunset")
	alsoOnDate.CreatedAt = testDate.Add(2 * time.Hour)
	alsoOnDate.Color = "#ff8800"

	dayBefore := photo("p3", 500, 500, 500, "city")
	dayBefore.CreatedAt = testDate.AddDate(0, 0, -1)

	got := tr.DailyTrend([]model.Photo{onDate, alsoOnDate, dayBefore}, testDate)

	if got.TotalPhotos != 2 {
		t.Fatalf("total photos = %d, want 2 (prior-day photo excluded)", got.TotalPhotos)
	}
	if got.TotalLikes != 30 || got.TotalDownloads != 10 || got.TotalViews != 300 {
		t.Errorf("totals = %+v", got)
	}
	if got.AvgLikes != 15 || got.AvgDownloads != 5 {
		t.Errorf("averages = %v/%v, want 15/5", got.AvgLikes, got.AvgDownloads)
	}
	if len(got.TopTags) != 2 || got.TopTags[0] != (model.TagCount{Tag: "sunset", Count: 2}) {
		t.Errorf("top tags = %+v", got.TopTags)
	}
	if len(got.TopColors) != 1 || got.TopColors[0] != (model.ColorCount{Color: "#ff8800", Count: 2}) {
		t.Errorf("top colors = %+v", got.TopColors)
	}
}

func TestDailyTrendEmptyDay(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	got := tr.DailyTrend(nil, testDate)
	if got.TotalPhotos != 0 || got.AvgLikes != 0 || got.AvgDownloads != 0 {
		t.Errorf("empty day trend = %+v, want zeros", got)
	}
}

// fakeRepo records transform writes; only the methods the transformer touches
// are meaningful.
type fakeRepo struct {
	photos []model.Photo
	runs   []*model.JobRun

	startedID      string
	finishedStatus string
	finishedErr    string

	tagRows  []model.TagMetric
	pairRows []model.CooccurrencePair
	pgRows   []model.PhotographerMetric
	trend    *model.DailyTrend

	photosErr  error
	replaceErr error
}

func (f *fakeRepo) Close()                                  {}
func (f *fakeRepo) EnsureSchema(context.Context) error      { return nil }
func (f *fakeRepo) UpsertPhotos(context.Context, []model.Photo) (storage.UpsertStats, error) {
	return storage.UpsertStats{}, nil
}

func (f *fakeRepo) CreateJobRun(_ context.Context, run *model.JobRun) error {
	run.ID = "job-1"
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRepo) StartJobRun(_ context.Context, id string) error {
	f.startedID = id
	return nil
}

func (f *fakeRepo) FinishJobRun(_ context.Context, id, status string, records int, errMsg string) error {
	f.finishedStatus = status
	f.finishedErr = errMsg
	return nil
}

func (f *fakeRepo) PhotosThrough(context.Context, time.Time) ([]model.Photo, error) {
	return f.photos, f.photosErr
}

func (f *fakeRepo) ReplaceTagMetrics(_ context.Context, _ time.Time, rows []model.TagMetric) error {
	f.tagRows = rows
	return f.replaceErr
}

func (f *fakeRepo) ReplaceCooccurrence(_ context.Context, _ time.Time, rows []model.CooccurrencePair) error {
	f.pairRows = rows
	return nil
}

func (f *fakeRepo) ReplacePhotographerMetrics(_ context.Context, _ time.Time, rows []model.PhotographerMetric) error {
	f.pgRows = rows
	return nil
}

func (f *fakeRepo) UpsertDailyTrend(_ context.Context, t model.DailyTrend) error {
	f.trend = &t
	return nil
}

func (f *fakeRepo) TagMetrics(context.Context, time.Time) ([]model.TagMetric, error) {
	return f.tagRows, nil
}

func (f *fakeRepo) Cooccurrence(context.Context, time.Time) ([]model.CooccurrencePair, error) {
	return f.pairRows, nil
}

func TestRunWritesAllAggregates(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{photos: []model.Photo{
		photo("p1", 10, 4, 100, "sunset", "beach"),
		photo("p2", 20, 6, 200, "sunset", "beach"),
	}}
	tr := New(repo, testCfg())

	res, err := tr.Run(context.Background(), "photo_analysis", testDate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Photos != 2 || res.Tags != 2 || res.Pairs != 1 || res.Photographers != 1 {
		t.Errorf("result = %+v", res)
	}
	if repo.tagRows == nil || repo.pairRows == nil || repo.pgRows == nil || repo.trend == nil {
		t.Errorf("not all aggregates written: %+v", repo)
	}
	if repo.finishedStatus != model.JobSucceeded {
		t.Errorf("job status = %q, want succeeded", repo.finishedStatus)
	}
	if len(repo.runs) != 1 || repo.runs[0].Type != model.JobTransform {
		t.Errorf("job runs = %+v", repo.runs)
	}
	if repo.runs[0].Status != model.JobPending || repo.startedID != repo.runs[0].ID {
		t.Errorf("run created as %q, started id %q; want pending then running", repo.runs[0].Status, repo.startedID)
	}
}

func TestRunStorageFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{
		photos: []model.Photo{photo("p1", 1, 1, 1, "a", "b")},
		replaceErr: &storage.StorageError{
			Op:  "clear tag_analysis",
			Err: errors.New("disk full"),
		},
	}
	tr := New(repo, testCfg())

	_, err := tr.Run(context.Background(), "photo_analysis", testDate)
	var serr *storage.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *storage.StorageError", err)
	}
	if repo.finishedStatus != model.JobFailed {
		t.Errorf("job status = %q, want failed", repo.finishedStatus)
	}
	if repo.finishedErr == "" {
		t.Error("job error message not recorded")
	}
}

func TestRunEmptyWarehouseSkipsAggregates(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	tr := New(repo, testCfg())

	res, err := tr.Run(context.Background(), "photo_analysis", testDate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Photos != 0 {
		t.Errorf("photos = %d, want 0", res.Photos)
	}
	if repo.tagRows != nil || repo.trend != nil {
		t.Error("aggregates written for an empty warehouse")
	}
	if repo.finishedStatus != model.JobSucceeded {
		t.Errorf("job status = %q, want succeeded", repo.finishedStatus)
	}
}

// Recomputing the same inputs twice yields identical rows, so replace-by-date
// keeps the warehouse stable across reruns.
func TestAggregatesDeterministic(t *testing.T) {
	t.Parallel()

	tr := New(nil, testCfg())
	photos := []model.Photo{
		photo("p1", 10, 4, 100, "sunset", "beach", "ocean"),
		photo("p2", 20, 6, 200, "beach", "ocean"),
		photo("p3", 5, 1, 50, "sunset", "ocean"),
	}

	first := tr.TagMetrics(photos, testDate)
	second := tr.TagMetrics(photos, testDate)
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}

	p1 := tr.CooccurrencePairs(photos, testDate)
	p2 := tr.CooccurrencePairs(photos, testDate)
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Errorf("pair %d differs: %+v vs %+v", i, p1[i], p2[i])
		}
	}
}
