// Package transform computes the analytical aggregates from loaded photos:
// per-tag engagement, tag cooccurrence, photographer rollups, and a daily
// trend summary. Each run fully recomputes the rows for its analysis date.
package transform

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"splashelt/internal/config"
	"splashelt/internal/model"
	"splashelt/internal/storage"
)

// AnalysisError marks a failure in the transform phase, including external
// model runs.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Result summarizes one transform run.
type Result struct {
	Photos        int
	Tags          int
	Pairs         int
	Photographers int
}

// Transformer recomputes warehouse aggregates for an analysis date.
type Transformer struct {
	repo storage.Repository
	cfg  config.Transform
	now  func() time.Time
}

func New(repo storage.Repository, cfg config.Transform) *Transformer {
	return &Transformer{repo: repo, cfg: cfg, now: time.Now}
}

var foldCaser = cases.Fold()

// NormalizeTag canonicalizes a tag for aggregation: Unicode NFKC plus case
// folding, with surrounding whitespace removed. "Sunset", "SUNSET" and
// "sunset" all aggregate into one row.
func NormalizeTag(tag string) string {
	return strings.TrimSpace(foldCaser.String(norm.NFKC.String(tag)))
}

// Run recomputes all aggregates for date from photos created through that
// date, replacing any previously stored rows for the same date. The work is
// bracketed by an etl_jobs row named jobName.
//
// Errors: storage failures are returned as *storage.StorageError; everything
// else is wrapped in *AnalysisError.
func (t *Transformer) Run(ctx context.Context, jobName string, date time.Time) (Result, error) {
	run := &model.JobRun{
		Name:      jobName,
		Type:      model.JobTransform,
		Status:    model.JobPending,
		StartedAt: t.now().UTC(),
	}
	if err := t.repo.CreateJobRun(ctx, run); err != nil {
		return Result{}, err
	}
	if err := t.repo.StartJobRun(ctx, run.ID); err != nil {
		return Result{}, err
	}

	res, err := t.run(ctx, date)
	if err != nil {
		_ = t.repo.FinishJobRun(ctx, run.ID, model.JobFailed, 0, err.Error())
		return res, err
	}
	if err := t.repo.FinishJobRun(ctx, run.ID, model.JobSucceeded, res.Photos, ""); err != nil {
		return res, err
	}

	log.Printf("transform: %d photos -> %d tags, %d pairs, %d photographers",
		res.Photos, res.Tags, res.Pairs, res.Photographers)
	return res, nil
}

func (t *Transformer) run(ctx context.Context, date time.Time) (Result, error) {
	photos, err := t.repo.PhotosThrough(ctx, date)
	if err != nil {
		return Result{}, err
	}
	res := Result{Photos: len(photos)}
	if len(photos) == 0 {
		log.Printf("transform: no photos through %s, skipping aggregates", model.DateOnly(date))
		return res, nil
	}

	tags := t.TagMetrics(photos, date)
	pairs := t.CooccurrencePairs(photos, date)
	photographers := t.PhotographerMetrics(photos, date)
	res.Tags, res.Pairs, res.Photographers = len(tags), len(pairs), len(photographers)

	if err := t.repo.ReplaceTagMetrics(ctx, date, tags); err != nil {
		return res, err
	}
	if err := t.repo.ReplaceCooccurrence(ctx, date, pairs); err != nil {
		return res, err
	}
	if err := t.repo.ReplacePhotographerMetrics(ctx, date, photographers); err != nil {
		return res, err
	}
	if err := t.repo.UpsertDailyTrend(ctx, t.DailyTrend(photos, date)); err != nil {
		return res, err
	}
	return res, nil
}

// TagMetrics aggregates photos into per-tag metrics for date. Tags appearing
// on fewer than MinTagPhotos photos are dropped. The result is sorted by
// descending trend score, then tag name.
func (t *Transformer) TagMetrics(photos []model.Photo, date time.Time) []model.TagMetric {
	type acc struct {
		photos    int
		likes     int64
		downloads int64
		views     int64
	}
	byTag := map[string]*acc{}
	for _, p := range photos {
		for _, tag := range uniqueTags(p.Tags) {
			a := byTag[tag]
			if a == nil {
				a = &acc{}
				byTag[tag] = a
			}
			a.photos++
			a.likes += p.Likes
			a.downloads += p.Downloads
			a.views += p.Views
		}
	}

	minPhotos := t.cfg.MinTagPhotos
	if minPhotos < 1 {
		minPhotos = 1
	}

	out := make([]model.TagMetric, 0, len(byTag))
	day := model.TruncateToDate(date)
	for tag, a := range byTag {
		if a.photos < minPhotos {
			continue
		}
		m := model.TagMetric{
			Tag:            tag,
			PhotoCount:     a.photos,
			TotalLikes:     a.likes,
			TotalDownloads: a.downloads,
			AvgLikes:       float64(a.likes) / float64(a.photos),
			AvgDownloads:   float64(a.downloads) / float64(a.photos),
			AnalysisDate:   day,
		}
		if a.views > 0 {
			m.EngagementRate = float64(a.likes) / float64(a.views)
		}
		m.TrendScore = t.trendScore(m)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrendScore != out[j].TrendScore {
			return out[i].TrendScore > out[j].TrendScore
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// trendScore is a linear blend of the tag metrics; the weights come from
// configuration so the blend can be tuned without a code change.
func (t *Transformer) trendScore(m model.TagMetric) float64 {
	w := t.cfg.TrendWeights
	return w.PhotoCount*float64(m.PhotoCount) +
		w.AvgLikes*m.AvgLikes +
		w.AvgDownloads*m.AvgDownloads +
		w.EngagementRate*m.EngagementRate
}

// CooccurrencePairs counts unordered tag pairs across photos. Pairs are keyed
// with Tag1 < Tag2 so {a,b} and {b,a} collapse; pairs seen fewer than
// MinCooccurrence times are dropped. Sorted by descending count, then pair.
func (t *Transformer) CooccurrencePairs(photos []model.Photo, date time.Time) []model.CooccurrencePair {
	type key struct{ a, b string }
	type acc struct {
		count int
		likes int64
	}
	byPair := map[key]*acc{}
	for _, p := range photos {
		tags := uniqueTags(p.Tags)
		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				k := key{tags[i], tags[j]}
				a := byPair[k]
				if a == nil {
					a = &acc{}
					byPair[k] = a
				}
				a.count++
				a.likes += p.Likes
			}
		}
	}

	minCount := t.cfg.MinCooccurrence
	if minCount < 1 {
		minCount = 1
	}

	out := make([]model.CooccurrencePair, 0, len(byPair))
	day := model.TruncateToDate(date)
	for k, a := range byPair {
		if a.count < minCount {
			continue
		}
		out = append(out, model.CooccurrencePair{
			Tag1:         k.a,
			Tag2:         k.b,
			Count:        a.count,
			TotalLikes:   a.likes,
			AnalysisDate: day,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Tag1 != out[j].Tag1 {
			return out[i].Tag1 < out[j].Tag1
		}
		return out[i].Tag2 < out[j].Tag2
	})
	return out
}

// PhotographerMetrics rolls photos up by photographer. Photos with no user id
// are ignored. Sorted by descending total likes, then user id.
func (t *Transformer) PhotographerMetrics(photos []model.Photo, date time.Time) []model.PhotographerMetric {
	type acc struct {
		username  string
		fullName  string
		photos    int
		likes     int64
		downloads int64
	}
	byUser := map[string]*acc{}
	for _, p := range photos {
		if p.UserID == "" {
			continue
		}
		a := byUser[p.UserID]
		if a == nil {
			a = &acc{}
			byUser[p.UserID] = a
		}
		// Latest non-empty identity wins.
		if p.UserUsername != "" {
			a.username = p.UserUsername
		}
		if p.UserName != "" {
			a.fullName = p.UserName
		}
		a.photos++
		a.likes += p.Likes
		a.downloads += p.Downloads
	}

	out := make([]model.PhotographerMetric, 0, len(byUser))
	day := model.TruncateToDate(date)
	for id, a := range byUser {
		out = append(out, model.PhotographerMetric{
			UserID:         id,
			Username:       a.username,
			FullName:       a.fullName,
			TotalPhotos:    a.photos,
			TotalLikes:     a.likes,
			TotalDownloads: a.downloads,
			AvgLikes:       float64(a.likes) / float64(a.photos),
			AvgDownloads:   float64(a.downloads) / float64(a.photos),
			AnalysisDate:   day,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalLikes != out[j].TotalLikes {
			return out[i].TotalLikes > out[j].TotalLikes
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// DailyTrend summarizes the photos created on date: totals, averages, and the
// TopN tags and colors by frequency.
func (t *Transformer) DailyTrend(photos []model.Photo, date time.Time) model.DailyTrend {
	day := model.DateOnly(date)
	trend := model.DailyTrend{Date: model.TruncateToDate(date)}

	tagCounts := map[string]int{}
	colorCounts := map[string]int{}
	for _, p := range photos {
		if model.DateOnly(p.CreatedAt) != day {
			continue
		}
		trend.TotalPhotos++
		trend.TotalLikes += p.Likes
		trend.TotalDownloads += p.Downloads
		trend.TotalViews += p.Views
		for _, tag := range uniqueTags(p.Tags) {
			tagCounts[tag]++
		}
		if p.Color != "" {
			colorCounts[p.Color]++
		}
	}
	if trend.TotalPhotos > 0 {
		trend.AvgLikes = float64(trend.TotalLikes) / float64(trend.TotalPhotos)
		trend.AvgDownloads = float64(trend.TotalDownloads) / float64(trend.TotalPhotos)
	}

	topN := t.cfg.TopN
	if topN <= 0 {
		topN = 10
	}
	for _, tc := range topCounts(tagCounts, topN) {
		trend.TopTags = append(trend.TopTags, model.TagCount{Tag: tc.name, Count: tc.count})
	}
	for _, cc := range topCounts(colorCounts, topN) {
		trend.TopColors = append(trend.TopColors, model.ColorCount{Color: cc.name, Count: cc.count})
	}
	return trend
}

// uniqueTags normalizes a photo's tags and drops duplicates and empties,
// preserving sorted order so pair keys are deterministic.
func uniqueTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		tag := NormalizeTag(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

type namedCount struct {
	name  string
	count int
}

func topCounts(counts map[string]int, n int) []namedCount {
	all := make([]namedCount, 0, len(counts))
	for name, c := range counts {
		all = append(all, namedCount{name, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].name < all[j].name
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
