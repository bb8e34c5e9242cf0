// Package model defines the records exchanged between the pipeline phases and
// the warehouse tables they are persisted to.
package model

import "time"

// Job run statuses. A run is created as pending, moved to running when the
// phase starts work, and ends in exactly one of the terminal states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job run types, one per pipeline phase.
const (
	JobExtract   = "extract"
	JobLoad      = "load"
	JobTransform = "transform"
)

// Photo is one externally sourced photo metadata record.
//
// The pipeline treats photos as append/upsert only: a re-extracted photo
// refreshes its counters and mutable fields but is never deleted.
type Photo struct {
	ID             string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Width          int
	Height         int
	Color          string
	BlurHash       string
	Downloads      int64
	Likes          int64
	Views          int64
	Description    string
	AltDescription string

	// Nested API payloads kept as-is and stored as JSON text.
	URLs     map[string]string
	Links    map[string]string
	Location map[string]any
	Exif     map[string]any

	UserID       string
	UserName     string
	UserUsername string

	Tags []string

	// Stats is the point-in-time statistics snapshot fetched alongside the
	// photo, when the extractor managed to get one. Nil means "not fetched".
	Stats *PhotoStats

	ExtractedAt time.Time
}

// PhotoStats is a point-in-time engagement snapshot for one photo.
type PhotoStats struct {
	Downloads int64
	Likes     int64
	Views     int64
}

// JobRun is the audit record of one phase execution, retained indefinitely in
// the etl_jobs table so partial pipeline failures stay diagnosable.
type JobRun struct {
	ID               string
	Name             string
	Type             string
	Status           string
	StartedAt        time.Time
	CompletedAt      *time.Time
	RecordsProcessed int
	ErrorMessage     string
}

// TagMetric is the per-tag engagement aggregate for one analysis date.
// Rows for a date are fully recomputed each transform run.
type TagMetric struct {
	Tag            string
	PhotoCount     int
	TotalLikes     int64
	TotalDownloads int64
	AvgLikes       float64
	AvgDownloads   float64

	// EngagementRate is likes per view; 0 when no views were recorded.
	EngagementRate float64

	TrendScore   float64
	AnalysisDate time.Time
}

// CooccurrencePair counts how often an unordered tag pair appears on the same
// photo. Tag1 < Tag2 lexicographically, so {a,b} and {b,a} collapse to one row.
type CooccurrencePair struct {
	Tag1         string
	Tag2         string
	Count        int
	TotalLikes   int64
	AnalysisDate time.Time
}

// PhotographerMetric is the per-photographer performance rollup for one
// analysis date.
type PhotographerMetric struct {
	UserID         string
	Username       string
	FullName       string
	TotalPhotos    int
	TotalLikes     int64
	TotalDownloads int64
	AvgLikes       float64
	AvgDownloads   float64
	AnalysisDate   time.Time
}

// TagCount is a (tag, count) entry inside a daily trend rollup.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// ColorCount is a (color, count) entry inside a daily trend rollup.
type ColorCount struct {
	Color string `json:"color"`
	Count int    `json:"count"`
}

// DailyTrend aggregates all photos created on one date.
type DailyTrend struct {
	Date           time.Time
	TotalPhotos    int
	TotalLikes     int64
	TotalDownloads int64
	TotalViews     int64
	AvgLikes       float64
	AvgDownloads   float64
	TopTags        []TagCount
	TopColors      []ColorCount
}

// DateOnly formats t as YYYY-MM-DD in UTC, the canonical key form for the
// analysis_date columns.
func DateOnly(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TruncateToDate drops the time-of-day component, keeping UTC midnight.
func TruncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
