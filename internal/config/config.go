// Package config holds the process-wide pipeline configuration.
//
// The configuration is constructed once at startup (file + environment) and
// passed by reference into each phase component; nothing in the pipeline reads
// ambient global state after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
)

// Severity levels for validation issues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one validation finding. Errors abort the run; warnings are printed
// and the run continues.
type Issue struct {
	Severity string
	Path     string
	Message  string
}

// Duration wraps time.Duration so config files can say "2s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	// Bare numbers are seconds.
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", b)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Unsplash configures the API client and the extract phase.
type Unsplash struct {
	AccessKey        string   `json:"access_key"`
	BaseURL          string   `json:"base_url"`
	RateLimitPerHour int      `json:"rate_limit_per_hour"`
	BatchSize        int      `json:"batch_size"`
	MaxBatches       int      `json:"max_batches"`
	OrderBy          string   `json:"order_by"`
	MaxRetries       int      `json:"max_retries"`
	BaseDelay        Duration `json:"base_delay"`
	MaxDelay         Duration `json:"max_delay"`
	Timeout          Duration `json:"timeout"`
}

// Storage selects the warehouse backend.
type Storage struct {
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
}

// TrendWeights parameterize the trend score. The exact weighting is a tuning
// knob, not a fixed formula.
type TrendWeights struct {
	PhotoCount     float64 `json:"photo_count"`
	AvgLikes       float64 `json:"avg_likes"`
	AvgDownloads   float64 `json:"avg_downloads"`
	EngagementRate float64 `json:"engagement_rate"`
}

// Transform configures the analysis phase.
type Transform struct {
	MinTagPhotos    int          `json:"min_tag_photos"`
	MinCooccurrence int          `json:"min_cooccurrence"`
	TopN            int          `json:"top_n"`
	TrendWeights    TrendWeights `json:"trend_weights"`
}

// Dbt configures the optional external declarative-transform run.
type Dbt struct {
	Enabled     bool   `json:"enabled"`
	ProjectDir  string `json:"project_dir"`
	ProfilesDir string `json:"profiles_dir"`
}

// Config is the full pipeline configuration.
type Config struct {
	Unsplash  Unsplash  `json:"unsplash"`
	Storage   Storage   `json:"storage"`
	Transform Transform `json:"transform"`
	Dbt       Dbt       `json:"dbt"`
}

// Load reads the config file, fills environment fallbacks for secrets, and
// applies defaults.
//
// Environment fallbacks (used only when the file leaves the field empty):
//   - UNSPLASH_ACCESS_KEY
//   - DATABASE_URL (storage.dsn; the DSN is also env-expanded, so a file may
//     say "${DATABASE_URL}" explicitly)
func Load(path string) (Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Unsplash.AccessKey == "" {
		c.Unsplash.AccessKey = os.Getenv("UNSPLASH_ACCESS_KEY")
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = os.Getenv("DATABASE_URL")
	}
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
}

func (c *Config) applyDefaults() {
	if c.Unsplash.BaseURL == "" {
		c.Unsplash.BaseURL = "https://api.unsplash.com"
	}
	if c.Unsplash.RateLimitPerHour <= 0 {
		c.Unsplash.RateLimitPerHour = 5000
	}
	if c.Unsplash.BatchSize <= 0 {
		c.Unsplash.BatchSize = 20
	}
	if c.Unsplash.OrderBy == "" {
		c.Unsplash.OrderBy = "latest"
	}
	if c.Unsplash.MaxRetries <= 0 {
		c.Unsplash.MaxRetries = 3
	}
	if c.Unsplash.BaseDelay <= 0 {
		c.Unsplash.BaseDelay = Duration(time.Second)
	}
	if c.Unsplash.MaxDelay <= 0 {
		c.Unsplash.MaxDelay = Duration(5 * time.Minute)
	}
	if c.Unsplash.Timeout <= 0 {
		c.Unsplash.Timeout = Duration(30 * time.Second)
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = "sqlite"
	}
	if c.Transform.MinTagPhotos <= 0 {
		c.Transform.MinTagPhotos = 2
	}
	if c.Transform.MinCooccurrence <= 0 {
		c.Transform.MinCooccurrence = 2
	}
	if c.Transform.TopN <= 0 {
		c.Transform.TopN = 10
	}
	if c.Transform.TrendWeights == (TrendWeights{}) {
		c.Transform.TrendWeights = TrendWeights{
			PhotoCount:     1.0,
			AvgLikes:       0.5,
			AvgDownloads:   0.3,
			EngagementRate: 10.0,
		}
	}
	if c.Dbt.ProjectDir == "" {
		c.Dbt.ProjectDir = "./dbt_project"
	}
	if c.Dbt.ProfilesDir == "" {
		c.Dbt.ProfilesDir = c.Dbt.ProjectDir
	}
}

// Validate reports configuration problems. Callers decide whether to abort
// based on issue severity.
func Validate(c Config) []Issue {
	var issues []Issue

	add := func(sev, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}

	if c.Unsplash.AccessKey == "" {
		add(SeverityError, "unsplash.access_key", "missing API access key (set UNSPLASH_ACCESS_KEY)")
	}
	if c.Unsplash.BatchSize > 30 {
		add(SeverityWarning, "unsplash.batch_size", "the API caps per_page at 30; larger batches are truncated")
	}
	if c.Unsplash.MaxDelay < c.Unsplash.BaseDelay {
		add(SeverityError, "unsplash.max_delay", "max_delay must be >= base_delay")
	}
	if c.Storage.DSN == "" {
		add(SeverityError, "storage.dsn", "missing storage DSN (set DATABASE_URL)")
	}
	switch c.Storage.Kind {
	case "postgres", "sqlite", "mssql":
	default:
		add(SeverityError, "storage.kind", fmt.Sprintf("unsupported backend %q", c.Storage.Kind))
	}
	if c.Dbt.Enabled {
		if st, err := os.Stat(c.Dbt.ProjectDir); err != nil || !st.IsDir() {
			add(SeverityWarning, "dbt.project_dir", "dbt enabled but project dir not found; transform falls back to in-process aggregation")
		}
	}
	return issues
}
