// Package extract implements the extract phase: paging photo metadata out of
// the Unsplash API into a batch of records for the loader.
package extract

import (
	"context"
	"log"

	"splashelt/internal/config"
	"splashelt/internal/model"
)

// API is the slice of the Unsplash client the extractor uses. The concrete
// implementation is *unsplash.Client; tests substitute a fake.
type API interface {
	ListPhotos(ctx context.Context, page, perPage int, orderBy string) ([]model.Photo, error)
	PhotoStatistics(ctx context.Context, photoID string) (*model.PhotoStats, error)
	RemainingBudget() int
}

// Extractor pulls batches of photos from the API.
type Extractor struct {
	api API
	cfg config.Unsplash
}

// New builds an Extractor. cfg controls batch size, max batches, and ordering.
func New(api API, cfg config.Unsplash) *Extractor {
	return &Extractor{api: api, cfg: cfg}
}

// Extract pages through the photo listing until a short page, an empty page,
// or the configured max batch count.
//
// Behavior:
//   - each page requests up to cfg.BatchSize records
//   - per-photo statistics enrichment is best-effort: enrichment failures are
//     skipped and counted, and enrichment stops entirely once skips exceed
//     half a batch or the remaining quota gets low
//   - records fetched before a fatal failure are returned alongside the
//     error, never discarded
//
// Errors:
//   - *unsplash.ExternalServiceError on unrecoverable API failure.
func (e *Extractor) Extract(ctx context.Context) ([]model.Photo, error) {
	var out []model.Photo
	seen := make(map[string]bool)

	for page := 1; ; page++ {
		if e.cfg.MaxBatches > 0 && page > e.cfg.MaxBatches {
			break
		}

		photos, err := e.api.ListPhotos(ctx, page, e.cfg.BatchSize, e.cfg.OrderBy)
		if err != nil {
			return out, err
		}
		if len(photos) == 0 {
			break
		}

		e.enrich(ctx, photos)

		added := 0
		for _, p := range photos {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
			added++
		}
		log.Printf("extract: page %d: %d photo(s), %d new", page, len(photos), added)

		if len(photos) < e.cfg.BatchSize {
			break
		}
	}

	return out, nil
}

// enrich attaches statistics snapshots to a page of photos in place.
//
// Skipped enrichments leave Stats nil; the loader treats that as "no snapshot
// this run". Enrichment stops early when the quota budget runs low so the
// listing calls of later pages are not starved.
func (e *Extractor) enrich(ctx context.Context, photos []model.Photo) {
	maxSkips := len(photos) / 2
	skipped := 0

	for i := range photos {
		if e.api.RemainingBudget() <= 5 {
			log.Printf("extract: low quota budget, skipping remaining enrichment for this page")
			return
		}

		stats, err := e.api.PhotoStatistics(ctx, photos[i].ID)
		if err != nil {
			skipped++
			log.Printf("extract: statistics for %s skipped: %v", photos[i].ID, err)
			if skipped > maxSkips {
				log.Printf("extract: too many statistics failures (%d), disabling enrichment for this page", skipped)
				return
			}
			continue
		}
		photos[i].Stats = stats
	}
}
