package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/beefsync/costengine/internal/domain"
)

// previewKeyVersion changes whenever the cached payload shape changes.
const previewKeyVersion = "v1"

// Preview is a cached calculation result. It depends only on the animal
// attributes the calculator reads, never on the animal ID.
type Preview struct {
	Breakdown  domain.CostBreakdown    `json:"breakdown"`
	DnaCharges []domain.CostEntryDraft `json:"dnaCharges"`
}

// PreviewCache stores calculation previews in any domain.Cache.
// Entries stay valid for the process lifetime of the catalog, so the
// catalog fingerprint is part of the key.
type PreviewCache struct {
	cache   domain.Cache
	ttl     time.Duration
	catalog string
	logger  *slog.Logger
}

// NewPreviewCache wraps c. catalogID distinguishes catalogs that share a
// remote cache.
func NewPreviewCache(c domain.Cache, ttl time.Duration, catalogID string, logger *slog.Logger) *PreviewCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewCache{cache: c, ttl: ttl, catalog: catalogID, logger: logger}
}

// PreviewKey builds the cache key for an animal's calculator inputs.
func (p *PreviewCache) PreviewKey(animal domain.AnimalSnapshot) string {
	return fmt.Sprintf("preview:%s:%s:%s:%d:%t:%t",
		previewKeyVersion, p.catalog, animal.Sex, animal.AgeMonths,
		animal.IsIVFOrigin, animal.HasSurrogateDam)
}

// Get returns the cached preview for animal, relabelled with its ID.
// Cache failures read as misses.
func (p *PreviewCache) Get(ctx context.Context, animal domain.AnimalSnapshot) (*Preview, bool) {
	data, err := p.cache.Get(ctx, p.PreviewKey(animal))
	if err != nil {
		p.logger.Warn("preview cache read failed", "error", err)
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	var pv Preview
	if err := json.Unmarshal(data, &pv); err != nil {
		p.logger.Warn("discarding undecodable preview", "error", err)
		return nil, false
	}
	pv.Breakdown.AnimalID = animal.ID
	return &pv, true
}

// Set stores a preview. Failures are logged, not returned.
func (p *PreviewCache) Set(ctx context.Context, animal domain.AnimalSnapshot, pv *Preview) {
	stored := *pv
	stored.Breakdown.AnimalID = ""

	data, err := json.Marshal(stored)
	if err != nil {
		p.logger.Warn("failed to encode preview", "error", err)
		return
	}
	if err := p.cache.Set(ctx, p.PreviewKey(animal), data, p.ttl); err != nil {
		p.logger.Warn("preview cache write failed", "error", err)
	}
}
