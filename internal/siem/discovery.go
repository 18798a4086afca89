package siem

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
)

// Diagnostics explains an empty discovery result: which patterns were
// tried, what each matched, and what the operator or client can do next.
type Diagnostics struct {
	PatternsTried []PatternOutcome `json:"patterns_tried"`
	Suggestions   []string         `json:"suggestions,omitempty"`
}

// PatternOutcome is the per-pattern slice of a Diagnostics payload.
type PatternOutcome struct {
	Primary       string   `json:"primary"`
	Fallback      string   `json:"fallback,omitempty"`
	Matched       []string `json:"matched_indices"`
	UsedFallback  bool     `json:"used_fallback"`
	UnionFallback bool     `json:"union_fallback"`
}

// Discovery resolves configured index patterns into concrete index names
// and caches the answer for the refresh interval.
type Discovery struct {
	client  *Client
	cfg     config.SIEMStoreConfig
	logger  *zap.Logger
	clock   func() time.Time

	mu        sync.Mutex
	resolved  []string
	diags     Diagnostics
	fetchedAt time.Time
}

// NewDiscovery creates a discovery layer over the store client.
func NewDiscovery(client *Client, cfg config.SIEMStoreConfig, logger *zap.Logger) *Discovery {
	return &Discovery{client: client, cfg: cfg, logger: logger, clock: time.Now}
}

// Resolve returns the concrete indices queries should target, refreshing
// from the store when the cached answer is stale. An empty result is not
// an error; callers surface the diagnostics instead.
func (d *Discovery) Resolve(ctx context.Context) ([]string, Diagnostics, error) {
	d.mu.Lock()
	if !d.fetchedAt.IsZero() && d.clock().Sub(d.fetchedAt) < d.cfg.DiscoveryRefresh {
		indices, diags := d.resolved, d.diags
		d.mu.Unlock()
		return indices, diags, nil
	}
	d.mu.Unlock()

	indices, diags, err := d.discover(ctx)
	if err != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		// Serve the stale answer over an error when we have one.
		if !d.fetchedAt.IsZero() {
			d.logger.Warn("index discovery failed, serving cached result",
				zap.Error(err),
				zap.Time("fetched_at", d.fetchedAt))
			return d.resolved, d.diags, nil
		}
		return nil, Diagnostics{}, err
	}

	d.mu.Lock()
	d.resolved = indices
	d.diags = diags
	d.fetchedAt = d.clock()
	d.mu.Unlock()
	return indices, diags, nil
}

// Invalidate drops the cached resolution so the next Resolve refreshes.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.fetchedAt = time.Time{}
	d.mu.Unlock()
}

func (d *Discovery) discover(ctx context.Context) ([]string, Diagnostics, error) {
	seen := make(map[string]bool)
	var all []string
	var diags Diagnostics

	for _, pattern := range d.cfg.IndexPatterns {
		outcome := PatternOutcome{
			Primary:       pattern.Primary,
			Fallback:      pattern.Fallback,
			UnionFallback: pattern.UnionFallback,
		}

		primary, err := d.client.ListIndices(ctx, pattern.Primary)
		if err != nil {
			return nil, Diagnostics{}, err
		}
		matched := primary

		// Fallback joins the result when the primary matched nothing, or
		// unconditionally when the pattern asks for a union.
		if pattern.Fallback != "" && (len(primary) == 0 || pattern.UnionFallback) {
			fallback, err := d.client.ListIndices(ctx, pattern.Fallback)
			if err != nil {
				return nil, Diagnostics{}, err
			}
			if len(fallback) > 0 {
				outcome.UsedFallback = true
				matched = append(matched, fallback...)
			}
		}

		for _, idx := range matched {
			if !seen[idx] {
				seen[idx] = true
				all = append(all, idx)
			}
		}
		outcome.Matched = matched
		diags.PatternsTried = append(diags.PatternsTried, outcome)
	}

	sort.Strings(all)
	if len(all) == 0 {
		diags.Suggestions = []string{
			"verify the store URL and credentials are correct",
			"check that the configured index patterns match existing indices",
			"run the diagnose_data_availability tool for a live probe",
		}
		d.logger.Warn("index discovery matched no indices",
			zap.Int("patterns", len(d.cfg.IndexPatterns)))
	}
	return all, diags, nil
}
