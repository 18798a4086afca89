package siem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
)

// fakeCat serves _cat/indices for a fixed pattern-to-indices table and
// counts requests.
type fakeCat struct {
	indices  map[string][]string
	requests int
}

func (f *fakeCat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests++
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Elastic-Product", "Elasticsearch")

	pattern := strings.TrimPrefix(r.URL.Path, "/_cat/indices/")
	names, ok := f.indices[pattern]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"index_not_found_exception"}`))
		return
	}
	rows := make([]map[string]string, 0, len(names))
	for _, n := range names {
		rows = append(rows, map[string]string{"index": n})
	}
	_ = json.NewEncoder(w).Encode(rows)
}

func newDiscovery(t *testing.T, cat *fakeCat, patterns []config.IndexPattern, refresh time.Duration) *Discovery {
	t.Helper()
	srv := httptest.NewServer(cat)
	t.Cleanup(srv.Close)

	cfg := config.SIEMStoreConfig{
		URL:              srv.URL,
		QueryTimeout:     5 * time.Second,
		DiscoveryRefresh: refresh,
		IndexPatterns:    patterns,
	}
	client, err := NewClient(cfg, "", testBreaker(t), zap.NewNop())
	require.NoError(t, err)
	return NewDiscovery(client, cfg, zap.NewNop())
}

func TestResolvePrimaryOnly(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{
		"cowrie-*": {"cowrie-2026.03.02", "cowrie-2026.03.01"},
	}}
	d := newDiscovery(t, cat, []config.IndexPattern{{Primary: "cowrie-*", Fallback: "honeypot-*"}}, time.Minute)

	indices, diags, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cowrie-2026.03.01", "cowrie-2026.03.02"}, indices)
	require.Len(t, diags.PatternsTried, 1)
	assert.False(t, diags.PatternsTried[0].UsedFallback)
}

func TestResolveFallbackWhenPrimaryEmpty(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{
		"honeypot-*": {"honeypot-2026.03.01"},
	}}
	d := newDiscovery(t, cat, []config.IndexPattern{{Primary: "cowrie-*", Fallback: "honeypot-*"}}, time.Minute)

	indices, diags, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"honeypot-2026.03.01"}, indices)
	assert.True(t, diags.PatternsTried[0].UsedFallback)
}

func TestResolveUnionFallback(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{
		"cowrie-*":   {"cowrie-2026.03.01"},
		"honeypot-*": {"honeypot-2026.03.01"},
	}}
	d := newDiscovery(t, cat, []config.IndexPattern{
		{Primary: "cowrie-*", Fallback: "honeypot-*", UnionFallback: true},
	}, time.Minute)

	indices, _, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cowrie-2026.03.01", "honeypot-2026.03.01"}, indices)
}

func TestResolveNoMatchesProducesDiagnostics(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{}}
	d := newDiscovery(t, cat, []config.IndexPattern{{Primary: "cowrie-*"}}, time.Minute)

	indices, diags, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, indices)
	assert.NotEmpty(t, diags.Suggestions)
	require.Len(t, diags.PatternsTried, 1)
	assert.Empty(t, diags.PatternsTried[0].Matched)
}

func TestResolveCachesUntilRefresh(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{
		"cowrie-*": {"cowrie-2026.03.01"},
	}}
	d := newDiscovery(t, cat, []config.IndexPattern{{Primary: "cowrie-*"}}, time.Hour)

	_, _, err := d.Resolve(context.Background())
	require.NoError(t, err)
	first := cat.requests

	_, _, err = d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, cat.requests)

	d.Invalidate()
	_, _, err = d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Greater(t, cat.requests, first)
}

func TestResolveDeduplicatesAcrossPatterns(t *testing.T) {
	cat := &fakeCat{indices: map[string][]string{
		"cowrie-*":  {"cowrie-2026.03.01"},
		"dshield-*": {"cowrie-2026.03.01", "dshield-2026.03.01"},
	}}
	d := newDiscovery(t, cat, []config.IndexPattern{
		{Primary: "cowrie-*"},
		{Primary: "dshield-*"},
	}, time.Minute)

	indices, _, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cowrie-2026.03.01", "dshield-2026.03.01"}, indices)
}
