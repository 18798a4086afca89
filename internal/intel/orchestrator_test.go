package intel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/cache"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

type stubSource struct {
	name   string
	weight float64
	result contracts.SourceResult
	err    error
	calls  int
	mu     sync.Mutex
}

func (s *stubSource) Name() string               { return s.name }
func (s *stubSource) ReliabilityWeight() float64 { return s.weight }

func (s *stubSource) Lookup(_ context.Context, _ contracts.Indicator) (contracts.SourceResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return contracts.SourceResult{Source: s.name, Err: s.err.Error()}, s.err
	}
	res := s.result
	res.Source = s.name
	return res, nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubWriteback struct {
	mu    sync.Mutex
	calls []string
}

func (w *stubWriteback) Index(_ context.Context, index, docID string, _ interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, index+"/"+docID)
	return nil
}

func score(v float64) *float64 { return &v }

func testCache(t *testing.T) *cache.Tiered {
	t.Helper()
	disk, err := cache.OpenDisk(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	tiered := cache.NewTiered(cache.NewMemory(64), disk, time.Hour, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = tiered.Close() })
	return tiered
}

func mustIndicator(t *testing.T, raw string) contracts.Indicator {
	t.Helper()
	ind, err := contracts.ParseIndicator(raw)
	require.NoError(t, err)
	return ind
}

func TestEnrichAggregatesWithReliabilityWeights(t *testing.T) {
	a := &stubSource{name: "alpha", weight: 0.9, result: contracts.SourceResult{
		ThreatScore: score(80), Confidence: score(0.9), Country: "NL", ASN: "AS64500", Network: "198.51.100.0/24",
	}}
	b := &stubSource{name: "beta", weight: 0.3, result: contracts.SourceResult{
		ThreatScore: score(40), Confidence: score(0.5), Country: "DE",
	}}
	o := NewOrchestrator([]Source{a, b}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())

	result, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	require.NoError(t, err)

	// (80*0.9 + 40*0.3) / 1.2 = 70
	require.NotNil(t, result.OverallScore)
	assert.InDelta(t, 70.0, *result.OverallScore, 0.001)
	// Both sources answered, so the full reliability budget is covered.
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 1.0, *result.Confidence, 0.001)

	// Geo and network come from the heavier source.
	assert.Equal(t, "NL", result.Country)
	assert.Equal(t, "AS64500", result.ASN)
	assert.Equal(t, []string{"alpha", "beta"}, result.SourcesQueried)
	assert.False(t, result.CacheHit)
}

func TestEnrichPartialFailureStillSucceeds(t *testing.T) {
	ok := &stubSource{name: "alpha", weight: 1.0, result: contracts.SourceResult{ThreatScore: score(60)}}
	bad := &stubSource{name: "beta", weight: 0.5, err: errors.New("connection refused")}
	o := NewOrchestrator([]Source{ok, bad}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())

	result, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, *result.OverallScore, 0.001)
	assert.NotEmpty(t, result.SourceResults["beta"].Err)

	// A failed source still counts against the reliability budget:
	// 1.0 of 1.5 answered.
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 1.0/1.5, *result.Confidence, 0.001)
}

func TestEnrichGeoTieBreaksOnFreshness(t *testing.T) {
	older := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(72 * time.Hour)
	a := &stubSource{name: "alpha", weight: 0.8, result: contracts.SourceResult{
		Country: "NL", ASN: "AS64500", LastSeen: older,
	}}
	b := &stubSource{name: "beta", weight: 0.8, result: contracts.SourceResult{
		Country: "DE", ASN: "AS64501", LastSeen: newer,
	}}
	o := NewOrchestrator([]Source{a, b}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())

	result, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	require.NoError(t, err)

	// Equal reliability: the later sighting wins regardless of arrival
	// order.
	assert.Equal(t, "DE", result.Country)
	assert.Equal(t, "AS64501", result.ASN)
}

func TestEnrichAllSourcesFailed(t *testing.T) {
	bad1 := &stubSource{name: "alpha", weight: 1.0, err: errors.New("timeout")}
	bad2 := &stubSource{name: "beta", weight: 0.5, err: errors.New("refused")}
	o := NewOrchestrator([]Source{bad1, bad2}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())

	_, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestEnrichNoSourcesConfigured(t *testing.T) {
	o := NewOrchestrator(nil, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())
	_, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestEnrichCachesResult(t *testing.T) {
	src := &stubSource{name: "alpha", weight: 1.0, result: contracts.SourceResult{ThreatScore: score(60)}}
	o := NewOrchestrator([]Source{src}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())
	ind := mustIndicator(t, "203.0.113.7")

	first, err := o.Enrich(context.Background(), ind)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := o.Enrich(context.Background(), ind)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, src.callCount())
	assert.Equal(t, *first.OverallScore, *second.OverallScore)
}

func TestEnrichFailedLookupNotCached(t *testing.T) {
	src := &stubSource{name: "alpha", weight: 1.0, err: errors.New("timeout")}
	o := NewOrchestrator([]Source{src}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())
	ind := mustIndicator(t, "203.0.113.7")

	_, err := o.Enrich(context.Background(), ind)
	require.Error(t, err)
	_, err = o.Enrich(context.Background(), ind)
	require.Error(t, err)
	assert.Equal(t, 2, src.callCount())
}

func TestEnrichMergesCorrelatedIndicators(t *testing.T) {
	a := &stubSource{name: "alpha", weight: 1.0, result: contracts.SourceResult{
		Related: []contracts.Indicator{{Kind: contracts.IndicatorIPv4, Value: "198.51.100.4"}},
	}}
	b := &stubSource{name: "beta", weight: 1.0, result: contracts.SourceResult{
		Related: []contracts.Indicator{
			{Kind: contracts.IndicatorIPv4, Value: "198.51.100.4"},
			{Kind: contracts.IndicatorDomain, Value: "evil.example.com"},
		},
	}}
	o := NewOrchestrator([]Source{a, b}, testCache(t), nil, config.WritebackConfig{}, zap.NewNop())

	result, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	require.NoError(t, err)
	assert.Len(t, result.Correlated, 2)
}

func TestEnrichWriteBack(t *testing.T) {
	src := &stubSource{name: "alpha", weight: 1.0, result: contracts.SourceResult{ThreatScore: score(60)}}
	wb := &stubWriteback{}
	o := NewOrchestrator([]Source{src}, testCache(t), wb, config.WritebackConfig{
		Enabled:     true,
		IndexPrefix: "enrichment-intel",
	}, zap.NewNop())

	_, err := o.Enrich(context.Background(), mustIndicator(t, "203.0.113.7"))
	require.NoError(t, err)
	o.Flush()

	wb.mu.Lock()
	defer wb.mu.Unlock()
	require.Len(t, wb.calls, 1)
	assert.Contains(t, wb.calls[0], "enrichment-intel-")
	assert.Contains(t, wb.calls[0], "203.0.113.7_")
}

func TestCacheKeyIncludesKindAndValue(t *testing.T) {
	ip := mustIndicator(t, "203.0.113.7")
	dom := mustIndicator(t, "evil.example.com")
	assert.NotEqual(t, CacheKey(ip), CacheKey(dom))
	assert.Contains(t, CacheKey(ip), "comprehensive")
}
