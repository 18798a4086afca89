package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// stubStore answers every search with a canned event slice.
type stubStore struct {
	mu       sync.Mutex
	events   []contracts.Event
	searches int
	// firstOnly serves events on the first search only.
	firstOnly bool
	// block holds every search until the context expires.
	block bool
}

func (s *stubStore) Search(ctx context.Context, _ siem.SearchRequest) (*siem.SearchResult, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	s.searches++
	n := s.searches
	s.mu.Unlock()

	if s.firstOnly && n > 1 {
		return &siem.SearchResult{}, nil
	}
	return &siem.SearchResult{
		Total:  int64(len(s.events)),
		Events: s.events,
	}, nil
}

type stubResolver struct {
	indices []string
}

func (r *stubResolver) Resolve(context.Context) ([]string, siem.Diagnostics, error) {
	return r.indices, siem.Diagnostics{}, nil
}

func corrConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		WindowMinutes:       30,
		BehavioralThreshold: 0.6,
		MinConfidence:       0.7,
		SubnetPrefixBits:    24,
		StageTimeout:        5 * time.Second,
		MaxEmbeddedEvents:   100,
	}
}

func attackEvents(sourceIP string, n int) []contracts.Event {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]contracts.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, contracts.Event{
			Index:           "cowrie-2026.03.01",
			ID:              sourceIP + "-" + string(rune('a'+i)),
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			SourceIP:        sourceIP,
			DestinationIP:   "192.0.2.10",
			DestinationPort: 22,
			Category:        "ssh",
			Technique:       "T1110",
			Tactic:          "credential-access",
		})
	}
	return out
}

func seed(t *testing.T, raw string) contracts.Indicator {
	t.Helper()
	ind, err := contracts.ParseIndicator(raw)
	require.NoError(t, err)
	return ind
}

func window() (time.Time, time.Time) {
	start := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return start, start.Add(3 * time.Hour)
}

func TestCorrelateMultiStageEvidenceBuildsCampaign(t *testing.T) {
	store := &stubStore{events: attackEvents("203.0.113.7", 10)}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)

	require.Len(t, result.Campaigns, 1)
	campaign := result.Campaigns[0]
	assert.GreaterOrEqual(t, campaign.Confidence, 0.7)
	assert.NotEmpty(t, campaign.ID)
	assert.Equal(t, 10, campaign.TotalEvents)
	assert.Equal(t, 1, campaign.UniqueSourceIPs)
	assert.Equal(t, []string{"T1110"}, campaign.Techniques)
	assert.Contains(t, result.StagesRun, StageScoring)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), campaign.Start)

	// Embedded events reference the arena.
	for _, ref := range campaign.EventRefs {
		assert.Less(t, ref, len(result.Arena))
	}
	assert.NotEmpty(t, campaign.Events)
}

func TestCorrelateSingleSignalDropsBelowFloor(t *testing.T) {
	store := &stubStore{events: attackEvents("203.0.113.7", 10), firstOnly: true}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Campaigns)
	assert.Positive(t, result.TotalEvents)
}

func TestCorrelateMergesOverlappingSeeds(t *testing.T) {
	events := append(attackEvents("203.0.113.7", 5), attackEvents("203.0.113.8", 5)...)
	store := &stubStore{events: events}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7"), seed(t, "203.0.113.8")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)

	// Shared infrastructure and behavior pull both seeds into one campaign.
	require.Len(t, result.Campaigns, 1)
	assert.Len(t, result.Campaigns[0].Seeds, 2)
	assert.Equal(t, 2, result.Campaigns[0].UniqueSourceIPs)
}

func TestCorrelateStageTimeoutDegradesWithWarning(t *testing.T) {
	cfg := corrConfig()
	cfg.StageTimeout = 20 * time.Millisecond
	store := &stubStore{block: true}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, cfg, zap.NewNop())

	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)
	require.Len(t, result.Campaigns, 1)
	assert.Zero(t, result.Campaigns[0].Confidence)
	assert.Zero(t, result.Campaigns[0].TotalEvents)
	assert.NotEmpty(t, result.StageWarnings)
	assert.Contains(t, result.StageWarnings[0], "timed out")
}

func TestCorrelateRejectsEmptySeedSet(t *testing.T) {
	c := New(&stubStore{}, &stubResolver{}, corrConfig(), zap.NewNop())
	start, end := window()
	_, err := c.Correlate(context.Background(), Request{Start: start, End: end})
	assert.Error(t, err)
}

func TestCorrelateRejectsEmptyWindow(t *testing.T) {
	c := New(&stubStore{}, &stubResolver{}, corrConfig(), zap.NewNop())
	start, _ := window()
	_, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   start,
	})
	assert.Error(t, err)
}

func TestCorrelateNoIndices(t *testing.T) {
	c := New(&stubStore{}, &stubResolver{indices: nil}, corrConfig(), zap.NewNop())
	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)
	require.Len(t, result.Campaigns, 1)
	assert.Zero(t, result.Campaigns[0].Confidence)
	assert.Zero(t, result.Campaigns[0].TotalEvents)
	assert.NotEmpty(t, result.Campaigns[0].ID)
	assert.Zero(t, result.TotalEvents)
}

// emptySearchStore answers every search with nothing.
type emptySearchStore struct{}

func (emptySearchStore) Search(context.Context, siem.SearchRequest) (*siem.SearchResult, error) {
	return &siem.SearchResult{}, nil
}

func TestCorrelateEmptyDirectStageYieldsEmptyCampaign(t *testing.T) {
	c := New(emptySearchStore{}, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())
	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "203.0.113.7")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)
	require.Len(t, result.Campaigns, 1)
	campaign := result.Campaigns[0]
	assert.Zero(t, campaign.Confidence)
	assert.Zero(t, campaign.TotalEvents)
	assert.Empty(t, campaign.EventRefs)
	assert.Equal(t, []contracts.Indicator{seed(t, "203.0.113.7")}, campaign.Seeds)
}

func TestStageWeightOverrides(t *testing.T) {
	cfg := corrConfig()
	cfg.StageWeights = map[string]float64{
		StageDirect:  0.5,
		"not_a_stage": 9.0,
	}
	c := New(&stubStore{}, &stubResolver{}, cfg, zap.NewNop())
	assert.Equal(t, 0.5, c.cfg.StageWeights[StageDirect])
	assert.Equal(t, DefaultStageWeights[StageInfra], c.cfg.StageWeights[StageInfra])
	assert.NotContains(t, c.cfg.StageWeights, "not_a_stage")
}

func TestOverlapRatio(t *testing.T) {
	a := map[int]bool{1: true, 2: true, 3: true, 4: true}
	b := map[int]bool{3: true, 4: true}
	assert.Equal(t, 1.0, overlapRatio(a, b))

	c := map[int]bool{4: true, 5: true}
	assert.Equal(t, 0.5, overlapRatio(a, c))

	assert.Zero(t, overlapRatio(a, map[int]bool{}))
}

func TestBuildTimelineBucketsEvents(t *testing.T) {
	events := attackEvents("203.0.113.7", 10)
	refs := make([]int, len(events))
	for i := range refs {
		refs[i] = i
	}

	timeline := buildTimeline(events, refs, 0)
	require.NotEmpty(t, timeline)

	total := 0
	for _, bucket := range timeline {
		total += bucket.EventCount
		assert.Positive(t, bucket.SourceIPs)
	}
	assert.Equal(t, len(events), total)
	for i := 1; i < len(timeline); i++ {
		assert.True(t, timeline[i].Start.After(timeline[i-1].Start))
	}
}

func TestBuildTimelineFixedGranularity(t *testing.T) {
	events := attackEvents("203.0.113.7", 10)
	refs := make([]int, len(events))
	for i := range refs {
		refs[i] = i
	}

	timeline := buildTimeline(events, refs, time.Hour)
	require.NotEmpty(t, timeline)
	for _, bucket := range timeline {
		assert.True(t, bucket.Start.Equal(bucket.Start.Truncate(time.Hour)))
	}
}

func TestEmbedSampleBounded(t *testing.T) {
	events := attackEvents("203.0.113.7", 10)
	refs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Len(t, embedSample(events, refs, 3), 3)
	assert.Len(t, embedSample(events, refs, 100), 10)
	assert.Nil(t, embedSample(events, refs, 0))
}

func TestExpandIOCsDiscoversNewIndicators(t *testing.T) {
	events := append(attackEvents("203.0.113.7", 5), attackEvents("198.51.100.4", 5)...)
	store := &stubStore{events: events}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	start, end := window()
	expansion, err := c.ExpandIOCs(context.Background(), []contracts.Indicator{seed(t, "203.0.113.7")}, start, end)
	require.NoError(t, err)

	assert.Contains(t, expansion.Discovered, seed(t, "198.51.100.4"))
	assert.NotContains(t, expansion.Discovered, seed(t, "203.0.113.7"))
	assert.Positive(t, expansion.EventsScanned)
	assert.Contains(t, expansion.StagesRun, StageInfra)
	assert.NotContains(t, expansion.StagesRun, StageBehavioral)
}

// testRun builds a stageRun with a pre-populated arena, tag sets, and
// per-seed credit, bypassing the store.
func testRun(c *Correlator, seeds []contracts.Indicator) *stageRun {
	return &stageRun{
		correlator: c,
		req:        Request{Seeds: seeds},
		arena:      newArena(),
		perSeed:    make(map[contracts.Indicator]map[int]bool),
		stageCount: make(map[string]int),
		tags:       make(map[int]map[string]bool),
		stagesRun:  []string{StageDirect, StageInfra, StageBehavioral, StageTemporal, StageIP, StageNetwork},
	}
}

func (r *stageRun) seedEvent(seed contracts.Indicator, ev contracts.Event, stages ...string) {
	idx := r.arena.add(ev)
	if r.perSeed[seed] == nil {
		r.perSeed[seed] = make(map[int]bool)
	}
	r.perSeed[seed][idx] = true
	if r.tags[idx] == nil {
		r.tags[idx] = make(map[string]bool)
	}
	for _, s := range stages {
		r.tags[idx][s] = true
		r.stageCount[s]++
	}
}

func TestScoringReflectsEachCampaignsOwnEvidence(t *testing.T) {
	c := New(&stubStore{}, &stubResolver{}, corrConfig(), zap.NewNop())
	corroborated := seed(t, "203.0.113.7")
	thin := seed(t, "198.51.100.4")

	run := testRun(c, []contracts.Indicator{corroborated, thin})
	for _, ev := range attackEvents("203.0.113.7", 5) {
		run.seedEvent(corroborated, ev, StageDirect, StageInfra, StageIP, StageNetwork)
	}
	for _, ev := range attackEvents("198.51.100.4", 5) {
		run.seedEvent(thin, ev, StageDirect)
	}

	campaigns, err := c.buildCampaigns(context.Background(), run)
	require.NoError(t, err)

	// Direct-only events score 1.0/4.0 and fall below the 0.7 floor, so
	// the thin seed yields no campaign; the corroborated seed's events
	// score (1.0+0.8+0.6+0.4)/4.0 = 0.7 and survive.
	require.Len(t, campaigns, 1)
	campaign := campaigns[0]
	assert.Equal(t, []contracts.Indicator{corroborated}, campaign.Seeds)
	assert.InDelta(t, 0.7, campaign.Confidence, 1e-9)
	assert.Equal(t, 5, campaign.TotalEvents)
	// Stage counts cover the campaign's own events, not the whole run.
	assert.Equal(t, 5, campaign.StageCounts[StageDirect])
	assert.Zero(t, campaign.StageCounts[StageBehavioral])
}

func TestEventConfidenceMonotoneInCorroboration(t *testing.T) {
	stages := []string{StageDirect, StageInfra, StageBehavioral, StageTemporal, StageIP, StageNetwork}
	var denom float64
	for _, s := range stages {
		denom += DefaultStageWeights[s]
	}

	rapid.Check(t, func(t *rapid.T) {
		subset := rapid.SliceOfNDistinct(rapid.SampledFrom(stages), 1, len(stages),
			func(s string) string { return s }).Draw(t, "stages")
		tags := make(map[string]bool, len(subset))
		for _, s := range subset {
			tags[s] = true
		}
		base := eventConfidence(tags, DefaultStageWeights, denom)
		if base < 0 || base > 1 {
			t.Fatalf("confidence out of range: %f", base)
		}

		for _, extra := range stages {
			if tags[extra] {
				continue
			}
			grown := make(map[string]bool, len(tags)+1)
			for s := range tags {
				grown[s] = true
			}
			grown[extra] = true
			if got := eventConfidence(grown, DefaultStageWeights, denom); got < base {
				t.Fatalf("adding %s lowered confidence: %f -> %f", extra, base, got)
			}
		}
	})
}

func TestBehavioralStageEnforcesOverlapThreshold(t *testing.T) {
	onPattern := attackEvents("203.0.113.7", 3)
	offPattern := contracts.Event{
		Index: "cowrie-2026.03.01", ID: "off-1",
		Timestamp: onPattern[0].Timestamp,
		SourceIP:  "198.51.100.9",
		Category:  "dos", Technique: "T9999", Tactic: "impact",
	}
	store := &stubStore{events: append(onPattern, offPattern)}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	ind := seed(t, "203.0.113.7")
	run := testRun(c, []contracts.Indicator{ind})
	run.indices = []string{"cowrie-2026.03.01"}
	run.seedEvent(ind, onPattern[0], StageDirect)

	require.NoError(t, run.runBehavioral(context.Background()))

	for i := range run.arena.events {
		assert.NotEqual(t, "T9999", run.arena.events[i].Technique)
	}
	assert.Equal(t, 3, len(run.arena.events))
}

func TestFeatureOverlap(t *testing.T) {
	known := map[string]bool{"T1110": true, "credential-access": true, "ssh": true}
	full := contracts.Event{Technique: "T1110", Tactic: "credential-access", Category: "ssh"}
	partial := contracts.Event{Technique: "T1110", Tactic: "impact", Category: "dos"}
	bare := contracts.Event{}

	assert.Equal(t, 1.0, featureOverlap(&full, known))
	assert.InDelta(t, 1.0/3.0, featureOverlap(&partial, known), 1e-9)
	assert.Zero(t, featureOverlap(&bare, known))
}

func TestCorrelateDomainSeedExpandsDirectStage(t *testing.T) {
	events := attackEvents("203.0.113.7", 5)
	for i := range events {
		events[i].Fields = map[string]interface{}{"destination.domain": "c2.example.test"}
	}
	store := &stubStore{events: events}
	c := New(store, &stubResolver{indices: []string{"cowrie-2026.03.01"}}, corrConfig(), zap.NewNop())

	start, end := window()
	result, err := c.Correlate(context.Background(), Request{
		Seeds: []contracts.Indicator{seed(t, "c2.example.test")},
		Start: start,
		End:   end,
	})
	require.NoError(t, err)

	require.Len(t, result.Campaigns, 1)
	campaign := result.Campaigns[0]
	assert.Positive(t, campaign.TotalEvents)
	assert.Positive(t, campaign.StageCounts[StageDirect])
	assert.Equal(t, contracts.IndicatorDomain, campaign.Seeds[0].Kind)
}

func TestSeedMatchesEventByKind(t *testing.T) {
	ev := contracts.Event{
		SourceIP: "203.0.113.7",
		Fields: map[string]interface{}{
			"dns.question.name": "c2.example.test",
			"file.hash.sha256":  "AA00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11",
		},
	}

	assert.True(t, seedMatchesEvent(seed(t, "203.0.113.7"), &ev))
	assert.True(t, seedMatchesEvent(seed(t, "c2.example.test"), &ev))
	assert.True(t, seedMatchesEvent(seed(t, "aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11aa00bb11"), &ev))
	assert.False(t, seedMatchesEvent(seed(t, "198.51.100.4"), &ev))
}
