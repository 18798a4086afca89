// Package correlator assembles campaign hypotheses from seed indicators
// by expanding them through staged queries against the SIEM store and
// scoring the combined evidence.
package correlator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// Expansion stages, in execution order. Scoring runs last over whatever
// the query stages collected.
const (
	StageDirect     = "direct_ioc"
	StageInfra      = "infrastructure"
	StageBehavioral = "behavioral"
	StageTemporal   = "temporal"
	StageIP         = "ip_correlation"
	StageNetwork    = "network"
	StageScoring    = "scoring"
)

// DefaultStageWeights applies when the configuration does not override
// per-stage weights.
var DefaultStageWeights = map[string]float64{
	StageDirect:     1.0,
	StageInfra:      0.8,
	StageBehavioral: 0.7,
	StageTemporal:   0.5,
	StageIP:         0.6,
	StageNetwork:    0.4,
}

// Store is the slice of the SIEM client the correlator needs.
type Store interface {
	Search(ctx context.Context, req siem.SearchRequest) (*siem.SearchResult, error)
}

// IndexResolver supplies the concrete indices to query.
type IndexResolver interface {
	Resolve(ctx context.Context) ([]string, siem.Diagnostics, error)
}

// Request describes one correlation run.
type Request struct {
	Seeds []contracts.Indicator
	Start time.Time
	End   time.Time
	// Stages restricts which expansion stages run; empty means all.
	Stages []string
	// Granularity is the timeline bucket width; zero picks a width that
	// yields at most 24 buckets.
	Granularity time.Duration
}

// Result is the correlation outcome: zero or more campaigns plus the
// shared event arena they reference.
type Result struct {
	Campaigns []contracts.Campaign `json:"campaigns"`
	// Arena holds every event any campaign references; EventRefs index it.
	Arena         []contracts.Event `json:"-"`
	TotalEvents   int               `json:"total_events_examined"`
	StagesRun     []string          `json:"stages_run"`
	StageWarnings []string          `json:"stage_warnings,omitempty"`
	Elapsed       time.Duration     `json:"-"`
}

// Correlator runs the staged expansion pipeline.
type Correlator struct {
	store    Store
	resolver IndexResolver
	cfg      config.CorrelationConfig
	logger   *zap.Logger
	clock    func() time.Time

	// pageSize bounds each stage query.
	pageSize int
}

// New creates a correlator over the store.
func New(store Store, resolver IndexResolver, cfg config.CorrelationConfig, logger *zap.Logger) *Correlator {
	weights := make(map[string]float64, len(DefaultStageWeights))
	for k, v := range DefaultStageWeights {
		weights[k] = v
	}
	for k, v := range cfg.StageWeights {
		if _, known := weights[k]; known && v > 0 {
			weights[k] = v
		}
	}
	cfg.StageWeights = weights
	return &Correlator{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
		pageSize: 1000,
	}
}

// arena accumulates events once, deduplicated by (index, id), and hands
// out stable indices for campaigns to reference.
type arena struct {
	events []contracts.Event
	byKey  map[string]int
}

func newArena() *arena {
	return &arena{byKey: make(map[string]int)}
}

func (a *arena) add(ev contracts.Event) int {
	key := ev.Index + "\x00" + ev.ID
	if idx, ok := a.byKey[key]; ok {
		return idx
	}
	idx := len(a.events)
	a.events = append(a.events, ev)
	a.byKey[key] = idx
	return idx
}

// Correlate runs every requested stage and builds scored campaigns. A
// stage that times out contributes a warning instead of failing the run.
func (c *Correlator) Correlate(ctx context.Context, req Request) (*Result, error) {
	started := c.clock()
	if len(req.Seeds) == 0 {
		return nil, fmt.Errorf("at least one seed indicator is required")
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("time window is empty")
	}

	indices, _, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve indices: %w", err)
	}
	if len(indices) == 0 {
		empty := c.emptyCampaign(&stageRun{correlator: c, req: req})
		return &Result{
			Campaigns: []contracts.Campaign{empty},
			Elapsed:   c.clock().Sub(started),
		}, nil
	}

	run := &stageRun{
		correlator: c,
		req:        req,
		indices:    indices,
		arena:      newArena(),
		perSeed:    make(map[contracts.Indicator]map[int]bool, len(req.Seeds)),
		stageCount: make(map[string]int),
		tags:       make(map[int]map[string]bool),
	}
	for _, seed := range req.Seeds {
		run.perSeed[seed] = make(map[int]bool)
	}

	for _, stage := range c.stagesFor(req) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run.execute(ctx, stage)
	}

	campaigns, err := c.buildCampaigns(ctx, run)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Campaigns:     campaigns,
		Arena:         run.arena.events,
		TotalEvents:   len(run.arena.events),
		StagesRun:     append(run.stagesRun, StageScoring),
		StageWarnings: run.warnings,
		Elapsed:       c.clock().Sub(started),
	}
	c.logger.Info("Correlation completed",
		zap.Int("seeds", len(req.Seeds)),
		zap.Int("campaigns", len(campaigns)),
		zap.Int("events", result.TotalEvents),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (c *Correlator) stagesFor(req Request) []string {
	all := []string{StageDirect, StageInfra, StageBehavioral, StageTemporal, StageIP, StageNetwork}
	if len(req.Stages) == 0 {
		return all
	}
	requested := make(map[string]bool, len(req.Stages))
	for _, s := range req.Stages {
		requested[s] = true
	}
	// Direct always runs; later stages expand from its findings.
	out := []string{StageDirect}
	for _, s := range all[1:] {
		if requested[s] {
			out = append(out, s)
		}
	}
	return out
}

// stageRun is the mutable state threaded through one correlation.
type stageRun struct {
	correlator *Correlator
	req        Request
	indices    []string
	arena      *arena

	// perSeed tracks which arena events each seed's expansion reached.
	perSeed    map[contracts.Indicator]map[int]bool
	stageCount map[string]int
	// tags records which stages reached each arena event; scoring reads
	// an event's confidence off its tag set.
	tags      map[int]map[string]bool
	stagesRun []string
	warnings  []string

	relationships []contracts.IndicatorRelationship
}

// execute runs one stage under its own timeout; a deadline produces a
// warning, not a failure.
func (r *stageRun) execute(ctx context.Context, stage string) {
	stageCtx, cancel := context.WithTimeout(ctx, r.correlator.cfg.StageTimeout)
	defer cancel()

	var err error
	switch stage {
	case StageDirect:
		err = r.runDirect(stageCtx)
	case StageInfra:
		err = r.runInfra(stageCtx)
	case StageBehavioral:
		err = r.runBehavioral(stageCtx)
	case StageTemporal:
		err = r.runTemporal(stageCtx)
	case StageIP:
		err = r.runIP(stageCtx)
	case StageNetwork:
		err = r.runNetwork(stageCtx)
	}

	r.stagesRun = append(r.stagesRun, stage)
	if err != nil {
		warning := fmt.Sprintf("stage %s failed: %v", stage, err)
		if stageCtx.Err() == context.DeadlineExceeded {
			warning = fmt.Sprintf("stage %s timed out after %s", stage, r.correlator.cfg.StageTimeout)
		}
		r.warnings = append(r.warnings, warning)
		r.correlator.logger.Warn("Correlation stage degraded",
			zap.String("stage", stage),
			zap.Error(err))
	}
}

func (r *stageRun) search(ctx context.Context, query siem.Expr) ([]contracts.Event, error) {
	res, err := r.correlator.store.Search(ctx, siem.SearchRequest{
		Indices: r.indices,
		Query: siem.BoolExpr{
			Must:   []siem.Expr{query},
			Filter: []siem.Expr{siem.TimeWindow(r.req.Start, r.req.End)},
		},
		Sort: []siem.SortField{{Field: "@timestamp", Order: siem.Asc}},
		Size: r.correlator.pageSize,
	})
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// absorb adds events to the arena and credits them to the seeds whose
// expansion found them. Cancellation is checked every thousand events.
func (r *stageRun) absorb(ctx context.Context, stage string, events []contracts.Event, credit func(ev *contracts.Event) []contracts.Indicator) error {
	for i := range events {
		if i%1000 == 999 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		idx := r.arena.add(events[i])
		r.stageCount[stage]++
		if r.tags[idx] == nil {
			r.tags[idx] = make(map[string]bool)
		}
		r.tags[idx][stage] = true
		for _, seed := range credit(&events[i]) {
			if set, ok := r.perSeed[seed]; ok {
				set[idx] = true
			}
		}
	}
	return nil
}

// seedIPs returns the address-valued seeds.
func (r *stageRun) seedIPs() []contracts.Indicator {
	var out []contracts.Indicator
	for _, s := range r.req.Seeds {
		if s.IsIP() {
			out = append(out, s)
		}
	}
	return out
}

func ipValues(seeds []contracts.Indicator) []interface{} {
	out := make([]interface{}, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, s.Value)
	}
	return out
}

// ipFieldQuery matches any of the known source-address aliases.
func ipFieldQuery(values []interface{}) siem.Expr {
	return siem.BoolExpr{
		Should: []siem.Expr{
			siem.TermsExpr{Field: "source.ip", Values: values},
			siem.TermsExpr{Field: "source_ip", Values: values},
			siem.TermsExpr{Field: "src_ip", Values: values},
		},
		MinimumShouldMatch: 1,
	}
}

// Field aliases for the non-address indicator kinds, covering the ECS
// and honeypot-native spellings the indices use.
var (
	domainFields = []string{"destination.domain", "dns.question.name", "url.domain"}
	urlFields    = []string{"url.original", "url.full"}
	hashFields   = []string{"file.hash.sha256", "file.hash.md5", "hash"}
)

func aliasQuery(fields []string, values []interface{}) siem.Expr {
	should := make([]siem.Expr, 0, len(fields))
	for _, f := range fields {
		should = append(should, siem.TermsExpr{Field: f, Values: values})
	}
	return siem.BoolExpr{Should: should, MinimumShouldMatch: 1}
}

// eventAlias returns the first non-empty value among the aliased fields.
func eventAlias(ev *contracts.Event, fields []string) string {
	for _, f := range fields {
		if v := ev.StringField(f); v != "" {
			return v
		}
	}
	return ""
}

// seedFields maps an indicator kind to the event fields it matches on.
func seedFields(kind contracts.IndicatorKind) []string {
	switch kind {
	case contracts.IndicatorDomain:
		return domainFields
	case contracts.IndicatorURL:
		return urlFields
	case contracts.IndicatorFileHash:
		return hashFields
	}
	return nil
}

// runDirect finds events produced directly by the seed indicators. Each
// indicator kind is matched against its own event fields, so domain,
// URL, and hash seeds expand just like addresses do.
func (r *stageRun) runDirect(ctx context.Context) error {
	var should []siem.Expr
	byKind := make(map[contracts.IndicatorKind][]interface{})
	for _, s := range r.req.Seeds {
		byKind[s.Kind] = append(byKind[s.Kind], s.Value)
	}
	if ips := append(byKind[contracts.IndicatorIPv4], byKind[contracts.IndicatorIPv6]...); len(ips) > 0 {
		should = append(should, ipFieldQuery(ips))
	}
	for _, kind := range []contracts.IndicatorKind{contracts.IndicatorDomain, contracts.IndicatorURL, contracts.IndicatorFileHash} {
		if values := byKind[kind]; len(values) > 0 {
			should = append(should, aliasQuery(seedFields(kind), values))
		}
	}
	if len(should) == 0 {
		return nil
	}

	events, err := r.search(ctx, siem.BoolExpr{Should: should, MinimumShouldMatch: 1})
	if err != nil {
		return err
	}
	return r.absorb(ctx, StageDirect, events, func(ev *contracts.Event) []contracts.Indicator {
		var credited []contracts.Indicator
		for _, seed := range r.req.Seeds {
			if seedMatchesEvent(seed, ev) {
				credited = append(credited, seed)
			}
		}
		return credited
	})
}

// seedMatchesEvent reports whether an event carries the seed's value in
// the fields its kind matches on.
func seedMatchesEvent(seed contracts.Indicator, ev *contracts.Event) bool {
	if seed.IsIP() {
		return ev.SourceIP == seed.Value
	}
	for _, f := range seedFields(seed.Kind) {
		if strings.EqualFold(ev.StringField(f), seed.Value) {
			return true
		}
	}
	return false
}

// runInfra expands through shared infrastructure: other sources hitting
// the same targets or the same domains the seeds' events touch.
func (r *stageRun) runInfra(ctx context.Context) error {
	targets := r.collectField(func(ev *contracts.Event) string { return ev.DestinationIP })
	domains := r.collectField(func(ev *contracts.Event) string { return eventAlias(ev, domainFields) })
	if len(targets) == 0 && len(domains) == 0 {
		return nil
	}

	var should []siem.Expr
	if len(targets) > 0 {
		should = append(should,
			siem.TermsExpr{Field: "destination.ip", Values: targets},
			siem.TermsExpr{Field: "destination_ip", Values: targets})
	}
	if len(domains) > 0 {
		for _, f := range domainFields {
			should = append(should, siem.TermsExpr{Field: f, Values: domains})
		}
	}
	events, err := r.search(ctx, siem.BoolExpr{Should: should, MinimumShouldMatch: 1})
	if err != nil {
		return err
	}
	targetSeeds := r.seedsByDestination()
	domainSeeds := r.seedsBySignal(func(ev *contracts.Event) string { return eventAlias(ev, domainFields) })
	if err := r.absorb(ctx, StageInfra, events, func(ev *contracts.Event) []contracts.Indicator {
		credited := targetSeeds[ev.DestinationIP]
		for _, seed := range domainSeeds[eventAlias(ev, domainFields)] {
			credited = appendUniqueSeed(credited, seed)
		}
		return credited
	}); err != nil {
		return err
	}
	r.recordInfraRelationships(events)
	return nil
}

// runBehavioral expands through shared techniques and categories. A
// candidate is admitted only when the fraction of its behavioral
// features already seen in the arena reaches the configured threshold.
func (r *stageRun) runBehavioral(ctx context.Context) error {
	techniques := r.collectField(func(ev *contracts.Event) string { return ev.Technique })
	categories := r.collectField(func(ev *contracts.Event) string { return ev.Category })
	if len(techniques) == 0 && len(categories) == 0 {
		return nil
	}

	var should []siem.Expr
	if len(techniques) > 0 {
		should = append(should,
			siem.TermsExpr{Field: "threat.technique.id", Values: techniques},
			siem.TermsExpr{Field: "mitre_technique", Values: techniques})
	}
	if len(categories) > 0 {
		should = append(should,
			siem.TermsExpr{Field: "event.category", Values: categories},
			siem.TermsExpr{Field: "eventid", Values: categories})
	}
	events, err := r.search(ctx, siem.BoolExpr{Should: should, MinimumShouldMatch: 1})
	if err != nil {
		return err
	}

	known := r.arenaFeatures()
	matched := events[:0:0]
	for i := range events {
		if featureOverlap(&events[i], known) >= r.correlator.cfg.BehavioralThreshold {
			matched = append(matched, events[i])
		}
	}
	return r.absorb(ctx, StageBehavioral, matched, func(ev *contracts.Event) []contracts.Indicator {
		// Behavioral matches credit every seed that shares the pattern.
		var credited []contracts.Indicator
		for seed, set := range r.perSeed {
			if len(set) > 0 {
				credited = append(credited, seed)
			}
		}
		return credited
	})
}

// arenaFeatures collects the behavioral feature set of everything found
// so far: techniques, tactics, and categories.
func (r *stageRun) arenaFeatures() map[string]bool {
	out := make(map[string]bool)
	for i := range r.arena.events {
		for _, f := range eventFeatures(&r.arena.events[i]) {
			out[f] = true
		}
	}
	return out
}

func eventFeatures(ev *contracts.Event) []string {
	var out []string
	for _, f := range []string{ev.Technique, ev.Tactic, ev.Category} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// featureOverlap is the fraction of the event's behavioral features
// already present in the known set. Featureless events never match.
func featureOverlap(ev *contracts.Event, known map[string]bool) float64 {
	feats := eventFeatures(ev)
	if len(feats) == 0 {
		return 0
	}
	shared := 0
	for _, f := range feats {
		if known[f] {
			shared++
		}
	}
	return float64(shared) / float64(len(feats))
}

// runTemporal pulls activity tightly adjacent in time to already-found
// events, bounded by the correlation window.
func (r *stageRun) runTemporal(ctx context.Context) error {
	window := time.Duration(r.correlator.cfg.WindowMinutes) * time.Minute
	earliest, latest := r.eventTimeBounds()
	if earliest.IsZero() {
		return nil
	}
	start := earliest.Add(-window)
	if start.Before(r.req.Start) {
		start = r.req.Start
	}
	end := latest.Add(window)
	if end.After(r.req.End) {
		end = r.req.End
	}

	res, err := r.correlator.store.Search(ctx, siem.SearchRequest{
		Indices: r.indices,
		Query:   siem.BoolExpr{Filter: []siem.Expr{siem.TimeWindow(start, end)}},
		Sort:    []siem.SortField{{Field: "@timestamp", Order: siem.Asc}},
		Size:    r.correlator.pageSize,
	})
	if err != nil {
		return err
	}
	return r.absorb(ctx, StageTemporal, res.Events, func(ev *contracts.Event) []contracts.Indicator {
		var credited []contracts.Indicator
		for seed, set := range r.perSeed {
			if len(set) > 0 {
				credited = append(credited, seed)
			}
		}
		return credited
	})
}

// runIP expands to the seeds' enclosing subnets.
func (r *stageRun) runIP(ctx context.Context) error {
	seeds := r.seedIPs()
	if len(seeds) == 0 {
		return nil
	}
	prefixes := make(map[string][]contracts.Indicator)
	for _, s := range seeds {
		if cidr := s.Subnet(r.correlator.cfg.SubnetPrefixBits); cidr != "" {
			prefixes[cidr] = append(prefixes[cidr], s)
		}
	}

	for cidr, owners := range prefixes {
		events, err := r.search(ctx, siem.BoolExpr{
			Should: []siem.Expr{
				siem.TermExpr{Field: "source.ip", Value: cidr},
				siem.TermExpr{Field: "source_ip", Value: cidr},
			},
			MinimumShouldMatch: 1,
		})
		if err != nil {
			return err
		}
		if err := r.absorb(ctx, StageIP, events, func(ev *contracts.Event) []contracts.Indicator {
			return owners
		}); err != nil {
			return err
		}
		r.recordSubnetRelationships(cidr, owners, events)
	}
	return nil
}

// runNetwork expands through the destination-side network: scans against
// the same target subnets.
func (r *stageRun) runNetwork(ctx context.Context) error {
	subnets := make(map[string]bool)
	for i := range r.arena.events {
		ev := &r.arena.events[i]
		if ev.DestinationIP == "" {
			continue
		}
		ind, err := contracts.ParseIndicator(ev.DestinationIP)
		if err != nil {
			continue
		}
		if cidr := ind.Subnet(r.correlator.cfg.SubnetPrefixBits); cidr != "" {
			subnets[cidr] = true
		}
	}
	if len(subnets) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(subnets))
	for cidr := range subnets {
		values = append(values, cidr)
	}
	events, err := r.search(ctx, siem.BoolExpr{
		Should: []siem.Expr{
			siem.TermsExpr{Field: "destination.ip", Values: values},
			siem.TermsExpr{Field: "destination_ip", Values: values},
		},
		MinimumShouldMatch: 1,
	})
	if err != nil {
		return err
	}
	return r.absorb(ctx, StageNetwork, events, func(ev *contracts.Event) []contracts.Indicator {
		var credited []contracts.Indicator
		for seed, set := range r.perSeed {
			if len(set) > 0 {
				credited = append(credited, seed)
			}
		}
		return credited
	})
}

// collectField gathers distinct non-empty values of a field across the
// arena so far.
func (r *stageRun) collectField(get func(*contracts.Event) string) []interface{} {
	seen := make(map[string]bool)
	var out []interface{}
	for i := range r.arena.events {
		if v := get(&r.arena.events[i]); v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// seedsBySignal maps a signal value to the seeds whose events carry it.
func (r *stageRun) seedsBySignal(get func(*contracts.Event) string) map[string][]contracts.Indicator {
	out := make(map[string][]contracts.Indicator)
	for seed, set := range r.perSeed {
		for idx := range set {
			if v := get(&r.arena.events[idx]); v != "" {
				out[v] = appendUniqueSeed(out[v], seed)
			}
		}
	}
	return out
}

func (r *stageRun) seedsByDestination() map[string][]contracts.Indicator {
	return r.seedsBySignal(func(ev *contracts.Event) string { return ev.DestinationIP })
}

func appendUniqueSeed(seeds []contracts.Indicator, seed contracts.Indicator) []contracts.Indicator {
	for _, s := range seeds {
		if s == seed {
			return seeds
		}
	}
	return append(seeds, seed)
}

func (r *stageRun) eventTimeBounds() (time.Time, time.Time) {
	var earliest, latest time.Time
	for i := range r.arena.events {
		ts := r.arena.events[i].Timestamp
		if ts.IsZero() {
			continue
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
		if latest.IsZero() || ts.After(latest) {
			latest = ts
		}
	}
	return earliest, latest
}

func (r *stageRun) recordInfraRelationships(events []contracts.Event) {
	targetSeeds := r.seedsByDestination()
	seen := make(map[string]bool)
	for i := range events {
		ev := &events[i]
		if ev.SourceIP == "" || ev.DestinationIP == "" {
			continue
		}
		srcInd, err := contracts.ParseIndicator(ev.SourceIP)
		if err != nil {
			continue
		}
		for _, seed := range targetSeeds[ev.DestinationIP] {
			if seed == srcInd {
				continue
			}
			key := seed.String() + "|" + srcInd.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			r.relationships = append(r.relationships, contracts.IndicatorRelationship{
				Source:     seed,
				Target:     srcInd,
				Kind:       contracts.RelSharesInfra,
				Confidence: r.correlator.cfg.StageWeights[StageInfra],
				Evidence:   []string{fmt.Sprintf("both observed against %s", ev.DestinationIP)},
				FirstSeen:  ev.Timestamp,
				LastSeen:   ev.Timestamp,
			})
		}
	}
}

func (r *stageRun) recordSubnetRelationships(cidr string, owners []contracts.Indicator, events []contracts.Event) {
	seen := make(map[string]bool)
	for i := range events {
		ev := &events[i]
		if ev.SourceIP == "" {
			continue
		}
		srcInd, err := contracts.ParseIndicator(ev.SourceIP)
		if err != nil {
			continue
		}
		for _, owner := range owners {
			if owner == srcInd {
				continue
			}
			key := owner.String() + "|" + srcInd.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			r.relationships = append(r.relationships, contracts.IndicatorRelationship{
				Source:     owner,
				Target:     srcInd,
				Kind:       contracts.RelSameSubnet,
				Confidence: r.correlator.cfg.StageWeights[StageIP],
				Evidence:   []string{fmt.Sprintf("both within %s", cidr)},
				FirstSeen:  ev.Timestamp,
				LastSeen:   ev.Timestamp,
			})
		}
	}
}

// buildCampaigns scores every arena event off its stage tags, drops
// events below the confidence floor, and turns per-seed survivor sets
// into merged campaigns. An empty direct stage yields one well-formed
// empty campaign with confidence zero.
func (c *Correlator) buildCampaigns(ctx context.Context, run *stageRun) ([]contracts.Campaign, error) {
	if run.stageCount[StageDirect] == 0 {
		return []contracts.Campaign{c.emptyCampaign(run)}, nil
	}

	confidence := c.scoreEvents(run)

	type candidate struct {
		seeds  []contracts.Indicator
		events map[int]bool
	}

	var candidates []*candidate
	for _, seed := range run.req.Seeds {
		set := run.perSeed[seed]
		// Only events that survived the per-event floor count as evidence.
		// The tolerance keeps summed decimal weights from flipping a
		// score that sits exactly on the floor.
		events := make(map[int]bool, len(set))
		for idx := range set {
			if confidence[idx]+confidenceTolerance >= c.cfg.MinConfidence {
				events[idx] = true
			}
		}
		if len(events) == 0 {
			continue
		}
		candidates = append(candidates, &candidate{
			seeds:  []contracts.Indicator{seed},
			events: events,
		})
	}

	// Merge candidates whose event sets overlap by at least half of the
	// smaller set. Repeat until stable.
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(candidates) && !merged; i++ {
			for j := i + 1; j < len(candidates); j++ {
				if overlapRatio(candidates[i].events, candidates[j].events) >= 0.5 {
					for idx := range candidates[j].events {
						candidates[i].events[idx] = true
					}
					candidates[i].seeds = append(candidates[i].seeds, candidates[j].seeds...)
					candidates = append(candidates[:j], candidates[j+1:]...)
					merged = true
					break
				}
			}
		}
	}

	var campaigns []contracts.Campaign
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c.assemble(run, cand.seeds, cand.events, confidence))
	}

	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].Confidence > campaigns[j].Confidence
	})
	return campaigns, nil
}

// confidenceTolerance absorbs float rounding when a score lands exactly
// on the configured floor.
const confidenceTolerance = 1e-9

// scoreEvents assigns each arena event its combined confidence: the
// weighted mean over the stages that ran, where a stage contributes its
// weight when it reached the event and zero otherwise. More stages
// corroborating an event can only raise its score.
func (c *Correlator) scoreEvents(run *stageRun) map[int]float64 {
	var denom float64
	for _, stage := range run.stagesRun {
		denom += c.cfg.StageWeights[stage]
	}

	out := make(map[int]float64, len(run.tags))
	for idx, tags := range run.tags {
		out[idx] = eventConfidence(tags, c.cfg.StageWeights, denom)
	}
	return out
}

func eventConfidence(tags map[string]bool, weights map[string]float64, denom float64) float64 {
	if denom <= 0 {
		return 0
	}
	var matched float64
	for stage := range tags {
		matched += weights[stage]
	}
	conf := matched / denom
	if conf > 1 {
		conf = 1
	}
	return conf
}

// emptyCampaign is the result shape for a run whose direct stage found
// nothing: well-formed, zero confidence, no events.
func (c *Correlator) emptyCampaign(run *stageRun) contracts.Campaign {
	return contracts.Campaign{
		ID:            ulid.Make().String(),
		Confidence:    0,
		Seeds:         run.req.Seeds,
		StagesQueried: run.stagesRun,
		StageWarnings: run.warnings,
		StageCounts:   map[string]int{},
	}
}

func overlapRatio(a, b map[int]bool) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return 0
	}
	shared := 0
	for idx := range small {
		if large[idx] {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func (c *Correlator) assemble(run *stageRun, seeds []contracts.Indicator, eventSet map[int]bool, confidence map[int]float64) contracts.Campaign {
	refs := make([]int, 0, len(eventSet))
	for idx := range eventSet {
		refs = append(refs, idx)
	}
	sort.Ints(refs)

	campaign := contracts.Campaign{
		ID:          ulid.Make().String(),
		EventRefs:   refs,
		TotalEvents: len(refs),
		Seeds:       seeds,
		StageCounts: make(map[string]int),
	}

	sourceIPs := make(map[string]bool)
	targets := make(map[string]bool)
	techniques := make(map[string]bool)
	tactics := make(map[string]bool)
	infra := make(map[string]bool)

	for _, idx := range refs {
		ev := &run.arena.events[idx]
		if campaign.Start.IsZero() || ev.Timestamp.Before(campaign.Start) {
			campaign.Start = ev.Timestamp
		}
		if ev.Timestamp.After(campaign.End) {
			campaign.End = ev.Timestamp
		}
		if ev.SourceIP != "" {
			sourceIPs[ev.SourceIP] = true
		}
		if ev.DestinationIP != "" {
			targets[ev.DestinationIP] = true
			infra[ev.DestinationIP] = true
		}
		if ev.Technique != "" {
			techniques[ev.Technique] = true
		}
		if ev.Tactic != "" {
			tactics[ev.Tactic] = true
		}
	}

	campaign.UniqueSourceIPs = len(sourceIPs)
	campaign.UniqueTargets = len(targets)
	campaign.Techniques = sortedKeys(techniques)
	campaign.Tactics = sortedKeys(tactics)
	campaign.Infrastructure = sortedKeys(infra)
	campaign.StagesQueried = run.stagesRun
	campaign.StageWarnings = run.warnings

	// Stage counts cover this campaign's own events only.
	var confSum float64
	for _, idx := range refs {
		for stage := range run.tags[idx] {
			campaign.StageCounts[stage]++
		}
		confSum += confidence[idx]
	}

	campaign.Relationships = filterRelationships(run.relationships, seeds)
	// Campaign confidence is the size-weighted mean of the surviving
	// events' combined confidences.
	if len(refs) > 0 {
		campaign.Confidence = confSum / float64(len(refs))
	}
	campaign.Timeline = buildTimeline(run.arena.events, refs, run.req.Granularity)
	campaign.Events = embedSample(run.arena.events, refs, c.cfg.MaxEmbeddedEvents)
	return campaign
}

func filterRelationships(rels []contracts.IndicatorRelationship, seeds []contracts.Indicator) []contracts.IndicatorRelationship {
	owned := make(map[contracts.Indicator]bool, len(seeds))
	for _, s := range seeds {
		owned[s] = true
	}
	var out []contracts.IndicatorRelationship
	for _, rel := range rels {
		if owned[rel.Source] || owned[rel.Target] {
			out = append(out, rel)
		}
	}
	return out
}

// buildTimeline buckets the campaign's events into left-closed
// right-open buckets of the given width. A zero width picks one that
// yields at most 24 buckets of at least a minute.
func buildTimeline(arena []contracts.Event, refs []int, width time.Duration) []contracts.TimelineBucket {
	var start, end time.Time
	for _, idx := range refs {
		ts := arena[idx].Timestamp
		if ts.IsZero() {
			continue
		}
		if start.IsZero() || ts.Before(start) {
			start = ts
		}
		if ts.After(end) {
			end = ts
		}
	}
	if start.IsZero() {
		return nil
	}

	if width <= 0 {
		width = end.Sub(start) / 24
		if width < time.Minute {
			width = time.Minute
		}
	}
	// Align bucket boundaries to the width so minute/hour/day buckets
	// start on the clock boundary.
	start = start.Truncate(width)

	type bucketAcc struct {
		count int
		ips   map[string]bool
	}
	accs := make(map[int64]*bucketAcc)
	for _, idx := range refs {
		ev := &arena[idx]
		if ev.Timestamp.IsZero() {
			continue
		}
		slot := int64(ev.Timestamp.Sub(start) / width)
		acc, ok := accs[slot]
		if !ok {
			acc = &bucketAcc{ips: make(map[string]bool)}
			accs[slot] = acc
		}
		acc.count++
		if ev.SourceIP != "" {
			acc.ips[ev.SourceIP] = true
		}
	}

	slots := make([]int64, 0, len(accs))
	for slot := range accs {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	out := make([]contracts.TimelineBucket, 0, len(slots))
	for _, slot := range slots {
		out = append(out, contracts.TimelineBucket{
			Start:      start.Add(time.Duration(slot) * width),
			EventCount: accs[slot].count,
			SourceIPs:  len(accs[slot].ips),
		})
	}
	return out
}

func embedSample(arena []contracts.Event, refs []int, limit int) []contracts.Event {
	if limit <= 0 || len(refs) == 0 {
		return nil
	}
	n := len(refs)
	if n > limit {
		n = limit
	}
	out := make([]contracts.Event, 0, n)
	for _, idx := range refs[:n] {
		out = append(out, arena[idx])
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
