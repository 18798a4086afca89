package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/cache"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// DependencyName identifies the enrichment pipeline in breaker and
// feature maps.
const DependencyName = "threat_intel"

// ErrAllSourcesFailed means no configured source produced an answer. The
// dispatcher maps it to the enrichment-failed error code.
var ErrAllSourcesFailed = errors.New("enrichment failed: all sources errored")

// ErrNoSources means enrichment is not configured at all.
var ErrNoSources = errors.New("enrichment failed: no sources configured")

// Writeback stores an enrichment document in the SIEM store.
type Writeback interface {
	Index(ctx context.Context, index, docID string, body interface{}) error
}

// Orchestrator fans one indicator lookup out to every enabled source,
// aggregates the answers, and caches the merged result.
type Orchestrator struct {
	sources   []Source
	cache     *cache.Tiered
	writeback Writeback
	wbCfg     config.WritebackConfig
	logger    *zap.Logger
	clock     func() time.Time

	wbWG sync.WaitGroup
}

// NewOrchestrator assembles the enrichment pipeline. writeback may be
// nil when write-back is disabled.
func NewOrchestrator(sources []Source, tiered *cache.Tiered, writeback Writeback, wbCfg config.WritebackConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sources:   sources,
		cache:     tiered,
		writeback: writeback,
		wbCfg:     wbCfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// CacheKey is the canonical cache key for one enrichment lookup.
func CacheKey(ind contracts.Indicator) string {
	return fmt.Sprintf("intel:%s:%s:comprehensive", ind.Kind, ind.Value)
}

// Enrich resolves one indicator across every source. A cached result is
// returned as-is with CacheHit set. At least one source must succeed;
// individual failures are recorded per-source in the result.
func (o *Orchestrator) Enrich(ctx context.Context, ind contracts.Indicator) (*contracts.ThreatIntelResult, error) {
	if len(o.sources) == 0 {
		return nil, ErrNoSources
	}

	key := CacheKey(ind)
	if payload, ok := o.cache.Get(key); ok {
		var cached contracts.ThreatIntelResult
		if err := json.Unmarshal(payload, &cached); err == nil {
			cached.CacheHit = true
			return &cached, nil
		}
		// A corrupt entry is treated as a miss and overwritten below.
		o.logger.Warn("Dropping undecodable cache entry", zap.String("key", key))
	}

	result := o.fanOut(ctx, ind)
	if len(result.SourcesQueried) > 0 && allFailed(result) {
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, ind.Value)
	}

	if payload, err := json.Marshal(result); err == nil {
		o.cache.Put(key, payload)
	}
	if o.writeback != nil && o.wbCfg.Enabled {
		o.wbWG.Add(1)
		go o.writeBack(result)
	}
	return result, nil
}

// Flush waits for in-flight write-back goroutines; used on shutdown and
// in tests.
func (o *Orchestrator) Flush() {
	o.wbWG.Wait()
}

func (o *Orchestrator) fanOut(ctx context.Context, ind contracts.Indicator) *contracts.ThreatIntelResult {
	type answer struct {
		name   string
		result contracts.SourceResult
		weight float64
		err    error
	}

	answers := make(chan answer, len(o.sources))
	for _, src := range o.sources {
		go func(src Source) {
			res, err := src.Lookup(ctx, ind)
			answers <- answer{name: src.Name(), result: res, weight: src.ReliabilityWeight(), err: err}
		}(src)
	}

	result := &contracts.ThreatIntelResult{
		Indicator:     ind,
		SourceResults: make(map[string]contracts.SourceResult, len(o.sources)),
		QueryTime:     o.clock().UTC(),
	}

	var scoreSum, scoreWeight float64
	var successWeight, totalWeight float64
	var bestGeoWeight, bestNetWeight float64
	var bestGeoSeen, bestNetSeen time.Time
	seen := map[contracts.Indicator]bool{ind: true}

	for range o.sources {
		a := <-answers
		result.SourcesQueried = append(result.SourcesQueried, a.name)
		result.SourceResults[a.name] = a.result
		totalWeight += a.weight
		if a.err != nil {
			o.logger.Warn("Intel source failed",
				zap.String("source", a.name),
				zap.String("indicator", ind.Value),
				zap.Error(a.err))
			continue
		}
		successWeight += a.weight

		if a.result.ThreatScore != nil {
			scoreSum += *a.result.ThreatScore * a.weight
			scoreWeight += a.weight
		}
		// Geo and network come from the most reliable source that has
		// them; equal reliability falls to the freshest sighting.
		if a.result.Country != "" && preferSource(a.weight, a.result.LastSeen, bestGeoWeight, bestGeoSeen) {
			result.Country = a.result.Country
			bestGeoWeight = a.weight
			bestGeoSeen = a.result.LastSeen
		}
		if a.result.ASN != "" && preferSource(a.weight, a.result.LastSeen, bestNetWeight, bestNetSeen) {
			result.ASN = a.result.ASN
			result.Network = a.result.Network
			bestNetWeight = a.weight
			bestNetSeen = a.result.LastSeen
		}
		for _, rel := range a.result.Related {
			if !seen[rel] {
				seen[rel] = true
				result.Correlated = append(result.Correlated, rel)
			}
		}
	}

	sort.Strings(result.SourcesQueried)
	sort.Slice(result.Correlated, func(i, j int) bool {
		return result.Correlated[i].String() < result.Correlated[j].String()
	})
	if scoreWeight > 0 {
		score := scoreSum / scoreWeight
		result.OverallScore = &score
	}
	// Overall confidence is the share of configured source reliability
	// that answered: every source agreeing gives 1.0, a lone unreliable
	// survivor gives little.
	if totalWeight > 0 {
		conf := successWeight / totalWeight
		result.Confidence = &conf
	}
	return result
}

// preferSource decides whether a candidate source's value displaces the
// current best: higher reliability wins, equal reliability goes to the
// later sighting.
func preferSource(weight float64, seen time.Time, bestWeight float64, bestSeen time.Time) bool {
	if weight != bestWeight {
		return weight > bestWeight
	}
	return seen.After(bestSeen)
}

func allFailed(r *contracts.ThreatIntelResult) bool {
	for _, res := range r.SourceResults {
		if res.Err == "" {
			return false
		}
	}
	return true
}

// writeBack stores the merged result in a monthly enrichment index.
// Failures are logged, never surfaced to the caller.
func (o *Orchestrator) writeBack(result *contracts.ThreatIntelResult) {
	defer o.wbWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	index := fmt.Sprintf("%s-%s", o.wbCfg.IndexPrefix, result.QueryTime.Format("2006.01"))
	docID := fmt.Sprintf("%s_%d", result.Indicator.Value, result.QueryTime.UnixNano())
	if err := o.writeback.Index(ctx, index, docID, result); err != nil {
		o.logger.Warn("Enrichment write-back failed",
			zap.String("index", index),
			zap.String("doc_id", docID),
			zap.Error(err))
		return
	}
	o.logger.Debug("Enrichment result stored",
		zap.String("index", index),
		zap.String("indicator", result.Indicator.Value))
}
