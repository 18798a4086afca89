package correlator

import (
	"context"
	"sort"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// Expansion is the outcome of an IOC expansion: every related indicator
// discovered plus the evidence-backed edges connecting them to the
// seeds.
type Expansion struct {
	Seeds         []contracts.Indicator             `json:"seed_indicators"`
	Discovered    []contracts.Indicator             `json:"discovered_indicators"`
	Relationships []contracts.IndicatorRelationship `json:"relationships"`
	StagesRun     []string                          `json:"stages_run"`
	StageWarnings []string                          `json:"stage_warnings,omitempty"`
	EventsScanned int                               `json:"events_scanned"`
}

// ExpandIOCs widens a seed set through the infrastructure and subnet
// stages and reports every new indicator with its linking evidence.
func (c *Correlator) ExpandIOCs(ctx context.Context, seeds []contracts.Indicator, start, end time.Time) (*Expansion, error) {
	result, err := c.Correlate(ctx, Request{
		Seeds:  seeds,
		Start:  start,
		End:    end,
		Stages: []string{StageInfra, StageIP, StageNetwork},
	})
	if err != nil {
		return nil, err
	}

	owned := make(map[contracts.Indicator]bool, len(seeds))
	for _, s := range seeds {
		owned[s] = true
	}

	discovered := make(map[contracts.Indicator]bool)
	var relationships []contracts.IndicatorRelationship
	for i := range result.Arena {
		ev := &result.Arena[i]
		for _, raw := range []string{ev.SourceIP, ev.DestinationIP} {
			if raw == "" {
				continue
			}
			ind, err := contracts.ParseIndicator(raw)
			if err != nil || owned[ind] {
				continue
			}
			discovered[ind] = true
		}
	}
	for _, campaign := range result.Campaigns {
		relationships = append(relationships, campaign.Relationships...)
	}

	out := &Expansion{
		Seeds:         seeds,
		Discovered:    make([]contracts.Indicator, 0, len(discovered)),
		Relationships: dedupeRelationships(relationships),
		StagesRun:     result.StagesRun,
		StageWarnings: result.StageWarnings,
		EventsScanned: result.TotalEvents,
	}
	for ind := range discovered {
		out.Discovered = append(out.Discovered, ind)
	}
	sort.Slice(out.Discovered, func(i, j int) bool {
		return out.Discovered[i].String() < out.Discovered[j].String()
	})
	return out, nil
}

func dedupeRelationships(rels []contracts.IndicatorRelationship) []contracts.IndicatorRelationship {
	seen := make(map[string]bool, len(rels))
	var out []contracts.IndicatorRelationship
	for _, rel := range rels {
		key := rel.Source.String() + "|" + rel.Target.String() + "|" + string(rel.Kind)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rel)
	}
	return out
}
