package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/correlator"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// parseSeeds classifies and normalizes seed indicator strings, rejecting
// the whole call on the first unrecognizable one.
func parseSeeds(raw []string) ([]contracts.Indicator, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one seed indicator is required")
	}
	seeds := make([]contracts.Indicator, 0, len(raw))
	for _, s := range raw {
		ind, err := contracts.ParseIndicator(s)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, ind)
	}
	return seeds, nil
}

func analyzeCampaignTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		timeRange
		Seeds       []string `json:"seed_indicators"`
		Stages      []string `json:"stages,omitempty"`
		Granularity string   `json:"timeline_granularity,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"start_time": {"type": "string", "format": "date-time"},
			"end_time": {"type": "string", "format": "date-time"},
			"seed_indicators": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"stages": {
				"type": "array",
				"items": {
					"type": "string",
					"enum": ["direct_ioc", "infrastructure", "behavioral", "temporal", "ip_correlation", "network"]
				}
			},
			"timeline_granularity": {"type": "string", "enum": ["minute", "hour", "day"]}
		},
		"required": ["seed_indicators"],
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "analyze_campaign",
		Description:  "Correlate seed indicators into scored campaign hypotheses with timelines and relationships.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			seeds, err := parseSeeds(p.Seeds)
			if err != nil {
				return nil, err
			}
			start, end, err := p.window(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Correlator.Correlate(ctx, correlator.Request{
				Seeds:       seeds,
				Start:       start,
				End:         end,
				Stages:      p.Stages,
				Granularity: timelineWidth(p.Granularity),
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}

// timelineWidth maps the granularity enum to a bucket width; the empty
// string lets the correlator pick one.
func timelineWidth(granularity string) time.Duration {
	switch granularity {
	case "minute":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	}
	return 0
}

func expandIOCsTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		timeRange
		Seeds []string `json:"seed_indicators"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"start_time": {"type": "string", "format": "date-time"},
			"end_time": {"type": "string", "format": "date-time"},
			"seed_indicators": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["seed_indicators"],
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "expand_campaign_iocs",
		Description:  "Expand seed indicators through shared infrastructure and subnets into related observables.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			seeds, err := parseSeeds(p.Seeds)
			if err != nil {
				return nil, err
			}
			start, end, err := p.window(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Correlator.ExpandIOCs(ctx, seeds, start, end)
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}
