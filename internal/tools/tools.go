// Package tools implements the server's tool surface: event queries,
// streaming, campaign analysis, enrichment, and operational diagnostics.
// Each tool is a schema-validated handler registered on the dispatcher.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/cache"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/correlator"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/features"
	"github.com/datagen24/dshield-mcp-sub001/internal/query"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
	"github.com/datagen24/dshield-mcp-sub001/internal/validate"
)

// DefaultLookback bounds a query whose caller gave no time window.
const DefaultLookback = 24 * time.Hour

// Enricher is the slice of the intel orchestrator the tools need.
type Enricher interface {
	Enrich(ctx context.Context, ind contracts.Indicator) (*contracts.ThreatIntelResult, error)
}

// MetaStore exposes the store metadata operations the diagnostic tools
// use.
type MetaStore interface {
	Ping(ctx context.Context) error
	Mapping(ctx context.Context, index string) (json.RawMessage, error)
	ListIndices(ctx context.Context, pattern string) ([]string, error)
}

// IndexResolver resolves and invalidates the discovered index set.
type IndexResolver interface {
	Resolve(ctx context.Context) ([]string, siem.Diagnostics, error)
	Invalidate()
}

// Deps carries everything the tool handlers call into.
type Deps struct {
	Engine     *query.Engine
	Correlator *correlator.Correlator
	Enricher   Enricher
	Store      MetaStore
	Resolver   IndexResolver
	Breakers   *breaker.Registry
	Features   *features.Manager
	Cache      *cache.Tiered
	Version    string
	StartedAt  time.Time
	Logger     *zap.Logger
}

// Register wires every tool onto the dispatcher. Tools whose backing
// dependency is down are hidden by the feature manager at call time.
func Register(d *dispatch.Dispatcher, deps Deps) error {
	defs := []dispatch.ToolDefinition{
		queryEventsTool(deps),
		streamEventsTool(deps),
		streamSessionsTool(deps),
		topAttackersTool(deps),
		anomaliesTool(deps),
		analyzeCampaignTool(deps),
		expandIOCsTool(deps),
		enrichIndicatorTool(deps),
		listIndicesTool(deps),
		dataDictionaryTool(deps),
		healthStatusTool(deps),
		diagnoseTool(deps),
	}
	for _, def := range defs {
		if err := d.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// timeRange is the shared window fragment of every filter.
type timeRange struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

// filterParams is the shared filter surface of the event tools.
type filterParams struct {
	timeRange
	SourceIPs        []string               `json:"source_ips,omitempty"`
	DestinationIPs   []string               `json:"destination_ips,omitempty"`
	DestinationPorts []int                  `json:"destination_ports,omitempty"`
	Categories       []string               `json:"categories,omitempty"`
	Filters          map[string]interface{} `json:"filters,omitempty"`
}

// window parses the time range, defaulting to the last day. A start
// without an end runs to now; an end without a start looks back the
// default window.
func (p timeRange) window(now time.Time) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if p.StartTime != "" {
		start, err = time.Parse(time.RFC3339, p.StartTime)
		if err != nil {
			return start, end, fmt.Errorf("start_time: %w", err)
		}
	}
	if p.EndTime != "" {
		end, err = time.Parse(time.RFC3339, p.EndTime)
		if err != nil {
			return start, end, fmt.Errorf("end_time: %w", err)
		}
	}
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end.Add(-DefaultLookback)
	}
	if !end.After(start) {
		return start, end, fmt.Errorf("end_time must be after start_time")
	}
	return start, end, nil
}

func (p filterParams) filter(now time.Time) (query.Filter, error) {
	start, end, err := p.window(now)
	if err != nil {
		return query.Filter{}, err
	}
	f := query.Filter{
		Start:            start,
		End:              end,
		SourceIPs:        p.SourceIPs,
		DestinationIPs:   p.DestinationIPs,
		DestinationPorts: p.DestinationPorts,
	}
	for _, c := range p.Categories {
		f.Categories = append(f.Categories, validate.SanitizeFreeText(c))
	}
	if len(p.Filters) > 0 {
		f.Terms = make(map[string]interface{}, len(p.Filters))
		for field, value := range p.Filters {
			if s, ok := value.(string); ok {
				value = validate.SanitizeFreeText(s)
			}
			f.Terms[validate.SanitizeString(field)] = value
		}
	}
	return f, nil
}

// filterSchemaProps is the JSON-schema fragment shared by the filterable
// tools.
const filterSchemaProps = `
		"start_time": {"type": "string", "format": "date-time"},
		"end_time": {"type": "string", "format": "date-time"},
		"source_ips": {"type": "array", "items": {"type": "string"}},
		"destination_ips": {"type": "array", "items": {"type": "string"}},
		"destination_ports": {"type": "array", "items": {"type": "integer"}},
		"categories": {"type": "array", "items": {"type": "string"}},
		"filters": {"type": "object"}`

func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}
