package tools

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

func listIndicesTool(deps Deps) dispatch.ToolDefinition {
	schema := json.RawMessage(`{"type": "object", "additionalProperties": false}`)
	return dispatch.ToolDefinition{
		Name:         "list_indices",
		Description:  "List the concrete indices the configured patterns resolve to.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			indices, diags, err := deps.Resolver.Resolve(ctx)
			if err != nil {
				return nil, err
			}
			if indices == nil {
				indices = []string{}
			}
			return contracts.JSONResult(map[string]interface{}{
				"indices":     indices,
				"diagnostics": diags,
			})
		},
	}
}

// canonicalFields documents the normalized event surface every tool
// returns, independent of how the backing indices name things.
var canonicalFields = map[string]string{
	"timestamp":        "event time, RFC 3339 UTC",
	"source_ip":        "attacking address (aliases: source.ip, src_ip)",
	"destination_ip":   "targeted address (aliases: destination.ip, dst_ip)",
	"destination_port": "targeted port (aliases: destination.port, dst_port)",
	"category":         "event classification (aliases: event.category, eventid)",
	"technique":        "ATT&CK technique id when the index records one",
	"tactic":           "ATT&CK tactic when the index records one",
}

// mappingFieldLimit caps how many indices the dictionary fetches live
// mappings for.
const mappingFieldLimit = 5

func dataDictionaryTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		Index string `json:"index,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"index": {"type": "string"}
		},
		"additionalProperties": false
	}`)
	// The canonical dictionary stays available with the store down; live
	// mappings are best effort.
	return dispatch.ToolDefinition{
		Name:        "get_data_dictionary",
		Description: "Describe the canonical event fields plus the live field mappings of the resolved indices.",
		InputSchema: schema,
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}

			out := map[string]interface{}{"canonical_fields": canonicalFields}

			targets := []string{p.Index}
			if p.Index == "" {
				resolved, diags, err := deps.Resolver.Resolve(ctx)
				if err != nil {
					out["mapping_error"] = err.Error()
					return contracts.JSONResult(out)
				}
				out["diagnostics"] = diags
				if len(resolved) > mappingFieldLimit {
					resolved = resolved[:mappingFieldLimit]
				}
				targets = resolved
			}

			indexFields := make(map[string]map[string]string, len(targets))
			for _, index := range targets {
				raw, err := deps.Store.Mapping(ctx, index)
				if err != nil {
					out["mapping_error"] = err.Error()
					break
				}
				for name, fields := range flattenMappings(raw) {
					indexFields[name] = fields
				}
			}
			out["index_fields"] = indexFields
			return contracts.JSONResult(out)
		},
	}
}

// flattenMappings turns a mapping response into index -> dotted field ->
// store type.
func flattenMappings(raw json.RawMessage) map[string]map[string]string {
	var envelope map[string]struct {
		Mappings struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}

	out := make(map[string]map[string]string, len(envelope))
	for index, body := range envelope {
		fields := make(map[string]string)
		flattenProperties("", body.Mappings.Properties, fields)
		out[index] = fields
	}
	return out
}

func flattenProperties(prefix string, props map[string]interface{}, out map[string]string) {
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if t, ok := prop["type"].(string); ok {
			out[path] = t
		}
		if nested, ok := prop["properties"].(map[string]interface{}); ok {
			flattenProperties(path, nested, out)
		}
	}
}

func healthStatusTool(deps Deps) dispatch.ToolDefinition {
	schema := json.RawMessage(`{"type": "object", "additionalProperties": false}`)
	return dispatch.ToolDefinition{
		Name:        "get_health_status",
		Description: "Report server health: dependency states, circuit breakers, and cache counters.",
		InputSchema: schema,
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			status := map[string]interface{}{
				"version":        deps.Version,
				"uptime_seconds": int64(time.Since(deps.StartedAt).Seconds()),
			}
			if deps.Breakers != nil {
				status["circuit_breakers"] = deps.Breakers.Snapshots()
			}
			if deps.Features != nil {
				status["dependencies"] = deps.Features.Snapshot()
			}
			if deps.Cache != nil {
				status["cache"] = deps.Cache.Stats()
			}
			return contracts.JSONResult(status)
		},
	}
}

func diagnoseTool(deps Deps) dispatch.ToolDefinition {
	schema := json.RawMessage(`{"type": "object", "additionalProperties": false}`)
	return dispatch.ToolDefinition{
		Name:         "diagnose_data_availability",
		Description:  "Probe the event store live and explain why queries may be returning nothing.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			report := map[string]interface{}{"store_reachable": true}
			if err := deps.Store.Ping(ctx); err != nil {
				report["store_reachable"] = false
				report["store_error"] = err.Error()
			}

			// Force a fresh discovery pass so the report reflects the store
			// as it is now, not the cached resolution.
			deps.Resolver.Invalidate()
			indices, diags, err := deps.Resolver.Resolve(ctx)
			if err != nil {
				report["discovery_error"] = err.Error()
				return contracts.JSONResult(report)
			}
			if indices == nil {
				indices = []string{}
			}
			sort.Strings(indices)
			report["indices"] = indices
			report["diagnostics"] = diags
			return contracts.JSONResult(report)
		},
	}
}
