package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/query"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

func queryEventsTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		filterParams
		PageSize  int      `json:"page_size,omitempty"`
		Offset    *int     `json:"offset,omitempty"`
		Cursor    string   `json:"cursor,omitempty"`
		Fields    []string `json:"fields,omitempty"`
		Ascending bool     `json:"ascending,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {` + filterSchemaProps + `,
			"page_size": {"type": "integer", "minimum": 1, "maximum": 1000},
			"offset": {"type": "integer", "minimum": 0},
			"cursor": {"type": "string"},
			"fields": {"type": "array", "items": {"type": "string"}},
			"ascending": {"type": "boolean"}
		},
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "query_events",
		Description:  "Query security events with filters and offset or cursor pagination.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			filter, err := p.filter(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Engine.Query(ctx, query.Request{
				Filter:    filter,
				PageSize:  p.PageSize,
				Offset:    p.Offset,
				Cursor:    p.Cursor,
				Fields:    p.Fields,
				Ascending: p.Ascending,
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}

func streamEventsTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		filterParams
		ChunkSize int      `json:"chunk_size,omitempty"`
		Cursor    string   `json:"cursor,omitempty"`
		MaxChunks int      `json:"max_chunks,omitempty"`
		Fields    []string `json:"fields,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {` + filterSchemaProps + `,
			"chunk_size": {"type": "integer", "minimum": 1, "maximum": 1000},
			"cursor": {"type": "string"},
			"max_chunks": {"type": "integer", "minimum": 1, "maximum": 100},
			"fields": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "stream_events",
		Description:  "Stream events oldest-first in fixed-size chunks with a continuation cursor.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			filter, err := p.filter(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Engine.Stream(ctx, query.StreamRequest{
				Filter:    filter,
				ChunkSize: p.ChunkSize,
				Cursor:    p.Cursor,
				MaxChunks: p.MaxChunks,
				Fields:    p.Fields,
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}

func streamSessionsTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		filterParams
		ChunkSize int      `json:"chunk_size,omitempty"`
		Cursor    string   `json:"cursor,omitempty"`
		Fields    []string `json:"fields,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {` + filterSchemaProps + `,
			"chunk_size": {"type": "integer", "minimum": 1, "maximum": 1000},
			"cursor": {"type": "string"},
			"fields": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "stream_events_with_session_context",
		Description:  "Stream events grouped into whole sessions; a session never straddles two chunks.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			filter, err := p.filter(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Engine.StreamSessions(ctx, query.SessionStreamRequest{
				Filter:    filter,
				ChunkSize: p.ChunkSize,
				Cursor:    p.Cursor,
				Fields:    p.Fields,
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}

func topAttackersTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		filterParams
		Limit int `json:"limit,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {` + filterSchemaProps + `,
			"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
		},
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "query_top_attackers",
		Description:  "Rank source addresses by event volume over the requested window.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			filter, err := p.filter(time.Now())
			if err != nil {
				return nil, err
			}
			attackers, diags, err := deps.Engine.TopAttackers(ctx, query.TopAttackersRequest{
				Filter: filter,
				Limit:  p.Limit,
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(map[string]interface{}{
				"attackers":   attackers,
				"diagnostics": diags,
			})
		},
	}
}

func anomaliesTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		filterParams
		IntervalMinutes int     `json:"interval_minutes,omitempty"`
		Sigma           float64 `json:"sigma,omitempty"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {` + filterSchemaProps + `,
			"interval_minutes": {"type": "integer", "minimum": 1, "maximum": 1440},
			"sigma": {"type": "number", "minimum": 0.5, "maximum": 10}
		},
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "detect_anomalies",
		Description:  "Flag time buckets whose event rate deviates from the window's mean.",
		InputSchema:  schema,
		Dependencies: []string{siem.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			filter, err := p.filter(time.Now())
			if err != nil {
				return nil, err
			}
			res, err := deps.Engine.DetectAnomalies(ctx, query.AnomalyRequest{
				Filter:   filter,
				Interval: time.Duration(p.IntervalMinutes) * time.Minute,
				Sigma:    p.Sigma,
			})
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}
