package query

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// Store is the slice of the SIEM client the engine needs.
type Store interface {
	Search(ctx context.Context, req siem.SearchRequest) (*siem.SearchResult, error)
	Aggregate(ctx context.Context, indices []string, query siem.Expr, aggs map[string]interface{}) (json.RawMessage, error)
}

// IndexResolver supplies the concrete indices to query.
type IndexResolver interface {
	Resolve(ctx context.Context) ([]string, siem.Diagnostics, error)
}

// Engine executes optimized queries and streams.
type Engine struct {
	store    Store
	resolver IndexResolver
	cfg      config.QueryConfig
	logger   *zap.Logger
}

// NewEngine creates the query engine.
func NewEngine(store Store, resolver IndexResolver, cfg config.QueryConfig, logger *zap.Logger) *Engine {
	return &Engine{store: store, resolver: resolver, cfg: cfg, logger: logger}
}

// Request is one query_events call.
type Request struct {
	Filter   Filter
	PageSize int
	// Offset selects offset pagination; Cursor selects cursor pagination.
	Offset *int
	Cursor string
	Fields []string
	// Ascending orders oldest-first; the default is newest-first.
	Ascending bool
	// AllowAggregation marks tools whose semantics survive conversion to
	// an aggregation. Aggs is the aggregation to run in that case.
	AllowAggregation bool
	Aggs             map[string]interface{}
}

// Result is the query_events answer.
type Result struct {
	Events        []contracts.Event `json:"events"`
	Total         int64             `json:"total"`
	PageSize      int               `json:"page_size"`
	NextCursor    string            `json:"next_cursor,omitempty"`
	Offset        *int              `json:"offset,omitempty"`
	Optimizations []string          `json:"optimization_applied,omitempty"`
	Aggregations  json.RawMessage   `json:"aggregations,omitempty"`
	Message       string            `json:"message,omitempty"`
	Diagnostics   *siem.Diagnostics `json:"diagnostics,omitempty"`
}

func (e *Engine) pageSize(requested int) (int, error) {
	if requested == 0 {
		return e.cfg.DefaultPageSize, nil
	}
	if requested < 0 {
		return 0, fmt.Errorf("page_size must be positive")
	}
	if requested > e.cfg.MaxPageSize {
		return 0, fmt.Errorf("page_size %d exceeds maximum %d", requested, e.cfg.MaxPageSize)
	}
	return requested, nil
}

func (e *Engine) sortFor(ascending bool) []siem.SortField {
	order := siem.Desc
	if ascending {
		order = siem.Asc
	}
	return []siem.SortField{
		{Field: "@timestamp", Order: order},
		{Field: "_id", Order: order},
	}
}

// Query runs one optimized page query.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	size, err := e.pageSize(req.PageSize)
	if err != nil {
		return nil, err
	}
	if req.Offset != nil && req.Cursor != "" {
		return nil, fmt.Errorf("offset and cursor pagination are mutually exclusive")
	}

	indices, diags, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &Result{Events: []contracts.Event{}, PageSize: size, Diagnostics: &diags}, nil
	}

	p := e.optimize(size, req.Fields, req.AllowAggregation && len(req.Aggs) > 0)
	if p.UseAggregation {
		raw, err := e.store.Aggregate(ctx, indices, req.Filter.Expr(), req.Aggs)
		if err != nil {
			return nil, err
		}
		return &Result{
			Events:        []contracts.Event{},
			PageSize:      p.Size,
			Optimizations: p.Applied,
			Aggregations:  raw,
			Message:       "result volume exceeded budget; returned an aggregation instead of raw events",
		}, nil
	}
	if p.StreamingOnly {
		return &Result{
			Events:        []contracts.Event{},
			PageSize:      p.Size,
			Optimizations: p.Applied,
			Message:       "result volume exceeds budget at any page size; use stream_events with a cursor",
		}, nil
	}

	search := siem.SearchRequest{
		Indices: indices,
		Query:   req.Filter.Expr(),
		Sort:    e.sortFor(req.Ascending),
		Size:    p.Size,
		Fields:  p.Fields,
	}

	switch {
	case req.Cursor != "":
		cursor, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		search.SearchAfter = cursor.SearchAfter()
	case req.Offset != nil:
		if *req.Offset < 0 {
			return nil, fmt.Errorf("offset must not be negative")
		}
		// The store rejects offset pages past its deep-pagination window;
		// rewrite those to cursor mode automatically.
		if *req.Offset+p.Size > e.cfg.DeepPaginationLimit {
			p.Applied = append(p.Applied, OptCursorRewrite)
			e.logger.Debug("Deep offset rewritten to cursor pagination",
				zap.Int("offset", *req.Offset),
				zap.Int("size", p.Size))
		} else {
			search.From = req.Offset
		}
	}

	res, err := e.store.Search(ctx, search)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Events:        res.Events,
		Total:         res.Total,
		PageSize:      p.Size,
		Offset:        search.From,
		Optimizations: p.Applied,
	}
	if result.Events == nil {
		result.Events = []contracts.Event{}
	}
	// Offset pages report totals; cursor pages report a continuation.
	if search.From == nil && len(res.Events) == p.Size {
		result.NextCursor = CursorFor(&res.Events[len(res.Events)-1]).Encode()
	}
	return result, nil
}

// TopAttackersRequest parameterizes the top-attackers aggregation.
type TopAttackersRequest struct {
	Filter Filter
	Limit  int
}

// AttackerBucket is one aggregated source.
type AttackerBucket struct {
	SourceIP   string `json:"source_ip"`
	EventCount int64  `json:"event_count"`
}

// TopAttackers runs the terms aggregation over source addresses.
func (e *Engine) TopAttackers(ctx context.Context, req TopAttackersRequest) ([]AttackerBucket, *siem.Diagnostics, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	indices, diags, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(indices) == 0 {
		return nil, &diags, nil
	}

	raw, err := e.store.Aggregate(ctx, indices, req.Filter.Expr(), map[string]interface{}{
		"attackers": map[string]interface{}{
			"terms": map[string]interface{}{
				"field": "source_ip",
				"size":  req.Limit,
			},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Attackers struct {
			Buckets []struct {
				Key      string `json:"key"`
				DocCount int64  `json:"doc_count"`
			} `json:"buckets"`
		} `json:"attackers"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode attacker aggregation: %w", err)
	}

	out := make([]AttackerBucket, 0, len(parsed.Attackers.Buckets))
	for _, b := range parsed.Attackers.Buckets {
		out = append(out, AttackerBucket{SourceIP: b.Key, EventCount: b.DocCount})
	}
	return out, nil, nil
}
