package siem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// DependencyName identifies the store in breaker and feature maps.
const DependencyName = "siem_store"

// SearchRequest describes one search call.
type SearchRequest struct {
	Indices []string
	Query   Expr
	Sort    []SortField
	Size    int

	// From enables offset pagination; SearchAfter enables cursor
	// pagination. At most one is set.
	From        *int
	SearchAfter []interface{}

	// Fields projects _source down to the listed fields.
	Fields []string
}

// Hit is one returned document plus its sort key.
type Hit struct {
	Index  string
	ID     string
	Source map[string]interface{}
	Sort   []interface{}
}

// SearchResult is a parsed search response.
type SearchResult struct {
	Total  int64
	Hits   []Hit
	Events []contracts.Event
	Took   time.Duration
}

// Client executes typed queries against the store behind its circuit
// breaker.
type Client struct {
	es      *elasticsearch.Client
	breaker *breaker.Breaker
	cfg     config.SIEMStoreConfig
	logger  *zap.Logger
}

// NewClient builds the store client. password is the already-resolved
// secret value.
func NewClient(cfg config.SIEMStoreConfig, password string, br *breaker.Breaker, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  password,
	}
	if !cfg.VerifyTLS {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // explicit operator opt-out
		}
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}
	return &Client{es: es, breaker: br, cfg: cfg, logger: logger}, nil
}

// Ping checks reachability; used by the health prober.
func (c *Client) Ping(ctx context.Context) error {
	return c.breaker.Do(ctx, true, func(ctx context.Context) error {
		res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("store ping: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("store ping: %s", res.Status())
		}
		return nil
	})
}

// Search executes one search request.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	body := map[string]interface{}{
		"track_total_hits": true,
	}
	if req.Query != nil {
		body["query"] = req.Query.Render()
	}
	if len(req.Sort) > 0 {
		body["sort"] = renderSort(req.Sort)
	}
	if req.Size > 0 {
		body["size"] = req.Size
	}
	if req.From != nil {
		body["from"] = *req.From
	}
	if len(req.SearchAfter) > 0 {
		body["search_after"] = req.SearchAfter
	}
	if len(req.Fields) > 0 {
		body["_source"] = req.Fields
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	var result *SearchResult
	err = c.breaker.Do(ctx, true, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()

		res, err := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(req.Indices...),
			c.es.Search.WithBody(bytes.NewReader(payload)),
			c.es.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return fmt.Errorf("store search: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("store search: %s", res.Status())
		}

		parsed, err := parseSearchResponse(res.Body)
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Aggregate runs an aggregation-only request and returns the raw
// aggregations object.
func (c *Client) Aggregate(ctx context.Context, indices []string, query Expr, aggs map[string]interface{}) (json.RawMessage, error) {
	body := map[string]interface{}{
		"size": 0,
		"aggs": aggs,
	}
	if query != nil {
		body["query"] = query.Render()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregation body: %w", err)
	}

	var raw json.RawMessage
	err = c.breaker.Do(ctx, true, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()

		res, err := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(indices...),
			c.es.Search.WithBody(bytes.NewReader(payload)),
			c.es.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return fmt.Errorf("store aggregate: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("store aggregate: %s", res.Status())
		}

		var envelope struct {
			Aggregations json.RawMessage `json:"aggregations"`
		}
		if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode aggregation response: %w", err)
		}
		raw = envelope.Aggregations
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ListIndices returns the concrete indices matching a pattern.
func (c *Client) ListIndices(ctx context.Context, pattern string) ([]string, error) {
	var names []string
	err := c.breaker.Do(ctx, true, func(ctx context.Context) error {
		res, err := c.es.Cat.Indices(
			c.es.Cat.Indices.WithContext(ctx),
			c.es.Cat.Indices.WithIndex(pattern),
			c.es.Cat.Indices.WithFormat("json"),
		)
		if err != nil {
			return fmt.Errorf("list indices: %w", err)
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			names = nil
			return nil
		}
		if res.IsError() {
			return fmt.Errorf("list indices: %s", res.Status())
		}

		var rows []struct {
			Index string `json:"index"`
		}
		if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
			return fmt.Errorf("decode indices response: %w", err)
		}
		names = names[:0]
		for _, row := range rows {
			names = append(names, row.Index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Mapping returns the field mapping of one index.
func (c *Client) Mapping(ctx context.Context, index string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.breaker.Do(ctx, true, func(ctx context.Context) error {
		res, err := c.es.Indices.GetMapping(
			c.es.Indices.GetMapping.WithContext(ctx),
			c.es.Indices.GetMapping.WithIndex(index),
		)
		if err != nil {
			return fmt.Errorf("get mapping: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("get mapping: %s", res.Status())
		}
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("read mapping response: %w", err)
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Index writes one document; used by the enrichment write-back path.
// Write-back is idempotent (fixed document id), so retries are safe.
func (c *Client) Index(ctx context.Context, index, docID string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return c.breaker.Do(ctx, true, func(ctx context.Context) error {
		req := esapi.IndexRequest{
			Index:      index,
			DocumentID: docID,
			Body:       bytes.NewReader(payload),
		}
		res, err := req.Do(ctx, c.es)
		if err != nil {
			return fmt.Errorf("index document: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("index document: %s", res.Status())
		}
		return nil
	})
}

func parseSearchResponse(body io.Reader) (*SearchResult, error) {
	var envelope struct {
		Took int `json:"took"`
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index  string                 `json:"_index"`
				ID     string                 `json:"_id"`
				Source map[string]interface{} `json:"_source"`
				Sort   []interface{}          `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	result := &SearchResult{
		Total: envelope.Hits.Total.Value,
		Took:  time.Duration(envelope.Took) * time.Millisecond,
	}
	for _, h := range envelope.Hits.Hits {
		hit := Hit{Index: h.Index, ID: h.ID, Source: h.Source, Sort: h.Sort}
		result.Hits = append(result.Hits, hit)
		result.Events = append(result.Events, EventFromHit(hit))
	}
	return result, nil
}
