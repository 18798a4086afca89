// Package intel queries threat-intelligence sources in parallel,
// aggregates their answers with reliability weighting, caches results in
// the dual-tier cache, and optionally writes enrichment documents back
// into the SIEM store.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// Source is one threat-intel provider.
type Source interface {
	Name() string
	ReliabilityWeight() float64
	// Lookup queries the source for one indicator. A non-nil error means
	// the source failed; partial data comes back as a SourceResult with
	// Err set.
	Lookup(ctx context.Context, ind contracts.Indicator) (contracts.SourceResult, error)
}

// HTTPSource queries a JSON-over-HTTP intel API with a per-source rate
// limit and concurrency cap.
type HTTPSource struct {
	cfg     config.IntelSourceConfig
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	sem     chan struct{}
	breaker *breaker.Breaker
}

// NewHTTPSource builds one source. apiKey is the resolved secret value,
// empty when the source needs none.
func NewHTTPSource(cfg config.IntelSourceConfig, apiKey string, br *breaker.Breaker) *HTTPSource {
	return &HTTPSource{
		cfg:     cfg,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		breaker: br,
	}
}

// Name implements Source
func (s *HTTPSource) Name() string { return s.cfg.Name }

// ReliabilityWeight implements Source
func (s *HTTPSource) ReliabilityWeight() float64 { return s.cfg.ReliabilityWeight }

// Lookup implements Source
func (s *HTTPSource) Lookup(ctx context.Context, ind contracts.Indicator) (contracts.SourceResult, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return contracts.SourceResult{Source: s.cfg.Name}, ctx.Err()
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return contracts.SourceResult{Source: s.cfg.Name}, err
	}

	var result contracts.SourceResult
	err := s.breaker.Do(ctx, true, func(ctx context.Context) error {
		r, err := s.query(ctx, ind)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return contracts.SourceResult{Source: s.cfg.Name, Err: err.Error()}, err
	}
	return result, nil
}

func (s *HTTPSource) query(ctx context.Context, ind contracts.Indicator) (contracts.SourceResult, error) {
	endpoint := fmt.Sprintf("%s?indicator=%s&type=%s",
		s.cfg.URL, url.QueryEscape(ind.Value), url.QueryEscape(string(ind.Kind)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return contracts.SourceResult{}, fmt.Errorf("build intel request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return contracts.SourceResult{}, fmt.Errorf("intel source %s: %w", s.cfg.Name, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// Unknown indicator is a valid answer, not a failure.
		return contracts.SourceResult{Source: s.cfg.Name}, nil
	}
	if res.StatusCode != http.StatusOK {
		return contracts.SourceResult{}, fmt.Errorf("intel source %s: status %d", s.cfg.Name, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return contracts.SourceResult{}, fmt.Errorf("intel source %s: read body: %w", s.cfg.Name, err)
	}
	return s.parse(body)
}

// sourcePayload is the common answer shape of the supported intel APIs.
type sourcePayload struct {
	ThreatScore *float64 `json:"threat_score"`
	Confidence  *float64 `json:"confidence"`
	Country     string   `json:"country"`
	ASN         string   `json:"asn"`
	Network     string   `json:"network"`
	LastSeen    string   `json:"last_seen"`
	Related     []string `json:"related_indicators"`
}

func (s *HTTPSource) parse(body []byte) (contracts.SourceResult, error) {
	var payload sourcePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return contracts.SourceResult{}, fmt.Errorf("intel source %s: malformed response: %w", s.cfg.Name, err)
	}

	result := contracts.SourceResult{
		Source:      s.cfg.Name,
		ThreatScore: payload.ThreatScore,
		Confidence:  payload.Confidence,
		Country:     payload.Country,
		ASN:         payload.ASN,
		Network:     payload.Network,
	}
	if payload.LastSeen != "" {
		if ts, err := time.Parse(time.RFC3339, payload.LastSeen); err == nil {
			result.LastSeen = ts.UTC()
		}
	}
	for _, raw := range payload.Related {
		ind, err := contracts.ParseIndicator(raw)
		if err != nil {
			continue
		}
		result.Related = append(result.Related, ind)
	}
	var rawMap map[string]interface{}
	if err := json.Unmarshal(body, &rawMap); err == nil {
		result.Raw = rawMap
	}
	return result, nil
}
