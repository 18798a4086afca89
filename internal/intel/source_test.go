package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

func sourceBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	return breaker.New("intel_test", config.BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         time.Second,
		RetryBase:        time.Millisecond,
		RetryCap:         5 * time.Millisecond,
		MaxAttempts:      1,
	}, zap.NewNop())
}

func newSource(t *testing.T, handler http.HandlerFunc, apiKey string) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSource(config.IntelSourceConfig{
		Name:              "testsrc",
		URL:               srv.URL,
		RequestsPerMinute: 6000,
		MaxConcurrent:     4,
		Timeout:           5 * time.Second,
		ReliabilityWeight: 0.8,
	}, apiKey, sourceBreaker(t))
}

func TestHTTPSourceLookup(t *testing.T) {
	var gotKey, gotIndicator string
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotIndicator = r.URL.Query().Get("indicator")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"threat_score": 85.5,
			"confidence": 0.92,
			"country": "NL",
			"asn": "AS64500",
			"network": "198.51.100.0/24",
			"last_seen": "2026-03-01T12:00:00Z",
			"related_indicators": ["198.51.100.4", "evil.example.com", "not an indicator"]
		}`))
	}, "sekrit")

	res, err := src.Lookup(context.Background(), contracts.Indicator{Kind: contracts.IndicatorIPv4, Value: "203.0.113.7"})
	require.NoError(t, err)

	assert.Equal(t, "sekrit", gotKey)
	assert.Equal(t, "203.0.113.7", gotIndicator)
	assert.Equal(t, "testsrc", res.Source)
	require.NotNil(t, res.ThreatScore)
	assert.InDelta(t, 85.5, *res.ThreatScore, 0.001)
	assert.Equal(t, "NL", res.Country)
	assert.Equal(t, "AS64500", res.ASN)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), res.LastSeen)
	// The unparseable related entry is dropped.
	assert.Len(t, res.Related, 2)
	assert.NotNil(t, res.Raw)
}

func TestHTTPSourceNotFoundIsEmptyResult(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, "")

	res, err := src.Lookup(context.Background(), contracts.Indicator{Kind: contracts.IndicatorIPv4, Value: "203.0.113.7"})
	require.NoError(t, err)
	assert.Nil(t, res.ThreatScore)
	assert.Empty(t, res.Err)
}

func TestHTTPSourceServerErrorFails(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, "")

	res, err := src.Lookup(context.Background(), contracts.Indicator{Kind: contracts.IndicatorIPv4, Value: "203.0.113.7"})
	require.Error(t, err)
	assert.NotEmpty(t, res.Err)
}

func TestHTTPSourceConcurrencyCap(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-block
		mu.Lock()
		inFlight--
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(config.IntelSourceConfig{
		Name:              "capped",
		URL:               srv.URL,
		RequestsPerMinute: 60000,
		MaxConcurrent:     2,
		Timeout:           5 * time.Second,
		ReliabilityWeight: 0.5,
	}, "", sourceBreaker(t))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = src.Lookup(context.Background(), contracts.Indicator{Kind: contracts.IndicatorIPv4, Value: "203.0.113.7"})
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestHTTPSourceContextCancellation(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		_, _ = w.Write([]byte(`{}`))
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := src.Lookup(ctx, contracts.Indicator{Kind: contracts.IndicatorIPv4, Value: "203.0.113.7"})
	require.Error(t, err)
}
