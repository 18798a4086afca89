package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// AnomalyRequest parameterizes rate-spike detection.
type AnomalyRequest struct {
	Filter Filter
	// Interval is the histogram bucket width.
	Interval time.Duration
	// Sigma is the deviation multiplier a bucket must exceed to be
	// flagged; zero means 3.
	Sigma float64
}

// Anomaly is one flagged interval.
type Anomaly struct {
	Start      time.Time `json:"start"`
	EventCount int64     `json:"event_count"`
	Expected   float64   `json:"expected"`
	Deviations float64   `json:"deviations"`
}

// AnomalyResult reports rate spikes across the requested window.
type AnomalyResult struct {
	Anomalies   []Anomaly         `json:"anomalies"`
	Buckets     int               `json:"buckets_examined"`
	Mean        float64           `json:"mean_events_per_bucket"`
	StdDev      float64           `json:"stddev"`
	Diagnostics *siem.Diagnostics `json:"diagnostics,omitempty"`
}

// DetectAnomalies buckets event counts over time and flags buckets more
// than sigma standard deviations above the mean.
func (e *Engine) DetectAnomalies(ctx context.Context, req AnomalyRequest) (*AnomalyResult, error) {
	if req.Interval <= 0 {
		req.Interval = time.Hour
	}
	if req.Sigma <= 0 {
		req.Sigma = 3
	}

	indices, diags, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &AnomalyResult{Anomalies: []Anomaly{}, Diagnostics: &diags}, nil
	}

	raw, err := e.store.Aggregate(ctx, indices, req.Filter.Expr(), map[string]interface{}{
		"rate": map[string]interface{}{
			"date_histogram": map[string]interface{}{
				"field":          "@timestamp",
				"fixed_interval": fmt.Sprintf("%ds", int(req.Interval.Seconds())),
				"min_doc_count":  0,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Rate struct {
			Buckets []struct {
				Key      int64 `json:"key"` // epoch millis
				DocCount int64 `json:"doc_count"`
			} `json:"buckets"`
		} `json:"rate"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode rate histogram: %w", err)
	}

	buckets := parsed.Rate.Buckets
	result := &AnomalyResult{Anomalies: []Anomaly{}, Buckets: len(buckets)}
	if len(buckets) < 2 {
		return result, nil
	}

	var sum float64
	for _, b := range buckets {
		sum += float64(b.DocCount)
	}
	mean := sum / float64(len(buckets))

	var variance float64
	for _, b := range buckets {
		d := float64(b.DocCount) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(buckets)))
	result.Mean = mean
	result.StdDev = stddev
	if stddev == 0 {
		return result, nil
	}

	for _, b := range buckets {
		deviations := (float64(b.DocCount) - mean) / stddev
		if deviations > req.Sigma {
			result.Anomalies = append(result.Anomalies, Anomaly{
				Start:      time.UnixMilli(b.Key).UTC(),
				EventCount: b.DocCount,
				Expected:   mean,
				Deviations: deviations,
			})
		}
	}
	return result, nil
}
