// Package contracts holds the shared domain types passed between the
// query, correlation, and enrichment engines. Everything here is plain
// data; behavior lives in the packages that own the stores.
package contracts

import (
	"encoding/json"
	"time"
)

// Event is a single security record read from the SIEM store. Events are
// immutable snapshots; identity is (Index, ID).
type Event struct {
	Index     string    `json:"index"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort uint16 `json:"destination_port,omitempty"`

	Category  string `json:"category,omitempty"`
	Technique string `json:"technique,omitempty"`
	Tactic    string `json:"tactic,omitempty"`

	// Fields carries everything the index stored that the typed fields
	// above do not cover. Values are scalars, arrays, or nested maps.
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// StringField returns a string-valued dynamic field, or "" when absent.
func (e *Event) StringField(name string) string {
	if e.Fields == nil {
		return ""
	}
	if s, ok := e.Fields[name].(string); ok {
		return s
	}
	return ""
}

// RelationshipKind classifies an edge between two indicators.
type RelationshipKind string

const (
	RelSharesInfra        RelationshipKind = "shares-infra"
	RelTemporallyAdjacent RelationshipKind = "temporally-adjacent"
	RelSameSubnet         RelationshipKind = "same-subnet"
	RelSameTTP            RelationshipKind = "same-ttp"
	RelUsesCredential     RelationshipKind = "uses-credential"
)

// IndicatorRelationship is an evidence-backed edge between two indicators.
type IndicatorRelationship struct {
	Source     Indicator        `json:"source"`
	Target     Indicator        `json:"target"`
	Kind       RelationshipKind `json:"kind"`
	Confidence float64          `json:"confidence"`
	Evidence   []string         `json:"evidence,omitempty"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastSeen   time.Time        `json:"last_seen"`
}

// Campaign is the correlator's aggregate: a hypothesized coordinated
// attack assembled from seed indicators. Embedded events reference the
// per-request arena by index; cross-campaign references are by ID only.
type Campaign struct {
	ID         string    `json:"campaign_id"`
	Confidence float64   `json:"confidence"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`

	TotalEvents     int `json:"total_events"`
	UniqueSourceIPs int `json:"unique_source_ips"`
	UniqueTargets   int `json:"unique_targets"`

	Techniques     []string `json:"techniques,omitempty"`
	Tactics        []string `json:"tactics,omitempty"`
	Infrastructure []string `json:"infrastructure,omitempty"`
	Regions        []string `json:"regions,omitempty"`

	// EventRefs are indices into the request arena the campaign was
	// built from; Events is the bounded embedded sample serialized into
	// the response.
	EventRefs []int   `json:"-"`
	Events    []Event `json:"events,omitempty"`

	Relationships []IndicatorRelationship `json:"indicator_relationships,omitempty"`

	StagesQueried []string          `json:"sources_queried,omitempty"`
	StageWarnings []string          `json:"stage_warnings,omitempty"`
	Timeline      []TimelineBucket  `json:"timeline,omitempty"`
	StageCounts   map[string]int    `json:"stage_counts,omitempty"`
	Seeds         []Indicator       `json:"seed_indicators,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// TimelineBucket is one left-closed right-open time bucket of a campaign
// timeline.
type TimelineBucket struct {
	Start      time.Time `json:"start"`
	EventCount int       `json:"event_count"`
	SourceIPs  int       `json:"source_ips"`
}

// SourceResult is the raw outcome of one threat-intel source lookup.
type SourceResult struct {
	Source      string                 `json:"source"`
	ThreatScore *float64               `json:"threat_score,omitempty"` // 0..100
	Confidence  *float64               `json:"confidence,omitempty"`   // 0..1
	Raw         map[string]interface{} `json:"raw,omitempty"`
	Related     []Indicator            `json:"related,omitempty"`
	Country     string                 `json:"country,omitempty"`
	ASN         string                 `json:"asn,omitempty"`
	Network     string                 `json:"network,omitempty"`
	LastSeen    time.Time              `json:"last_seen,omitempty"`
	Err         string                 `json:"error,omitempty"`
}

// ThreatIntelResult aggregates every source's answer for one indicator.
type ThreatIntelResult struct {
	Indicator      Indicator               `json:"indicator"`
	OverallScore   *float64                `json:"overall_threat_score,omitempty"` // 0..100
	Confidence     *float64                `json:"confidence,omitempty"`           // 0..1
	SourceResults  map[string]SourceResult `json:"source_results"`
	Correlated     []Indicator             `json:"correlated_indicators,omitempty"`
	Country        string                  `json:"country,omitempty"`
	ASN            string                  `json:"asn,omitempty"`
	Network        string                  `json:"network,omitempty"`
	SourcesQueried []string                `json:"sources_queried"`
	QueryTime      time.Time               `json:"query_timestamp"`
	CacheHit       bool                    `json:"cache_hit"`
}

// APIKey is the stored identity a TCP client authenticates with. The key
// value itself lives in the secret store; only metadata is persisted
// locally.
type APIKey struct {
	ID          string          `json:"key_id"`
	Value       string          `json:"key_value,omitempty"`
	Name        string          `json:"display_name"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Permissions map[string]bool `json:"permissions"`
	RateLimit   uint32          `json:"rate_limit"` // requests per minute
	UsageCount  uint64          `json:"usage_count"`
	LastUsed    time.Time       `json:"last_used,omitempty"`
}

// Valid reports whether the key may authenticate requests at ts.
func (k *APIKey) Valid(ts time.Time) bool {
	return k.ExpiresAt == nil || ts.Before(*k.ExpiresAt)
}

// HasPermission reports whether the key grants perm. An empty permission
// name means the tool is unrestricted.
func (k *APIKey) HasPermission(perm string) bool {
	if perm == "" {
		return true
	}
	if k.Permissions == nil {
		return false
	}
	return k.Permissions[perm] || k.Permissions["*"]
}

// MarshalBinary implements encoding.BinaryMarshaler
func (k *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(k)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (k *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, k)
}

// ContentType discriminates tool result content items.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentJSON ContentType = "json"
)

// Content is one item of a tool result. Exactly one of Text or JSON is
// set, matching Type.
type Content struct {
	Type ContentType     `json:"type"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// TextContent wraps a plain string as a tool result item.
func TextContent(s string) Content {
	return Content{Type: ContentText, Text: s}
}

// JSONContent marshals v as a structured tool result item.
func JSONContent(v interface{}) (Content, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Content{}, err
	}
	return Content{Type: ContentJSON, JSON: raw}, nil
}

// ToolResult is what every tool handler returns to the dispatcher.
type ToolResult struct {
	Content []Content `json:"content"`
}

// JSONResult is a convenience wrapper for single-object results.
func JSONResult(v interface{}) (*ToolResult, error) {
	c, err := JSONContent(v)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: []Content{c}}, nil
}
