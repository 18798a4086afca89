package siem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFromHitFlatFields(t *testing.T) {
	hit := Hit{
		Index: "cowrie-2026.03.01",
		ID:    "doc-1",
		Source: map[string]interface{}{
			"@timestamp":       "2026-03-01T12:00:00Z",
			"source_ip":        "203.0.113.7",
			"destination_ip":   "192.0.2.10",
			"destination_port": float64(2222),
			"eventid":          "cowrie.login.failed",
			"user_name":        "root",
		},
	}

	ev := EventFromHit(hit)
	assert.Equal(t, "cowrie-2026.03.01", ev.Index)
	assert.Equal(t, "doc-1", ev.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "203.0.113.7", ev.SourceIP)
	assert.Equal(t, "192.0.2.10", ev.DestinationIP)
	assert.Equal(t, uint16(2222), ev.DestinationPort)
	assert.Equal(t, "cowrie.login.failed", ev.Category)
	assert.Equal(t, "root", ev.StringField("user_name"))
}

func TestEventFromHitNestedECSFields(t *testing.T) {
	hit := Hit{
		Index: "dshield-2026.03.01",
		ID:    "doc-2",
		Source: map[string]interface{}{
			"@timestamp": "2026-03-01T12:00:00.123Z",
			"source": map[string]interface{}{
				"ip": "198.51.100.4",
			},
			"destination": map[string]interface{}{
				"ip":   "192.0.2.11",
				"port": float64(445),
			},
			"event": map[string]interface{}{
				"category": "network",
			},
			"threat": map[string]interface{}{
				"technique": map[string]interface{}{"id": "T1110"},
				"tactic":    map[string]interface{}{"name": "credential-access"},
			},
		},
	}

	ev := EventFromHit(hit)
	assert.Equal(t, "198.51.100.4", ev.SourceIP)
	assert.Equal(t, "192.0.2.11", ev.DestinationIP)
	assert.Equal(t, uint16(445), ev.DestinationPort)
	assert.Equal(t, "network", ev.Category)
	assert.Equal(t, "T1110", ev.Technique)
	assert.Equal(t, "credential-access", ev.Tactic)
}

func TestEventFromHitMissingFields(t *testing.T) {
	ev := EventFromHit(Hit{Index: "x", ID: "y", Source: map[string]interface{}{}})
	assert.True(t, ev.Timestamp.IsZero())
	assert.Empty(t, ev.SourceIP)
	assert.Zero(t, ev.DestinationPort)
}

func TestParseTimestampEpochMillis(t *testing.T) {
	ts, ok := parseTimestamp(float64(1_740_830_400_000))
	require.True(t, ok)
	assert.Equal(t, int64(1_740_830_400), ts.Unix())
}

func TestParsePortString(t *testing.T) {
	p, ok := parsePort("8080")
	require.True(t, ok)
	assert.Equal(t, uint16(8080), p)

	_, ok = parsePort("70000")
	assert.False(t, ok)
}

func TestLookupFieldPrefersFlatKey(t *testing.T) {
	src := map[string]interface{}{
		"source.ip": "203.0.113.9",
		"source":    map[string]interface{}{"ip": "198.51.100.1"},
	}
	assert.Equal(t, "203.0.113.9", lookupField(src, "source.ip"))
}
