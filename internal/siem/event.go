package siem

import (
	"strconv"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// Field aliases seen across honeypot and ECS-style indices, in lookup
// order.
var (
	timestampFields = []string{"@timestamp", "timestamp", "event_time"}
	sourceIPFields  = []string{"source.ip", "source_ip", "src_ip", "related.ip"}
	destIPFields    = []string{"destination.ip", "destination_ip", "dst_ip"}
	destPortFields  = []string{"destination.port", "destination_port", "dst_port"}
	categoryFields  = []string{"event.category", "event_category", "category", "eventid"}
	techniqueFields = []string{"threat.technique.id", "mitre_technique", "technique"}
	tacticFields    = []string{"threat.tactic.name", "mitre_tactic", "tactic"}
)

// EventFromHit normalizes one raw hit into an Event. Unknown source
// fields are kept in Fields verbatim.
func EventFromHit(h Hit) contracts.Event {
	ev := contracts.Event{
		Index:  h.Index,
		ID:     h.ID,
		Fields: h.Source,
	}
	for _, f := range timestampFields {
		if ts, ok := parseTimestamp(lookupField(h.Source, f)); ok {
			ev.Timestamp = ts
			break
		}
	}
	ev.SourceIP = firstString(h.Source, sourceIPFields)
	ev.DestinationIP = firstString(h.Source, destIPFields)
	for _, f := range destPortFields {
		if p, ok := parsePort(lookupField(h.Source, f)); ok {
			ev.DestinationPort = p
			break
		}
	}
	ev.Category = firstString(h.Source, categoryFields)
	ev.Technique = firstString(h.Source, techniqueFields)
	ev.Tactic = firstString(h.Source, tacticFields)
	return ev
}

// lookupField resolves both flat dotted keys and nested objects, since
// indices in the wild store either shape.
func lookupField(src map[string]interface{}, name string) interface{} {
	if src == nil {
		return nil
	}
	if v, ok := src[name]; ok {
		return v
	}
	cur := interface{}(src)
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil
			}
			cur, ok = m[name[start:i]]
			if !ok {
				return nil
			}
			start = i + 1
		}
	}
	return cur
}

func firstString(src map[string]interface{}, names []string) string {
	for _, name := range names {
		switch v := lookupField(src, name).(type) {
		case string:
			if v != "" {
				return v
			}
		case []interface{}:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	case float64:
		// epoch millis
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

func parsePort(v interface{}) (uint16, bool) {
	switch p := v.(type) {
	case float64:
		if p >= 0 && p <= 65535 {
			return uint16(p), true
		}
	case string:
		if n, err := strconv.Atoi(p); err == nil && n >= 0 && n <= 65535 {
			return uint16(n), true
		}
	}
	return 0, false
}
