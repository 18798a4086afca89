package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// StreamRequest parameterizes plain chunked streaming.
type StreamRequest struct {
	Filter    Filter
	ChunkSize int
	Cursor    string
	MaxChunks int
	Fields    []string
}

// StreamResult is a batch of chunks plus the continuation cursor.
type StreamResult struct {
	Events      []contracts.Event `json:"events"`
	Chunks      int               `json:"chunks"`
	NextCursor  string            `json:"next_cursor,omitempty"`
	Exhausted   bool              `json:"exhausted"`
	Diagnostics *siem.Diagnostics `json:"diagnostics,omitempty"`
}

// Stream reads fixed-size chunks with cursor pagination until the data
// or the chunk allowance runs out. Ordering is oldest-first so the
// cursor walks forward in time.
func (e *Engine) Stream(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	chunkSize, err := e.pageSize(req.ChunkSize)
	if err != nil {
		return nil, err
	}
	if req.MaxChunks <= 0 {
		req.MaxChunks = 1
	}

	indices, diags, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &StreamResult{Events: []contracts.Event{}, Exhausted: true, Diagnostics: &diags}, nil
	}

	var searchAfter []interface{}
	if req.Cursor != "" {
		cursor, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		searchAfter = cursor.SearchAfter()
	}

	result := &StreamResult{Events: []contracts.Event{}}
	for chunk := 0; chunk < req.MaxChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.store.Search(ctx, siem.SearchRequest{
			Indices:     indices,
			Query:       req.Filter.Expr(),
			Sort:        e.sortFor(true),
			Size:        chunkSize,
			SearchAfter: searchAfter,
			Fields:      req.Fields,
		})
		if err != nil {
			return nil, err
		}
		if len(res.Events) == 0 {
			result.Exhausted = true
			break
		}

		result.Events = append(result.Events, res.Events...)
		result.Chunks++
		last := &res.Events[len(res.Events)-1]
		searchAfter = CursorFor(last).SearchAfter()
		result.NextCursor = CursorFor(last).Encode()

		if len(res.Events) < chunkSize {
			result.Exhausted = true
			break
		}
	}
	if result.Exhausted {
		result.NextCursor = ""
	}
	return result, nil
}

// SessionStreamRequest parameterizes session-context streaming.
type SessionStreamRequest struct {
	Filter    Filter
	ChunkSize int
	Cursor    string
	Fields    []string
}

// SessionSummary describes one emitted session.
type SessionSummary struct {
	Key        string    `json:"session_key"`
	EventCount int       `json:"event_count"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SourceIP   string    `json:"source_ip,omitempty"`
}

// StreamCounters are the performance counters of one session-stream call.
type StreamCounters struct {
	EventsRead      int           `json:"events_read"`
	EventsEmitted   int           `json:"events_emitted"`
	SessionsEmitted int           `json:"sessions_emitted"`
	SessionsPushed  int           `json:"sessions_pushed_back"`
	StoreTime       time.Duration `json:"-"`
	StoreTimeMillis int64         `json:"store_time_ms"`
}

// SessionStreamResult is one session-aware chunk.
type SessionStreamResult struct {
	Events      []contracts.Event `json:"events"`
	NextCursor  string            `json:"next_cursor,omitempty"`
	Summaries   []SessionSummary  `json:"session_summaries"`
	Counters    StreamCounters    `json:"performance"`
	Diagnostics *siem.Diagnostics `json:"diagnostics,omitempty"`
}

// session is one grouped run of events sharing a key.
type session struct {
	key    string
	events []contracts.Event
}

// StreamSessions emits whole sessions only. It reads ahead in windows
// of twice the chunk size, groups by the configured session fields with
// a gap split, and pushes back the session that would overflow the
// chunk so no session ever straddles two calls. A session larger than
// the chunk is emitted whole rather than split.
func (e *Engine) StreamSessions(ctx context.Context, req SessionStreamRequest) (*SessionStreamResult, error) {
	chunkSize, err := e.pageSize(req.ChunkSize)
	if err != nil {
		return nil, err
	}

	indices, diags, err := e.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &SessionStreamResult{
			Events:      []contracts.Event{},
			Summaries:   []SessionSummary{},
			Diagnostics: &diags,
		}, nil
	}

	var searchAfter []interface{}
	if req.Cursor != "" {
		cursor, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		searchAfter = cursor.SearchAfter()
	}

	result := &SessionStreamResult{
		Events:    []contracts.Event{},
		Summaries: []SessionSummary{},
	}

	// Read windows of twice the chunk size until the window closes at
	// least one session or the data runs out. A session larger than one
	// window keeps extending the read, so it is always either closed or
	// known complete before anything is emitted.
	var window []contracts.Event
	var sessions []session
	exhausted := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		storeStart := time.Now()
		res, err := e.store.Search(ctx, siem.SearchRequest{
			Indices:     indices,
			Query:       req.Filter.Expr(),
			Sort:        e.sortFor(true),
			Size:        chunkSize * 2,
			SearchAfter: searchAfter,
			Fields:      req.Fields,
		})
		if err != nil {
			return nil, err
		}
		storeTime := time.Since(storeStart)
		result.Counters.EventsRead += len(res.Events)
		result.Counters.StoreTime += storeTime
		result.Counters.StoreTimeMillis = result.Counters.StoreTime.Milliseconds()

		window = append(window, res.Events...)
		if len(res.Events) < chunkSize*2 {
			exhausted = true
		}
		if len(window) == 0 {
			return result, nil
		}

		sessions = e.groupSessions(window)
		if exhausted || len(sessions) > 1 {
			break
		}
		searchAfter = CursorFor(&window[len(window)-1]).SearchAfter()
	}

	emitted := 0
	for i, s := range sessions {
		wouldOverflow := emitted+len(s.events) > chunkSize
		if wouldOverflow && emitted > 0 {
			// Push this and every later session back to the next call.
			result.Counters.SessionsPushed = len(sessions) - i
			last := &result.Events[len(result.Events)-1]
			result.NextCursor = CursorFor(last).Encode()
			result.Counters.EventsEmitted = emitted
			result.Counters.SessionsEmitted = len(result.Summaries)
			return result, nil
		}
		if !exhausted && i == len(sessions)-1 {
			// The read window may have cut this session short; hold it
			// for the next call rather than emit a fragment. The read
			// loop guarantees at least one earlier, closed session, so
			// the cursor always advances.
			result.Counters.SessionsPushed = 1
			last := &result.Events[len(result.Events)-1]
			result.NextCursor = CursorFor(last).Encode()
			break
		}

		result.Events = append(result.Events, s.events...)
		result.Summaries = append(result.Summaries, summarize(s))
		emitted += len(s.events)
	}

	result.Counters.EventsEmitted = emitted
	result.Counters.SessionsEmitted = len(result.Summaries)
	if !exhausted && result.NextCursor == "" && emitted > 0 {
		last := &result.Events[len(result.Events)-1]
		result.NextCursor = CursorFor(last).Encode()
	}
	return result, nil
}

// groupSessions partitions time-ordered events by session key, splitting
// a key's run when consecutive events are further apart than the
// configured gap.
func (e *Engine) groupSessions(events []contracts.Event) []session {
	var out []session
	open := make(map[string]int) // key -> index into out

	for i := range events {
		ev := events[i]
		key := e.sessionKey(&ev)

		idx, ok := open[key]
		if ok {
			s := &out[idx]
			lastTS := s.events[len(s.events)-1].Timestamp
			if ev.Timestamp.Sub(lastTS) > e.cfg.MaxSessionGap {
				ok = false
			}
		}
		if !ok {
			out = append(out, session{key: key})
			idx = len(out) - 1
			open[key] = idx
		}
		out[idx].events = append(out[idx].events, ev)
	}
	return out
}

func (e *Engine) sessionKey(ev *contracts.Event) string {
	parts := make([]string, 0, len(e.cfg.SessionFields))
	for _, field := range e.cfg.SessionFields {
		switch field {
		case "source_ip":
			parts = append(parts, ev.SourceIP)
		case "destination_ip":
			parts = append(parts, ev.DestinationIP)
		case "destination_port":
			parts = append(parts, fmt.Sprintf("%d", ev.DestinationPort))
		default:
			parts = append(parts, ev.StringField(field))
		}
	}
	return strings.Join(parts, "|")
}

func summarize(s session) SessionSummary {
	sum := SessionSummary{
		Key:        s.key,
		EventCount: len(s.events),
	}
	if len(s.events) > 0 {
		sum.Start = s.events[0].Timestamp
		sum.End = s.events[len(s.events)-1].Timestamp
		sum.SourceIP = s.events[0].SourceIP
	}
	return sum
}
