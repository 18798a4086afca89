// Package query is the smart query and streaming engine: cost-based
// optimization before execution, offset and cursor pagination, plain
// chunked streaming, and session-context streaming that never splits a
// session across chunks.
package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
)

// Cursor is the opaque pagination token: the (timestamp, id) sort key of
// the last returned document. Value-based resumption means a deleted
// document simply skips forward to the next live one.
type Cursor struct {
	TSNanos int64  `json:"ts"`
	DocID   string `json:"id"`
}

// Encode serializes the cursor for the wire.
func (c Cursor) Encode() string {
	payload, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(payload)
}

// SearchAfter returns the sort key the store expects.
func (c Cursor) SearchAfter() []interface{} {
	return []interface{}{time.Unix(0, c.TSNanos).UTC().UnixMilli(), c.DocID}
}

// DecodeCursor parses an opaque cursor token.
func DecodeCursor(token string) (Cursor, error) {
	payload, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	if c.DocID == "" {
		return Cursor{}, fmt.Errorf("malformed cursor: missing document id")
	}
	return c, nil
}

// CursorFor builds the continuation cursor from the last event of a page.
func CursorFor(ev *contracts.Event) Cursor {
	return Cursor{TSNanos: ev.Timestamp.UnixNano(), DocID: ev.ID}
}
