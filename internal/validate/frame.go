// Package validate rejects malformed frames before any handler runs:
// size, nesting depth, UTF-8, JSON-RPC 2.0 shape, and per-tool schema
// validation, plus sanitization of free-text parameters.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
)

// Frame limits.
const (
	MaxFrameBytes = 10 << 20 // 10 MiB
	MaxDepth      = 100
)

// Frame validates a raw frame and decodes it into a request. The
// returned *jsonrpc.Error carries -32700 for parse-level problems and
// -32600 for shape problems, per the error taxonomy.
func Frame(raw []byte) (*jsonrpc.Request, *jsonrpc.Error) {
	if len(raw) > MaxFrameBytes {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError,
			fmt.Sprintf("frame exceeds %d bytes", MaxFrameBytes))
	}
	if !utf8.Valid(raw) {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError, "frame is not valid UTF-8")
	}
	if depth, ok := nestingDepth(raw); !ok || depth > MaxDepth {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError,
			fmt.Sprintf("JSON nesting exceeds depth %d or is malformed", MaxDepth))
	}

	var req jsonrpc.Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeParseError, "invalid JSON")
	}

	if req.JSONRPC != jsonrpc.Version {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "method is required")
	}
	return &req, nil
}

// nestingDepth walks the token stream counting open containers. Returns
// ok=false on malformed JSON; the decoder proper reports the error.
func nestingDepth(raw []byte) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth, maxDepth := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return maxDepth, true
		}
		if err != nil {
			return maxDepth, false
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
				if maxDepth > MaxDepth {
					return maxDepth, true
				}
			case '}', ']':
				depth--
			}
		}
	}
}
