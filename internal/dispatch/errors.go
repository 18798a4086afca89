package dispatch

import (
	"context"
	"errors"

	"github.com/datagen24/dshield-mcp-sub001/internal/auth"
	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/intel"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
)

// Tool-domain error codes inside the reserved -32000..-32009 range.
const (
	CodeToolTimeout    = jsonrpc.CodeToolDomainBase     // -32000
	CodeToolCancelled  = jsonrpc.CodeToolDomainBase - 1 // -32001
	CodeToolDataAccess = jsonrpc.CodeToolDomainBase - 2 // -32002
)

// mapToolError translates handler failures into the error taxonomy.
func mapToolError(ctx context.Context, err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return jsonrpc.NewError(jsonrpc.CodeDependencyOpen, "dependency unavailable: circuit open")
	case errors.Is(err, intel.ErrAllSourcesFailed), errors.Is(err, intel.ErrNoSources):
		return jsonrpc.NewError(jsonrpc.CodeEnrichmentFailed, err.Error())
	case errors.Is(err, auth.ErrKeyNotFound), errors.Is(err, auth.ErrKeyInvalid), errors.Is(err, auth.ErrKeyExpired):
		return jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authentication failed")
	case errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() == context.DeadlineExceeded {
			return jsonrpc.NewError(CodeToolTimeout, "tool execution timed out")
		}
		return jsonrpc.NewError(CodeToolDataAccess, "upstream query timed out")
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewError(CodeToolCancelled, "request cancelled")
	default:
		return jsonrpc.AsError(err)
	}
}
