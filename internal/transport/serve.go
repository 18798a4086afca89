package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
	"github.com/datagen24/dshield-mcp-sub001/internal/validate"
)

// processFrame validates and dispatches one frame, returning the encoded
// response or nil for notifications.
func processFrame(ctx context.Context, d *dispatch.Dispatcher, sess *dispatch.Session, raw []byte, logger *zap.Logger) []byte {
	req, rpcErr := validate.Frame(raw)
	if rpcErr != nil {
		return encodeResponse(jsonrpc.NewErrorResponse(nil, rpcErr), logger)
	}

	resp := d.Handle(ctx, sess, req)
	if resp == nil {
		return nil
	}
	return encodeResponse(resp, logger)
}

func encodeResponse(resp *jsonrpc.Response, logger *zap.Logger) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		fallback := jsonrpc.NewErrorResponse(resp.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error"))
		out, _ = json.Marshal(fallback)
	}
	return out
}
