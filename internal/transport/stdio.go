package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
)

// StdioServer serves a single trusted session over stdin/stdout. The
// parent process owns the pipe, so authentication is implicit; logging
// must stay off stdout or it corrupts the frame stream.
type StdioServer struct {
	dispatcher *dispatch.Dispatcher
	framer     Framer
	logger     *zap.Logger
}

// NewStdioServer builds a stdio server over the given streams.
func NewStdioServer(d *dispatch.Dispatcher, in io.Reader, out io.Writer, logger *zap.Logger) *StdioServer {
	return &StdioServer{
		dispatcher: d,
		framer:     NewNewlineFramer(in, out),
		logger:     logger,
	}
}

// Serve reads frames until EOF or context cancellation. Requests run
// concurrently so $/cancelRequest can reach an in-flight call; writes
// are serialized by the framer.
func (s *StdioServer) Serve(ctx context.Context) error {
	sess := &dispatch.Session{ConnID: "stdio"}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("Stdin closed, shutting down")
				return nil
			}
			if errors.Is(err, ErrFrameTooLarge) {
				// The line stream cannot be resynchronized past an
				// oversized frame.
				out := encodeResponse(jsonrpc.NewErrorResponse(nil,
					jsonrpc.NewError(jsonrpc.CodeParseError, "frame exceeds size limit")), s.logger)
				_ = s.framer.WriteFrame(out)
				return ErrFrameTooLarge
			}
			return err
		}

		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			if out := processFrame(ctx, s.dispatcher, sess, raw, s.logger); out != nil {
				if err := s.framer.WriteFrame(out); err != nil {
					s.logger.Error("Failed to write response", zap.Error(err))
				}
			}
		}(frame)
	}
}
