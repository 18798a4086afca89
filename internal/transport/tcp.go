package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
	"github.com/datagen24/dshield-mcp-sub001/internal/ratelimit"
)

// TCPServer serves length-prefixed JSON-RPC over TCP. Every connection
// gets its own session that must authenticate before calling tools.
type TCPServer struct {
	cfg        config.TransportConfig
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	logger     *zap.Logger

	listener net.Listener

	mu      sync.Mutex
	conns   map[string]*tcpConn
	closing bool

	wg sync.WaitGroup
}

type tcpConn struct {
	id     string
	conn   net.Conn
	sess   *dispatch.Session
	framer *LengthPrefixFramer

	// inflight counts frames being processed, so revocation can let the
	// current request finish before the socket is closed.
	inflight sync.WaitGroup
}

// NewTCPServer builds a TCP server. Call Serve to start accepting.
func NewTCPServer(cfg config.TransportConfig, d *dispatch.Dispatcher, limiter *ratelimit.Limiter, logger *zap.Logger) *TCPServer {
	return &TCPServer{
		cfg:        cfg,
		dispatcher: d,
		limiter:    limiter,
		logger:     logger,
		conns:      make(map[string]*tcpConn),
	}
}

// Listen binds the configured address. Separate from Serve so callers
// can learn the bound port before accepting.
func (s *TCPServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.TCPBind, s.cfg.TCPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("TCP transport listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown closes the listener.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("Connection limit reached, refusing",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_connections", s.cfg.MaxConnections))
			s.refuse(conn)
			continue
		}
		tc := &tcpConn{
			id:     "tcp-" + uuid.NewString(),
			conn:   conn,
			sess:   &dispatch.Session{RequireAuth: true},
			framer: NewLengthPrefixFramer(conn, conn),
		}
		tc.sess.ConnID = tc.id
		s.conns[tc.id] = tc
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, tc)
		}()
	}
}

// refuse tells the client why before closing. Best effort.
func (s *TCPServer) refuse(conn net.Conn) {
	framer := NewLengthPrefixFramer(conn, conn)
	out := encodeResponse(jsonrpc.NewErrorResponse(nil,
		jsonrpc.NewError(jsonrpc.CodeRateLimited, "connection limit reached")), s.logger)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = framer.WriteFrame(out)
	_ = conn.Close()
}

func (s *TCPServer) serveConn(ctx context.Context, tc *tcpConn) {
	remote := tc.conn.RemoteAddr().String()
	s.logger.Info("Connection opened",
		zap.String("conn_id", tc.id),
		zap.String("remote", remote))

	defer func() {
		tc.inflight.Wait()
		s.dispatcher.CancelAll(tc.id)
		s.limiter.ReleaseConnection(tc.id)
		_ = tc.conn.Close()
		s.mu.Lock()
		delete(s.conns, tc.id)
		s.mu.Unlock()
		s.logger.Info("Connection closed",
			zap.String("conn_id", tc.id),
			zap.String("remote", remote))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if s.cfg.IdleTimeout > 0 {
			_ = tc.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		frame, err := tc.framer.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, ErrFrameTooLarge):
				out := encodeResponse(jsonrpc.NewErrorResponse(nil,
					jsonrpc.NewError(jsonrpc.CodeParseError, "frame exceeds size limit")), s.logger)
				_ = tc.framer.WriteFrame(out)
			case isTimeout(err):
				s.logger.Info("Idle timeout",
					zap.String("conn_id", tc.id),
					zap.Duration("idle_timeout", s.cfg.IdleTimeout))
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Read failed",
					zap.String("conn_id", tc.id),
					zap.Error(err))
			}
			return
		}

		tc.inflight.Add(1)
		go func(raw []byte) {
			defer tc.inflight.Done()
			if out := processFrame(ctx, s.dispatcher, tc.sess, raw, s.logger); out != nil {
				if err := tc.framer.WriteFrame(out); err != nil {
					s.logger.Error("Failed to write response",
						zap.String("conn_id", tc.id),
						zap.Error(err))
				}
			}
		}(frame)
	}
}

// CloseSessionsForKey terminates every connection authenticated with the
// given key. Wired to the key store's revocation callbacks. The session
// is de-authenticated immediately so nothing new is admitted, then the
// request already in flight may finish before the socket closes; past
// the drain timeout it is cancelled instead.
func (s *TCPServer) CloseSessionsForKey(keyID string) {
	s.mu.Lock()
	var victims []*tcpConn
	for _, tc := range s.conns {
		if tc.sess.KeyID() == keyID {
			victims = append(victims, tc)
		}
	}
	s.mu.Unlock()

	for _, tc := range victims {
		s.logger.Info("Terminating session for revoked key",
			zap.String("conn_id", tc.id),
			zap.String("key_id", keyID))
		tc.sess.Revoke()

		done := make(chan struct{})
		go func(tc *tcpConn) {
			tc.inflight.Wait()
			close(done)
		}(tc)
		timer := time.NewTimer(s.cfg.DrainTimeout)
		select {
		case <-done:
		case <-timer.C:
			s.logger.Warn("Revoked session exceeded drain timeout, cancelling",
				zap.String("conn_id", tc.id),
				zap.Duration("drain_timeout", s.cfg.DrainTimeout))
			s.dispatcher.CancelAll(tc.id)
		}
		timer.Stop()
		_ = tc.conn.Close()
	}
}

// Shutdown drains gracefully: stop accepting, fail new requests fast,
// wait for in-flight work up to the drain timeout, then force-close.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.dispatcher.StartDraining()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Warn("Drain timeout reached, forcing connections closed",
			zap.Duration("drain_timeout", s.cfg.DrainTimeout))
	}

	s.mu.Lock()
	for _, tc := range s.conns {
		s.dispatcher.CancelAll(tc.id)
		_ = tc.conn.Close()
	}
	s.mu.Unlock()
	<-done
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
