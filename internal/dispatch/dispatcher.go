// Package dispatch routes JSON-RPC methods to handlers: protocol
// methods inline, tool calls through the admission pipeline (rate limit,
// feature availability, permission, schema) with per-call deadlines,
// cooperative cancellation, and panic containment.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/features"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
	"github.com/datagen24/dshield-mcp-sub001/internal/ratelimit"
	"github.com/datagen24/dshield-mcp-sub001/internal/reqcontext"
	"github.com/datagen24/dshield-mcp-sub001/internal/validate"
)

// Protocol identity reported from initialize.
const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "dshield-mcp"
)

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error)

// ToolDefinition declares a tool: its schema, dependencies, permission,
// deadline, and handler.
type ToolDefinition struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	Dependencies []string
	// Permission the API key must grant; empty means unrestricted.
	Permission string
	// Timeout overrides the default per-tool deadline.
	Timeout time.Duration
	Handler ToolHandler
}

// KeyValidator validates presented API keys.
type KeyValidator interface {
	Validate(ctx context.Context, value string) (*contracts.APIKey, error)
}

// Session is the per-connection state the transport threads through
// every request.
type Session struct {
	ConnID string
	// RequireAuth is set for TCP sessions; stdio trusts its parent.
	RequireAuth bool

	mu            sync.Mutex
	authenticated bool
	key           *contracts.APIKey
}

// Authenticated reports whether the session may call tools.
func (s *Session) Authenticated() bool {
	if !s.RequireAuth {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Key returns the bound API key, nil on stdio sessions.
func (s *Session) Key() *contracts.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// KeyID returns the bound key's id, or "".
func (s *Session) KeyID() string {
	if k := s.Key(); k != nil {
		return k.ID
	}
	return ""
}

func (s *Session) bind(key *contracts.APIKey) {
	s.mu.Lock()
	s.authenticated = true
	s.key = key
	s.mu.Unlock()
}

// Revoke clears the session's authentication so no further requests
// pass the auth gate. In-flight calls are unaffected.
func (s *Session) Revoke() {
	s.mu.Lock()
	s.authenticated = false
	s.key = nil
	s.mu.Unlock()
}

// Dispatcher routes requests.
type Dispatcher struct {
	cfg       config.QueryConfig
	logger    *zap.Logger
	limiter   *ratelimit.Limiter
	features  *features.Manager
	schemas   *validate.SchemaRegistry
	validator KeyValidator
	metrics   *Metrics
	version   string

	mu       sync.Mutex
	tools    map[string]*ToolDefinition
	order    []string
	inflight map[string]context.CancelFunc // connID+"/"+requestID

	draining atomic.Bool
}

// New creates an empty dispatcher.
func New(cfg config.QueryConfig, limiter *ratelimit.Limiter, fm *features.Manager, validator KeyValidator, metrics *Metrics, version string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		limiter:   limiter,
		features:  fm,
		schemas:   validate.NewSchemaRegistry(),
		validator: validator,
		metrics:   metrics,
		version:   version,
		tools:     make(map[string]*ToolDefinition),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// RegisterTool adds a tool, compiling its schema and declaring its
// dependencies to the feature manager.
func (d *Dispatcher) RegisterTool(def ToolDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("tool definition needs a name and a handler")
	}
	if err := d.schemas.Register(def.Name, def.InputSchema); err != nil {
		return err
	}
	d.features.RegisterTool(def.Name, def.Dependencies...)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.tools[def.Name]; dup {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	d.tools[def.Name] = &def
	d.order = append(d.order, def.Name)
	sort.Strings(d.order)
	return nil
}

// StartDraining makes every subsequent request fail fast with the
// shutting-down code. In-flight calls continue.
func (d *Dispatcher) StartDraining() {
	d.draining.Store(true)
}

// Draining reports whether shutdown has begun.
func (d *Dispatcher) Draining() bool {
	return d.draining.Load()
}

// CancelAll cancels every in-flight call for one connection.
func (d *Dispatcher) CancelAll(connID string) {
	prefix := connID + "/"
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.inflight {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cancel()
			delete(d.inflight, key)
		}
	}
}

// Handle processes one decoded request and returns the response, or nil
// when the request was a notification.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, req *jsonrpc.Request) *jsonrpc.Response {
	corrID := reqcontext.NewCorrelationID()
	ctx = reqcontext.WithCorrelationID(ctx, corrID)
	ctx = reqcontext.WithConnectionID(ctx, sess.ConnID)

	resp := d.route(ctx, sess, req, corrID)
	if req.IsNotification() {
		return nil
	}
	if resp == nil {
		resp = jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error").WithCorrelationID(corrID))
	}

	outcome := "ok"
	if resp.Error != nil {
		outcome = fmt.Sprintf("error_%d", resp.Error.Code)
	}
	d.metrics.Requests.WithLabelValues(req.Method, outcome).Inc()
	return resp
}

func (d *Dispatcher) route(ctx context.Context, sess *Session, req *jsonrpc.Request, corrID string) *jsonrpc.Response {
	if d.draining.Load() && req.Method != "ping" {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeShuttingDown, "server is shutting down").WithCorrelationID(corrID))
	}

	// An unauthenticated session may only authenticate or ping; every
	// other method, initialize included, sits behind the gate.
	if !sess.Authenticated() && req.Method != "auth" && req.Method != "ping" {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authenticate first").WithCorrelationID(corrID))
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "ping":
		return d.must(req.ID, map[string]interface{}{})
	case "auth":
		return d.handleAuth(ctx, sess, req, corrID)
	case "$/cancelRequest":
		d.handleCancel(sess, req)
		return nil
	case "list_tools", "tools/list":
		return d.handleListTools(sess, req, corrID)
	case "call_tool", "tools/call":
		return d.handleCallTool(ctx, sess, req, corrID)
	default:
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
				fmt.Sprintf("method not found: %s", req.Method)).WithCorrelationID(corrID))
	}
}

func (d *Dispatcher) must(id *jsonrpc.ID, result interface{}) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		d.logger.Error("Failed to marshal response", zap.Error(err))
		return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error"))
	}
	return resp
}

func (d *Dispatcher) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	return d.must(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]interface{}{
			"name":    ServerName,
			"version": d.version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	})
}

type authParams struct {
	APIKey string `json:"api_key"`
}

func (d *Dispatcher) handleAuth(ctx context.Context, sess *Session, req *jsonrpc.Request, corrID string) *jsonrpc.Response {
	var params authParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.APIKey == "" {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams, "api_key is required").WithCorrelationID(corrID))
	}
	if d.validator == nil {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authentication is not enabled").WithCorrelationID(corrID))
	}

	key, err := d.validator.Validate(ctx, params.APIKey)
	if err != nil {
		d.logger.Warn("Authentication failed",
			zap.String("conn_id", sess.ConnID),
			zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authentication failed").WithCorrelationID(corrID))
	}

	sess.bind(key)
	d.logger.Info("Session authenticated",
		zap.String("conn_id", sess.ConnID),
		zap.String("key_id", key.ID))
	return d.must(req.ID, map[string]interface{}{
		"authenticated": true,
		"key_id":        key.ID,
	})
}

type cancelParams struct {
	ID *jsonrpc.ID `json:"id"`
}

func (d *Dispatcher) handleCancel(sess *Session, req *jsonrpc.Request) {
	var params cancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == nil {
		return
	}
	key := sess.ConnID + "/" + params.ID.String()
	d.mu.Lock()
	cancel, ok := d.inflight[key]
	d.mu.Unlock()
	if ok {
		cancel()
		d.logger.Debug("Request cancelled by client",
			zap.String("conn_id", sess.ConnID),
			zap.String("request_id", params.ID.String()))
	}
}

func (d *Dispatcher) handleListTools(sess *Session, req *jsonrpc.Request, corrID string) *jsonrpc.Response {
	if !sess.Authenticated() {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authenticate first").WithCorrelationID(corrID))
	}

	d.mu.Lock()
	names := append([]string{}, d.order...)
	d.mu.Unlock()

	available := d.features.FilterTools(names)
	tools := make([]map[string]interface{}, 0, len(available))
	for _, name := range available {
		d.mu.Lock()
		def := d.tools[name]
		d.mu.Unlock()
		schema, _ := d.schemas.Schema(name)
		tools = append(tools, map[string]interface{}{
			"name":        def.Name,
			"description": def.Description,
			"inputSchema": json.RawMessage(schema),
		})
	}
	return d.must(req.ID, map[string]interface{}{"tools": tools})
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// TimeoutSeconds optionally shortens the per-call deadline.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// handleCallTool runs the admission pipeline in order: authentication,
// rate limit, feature availability, permission, schema; then executes
// the handler under its deadline.
func (d *Dispatcher) handleCallTool(ctx context.Context, sess *Session, req *jsonrpc.Request, corrID string) *jsonrpc.Response {
	if !sess.Authenticated() {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired, "authenticate first").WithCorrelationID(corrID))
	}

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeInvalidParams, "tool name is required").WithCorrelationID(corrID))
	}

	key := sess.Key()
	var keyID string
	var keyPerMinute uint32
	if key != nil {
		keyID = key.ID
		keyPerMinute = key.RateLimit
	}

	decision := d.limiter.Admit(sess.ConnID, keyID, keyPerMinute)
	if !decision.Allowed {
		rpcErr := jsonrpc.NewError(jsonrpc.CodeRateLimited, "rate limit exceeded").
			WithCorrelationID(corrID).
			WithRetryAfter(decision.RetryAfter.Seconds())
		if decision.Blocked {
			rpcErr = rpcErr.WithReason("key is administratively blocked")
		}
		d.metrics.ToolCalls.WithLabelValues(params.Name, "rate_limited").Inc()
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}

	if ok, reason := d.features.Available(params.Name); !ok {
		d.metrics.ToolCalls.WithLabelValues(params.Name, "unavailable").Inc()
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeFeatureUnavailable,
				fmt.Sprintf("tool %s is temporarily unavailable", params.Name)).
				WithCorrelationID(corrID).
				WithReason(reason))
	}

	d.mu.Lock()
	def, known := d.tools[params.Name]
	d.mu.Unlock()
	if !known {
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeMethodNotFound,
				fmt.Sprintf("unknown tool: %s", params.Name)).WithCorrelationID(corrID))
	}

	if key != nil && !key.HasPermission(def.Permission) {
		d.metrics.ToolCalls.WithLabelValues(params.Name, "forbidden").Inc()
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeAuthRequired,
				fmt.Sprintf("key lacks permission for %s", params.Name)).WithCorrelationID(corrID))
	}

	if rpcErr := d.schemas.ValidateArguments(params.Name, params.Arguments); rpcErr != nil {
		d.metrics.ToolCalls.WithLabelValues(params.Name, "invalid_args").Inc()
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.WithCorrelationID(corrID))
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultToolTimeout
	}
	if params.TimeoutSeconds > 0 {
		requested := time.Duration(params.TimeoutSeconds * float64(time.Second))
		if requested < timeout {
			timeout = requested
		}
	}
	if timeout > d.cfg.MaxToolTimeout {
		timeout = d.cfg.MaxToolTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if req.ID != nil {
		inflightKey := sess.ConnID + "/" + req.ID.String()
		d.mu.Lock()
		d.inflight[inflightKey] = cancel
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, inflightKey)
			d.mu.Unlock()
		}()
	}

	started := time.Now()
	result, err := d.invoke(callCtx, def, params.Arguments, corrID)
	d.metrics.Duration.WithLabelValues(params.Name).Observe(time.Since(started).Seconds())

	if err != nil {
		rpcErr := mapToolError(callCtx, err).WithCorrelationID(corrID)
		d.metrics.ToolCalls.WithLabelValues(params.Name, "error").Inc()
		d.logger.Warn("Tool call failed",
			zap.String("tool", params.Name),
			zap.String("correlation_id", corrID),
			zap.Int("code", rpcErr.Code),
			zap.Error(err))
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}

	d.metrics.ToolCalls.WithLabelValues(params.Name, "ok").Inc()
	return d.must(req.ID, result)
}

// invoke runs the handler with panic containment: a panicking tool
// yields an internal error carrying the correlation id, never a crash.
func (d *Dispatcher) invoke(ctx context.Context, def *ToolDefinition, args json.RawMessage, corrID string) (result *contracts.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool handler panicked",
				zap.String("tool", def.Name),
				zap.String("correlation_id", corrID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = nil
			err = jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
		}
	}()
	return def.Handler(ctx, args)
}
