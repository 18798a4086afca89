package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/features"
	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
	"github.com/datagen24/dshield-mcp-sub001/internal/ratelimit"
)

type stubValidator struct {
	key *contracts.APIKey
	err error
}

func (v *stubValidator) Validate(context.Context, string) (*contracts.APIKey, error) {
	return v.key, v.err
}

func echoSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"value": {"type": "string"}},
		"required": ["value"],
		"additionalProperties": false
	}`)
}

func echoHandler(_ context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
	var params struct {
		Value string `json:"value"`
	}
	_ = json.Unmarshal(args, &params)
	return contracts.JSONResult(map[string]string{"echo": params.Value})
}

type dispatcherOpts struct {
	limits    config.RateLimitConfig
	validator KeyValidator
}

func newDispatcher(t *testing.T, opts dispatcherOpts) (*Dispatcher, *features.Manager) {
	t.Helper()
	if opts.limits.GlobalPerMinute == 0 {
		opts.limits = config.RateLimitConfig{
			GlobalPerMinute:     60000,
			GlobalBurst:         1000,
			ConnectionPerMinute: 60000,
			ConnectionBurst:     1000,
		}
	}
	fm := features.NewManager(config.FeatureConfig{
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	}, zap.NewNop())
	limiter := ratelimit.NewLimiter(opts.limits, zap.NewNop())
	metrics := NewMetrics(prometheus.NewRegistry())
	d := New(config.QueryConfig{
		DefaultToolTimeout: time.Minute,
		MaxToolTimeout:     5 * time.Minute,
	}, limiter, fm, opts.validator, metrics, "test", zap.NewNop())

	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "echo",
		Description: "echo back the value",
		InputSchema: echoSchema(),
		Handler:     echoHandler,
	}))
	return d, fm
}

func stdioSession() *Session {
	return &Session{ConnID: "stdio"}
}

func callToolReq(id int64, tool string, args string) *jsonrpc.Request {
	params, _ := json.Marshal(map[string]interface{}{
		"name":      tool,
		"arguments": json.RawMessage(args),
	})
	return &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      jsonrpc.NumberID(id),
		Method:  "call_tool",
		Params:  params,
	}
}

func TestInitialize(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "initialize",
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
}

func TestCallToolSuccess(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "echo", `{"value":"hi"}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hi")
}

func TestCallToolSchemaViolation(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "echo", `{"value":42}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.NotEmpty(t, resp.Error.Data.CorrelationID)
}

func TestCallToolUnknownTool(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "nope", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "bogus",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestRateLimitedWithRetryAfter(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{limits: config.RateLimitConfig{
		GlobalPerMinute:     60,
		GlobalBurst:         1,
		ConnectionPerMinute: 60000,
		ConnectionBurst:     1000,
	}})

	sess := stdioSession()
	first := d.Handle(context.Background(), sess, callToolReq(1, "echo", `{"value":"a"}`))
	require.Nil(t, first.Error)

	second := d.Handle(context.Background(), sess, callToolReq(2, "echo", `{"value":"b"}`))
	require.NotNil(t, second.Error)
	assert.Equal(t, jsonrpc.CodeRateLimited, second.Error.Code)
	require.NotNil(t, second.Error.Data)
	assert.Positive(t, second.Error.Data.RetryAfter)
}

func TestFeatureUnavailable(t *testing.T) {
	d, fm := newDispatcher(t, dispatcherOpts{})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:         "needy",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		Dependencies: []string{"siem_store"},
		Handler:      echoHandler,
	}))
	fm.RegisterDependency("siem_store", features.ProbeFunc(func(context.Context) error {
		return errors.New("refused")
	}))
	fm.ProbeNow(context.Background())

	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "needy", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeFeatureUnavailable, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Contains(t, resp.Error.Data.Reason, "siem_store")
}

func TestUnauthenticatedTCPSessionRejected(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	sess := &Session{ConnID: "tcp-1", RequireAuth: true}

	resp := d.Handle(context.Background(), sess, callToolReq(1, "echo", `{"value":"x"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeAuthRequired, resp.Error.Code)

	// Everything except auth and ping sits behind the gate, initialize
	// and list_tools included.
	for id, method := range map[int64]string{2: "initialize", 3: "list_tools"} {
		resp = d.Handle(context.Background(), sess, &jsonrpc.Request{
			JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(id), Method: method,
		})
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, jsonrpc.CodeAuthRequired, resp.Error.Code, method)
	}

	resp = d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(4), Method: "ping",
	})
	assert.Nil(t, resp.Error)
}

func TestAuthBindsSession(t *testing.T) {
	key := &contracts.APIKey{
		ID:          "key-1",
		Permissions: map[string]bool{"*": true},
		RateLimit:   1000,
	}
	d, _ := newDispatcher(t, dispatcherOpts{validator: &stubValidator{key: key}})
	sess := &Session{ConnID: "tcp-1", RequireAuth: true}

	params, _ := json.Marshal(map[string]string{"api_key": "dsk_whatever"})
	resp := d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "auth", Params: params,
	})
	require.Nil(t, resp.Error)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "key-1", sess.KeyID())

	resp = d.Handle(context.Background(), sess, callToolReq(2, "echo", `{"value":"x"}`))
	assert.Nil(t, resp.Error)
}

func TestRevokeClosesAuthGate(t *testing.T) {
	key := &contracts.APIKey{
		ID:          "key-1",
		Permissions: map[string]bool{"*": true},
		RateLimit:   1000,
	}
	d, _ := newDispatcher(t, dispatcherOpts{validator: &stubValidator{key: key}})
	sess := &Session{ConnID: "tcp-1", RequireAuth: true}

	params, _ := json.Marshal(map[string]string{"api_key": "dsk_whatever"})
	resp := d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "auth", Params: params,
	})
	require.Nil(t, resp.Error)

	sess.Revoke()
	assert.False(t, sess.Authenticated())
	assert.Empty(t, sess.KeyID())

	resp = d.Handle(context.Background(), sess, callToolReq(2, "echo", `{"value":"x"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeAuthRequired, resp.Error.Code)
}

func TestAuthFailure(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{validator: &stubValidator{err: errors.New("nope")}})
	sess := &Session{ConnID: "tcp-1", RequireAuth: true}

	params, _ := json.Marshal(map[string]string{"api_key": "dsk_bad"})
	resp := d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "auth", Params: params,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeAuthRequired, resp.Error.Code)
	assert.False(t, sess.Authenticated())
}

func TestPermissionDenied(t *testing.T) {
	key := &contracts.APIKey{
		ID:          "key-1",
		Permissions: map[string]bool{"query_events": true},
		RateLimit:   1000,
	}
	d, _ := newDispatcher(t, dispatcherOpts{validator: &stubValidator{key: key}})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "restricted",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Permission:  "restricted",
		Handler:     echoHandler,
	}))

	sess := &Session{ConnID: "tcp-1", RequireAuth: true}
	params, _ := json.Marshal(map[string]string{"api_key": "dsk_ok"})
	_ = d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "auth", Params: params,
	})

	resp := d.Handle(context.Background(), sess, callToolReq(2, "restricted", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeAuthRequired, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "permission")
}

func TestToolTimeout(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "slow",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Timeout:     30 * time.Millisecond,
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "slow", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeToolTimeout, resp.Error.Code)
}

func TestCancelRequest(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	started := make(chan struct{})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "cancellable",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	sess := stdioSession()
	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- d.Handle(context.Background(), sess, callToolReq(7, "cancellable", `{}`))
	}()
	<-started

	cancelParams, _ := json.Marshal(map[string]interface{}{"id": 7})
	resp := d.Handle(context.Background(), sess, &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, Method: "$/cancelRequest", Params: cancelParams,
	})
	assert.Nil(t, resp)

	result := <-done
	require.NotNil(t, result.Error)
	assert.Equal(t, CodeToolCancelled, result.Error.Code)
}

func TestPanicContained(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "bomb",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(context.Context, json.RawMessage) (*contracts.ToolResult, error) {
			panic("boom")
		},
	}))

	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "bomb", `{}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "internal error", resp.Error.Message)
	require.NotNil(t, resp.Error.Data)
	assert.NotEmpty(t, resp.Error.Data.CorrelationID)
}

func TestDrainingRejectsNewWork(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	d.StartDraining()

	resp := d.Handle(context.Background(), stdioSession(), callToolReq(1, "echo", `{"value":"x"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeShuttingDown, resp.Error.Code)

	// ping still answers during the drain window.
	ping := d.Handle(context.Background(), stdioSession(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(2), Method: "ping",
	})
	assert.Nil(t, ping.Error)
}

func TestListToolsFiltersUnavailable(t *testing.T) {
	d, fm := newDispatcher(t, dispatcherOpts{})
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:         "down_tool",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		Dependencies: []string{"intel"},
		Handler:      echoHandler,
	}))
	fm.RegisterDependency("intel", features.ProbeFunc(func(context.Context) error {
		return errors.New("down")
	}))
	fm.ProbeNow(context.Background())

	resp := d.Handle(context.Background(), stdioSession(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, ID: jsonrpc.NumberID(1), Method: "list_tools",
	})
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "echo")
	assert.NotContains(t, names, "down_tool")
}

func TestNotificationGetsNoResponse(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	resp := d.Handle(context.Background(), stdioSession(), &jsonrpc.Request{
		JSONRPC: jsonrpc.Version, Method: "bogus",
	})
	assert.Nil(t, resp)
}

func TestCancelAllForConnection(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	started := make(chan struct{}, 2)
	require.NoError(t, d.RegisterTool(ToolDefinition{
		Name:        "waiter",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, _ json.RawMessage) (*contracts.ToolResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	sess := &Session{ConnID: "tcp-9"}
	results := make(chan *jsonrpc.Response, 2)
	for i := int64(1); i <= 2; i++ {
		go func(id int64) {
			results <- d.Handle(context.Background(), sess, callToolReq(id, "waiter", `{}`))
		}(i)
	}
	<-started
	<-started

	d.CancelAll("tcp-9")
	for i := 0; i < 2; i++ {
		resp := <-results
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeToolCancelled, resp.Error.Code)
	}
}

func TestDuplicateToolRegistrationRejected(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{})
	err := d.RegisterTool(ToolDefinition{
		Name:        "echo",
		InputSchema: echoSchema(),
		Handler:     echoHandler,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRateLimitRejectionDoesNotConsume(t *testing.T) {
	d, _ := newDispatcher(t, dispatcherOpts{limits: config.RateLimitConfig{
		GlobalPerMinute:     60000,
		GlobalBurst:         1000,
		ConnectionPerMinute: 60,
		ConnectionBurst:     1,
	}})

	// Exhaust connection A; connection B is unaffected.
	a := &Session{ConnID: "tcp-a"}
	b := &Session{ConnID: "tcp-b"}

	require.Nil(t, d.Handle(context.Background(), a, callToolReq(1, "echo", `{"value":"x"}`)).Error)
	denied := d.Handle(context.Background(), a, callToolReq(2, "echo", `{"value":"x"}`))
	require.NotNil(t, denied.Error)
	assert.Equal(t, jsonrpc.CodeRateLimited, denied.Error.Code)

	for i := int64(0); i < 3; i++ {
		resp := d.Handle(context.Background(), b, callToolReq(10+i, "echo", fmt.Sprintf(`{"value":"%d"}`, i)))
		if i == 0 {
			assert.Nil(t, resp.Error)
		}
	}
}
