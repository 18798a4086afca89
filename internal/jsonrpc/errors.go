package jsonrpc

import "fmt"

// Error codes. Standard JSON-RPC codes plus the server's reserved range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited        = -32029
	CodeDependencyOpen     = -32030
	CodeFeatureUnavailable = -32031
	CodeEnrichmentFailed   = -32032
	CodeAuthRequired       = -32033
	CodeShuttingDown       = -32099

	// -32000..-32009 is reserved for tool-specific domain errors.
	CodeToolDomainBase = -32000
)

// ErrorData is the structured data payload attached to every error.
type ErrorData struct {
	CorrelationID string      `json:"correlation_id,omitempty"`
	RetryAfter    float64     `json:"retry_after,omitempty"` // seconds
	Reason        string      `json:"reason,omitempty"`
	Diagnostics   interface{} `json:"diagnostics,omitempty"`
}

// Error is a JSON-RPC error object. It also satisfies the error
// interface so components can return it directly.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error with an empty data payload.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCorrelationID attaches the request's correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	if e.Data == nil {
		e.Data = &ErrorData{}
	}
	e.Data.CorrelationID = id
	return e
}

// WithRetryAfter attaches a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	if e.Data == nil {
		e.Data = &ErrorData{}
	}
	e.Data.RetryAfter = seconds
	return e
}

// WithReason attaches a human-readable reason.
func (e *Error) WithReason(reason string) *Error {
	if e.Data == nil {
		e.Data = &ErrorData{}
	}
	e.Data.Reason = reason
	return e
}

// WithDiagnostics attaches a diagnostics payload for configuration or
// data-availability root causes.
func (e *Error) WithDiagnostics(d interface{}) *Error {
	if e.Data == nil {
		e.Data = &ErrorData{}
	}
	e.Data.Diagnostics = d
	return e
}

// AsError converts any error into a *Error, mapping unknown errors to an
// internal error with a generic message so internals never leak.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return NewError(CodeInternalError, "internal error")
}
