// Package mcp implements the stdio transport client for the Confluence
// tool-provider subprocess: one long-lived process per session, JSON-RPC
// 2.0 request/response with correlation ids, and tool discovery cached
// at startup.
package mcp

import (
	"encoding/json"
	"fmt"
)

// SessionState tracks the lifecycle of the transport session.
type SessionState int32

const (
	StateNotStarted SessionState = iota
	StateStarting
	StateReady
	StateFailed
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FailureKind classifies a failed tool call.
type FailureKind string

const (
	// FailureTimeout marks a per-call timeout. The session stays usable
	// and the caller may retry.
	FailureTimeout FailureKind = "timeout"

	// FailureProtocol marks a malformed response for a correlated call.
	FailureProtocol FailureKind = "protocol"

	// FailureTransport marks a broken or unusable session.
	FailureTransport FailureKind = "transport"

	// FailureTool marks an error reported by the tool itself.
	FailureTool FailureKind = "tool"
)

// ToolCall is one named remote operation with its arguments.
// ID correlates the call with its ToolResult.
type ToolCall struct {
	ID   string
	Tool string
	Args map[string]any
}

// ToolResult is the one-to-one outcome of a ToolCall.
type ToolResult struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Failure *Failure
}

// Failure carries the classified reason a call did not succeed.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func failedResult(id string, kind FailureKind, format string, args ...any) ToolResult {
	return ToolResult{
		ID:      id,
		Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// ToolSchema is the raw tool description discovered from the server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// StartError means the subprocess never became ready. It is fatal for
// the session and must not be retried.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("mcp: session start failed: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// JSON-RPC 2.0 framing.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
