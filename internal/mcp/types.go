// Package mcp provides a narrow MCP (Model Context Protocol) client for a
// filesystem tool-provider process. The worker is spawned per validation run,
// spoken to over line-delimited JSON-RPC on its standard streams, and owned
// exclusively by the transport that started it.
package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// ProtocolVersion is the MCP protocol revision advertised at initialize.
const ProtocolVersion = "2024-11-05"

const (
	clientName    = "structward"
	clientVersion = "1.0.0"
)

// State tracks the transport lifecycle. Calls are only valid while Running.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds worker process settings for a stdio transport.
type Config struct {
	// Launcher is the executable used to spawn the worker.
	Launcher string
	// ServerArgs are passed to the launcher ahead of the scoped root.
	ServerArgs []string
	// StartGrace is how long to wait for the worker to stabilize after spawn.
	StartGrace time.Duration
	// CallTimeout bounds each request/response round trip.
	CallTimeout time.Duration
	// CloseGrace bounds the graceful-shutdown wait before the worker is killed.
	CloseGrace time.Duration
}

// DefaultConfig returns the stock filesystem tool-provider settings.
func DefaultConfig() Config {
	return Config{
		Launcher:    "npx",
		ServerArgs:  []string{"-y", "@modelcontextprotocol/server-filesystem"},
		StartGrace:  2 * time.Second,
		CallTimeout: 15 * time.Second,
		CloseGrace:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Launcher == "" {
		c.Launcher = def.Launcher
	}
	if c.ServerArgs == nil {
		c.ServerArgs = def.ServerArgs
	}
	if c.StartGrace <= 0 {
		c.StartGrace = def.StartGrace
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}
	return c
}

// rpcRequest is one JSON-RPC 2.0 request envelope, written as a single line.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcResponse is one JSON-RPC 2.0 response envelope. Result and Error are
// mutually exclusive on the wire; decodeErr carries a transport-level parse
// failure to the waiting call.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`

	decodeErr error
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ContentBlock is one element of a tool result's content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the decoded payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock  `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// FirstText returns the text of the first content block, or the raw payload
// stringified when the result carries no recognizable content list.
func (r *ToolResult) FirstText() string {
	if r == nil {
		return ""
	}
	if len(r.Content) > 0 {
		return r.Content[0].Text
	}
	if len(r.Raw) > 0 {
		return string(r.Raw)
	}
	return ""
}

// Transport is the capability surface of the tool-provider worker. One
// process-backed implementation exists (StdioTransport); tests substitute
// in-memory fakes.
type Transport interface {
	// Start probes the launcher and spawns the worker scoped to the root.
	Start(ctx context.Context) error

	// Initialize performs the required protocol handshake. Must succeed
	// before any tool call.
	Initialize(ctx context.Context) error

	// CallTool invokes a named tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error)

	// Close terminates the worker. Safe to call in any state, any number
	// of times.
	Close() error

	// State reports the current lifecycle state.
	State() State
}
