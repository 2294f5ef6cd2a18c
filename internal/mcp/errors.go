package mcp

import (
	"fmt"
	"time"
)

// StartupError indicates the worker could not be launched, or exited before
// it was ready.
type StartupError struct {
	Stage  string // "probe" or "start"
	Stderr string
	Err    error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("worker startup failed during %s", e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf(" (stderr: %s)", e.Stderr)
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// NotRunningError indicates a call was made before Start or after the worker
// exited or was closed.
type NotRunningError struct {
	Op  string
	Err error
}

func (e *NotRunningError) Error() string {
	msg := "MCP server is not running"
	if e.Op != "" {
		msg += fmt.Sprintf(" (op=%s)", e.Op)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotRunningError) Unwrap() error { return e.Err }

// TimeoutError indicates no response line arrived within the call bound.
type TimeoutError struct {
	Method string
	Wait   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("MCP request %s timed out after %v", e.Method, e.Wait)
}

// ProtocolError indicates a malformed response line or an error-carrying
// envelope.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("MCP server error on %s: %d %s", e.Method, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
