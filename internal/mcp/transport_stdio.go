package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"structward/internal/logging"
)

const maxStderrCapture = 8 * 1024

// StdioTransport implements Transport over a worker process's standard
// streams. Created per validation run, started once, never reused.
type StdioTransport struct {
	mu     sync.Mutex
	callMu sync.Mutex // one request awaits one response; no pipelining

	root string
	cfg  Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	state       State
	pendingReqs map[int]chan *rpcResponse
	nextID      int

	waitCh  chan struct{}
	waitErr error

	stderrMu   sync.Mutex
	stderrTail bytes.Buffer

	wg sync.WaitGroup
}

// NewStdioTransport creates a transport for the worker scoped to root.
// Zero-valued Config fields fall back to DefaultConfig.
func NewStdioTransport(root string, cfg Config) *StdioTransport {
	return &StdioTransport{
		root:        root,
		cfg:         cfg.withDefaults(),
		pendingReqs: make(map[int]chan *rpcResponse),
		nextID:      1,
	}
}

// Start probes the launcher, spawns the worker, and waits the start grace
// for it to stabilize.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateRunning:
		t.mu.Unlock()
		return nil
	case StateClosed:
		t.mu.Unlock()
		return &NotRunningError{Op: "start"}
	}
	launcher := t.cfg.Launcher
	t.mu.Unlock()

	// The launcher must exist and answer a trivial version query
	if _, err := exec.LookPath(launcher); err != nil {
		return &StartupError{Stage: "probe", Err: fmt.Errorf("%s is not available: %w", launcher, err)}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, launcher, "--version").Run(); err != nil {
		return &StartupError{Stage: "probe", Err: fmt.Errorf("%s is not available: %w", launcher, err)}
	}

	t.mu.Lock()
	if t.state != StateNotStarted {
		state := t.state
		t.mu.Unlock()
		if state == StateRunning {
			return nil
		}
		return &NotRunningError{Op: "start"}
	}

	args := append(append([]string{}, t.cfg.ServerArgs...), t.root)
	t.cmd = exec.Command(launcher, args...)

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		t.cmd = nil
		t.mu.Unlock()
		return &StartupError{Stage: "start", Err: fmt.Errorf("failed to get stdin pipe: %w", err)}
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		t.cmd = nil
		t.mu.Unlock()
		return &StartupError{Stage: "start", Err: fmt.Errorf("failed to get stdout pipe: %w", err)}
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		t.cmd = nil
		t.mu.Unlock()
		return &StartupError{Stage: "start", Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
	}

	if err := t.cmd.Start(); err != nil {
		t.cmd = nil
		t.mu.Unlock()
		return &StartupError{Stage: "start", Err: fmt.Errorf("failed to start %s: %w", launcher, err)}
	}

	t.state = StateRunning
	waitCh := make(chan struct{})
	t.waitCh = waitCh
	cmd := t.cmd
	pid := cmd.Process.Pid

	t.wg.Add(2)
	go t.readStderr()
	go t.readStdout()

	// Reap only after both readers hit EOF, so no buffered pipe output
	// is lost to Wait closing the pipes.
	go func() {
		t.wg.Wait()
		err := cmd.Wait()
		t.mu.Lock()
		t.waitErr = err
		t.mu.Unlock()
		close(waitCh)
	}()
	t.mu.Unlock()

	logging.Audit().WorkerStart(launcher, pid)

	// Grace period for the worker to come up
	select {
	case <-waitCh:
		stderrTail := t.capturedStderr()
		t.mu.Lock()
		waitErr := t.waitErr
		t.mu.Unlock()
		_ = t.Close()
		cause := fmt.Errorf("MCP server exited during startup")
		if waitErr != nil {
			cause = fmt.Errorf("MCP server exited during startup: %w", waitErr)
		}
		return &StartupError{Stage: "start", Stderr: stderrTail, Err: cause}
	case <-ctx.Done():
		_ = t.Close()
		return &StartupError{Stage: "start", Err: ctx.Err()}
	case <-time.After(t.cfg.StartGrace):
	}

	logging.MCPDebug("worker started: %s (pid=%d, root=%s)", launcher, pid, t.root)
	return nil
}

// Close terminates the worker: graceful stop first, kill after the close
// grace. Idempotent; any state transitions to Closed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	prev := t.state
	t.state = StateClosed
	cmd := t.cmd
	stdin := t.stdin
	waitCh := t.waitCh
	for id, ch := range t.pendingReqs {
		delete(t.pendingReqs, id)
		close(ch)
	}
	t.mu.Unlock()

	if prev == StateNotStarted {
		return nil
	}

	start := time.Now()
	graceful := true

	// EOF on stdin lets the server exit on its own
	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(t.cfg.CloseGrace):
			graceful = false
			logging.MCPWarn("worker did not exit within %v, killing", t.cfg.CloseGrace)
			_ = cmd.Process.Kill()
			<-waitCh
		}
	}

	// waitCh closing implies both reader goroutines already drained
	t.wg.Wait()

	logging.Audit().WorkerExit(graceful, time.Since(start).Milliseconds())
	logging.MCPDebug("worker closed (graceful=%v) in %v", graceful, time.Since(start))
	return nil
}

// State reports the current lifecycle state.
func (t *StdioTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// readStderr drains the worker's stderr, keeping a bounded tail for
// startup diagnostics.
func (t *StdioTransport) readStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderrMu.Lock()
		if t.stderrTail.Len() < maxStderrCapture {
			t.stderrTail.WriteString(line)
			t.stderrTail.WriteByte('\n')
		}
		t.stderrMu.Unlock()
		logging.MCPDebug("[worker stderr] %s", line)
	}
}

func (t *StdioTransport) capturedStderr() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return strings.TrimSpace(t.stderrTail.String())
}

// readStdout reads JSON-RPC response lines and routes them by id.
func (t *StdioTransport) readStdout() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stdout)
	// read_file responses can exceed the default 64K token limit
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			logging.MCPWarn("invalid JSON from worker: %v", err)
			t.failPending(&rpcResponse{decodeErr: fmt.Errorf("invalid JSON response from MCP server: %w", err)})
			continue
		}

		idVal, ok := raw["id"]
		if !ok {
			// Server-initiated notification; nothing to route
			logging.MCPDebug("worker notification: %s", string(line))
			continue
		}

		// json.Unmarshal decodes numbers as float64
		var id int
		switch v := idVal.(type) {
		case float64:
			id = int(v)
		default:
			logging.MCPWarn("unexpected id type in response: %T", idVal)
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.failPending(&rpcResponse{decodeErr: fmt.Errorf("invalid JSON response from MCP server: %w", err)})
			continue
		}

		t.mu.Lock()
		ch, exists := t.pendingReqs[id]
		if exists {
			delete(t.pendingReqs, id)
			ch <- &resp
		} else {
			logging.MCPWarn("response for unknown id %d", id)
		}
		t.mu.Unlock()
	}

	// Worker went away; unblock any in-flight call
	t.mu.Lock()
	running := t.state == StateRunning
	for id, ch := range t.pendingReqs {
		delete(t.pendingReqs, id)
		close(ch)
	}
	t.mu.Unlock()

	if running {
		if err := scanner.Err(); err != nil {
			logging.MCPError("error reading worker stdout: %v", err)
		}
	}
}

// failPending delivers a transport-level failure to every in-flight call.
// With pipelining disallowed there is at most one.
func (t *StdioTransport) failPending(resp *rpcResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pendingReqs {
		delete(t.pendingReqs, id)
		ch <- resp
	}
}

// call sends one envelope and waits for its response line.
func (t *StdioTransport) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return nil, &NotRunningError{Op: method}
	}
	select {
	case <-t.waitCh:
		t.mu.Unlock()
		return nil, &NotRunningError{Op: method, Err: fmt.Errorf("worker process exited")}
	default:
	}

	id := t.nextID
	t.nextID++

	if params == nil {
		params = map[string]interface{}{}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch

	data, err := json.Marshal(req)
	if err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, &ProtocolError{Method: method, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, &NotRunningError{Op: method, Err: err}
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, &NotRunningError{Op: method, Err: fmt.Errorf("worker process exited")}
		}
		if resp.decodeErr != nil {
			return nil, &ProtocolError{Method: method, Err: resp.decodeErr}
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, &TimeoutError{Method: method, Wait: t.cfg.CallTimeout}
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify writes a fire-and-forget notification (no id, no response).
func (t *StdioTransport) notify(method string) {
	notification := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.state == StateRunning && t.stdin != nil {
		_, _ = t.stdin.Write(append(data, '\n'))
	}
	t.mu.Unlock()
}

// Initialize performs the MCP handshake.
func (t *StdioTransport) Initialize(ctx context.Context) error {
	start := time.Now()
	resp, err := t.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		logging.Audit().RPCCall("initialize", time.Since(start).Milliseconds(), false, err.Error())
		return err
	}
	logging.Audit().RPCCall("initialize", time.Since(start).Milliseconds(), true, "")

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.ServerInfo.Name != "" {
		logging.MCPDebug("initialized against %s %s (protocol %s)",
			result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	}

	// Handshake completion notification; fire and forget
	t.notify("notifications/initialized")
	return nil
}

// CallTool invokes a tool on the worker.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	start := time.Now()
	resp, err := t.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		logging.Audit().RPCCall("tools/call "+name, time.Since(start).Milliseconds(), false, err.Error())
		return nil, err
	}
	logging.Audit().RPCCall("tools/call "+name, time.Since(start).Milliseconds(), true, "")

	result := &ToolResult{Raw: resp.Result}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		// Tool-specific shapes pass through via Raw
		logging.MCPDebug("tools/call %s returned non-standard payload", name)
	}
	logging.MCPDebug("tools/call %s completed in %v (%d content blocks)", name, time.Since(start), len(result.Content))
	return result, nil
}

// Ensure StdioTransport implements Transport.
var _ Transport = (*StdioTransport)(nil)
