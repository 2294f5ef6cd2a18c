package mcp

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain ensures no goroutines leak across transport lifecycles.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// buildWorker compiles a fake MCP server from source and returns the
// binary path. The fakes stand in for the filesystem server so tests
// never need Node.js.
func buildWorker(t *testing.T, name, source string) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, name+".go")
	if err := os.WriteFile(src, []byte(source), 0o644); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	bin := filepath.Join(dir, name)
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	if out, err := exec.Command("go", "build", "-o", bin, src).CombinedOutput(); err != nil {
		t.Fatalf("build helper: %v: %s", err, string(out))
	}
	return bin
}

// fakeServerSource speaks enough line-delimited JSON-RPC to cover the
// handshake and tools/call, echoing the request id back in the payload.
const fakeServerSource = `package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("0.0.1")
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	reply := func(msg map[string]interface{}) {
		b, _ := json.Marshal(msg)
		fmt.Fprintf(out, "%s\n", b)
		out.Flush()
	}
	for sc.Scan() {
		var req map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		id, ok := req["id"]
		if !ok {
			continue
		}
		method, _ := req["method"].(string)
		switch method {
		case "initialize":
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]interface{}{"name": "fake-fs", "version": "0.0.1"},
			}})
		case "tools/call":
			params, _ := req["params"].(map[string]interface{})
			name, _ := params["name"].(string)
			if name == "explode" {
				reply(map[string]interface{}{"jsonrpc": "2.0", "id": id, "error": map[string]interface{}{
					"code": -32602, "message": "unknown tool: explode",
				}})
				continue
			}
			if name == "failing" {
				reply(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{
					"content": []map[string]interface{}{{"type": "text", "text": "tool failed: boom"}},
					"isError": true,
				}})
				continue
			}
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": fmt.Sprintf("tool=%s id=%v", name, id)}},
			}})
		default:
			reply(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": map[string]interface{}{}})
		}
	}
}
`

// silentServerSource accepts input and never answers.
const silentServerSource = `package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("0.0.1")
		return
	}
	_, _ = io.ReadAll(os.Stdin)
}
`

// crashingServerSource passes the version probe but dies immediately
// when launched as a worker.
const crashingServerSource = `package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("0.0.1")
		return
	}
	fmt.Fprintln(os.Stderr, "EACCES: permission denied")
	os.Exit(1)
}
`

// garbageServerSource answers every request with a line that is not JSON.
const garbageServerSource = `package main

import (
	"bufio"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("0.0.1")
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fmt.Println("this is not json")
	}
}
`

func testConfig(launcher string) Config {
	return Config{
		Launcher:    launcher,
		ServerArgs:  []string{},
		StartGrace:  200 * time.Millisecond,
		CallTimeout: 5 * time.Second,
		CloseGrace:  2 * time.Second,
	}
}

func TestStdioTransport_Lifecycle(t *testing.T) {
	bin := buildWorker(t, "fakefs", fakeServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))

	if got := tr.State(); got != StateNotStarted {
		t.Fatalf("state before start = %v, want %v", got, StateNotStarted)
	}

	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	if got := tr.State(); got != StateRunning {
		t.Fatalf("state after start = %v, want %v", got, StateRunning)
	}

	if err := tr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Ids increment across the session: initialize consumed 1
	res, err := tr.CallTool(ctx, "list_directory", map[string]interface{}{"path": "/tmp"})
	if err != nil {
		t.Fatalf("call_tool: %v", err)
	}
	if got := res.FirstText(); got != "tool=list_directory id=2" {
		t.Fatalf("first call text = %q", got)
	}

	res, err = tr.CallTool(ctx, "read_file", map[string]interface{}{"path": "policy.txt"})
	if err != nil {
		t.Fatalf("call_tool: %v", err)
	}
	if got := res.FirstText(); got != "tool=read_file id=3" {
		t.Fatalf("second call text = %q", got)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := tr.State(); got != StateClosed {
		t.Fatalf("state after close = %v, want %v", got, StateClosed)
	}

	_, err = tr.CallTool(ctx, "read_file", nil)
	var nre *NotRunningError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NotRunningError after close, got %T: %v", err, err)
	}
}

func TestStdioTransport_ToolErrorFlag(t *testing.T) {
	bin := buildWorker(t, "fakefs", fakeServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	res, err := tr.CallTool(ctx, "failing", nil)
	if err != nil {
		t.Fatalf("call_tool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected isError result")
	}
	if !strings.Contains(res.FirstText(), "boom") {
		t.Fatalf("text = %q", res.FirstText())
	}
}

func TestStdioTransport_ServerErrorBecomesProtocolError(t *testing.T) {
	bin := buildWorker(t, "fakefs", fakeServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	_, err := tr.CallTool(ctx, "explode", nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %T: %v", err, err)
	}
	if pe.Code != -32602 {
		t.Fatalf("code = %d, want -32602", pe.Code)
	}
	if !strings.Contains(pe.Message, "unknown tool") {
		t.Fatalf("message = %q", pe.Message)
	}
}

func TestStdioTransport_CallTimeout(t *testing.T) {
	bin := buildWorker(t, "silent", silentServerSource)
	cfg := testConfig(bin)
	cfg.CallTimeout = 150 * time.Millisecond
	tr := NewStdioTransport(t.TempDir(), cfg)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	_, err := tr.CallTool(context.Background(), "read_file", map[string]interface{}{"path": "x"})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
	if te.Method != "tools/call" {
		t.Fatalf("method = %q, want tools/call", te.Method)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v, want ~150ms", elapsed)
	}

	// A timed-out transport must still shut down cleanly
	if err := tr.Close(); err != nil {
		t.Fatalf("close after timeout: %v", err)
	}
}

func TestStdioTransport_ContextCancellation(t *testing.T) {
	bin := buildWorker(t, "silent", silentServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.CallTool(ctx, "read_file", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestStdioTransport_MalformedResponse(t *testing.T) {
	bin := buildWorker(t, "garbage", garbageServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	_, err := tr.CallTool(context.Background(), "read_file", nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %T: %v", err, err)
	}
}

func TestStdioTransport_StartupProbeFails(t *testing.T) {
	tr := NewStdioTransport(t.TempDir(), testConfig(filepath.Join(t.TempDir(), "missing-launcher")))
	err := tr.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %T: %v", err, err)
	}
	if se.Stage != "probe" {
		t.Fatalf("stage = %q, want probe", se.Stage)
	}
	if !strings.Contains(err.Error(), "not available") {
		t.Fatalf("error = %v", err)
	}
}

func TestStdioTransport_WorkerExitsDuringGrace(t *testing.T) {
	bin := buildWorker(t, "crasher", crashingServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	err := tr.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %T: %v", err, err)
	}
	if se.Stage != "start" {
		t.Fatalf("stage = %q, want start", se.Stage)
	}
	if !strings.Contains(se.Stderr, "permission denied") {
		t.Fatalf("stderr = %q", se.Stderr)
	}
	if got := tr.State(); got != StateClosed {
		t.Fatalf("state = %v, want %v", got, StateClosed)
	}
}

func TestStdioTransport_CloseIdempotent(t *testing.T) {
	tr := NewStdioTransport(t.TempDir(), testConfig("npx"))
	if err := tr.Close(); err != nil {
		t.Fatalf("close before start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := tr.State(); got != StateClosed {
		t.Fatalf("state = %v, want %v", got, StateClosed)
	}

	var nre *NotRunningError
	if err := tr.Start(context.Background()); !errors.As(err, &nre) {
		t.Fatalf("expected NotRunningError starting closed transport, got %v", err)
	}

	bin := buildWorker(t, "fakefs", fakeServerSource)
	tr = NewStdioTransport(t.TempDir(), testConfig(bin))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close again: %v", err)
	}
}

func TestStdioTransport_CloseUnblocksInFlightCall(t *testing.T) {
	bin := buildWorker(t, "silent", silentServerSource)
	tr := NewStdioTransport(t.TempDir(), testConfig(bin))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.CallTool(context.Background(), "read_file", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		var nre *NotRunningError
		if !errors.As(err, &nre) {
			t.Fatalf("expected NotRunningError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after close")
	}
}
