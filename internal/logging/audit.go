// Audit logging for validation runs. Events are written as one JSON object
// per line so a run can be reconstructed from the trail afterwards.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Run lifecycle -> one start and one end per validation run
	AuditRunStart    AuditEventType = "run_start"
	AuditRunComplete AuditEventType = "run_complete"

	// Worker process lifecycle
	AuditWorkerStart AuditEventType = "worker_start"
	AuditWorkerExit  AuditEventType = "worker_exit"

	// Protocol round trips
	AuditRPCCall  AuditEventType = "rpc_call"
	AuditRPCError AuditEventType = "rpc_error"

	// Policy resolution
	AuditPolicyResolved AuditEventType = "policy_resolved"
	AuditPolicyMiss     AuditEventType = "policy_miss"

	// Model provider calls
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"
)

// AuditEvent represents one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Target     string                 `json:"target,omitempty"` // Path, method, or model touched
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes structured events scoped to one validation run.
type AuditLogger struct {
	runID string
}

// InitAudit initializes the audit trail. No-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	stateMu.RLock()
	dir := logsDir
	stateMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger for events that happen outside a
// specific run context.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRun creates an audit logger scoped to one run.
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = a.runID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// RunStart logs the start of a validation run.
func (a *AuditLogger) RunStart(projectPath, provider, model string) {
	a.Log(AuditEvent{
		EventType: AuditRunStart,
		Target:    projectPath,
		Success:   true,
		Fields:    map[string]interface{}{"provider": provider, "model": model},
		Message:   fmt.Sprintf("Run started: %s (%s/%s)", projectPath, provider, model),
	})
}

// RunComplete logs the end of a validation run.
func (a *AuditLogger) RunComplete(durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditRunComplete,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Run completed (success=%v, %dms)", success, durationMs),
	})
}

// WorkerStart logs the worker process spawn.
func (a *AuditLogger) WorkerStart(launcher string, pid int) {
	a.Log(AuditEvent{
		EventType: AuditWorkerStart,
		Target:    launcher,
		Success:   true,
		Fields:    map[string]interface{}{"pid": pid},
		Message:   fmt.Sprintf("Worker started: %s (pid=%d)", launcher, pid),
	})
}

// WorkerExit logs worker termination.
func (a *AuditLogger) WorkerExit(graceful bool, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditWorkerExit,
		Success:    graceful,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"graceful": graceful},
		Message:    fmt.Sprintf("Worker exited (graceful=%v, %dms)", graceful, durationMs),
	})
}

// RPCCall logs one protocol round trip.
func (a *AuditLogger) RPCCall(method string, durationMs int64, success bool, errMsg string) {
	eventType := AuditRPCCall
	if !success {
		eventType = AuditRPCError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     method,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("RPC %s (%dms, success=%v)", method, durationMs, success),
	})
}

// PolicyResolved logs where the policy text came from.
func (a *AuditLogger) PolicyResolved(source string, length int) {
	a.Log(AuditEvent{
		EventType: AuditPolicyResolved,
		Target:    source,
		Success:   true,
		Fields:    map[string]interface{}{"length": length},
		Message:   fmt.Sprintf("Policy resolved from %s (%d chars)", source, length),
	})
}

// PolicyMiss logs one failed policy source attempt.
func (a *AuditLogger) PolicyMiss(source string, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditPolicyMiss,
		Target:    source,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Policy source %s missed", source),
	})
}

// LLMRequest logs a model provider call about to go out.
func (a *AuditLogger) LLMRequest(provider, model string, promptChars int) {
	a.Log(AuditEvent{
		EventType: AuditLLMRequest,
		Target:    model,
		Success:   true,
		Fields:    map[string]interface{}{"provider": provider, "prompt_chars": promptChars},
		Message:   fmt.Sprintf("LLM request: %s/%s (%d prompt chars)", provider, model, promptChars),
	})
}

// LLMCall logs a model provider call.
func (a *AuditLogger) LLMCall(model string, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("LLM call: %s (%dms, success=%v)", model, durationMs, success),
	})
}
