// Package validate runs the end-to-end project structure validation pipeline:
// spawn the filesystem tool worker, resolve the policy, snapshot the tree,
// ask the model for a compliance report, and release the worker on every
// exit path.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"structward/internal/config"
	"structward/internal/llm"
	"structward/internal/logging"
	"structward/internal/mcp"
	"structward/internal/policy"
	"structward/internal/snapshot"
)

const defaultMaxTokens = 2000

// Completions slower than this get a warning in the llm category log.
const slowLLMThreshold = 30 * time.Second

const reviewerSystemPrompt = "You are a software project structure reviewer. " +
	"Analyze project structures against given policies and provide detailed feedback."

const reviewerUserPrompt = `Project Structure Policy:
%s

Actual Project Files:
%s

Please analyze whether the project structure follows the policy guidelines. Identify any missing components, incorrect organization, or deviations from the expected structure.`

// Request describes one validation run.
type Request struct {
	// ProjectPath is the directory to validate.
	ProjectPath string

	// PolicyText, when non-empty after trimming, is used verbatim and no
	// policy.txt lookup happens.
	PolicyText string

	// Provider selects the model vendor: openai or anthropic.
	Provider string
	Model    string
	APIKey   string

	// BaseURL overrides the provider endpoint. Used by tests and
	// self-hosted gateways.
	BaseURL string

	// MaxTokens bounds the completion length. Zero means 2000.
	MaxTokens int

	// Temperature of zero is unset (provider default);
	// math.SmallestNonzeroFloat32 requests an effective zero.
	Temperature float32

	// Timeout is the provider HTTP timeout as a duration string ("10m").
	Timeout string

	// IncludePreviews appends truncated file contents to the prompt.
	IncludePreviews bool

	// MCP overrides worker process settings. The zero value uses the stock
	// npx filesystem server with default timeouts.
	MCP mcp.Config
}

// llmConfig maps the request's provider settings onto the shape the provider
// factory consumes.
func (req Request) llmConfig() config.LLMConfig {
	cfg := config.LLMConfig{
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		BaseURL:     req.BaseURL,
		Timeout:     req.Timeout,
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return cfg
}

// Result is the single record a run returns to its consumer. Success and
// failure are mutually exclusive shapes: a successful run carries the policy,
// file list, and report; a failed run carries only the error string. RunID
// and DurationMs are metadata present in both shapes.
type Result struct {
	Success      bool     `json:"success"`
	Policy       string   `json:"policy,omitempty"`
	PolicySource string   `json:"policy_source,omitempty"`
	ProjectFiles []string `json:"project_files,omitempty"`
	Report       string   `json:"report,omitempty"`
	Error        string   `json:"error,omitempty"`

	RunID      string `json:"run_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Runner executes validation runs. Transport and provider construction are
// injectable so tests can substitute fakes; NewRunner wires the real ones.
type Runner struct {
	newTransport func(root string, cfg mcp.Config) mcp.Transport
	newLLM       func(cfg config.LLMConfig) (llm.Client, error)
	scanner      *snapshot.Scanner
}

// NewRunner returns a Runner backed by the stdio worker transport and the
// real provider clients.
func NewRunner() *Runner {
	return &Runner{
		newTransport: func(root string, cfg mcp.Config) mcp.Transport {
			return mcp.NewStdioTransport(root, cfg)
		},
		newLLM:  llm.New,
		scanner: snapshot.NewScanner(),
	}
}

// Run executes the full pipeline and always returns a Result. Failures of
// any step, including panics, are flattened into Result.Error; nothing is
// raised to the caller.
func (r *Runner) Run(ctx context.Context, req Request) (res Result) {
	runID := uuid.New().String()[:8]
	started := time.Now()
	audit := logging.AuditWithRun(runID)
	rl := logging.WithRunID(logging.CategoryValidate, runID).
		WithField("provider", req.Provider).
		WithField("model", req.Model)

	defer func() {
		if p := recover(); p != nil {
			res = failure(fmt.Errorf("internal error: %v", p))
		}
		res.RunID = runID
		res.DurationMs = time.Since(started).Milliseconds()
		audit.RunComplete(res.DurationMs, res.Success, res.Error)
		if res.Success {
			rl.Info("completed in %dms (%d files)", res.DurationMs, len(res.ProjectFiles))
		} else {
			rl.Error("failed after %dms: %s", res.DurationMs, res.Error)
		}
	}()

	audit.RunStart(req.ProjectPath, req.Provider, req.Model)
	rl.Info("validating %s", req.ProjectPath)

	return r.pipeline(ctx, req, rl, audit)
}

func (r *Runner) pipeline(ctx context.Context, req Request, rl *logging.RunLogger, audit *logging.AuditLogger) Result {
	transport := r.newTransport(req.ProjectPath, req.MCP)
	// Release the worker on every exit path, including panics recovered
	// by the caller.
	defer func() {
		if err := transport.Close(); err != nil {
			rl.Error("worker close failed: %v", err)
		}
	}()

	if err := transport.Start(ctx); err != nil {
		return failure(err)
	}
	if err := transport.Initialize(ctx); err != nil {
		return failure(err)
	}
	rl.Debug("worker ready")

	pol, err := policy.NewResolver(transport).Resolve(ctx, req.ProjectPath, req.PolicyText)
	if err != nil {
		return failure(err)
	}
	rl.Debug("policy resolved (source=%s, %d bytes)", pol.Source, len(pol.Text))

	// The local walk is authoritative for the file list; worker reads only
	// serve policy resolution.
	files, err := r.scanner.List(ctx, req.ProjectPath)
	if err != nil {
		return failure(err)
	}
	rl.Debug("snapshot holds %d entries", len(files))

	prompt := buildUserPrompt(pol.Text, files)
	if req.IncludePreviews {
		entries, err := r.scanner.Crawl(ctx, req.ProjectPath)
		if err != nil {
			return failure(err)
		}
		prompt = appendPreviews(prompt, entries)
	}

	client, err := r.newLLM(req.llmConfig())
	if err != nil {
		return failure(err)
	}

	audit.LLMRequest(req.Provider, client.Model(), len(prompt))
	timer := logging.StartTimer(logging.CategoryLLM, "chat completion")
	report, err := client.CompleteWithSystem(ctx, reviewerSystemPrompt, prompt)
	elapsed := timer.StopWithThreshold(slowLLMThreshold)
	if err != nil {
		audit.LLMCall(client.Model(), elapsed.Milliseconds(), false, err.Error())
		return failure(err)
	}
	audit.LLMCall(client.Model(), elapsed.Milliseconds(), true, "")

	return Result{
		Success:      true,
		Policy:       pol.Text,
		PolicySource: pol.Source,
		ProjectFiles: files,
		Report:       report,
	}
}

func buildUserPrompt(policyText string, files []string) string {
	return fmt.Sprintf(reviewerUserPrompt, policyText, strings.Join(files, "\n"))
}

func appendPreviews(prompt string, entries []snapshot.FileEntry) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nFile Previews:")
	for _, e := range entries {
		if e.Preview == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- %s (%d bytes) ---\n%s", e.Path, e.Size, e.Preview)
	}
	return b.String()
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
