package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"structward/internal/logging"
	"structward/internal/mcp"
	"structward/internal/validate"
)

var (
	flagProvider    string
	flagModel       string
	flagAPIKey      string
	flagPolicy      string
	flagPolicyFile  string
	flagPreviews    bool
	flagMaxTokens   int
	flagTemperature float32
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// validateCmd runs the full validation pipeline
var validateCmd = &cobra.Command{
	Use:   "validate [project-dir]",
	Short: "Validate a project directory against a structure policy",
	Long: `Runs the full validation pipeline against a project directory.

The policy text is resolved in order: --policy / --policy-file, then
policy.txt in the project root (read through the filesystem worker), then
policy.txt one directory above. The resulting report is rendered as
markdown; use --json for the raw result record.

Example:
  structward validate ./myproject --policy "Expect README.md, src/, tests/"`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&flagProvider, "provider", "", "LLM provider: openai or anthropic (default from config)")
	validateCmd.Flags().StringVar(&flagModel, "model", "", "Model name (default from config)")
	validateCmd.Flags().StringVar(&flagAPIKey, "api-key", "", "Provider API key (default from config or env)")
	validateCmd.Flags().StringVar(&flagPolicy, "policy", "", "Inline policy text")
	validateCmd.Flags().StringVar(&flagPolicyFile, "policy-file", "", "Read policy text from a local file")
	validateCmd.Flags().BoolVar(&flagPreviews, "previews", false, "Include truncated file contents in the prompt")
	validateCmd.Flags().IntVar(&flagMaxTokens, "max-tokens", 0, "Completion token budget (default from config)")
	validateCmd.Flags().Float32Var(&flagTemperature, "temperature", -1, "Sampling temperature (default from config)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	projectPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	policyText := flagPolicy
	if policyText == "" && flagPolicyFile != "" {
		data, err := os.ReadFile(flagPolicyFile)
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		policyText = string(data)
	}

	req, err := buildRequest(projectPath, policyText)
	if err != nil {
		return err
	}
	logging.CLIDebug("request built: provider=%s model=%s previews=%v policy_inline=%v",
		req.Provider, req.Model, req.IncludePreviews, req.PolicyText != "")

	logger.Info("Starting validation",
		zap.String("project", projectPath),
		zap.String("provider", req.Provider),
		zap.String("model", req.Model))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	res := validate.NewRunner().RunSyncContext(ctx, req)

	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printResult(projectPath, res)
	}

	if !res.Success {
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		return fmt.Errorf("validation failed")
	}
	return nil
}

// buildRequest merges config-file settings with command-line overrides.
func buildRequest(projectPath, policyText string) (validate.Request, error) {
	llmCfg := cfg.LLM
	if flagProvider != "" {
		llmCfg.Provider = flagProvider
	}
	if flagModel != "" {
		llmCfg.Model = flagModel
	}
	if flagAPIKey != "" {
		llmCfg.APIKey = flagAPIKey
	}
	if flagMaxTokens > 0 {
		llmCfg.MaxTokens = flagMaxTokens
	}
	if flagTemperature >= 0 {
		llmCfg.Temperature = flagTemperature
		if flagTemperature == 0 {
			// The request encoders treat a zero temperature as unset, so an
			// explicit --temperature 0 travels as the smallest nonzero float.
			llmCfg.Temperature = math.SmallestNonzeroFloat32
		}
	}

	// A --provider override may point at a different vendor than the config
	// file, so re-check that vendor's environment variable.
	if llmCfg.APIKey == "" {
		switch strings.ToLower(llmCfg.Provider) {
		case "openai":
			llmCfg.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			llmCfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if llmCfg.APIKey == "" {
		return validate.Request{}, fmt.Errorf("no API key configured: use --api-key, llm.api_key, or the provider's environment variable")
	}

	return validate.Request{
		ProjectPath:     projectPath,
		PolicyText:      policyText,
		Provider:        llmCfg.Provider,
		Model:           llmCfg.Model,
		APIKey:          llmCfg.APIKey,
		BaseURL:         llmCfg.BaseURL,
		MaxTokens:       llmCfg.MaxTokens,
		Temperature:     llmCfg.Temperature,
		Timeout:         llmCfg.Timeout,
		IncludePreviews: flagPreviews,
		MCP: mcp.Config{
			Launcher:    cfg.MCP.Launcher,
			ServerArgs:  cfg.MCP.ServerArgs,
			StartGrace:  cfg.MCP.GetStartGrace(),
			CallTimeout: cfg.MCP.GetCallTimeout(),
			CloseGrace:  cfg.MCP.GetCloseGrace(),
		},
	}, nil
}

func printResult(projectPath string, res validate.Result) {
	fmt.Println(headerStyle.Render("structward validation report"))
	fmt.Println(labelStyle.Render("project: " + projectPath))
	fmt.Println(labelStyle.Render(fmt.Sprintf("run: %s  duration: %dms", res.RunID, res.DurationMs)))

	if !res.Success {
		fmt.Println()
		fmt.Println(errorStyle.Render("validation failed: " + res.Error))
		return
	}

	fmt.Println(labelStyle.Render("policy source: " + res.PolicySource))
	fmt.Println()
	fmt.Println(sectionStyle.Render(fmt.Sprintf("Project files (%d)", len(res.ProjectFiles))))
	for _, f := range res.ProjectFiles {
		fmt.Println("  " + f)
	}
	fmt.Println()
	fmt.Println(sectionStyle.Render("Report"))
	fmt.Print(renderMarkdown(res.Report))
}

// renderMarkdown renders the report through glamour, falling back to plain
// text when the renderer is unavailable or panics.
func renderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil || renderer == nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
