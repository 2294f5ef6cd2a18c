package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"structward/internal/config"
	"structward/internal/logging"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
	configPath string

	// Loaded in PersistentPreRunE, shared by all commands
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "structward",
	Short: "structward - validate project structure against a written policy",
	Long: `structward checks a project directory against a written structure policy.

It spawns a filesystem MCP worker scoped to the project, resolves the policy
text (inline flag, policy.txt in the project root, or one directory above),
walks the tree, and asks an LLM provider for a compliance report.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := logging.Initialize(cfg.Logging.DebugMode, cfg.Logging.Dir); err != nil {
			return fmt.Errorf("failed to initialize debug logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("Audit trail unavailable", zap.Error(err))
		}
		logging.ConfigDebug("config loaded from %s (provider=%s model=%s launcher=%s)",
			path, cfg.LLM.Provider, cfg.LLM.Model, cfg.MCP.Launcher)
		logging.CLI("command invoked: %s %v", cmd.Name(), args)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.structward/config.yaml)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
