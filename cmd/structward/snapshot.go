package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"structward/internal/snapshot"
)

var flagEntries bool

// snapshotCmd prints the listing a validation run would feed the model
var snapshotCmd = &cobra.Command{
	Use:   "snapshot [project-dir]",
	Short: "Print the sorted file listing used for validation",
	Long: `Walks the project directory the same way a validation run does and
prints the resulting listing: hidden entries skipped, directories marked
with a trailing slash, lexicographically sorted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().BoolVar(&flagEntries, "entries", false, "Include file sizes from a content crawl")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	projectPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	scanner := snapshot.NewScanner()

	if flagEntries {
		entries, err := scanner.Crawl(cmd.Context(), projectPath)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%8d  %s\n", e.Size, e.Path)
		}
		return nil
	}

	paths, err := scanner.List(cmd.Context(), projectPath)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(paths)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}
