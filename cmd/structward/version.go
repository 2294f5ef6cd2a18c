package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Populated via -ldflags at release build time.
var (
	version = "1.0.0"
	commit  = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print structward version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("structward %s (%s)\n", version, commit)
	},
}
