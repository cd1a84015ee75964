package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "patchwork",
	Short: "Apply AI-proposed project changes behind an approval gate",
	Long: `Patchwork parses a model response for file, dependency and SQL actions,
holds them for approval, applies them and records a checkpoint you can revert to.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("project", "", "Project root (defaults to project_root from config)")
	rootCmd.PersistentFlags().String("config", "", "Config file (defaults to ~/.patchwork/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Write debug entries to the log")
}
