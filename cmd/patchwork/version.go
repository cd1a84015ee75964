package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of patchwork",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "patchwork version %s\n", strings.TrimSpace(Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
