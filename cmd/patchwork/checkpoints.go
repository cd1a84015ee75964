package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"log"},
	Short:   "List recorded checkpoints, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.ctrl.Checkpoints(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints recorded for this project yet.")
			return nil
		}
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		var b strings.Builder
		b.WriteString("| Checkpoint | Seq | Created | Files | Message |\n|---|---|---|---|---|\n")
		for _, cp := range list {
			fmt.Fprintf(&b, "| `%s` | %d | %s | %d | %s |\n",
				cp.Short(), cp.Seq, cp.CreatedAt.Local().Format("2006-01-02 15:04:05"), cp.Files,
				strings.ReplaceAll(cp.Message, "|", `\|`))
		}
		newPrinter(cmd.OutOrStdout(), a.logger).markdown(b.String())
		return nil
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <checkpoint-id>",
	Short: "Restore the project files to a checkpoint",
	Long: `Restores every tracked file to its content and mode at the checkpoint and
removes files the checkpoint does not contain. A unique id prefix is accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		cp, err := a.ctrl.Revert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reverted to %s (seq %d, %d files)\n", cp.Short(), cp.Seq, cp.Files)
		return nil
	},
}

var turnsCmd = &cobra.Command{
	Use:   "turns [turn-id]",
	Short: "List stored turns or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		p := newPrinter(cmd.OutOrStdout(), a.logger)

		if len(args) == 1 {
			rec, err := a.turns.Get(args[0])
			if err != nil {
				return err
			}
			p.record(rec)
			return nil
		}

		summaries := a.turns.Summaries()
		if len(summaries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stored turns for this project yet.")
			return nil
		}
		var b strings.Builder
		b.WriteString("| Seq | Turn | State | Actions | Warnings | Checkpoint |\n|---|---|---|---|---|---|\n")
		for _, s := range summaries {
			cp := s.Checkpoint
			if len(cp) > 12 {
				cp = cp[:12]
			}
			fmt.Fprintf(&b, "| %d | `%s` | %s | %d | %d | %s |\n", s.Seq, s.TurnID, s.State, s.Actions, s.Warnings, cp)
		}
		p.markdown(b.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd, revertCmd, turnsCmd)
	checkpointsCmd.Flags().Int("limit", 0, "Show at most this many checkpoints")
}
