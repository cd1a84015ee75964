package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"patchwork/internal/approval"
	"patchwork/internal/llm"
	"patchwork/internal/llm/mockclient"
)

var applyCmd = &cobra.Command{
	Use:   "apply <response-file|->",
	Short: "Replay a saved model response through the approval pipeline",
	Long: `Streams the response in chunks into a new turn, shows the parsed actions and
asks for approval. Approved actions are applied and a checkpoint is recorded.

Use - to read the response from stdin; approval then requires --yes or
auto_approve in the config.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		seed, _ := cmd.Flags().GetInt64("shuffle-seed")

		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if chunkSize <= 0 {
			chunkSize = a.cfg.ReplayChunkSize
		}

		src, fromStdin, err := openSource(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer src.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		turnID, _, err := a.ctrl.Start(ctx)
		if err != nil {
			return err
		}
		a.logger.WithTurn(turnID).Info("replaying response", map[string]interface{}{"source": args[0], "chunk_size": chunkSize})
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				if _, err := a.ctrl.Cancel(context.Background(), turnID); err == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "\n(Turn cancelled.)")
				}
			case <-done:
			}
		}()

		stream, err := replayStream(src, chunkSize, seed)
		if err != nil {
			return err
		}
		p := newPrinter(cmd.OutOrStdout(), a.logger)
		state, err := llm.Relay(ctx, a.ctrl, turnID, stream)
		if err == nil && state == approval.StatePendingApproval {
			rec, terr := a.ctrl.Turn(turnID)
			if terr == nil {
				p.record(rec)
			}
			switch {
			case yes:
				state, err = a.ctrl.Approve(ctx, turnID)
			case !fromStdin && term.IsTerminal(int(os.Stdin.Fd())):
				if confirm("Apply these actions?") {
					state, err = a.ctrl.Approve(ctx, turnID)
				} else {
					state, err = a.ctrl.Reject(ctx, turnID, "declined at prompt")
				}
			default:
				state, err = a.ctrl.Reject(ctx, turnID, "no approval in non-interactive mode (use --yes)")
			}
		}

		if rec, terr := a.ctrl.Turn(turnID); terr == nil {
			p.record(rec)
		}
		if err != nil {
			return err
		}
		if state == approval.StateFailed {
			return fmt.Errorf("turn %s failed", turnID)
		}
		return nil
	},
}

func openSource(arg string, stdin io.Reader) (io.ReadCloser, bool, error) {
	if arg == "-" {
		return io.NopCloser(stdin), true, nil
	}
	f, err := os.Open(arg)
	if err != nil {
		return nil, false, fmt.Errorf("open response: %w", err)
	}
	return f, false, nil
}

// replayStream cuts src into fixed chunks, or into random chunks of at most
// chunkSize bytes when seed is non-zero.
func replayStream(src io.Reader, chunkSize int, seed int64) (llm.Stream, error) {
	if seed == 0 {
		return llm.NewReaderStream(src, chunkSize), nil
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return mockclient.New(string(data), mockclient.RandomChunks(seed, chunkSize)), nil
}

var confirmSuggestions = []prompt.Suggest{
	{Text: "yes", Description: "Apply the actions and record a checkpoint"},
	{Text: "no", Description: "Discard the batch"},
}

// confirm asks a yes/no question on the terminal.
func confirm(question string) bool {
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, err := term.GetState(fd); err == nil {
			defer func() { _ = term.Restore(fd, state) }()
		}
	}
	answer := prompt.Input(question+" [yes/no] ", func(doc prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(confirmSuggestions, doc.GetWordBeforeCursor(), true)
	}, prompt.OptionTitle("patchwork"))
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().BoolP("yes", "y", false, "Approve without asking")
	applyCmd.Flags().Int("chunk-size", 0, "Bytes per replayed chunk (defaults to replay_chunk_size)")
	applyCmd.Flags().Int64("shuffle-seed", 0, "Replay in random chunk sizes up to --chunk-size using this seed")
}
