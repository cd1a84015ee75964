package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"patchwork/internal/httpapi"
	"patchwork/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol server on stdio",
	Long: `Exposes turn status, approval, rejection, cancellation and checkpoints as MCP
tools. Turns live in this process, so pass --http to also serve the turn API
and let a producer stream responses that the assistant then reviews.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withHTTP, _ := cmd.Flags().GetBool("http")
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if withHTTP {
			srv := &http.Server{
				Addr: a.cfg.HTTPAddr,
				Handler: httpapi.NewHandler(a.ctrl, httpapi.Options{
					Metrics: a.metrics.Handler(),
					Logger:  a.logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				a.logger.Info("http server listening", map[string]interface{}{"addr": srv.Addr})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
				}
			}()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
		}

		mcpserver.Version = Version
		a.logger.Info("starting mcp server on stdio")
		return server.ServeStdio(mcpserver.New(a.ctrl))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().Bool("http", false, "Also serve the turn API on http_addr")
}
