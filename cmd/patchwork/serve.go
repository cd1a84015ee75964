package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"patchwork/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the turn API over HTTP",
	Long: `Exposes turn streaming, approval, cancellation and checkpoints as a JSON API.
A producer opens a turn with POST /turns, posts chunks, and finishes the
stream; a reviewer approves or rejects it. Prometheus metrics are served
at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.HTTPAddr
		}
		srv := &http.Server{
			Addr: addr,
			Handler: httpapi.NewHandler(a.ctrl, httpapi.Options{
				Metrics: a.metrics.Handler(),
				Logger:  a.logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", a.cfg.ProjectRoot, srv.Addr)
			a.logger.Info("http server listening", map[string]interface{}{"addr": srv.Addr})
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			a.logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("graceful shutdown did not complete", map[string]interface{}{"error": err.Error()})
				_ = srv.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (defaults to http_addr)")
}
