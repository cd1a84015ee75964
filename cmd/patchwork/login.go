package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"patchwork/internal/config"
	"patchwork/internal/credentials"
	"patchwork/internal/deviceauth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the device authorization flow",
	Long: `Requests a device code from the configured authorization server, prints the
verification URL and user code, and polls until the sign-in completes, is
denied or expires. The token is stored in the credentials file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		auth := cfg.DeviceAuth
		if auth.DeviceCodeURL == "" || auth.ClientID == "" {
			return errors.New("device_auth.client_id, device_code_url and token_url must be set in " + config.ConfigPath())
		}
		provider, _ := cmd.Flags().GetString("provider")
		if provider == "" {
			provider = auth.Provider
		}

		logger, closer, err := openLogger(cmd, cfg, config.GetConfigDir())
		if err != nil {
			return err
		}
		defer closer.Close()

		manager, err := credentials.NewManager()
		if err != nil {
			return err
		}

		transport := deviceauth.NewHTTPTransport(deviceauth.Endpoints{
			DeviceCodeURL: auth.DeviceCodeURL,
			TokenURL:      auth.TokenURL,
		}, &http.Client{Timeout: cfg.DeviceAuthTimeout()})
		flow := deviceauth.New(transport, deviceauth.Options{
			ClientID: auth.ClientID,
			Scope:    auth.Scope,
			Logger:   logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := credentials.Login(ctx, flow, manager, provider, cmd.OutOrStdout(), time.Now); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("login cancelled")
			}
			return err
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget a stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		if provider == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			provider = cfg.DeviceAuth.Provider
		}
		manager, err := credentials.NewManager()
		if err != nil {
			return err
		}
		if err := credentials.Logout(manager, provider); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Signed out of %s\n", provider)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
	loginCmd.Flags().String("provider", "", "Name to store the token under (defaults to device_auth.provider)")
	logoutCmd.Flags().String("provider", "", "Provider to sign out of (defaults to device_auth.provider)")
}
