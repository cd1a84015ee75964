package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"patchwork/internal/deviceauth"
)

// Flow is the part of deviceauth.Controller that Login drives.
type Flow interface {
	Begin(ctx context.Context) (deviceauth.Prompt, error)
	Run(ctx context.Context) (*deviceauth.Credential, error)
}

// Login runs a device flow, tells the user where to enter the code and
// stores the resulting credential under provider.
func Login(ctx context.Context, flow Flow, manager *Manager, provider string, out io.Writer, now func() time.Time) (*Credentials, error) {
	if now == nil {
		now = time.Now
	}
	prompt, err := flow.Begin(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "To authorize patchwork, open:")
	fmt.Fprintln(out, " ", prompt.VerificationURL)
	fmt.Fprintln(out, "and enter the code:")
	fmt.Fprintln(out, " ", prompt.UserCode)
	if prompt.VerificationURLComplete != "" {
		fmt.Fprintln(out, "or open directly:", prompt.VerificationURLComplete)
	}
	fmt.Fprintf(out, "The code expires at %s.\n\n", prompt.ExpiresAt.Local().Format(time.Kitchen))

	cred, err := flow.Run(ctx)
	if err != nil {
		switch {
		case errors.Is(err, deviceauth.ErrDenied):
			fmt.Fprintln(out, "✗ Authorization was denied")
		case errors.Is(err, deviceauth.ErrExpired):
			fmt.Fprintln(out, "✗ The code expired before it was used")
		}
		return nil, err
	}

	creds, err := manager.Load()
	if err != nil {
		return nil, err
	}
	creds.SetCredential(provider, *cred, now())
	if err := manager.Save(creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	fmt.Fprintln(out, "✓ Signed in to", strings.ToUpper(provider))
	fmt.Fprintln(out, "✓ Token saved to:", manager.Path())
	return creds, nil
}

// Logout forgets provider's token.
func Logout(manager *Manager, provider string) error {
	creds, err := manager.Load()
	if err != nil {
		return err
	}
	if _, ok := creds.Providers[provider]; !ok {
		return fmt.Errorf("provider %q is not signed in", provider)
	}
	creds.RemoveProvider(provider)
	if creds.DefaultProvider == "" {
		if remaining := creds.ListProviders(); len(remaining) > 0 {
			creds.DefaultProvider = remaining[0]
		}
	}
	return manager.Save(creds)
}
