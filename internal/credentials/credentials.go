package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"patchwork/internal/deviceauth"
)

// Credentials stores tokens obtained through the device flow, per provider.
type Credentials struct {
	DefaultProvider string              `yaml:"default_provider"`
	Providers       map[string]Provider `yaml:"providers"`
}

// Provider stores the token set for a single provider.
type Provider struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	TokenType    string    `yaml:"token_type,omitempty"`
	Scope        string    `yaml:"scope,omitempty"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
	ObtainedAt   time.Time `yaml:"obtained_at"`
}

// Manager handles credential storage and retrieval
type Manager struct {
	path string
}

// NewManager creates a new credential manager
// Checks PATCHWORK_CREDENTIALS_PATH environment variable first.
// If not set, defaults to ~/.patchwork/credentials.yaml
func NewManager() (*Manager, error) {
	credPath := os.Getenv("PATCHWORK_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = filepath.Join(getConfigDir(), "credentials.yaml")
	}
	return &Manager{path: credPath}, nil
}

// NewManagerAt uses an explicit file path.
func NewManagerAt(path string) *Manager {
	return &Manager{path: path}
}

func getConfigDir() string {
	if configDir := os.Getenv("PATCHWORK_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patchwork"
	}
	return filepath.Join(home, ".patchwork")
}

// Load reads credentials from disk
func (m *Manager) Load() (*Credentials, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{
				Providers: make(map[string]Provider),
			}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if creds.Providers == nil {
		creds.Providers = make(map[string]Provider)
	}
	return &creds, nil
}

// Save writes credentials to disk with user-only permissions. Tokens are
// stored in plain text.
func (m *Manager) Save(creds *Credentials) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Exists checks if credentials file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the credentials file path
func (m *Manager) Path() string {
	return m.path
}

// IsConfigured checks if a provider has a token that has not expired at now.
func (c *Credentials) IsConfigured(provider string, now time.Time) bool {
	if c.Providers == nil {
		return false
	}
	p, exists := c.Providers[provider]
	if !exists || p.AccessToken == "" {
		return false
	}
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

// Credential returns the stored token set for a provider.
func (c *Credentials) Credential(provider string) (deviceauth.Credential, bool) {
	if c.Providers == nil {
		return deviceauth.Credential{}, false
	}
	p, ok := c.Providers[provider]
	if !ok || p.AccessToken == "" {
		return deviceauth.Credential{}, false
	}
	return deviceauth.Credential{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		ExpiresAt:    p.ExpiresAt,
	}, true
}

// SetCredential stores the outcome of a successful device flow.
func (c *Credentials) SetCredential(name string, cred deviceauth.Credential, obtainedAt time.Time) {
	if c.Providers == nil {
		c.Providers = make(map[string]Provider)
	}
	c.Providers[name] = Provider{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Scope:        cred.Scope,
		ExpiresAt:    cred.ExpiresAt,
		ObtainedAt:   obtainedAt,
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = name
	}
}

// RemoveProvider removes a provider
func (c *Credentials) RemoveProvider(name string) {
	if c.Providers != nil {
		delete(c.Providers, name)
	}
	if c.DefaultProvider == name {
		c.DefaultProvider = ""
	}
}

// ListProviders returns provider names holding a token, sorted.
func (c *Credentials) ListProviders() []string {
	if c.Providers == nil {
		return nil
	}
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p.AccessToken != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
