package credentials

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwork/internal/deviceauth"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestLoadMissingFile(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	assert.False(t, m.Exists())

	creds, err := m.Load()
	require.NoError(t, err)
	assert.NotNil(t, creds.Providers)
	assert.Empty(t, creds.ListProviders())
}

func TestSaveUsesPrivateMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")
	m := NewManagerAt(path)

	creds := &Credentials{}
	creds.SetCredential("acme", deviceauth.Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, m.Save(creds))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.DefaultProvider)
	cred, ok := loaded.Credential("acme")
	require.True(t, ok)
	assert.Equal(t, "rt", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.True(t, loaded.IsConfigured("acme", now))
	assert.False(t, loaded.IsConfigured("acme", now.Add(2*time.Hour)), "expired tokens do not count")
}

func TestNewManagerHonoursEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	t.Setenv("PATCHWORK_CREDENTIALS_PATH", path)
	m, err := NewManager()
	require.NoError(t, err)
	assert.Equal(t, path, m.Path())

	dir := t.TempDir()
	t.Setenv("PATCHWORK_CREDENTIALS_PATH", "")
	t.Setenv("PATCHWORK_CONFIG_DIR", dir)
	m, err = NewManager()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "credentials.yaml"), m.Path())
}

type scriptedFlow struct {
	prompt deviceauth.Prompt
	cred   *deviceauth.Credential
	err    error
}

func (s scriptedFlow) Begin(ctx context.Context) (deviceauth.Prompt, error) {
	return s.prompt, nil
}

func (s scriptedFlow) Run(ctx context.Context) (*deviceauth.Credential, error) {
	return s.cred, s.err
}

func TestLoginStoresCredential(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	flow := scriptedFlow{
		prompt: deviceauth.Prompt{UserCode: "ABCD-EFGH", VerificationURL: "https://auth.example.test/device", ExpiresAt: now.Add(10 * time.Minute)},
		cred:   &deviceauth.Credential{AccessToken: "tok", TokenType: "Bearer"},
	}
	var out bytes.Buffer
	creds, err := Login(context.Background(), flow, m, "acme", &out, func() time.Time { return now })
	require.NoError(t, err)

	assert.Contains(t, out.String(), "ABCD-EFGH")
	assert.Contains(t, out.String(), "https://auth.example.test/device")
	assert.Equal(t, now, creds.Providers["acme"].ObtainedAt)

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, loaded.ListProviders())
}

func TestLoginDeniedSavesNothing(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	var out bytes.Buffer
	_, err := Login(context.Background(), scriptedFlow{err: deviceauth.ErrDenied}, m, "acme", &out, nil)
	assert.ErrorIs(t, err, deviceauth.ErrDenied)
	assert.Contains(t, out.String(), "denied")
	assert.False(t, m.Exists())
}

func TestLogoutPicksNewDefault(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "credentials.yaml"))
	creds := &Credentials{}
	creds.SetCredential("acme", deviceauth.Credential{AccessToken: "a"}, now)
	creds.SetCredential("globex", deviceauth.Credential{AccessToken: "g"}, now)
	require.NoError(t, m.Save(creds))

	require.NoError(t, Logout(m, "acme"))
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "globex", loaded.DefaultProvider)
	assert.Equal(t, []string{"globex"}, loaded.ListProviders())

	assert.Error(t, Logout(m, "acme"))
}
