package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"patchwork/internal/config/migrate"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		errorString string
	}{
		{
			name:       "valid config passes",
			modifyFunc: func(c *Config) {},
		},
		{
			name:        "unknown lock backend fails",
			modifyFunc:  func(c *Config) { c.LockBackend = "etcd" },
			errorString: "lock_backend must be",
		},
		{
			name:        "redis db out of range fails",
			modifyFunc:  func(c *Config) { c.RedisDB = 16 },
			errorString: "redis_db must be between",
		},
		{
			name:        "lock ttl over a day fails",
			modifyFunc:  func(c *Config) { c.LockTTLSeconds = 100000 },
			errorString: "lock_ttl_seconds cannot exceed",
		},
		{
			name:        "manifest in subdirectory fails",
			modifyFunc:  func(c *Config) { c.ManifestFile = "web/package.json" },
			errorString: "manifest_file must be",
		},
		{
			name:        "traversing ignore entry fails",
			modifyFunc:  func(c *Config) { c.CheckpointIgnore = []string{"../up"} },
			errorString: "checkpoint_ignore entries",
		},
		{
			name:        "half configured device endpoints fail",
			modifyFunc:  func(c *Config) { c.DeviceAuth.TokenURL = "https://auth.example.test/token" },
			errorString: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.applyDefaults()
			tt.modifyFunc(&cfg)

			err := cfg.validate()
			if tt.errorString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorString)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{ProjectRoot: "/srv/app"}
	cfg.applyDefaults()

	assert.Equal(t, filepath.Join("/srv/app", DefaultDataDirName), cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/app", DefaultDataDirName, "app.db"), cfg.DatabasePath)
	assert.Equal(t, DefaultManifest, cfg.ManifestFile)
	assert.Equal(t, LockMemory, cfg.LockBackend)
	assert.Equal(t, 30*60, cfg.LockTTLSeconds)
	assert.Equal(t, DefaultReplayChunk, cfg.ReplayChunkSize)
	assert.Equal(t, 10, cfg.LogMaxSizeMB)
	assert.Equal(t, "default", cfg.DeviceAuth.Provider)
	assert.Equal(t, []string{".git", DefaultDataDirName}, cfg.ReservedNames())
}

func TestReservedNamesWithExternalDataDir(t *testing.T) {
	cfg := Config{ProjectRoot: "/srv/app", DataDir: "/var/lib/patchwork"}
	cfg.applyDefaults()
	assert.Equal(t, []string{".git"}, cfg.ReservedNames())
}

func TestLoadUserConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project_root: /work/site
auto_approve: true
lock_backend: redis
redis_addr: cache:6379
checkpoint_ignore: [dist]
device_auth:
  client_id: cli
  device_code_url: https://auth.example.test/device/code
  token_url: https://auth.example.test/token
`), 0o644))
	t.Setenv("PATCHWORK_CONFIG_PATH", path)

	cfg, err := LoadUserConfig()
	require.NoError(t, err)
	assert.True(t, cfg.AutoApprove)
	assert.Equal(t, LockRedis, cfg.LockBackend)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"dist"}, cfg.CheckpointIgnore)
	assert.Equal(t, "cli", cfg.DeviceAuth.ClientID)
	assert.Equal(t, "/work/site/.patchwork", filepath.ToSlash(cfg.DataDir))
}

func TestLoadUserConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PATCHWORK_CONFIG_PATH", "")
	t.Setenv("PATCHWORK_CONFIG_DIR", t.TempDir())

	cfg, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.ProjectRoot)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_backend: zookeeper\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_backend")
}

func TestEnsureDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATCHWORK_CONFIG_PATH", "")
	t.Setenv("PATCHWORK_CONFIG_DIR", dir)

	require.NoError(t, EnsureDefaultConfig())
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, LockMemory, cfg.LockBackend)
	assert.Equal(t, []string{"dist", "build"}, cfg.CheckpointIgnore)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("auto_approve: true\n"), 0o644))
	require.NoError(t, EnsureDefaultConfig())
	data, err = os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "auto_approve: true\n", string(data), "existing config is left alone")
}

func TestOverrideProjectRoot(t *testing.T) {
	base := t.TempDir()
	oldRoot := filepath.Join(base, "old")
	newRoot := filepath.Join(base, "new")

	cfg := Config{ProjectRoot: oldRoot}
	cfg.applyDefaults()
	cfg.OverrideProjectRoot(newRoot)

	assert.Equal(t, newRoot, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(newRoot, DefaultDataDirName), cfg.DataDir)
	assert.Equal(t, filepath.Join(newRoot, DefaultDataDirName, "app.db"), cfg.DatabasePath)

	outside := Config{ProjectRoot: oldRoot, DataDir: filepath.Join(base, "shared")}
	outside.applyDefaults()
	outside.OverrideProjectRoot(newRoot)
	assert.Equal(t, filepath.Join(base, "shared"), outside.DataDir, "paths outside the root stay put")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATCHWORK_CONFIG_PATH", filepath.Join(dir, "nested", "config.yaml"))

	cfg := Config{ProjectRoot: "/p", AutoApprove: true, CheckpointIgnore: []string{"dist"}}
	cfg.applyDefaults()
	require.NoError(t, Save(cfg))

	loaded, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMigratesLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace_root: /legacy\nlock_ttl: 10m\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, migrate.CurrentVersion, cfg.ConfigVersion)
	assert.Equal(t, "/legacy", cfg.ProjectRoot)
	assert.Equal(t, 600, cfg.LockTTLSeconds)
}
