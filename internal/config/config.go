package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patchwork/internal/config/migrate"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

const (
	DefaultDataDirName = ".patchwork"
	DefaultManifest    = "package.json"
	DefaultHTTPAddr    = "127.0.0.1:8377"
	DefaultRedisAddr   = "127.0.0.1:6379"
	DefaultRedisPrefix = "patchwork:"
	DefaultReplayChunk = 64
	DefaultAuthTimeout = 30
)

// DeviceAuthConfig points the login command at an authorization server.
type DeviceAuthConfig struct {
	Provider              string `yaml:"provider"`
	ClientID              string `yaml:"client_id"`
	Scope                 string `yaml:"scope"`
	DeviceCodeURL         string `yaml:"device_code_url"`
	TokenURL              string `yaml:"token_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// Config captures the tunable runtime settings of the pipeline.
type Config struct {
	ConfigVersion    int              `yaml:"config_version"`
	ProjectRoot      string           `yaml:"project_root"`
	DataDir          string           `yaml:"data_dir"`
	AutoApprove      bool             `yaml:"auto_approve"`
	ManifestFile     string           `yaml:"manifest_file"`
	DatabasePath     string           `yaml:"database_path"`
	CheckpointIgnore []string         `yaml:"checkpoint_ignore"`
	LockBackend      string           `yaml:"lock_backend"`
	RedisAddr        string           `yaml:"redis_addr"`
	RedisPassword    string           `yaml:"redis_password,omitempty"`
	RedisDB          int              `yaml:"redis_db"`
	RedisPrefix      string           `yaml:"redis_prefix"`
	LockTTLSeconds   int              `yaml:"lock_ttl_seconds"`
	HTTPAddr         string           `yaml:"http_addr"`
	LogJSON          bool             `yaml:"log_json"`
	LogMaxSizeMB     int              `yaml:"log_max_size_mb"`
	LogMaxBackups    int              `yaml:"log_max_backups"`
	LogMaxAgeDays    int              `yaml:"log_max_age_days"`
	ReplayChunkSize  int              `yaml:"replay_chunk_size"`
	DeviceAuth       DeviceAuthConfig `yaml:"device_auth"`
}

// EnsureDefaultConfig creates config.yaml with starter values if it doesn't exist.
func EnsureDefaultConfig() error {
	configPath := ConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg := Config{
		ConfigVersion:    migrate.CurrentVersion,
		ProjectRoot:      ".",
		LockBackend:      LockMemory,
		ManifestFile:     DefaultManifest,
		CheckpointIgnore: []string{"dist", "build"},
		HTTPAddr:         DefaultHTTPAddr,
		ReplayChunkSize:  DefaultReplayChunk,
		DeviceAuth: DeviceAuthConfig{
			Provider: "default",
			Scope:    "projects",
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadUserConfig loads configuration from ~/.patchwork/config.yaml.
// PATCHWORK_CONFIG_PATH takes precedence. A missing file yields defaults.
func LoadUserConfig() (Config, error) {
	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(configPath)
}

// Load upgrades older files in place, then reads the YAML configuration and
// injects sane defaults.
func Load(path string) (Config, error) {
	if err := migrate.MigrateConfig(path); err != nil {
		return Config{}, fmt.Errorf("migrate config: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills in optional values to keep the YAML file concise.
func (c *Config) applyDefaults() {
	if c.ConfigVersion == 0 {
		c.ConfigVersion = migrate.CurrentVersion
	}
	if strings.TrimSpace(c.ProjectRoot) == "" {
		c.ProjectRoot = "."
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(c.ProjectRoot, DefaultDataDirName)
	}
	if strings.TrimSpace(c.ManifestFile) == "" {
		c.ManifestFile = DefaultManifest
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "app.db")
	}
	if c.LockBackend == "" {
		c.LockBackend = LockMemory
	}
	if c.RedisAddr == "" {
		c.RedisAddr = DefaultRedisAddr
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	if c.LockTTLSeconds <= 0 {
		c.LockTTLSeconds = 1800
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 10
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 3
	}
	if c.ReplayChunkSize <= 0 {
		c.ReplayChunkSize = DefaultReplayChunk
	}
	if c.DeviceAuth.Provider == "" {
		c.DeviceAuth.Provider = "default"
	}
	if c.DeviceAuth.RequestTimeoutSeconds <= 0 {
		c.DeviceAuth.RequestTimeoutSeconds = DefaultAuthTimeout
	}
}

func (c Config) validate() error {
	if c.LockBackend != LockMemory && c.LockBackend != LockRedis {
		return fmt.Errorf("lock_backend must be %q or %q (got %q)", LockMemory, LockRedis, c.LockBackend)
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("redis_db must be between 0 and 15")
	}
	if c.LockTTLSeconds > 24*3600 {
		return fmt.Errorf("lock_ttl_seconds cannot exceed 86400 (one day)")
	}
	if c.DeviceAuth.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("device_auth.request_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.ReplayChunkSize > 1<<20 {
		return fmt.Errorf("replay_chunk_size cannot exceed 1048576")
	}
	if strings.ContainsAny(c.ManifestFile, `/\`) {
		return fmt.Errorf("manifest_file must be a file name at the project root (got %q)", c.ManifestFile)
	}
	for _, entry := range c.CheckpointIgnore {
		if strings.TrimSpace(entry) == "" || strings.Contains(entry, "..") {
			return fmt.Errorf("checkpoint_ignore entries must be non-empty relative names (got %q)", entry)
		}
	}
	if (c.DeviceAuth.DeviceCodeURL == "") != (c.DeviceAuth.TokenURL == "") {
		return fmt.Errorf("device_auth.device_code_url and device_auth.token_url must be set together")
	}
	return nil
}

// LockTTL is the lifetime of a project lock between refreshes.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// DeviceAuthTimeout bounds each request to the authorization server.
func (c Config) DeviceAuthTimeout() time.Duration {
	return time.Duration(c.DeviceAuth.RequestTimeoutSeconds) * time.Second
}

// ReservedNames lists root-level directories the pipeline must never write
// into: .git and the data directory when it lives inside the project.
func (c Config) ReservedNames() []string {
	names := []string{".git"}
	root := absPath(c.ProjectRoot)
	data := absPath(c.DataDir)
	if rel, err := filepath.Rel(root, data); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		names = append(names, strings.Split(filepath.ToSlash(rel), "/")[0])
	}
	return names
}

// OverrideProjectRoot swaps the project root at runtime and rebases dependent paths.
func (c *Config) OverrideProjectRoot(root string) {
	if c == nil {
		return
	}
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return
	}
	oldRoot := c.ProjectRoot
	c.ProjectRoot = trimmed
	c.rebasePath(&c.DataDir, oldRoot, trimmed)
	c.rebasePath(&c.DatabasePath, oldRoot, trimmed)
}

func (c *Config) rebasePath(target *string, oldRoot, newRoot string) {
	if target == nil {
		return
	}
	val := strings.TrimSpace(*target)
	if val == "" {
		return
	}
	oldAbs := absPath(oldRoot)
	newAbs := absPath(newRoot)
	pathVal := val
	if filepath.IsAbs(pathVal) {
		if oldAbs == "" {
			return
		}
		rel, err := filepath.Rel(oldAbs, pathVal)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		pathVal = rel
	} else {
		rel, err := filepath.Rel(filepath.Clean(oldRoot), filepath.Clean(pathVal))
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		pathVal = rel
	}
	if newAbs == "" {
		newAbs = "."
	}
	*target = filepath.Join(newAbs, pathVal)
}

func absPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// GetConfigDir returns PATCHWORK_CONFIG_DIR or ~/.patchwork.
func GetConfigDir() string {
	if configDir := os.Getenv("PATCHWORK_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patchwork"
	}
	return filepath.Join(home, ".patchwork")
}

// ConfigPath returns PATCHWORK_CONFIG_PATH or config.yaml in the config dir.
func ConfigPath() string {
	if configPath := os.Getenv("PATCHWORK_CONFIG_PATH"); configPath != "" {
		return configPath
	}
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Save writes the config to the user's config file
func Save(c Config) error {
	configPath := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
