package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"patchwork/internal/actions"
	"patchwork/internal/checkpoint"
	"patchwork/internal/config"
	"patchwork/internal/executor"
	"patchwork/internal/logging"
	"patchwork/internal/metrics"
	"patchwork/internal/session"
	"patchwork/internal/sqlstore"
	"patchwork/internal/turnlog"
	"patchwork/internal/workspace"
)

// app is everything a command needs to drive one project.
type app struct {
	cfg         config.Config
	logger      *logging.StructuredLogger
	metrics     *metrics.Metrics
	store       *sqlstore.Store
	workspace   *workspace.Workspace
	checkpoints *checkpoint.Manager
	turns       *turnlog.Manager
	ctrl        *session.Controller
	closers     []io.Closer
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		if err := config.EnsureDefaultConfig(); err != nil {
			return config.Config{}, err
		}
		cfg, err = config.LoadUserConfig()
	}
	if err != nil {
		return config.Config{}, err
	}

	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		project = cfg.ProjectRoot
	}
	absRoot, err := filepath.Abs(project)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return config.Config{}, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return config.Config{}, fmt.Errorf("project root %s is not a directory", absRoot)
	}
	cfg.OverrideProjectRoot(absRoot)
	return cfg, nil
}

// openLogger writes to <dir>/logs/patchwork.log so stdout stays free for
// command output and the MCP stdio transport.
func openLogger(cmd *cobra.Command, cfg config.Config, dir string) (*logging.StructuredLogger, io.Closer, error) {
	base, closer, err := logging.Open(logging.FileOptions{
		Path:       filepath.Join(dir, "logs", "patchwork.log"),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return nil, nil, err
	}
	logging.SetOutput(base)
	debug, _ := cmd.Flags().GetBool("debug")
	logger := logging.NewStructuredLogger(base, "cli", cfg.LogJSON)
	if debug {
		logger = logger.WithDebug(true)
	}
	return logger, closer, nil
}

func buildApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger, logCloser, err := openLogger(cmd, cfg, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger.WithWorkspace(cfg.ProjectRoot), metrics: metrics.New()}
	a.closers = append(a.closers, logCloser)

	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open() error {
	cfg := a.cfg
	guard, err := workspace.NewGuard(cfg.ProjectRoot, cfg.ReservedNames()...)
	if err != nil {
		return err
	}
	a.workspace = workspace.New(guard, workspace.Options{Manifest: cfg.ManifestFile, Logger: a.logger})

	a.store, err = sqlstore.Open(cfg.DatabasePath, sqlstore.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.store)

	a.checkpoints, err = checkpoint.Open(checkpoint.Options{
		Root:    guard.Root(),
		DataDir: filepath.Join(cfg.DataDir, "checkpoints"),
		Ignore:  checkpointIgnore(cfg, guard.Root()),
		Refs:    a.store,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.checkpoints)

	a.turns, err = turnlog.NewManager(filepath.Join(cfg.DataDir, "turns"), a.logger.WithComponent("turnlog"))
	if err != nil {
		return err
	}

	locker, err := a.locker()
	if err != nil {
		return err
	}

	runner := executor.New(a.workspace, executor.Options{Statements: a.store, Logger: a.logger})
	a.ctrl, err = session.New(session.Options{
		Project:     projectSlug(guard.Root()),
		Validator:   actions.NewValidator(guard),
		Runner:      runner,
		Checkpoints: a.checkpoints,
		Turns:       a.turns,
		Locker:      locker,
		LockTTL:     cfg.LockTTL(),
		AutoApprove: cfg.AutoApprove,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	return err
}

func (a *app) locker() (session.Locker, error) {
	if a.cfg.LockBackend != config.LockRedis {
		return session.NewMemoryLocker(), nil
	}
	client := backend.NewUniversalClient(&backend.UniversalOptions{
		Addrs:    []string{a.cfg.RedisAddr},
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, client)
	a.logger.Info("using redis project locks", map[string]interface{}{"addr": a.cfg.RedisAddr})
	return session.NewRedisLocker(client, a.cfg.RedisPrefix), nil
}

// Close cancels any open turn and releases resources in reverse order.
func (a *app) Close() {
	if a.ctrl != nil {
		if err := a.ctrl.Close(context.Background()); err != nil {
			a.logger.Warn("close session", map[string]interface{}{"error": err.Error()})
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// checkpointIgnore adds the data directory, the auxiliary database and its
// WAL files when they live inside the project.
func checkpointIgnore(cfg config.Config, root string) []string {
	ignore := append([]string{}, cfg.CheckpointIgnore...)
	if rel, ok := relInside(root, cfg.DataDir); ok {
		ignore = append(ignore, rel)
	}
	if rel, ok := relInside(root, cfg.DatabasePath); ok {
		ignore = append(ignore, rel, rel+"-wal", rel+"-shm", rel+"-journal")
	}
	return ignore
}

func relInside(root, path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// projectSlug names the project lock. Two processes on the same root share it.
func projectSlug(root string) string {
	clean := filepath.Clean(root)
	base := sanitizeSlug(filepath.Base(clean))
	if base == "" {
		base = "project"
	}
	sum := blake3.Sum256([]byte(clean))
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:8]))
}

func sanitizeSlug(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == '_' || unicode.IsSpace(r):
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
