// Package migrate upgrades config.yaml files written by older releases.
package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"patchwork/internal/logging"
)

// Version constants
const (
	Version0 = 0 // unversioned
	Version1 = 1 // config_version, project_root, lock_ttl_seconds

	CurrentVersion = Version1
)

// Migration represents a single migration step
type Migration interface {
	FromVersion() int
	ToVersion() int
	Description() string
	Migrate(data []byte) ([]byte, error)
}

// DetectVersion determines the config version from raw YAML data
func DetectVersion(data []byte) int {
	var header struct {
		ConfigVersion int `yaml:"config_version"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return Version0
	}
	return header.ConfigVersion
}

// MigrateConfig rewrites configPath at CurrentVersion, keeping a timestamped
// backup of the original next to it. Missing files are left alone.
func MigrateConfig(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	currentVersion := DetectVersion(data)
	if currentVersion >= CurrentVersion {
		logging.DevLog("config %s is at v%d", configPath, currentVersion)
		return nil
	}

	logging.UserLog("Config migration: v%d → v%d", currentVersion, CurrentVersion)

	backupName := fmt.Sprintf("%s.backup.v%d.%s",
		filepath.Base(configPath), currentVersion, time.Now().Format("20060102-150405"))
	backupPath := filepath.Join(filepath.Dir(configPath), backupName)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	logging.UserLog("Config backed up to: %s", backupPath)

	for _, migration := range GetMigrationChain(currentVersion, CurrentVersion) {
		logging.UserLog("Applying migration: %s", migration.Description())
		data, err = migration.Migrate(data)
		if err != nil {
			return fmt.Errorf("migration v%d→v%d failed: %w",
				migration.FromVersion(), migration.ToVersion(), err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write migrated config: %w", err)
	}
	return nil
}

// GetMigrationChain returns the sequence of migrations needed
func GetMigrationChain(fromVersion, toVersion int) []Migration {
	var chain []Migration
	current := fromVersion
	for current < toVersion {
		migration := getMigration(current)
		if migration == nil {
			logging.ErrorLog("no config migration from v%d", current)
			break
		}
		chain = append(chain, migration)
		current = migration.ToVersion()
	}
	return chain
}

func getMigration(fromVersion int) Migration {
	switch fromVersion {
	case Version0:
		return &MigrationV0toV1{}
	default:
		return nil
	}
}
