package migrate

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationV0toV1 renames workspace_root to project_root and turns the
// lock_ttl duration string into lock_ttl_seconds.
type MigrationV0toV1 struct{}

func (m *MigrationV0toV1) FromVersion() int { return Version0 }
func (m *MigrationV0toV1) ToVersion() int   { return Version1 }
func (m *MigrationV0toV1) Description() string {
	return "Add config_version, rename workspace_root, convert lock_ttl to seconds"
}

func (m *MigrationV0toV1) Migrate(data []byte) ([]byte, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	if root, ok := raw["workspace_root"]; ok {
		if _, exists := raw["project_root"]; !exists {
			raw["project_root"] = root
		}
		delete(raw, "workspace_root")
	}

	if ttl, ok := raw["lock_ttl"]; ok {
		delete(raw, "lock_ttl")
		if _, exists := raw["lock_ttl_seconds"]; !exists {
			s, isString := ttl.(string)
			if !isString {
				return nil, fmt.Errorf("lock_ttl must be a duration string, got %v", ttl)
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("lock_ttl: %w", err)
			}
			raw["lock_ttl_seconds"] = int(d / time.Second)
		}
	}

	raw["config_version"] = Version1
	return yaml.Marshal(raw)
}
