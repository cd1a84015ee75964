package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const dependenciesKey = "dependencies"

// UpdateManifest adds or replaces name in the manifest's dependencies
// object. Key order of the existing document is preserved; comments and
// trailing commas are accepted on read but not written back.
func (w *Workspace) UpdateManifest(name, version string) error {
	abs, err := w.guard.Resolve(w.manifest)
	if err != nil {
		return err
	}

	doc := orderedmap.New[string, json.RawMessage]()
	mode := os.FileMode(0o644)
	data, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read manifest: %w", err)
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), doc); err != nil {
			return fmt.Errorf("parse manifest %s: %w", w.manifest, err)
		}
		if info, statErr := os.Stat(abs); statErr == nil {
			mode = info.Mode().Perm()
		}
	}

	deps := orderedmap.New[string, string]()
	if raw, ok := doc.Get(dependenciesKey); ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, deps); err != nil {
			return fmt.Errorf("parse %s.%s: %w", w.manifest, dependenciesKey, err)
		}
	}
	deps.Set(name, version)

	rawDeps, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	doc.Set(dependenciesKey, rawDeps)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	out = append(out, '\n')
	if err := WriteFileAtomic(abs, out, mode); err != nil {
		return err
	}
	w.logger.Info("dependency recorded", map[string]interface{}{"name": name, "version": version, "manifest": w.manifest})
	return nil
}

// Dependencies reads the manifest's dependencies in declaration order.
func (w *Workspace) Dependencies() ([][2]string, error) {
	data, err := w.ReadFile(w.manifest)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(jsonc.ToJSON(data), doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", w.manifest, err)
	}
	raw, ok := doc.Get(dependenciesKey)
	if !ok {
		return nil, nil
	}
	deps := orderedmap.New[string, string]()
	if err := json.Unmarshal(raw, deps); err != nil {
		return nil, err
	}
	out := make([][2]string, 0, deps.Len())
	for pair := deps.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, [2]string{pair.Key, pair.Value})
	}
	return out, nil
}
