// Package configmodel implements the supported-types feed (spec.md §4.9,
// C9): it loads a table-format file declaring the configuration or log
// types an entity advertises, watches its containing directory via
// internal/fswatch, and republishes the 117/118 SmartREST record whenever
// the canonical file changes. Grounded on thin-edge's
// c8y-configuration-plugin.toml / c8y-log-plugin.toml table shape
// (original_source/), expressed here with go-toml/v2 rather than a
// hand-rolled parser (matching the pack's TOML precedent for config
// tables — see SPEC_FULL.md's DOMAIN STACK).
package configmodel

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/tedge-io/tedge-agent/pkg/model"
)

// fileRow is one [[files]] table entry in the on-disk table file.
type fileRow struct {
	Path    string `toml:"path"`
	Type    string `toml:"type"`
	Perm    string `toml:"user"` // kept loose: thin-edge's own schema varies user/group/mode by version
	Restart string `toml:"restart"`
}

type table struct {
	Files []fileRow `toml:"files"`
}

// LoadTable reads a supported-types table file (tedge-configuration-plugin.toml
// or tedge-log-plugin.toml shape) into a model.SupportedTypeSet. A type
// name defaults to the row's full Path (not its basename) when Type is
// empty.
func LoadTable(path string) (model.SupportedTypeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SupportedTypeSet{}, fmt.Errorf("configmodel: read %s: %w", path, err)
	}
	var t table
	if err := toml.Unmarshal(data, &t); err != nil {
		return model.SupportedTypeSet{}, fmt.Errorf("configmodel: parse %s: %w", path, err)
	}

	rows := make([]model.SupportedType, 0, len(t.Files))
	for _, f := range t.Files {
		name := f.Type
		if name == "" {
			name = f.Path
		}
		rows = append(rows, model.SupportedType{
			Name:    name,
			Path:    f.Path,
			Perm:    f.Perm,
			Restart: f.Restart,
		})
	}
	return model.SupportedTypeSet{Rows: rows}, nil
}
