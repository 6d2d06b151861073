// Package manifest parses a TOML registry manifest into package records.
// It performs no I/O; Decode operates purely on bytes already in memory.
package manifest

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/sulami/matcha/internal/merr"
)

// SupportedSchemaVersion is the only schema_version this codec accepts.
const SupportedSchemaVersion = 1

// PackageRecord is one [[packages]] entry of a manifest, keyed by
// (Name, Version) within its registry.
type PackageRecord struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description,omitempty"`
	Homepage    string   `toml:"homepage,omitempty"`
	License     string   `toml:"license,omitempty"`
	Source      string   `toml:"source"`
	Build       string   `toml:"build"`
	Artifacts   []string `toml:"artifacts,omitempty"`
}

// Manifest is the decoded form of one registry's TOML document.
type Manifest struct {
	SchemaVersion int             `toml:"schema_version"`
	Name          string          `toml:"name"`
	Description   string          `toml:"description,omitempty"`
	URI           string          `toml:"uri,omitempty"`
	Packages      []PackageRecord `toml:"packages"`
}

// Decode parses TOML manifest bytes. Unknown top-level or per-package
// fields are ignored forward-compatibly (go-toml/v2's default decode
// behavior for struct targets).
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, merr.Wrap(merr.MalformedManifest, "", err)
	}

	if m.SchemaVersion != SupportedSchemaVersion {
		return nil, merr.New(merr.UnsupportedSchemaVersion,
			fmt.Sprintf("got %d, want %d", m.SchemaVersion, SupportedSchemaVersion))
	}
	if m.Name == "" {
		return nil, merr.New(merr.MalformedManifest, "missing top-level name")
	}

	seen := make(map[[2]string]bool, len(m.Packages))
	for _, p := range m.Packages {
		if p.Name == "" || p.Version == "" || p.Source == "" || p.Build == "" {
			return nil, merr.New(merr.MalformedManifest,
				fmt.Sprintf("package %q missing required field", p.Name))
		}
		key := [2]string{p.Name, p.Version}
		if seen[key] {
			return nil, merr.New(merr.DuplicatePackageInManifest,
				fmt.Sprintf("%s@%s", p.Name, p.Version))
		}
		seen[key] = true
	}

	return &m, nil
}

// Encode serializes a Manifest back to TOML bytes. It exists primarily to
// support decode/encode round-tripping and any future
// `registry fetch --write` style tooling.
func Encode(m *Manifest) ([]byte, error) {
	return toml.Marshal(m)
}

// DefaultArtifacts is the fallback artifact glob applied when a
// PackageRecord declares no explicit Artifacts list.
const DefaultArtifacts = "bin/**"

// ArtifactGlobs returns the artifact path patterns to expose for p: its
// declared Artifacts, or the default bin/** when none were declared.
func (p PackageRecord) ArtifactGlobs() []string {
	if len(p.Artifacts) > 0 {
		return p.Artifacts
	}
	return []string{DefaultArtifacts}
}
