// Package paths resolves matcha's on-disk layout, rooted at a single
// data directory:
//
//	<data>/db.sqlite
//	<data>/artifacts/<name>/<version>/...
//	<data>/workspaces/<ws>/bin/...
//	<data>/scratch/<uuid>/
package paths

import (
	"os"
	"path/filepath"
)

// Layout resolves the absolute paths matcha reads and writes under a
// single data root.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. The caller is responsible for
// choosing root (typically via Default).
func New(root string) *Layout {
	return &Layout{root: root}
}

// Default resolves the data root from $MATCHA_DATA_DIR, falling back to
// $XDG_DATA_HOME/matcha, then ~/.local/share/matcha.
func Default() (*Layout, error) {
	if d := os.Getenv("MATCHA_DATA_DIR"); d != "" {
		return New(d), nil
	}
	if x := os.Getenv("XDG_DATA_HOME"); x != "" {
		return New(filepath.Join(x, "matcha")), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return New(filepath.Join(home, ".local", "share", "matcha")), nil
}

// Root is the data directory itself.
func (l *Layout) Root() string { return l.root }

// DB is the path to the persistent index.
func (l *Layout) DB() string { return filepath.Join(l.root, "db.sqlite") }

// ArtifactRoot is ART_ROOT, the content-addressed artifact tree.
func (l *Layout) ArtifactRoot() string { return filepath.Join(l.root, "artifacts") }

// Artifact is ART_ROOT/<name>/<version>/.
func (l *Layout) Artifact(name, version string) string {
	return filepath.Join(l.ArtifactRoot(), name, version)
}

// WorkspaceRoot is WS_ROOT, the parent of all workspace bin directories.
func (l *Layout) WorkspaceRoot() string { return filepath.Join(l.root, "workspaces") }

// WorkspaceBin is WS_ROOT/<workspace>/bin/.
func (l *Layout) WorkspaceBin(workspace string) string {
	return filepath.Join(l.WorkspaceRoot(), workspace, "bin")
}

// ScratchRoot is SCRATCH, the parent of all transient build directories.
func (l *Layout) ScratchRoot() string { return filepath.Join(l.root, "scratch") }

// EnsureDirs creates the root directories matcha needs up front.
func (l *Layout) EnsureDirs() error {
	for _, d := range []string{l.root, l.ArtifactRoot(), l.WorkspaceRoot(), l.ScratchRoot()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
