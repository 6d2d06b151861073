// Package workspace materializes and unmaterializes per-workspace bin/
// symlink trees over content-addressed artifacts, and exposes the shell
// launch contract.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karrick/godirwalk"

	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/paths"
)

// Linker materializes a workspace's bin/ directory as a tree of symlinks
// into ART_ROOT.
type Linker struct {
	Layout *paths.Layout
}

// New builds a Linker rooted at layout.
func New(layout *paths.Layout) *Linker {
	return &Linker{Layout: layout}
}

// linkTarget pairs a workspace-relative link path with the artifact file
// it should point to.
type linkTarget struct {
	relPath string // relative to ART_ROOT/<name>/<version>/, e.g. "bin/jq"
	absSrc  string // absolute path under ART_ROOT
}

// resolveTargets walks ART_ROOT/<name>/<version>/ and returns the files
// matching rec's artifact globs (or the bin/** default), each paired with
// its path relative to the artifact root.
func (l *Linker) resolveTargets(rec manifest.PackageRecord) ([]linkTarget, error) {
	artifactDir := l.Layout.Artifact(rec.Name, rec.Version)
	globs := rec.ArtifactGlobs()

	var targets []linkTarget
	err := godirwalk.Walk(artifactDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(artifactDir, osPathname)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			for _, g := range globs {
				if ok, _ := doublestar.Match(g, rel); ok {
					targets = append(targets, linkTarget{relPath: rel, absSrc: osPathname})
					break
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, artifactDir, err)
	}
	return targets, nil
}

// Link materializes rec's declared artifacts into workspace's bin tree.
// A pre-existing file at a target path is replaced when it resolves
// (via a matching symlink) to the same package name at any version; a
// collision with a different package fails with WorkspaceCollision.
func (l *Linker) Link(workspace string, rec manifest.PackageRecord) error {
	targets, err := l.resolveTargets(rec)
	if err != nil {
		return err
	}

	wsRoot := l.Layout.WorkspaceRoot()
	wsDir := filepath.Join(wsRoot, workspace)

	for _, t := range targets {
		dst := filepath.Join(wsDir, t.relPath)
		if err := l.clearConflict(dst, rec.Name); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return merr.Wrap(merr.StoreIOError, dst, err)
		}
		if err := os.Symlink(t.absSrc, dst); err != nil {
			return merr.Wrap(merr.StoreIOError, dst, err)
		}
	}
	return nil
}

// clearConflict inspects an existing entry at dst. If it is a symlink
// into ART_ROOT/<name>/, it belongs to the same package (a prior
// version) and is removed to make way for the new link. Any other
// existing entry is a collision with a different package.
func (l *Linker) clearConflict(dst, name string) error {
	info, err := os.Lstat(dst)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return merr.Wrap(merr.StoreIOError, dst, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return merr.New(merr.WorkspaceCollision, dst)
	}

	target, err := os.Readlink(dst)
	if err != nil {
		return merr.Wrap(merr.StoreIOError, dst, err)
	}
	ownedPrefix := filepath.Join(l.Layout.ArtifactRoot(), name) + string(filepath.Separator)
	if !strings.HasPrefix(target, ownedPrefix) {
		return merr.New(merr.WorkspaceCollision, dst)
	}
	if err := os.Remove(dst); err != nil {
		return merr.Wrap(merr.StoreIOError, dst, err)
	}
	return nil
}

// Unlink removes every symlink belonging to (name, version) from
// workspace's bin tree, leaving other packages' links intact. Empty
// parent directories left behind are removed.
func (l *Linker) Unlink(workspace string, rec manifest.PackageRecord) error {
	targets, err := l.resolveTargets(rec)
	if err != nil {
		return err
	}

	wsDir := filepath.Join(l.Layout.WorkspaceRoot(), workspace)
	for _, t := range targets {
		dst := filepath.Join(wsDir, t.relPath)
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return merr.Wrap(merr.StoreIOError, dst, err)
		}
		pruneEmptyDirs(filepath.Dir(dst), wsDir)
	}
	return nil
}

// pruneEmptyDirs removes dir and its empty ancestors, stopping at (and
// never removing) stop.
func pruneEmptyDirs(dir, stop string) {
	for dir != stop && len(dir) > len(stop) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ShellEnv returns the PATH value for launching a shell in workspace,
// with the workspace's own bin/ first, followed by each name in stack
// (outermost, i.e. earliest in stack, winning). An empty stack is the
// common case: just workspace's own bin directory prepended to the
// caller's current PATH.
func (l *Linker) ShellEnv(workspace string, stack []string, currentPath string) string {
	dirs := make([]string, 0, len(stack)+2)
	dirs = append(dirs, l.Layout.WorkspaceBin(workspace))
	for _, name := range stack {
		dirs = append(dirs, l.Layout.WorkspaceBin(name))
	}
	if currentPath != "" {
		dirs = append(dirs, currentPath)
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}

// EnsureWorkspaceDir creates WS_ROOT/<workspace>/bin if absent.
func (l *Linker) EnsureWorkspaceDir(workspace string) error {
	dir := l.Layout.WorkspaceBin(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return merr.Wrap(merr.StoreIOError, dir, err)
	}
	return nil
}

// RemoveWorkspaceDir deletes WS_ROOT/<workspace> entirely, used when a
// workspace row is dropped from the Store.
func (l *Linker) RemoveWorkspaceDir(workspace string) error {
	dir := filepath.Join(l.Layout.WorkspaceRoot(), workspace)
	if err := os.RemoveAll(dir); err != nil {
		return merr.Wrap(merr.StoreIOError, dir, err)
	}
	return nil
}
