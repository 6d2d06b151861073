package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sulami/matcha/internal/builder"
	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/paths"
	"github.com/sulami/matcha/internal/registry"
	"github.com/sulami/matcha/internal/store"
	"github.com/sulami/matcha/internal/workspace"
)

func discardLogger() *logging.Logger {
	return logging.New(io.Discard, logging.Off)
}

// writeManifestRegistry writes a registry manifest serving pkg at every
// version in versions, each building by copying its source file to
// bin/<name>, and registers it in st under name.
func writeManifestRegistry(t *testing.T, st *store.Store, regName, pkgName string, versions []string) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifestPath := filepath.Join(dir, "registry.toml")
	var body string
	body += fmt.Sprintf("schema_version = 1\nname = %q\n\n", regName)
	for _, v := range versions {
		body += fmt.Sprintf(`[[packages]]
name = %q
version = %q
source = "file://%s"
build = "mkdir -p \"$MATCHA_OUTPUT/bin\" && cp \"$MATCHA_SOURCE\" \"$MATCHA_OUTPUT/bin/%s\""

`, pkgName, v, src, pkgName)
	}
	if err := os.WriteFile(manifestPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	if err := st.UpsertRegistry(regName, "file://"+manifestPath); err != nil {
		t.Fatalf("UpsertRegistry: %v", err)
	}
	return manifestPath
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *paths.Layout) {
	t.Helper()
	dir := t.TempDir()
	layout := paths.New(dir)
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	st, err := store.Open(layout.DB())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := builder.New(layout, discardLogger())
	l := workspace.New(layout)
	f := registry.New(discardLogger())

	p := New(st, f, b, l, discardLogger())
	p.Workers = 4
	return p, st, layout
}

func TestInstallFreshExactVersion(t *testing.T) {
	p, st, layout := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "jq", []string{"1.7.0", "1.7.1"})

	results, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"jq@1.7.1"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Version != "1.7.1" {
		t.Errorf("Version = %s, want 1.7.1", results[0].Version)
	}

	link := filepath.Join(layout.WorkspaceRoot(), store.GlobalWorkspace, "bin", "jq")
	if _, err := os.Lstat(link); err != nil {
		t.Errorf("expected bin/jq symlink: %v", err)
	}

	rows, err := st.InstalledIn(store.GlobalWorkspace)
	if err != nil || len(rows) != 1 {
		t.Fatalf("InstalledIn: %v, %+v", err, rows)
	}
	if rows[0].RequestedVersion != "1.7.1" {
		t.Errorf("RequestedVersion = %q, want %q", rows[0].RequestedVersion, "1.7.1")
	}
}

func TestInstallPartialPinIsIdempotent(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "jq", []string{"1.7.0", "1.7.1"})

	if _, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"jq@1.7.1"}); err != nil {
		t.Fatalf("Install (1st): %v", err)
	}
	results, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"jq@1"})
	if err != nil {
		t.Fatalf("Install (2nd): %v", err)
	}
	if results[0].Version != "1.7.1" || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
}

func TestInstallNoCandidate(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "jq", []string{"1.7.0"})

	results, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"nope"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !merr.Is(results[0].Err, merr.NoCandidate) {
		t.Fatalf("expected NoCandidate, got %v", results[0].Err)
	}
}

func TestInstallSharedArtifactAcrossWorkspaces(t *testing.T) {
	p, st, layout := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "tool", []string{"2.0.0"})

	if err := st.CreateWorkspace("w1"); err != nil {
		t.Fatalf("CreateWorkspace w1: %v", err)
	}
	if err := st.CreateWorkspace("w2"); err != nil {
		t.Fatalf("CreateWorkspace w2: %v", err)
	}

	if _, err := p.Install(context.Background(), "w1", []string{"tool@2"}); err != nil {
		t.Fatalf("Install w1: %v", err)
	}
	if _, err := p.Install(context.Background(), "w2", []string{"tool@2"}); err != nil {
		t.Fatalf("Install w2: %v", err)
	}

	for _, ws := range []string{"w1", "w2"} {
		link := filepath.Join(layout.WorkspaceRoot(), ws, "bin", "tool")
		target, err := os.Readlink(link)
		if err != nil {
			t.Fatalf("Readlink(%s): %v", ws, err)
		}
		if target != filepath.Join(layout.Artifact("tool", "2.0.0"), "bin", "tool") {
			t.Errorf("%s symlink target = %s", ws, target)
		}
	}
}

func TestUpdateInstallsNewerSatisfyingVersion(t *testing.T) {
	p, st, layout := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "jq", []string{"1.6.0"})
	if _, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"jq@1.6"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	writeManifestRegistry(t, st, "core2", "jq", []string{"1.6.5", "1.7.0"})
	// Serve the newer versions from a second registry: RefreshAll's TTL
	// skips the already-fresh "core" registry, but "core2" is new and
	// always stale, so Update fetches it.

	results, err := p.Update(context.Background(), []string{"jq"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Version != "1.6.5" {
		t.Errorf("Version = %s, want 1.6.5 (pinned to 1.6.*, 1.7.0 must not match)", results[0].Version)
	}

	rows, err := st.InstalledIn(store.GlobalWorkspace)
	if err != nil || len(rows) != 1 || rows[0].Version != "1.6.5" {
		t.Fatalf("InstalledIn: %v, %+v", err, rows)
	}

	link := filepath.Join(layout.WorkspaceRoot(), store.GlobalWorkspace, "bin", "jq")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if want := filepath.Join(layout.Artifact("jq", "1.6.5"), "bin", "jq"); target != want {
		t.Errorf("bin/jq symlink target = %s, want %s", target, want)
	}
}

func TestRemoveDeletesRowAndLink(t *testing.T) {
	p, st, layout := newTestPipeline(t)
	writeManifestRegistry(t, st, "core", "jq", []string{"1.7.1"})

	if _, err := p.Install(context.Background(), store.GlobalWorkspace, []string{"jq@1.7.1"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	results, err := p.Remove(context.Background(), store.GlobalWorkspace, []string{"jq"})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("Remove result: %+v", results[0])
	}

	rows, err := st.InstalledIn(store.GlobalWorkspace)
	if err != nil || len(rows) != 0 {
		t.Fatalf("InstalledIn after remove: %v, %+v", err, rows)
	}

	link := filepath.Join(layout.WorkspaceRoot(), store.GlobalWorkspace, "bin", "jq")
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Errorf("bin/jq symlink should be gone after remove")
	}

	artifactDir := layout.Artifact("jq", "1.7.1")
	if _, err := os.Stat(artifactDir); err != nil {
		t.Errorf("artifact tree should survive remove (no GC): %v", err)
	}
}
