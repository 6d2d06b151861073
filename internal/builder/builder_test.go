package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/paths"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	layout := paths.New(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return New(layout, logging.New(io.Discard, logging.Off))
}

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "source.txt")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestBuildSuccess(t *testing.T) {
	b := newTestBuilder(t)
	src := writeSourceFile(t, "payload")

	rec := manifest.PackageRecord{
		Name:    "tool",
		Version: "1.0.0",
		Source:  "file://" + src,
		Build:   `mkdir -p "$MATCHA_OUTPUT/bin" && cp "$MATCHA_SOURCE" "$MATCHA_OUTPUT/bin/tool"`,
	}

	dir, err := b.Build(context.Background(), rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, completeSentinel)); err != nil {
		t.Errorf(".complete sentinel missing: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "bin", "tool"))
	if err != nil || string(got) != "payload" {
		t.Errorf("artifact content = %q, %v; want payload", got, err)
	}
}

func TestBuildFailureLeavesNoArtifact(t *testing.T) {
	b := newTestBuilder(t)
	src := writeSourceFile(t, "payload")

	rec := manifest.PackageRecord{
		Name:    "tool",
		Version: "1.0.0",
		Source:  "file://" + src,
		Build:   `exit 1`,
	}

	_, err := b.Build(context.Background(), rec)
	if !merr.Is(err, merr.BuildFailed) {
		t.Fatalf("expected BuildFailed, got %v", err)
	}

	artifactDir := b.Layout.Artifact(rec.Name, rec.Version)
	if _, statErr := os.Stat(artifactDir); !os.IsNotExist(statErr) {
		t.Errorf("artifact dir should not exist after a failed build")
	}
	entries, _ := os.ReadDir(b.Layout.ScratchRoot())
	if len(entries) != 0 {
		t.Errorf("scratch dir should be cleaned up after failure, found %v", entries)
	}
}

func TestBuildFastPathSkipsRebuild(t *testing.T) {
	b := newTestBuilder(t)
	src := writeSourceFile(t, "payload")
	counter := filepath.Join(t.TempDir(), "count")

	rec := manifest.PackageRecord{
		Name:    "tool",
		Version: "1.0.0",
		Source:  "file://" + src,
		Build:   fmt.Sprintf(`mkdir -p "$MATCHA_OUTPUT/bin" && touch "$MATCHA_OUTPUT/bin/tool" && echo x >> %q`, counter),
	}

	if _, err := b.Build(context.Background(), rec); err != nil {
		t.Fatalf("Build (1st): %v", err)
	}
	if _, err := b.Build(context.Background(), rec); err != nil {
		t.Fatalf("Build (2nd): %v", err)
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if len(data) != 2 { // a single "x\n" from exactly one real build
		t.Errorf("expected exactly one build invocation, counter = %q", data)
	}
}

func TestBuildSingleFlight(t *testing.T) {
	b := newTestBuilder(t)
	src := writeSourceFile(t, "payload")
	counter := filepath.Join(t.TempDir(), "count")

	rec := manifest.PackageRecord{
		Name:    "tool",
		Version: "1.0.0",
		Source:  "file://" + src,
		Build:   fmt.Sprintf(`sleep 0.2 && mkdir -p "$MATCHA_OUTPUT/bin" && touch "$MATCHA_OUTPUT/bin/tool" && echo x >> %q`, counter),
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Build(context.Background(), rec)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Build[%d]: %v", i, err)
		}
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	if len(data) != 2 {
		t.Errorf("expected exactly one build subprocess across concurrent callers, counter = %q", data)
	}
}
