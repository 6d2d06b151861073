// Package builder executes a package's build recipe in a sandbox
// directory and promotes the result to a content-addressed artifact
// path.
package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/termie/go-shutil"
	"golang.org/x/sync/singleflight"

	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/paths"
)

const completeSentinel = ".complete"

// Builder runs build recipes and promotes their output. Concurrent
// requests for the same (name, version) share one in-flight build via
// Group; the lock table lives in process memory only, so cross-process
// builds of the same package race on the rename in promote rather than
// on a shared lock.
type Builder struct {
	Layout *paths.Layout
	Log    *logging.Logger
	HTTP   *http.Client

	group singleflight.Group
}

// New builds a Builder rooted at layout.
func New(layout *paths.Layout, log *logging.Logger) *Builder {
	return &Builder{
		Layout: layout,
		Log:    log,
		HTTP:   &http.Client{},
	}
}

// Build produces ART_ROOT/<name>/<version>/ for rec, or returns its
// existing path if already complete. Concurrent callers for the same
// (name, version) block on the same build and all observe its result.
func (b *Builder) Build(ctx context.Context, rec manifest.PackageRecord) (string, error) {
	key := rec.Name + "@" + rec.Version

	artifactDir := b.Layout.Artifact(rec.Name, rec.Version)
	if b.isComplete(artifactDir) {
		return artifactDir, nil
	}

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		// Re-check under the lock: another caller in this process may
		// have just finished the build while we were waiting to enter.
		if b.isComplete(artifactDir) {
			return artifactDir, nil
		}
		return b.build(ctx, rec, artifactDir)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Builder) isComplete(artifactDir string) bool {
	_, err := os.Stat(filepath.Join(artifactDir, completeSentinel))
	return err == nil
}

func (b *Builder) build(ctx context.Context, rec manifest.PackageRecord, artifactDir string) (string, error) {
	scratch := filepath.Join(b.Layout.ScratchRoot(), uuid.NewString())
	srcDir := filepath.Join(scratch, "src")
	outDir := filepath.Join(scratch, "out")

	cleanup := func() {
		if err := os.RemoveAll(scratch); err != nil {
			b.Log.Infof("cleaning up scratch dir %s: %v", scratch, err)
		}
	}

	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		cleanup()
		return "", merr.Wrap(merr.BuildFailed, rec.Name, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		cleanup()
		return "", merr.Wrap(merr.BuildFailed, rec.Name, err)
	}

	sourcePath, err := b.stageSource(ctx, rec.Source, srcDir)
	if err != nil {
		cleanup()
		return "", merr.Wrap(merr.DownloadFailed, rec.Name, err)
	}

	env := buildEnv(sourcePath, outDir)

	b.Log.Infof("building %s@%s", rec.Name, rec.Version)
	output, err := runRecipe(ctx, rec.Build, scratch, env)
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return "", merr.New(merr.Interrupted, rec.Name)
		}
		return "", merr.Wrap(merr.BuildFailed, rec.Name, fmt.Errorf("%w\noutput:\n%s", err, output))
	}

	if err := b.promote(outDir, artifactDir); err != nil {
		cleanup()
		return "", merr.Wrap(merr.BuildFailed, rec.Name, err)
	}
	cleanup()

	return artifactDir, nil
}

// stageSource downloads or copies rec.Source into srcDir, using the URL's
// last path component as the filename, and returns the absolute path to
// the staged file.
func (b *Builder) stageSource(ctx context.Context, source, srcDir string) (string, error) {
	name := path.Base(source)
	if name == "" || name == "." || name == "/" {
		name = "source"
	}
	dst := filepath.Join(srcDir, name)

	if strings.HasPrefix(source, "file://") {
		return dst, copyFile(strings.TrimPrefix(source, "file://"), dst)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: %s", source, resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return dst, nil
}

// promote atomically renames outDir to artifactDir and writes the
// .complete sentinel. Rename is the linearization point that makes the
// fast path crash-safe: a crash before it leaves only scratch garbage;
// a crash after it leaves a complete artifact.
func (b *Builder) promote(outDir, artifactDir string) error {
	if err := os.MkdirAll(filepath.Dir(artifactDir), 0o755); err != nil {
		return err
	}

	err := os.Rename(outDir, artifactDir)
	if isCrossDevice(err) {
		if err := copyTree(outDir, artifactDir); err != nil {
			return err
		}
	} else if err != nil {
		if os.IsExist(err) {
			// Another process's rename won the race; treat as already built.
			return nil
		}
		return err
	}

	return os.WriteFile(filepath.Join(artifactDir, completeSentinel), nil, 0o644)
}

func isCrossDevice(err error) bool {
	le, ok := err.(*os.LinkError)
	if !ok {
		return false
	}
	errno, ok := le.Err.(syscall.Errno)
	return ok && errno == syscall.EXDEV
}

// copyTree copies a directory tree using go-shutil, preserving symlinks.
func copyTree(src, dst string) error {
	cfg := &shutil.CopyTreeOptions{
		Symlinks:     true,
		CopyFunction: shutil.Copy,
	}
	if err := shutil.CopyTree(src, dst, cfg); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string) error {
	return shutil.CopyFile(src, dst, false)
}

func buildEnv(sourcePath, outDir string) []string {
	env := []string{
		"MATCHA_SOURCE=" + sourcePath,
		"MATCHA_OUTPUT=" + outDir,
	}
	for _, k := range []string{"PATH", "HOME", "USER", "LANG", "LC_ALL"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	if runtime.GOOS == "windows" {
		if v, ok := os.LookupEnv("SystemRoot"); ok {
			env = append(env, "SystemRoot="+v)
		}
	}
	return env
}
