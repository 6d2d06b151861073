// Package pipeline orchestrates install/update/remove requests across
// many packages in parallel, with single-flight deduplication delegated
// to the Builder.
package pipeline

import (
	"context"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sulami/matcha/internal/builder"
	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/registry"
	"github.com/sulami/matcha/internal/store"
	"github.com/sulami/matcha/internal/version"
	"github.com/sulami/matcha/internal/workspace"
)

// DefaultWorkers bounds how many requests within one call build
// concurrently, absent an explicit override.
var DefaultWorkers = runtime.NumCPU()

// Pipeline wires the Store, Registry Fetcher, Builder, and Workspace
// Linker into the install/update/remove operations.
type Pipeline struct {
	Store   *store.Store
	Fetcher *registry.Fetcher
	Builder *builder.Builder
	Linker  *workspace.Linker
	Log     *logging.Logger
	Workers int
}

// New wires a Pipeline from its collaborators.
func New(st *store.Store, f *registry.Fetcher, b *builder.Builder, l *workspace.Linker, log *logging.Logger) *Pipeline {
	return &Pipeline{Store: st, Fetcher: f, Builder: b, Linker: l, Log: log, Workers: DefaultWorkers}
}

// Result is the per-request outcome of an install, update, or remove call.
type Result struct {
	Name    string
	Version string
	Err     error
}

func (p *Pipeline) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return 1
}

// Install resolves and builds each of requests (each "name[@pin]") into
// workspace, refreshing stale registries first. Every request is its own
// failure domain: a partial failure still commits the requests that
// succeeded.
func (p *Pipeline) Install(ctx context.Context, workspaceName string, requests []string) ([]Result, error) {
	exists, err := p.Store.WorkspaceExists(workspaceName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, merr.New(merr.StoreIOError, "no such workspace "+workspaceName)
	}

	if _, err := p.Fetcher.RefreshAll(ctx, p.Store); err != nil {
		return nil, err
	}
	if err := p.Linker.EnsureWorkspaceDir(workspaceName); err != nil {
		return nil, err
	}

	results := make([]Result, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for i, raw := range requests {
		i, raw := i, raw
		g.Go(func() error {
			results[i] = p.installOne(gctx, workspaceName, raw)
			return nil
		})
	}
	_ = g.Wait() // per-request errors are carried in results, never aborts siblings

	return results, nil
}

func (p *Pipeline) installOne(ctx context.Context, workspaceName, raw string) Result {
	name, pin, err := version.ParsePin(raw)
	if err != nil {
		return Result{Name: raw, Err: err}
	}
	requestedPin := pinString(raw)

	_, chosen, rec, err := p.resolve(name, pin)
	if err != nil {
		return Result{Name: name, Err: err}
	}

	already, err := p.Store.IsInstalled(name, chosen.String())
	if err != nil {
		return Result{Name: name, Err: err}
	}
	if !already {
		if _, err := p.Builder.Build(ctx, rec); err != nil {
			return Result{Name: name, Version: chosen.String(), Err: err}
		}
	}

	if err := p.Linker.Link(workspaceName, rec); err != nil {
		return Result{Name: name, Version: chosen.String(), Err: err}
	}

	row := store.InstalledRow{
		Name:             name,
		Version:          chosen.String(),
		RequestedVersion: requestedPin,
		Workspace:        workspaceName,
	}
	if err := p.Store.RecordInstall(row); err != nil {
		return Result{Name: name, Version: chosen.String(), Err: err}
	}

	return Result{Name: name, Version: chosen.String()}
}

// pinString extracts the literal pin suffix from a "name[@pin]" request
// string, the form stored as installed_packages.requested_version.
func pinString(raw string) string {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		return raw[at+1:]
	}
	return ""
}

// resolve picks the latest known version of name satisfying pin, and
// returns the PackageRecord that built it.
func (p *Pipeline) resolve(name string, pin version.Pin) ([]version.Version, version.Version, manifest.PackageRecord, error) {
	cands, err := p.Store.Candidates(name)
	if err != nil {
		return nil, nil, manifest.PackageRecord{}, err
	}

	byVersion := make(map[string]manifest.PackageRecord, len(cands))
	versions := make([]version.Version, 0, len(cands))
	for _, c := range cands {
		v, err := version.Parse(c.Record.Version)
		if err != nil {
			continue // a malformed version in the registry is skipped, not fatal
		}
		versions = append(versions, v)
		byVersion[v.String()] = c.Record
	}

	chosen, ok := version.Latest(versions, pin)
	if !ok {
		return versions, nil, manifest.PackageRecord{}, merr.New(merr.NoCandidate, name)
	}
	return versions, chosen, byVersion[chosen.String()], nil
}
