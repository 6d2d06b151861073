package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/store"
)

// Remove deletes each of names from workspace's installed_packages and
// unlinks its symlinks. The artifact tree itself is left in place:
// removal is not garbage collection.
func (p *Pipeline) Remove(ctx context.Context, workspaceName string, names []string) ([]Result, error) {
	results := make([]Result, len(names))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = p.removeOne(workspaceName, name)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (p *Pipeline) removeOne(workspaceName, name string) Result {
	rows, err := p.Store.InstalledIn(workspaceName)
	if err != nil {
		return Result{Name: name, Err: err}
	}

	var row *store.InstalledRow
	for i := range rows {
		if rows[i].Name == name {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		return Result{Name: name}
	}

	rec := manifest.PackageRecord{Name: name, Version: row.Version}
	if cands, err := p.Store.Candidates(name); err == nil {
		for _, c := range cands {
			if c.Record.Version == row.Version {
				rec = c.Record
				break
			}
		}
	}

	if err := p.Store.RemoveInstall(name, workspaceName); err != nil {
		return Result{Name: name, Version: row.Version, Err: err}
	}
	if err := p.Linker.Unlink(workspaceName, rec); err != nil {
		return Result{Name: name, Version: row.Version, Err: err}
	}

	return Result{Name: name, Version: row.Version}
}
