package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sulami/matcha/internal/store"
	"github.com/sulami/matcha/internal/version"
)

// Update recomputes the desired version for every installed row whose
// name is in names (all rows, across all workspaces, when names is
// empty), using its stored requested_version pin against the current
// known_packages. A row with a newer satisfying version is rebuilt and
// relinked under the new version, and the old row is removed, all
// within its own workspace.
func (p *Pipeline) Update(ctx context.Context, names []string) ([]Result, error) {
	if _, err := p.Fetcher.RefreshAll(ctx, p.Store); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	workspaces, err := p.Store.ListWorkspaces()
	if err != nil {
		return nil, err
	}

	var rows []store.InstalledRow
	for _, ws := range workspaces {
		wsRows, err := p.Store.InstalledIn(ws)
		if err != nil {
			return nil, err
		}
		for _, r := range wsRows {
			if len(wanted) == 0 || wanted[r.Name] {
				rows = append(rows, r)
			}
		}
	}

	results := make([]Result, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			results[i] = p.updateOne(gctx, row)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (p *Pipeline) updateOne(ctx context.Context, row store.InstalledRow) Result {
	var pin version.Pin
	if row.RequestedVersion != "" {
		v, err := version.Parse(row.RequestedVersion)
		if err != nil {
			return Result{Name: row.Name, Err: err}
		}
		pin = version.Pin(v)
	}

	_, latest, rec, err := p.resolve(row.Name, pin)
	if err != nil {
		return Result{Name: row.Name, Err: err}
	}
	current, err := version.Parse(row.Version)
	if err != nil {
		return Result{Name: row.Name, Err: err}
	}
	if version.Compare(latest, current) <= 0 {
		return Result{Name: row.Name, Version: row.Version}
	}

	if _, err := p.Builder.Build(ctx, rec); err != nil {
		return Result{Name: row.Name, Version: row.Version, Err: err}
	}
	if err := p.Linker.Link(row.Workspace, rec); err != nil {
		return Result{Name: row.Name, Version: row.Version, Err: err}
	}

	newRow := store.InstalledRow{
		Name:             row.Name,
		Version:          latest.String(),
		RequestedVersion: row.RequestedVersion,
		Workspace:        row.Workspace,
	}
	if err := p.Store.RecordInstall(newRow); err != nil {
		return Result{Name: row.Name, Version: row.Version, Err: err}
	}

	return Result{Name: row.Name, Version: latest.String()}
}
