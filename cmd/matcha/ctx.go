package main

import (
	"io"

	"github.com/sulami/matcha/internal/builder"
	"github.com/sulami/matcha/internal/logging"
	"github.com/sulami/matcha/internal/paths"
	"github.com/sulami/matcha/internal/pipeline"
	"github.com/sulami/matcha/internal/registry"
	"github.com/sulami/matcha/internal/store"
	"github.com/sulami/matcha/internal/workspace"
)

// Ctx wires matcha's core collaborators together for a single CLI
// invocation.
type Ctx struct {
	Layout   *paths.Layout
	Store    *store.Store
	Fetcher  *registry.Fetcher
	Builder  *builder.Builder
	Linker   *workspace.Linker
	Pipeline *pipeline.Pipeline
	Log      *logging.Logger

	Out, Err io.Writer
}

// newCtx opens the Store at layout's data root and wires every
// collaborator above it.
func newCtx(layout *paths.Layout, out, errw io.Writer) (*Ctx, error) {
	log := logging.FromEnv()

	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	st, err := store.Open(layout.DB())
	if err != nil {
		return nil, err
	}

	f := registry.New(log)
	b := builder.New(layout, log)
	l := workspace.New(layout)
	p := pipeline.New(st, f, b, l, log)

	return &Ctx{
		Layout:   layout,
		Store:    st,
		Fetcher:  f,
		Builder:  b,
		Linker:   l,
		Pipeline: p,
		Log:      log,
		Out:      out,
		Err:      errw,
	}, nil
}

func (c *Ctx) Close() error {
	return c.Store.Close()
}
