package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
)

const registryShortHelp = `Add, remove, list, or fetch registries`
const registryLongHelp = `
registry add    <uri>
registry remove <name>
registry list
registry fetch
`

type registryCommand struct{}

func (cmd *registryCommand) Name() string      { return "registry" }
func (cmd *registryCommand) Args() string      { return "<add|remove|list|fetch> ..." }
func (cmd *registryCommand) ShortHelp() string { return registryShortHelp }
func (cmd *registryCommand) LongHelp() string  { return registryLongHelp }
func (cmd *registryCommand) Register(fs *flag.FlagSet) {}

func (cmd *registryCommand) Run(ctx context.Context, mctx *Ctx, args []string) error {
	if len(args) == 0 {
		return merr.New(merr.InvalidPin, "registry: missing subcommand")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "add":
		if len(rest) != 1 {
			return merr.New(merr.InvalidPin, "registry add: exactly one uri required")
		}
		return cmd.add(ctx, mctx, rest[0])

	case "remove":
		if len(rest) != 1 {
			return merr.New(merr.InvalidPin, "registry remove: exactly one name required")
		}
		return mctx.Store.RemoveRegistry(rest[0])

	case "list":
		regs, err := mctx.Store.ListRegistries()
		if err != nil {
			return err
		}
		for _, r := range regs {
			fmt.Fprintf(mctx.Out, "%s\t%s\n", r.Name, r.URI)
		}
		return nil

	case "fetch":
		results, err := mctx.Fetcher.RefreshAll(ctx, mctx.Store)
		if err != nil {
			return err
		}
		var firstErr error
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(mctx.Err, "%s: %v\n", r.Registry, r.Err)
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			fmt.Fprintf(mctx.Out, "%s: refreshed\n", r.Registry)
		}
		return firstErr

	default:
		return merr.New(merr.InvalidPin, "registry: unknown subcommand "+action)
	}
}

// add fetches uri once to discover the registry's self-declared name,
// its primary identity, then records it.
func (cmd *registryCommand) add(ctx context.Context, mctx *Ctx, uri string) error {
	data, err := mctx.Fetcher.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return err
	}
	if err := mctx.Store.UpsertRegistry(m.Name, uri); err != nil {
		return err
	}
	return mctx.Store.ReplaceKnownPackages(m.Name, m.Packages, time.Now())
}
