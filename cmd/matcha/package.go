package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/pipeline"
	"github.com/sulami/matcha/internal/store"
)

const packageShortHelp = `Install, update, remove, list, or search packages`
const packageLongHelp = `
package [-workspace W] install  <name[@pin]>...
package update   [name...]
package [-workspace W] remove   <name>...
package list
package search   <query>
`

type packageCommand struct {
	workspace string
}

func (cmd *packageCommand) Name() string      { return "package" }
func (cmd *packageCommand) Args() string      { return "<install|update|remove|list|search> ..." }
func (cmd *packageCommand) ShortHelp() string { return packageShortHelp }
func (cmd *packageCommand) LongHelp() string  { return packageLongHelp }

func (cmd *packageCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.workspace, "workspace", store.GlobalWorkspace, "target workspace")
}

func (cmd *packageCommand) Run(ctx context.Context, mctx *Ctx, args []string) error {
	if len(args) == 0 {
		return merr.New(merr.InvalidPin, "package: missing subcommand")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "install":
		if len(rest) == 0 {
			return merr.New(merr.InvalidPin, "package install: at least one <name[@pin]> required")
		}
		results, err := mctx.Pipeline.Install(ctx, cmd.workspace, rest)
		if err != nil {
			return err
		}
		return reportResults(mctx, results)

	case "update":
		results, err := mctx.Pipeline.Update(ctx, rest)
		if err != nil {
			return err
		}
		return reportResults(mctx, results)

	case "remove":
		if len(rest) == 0 {
			return merr.New(merr.InvalidPin, "package remove: at least one name required")
		}
		results, err := mctx.Pipeline.Remove(ctx, cmd.workspace, rest)
		if err != nil {
			return err
		}
		return reportResults(mctx, results)

	case "list":
		return cmd.list(mctx)

	case "search":
		if len(rest) != 1 {
			return merr.New(merr.InvalidPin, "package search: exactly one query required")
		}
		return cmd.search(mctx, rest[0])

	default:
		return merr.New(merr.InvalidPin, "package: unknown subcommand "+action)
	}
}

func (cmd *packageCommand) list(mctx *Ctx) error {
	rows, err := mctx.Store.InstalledIn(cmd.workspace)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(mctx.Out, "%s\t%s\t%s\n", r.Name, r.Version, r.RequestedVersion)
	}
	return nil
}

func (cmd *packageCommand) search(mctx *Ctx, query string) error {
	names, err := mctx.Store.SearchKnownPackages(query)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(mctx.Out, n)
	}
	return nil
}

// reportResults prints each request's outcome and returns a non-nil
// error (the first encountered) iff any request failed, so the overall
// call succeeds only when every request succeeded, while still
// surfacing every per-request failure to the user.
func reportResults(mctx *Ctx, results []pipeline.Result) error {
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(mctx.Err, "%s: %v\n", r.Name, r.Err)
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		fmt.Fprintf(mctx.Out, "%s %s\n", r.Name, r.Version)
	}
	return firstErr
}
