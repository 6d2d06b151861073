package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
)

const versionShortHelp = `Display version`

// matchaVersion is the release version string baked in at build time.
var matchaVersion = "0.1.0"

type versionCommand struct{}

func (cmd *versionCommand) Name() string             { return "version" }
func (cmd *versionCommand) Args() string             { return "" }
func (cmd *versionCommand) ShortHelp() string        { return versionShortHelp }
func (cmd *versionCommand) LongHelp() string         { return versionShortHelp }
func (cmd *versionCommand) Register(fs *flag.FlagSet) {}

func (cmd *versionCommand) Run(ctx context.Context, mctx *Ctx, args []string) error {
	fmt.Fprintf(mctx.Out, "matcha version %s %s/%s\n", matchaVersion, runtime.GOOS, runtime.GOARCH)
	return nil
}
