// Command matcha installs software from declarative manifests into
// content-addressed, workspace-scoped environments.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sulami/matcha/internal/merr"
	"github.com/sulami/matcha/internal/paths"
)

// command is the interface every matcha subcommand implements: a name,
// its own flag set, and a Run method accepting a cancellable Context so
// SIGINT propagates into in-flight subcommands.
type command interface {
	Name() string
	Args() string
	ShortHelp() string
	LongHelp() string
	Register(*flag.FlagSet)
	Run(ctx context.Context, mctx *Ctx, args []string) error
}

func main() {
	c := &Config{
		Args:   os.Args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Env:    os.Environ(),
	}
	os.Exit(c.Run())
}

// Config specifies a full configuration for a matcha invocation.
type Config struct {
	Args           []string
	Env            []string
	Stdout, Stderr io.Writer
}

// Run executes a configuration and returns a process exit code.
func (c *Config) Run() (exitCode int) {
	commands := []command{
		&packageCommand{},
		&workspaceCommand{},
		&registryCommand{},
		&versionCommand{},
	}

	errLogger := log.New(c.Stderr, "", 0)

	usage := func() {
		errLogger.Println("matcha installs software from declarative manifests")
		errLogger.Println()
		errLogger.Println("Usage: matcha <command> <subcommand> [args...]")
		errLogger.Println()
		errLogger.Println("Commands:")
		errLogger.Println()
		w := tabwriter.NewWriter(c.Stderr, 0, 4, 2, ' ', 0)
		for _, cmd := range commands {
			fmt.Fprintf(w, "\t%s %s\t%s\n", cmd.Name(), cmd.Args(), cmd.ShortHelp())
		}
		w.Flush()
	}

	if len(c.Args) < 2 {
		usage()
		return 1
	}
	cmdName := c.Args[1]
	if cmdName == "help" || cmdName == "-h" || cmdName == "--help" {
		usage()
		return 0
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}

		fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		fs.SetOutput(c.Stderr)
		cmd.Register(fs)
		fs.Usage = func() {
			errLogger.Printf("Usage: matcha %s %s\n", cmdName, cmd.Args())
			errLogger.Println(strings.TrimSpace(cmd.LongHelp()))
		}
		if err := fs.Parse(c.Args[2:]); err != nil {
			return 1
		}

		layout, err := paths.Default()
		if err != nil {
			errLogger.Println(err)
			return 1
		}
		mctx, err := newCtx(layout, c.Stdout, c.Stderr)
		if err != nil {
			errLogger.Println(err)
			return exitCodeFor(err)
		}
		defer mctx.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := cmd.Run(ctx, mctx, fs.Args()); err != nil {
			errLogger.Println(err)
			return exitCodeFor(err)
		}
		return 0
	}

	errLogger.Printf("matcha: %s: no such command\n", cmdName)
	usage()
	return 1
}

// exitCodeFor maps err to its process exit code, defaulting to 1 (user
// error) for anything not a *merr.Error.
func exitCodeFor(err error) int {
	var me *merr.Error
	for e := err; e != nil; {
		if m, ok := e.(*merr.Error); ok {
			me = m
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if me != nil {
		return me.Kind.ExitCode()
	}
	return 1
}
