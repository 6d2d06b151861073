package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/sulami/matcha/internal/merr"
)

const workspaceShortHelp = `Add, remove, list, or shell into workspaces`
const workspaceLongHelp = `
workspace add    <name>
workspace remove <name>
workspace list
workspace shell   <name> [stacked-parent...]
`

type workspaceCommand struct{}

func (cmd *workspaceCommand) Name() string      { return "workspace" }
func (cmd *workspaceCommand) Args() string      { return "<add|remove|list|shell> ..." }
func (cmd *workspaceCommand) ShortHelp() string { return workspaceShortHelp }
func (cmd *workspaceCommand) LongHelp() string  { return workspaceLongHelp }
func (cmd *workspaceCommand) Register(fs *flag.FlagSet) {}

func (cmd *workspaceCommand) Run(ctx context.Context, mctx *Ctx, args []string) error {
	if len(args) == 0 {
		return merr.New(merr.InvalidPin, "workspace: missing subcommand")
	}
	action, rest := args[0], args[1:]

	switch action {
	case "add":
		if len(rest) != 1 {
			return merr.New(merr.InvalidPin, "workspace add: exactly one name required")
		}
		if err := mctx.Store.CreateWorkspace(rest[0]); err != nil {
			return err
		}
		return mctx.Linker.EnsureWorkspaceDir(rest[0])

	case "remove":
		if len(rest) != 1 {
			return merr.New(merr.InvalidPin, "workspace remove: exactly one name required")
		}
		if err := mctx.Store.RemoveWorkspace(rest[0]); err != nil {
			return err
		}
		return mctx.Linker.RemoveWorkspaceDir(rest[0])

	case "list":
		names, err := mctx.Store.ListWorkspaces()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(mctx.Out, n)
		}
		return nil

	case "shell":
		if len(rest) == 0 {
			return merr.New(merr.InvalidPin, "workspace shell: a workspace name is required")
		}
		return cmd.shell(mctx, rest[0], rest[1:])

	default:
		return merr.New(merr.InvalidPin, "workspace: unknown subcommand "+action)
	}
}

// shell spawns the user's default shell with PATH prepended by name's
// bin directory, and each of stack's in order.
func (cmd *workspaceCommand) shell(mctx *Ctx, name string, stack []string) error {
	exists, err := mctx.Store.WorkspaceExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return merr.New(merr.StoreIOError, "no such workspace "+name)
	}

	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	env := os.Environ()
	env = append(env, "PATH="+mctx.Linker.ShellEnv(name, stack, os.Getenv("PATH")))
	env = append(env, "MATCHA_WORKSPACE="+name)

	sh := exec.Command(shellPath)
	sh.Stdin = os.Stdin
	sh.Stdout = mctx.Out
	sh.Stderr = mctx.Err
	sh.Env = env

	if err := sh.Run(); err != nil {
		return merr.Wrap(merr.StoreIOError, name, err)
	}
	return nil
}
