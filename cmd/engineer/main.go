// Command engineer runs the autonomous coding agent against the current
// directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/engineer/agentloop"
	"github.com/martinemde/engineer/tools"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitCompleted = 0
	exitAborted   = 1
	exitUsage     = 2
)

// exitError carries the process exit code. A nil err means the failure was
// already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps the result to an exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitCompleted
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitUsage
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "engineer",
		Short: "engineer - an autonomous coding assistant",
		Long: `engineer works on a task in the current directory until it is done.

The model reads and edits files, runs shell commands and inspects commits
through a fixed set of tools. A run ends when the model reports completion,
the iteration limit is reached, or it is interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newToolsCmd(), newVersionCmd())
	return root
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return usageError(err)
			}
			ws, err := tools.NewWorkspace(wd)
			if err != nil {
				return usageError(err)
			}
			reg := agentloop.NewToolRegistry()
			if err := tools.RegisterDefaults(reg, ws); err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), reg.List())
		},
	}
}

func printTools(w io.Writer, specs []agentloop.ToolSpec) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, spec := range specs {
		mode := "writes"
		if spec.SideEffectFree {
			mode = "read-only"
		}
		summary, _, _ := strings.Cut(spec.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, mode, summary)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engineer version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "engineer %s\n", version)
		},
	}
}
