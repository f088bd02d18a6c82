package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/engineer/agentloop"
)

func shellTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name: "shell",
			Description: fmt.Sprintf("Execute a shell command in the working directory. Returns stdout, stderr, and exit code. "+
				"Default timeout %dms, maximum %dms.", w.defaultTimeoutMs, w.maxTimeoutMs),
			Schema: agentloop.Schema{
				{Name: "command", Type: agentloop.TypeString, Required: true, Description: "The command to run."},
				{Name: "timeout_ms", Type: agentloop.TypeInteger,
					Description: "Override the default command timeout in milliseconds."},
				{Name: "description", Type: agentloop.TypeString,
					Description: "Human-readable description of what this command does."},
			},
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			command, err := requireString(args, "command")
			if err != nil {
				return "", err
			}
			timeoutMs := w.clampTimeout(args.IntOr("timeout_ms", 0))

			result, err := w.ExecCommand(ctx, command, timeoutMs)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.\n"+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeoutMs)
			}
			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			if sb.Len() == 0 {
				return "(no output)", nil
			}
			return sb.String(), nil
		},
	}
}

func grepTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "grep",
			Description: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
			Schema: agentloop.Schema{
				{Name: "pattern", Type: agentloop.TypeString, Required: true, Description: "Regex pattern to search for."},
				{Name: "path", Type: agentloop.TypeString,
					Description: "Directory or file to search. Default: working directory."},
				{Name: "glob_filter", Type: agentloop.TypeString, Description: "File pattern filter (e.g., \"*.py\")."},
				{Name: "case_insensitive", Type: agentloop.TypeBoolean, Description: "Case insensitive search. Default: false."},
				{Name: "max_results", Type: agentloop.TypeInteger,
					Description: "Maximum number of matches per file. Default: 100."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			caseInsensitive, _ := args.Bool("case_insensitive")
			maxResults := args.IntOr("max_results", 0)
			if maxResults <= 0 {
				maxResults = 100
			}
			out, err := w.Grep(ctx, pattern, args.StringOr("path", ""), GrepOptions{
				GlobFilter:      args.StringOr("glob_filter", ""),
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	}
}

func globTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "glob",
			Description: "Find files matching a glob pattern. Returns file paths sorted by modification time (newest first).",
			Schema: agentloop.Schema{
				{Name: "pattern", Type: agentloop.TypeString, Required: true, Description: "Glob pattern (e.g., \"**/*.go\")."},
				{Name: "path", Type: agentloop.TypeString, Description: "Base directory. Default: working directory."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			matches, err := w.Glob(pattern, args.StringOr("path", ""))
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}
