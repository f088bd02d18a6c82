package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/martinemde/engineer/agentloop"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
)

const defaultReadLimit = 2000

// ReadFile returns line-numbered content starting at the 1-based offset.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(w.Resolve(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// WriteFile writes content, creating parent directories.
func (w *Workspace) WriteFile(path, content string) error {
	resolved := w.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func requireString(args agentloop.Arguments, name string) (string, error) {
	s, ok := args.String(name)
	if !ok || s == "" {
		return "", &agentloop.ToolError{
			Kind:    agentloop.KindInvalidArguments,
			Message: name + " must be a non-empty string",
			Missing: []string{name},
		}
	}
	return s, nil
}

func createFolderTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "create_folder",
			Description: "Create a new folder at the specified path, including missing parents.",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true,
					Description: "The absolute or relative path where the folder should be created."},
			},
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(w.Resolve(path), 0o755); err != nil {
				return "", fmt.Errorf("create folder %s: %w", path, err)
			}
			return "Folder created: " + path, nil
		},
	}
}

func createFileTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "create_file",
			Description: "Create a new file at the specified path with the given content. Overwrites an existing file.",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true,
					Description: "The absolute or relative path where the file should be created."},
				{Name: "content", Type: agentloop.TypeString,
					Description: "The content of the file. Defaults to empty."},
			},
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			if err := w.WriteFile(path, args.StringOr("content", "")); err != nil {
				return "", err
			}
			return "File created: " + path, nil
		},
	}
}

func readFileTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "read_file",
			Description: "Read a file. Returns line-numbered content in the form \"N | line\".",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true,
					Description: "The absolute or relative path of the file to read."},
				{Name: "offset", Type: agentloop.TypeInteger,
					Description: "1-based line number to start reading from."},
				{Name: "limit", Type: agentloop.TypeInteger,
					Description: "Maximum number of lines to read. Default: 2000."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			return w.ReadFile(path, args.IntOr("offset", 0), args.IntOr("limit", defaultReadLimit))
		},
	}
}

func readMultipleFilesTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name: "read_multiple_files",
			Description: "Read several files at once. Each file is returned in its own section; " +
				"files that cannot be read report an error in their section.",
			Schema: agentloop.Schema{
				{Name: "paths", Type: agentloop.TypeArray, Items: agentloop.TypeString, Required: true,
					Description: "The absolute or relative paths of the files to read."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			paths, _ := args.Strings("paths")
			if len(paths) == 0 {
				return "", &agentloop.ToolError{Kind: agentloop.KindInvalidArguments, Message: "paths must not be empty"}
			}
			var sb strings.Builder
			for i, p := range paths {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				if i > 0 {
					sb.WriteString("\n")
				}
				content, err := w.ReadFile(p, 0, 0)
				if err != nil {
					fmt.Fprintf(&sb, "=== %s ===\nError: %v\n", p, err)
					continue
				}
				fmt.Fprintf(&sb, "=== %s ===\n%s", p, content)
			}
			return sb.String(), nil
		},
	}
}

func listFilesTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "list_files",
			Description: "List the entries of a directory, sorted by name. Directories end with \"/\".",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString,
					Description: "The directory to list. Defaults to the working directory."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path := args.StringOr("path", ".")
			entries, err := os.ReadDir(w.Resolve(path))
			if err != nil {
				return "", fmt.Errorf("list %s: %w", path, err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return "Directory is empty.", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

func searchFileTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name:        "search_file",
			Description: "Search a single file for a regular expression. Returns \"Line N: text\" for each matching line.",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true,
					Description: "The path of the file to search."},
				{Name: "search_pattern", Type: agentloop.TypeString, Required: true,
					Description: "The regular expression to search for."},
			},
			SideEffectFree: true,
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			pattern, err := requireString(args, "search_pattern")
			if err != nil {
				return "", err
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", &agentloop.ToolError{Kind: agentloop.KindInvalidArguments,
					Message: fmt.Sprintf("invalid search_pattern: %v", err)}
			}
			data, err := os.ReadFile(w.Resolve(path))
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			var matches []string
			for i, line := range strings.Split(string(data), "\n") {
				if re.MatchString(line) {
					matches = append(matches, fmt.Sprintf("Line %d: %s", i+1, line))
				}
			}
			if len(matches) == 0 {
				return fmt.Sprintf("No matches found for %q in %s", pattern, path), nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func editFileTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name: "edit_file",
			Description: "Replace an exact string occurrence in a file. The old_string must be unique in the file " +
				"unless replace_all is true.",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true, Description: "Path to the file to edit."},
				{Name: "old_string", Type: agentloop.TypeString, Required: true, Description: "Exact text to find in the file."},
				{Name: "new_string", Type: agentloop.TypeString, Required: true, Description: "Replacement text."},
				{Name: "replace_all", Type: agentloop.TypeBoolean, Description: "Replace all occurrences. Default: false."},
			},
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			oldString, err := requireString(args, "old_string")
			if err != nil {
				return "", err
			}
			newString := args.StringOr("new_string", "")
			replaceAll, _ := args.Bool("replace_all")

			data, err := os.ReadFile(w.Resolve(path))
			if err != nil {
				return "", fmt.Errorf("file not found: %s", path)
			}
			content := string(data)

			count := strings.Count(content, oldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
			}

			replacements := 1
			if replaceAll {
				content = strings.ReplaceAll(content, oldString, newString)
				replacements = count
			} else {
				content = strings.Replace(content, oldString, newString, 1)
			}
			if err := w.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replacements, path), nil
		},
	}
}

// DiffStats counts inserted and deleted lines between two texts.
func DiffStats(before, after string) (added, removed int) {
	m := difflib.NewMatcher(difflib.SplitLines(before), difflib.SplitLines(after))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

func editAndApplyTool(w *Workspace) agentloop.Tool {
	return agentloop.Tool{
		Spec: agentloop.ToolSpec{
			Name: "edit_and_apply",
			Description: "Replace the whole content of an existing file and report how many lines were " +
				"added and removed. Provide the complete new file content.",
			Schema: agentloop.Schema{
				{Name: "path", Type: agentloop.TypeString, Required: true,
					Description: "The absolute or relative path of the file to edit."},
				{Name: "new_content", Type: agentloop.TypeString, Required: true,
					Description: "The complete new content of the file."},
			},
		},
		Handler: func(ctx context.Context, args agentloop.Arguments) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			newContent, ok := args.String("new_content")
			if !ok {
				return "", &agentloop.ToolError{Kind: agentloop.KindInvalidArguments,
					Message: "new_content is required", Missing: []string{"new_content"}}
			}
			data, err := os.ReadFile(w.Resolve(path))
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			original := string(data)
			if original == newContent {
				return "No changes needed for " + path, nil
			}

			if err := w.WriteFile(path, newContent); err != nil {
				return "", err
			}
			added, removed := DiffStats(original, newContent)
			if w.logger.Core().Enabled(zap.DebugLevel) {
				diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
					A:        difflib.SplitLines(original),
					B:        difflib.SplitLines(newContent),
					FromFile: "a/" + path,
					ToFile:   "b/" + path,
					Context:  3,
				})
				w.logger.Debug("applied edit", zap.String("path", path), zap.String("diff", diff))
			}
			return fmt.Sprintf("Changes applied to %s:\n  Lines added: %d\n  Lines removed: %d", path, added, removed), nil
		},
	}
}
