package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// Environment describes where tools run.
type Environment interface {
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// PromptOptions are the inputs of BuildSystemPrompt.
type PromptOptions struct {
	Env        Environment
	Model      string
	Provider   string
	Tools      []ToolSpec
	Completion CompletionPolicy
}

// BuildSystemPrompt assembles the base instructions, environment block, git
// context, tool list and project docs, and ends with the completion rule.
func BuildSystemPrompt(opts PromptOptions) string {
	var sb strings.Builder

	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	if opts.Env != nil {
		sb.WriteString(BuildEnvironmentContext(opts.Env, opts.Model))
		sb.WriteString("\n\n")

		if gitCtx := GetGitContext(opts.Env.WorkingDirectory()); gitCtx != "" {
			sb.WriteString(gitCtx)
			sb.WriteString("\n\n")
		}
	}

	if len(opts.Tools) > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, spec := range opts.Tools {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", spec.Name, spec.Description)
		}
		sb.WriteString(toolReasoningPrompt)
		sb.WriteString("\n\n")
	}

	if opts.Env != nil {
		if docs := DiscoverProjectDocs(opts.Env.WorkingDirectory(), opts.Provider); docs != "" {
			sb.WriteString("# Project Instructions\n\n")
			sb.WriteString(docs)
			sb.WriteString("\n\n")
		}
	}

	completion := opts.Completion
	if completion == nil {
		completion = NewMarkerPolicy("")
	}
	sb.WriteString("# Continuation\n\n")
	sb.WriteString("- Do not ask for additional tasks or modifications once goals are achieved.\n")
	sb.WriteString("- ")
	sb.WriteString(completion.Instruction())
	return sb.String()
}

const basePrompt = `You are an autonomous coding agent specializing in software development. You help users by creating project structures, reading and editing files, running commands, and iterating until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before suggesting modifications.
- Prefer editing existing files over creating new ones.
- Keep changes minimal and focused. Only make changes that are directly requested or clearly necessary.
- After making changes, verify them by reading the modified file or running relevant tests.
- When running shell commands, prefer short-running commands. Use timeouts for potentially long-running operations.

# Tool Usage Guidelines

- Use read_file or read_multiple_files to examine file contents before editing.
- Use edit_file for targeted modifications. The old_string parameter must match the file exactly and be unique.
- Use edit_and_apply to replace a whole file with its complete new content.
- Use create_folder and create_file only for new directories and files.
- Use list_files, glob and grep to understand the project structure and locate code.
- Use shell for running commands, tests, and build operations.
- Use fetch_commit_changes to inspect a commit on GitHub.

# Error Handling

- If a tool call fails, analyze the error and try a different approach.
- For file-related errors, double-check paths before retrying.
- If edit_file fails because old_string is not found, re-read the file to get the current content.
- If a command fails, inspect the output and fix the issue.

# Project Creation

1. Start by creating a root folder for new projects.
2. Create necessary subdirectories and files within the root folder.
3. Organize the project structure following the conventions of the project type.`

// BuildEnvironmentContext renders the <environment> block.
func BuildEnvironmentContext(env Environment, model string) string {
	dir := env.WorkingDirectory()
	repo := inspectRepo(dir)

	lines := []string{
		"Working directory: " + dir,
		fmt.Sprintf("Is git repository: %v", repo.root != ""),
	}
	if repo.branch != "" {
		lines = append(lines, "Git branch: "+repo.branch)
	}
	lines = append(lines,
		"Platform: "+env.Platform(),
		"OS version: "+env.OSVersion(),
		"Today's date: "+time.Now().Format("2006-01-02"),
	)
	if model != "" {
		lines = append(lines, "Model: "+model)
	}
	return "<environment>\n" + strings.Join(lines, "\n") + "\n</environment>"
}

// projectDocFiles lists the instruction files read for provider. AGENTS.md
// is read for every provider.
func projectDocFiles(provider string) []string {
	files := []string{"AGENTS.md"}
	switch provider {
	case "anthropic":
		files = append(files, "CLAUDE.md")
	case "gemini":
		files = append(files, "GEMINI.md")
	case "openai":
		files = append(files, ".codex/instructions.md")
	}
	return files
}

// toolReasoningPrompt asks for a short analysis before each tool call and
// forbids placeholder values for required parameters.
const toolReasoningPrompt = `# Before Calling a Tool

Before each tool call, reason briefly inside <thinking></thinking> tags. First decide which tool fits the next step. Then go through the tool's required parameters and check that each one was given or can be inferred from the task, the files you have read or earlier tool results. If every required value is known, close the thinking tag and make the call. If a required value is missing, do not call the tool and never fill the gap with a placeholder. Say which value is missing instead. Optional parameters may be left out.

Do not comment on the quality of tool results in your reply.`

const docsTruncatedNote = "[Project instructions truncated at 32KB]"

// DiscoverProjectDocs loads the instruction files found between the
// repository root (or workingDir outside a repository) and workingDir,
// outermost first, capped at 32KB in total.
func DiscoverProjectDocs(workingDir string, provider string) string {
	root := inspectRepo(workingDir).root
	if root == "" {
		root = workingDir
	}

	var sections []string
	budget := maxProjectDocBytes
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range projectDocFiles(provider) {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if budget <= 0 {
				return strings.Join(append(sections, docsTruncatedNote), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > budget {
				text = text[:budget] + "\n" + docsTruncatedNote
			}
			budget -= len(text)
			sections = append(sections, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// GetGitContext summarises the branch, working tree and recent commits, or
// returns "" outside a repository.
func GetGitContext(workingDir string) string {
	repo := inspectRepo(workingDir)
	if repo.root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if repo.branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", repo.branch)
	}
	if status := strings.TrimSpace(runGit(repo.root, "status", "--short")); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", strings.Count(status, "\n")+1)
	}
	if log := runGit(repo.root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
		sb.WriteString("\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns the directories from root down to target,
// inclusive. A target outside root yields only root.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{root}
	}

	dirs := []string{root}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

// gitTimeout bounds each git invocation made while building the prompt.
const gitTimeout = 2 * time.Second

type repoInfo struct {
	root   string
	branch string
}

func inspectRepo(dir string) repoInfo {
	root := strings.TrimSpace(runGit(dir, "rev-parse", "--show-toplevel"))
	if root == "" {
		return repoInfo{}
	}
	return repoInfo{
		root:   root,
		branch: strings.TrimSpace(runGit(root, "rev-parse", "--abbrev-ref", "HEAD")),
	}
}

// runGit returns the command's stdout, or "" on any failure.
func runGit(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
