package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns environ without the sensitive variables.
func filterEnvironment(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// Workspace is the directory tools operate in. Relative paths resolve
// against its root.
type Workspace struct {
	root             string
	platform         string
	osVersion        string
	defaultTimeoutMs int
	maxTimeoutMs     int
	githubBaseURL    string
	githubToken      string
	httpClient       *http.Client
	logger           *zap.Logger
}

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithCommandTimeouts sets the default and maximum shell timeouts.
func WithCommandTimeouts(defaultMs, maxMs int) WorkspaceOption {
	return func(w *Workspace) {
		if defaultMs > 0 {
			w.defaultTimeoutMs = defaultMs
		}
		if maxMs > 0 {
			w.maxTimeoutMs = maxMs
		}
	}
}

// WithGitHub sets the API base URL and token used by fetch_commit_changes.
func WithGitHub(baseURL, token string) WorkspaceOption {
	return func(w *Workspace) {
		if baseURL != "" {
			w.githubBaseURL = strings.TrimRight(baseURL, "/")
		}
		w.githubToken = token
	}
}

// WithHTTPClient sets the client used for network tools.
func WithHTTPClient(c *http.Client) WorkspaceOption {
	return func(w *Workspace) {
		if c != nil {
			w.httpClient = c
		}
	}
}

// WithWorkspaceLogger sets the logger.
func WithWorkspaceLogger(l *zap.Logger) WorkspaceOption {
	return func(w *Workspace) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkspace creates a workspace rooted at root (the current directory if
// empty).
func NewWorkspace(root string, opts ...WorkspaceOption) (*Workspace, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: %s is not a directory", abs)
	}

	w := &Workspace{
		root:             abs,
		platform:         runtime.GOOS,
		osVersion:        runtime.GOOS + "/" + runtime.GOARCH,
		defaultTimeoutMs: 10000,
		maxTimeoutMs:     600000,
		githubBaseURL:    "https://api.github.com",
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Workspace) WorkingDirectory() string { return w.root }

func (w *Workspace) Platform() string { return w.platform }

func (w *Workspace) OSVersion() string { return w.osVersion }

// Resolve maps path to an absolute path inside the workspace.
func (w *Workspace) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(w.root, path)
}

// rel returns path relative to the root when possible.
func (w *Workspace) rel(path string) string {
	r, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(r, "..") {
		return path
	}
	return filepath.ToSlash(r)
}

// clampTimeout applies the default and maximum to a requested timeout.
func (w *Workspace) clampTimeout(ms int) int {
	if ms <= 0 {
		ms = w.defaultTimeoutMs
	}
	if ms > w.maxTimeoutMs {
		ms = w.maxTimeoutMs
	}
	return ms
}

// ExecCommand runs command through the shell in the workspace root with a
// filtered environment and its own process group.
func (w *Workspace) ExecCommand(ctx context.Context, command string, timeoutMs int) (*ExecResult, error) {
	timeoutMs = w.clampTimeout(timeoutMs)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	shell := "/bin/bash"
	shellArg := "-c"
	if runtime.GOOS == "windows" {
		shell = "cmd.exe"
		shellArg = "/c"
	} else if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = w.root
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so children spawned by the shell die too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	cmd.Env = filterEnvironment(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return nil, fmt.Errorf("exec_command: %w", ctx.Err())
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec_command: %w", err)
		}
	}

	w.logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// Grep searches file contents, preferring ripgrep and falling back to grep.
func (w *Workspace) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = w.root
	} else {
		path = w.Resolve(path)
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return w.grepFallback(ctx, pattern, path, options)
	}

	args := []string{"--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
	}
	args = append(args, "--", pattern, path)

	return w.runSearch(ctx, rgPath, args)
}

func (w *Workspace) grepFallback(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	args := []string{"-rnE"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--include="+options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "-m", fmt.Sprintf("%d", options.MaxResults))
	}
	args = append(args, "--", pattern, path)
	return w.runSearch(ctx, "grep", args)
}

// runSearch treats exit status 1 (no matches) as an empty result.
func (w *Workspace) runSearch(ctx context.Context, bin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = w.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil {
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", filepath.Base(bin), msg)
	}
	return stdout.String(), nil
}
