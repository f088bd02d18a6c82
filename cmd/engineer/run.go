package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/engineer/agentloop"
	"github.com/martinemde/engineer/config"
	"github.com/martinemde/engineer/logging"
	"github.com/martinemde/engineer/tools"
)

type runOptions struct {
	configPath    string
	provider      string
	model         string
	maxIterations int
	parallelTools bool
	saveChat      string
	script        string
	verbose       bool
	file          string
	editor        bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Work on a task until it is complete",
		Long: `Run starts an agent loop on the given task. The task comes from the
arguments, --file, --editor, or is read from stdin.

The exit status is 0 when the model completes the task, 1 when the run is
aborted and 2 for configuration or usage errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./engineer.yaml, then the user config)")
	f.StringVarP(&opts.provider, "provider", "p", "", "model provider: anthropic, openai, gemini or gollm:<name>")
	f.StringVarP(&opts.model, "model", "m", "", "model id (default: the provider's catalog default)")
	f.IntVarP(&opts.maxIterations, "max-iterations", "n", 0, "maximum number of model requests")
	f.BoolVar(&opts.parallelTools, "parallel-tools", false, "run read-only tool calls concurrently")
	f.StringVar(&opts.saveChat, "save-chat", "", "save the transcript as Chat_HHMM.md in `dir`")
	f.StringVar(&opts.script, "script", "", "replay model replies from a YAML script instead of calling a provider")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "show iterations, notices and tool output; log at debug level")
	f.StringVarP(&opts.file, "file", "f", "", "read the task from a file")
	f.BoolVarP(&opts.editor, "editor", "e", false, "write the task in $EDITOR")
	cmd.MarkFlagsMutuallyExclusive("file", "editor")
	return cmd
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command, opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	switch {
	case opts.script != "":
		err = cfg.SetProvider("scripted")
	case flags.Changed("provider"):
		err = cfg.SetProvider(opts.provider)
	}
	if err != nil {
		return nil, err
	}
	if flags.Changed("model") {
		cfg.LLM.Model = opts.model
	}
	if flags.Changed("max-iterations") {
		cfg.Loop.MaxIterations = opts.maxIterations
	}
	if flags.Changed("parallel-tools") {
		cfg.Tools.Parallel = opts.parallelTools
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTask(cmd *cobra.Command, opts *runOptions, args []string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return usageError(err)
	}

	task, err := readTask(cmd, opts, args)
	if err != nil {
		return usageError(err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return usageError(err)
	}
	defer func() { _ = logger.Sync() }()

	wd, err := os.Getwd()
	if err != nil {
		return usageError(err)
	}
	ws, err := tools.NewWorkspace(wd, append(cfg.WorkspaceOptions(), tools.WithWorkspaceLogger(logger))...)
	if err != nil {
		return usageError(err)
	}
	registry := agentloop.NewToolRegistry()
	if err := tools.RegisterDefaults(registry, ws); err != nil {
		return err
	}

	ctx := cmd.Context()
	adapter, err := newAdapter(ctx, cfg, opts.script)
	if err != nil {
		return usageError(err)
	}
	client := newClient(adapter, logger)
	defer client.Close()

	loopCfg := cfg.LoopConfig()
	prompt := agentloop.BuildSystemPrompt(agentloop.PromptOptions{
		Env:        ws,
		Model:      cfg.LLM.Model,
		Provider:   cfg.LLM.Provider,
		Tools:      registry.List(),
		Completion: loopCfg.Completion,
	})
	model := agentloop.NewLLMModelClient(client, agentloop.LLMClientOptions{
		Model:        cfg.LLM.Model,
		SystemPrompt: prompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
	})

	loop := agentloop.NewLoop(task, model, registry, loopCfg, agentloop.WithLogger(logger))
	logger.Debug("starting run",
		zap.String("run_id", loop.ID()),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model))

	out := cmd.OutOrStdout()
	r := newRenderer(out, opts.verbose)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		r.Consume(loop.Events())
	}()
	outcome := loop.Run(ctx)
	<-rendered
	r.Summary(outcome)

	if opts.verbose {
		usage := model.Usage()
		fmt.Fprintf(out, "tokens: %d in, %d out\n", usage.InputTokens, usage.OutputTokens)
	}

	if opts.saveChat != "" {
		path, err := agentloop.SaveMarkdown(opts.saveChat, loop.Turns())
		if err != nil {
			return &exitError{code: exitAborted, err: err}
		}
		fmt.Fprintf(out, "Chat saved to %s\n", path)
	}

	if outcome.State != agentloop.StateCompleted {
		return &exitError{code: exitAborted}
	}
	return nil
}

// readTask takes the task from the arguments, --file, --editor or stdin, in
// that order.
func readTask(cmd *cobra.Command, opts *runOptions, args []string) (string, error) {
	var task string
	switch {
	case len(args) > 0:
		task = strings.Join(args, " ")
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return "", fmt.Errorf("failed to read task: %w", err)
		}
		task = string(data)
	case opts.editor:
		text, err := editTask(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		task = text
	default:
		fmt.Fprint(cmd.ErrOrStderr(), "Task: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read task: %w", err)
		}
		task = line
	}

	task = strings.TrimSpace(task)
	if task == "" {
		return "", errors.New("no task given")
	}
	return task, nil
}

// editTask opens $EDITOR (vi when unset) on a temporary file and returns
// what was saved.
func editTask(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (string, error) {
	f, err := os.CreateTemp("", "engineer-task-*.md")
	if err != nil {
		return "", fmt.Errorf("failed to create task file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	argv := append(strings.Fields(editor), path)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin = stdin
	c.Stdout = stdout
	c.Stderr = stderr
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("editor %s failed: %w", argv[0], err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read task file: %w", err)
	}
	return string(data), nil
}
