package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/align"
	"github.com/llmforge/choreo/internal/config"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/prompt"
	"github.com/llmforge/choreo/internal/run"
	"github.com/llmforge/choreo/internal/tools"
	"github.com/llmforge/choreo/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "run":
		runStart(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "output":
		runOutput(os.Args[2:])
	case "version":
		fmt.Printf("choreo %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	choreoDir := filepath.Join(dir, ".choreo")
	if err := os.MkdirAll(choreoDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	if err := config.Init(filepath.Join(choreoDir, "config.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .choreo/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	choreoDir := mustFindChoreoDir()

	cfgPath := filepath.Join(choreoDir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log.SetLevel(cfg.Logging.Level)

	llm, err := buildModel(cfg.Provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider: %v\n", err)
		os.Exit(1)
	}

	library, err := prompt.DefaultLibrary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompt library: %v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	aligner := align.JSONAligner{}
	engine, err := run.NewEngine(run.Options{
		Config: cfg,
		Planner: &agent.LLMPlanner{
			AgentID:     "planner",
			Model:       llm,
			Fabric:      library,
			Aligner:     aligner,
			Temperature: cfg.Provider.Temperature,
		},
		Executors: run.ExecutorSet{
			Action: &agent.LLMExecutor{
				AgentID:     "executor",
				Model:       llm,
				Fabric:      library,
				Aligner:     aligner,
				Temperature: cfg.Provider.Temperature,
			},
			Tool: &agent.ToolExecutor{Registry: registry},
		},
		Evaluator: agent.ThresholdEvaluator{
			Accept: cfg.Provider.AcceptThreshold,
			Replan: cfg.Provider.ReplanThreshold,
		},
		AuditPath: filepath.Join(choreoDir, "audit.jsonl"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create engine: %v\n", err)
		os.Exit(1)
	}

	server := uds.NewServer(socketPath(choreoDir, cfg))
	uds.RegisterHandlers(server, engine)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start server: %v\n", err)
		os.Exit(1)
	}
	log.Infof("daemon_started socket=%s model=%s tools=%v",
		socketPath(choreoDir, cfg), cfg.Provider.Model, registry.Names())

	watcher, err := config.Watch(cfgPath, func(c model.Config) {
		log.SetLevel(c.Logging.Level)
	})
	if err != nil {
		log.Warnf("config_watch_unavailable path=%s error=%v", cfgPath, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("daemon_shutdown signal=%s", sig)

	if watcher != nil {
		_ = watcher.Close()
	}
	_ = server.Stop()

	timeout := time.Duration(cfg.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		log.Errorf("daemon_shutdown_error error=%v", err)
		os.Exit(1)
	}
}

func buildModel(p model.ProviderConfig) (llms.Model, error) {
	switch p.Name {
	case "", "openai":
		key := os.Getenv(p.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is not set", p.APIKeyEnv)
		}
		opts := []openai.Option{
			openai.WithToken(key),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider: %s", p.Name)
	}
}

func runStart(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: choreo run <task> [--wait] [--max-concurrency <n>] [--step-timeout <sec>] [--max-retries <n>] [--final-key <key>]")
		os.Exit(1)
	}

	task := args[0]
	rest := args[1:]

	var overrides model.EngineConfig
	wait := false

	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--wait":
			wait = true
		case "--max-concurrency":
			overrides.MaxConcurrency = intFlag(rest, &i)
		case "--step-timeout":
			overrides.StepTimeoutSec = intFlag(rest, &i)
		case "--max-retries":
			overrides.MaxRetriesPerStep = intFlag(rest, &i)
		case "--final-key":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--final-key requires a value")
				os.Exit(1)
			}
			i++
			overrides.FinalOutputKey = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: choreo run <task> [--wait] [--max-concurrency <n>] [--step-timeout <sec>] [--max-retries <n>] [--final-key <key>]\n", rest[i])
			os.Exit(1)
		}
	}

	client := daemonClient()
	resp := mustSend(client, uds.CommandStartRun, uds.StartRunParams{Task: task, Overrides: overrides}, "run")

	var started uds.StartRunResult
	if err := json.Unmarshal(resp.Data, &started); err != nil {
		fmt.Fprintf(os.Stderr, "run: decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(started.RunID)

	if wait {
		snap := waitForRun(client, started.RunID)
		fmt.Fprintf(os.Stderr, "run %s: %s\n", started.RunID, snap.Status)
		if snap.Status != model.RunStatusSucceeded {
			if snap.Cause != "" {
				fmt.Fprintf(os.Stderr, "cause: %s\n", snap.Cause)
			}
			os.Exit(1)
		}
	}
}

func waitForRun(client *uds.Client, runID string) run.Snapshot {
	for {
		resp := mustSend(client, uds.CommandRunStatus, uds.RunIDParams{RunID: runID}, "run")
		var snap run.Snapshot
		if err := json.Unmarshal(resp.Data, &snap); err != nil {
			fmt.Fprintf(os.Stderr, "run: decode status: %v\n", err)
			os.Exit(1)
		}
		if model.IsRunTerminal(snap.Status) {
			return snap
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runStatus(args []string) {
	runID := ""
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			if runID != "" {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: choreo status [<run-id>] [--json]\n", a)
				os.Exit(1)
			}
			runID = a
		}
	}

	client := daemonClient()

	if runID == "" {
		resp := mustSend(client, uds.CommandRunList, nil, "status")
		var list uds.RunListResult
		if err := json.Unmarshal(resp.Data, &list); err != nil {
			fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(list)
			return
		}
		if len(list.Runs) == 0 {
			fmt.Println("no runs")
			return
		}
		for _, snap := range list.Runs {
			fmt.Printf("%s  %-12s %s\n", snap.RunID, snap.Status, snap.Task)
		}
		return
	}

	resp := mustSend(client, uds.CommandRunStatus, uds.RunIDParams{RunID: runID}, "status")
	var snap run.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		printJSON(snap)
		return
	}

	fmt.Printf("run:    %s\n", snap.RunID)
	fmt.Printf("task:   %s\n", snap.Task)
	fmt.Printf("status: %s\n", snap.Status)
	if snap.Cause != "" {
		fmt.Printf("cause:  %s\n", snap.Cause)
	}
	for _, step := range snap.Steps {
		attempt := ""
		if step.RetryCount > 0 {
			attempt = fmt.Sprintf(" (attempt %d)", step.RetryCount+1)
		}
		fmt.Printf("  %-12s %-12s %s%s\n", step.Status, step.Kind, step.ID, attempt)
	}
	for _, ab := range snap.Abandoned {
		fmt.Printf("  abandoned %s: %s\n", ab.StepID, ab.Cause)
	}
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: choreo cancel <run-id>")
		os.Exit(1)
	}
	client := daemonClient()
	mustSend(client, uds.CommandCancelRun, uds.RunIDParams{RunID: args[0]}, "cancel")
	fmt.Printf("cancel requested for %s\n", args[0])
}

func runOutput(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: choreo output <run-id> [--key <key>] [--json]")
		os.Exit(1)
	}

	runID := args[0]
	rest := args[1:]
	key := ""
	jsonOutput := false

	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--key":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--key requires a value")
				os.Exit(1)
			}
			i++
			key = rest[i]
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: choreo output <run-id> [--key <key>] [--json]\n", rest[i])
			os.Exit(1)
		}
	}

	client := daemonClient()
	resp := mustSend(client, uds.CommandRunOutput, uds.RunOutputParams{RunID: runID, Key: key}, "output")

	var out uds.RunOutputResult
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		fmt.Fprintf(os.Stderr, "output: decode response: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		printJSON(out.Entry)
		return
	}
	if s, ok := out.Entry.Value.(string); ok {
		fmt.Println(s)
		return
	}
	printJSON(out.Entry.Value)
}

func daemonClient() *uds.Client {
	choreoDir := mustFindChoreoDir()
	cfg, err := config.Load(filepath.Join(choreoDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return uds.NewClient(socketPath(choreoDir, cfg))
}

func mustSend(client *uds.Client, command string, params any, label string) *uds.Response {
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		os.Exit(1)
	}
	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", label, code, msg)
		os.Exit(1)
	}
	return resp
}

func intFlag(args []string, i *int) int {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	flag := args[*i]
	*i++
	n, err := strconv.Atoi(args[*i])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", flag, args[*i])
		os.Exit(1)
	}
	return n
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// socketPath resolves the daemon socket location. A relative configured path
// is anchored at the project root so CLI invocations from subdirectories
// reach the same socket.
func socketPath(choreoDir string, cfg model.Config) string {
	p := cfg.Daemon.SocketPath
	if p == "" {
		return filepath.Join(choreoDir, uds.DefaultSocketName)
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(choreoDir), p)
}

func mustFindChoreoDir() string {
	dir := findChoreoDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .choreo/ directory not found. Run 'choreo init' first.")
		os.Exit(1)
	}
	return dir
}

// findChoreoDir searches for .choreo/ in the current directory and ancestors.
func findChoreoDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".choreo")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `choreo %s — Adaptive agentic task choreographer

Usage: choreo <command> [options]

Setup:
  init [<dir>]          Initialize .choreo/ directory
  daemon                Run the choreographer daemon

Runs (CLI → Daemon):
  run <task> [flags]    Start a run; prints the run id
    --wait              Block until the run finishes
    --max-concurrency <n>
    --step-timeout <sec>
    --max-retries <n>
    --final-key <key>
  status [<run-id>]     Show one run, or list all runs
  cancel <run-id>       Request cancellation
  output <run-id>       Print a run's final output
    --key <key>         Read another context key instead

Utilities:
  version               Show version
  help                  Show this help

`, version)
}
