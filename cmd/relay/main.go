package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/api"
	"github.com/PrzemekSekula/laser-train/internal/bridge"
	"github.com/PrzemekSekula/laser-train/internal/config"
	"github.com/PrzemekSekula/laser-train/internal/dispatch"
	"github.com/PrzemekSekula/laser-train/internal/events"
	"github.com/PrzemekSekula/laser-train/internal/lock"
	"github.com/PrzemekSekula/laser-train/internal/log"
	"github.com/PrzemekSekula/laser-train/internal/maskenv"
	"github.com/PrzemekSekula/laser-train/internal/queue"
	"github.com/PrzemekSekula/laser-train/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "agent":
		return runAgent(args)
	case "call":
		return runCall(args)
	case "inspect":
		return runInspect(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`relay - poll-only task dispatch with synchronous callers

Usage:
  relay <command> [flags]

Commands:
  serve                   Run the dispatch server (agent rpc, HTTP API, events)
  agent                   Run the execution agent against a server
  call <name> [args...]   Submit a task and wait for its result
  inspect [task-id]       List journaled tasks or show one task
  watch                   Live monitoring TUI
  config hash             Print the BLAKE3 fingerprint of the config file
  config check            Validate the config (optionally against --expect)
  config show             Print the effective configuration
  version                 Show version information
  help                    Show this help message

Config discovery: --config, then $RELAY_CONFIG, then ./relay.yaml, then defaults.
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override server.listen")
	noJournal := fs.Bool("no-journal", false, "Disable the SQLite task journal")
	demo := fs.Int("demo", 0, "Run N random mask steps through the bridge")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("relay server starting",
		"version", version,
		"config", renderUnset(cfg.SourcePath, "<defaults>"),
		"config_hash", cfg.Fingerprint,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(256)
	opts := []dispatch.Option{
		dispatch.WithEventHub(hub),
		dispatch.WithDefaultWait(cfg.Server.DefaultWait),
	}

	var journal api.JournalReader
	if !*noJournal && cfg.Server.JournalPath != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Server.JournalPath)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Server.JournalPath, "error", err)
			return 1
		}
		defer db.Close()

		j := storage.NewJournal(db)
		lost, err := j.MarkLost(ctx)
		if err != nil {
			logger.Error("failed to close out previous run", "error", err)
			return 1
		}
		if lost > 0 {
			logger.Warn("tasks from previous run marked lost", "count", lost)
		}
		logger.Info("journal opened", "path", cfg.Server.JournalPath)
		opts = append(opts, dispatch.WithJournal(j))
		journal = j
	}

	srv := dispatch.New(queue.New(), opts...)
	if _, err := srv.Preload(ctx, cfg.Server.Preload); err != nil {
		logger.Error("preload failed", "error", err)
		return 1
	}

	apiServer := api.New(api.Config{
		Listen:             cfg.Server.Listen,
		RPCPath:            cfg.Server.RPCPath,
		MaxConcurrentCalls: cfg.Server.MaxConcurrentCalls,
		MaxCallTimeout:     cfg.Server.MaxCallTimeout,
		ConfigHash:         cfg.Fingerprint,
	}, srv, journal, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	if *demo > 0 {
		go func() {
			err := runDemo(ctx, bridge.New(srv), *demo, log.WithComponent("demo"))
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("demo: %w", err)
			}
		}()
	}

	logger.Info("relay server running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("relay server stopped")
	return 0
}

// runDemo drives n random masks through the environment. Each step blocks
// until an agent picks it up.
func runDemo(ctx context.Context, b *bridge.Bridge, n int, logger *slog.Logger) error {
	env := maskenv.New(b)
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	for i := 0; i < n; i++ {
		step, err := env.Step(ctx, maskenv.RandomAction(rng))
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		logger.Info("demo step", "step", i+1, "observation", step.Observation, "reward", step.Reward)
	}
	logger.Info("demo complete", "steps", n)
	return nil
}

func runAgent(args []string) int {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	serverURL := fs.String("server-url", "", "Override agent.server_url")
	seed := fs.Uint64("seed", 1, "Seed for the mock instrument")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *serverURL != "" {
		cfg.Agent.ServerURL = *serverURL
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	pidLock, err := lock.AcquirePIDLock(cfg.Agent.LockPath)
	if err != nil {
		logger.Error("failed to acquire agent lock (another agent may be running)", "path", cfg.Agent.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	table, err := agent.Builtins(agent.NewInstrument(*seed)).Select(cfg.Agent.Tasks)
	if err != nil {
		logger.Error("invalid agent.tasks", "error", err)
		return 1
	}

	a := agent.New(
		agent.NewHTTPTransport(cfg.Agent.ServerURL, cfg.Agent.RequestTimeout),
		table,
		agent.WithRetryDelay(cfg.Agent.RetryDelay),
		agent.WithUnknownTaskDelay(cfg.Agent.UnknownTaskDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay agent starting", "version", version, "server_url", cfg.Agent.ServerURL, "tasks", table.Names())
	if err := a.Run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		return 1
	}
	logger.Info("relay agent stopped")
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: relay version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("relay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
