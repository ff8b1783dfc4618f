package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/api"
	"github.com/PrzemekSekula/laser-train/internal/config"
	"github.com/PrzemekSekula/laser-train/internal/doctor"
	"github.com/PrzemekSekula/laser-train/internal/inspect"
	"github.com/PrzemekSekula/laser-train/internal/storage"
	"github.com/PrzemekSekula/laser-train/internal/tui"
)

const defaultServer = "http://127.0.0.1:5000"

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	server := fs.String("server", defaultServer, "Relay server base URL")
	timeout := fs.Duration("timeout", 0, "Give up waiting after this long (0 = server max)")
	async := fs.Bool("async", false, "Submit without waiting for the result")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: relay call [--server URL] [--timeout D] [--async] <name> [json-args...]")
		return 1
	}

	name := fs.Arg(0)
	body := api.CallRequest{
		Args:           parseCallArgs(fs.Args()[1:]),
		TimeoutSeconds: timeout.Seconds(),
	}

	endpoint := "/call/"
	if *async {
		endpoint = "/tasks/"
	}
	target := strings.TrimRight(*server, "/") + endpoint + url.PathEscape(name)

	client := &http.Client{}
	if *timeout > 0 {
		client.Timeout = *timeout + 10*time.Second
	}

	resp, err := postJSON(client, target, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))

	if resp.Fault != "" {
		fmt.Fprintf(os.Stderr, "Task %s faulted: %s\n", name, resp.Fault)
		return 1
	}
	if !*async && resp.Status != "resolved" {
		fmt.Fprintf(os.Stderr, "Task %s did not finish in time (status %s)\n", name, resp.Status)
		return 1
	}
	return 0
}

// parseCallArgs treats each argument as JSON, falling back to a string.
func parseCallArgs(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		quoted, _ := json.Marshal(a)
		out = append(out, quoted)
	}
	return out
}

func postJSON(client *http.Client, target string, body api.CallRequest) (*api.CallResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := client.Post(target, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// A 504 from /call still carries the task status.
	timedOut := resp.StatusCode == http.StatusGatewayTimeout
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && !timedOut {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var out api.CallResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if timedOut && out.Status == "" {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return &out, nil
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	journalPath := fs.String("journal", "", "Override server.journal_path")
	limit := fs.Int("limit", 20, "Number of tasks to list")
	jsonOut := fs.Bool("json", false, "Output a task report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: relay inspect [--config PATH] [--journal PATH] [--limit N] [--json] [task-id]")
		return 1
	}

	path := *journalPath
	if path == "" {
		cfg, err := config.LoadOrDefault(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Server.JournalPath
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Journal not found: %s\n", path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	j := storage.NewJournal(db)

	if fs.NArg() == 0 {
		if err := inspect.WriteList(ctx, os.Stdout, j, *limit); err != nil {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
			return 1
		}
		return 0
	}

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(ctx, j, fs.Arg(0))
	} else {
		report, err = inspect.BuildReport(ctx, j, fs.Arg(0))
	}
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			fmt.Fprintf(os.Stderr, "Task %s not found\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		}
		return 1
	}
	fmt.Print(report)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := fs.String("server", defaultServer, "Relay server base URL")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(*tui.NewMonitor(*server))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	switch action {
	case "hash":
		return runConfigHash(actionArgs)
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: relay config <action> [--config PATH]

Actions:
  hash                  Print the BLAKE3 fingerprint of the config file
  check [--expect HASH] Validate the config and cross-check its sections
        [--strict] [--format json]
  show                  Print the effective configuration as YAML
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("config hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No config file found; built-in defaults have no fingerprint")
		return 1
	}

	hash, err := config.ComputeBlake3Hash(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("%s  %s\n", hash, path)
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	expect := fs.String("expect", "", "Fail unless the config fingerprint matches")
	format := fs.String("format", "human", "Output format: human or json")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	if *expect != "" {
		if cfg.SourcePath == "" {
			fmt.Fprintln(os.Stderr, "--expect needs a config file; none was found")
			return 1
		}
		if err := config.VerifyFileHash(cfg.SourcePath, *expect); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			return 1
		}
	}

	result := doctor.New(cfg, agent.Builtins(agent.NewInstrument(0))).Validate()
	failed := !result.Valid || (*strict && len(result.Warnings) > 0)

	if *format == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, e := range result.Errors {
			fmt.Printf("ERROR   [%s] %s: %s\n", e.Category, e.Field, e.Message)
		}
		for _, w := range result.Warnings {
			fmt.Printf("WARNING [%s] %s: %s\n", w.Category, w.Field, w.Message)
		}
		if !failed {
			fmt.Printf("Config OK: %s\n", renderUnset(cfg.SourcePath, "<defaults>"))
			if cfg.Fingerprint != "" {
				fmt.Printf("fingerprint: %s\n", cfg.Fingerprint)
			}
		}
	}

	if failed {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}
