// Package doctor checks a relay configuration for problems that per-field
// validation cannot see: the server and agent sections disagreeing, preload
// tasks no agent will run, and similar.
package doctor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"

	"github.com/PrzemekSekula/laser-train/internal/agent"
	"github.com/PrzemekSekula/laser-train/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the agent's task table.
type Doctor struct {
	cfg   *config.Config
	tasks agent.Table
}

// New creates a Doctor from a loaded config and the full builtin table.
func New(cfg *config.Config, tasks agent.Table) *Doctor {
	return &Doctor{cfg: cfg, tasks: tasks}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateAgentTasks(r)
	d.validatePreload(r)
	d.validateAgentTarget(r)
	d.validateLock(r)
	d.warnExposedListen(r)
	d.warnTimeouts(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// enabled returns the task names the agent will accept.
func (d *Doctor) enabled() map[string]bool {
	out := make(map[string]bool)
	if len(d.cfg.Agent.Tasks) == 0 {
		for _, name := range d.tasks.Names() {
			out[name] = true
		}
		return out
	}
	for _, name := range d.cfg.Agent.Tasks {
		if _, ok := d.tasks.Lookup(name); ok {
			out[name] = true
		}
	}
	return out
}

func (d *Doctor) validateAgentTasks(r *Result) {
	for i, name := range d.cfg.Agent.Tasks {
		if _, ok := d.tasks.Lookup(name); !ok {
			d.addError(r, "agent", fmt.Sprintf("agent.tasks[%d]", i),
				fmt.Sprintf("task %q is not a builtin (available: %v)", name, d.tasks.Names()))
		}
	}
}

// validatePreload warns about preloaded tasks the agent would drop.
func (d *Doctor) validatePreload(r *Result) {
	enabled := d.enabled()
	for i, p := range d.cfg.Server.Preload {
		if !enabled[p.Name] {
			d.addWarning(r, "preload", fmt.Sprintf("server.preload[%d]", i),
				fmt.Sprintf("task %q is not enabled on the agent and will be dropped", p.Name))
		}
	}
}

// validateAgentTarget compares agent.server_url with the server's own address.
func (d *Doctor) validateAgentTarget(r *Result) {
	u, err := url.Parse(d.cfg.Agent.ServerURL)
	if err != nil {
		d.addError(r, "agent", "agent.server_url", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Path != d.cfg.Server.RPCPath {
		d.addWarning(r, "agent", "agent.server_url",
			fmt.Sprintf("path %q differs from server.rpc_path %q", u.Path, d.cfg.Server.RPCPath))
	}

	_, listenPort, err := net.SplitHostPort(d.cfg.Server.Listen)
	if err != nil {
		return
	}
	if port := u.Port(); port != "" && port != listenPort {
		d.addWarning(r, "agent", "agent.server_url",
			fmt.Sprintf("port %s differs from server.listen port %s", port, listenPort))
	}
}

func (d *Doctor) validateLock(r *Result) {
	if d.cfg.Agent.LockPath == "" {
		d.addError(r, "agent", "agent.lock_path", "lock_path is required")
	}
}

// warnExposedListen flags non-loopback binds; the API has no authentication.
func (d *Doctor) warnExposedListen(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.Server.Listen)
	if err != nil {
		return
	}
	if host == "localhost" {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		d.addWarning(r, "server", "server.listen",
			fmt.Sprintf("%s is reachable beyond this host and the API has no authentication", d.cfg.Server.Listen))
	}
}

func (d *Doctor) warnTimeouts(r *Result) {
	if d.cfg.Server.MaxCallTimeout < d.cfg.Server.DefaultWait {
		d.addWarning(r, "server", "server.max_call_timeout",
			"max_call_timeout is shorter than default_wait; calls may time out before the agent polls")
	}
	if d.cfg.Server.JournalPath == "" {
		d.addWarning(r, "server", "server.journal_path", "journal disabled; /tasks and relay inspect will have no data")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references left unresolved.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := map[string]string{
		"server.listen":       d.cfg.Server.Listen,
		"server.journal_path": d.cfg.Server.JournalPath,
		"agent.lock_path":     d.cfg.Agent.LockPath,
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, field := range names {
		for _, m := range envVarRe.FindAllStringSubmatch(fields[field], -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}
