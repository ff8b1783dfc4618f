package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file, overlays it on Defaults, and validates the
// result. Unknown keys are rejected.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes raw YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Fingerprint = Fingerprint(data)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return invalidf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	s := cfg.Server
	if s.Listen == "" {
		return invalidf("server.listen is required")
	}
	if !strings.HasPrefix(s.RPCPath, "/") {
		return invalidf("server.rpc_path must start with / (got %q)", s.RPCPath)
	}
	if s.DefaultWait <= 0 {
		return invalidf("server.default_wait must be positive")
	}
	if s.MaxConcurrentCalls <= 0 {
		return invalidf("server.max_concurrent_calls must be positive")
	}
	if s.MaxCallTimeout <= 0 {
		return invalidf("server.max_call_timeout must be positive")
	}
	for i, p := range s.Preload {
		if p.Name == "" {
			return invalidf("server.preload[%d].name is required", i)
		}
	}

	a := cfg.Agent
	if unresolved := envVarPattern.FindStringSubmatch(a.ServerURL); len(unresolved) > 1 {
		return invalidf("agent.server_url: environment variable ${%s} is not set", unresolved[1])
	}
	u, err := url.Parse(a.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidf("agent.server_url must be an http(s) URL (got %q)", a.ServerURL)
	}
	if a.RetryDelay <= 0 {
		return invalidf("agent.retry_delay must be positive")
	}
	if a.RequestTimeout <= 0 {
		return invalidf("agent.request_timeout must be positive")
	}
	if a.UnknownTaskDelay < 0 {
		return invalidf("agent.unknown_task_delay must not be negative")
	}

	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
