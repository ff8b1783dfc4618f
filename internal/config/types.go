package config

import "time"

// Config represents the complete relay configuration. One file serves both
// the dispatch server and the execution agent; each reads its own section.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the raw file bytes.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// ServerConfig defines the dispatch server.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	RPCPath string `yaml:"rpc_path"`
	// DefaultWait is sent to the agent in a wait directive when the queue is empty.
	DefaultWait time.Duration `yaml:"default_wait"`
	// JournalPath is the SQLite task journal. Journaling is an audit trail only.
	JournalPath        string        `yaml:"journal_path"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	MaxCallTimeout     time.Duration `yaml:"max_call_timeout"`
	Preload            []PreloadTask `yaml:"preload,omitempty"`
}

// PreloadTask is enqueued when the server starts.
type PreloadTask struct {
	Name string `yaml:"name"`
	Args []any  `yaml:"args,omitempty"`
}

// AgentConfig defines the execution agent.
type AgentConfig struct {
	ServerURL        string        `yaml:"server_url"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UnknownTaskDelay time.Duration `yaml:"unknown_task_delay"`
	LockPath         string        `yaml:"lock_path"`
	// Tasks selects the enabled builtin tasks. Empty enables all of them.
	Tasks []string `yaml:"tasks,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "relay",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Listen:             "127.0.0.1:5000",
			RPCPath:            "/rpc",
			DefaultWait:        time.Second,
			JournalPath:        "./data/relay.db",
			MaxConcurrentCalls: 8,
			MaxCallTimeout:     5 * time.Minute,
		},
		Agent: AgentConfig{
			ServerURL:        "http://127.0.0.1:5000/rpc",
			RetryDelay:       5 * time.Second,
			RequestTimeout:   30 * time.Second,
			UnknownTaskDelay: time.Second,
			LockPath:         "./data/agent.lock",
		},
	}
}
