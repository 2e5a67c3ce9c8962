// Package config loads the worker's runtime configuration from
// defaults, an optional YAML file, and WORKER_* environment variables,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Project is an allow-listed working directory a thread may be bound to.
type Project struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`
	Path string `koanf:"path"`
}

// Agent configures the upstream agent subprocess.
type Agent struct {
	Command          string        `koanf:"command"`
	Args             []string      `koanf:"args"`
	Dir              string        `koanf:"dir"`
	Env              []string      `koanf:"env"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	Restart          bool          `koanf:"restart"`
	RestartMaxElapse time.Duration `koanf:"restart_max_elapsed"`
}

// Terminal configures the PTY session manager.
type Terminal struct {
	MaxSessions        int           `koanf:"max_sessions"`
	MaxInputBytes      int           `koanf:"max_input_bytes"`
	MaxScrollbackBytes int           `koanf:"max_scrollback_bytes"`
	IdleTTL            time.Duration `koanf:"idle_ttl"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	Heartbeat          time.Duration `koanf:"heartbeat"`
}

// Config holds the worker's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`
	Token   string `koanf:"token"`
	DataDir string `koanf:"data_dir"`
	LogLevel string `koanf:"log_level"`

	Projects []Project `koanf:"projects"`
	Agent    Agent     `koanf:"agent"`
	Terminal Terminal  `koanf:"terminal"`

	EventRetention  int           `koanf:"event_retention"`
	SSEHeartbeat    time.Duration `koanf:"sse_heartbeat"`
	ThreadEventsTTL time.Duration `koanf:"thread_events_ttl"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":      ":8787",
		"token":     "",
		"data_dir":  defaultDataDir(),
		"log_level": "info",

		"agent.command":             "codex",
		"agent.args":                []string{"app-server"},
		"agent.dir":                 "",
		"agent.request_timeout":     120 * time.Second,
		"agent.restart":             false,
		"agent.restart_max_elapsed": 5 * time.Minute,

		"terminal.max_sessions":         8,
		"terminal.max_input_bytes":      32 * 1024,
		"terminal.max_scrollback_bytes": 2 * 1024 * 1024,
		"terminal.idle_ttl":             20 * time.Minute,
		"terminal.sweep_interval":       10 * time.Second,
		"terminal.heartbeat":            15 * time.Second,

		"event_retention":   2000,
		"sse_heartbeat":     15 * time.Second,
		"thread_events_ttl": 5 * time.Second,
	}
}

// Load builds a Config from defaults, the YAML file at path (if path is
// non-empty and the file exists), and WORKER_* environment variables.
// WORKER_AGENT__COMMAND maps to agent.command.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("WORKER_", ".", func(key, value string) (string, interface{}) {
		key = strings.TrimPrefix(key, "WORKER_")
		key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	for i, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("projects[%d]: path is required", i)
		}
	}
	return nil
}

// DBPath returns the path to the SQLite cache file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "worker.db")
}

// ResolveProject returns the allow-listed project matching the selector,
// which may be a project id, name, or path. Returns false when the
// selector matches nothing.
func (c *Config) ResolveProject(selector string) (Project, bool) {
	for _, p := range c.Projects {
		if selector == p.ID || selector == p.Name || selector == p.Path {
			return p, true
		}
	}
	return Project{}, false
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "codexworker")
	}
	return filepath.Join(home, ".config", "codexworker")
}
