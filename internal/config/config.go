// Package config loads the daemon's configuration from (highest to lowest
// priority): command-line flags, environment variables (CONDUCTOR_*), the
// project config file (JSON, per spec), and built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Project is a registry seed entry: a project path with an optional
// user-assigned short name.
type Project struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// TriggerConfig mirrors spec.md §3's TriggerConfig.
type TriggerConfig struct {
	Name     string `json:"name" yaml:"name"`
	Schedule string `json:"schedule" yaml:"schedule"`
	Project  string `json:"project" yaml:"project"`
	Agent    string `json:"agent" yaml:"agent"`
	Task     string `json:"task" yaml:"task"`
	Mode     string `json:"mode" yaml:"mode"`
}

// BudgetConfig mirrors spec.md §4.1's budget tracker configuration.
type BudgetConfig struct {
	MaxPromptsPerWindow   int     `json:"maxPromptsPerWindow" yaml:"maxPromptsPerWindow"`
	ReserveForInteractive float64 `json:"reserveForInteractive" yaml:"reserveForInteractive"`
	WindowHours           int     `json:"windowHours" yaml:"windowHours"`
}

// EventMapping mirrors spec.md §4.4's webhook event-to-queue-item rule.
type EventMapping struct {
	Event string `json:"event" yaml:"event"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Mode  string `json:"mode" yaml:"mode"`
	Task  string `json:"task,omitempty" yaml:"task,omitempty"`
}

// GitHubWebhookConfig holds the shared secret and event mapping rules.
type GitHubWebhookConfig struct {
	Secret string         `json:"secret" yaml:"secret"`
	Events []EventMapping `json:"events" yaml:"events"`
}

// WebhookConfig holds the webhook ingester's listen port and GitHub rules.
type WebhookConfig struct {
	Port   int                 `json:"port" yaml:"port"`
	GitHub GitHubWebhookConfig `json:"github" yaml:"github"`
}

// Config is the daemon's fully resolved configuration, matching spec.md §6's
// JSON config file schema plus ambient operational fields.
type Config struct {
	Projects            []Project       `json:"projects" yaml:"projects"`
	Triggers            []TriggerConfig `json:"triggers" yaml:"triggers"`
	Budget              BudgetConfig    `json:"budget" yaml:"budget"`
	HeartbeatIntervalMs int             `json:"heartbeatIntervalMs,omitempty" yaml:"heartbeatIntervalMs,omitempty"`
	Webhook             *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`

	// AgentRunnerCommand is the pluggable point where the actual agent
	// runner (out of scope per spec.md §1) is wired in: an external
	// executable conductord shells out to for every stage. Left empty, the
	// daemon still starts, and every stage run fails with a "no agent runner
	// command configured" error rather than silently no-opping.
	AgentRunnerCommand string `json:"agentRunnerCommand,omitempty" yaml:"agentRunnerCommand,omitempty"`

	// Ambient operational fields, not part of the spec's wire schema but
	// resolved through the same precedence chain.
	StateDir    string `json:"-" yaml:"-"`
	SocketPath  string `json:"-" yaml:"-"`
	MetricsPort int    `json:"-" yaml:"-"`
	LogLevel    string `json:"-" yaml:"-"`
	LogFile     string `json:"-" yaml:"-"`
}

const (
	defaultMaxPromptsPerWindow   = 50
	defaultReserveForInteractive = 0.2
	defaultWindowHours           = 24
	defaultHeartbeatIntervalMs   = 60000
	defaultStateDir              = ".conductor"
	defaultSocketPath            = ".conductor/conductor.sock"
	defaultMetricsPort           = 9090
	defaultLogLevel              = "info"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Projects: nil,
		Triggers: nil,
		Budget: BudgetConfig{
			MaxPromptsPerWindow:   defaultMaxPromptsPerWindow,
			ReserveForInteractive: defaultReserveForInteractive,
			WindowHours:           defaultWindowHours,
		},
		HeartbeatIntervalMs: defaultHeartbeatIntervalMs,
		LogLevel:            defaultLogLevel,
		StateDir:            defaultStateDir,
		SocketPath:           defaultSocketPath,
		MetricsPort:          defaultMetricsPort,
	}
}

// Load resolves configuration with precedence flags > env > file > defaults.
// A malformed config file or an empty trigger schedule fails loudly — no
// partial fallback to defaults for an explicitly-supplied but broken file.
func Load(path string, flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = merge(cfg, fileCfg)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromPath parses path as JSON, the spec's primary config format, unless
// its extension is .yaml/.yml — kept for sites migrating from the daemon's
// predecessor tooling, which shipped YAML config exclusively.
func loadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return &cfg, nil
}

// applyEnv applies CONDUCTOR_* environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("CONDUCTOR_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CONDUCTOR_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("CONDUCTOR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = port
		}
	}
	if v := os.Getenv("CONDUCTOR_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalMs = ms
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONDUCTOR_WEBHOOK_SECRET")); v != "" && cfg.Webhook != nil {
		cfg.Webhook.GitHub.Secret = v
	}
	return cfg
}

// merge merges src into dst, with non-zero src values taking precedence.
func merge(dst, src *Config) *Config {
	if src.Projects != nil {
		dst.Projects = src.Projects
	}
	if src.Triggers != nil {
		dst.Triggers = src.Triggers
	}
	if src.Budget.MaxPromptsPerWindow != 0 {
		dst.Budget.MaxPromptsPerWindow = src.Budget.MaxPromptsPerWindow
	}
	if src.Budget.ReserveForInteractive != 0 {
		dst.Budget.ReserveForInteractive = src.Budget.ReserveForInteractive
	}
	if src.Budget.WindowHours != 0 {
		dst.Budget.WindowHours = src.Budget.WindowHours
	}
	if src.HeartbeatIntervalMs != 0 {
		dst.HeartbeatIntervalMs = src.HeartbeatIntervalMs
	}
	if src.Webhook != nil {
		dst.Webhook = src.Webhook
	}
	if src.StateDir != "" {
		dst.StateDir = src.StateDir
	}
	if src.SocketPath != "" {
		dst.SocketPath = src.SocketPath
	}
	if src.MetricsPort != 0 {
		dst.MetricsPort = src.MetricsPort
	}
	if src.AgentRunnerCommand != "" {
		dst.AgentRunnerCommand = src.AgentRunnerCommand
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFile != "" {
		dst.LogFile = src.LogFile
	}
	return dst
}

// Validate checks structural constraints that Default() can't encode:
// trigger name uniqueness, non-empty schedules, and reserve bounds.
func Validate(cfg *Config) error {
	if cfg.Budget.ReserveForInteractive < 0 || cfg.Budget.ReserveForInteractive > 1 {
		return fmt.Errorf("budget.reserveForInteractive must be in [0,1], got %v", cfg.Budget.ReserveForInteractive)
	}
	seen := make(map[string]bool, len(cfg.Triggers))
	for _, tr := range cfg.Triggers {
		if tr.Name == "" {
			return fmt.Errorf("trigger missing name")
		}
		if seen[tr.Name] {
			return fmt.Errorf("duplicate trigger name %q", tr.Name)
		}
		seen[tr.Name] = true
		if strings.TrimSpace(tr.Schedule) == "" {
			return fmt.Errorf("trigger %q missing schedule", tr.Name)
		}
	}
	names := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		if p.Name == "" {
			continue
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate project name %q", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}
