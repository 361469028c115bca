package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/germanamz/toolrelay/pkg/callparse"
)

// Config is the top-level engine configuration.
type Config struct {
	Services    []ServiceConfig   `yaml:"services"`
	Parser      ParserConfig      `yaml:"parser"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Connections ConnectionsConfig `yaml:"connections"`
	Sync        SyncConfig        `yaml:"sync"`
	Hints       map[string]string `yaml:"hints"`
}

// ServiceConfig describes one remote tool service.
type ServiceConfig struct {
	Name string `yaml:"name"`
	// Kind selects the transport: mcp, http or ws. Other kinds must be
	// added with RegisterTransport.
	Kind string `yaml:"kind"`

	// mcp: a command to spawn, or a URL with an optional transport
	// (sse or streamable).
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Transport string            `yaml:"transport"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig caps the call rate to one service.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 = no limit.
	Burst     int     `yaml:"burst"`      // Defaults to 1 when PerSecond is set.
}

// ParserConfig tunes call detection.
type ParserConfig struct {
	OpenMarker     string   `yaml:"open_marker"`
	CloseMarker    string   `yaml:"close_marker"`
	ToolKeys       []string `yaml:"tool_keys"`
	ParamKeys      []string `yaml:"param_keys"`
	FenceLanguages []string `yaml:"fence_languages"`
}

// CoordinatorConfig bounds the work done for one turn.
type CoordinatorConfig struct {
	MaxCandidates   int    `yaml:"max_candidates"`
	CallTimeout     string `yaml:"call_timeout"` // Duration string (e.g. "30s").
	TurnTimeout     string `yaml:"turn_timeout"`
	MaxParallel     int    `yaml:"max_parallel"`
	ProjectionField string `yaml:"projection_field"`
}

// ConnectionsConfig controls reconnection behavior.
type ConnectionsConfig struct {
	BaseBackoff       string `yaml:"base_backoff"`
	MaxBackoff        string `yaml:"max_backoff"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	DialTimeout       string `yaml:"dial_timeout"`
}

// Catalog cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// SyncConfig controls registry synchronization.
type SyncConfig struct {
	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 5m". Empty disables scheduled syncs.
	Schedule string `yaml:"schedule"`
	Timeout  string `yaml:"timeout"`

	Cache         string `yaml:"cache"` // none, memory (default) or redis.
	CacheTTL      string `yaml:"cache_ttl"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"` //nolint:gosec // configuration field, not a hardcoded secret
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// LoadConfig reads a YAML file and returns a Config.
// Environment variables referenced as ${VAR} or $VAR in the YAML are expanded
// before parsing, so service tokens and Redis passwords can stay in the
// environment (e.g. loaded from a .env file).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML configuration after environment expansion.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("engine: config: at least one service is required")
	}

	names := make(map[string]struct{}, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("engine: config: service name is required")
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("engine: config: duplicate service name %q", s.Name)
		}
		names[s.Name] = struct{}{}

		if err := s.validate(); err != nil {
			return err
		}
	}

	if c.Coordinator.MaxCandidates < 0 {
		return fmt.Errorf("engine: config: coordinator: max_candidates must not be negative")
	}
	if c.Coordinator.MaxParallel < 0 {
		return fmt.Errorf("engine: config: coordinator: max_parallel must not be negative")
	}

	durations := []struct{ field, value string }{
		{"coordinator.call_timeout", c.Coordinator.CallTimeout},
		{"coordinator.turn_timeout", c.Coordinator.TurnTimeout},
		{"connections.base_backoff", c.Connections.BaseBackoff},
		{"connections.max_backoff", c.Connections.MaxBackoff},
		{"connections.reconcile_interval", c.Connections.ReconcileInterval},
		{"connections.dial_timeout", c.Connections.DialTimeout},
		{"sync.timeout", c.Sync.Timeout},
		{"sync.cache_ttl", c.Sync.CacheTTL},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.field, d.value, 0); err != nil {
			return err
		}
	}

	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("engine: config: sync.schedule: %w", err)
		}
	}

	switch c.Sync.Cache {
	case "", CacheNone, CacheMemory:
	case CacheRedis:
		if c.Sync.RedisAddr == "" {
			return fmt.Errorf("engine: config: sync: redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("engine: config: sync: unknown cache %q", c.Sync.Cache)
	}

	for tool := range c.Hints {
		if !callparse.ValidToolName(tool) {
			return fmt.Errorf("engine: config: hints: invalid tool name %q", tool)
		}
	}

	return nil
}

func (s ServiceConfig) validate() error {
	if s.Kind == "" {
		return fmt.Errorf("engine: config: service %q: kind is required", s.Name)
	}
	if !transportRegistered(s.Kind) {
		return fmt.Errorf("engine: config: service %q: unknown kind %q", s.Name, s.Kind)
	}

	switch s.Kind {
	case "mcp":
		if s.Command == "" && s.URL == "" {
			return fmt.Errorf("engine: config: service %q: command or url is required", s.Name)
		}
		switch s.Transport {
		case "", "command", "sse", "streamable":
		default:
			return fmt.Errorf("engine: config: service %q: unknown mcp transport %q", s.Name, s.Transport)
		}
	case "http", "ws":
		if s.URL == "" {
			return fmt.Errorf("engine: config: service %q: url is required", s.Name)
		}
	}

	if s.RateLimit.PerSecond < 0 || s.RateLimit.Burst < 0 {
		return fmt.Errorf("engine: config: service %q: rate_limit must not be negative", s.Name)
	}

	return nil
}

// parseDuration reads an optional duration string, returning def when it is
// empty.
func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("engine: config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("engine: config: %s: must not be negative", field)
	}

	return d, nil
}

// mustDuration is parseDuration for values Validate already checked.
func mustDuration(value string, def time.Duration) time.Duration {
	d, err := parseDuration("", value, def)
	if err != nil {
		return def
	}

	return d
}
