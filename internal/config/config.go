// Package config loads the service configuration from a YAML file with
// environment-variable overrides. Priority per key: env > file > default.
// The loaded Config is immutable after Load and injected into components.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CLAUDE_AGENT_"

// Duration unmarshals from either a YAML string ("30m", "1h") or a bare
// number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"'`)
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// MCPServer describes one external tool server the agent may talk to.
// Type selects the transport: "stdio" runs a command, "sse" connects to
// a URL.
type MCPServer struct {
	Type    string            `yaml:"type" json:"type"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
}

func (m MCPServer) validate(name string) error {
	switch m.Type {
	case "stdio":
		if m.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", name)
		}
	case "sse":
		if m.URL == "" {
			return fmt.Errorf("mcp server %q: sse transport requires url", name)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown transport %q (want stdio or sse)", name, m.Type)
	}
	return nil
}

// APIConfig is the HTTP listener configuration.
type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// PostgresConfig holds the external SQL backend settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the keyword/value connection string pgx accepts.
func (p PostgresConfig) DSN() string {
	parts := []string{
		"host=" + p.Host,
		"port=" + strconv.Itoa(p.Port),
		"dbname=" + p.Database,
		"user=" + p.User,
	}
	if p.Password != "" {
		parts = append(parts, "password="+p.Password)
	}
	if p.SSLMode != "" {
		parts = append(parts, "sslmode="+p.SSLMode)
	}
	return strings.Join(parts, " ")
}

// StorageConfig selects and parameterizes the metadata store backend.
type StorageConfig struct {
	Backend    string         `yaml:"backend"`
	TTL        Duration       `yaml:"ttl"`
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// LimitsConfig bounds the live fleet.
type LimitsConfig struct {
	MaxSessions           int      `yaml:"max_sessions"`
	MaxSessionsPerUser    int      `yaml:"max_sessions_per_user"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	MemoryLimitMB         int      `yaml:"memory_limit_mb"`
	IdleSessionTimeout    Duration `yaml:"idle_session_timeout"`
}

// AgentConfig holds the default options for spawned agent subprocesses.
// Most can be overridden per session at create time.
type AgentConfig struct {
	CLIPath         string               `yaml:"cli_path"`
	SystemPrompt    string               `yaml:"system_prompt"`
	PermissionMode  string               `yaml:"permission_mode"`
	AllowedTools    []string             `yaml:"allowed_tools"`
	DisallowedTools []string             `yaml:"disallowed_tools"`
	SettingSources  []string             `yaml:"setting_sources"`
	Model           string               `yaml:"model"`
	MaxTurns        int                  `yaml:"max_turns"`
	MaxBudgetUSD    float64              `yaml:"max_budget_usd"`
	MCPServers      map[string]MCPServer `yaml:"mcp_servers"`
	Plugins         []string             `yaml:"plugins"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full process configuration.
type Config struct {
	BaseDir       string        `yaml:"base_dir"`
	AutoCreateDir bool          `yaml:"auto_create_dir"`
	API           APIConfig     `yaml:"api"`
	Storage       StorageConfig `yaml:"storage"`
	Limits        LimitsConfig  `yaml:"limits"`
	Agent         AgentConfig   `yaml:"agent"`
	Log           LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseDir:       "/home",
		AutoCreateDir: true,
		API: APIConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Backend:    "memory",
			TTL:        Duration{time.Hour},
			SQLitePath: "/var/lib/claude-agent/sessions.db",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "claude_agent",
				User:     "claude_agent",
				SSLMode:  "prefer",
			},
		},
		Limits: LimitsConfig{
			MaxSessions:           100,
			MaxSessionsPerUser:    10,
			MaxConcurrentRequests: 50,
			MemoryLimitMB:         4096,
			IdleSessionTimeout:    Duration{30 * time.Minute},
		},
		Agent: AgentConfig{
			CLIPath:        "claude",
			SystemPrompt:   "You are a helpful AI assistant.",
			PermissionMode: "bypassPermissions",
			AllowedTools:   []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (missing file is fine when path is
// empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var firstErr error
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
			return
		}
		*dst = b
	}
	seconds := func(key string, dst *Duration) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			dst.Duration = time.Duration(n * float64(time.Second))
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
			return
		}
		dst.Duration = d
	}

	str("USER_BASE_DIR", &c.BaseDir)
	boolean("AUTO_CREATE_DIR", &c.AutoCreateDir)

	str("API_HOST", &c.API.Host)
	integer("API_PORT", &c.API.Port)
	str("API_KEY", &c.API.APIKey)

	str("SESSION_STORAGE", &c.Storage.Backend)
	seconds("SESSION_TTL", &c.Storage.TTL)
	str("SESSION_SQLITE_PATH", &c.Storage.SQLitePath)
	str("SESSION_PG_HOST", &c.Storage.Postgres.Host)
	integer("SESSION_PG_PORT", &c.Storage.Postgres.Port)
	str("SESSION_PG_DATABASE", &c.Storage.Postgres.Database)
	str("SESSION_PG_USER", &c.Storage.Postgres.User)
	str("SESSION_PG_PASSWORD", &c.Storage.Postgres.Password)

	integer("MAX_SESSIONS", &c.Limits.MaxSessions)
	integer("MAX_SESSIONS_PER_USER", &c.Limits.MaxSessionsPerUser)
	integer("MAX_CONCURRENT_REQUESTS", &c.Limits.MaxConcurrentRequests)
	integer("MEMORY_LIMIT_MB", &c.Limits.MemoryLimitMB)
	seconds("IDLE_SESSION_TIMEOUT", &c.Limits.IdleSessionTimeout)

	str("MODEL", &c.Agent.Model)
	str("SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	str("PERMISSION_MODE", &c.Agent.PermissionMode)
	str("CLI_PATH", &c.Agent.CLIPath)

	str("LOG_LEVEL", &c.Log.Level)

	return firstErr
}

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// ValidPermissionMode reports whether mode is one the agent CLI accepts.
// Exposed so per-session overrides get the same check as the config file.
func ValidPermissionMode(mode string) bool {
	return permissionModes[mode]
}

var settingSources = map[string]bool{
	"user":    true,
	"project": true,
	"local":   true,
}

// Validate checks cross-field constraints. Called by Load; exported so
// tests and the config subcommand can check files directly.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir cannot be empty")
	}
	if !filepath.IsAbs(c.BaseDir) {
		return fmt.Errorf("base_dir must be absolute, got %q", c.BaseDir)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	switch c.Storage.Backend {
	case "memory", "sqlite", "postgresql":
	default:
		return fmt.Errorf("unknown storage backend %q (want memory, sqlite or postgresql)", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path required for sqlite backend")
	}
	if c.Storage.TTL.Duration < 0 {
		return fmt.Errorf("storage.ttl cannot be negative")
	}
	if c.Limits.MaxSessions < 1 {
		return fmt.Errorf("limits.max_sessions must be positive")
	}
	if c.Limits.MaxSessionsPerUser < 1 {
		return fmt.Errorf("limits.max_sessions_per_user must be positive")
	}
	if c.Limits.MaxConcurrentRequests < 1 {
		return fmt.Errorf("limits.max_concurrent_requests must be positive")
	}
	if c.Limits.MemoryLimitMB < 0 {
		return fmt.Errorf("limits.memory_limit_mb cannot be negative")
	}
	if !ValidPermissionMode(c.Agent.PermissionMode) {
		return fmt.Errorf("unknown permission_mode %q", c.Agent.PermissionMode)
	}
	for _, s := range c.Agent.SettingSources {
		if !settingSources[s] {
			return fmt.Errorf("unknown setting source %q (want user, project or local)", s)
		}
	}
	for name, srv := range c.Agent.MCPServers {
		if err := srv.validate(name); err != nil {
			return err
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
