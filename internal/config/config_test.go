package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Storage.TTL.Duration != time.Hour {
		t.Errorf("ttl = %v, want 1h", cfg.Storage.TTL.Duration)
	}
	if cfg.Limits.MaxSessions != 100 {
		t.Errorf("max_sessions = %d, want 100", cfg.Limits.MaxSessions)
	}
	if cfg.Agent.PermissionMode != "bypassPermissions" {
		t.Errorf("permission_mode = %q", cfg.Agent.PermissionMode)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
base_dir: /data/claude-users
api:
  port: 9000
storage:
  backend: sqlite
  ttl: 30m
  sqlite_path: /tmp/sessions.db
limits:
  max_sessions: 5
  idle_session_timeout: 600
agent:
  model: claude-sonnet-4-5
  allowed_tools: [Read, Grep]
  mcp_servers:
    search:
      type: sse
      url: http://localhost:3001/sse
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDir != "/data/claude-users" {
		t.Errorf("base_dir = %q", cfg.BaseDir)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("port = %d", cfg.API.Port)
	}
	if cfg.Storage.TTL.Duration != 30*time.Minute {
		t.Errorf("ttl = %v", cfg.Storage.TTL.Duration)
	}
	if cfg.Limits.IdleSessionTimeout.Duration != 10*time.Minute {
		t.Errorf("idle timeout = %v, want 10m from bare seconds", cfg.Limits.IdleSessionTimeout.Duration)
	}
	if cfg.Limits.MaxSessions != 5 {
		t.Errorf("max_sessions = %d", cfg.Limits.MaxSessions)
	}
	if len(cfg.Agent.AllowedTools) != 2 {
		t.Errorf("allowed_tools = %v", cfg.Agent.AllowedTools)
	}
	srv, ok := cfg.Agent.MCPServers["search"]
	if !ok || srv.Type != "sse" || srv.URL != "http://localhost:3001/sse" {
		t.Errorf("mcp server = %+v", srv)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Limits.MaxConcurrentRequests != 50 {
		t.Errorf("max_concurrent_requests = %d", cfg.Limits.MaxConcurrentRequests)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "base_dir: /from-file\n")
	t.Setenv("CLAUDE_AGENT_USER_BASE_DIR", "/from-env")
	t.Setenv("CLAUDE_AGENT_SESSION_STORAGE", "sqlite")
	t.Setenv("CLAUDE_AGENT_SESSION_TTL", "120")
	t.Setenv("CLAUDE_AGENT_SESSION_SQLITE_PATH", "/tmp/env.db")
	t.Setenv("CLAUDE_AGENT_MAX_SESSIONS", "3")
	t.Setenv("CLAUDE_AGENT_API_PORT", "8100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDir != "/from-env" {
		t.Errorf("base_dir = %q, env must beat file", cfg.BaseDir)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.SQLitePath != "/tmp/env.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.TTL.Duration != 2*time.Minute {
		t.Errorf("ttl = %v", cfg.Storage.TTL.Duration)
	}
	if cfg.Limits.MaxSessions != 3 {
		t.Errorf("max_sessions = %d", cfg.Limits.MaxSessions)
	}
	if cfg.API.Port != 8100 {
		t.Errorf("port = %d", cfg.API.Port)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"relative base_dir":  func(c *Config) { c.BaseDir = "relative/path" },
		"bad backend":        func(c *Config) { c.Storage.Backend = "redis" },
		"bad port":           func(c *Config) { c.API.Port = 0 },
		"zero max_sessions":  func(c *Config) { c.Limits.MaxSessions = 0 },
		"bad permission":     func(c *Config) { c.Agent.PermissionMode = "yolo" },
		"bad setting source": func(c *Config) { c.Agent.SettingSources = []string{"global"} },
		"bad log level":      func(c *Config) { c.Log.Level = "verbose" },
		"stdio without command": func(c *Config) {
			c.Agent.MCPServers = map[string]MCPServer{"x": {Type: "stdio"}}
		},
		"sse without url": func(c *Config) {
			c.Agent.MCPServers = map[string]MCPServer{"x": {Type: "sse"}}
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", name)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "agent", User: "svc", Password: "s3cret", SSLMode: "require"}
	dsn := p.DSN()
	want := "host=db port=5432 dbname=agent user=svc password=s3cret sslmode=require"
	if dsn != want {
		t.Errorf("DSN = %q, want %q", dsn, want)
	}
}

func TestDurationFromString(t *testing.T) {
	var d Duration
	if err := d.UnmarshalYAML([]byte(`"1h30m"`)); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Minute {
		t.Errorf("got %v", d.Duration)
	}
	if err := d.UnmarshalYAML([]byte("45")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 45*time.Second {
		t.Errorf("got %v", d.Duration)
	}
	if err := d.UnmarshalYAML([]byte("bogus")); err == nil {
		t.Error("want error for bogus duration")
	}
}
