package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lflish/claude-agent-http/internal/config"
)

// Options parameterizes one agent subprocess. The zero value of each field
// means "flag omitted". Options round-trip through JSON so a resumed
// session is rebuilt identically.
type Options struct {
	Cwd             string                      `json:"cwd"`
	SystemPrompt    string                      `json:"system_prompt,omitempty"`
	PermissionMode  string                      `json:"permission_mode,omitempty"`
	AllowedTools    []string                    `json:"allowed_tools,omitempty"`
	DisallowedTools []string                    `json:"disallowed_tools,omitempty"`
	AddDirs         []string                    `json:"add_dirs,omitempty"`
	Model           string                      `json:"model,omitempty"`
	MaxTurns        int                         `json:"max_turns,omitempty"`
	MaxBudgetUSD    float64                     `json:"max_budget_usd,omitempty"`
	MCPServers      map[string]config.MCPServer `json:"mcp_servers,omitempty"`
	SettingSources  []string                    `json:"setting_sources,omitempty"`
	Plugins         []string                    `json:"plugins,omitempty"`

	// ResumeToken is the agent's native session id from a prior run.
	// Not serialized with the option set; the store carries it separately.
	ResumeToken string `json:"-"`
}

// OptionsFromConfig builds the default option set for a new session.
func OptionsFromConfig(cfg config.AgentConfig, cwd string) Options {
	return Options{
		Cwd:             cwd,
		SystemPrompt:    cfg.SystemPrompt,
		PermissionMode:  cfg.PermissionMode,
		AllowedTools:    cfg.AllowedTools,
		DisallowedTools: cfg.DisallowedTools,
		Model:           cfg.Model,
		MaxTurns:        cfg.MaxTurns,
		MaxBudgetUSD:    cfg.MaxBudgetUSD,
		MCPServers:      cfg.MCPServers,
		SettingSources:  cfg.SettingSources,
		Plugins:         cfg.Plugins,
	}
}

// Marshal serializes the option set for the metadata store.
func (o Options) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode agent options: %w", err)
	}
	return b, nil
}

// UnmarshalOptions restores an option set saved by Marshal.
func UnmarshalOptions(raw json.RawMessage) (Options, error) {
	var o Options
	if err := json.Unmarshal(raw, &o); err != nil {
		return Options{}, fmt.Errorf("decode agent options: %w", err)
	}
	return o, nil
}

// Args renders the CLI argument list. The subprocess stays alive across
// turns, reading stream-json prompts on stdin.
func (o Options) Args() []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	for _, tool := range o.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range o.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	for _, dir := range o.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if len(o.MCPServers) > 0 {
		if cfg, err := json.Marshal(map[string]any{"mcpServers": o.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}
	if len(o.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(o.SettingSources, ","))
	}
	for _, p := range o.Plugins {
		args = append(args, "--plugin", p)
	}
	if o.ResumeToken != "" {
		args = append(args, "--resume", o.ResumeToken)
	}
	return args
}
