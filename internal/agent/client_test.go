package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lflish/claude-agent-http/internal/config"
)

func TestDecodeLineAssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}}`)
	events, result := decodeLine(line)
	if result != nil {
		t.Fatal("unexpected turn result")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	td, ok := events[0].(TextDelta)
	if !ok || td.Text != "hello " {
		t.Errorf("events[0] = %#v", events[0])
	}
}

func TestDecodeLineToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`)
	events, _ := decodeLine(line)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	tu, ok := events[0].(ToolUse)
	if !ok || tu.Name != "Bash" || tu.ID != "tu_1" {
		t.Errorf("event = %#v", events[0])
	}
	var input map[string]string
	if err := json.Unmarshal(tu.Input, &input); err != nil || input["command"] != "ls" {
		t.Errorf("input = %s", tu.Input)
	}
}

func TestDecodeLineToolResult(t *testing.T) {
	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"file.txt"}]}}`)
	events, _ := decodeLine(line)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	tr, ok := events[0].(ToolResult)
	if !ok || tr.ToolUseID != "tu_1" || tr.Output != "file.txt" {
		t.Errorf("event = %#v", events[0])
	}
}

func TestDecodeLineToolResultBlocks(t *testing.T) {
	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_2","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`)
	events, _ := decodeLine(line)
	tr := events[0].(ToolResult)
	if tr.Output != "a\nb" {
		t.Errorf("output = %q", tr.Output)
	}
}

func TestDecodeLineUserPromptEcho(t *testing.T) {
	// String content is the echoed prompt, not a tool result.
	line := []byte(`{"type":"user","message":{"content":"hi"}}`)
	events, result := decodeLine(line)
	if len(events) != 0 || result != nil {
		t.Errorf("got (%v, %v), want nothing", events, result)
	}
}

func TestDecodeLineResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","session_id":"native-1","is_error":false,"result":"done","total_cost_usd":0.02}`)
	events, result := decodeLine(line)
	if len(events) != 0 {
		t.Errorf("events = %v", events)
	}
	if result == nil || result.SessionID != "native-1" || result.TotalCostUSD != 0.02 {
		t.Errorf("result = %+v", result)
	}
}

func TestDecodeLineGarbage(t *testing.T) {
	for _, line := range []string{"not json", `{"type":"system","subtype":"init"}`, ""} {
		events, result := decodeLine([]byte(line))
		if len(events) != 0 || result != nil {
			t.Errorf("decodeLine(%q) = (%v, %v)", line, events, result)
		}
	}
}

func TestReadLoopUnblocksOnClose(t *testing.T) {
	c := &Client{
		lines: make(chan []byte, 2),
		quit:  make(chan struct{}),
	}

	// Far more output than the channel buffers, and nobody draining it:
	// the reader must still exit once quit fires.
	var input strings.Builder
	for i := 0; i < 200; i++ {
		input.WriteString(`{"type":"system","subtype":"noise"}` + "\n")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(strings.NewReader(input.String()))
	}()

	close(c.quit)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still blocked after quit")
	}
	// lines is closed on exit so a pending turn sees the stream end.
	for range c.lines {
	}
}

func TestResultErrorMapping(t *testing.T) {
	c := &Client{opts: Options{MaxBudgetUSD: 1.0}}

	if e := c.resultError(&turnResult{Subtype: "error_max_turns"}); e == nil || e.Kind != ErrKindTurnLimit {
		t.Errorf("max turns -> %+v", e)
	}
	if e := c.resultError(&turnResult{TotalCostUSD: 2.5}); e == nil || e.Kind != ErrKindBudget {
		t.Errorf("over budget -> %+v", e)
	}
	if e := c.resultError(&turnResult{IsError: true, Result: "boom"}); e == nil || e.Kind != ErrKindInternal || e.Detail != "boom" {
		t.Errorf("is_error -> %+v", e)
	}
	if e := c.resultError(&turnResult{Subtype: "success", TotalCostUSD: 0.5}); e != nil {
		t.Errorf("clean turn -> %+v", e)
	}
}

func TestOptionsArgs(t *testing.T) {
	opts := Options{
		Cwd:            "/data/users/alice",
		SystemPrompt:   "You are helpful.",
		PermissionMode: "bypassPermissions",
		AllowedTools:   []string{"Read", "Bash"},
		AddDirs:        []string{"/data/users/alice/shared"},
		Model:          "claude-sonnet-4-5",
		MaxTurns:       10,
		SettingSources: []string{"user", "project"},
		ResumeToken:    "native-9",
	}
	args := strings.Join(opts.Args(), " ")

	for _, want := range []string{
		"--print",
		"--input-format stream-json",
		"--output-format stream-json",
		"--model claude-sonnet-4-5",
		"--permission-mode bypassPermissions",
		"--allowedTools Read",
		"--allowedTools Bash",
		"--system-prompt You are helpful.",
		"--add-dir /data/users/alice/shared",
		"--max-turns 10",
		"--setting-sources user,project",
		"--resume native-9",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
}

func TestOptionsArgsOmitsEmpty(t *testing.T) {
	args := strings.Join(Options{Cwd: "/tmp"}.Args(), " ")
	for _, banned := range []string{"--model", "--resume", "--max-turns", "--mcp-config", "--system-prompt"} {
		if strings.Contains(args, banned) {
			t.Errorf("args should not contain %s: %s", banned, args)
		}
	}
}

func TestOptionsArgsMCPConfig(t *testing.T) {
	opts := Options{
		MCPServers: map[string]config.MCPServer{
			"search": {Type: "sse", URL: "http://localhost:3001/sse"},
		},
	}
	args := opts.Args()
	var cfg string
	for i, a := range args {
		if a == "--mcp-config" && i+1 < len(args) {
			cfg = args[i+1]
		}
	}
	if cfg == "" {
		t.Fatal("--mcp-config missing")
	}
	var parsed struct {
		MCPServers map[string]config.MCPServer `json:"mcpServers"`
	}
	if err := json.Unmarshal([]byte(cfg), &parsed); err != nil {
		t.Fatalf("mcp-config not valid JSON: %v", err)
	}
	if parsed.MCPServers["search"].URL != "http://localhost:3001/sse" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	opts := Options{
		Cwd:          "/data/users/alice",
		Model:        "claude-sonnet-4-5",
		AllowedTools: []string{"Read"},
		MaxTurns:     3,
	}
	raw, err := opts.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalOptions(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cwd != opts.Cwd || got.Model != opts.Model || got.MaxTurns != 3 || len(got.AllowedTools) != 1 {
		t.Errorf("got %+v", got)
	}
}
