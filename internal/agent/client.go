// Package agent wraps one long-lived Claude Code CLI subprocess per live
// session. Prompts go in as stream-json user messages on stdin; NDJSON
// events come back on stdout. The result event closes each turn and
// carries the native session id used for --resume.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lflish/claude-agent-http/internal/errdefs"
)

// closeGrace is how long Close waits after shutting stdin before killing
// the process group.
const closeGrace = 5 * time.Second

// Client is the live conduit to one agent subprocess.
type Client struct {
	logger *slog.Logger
	opts   Options

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// lines carries stdout NDJSON lines from the reader goroutine; closed
	// on EOF or when quit fires.
	lines    chan []byte
	procDone chan struct{}

	// quit unblocks the stdout reader if Close runs while lines is full
	// and nobody is draining it anymore.
	quit chan struct{}

	lastUsed atomic.Int64 // unix nanos

	mu          sync.Mutex
	closed      bool
	broken      bool
	resumeToken string
}

// Spawn starts the subprocess in opts.Cwd and begins reading its output.
func Spawn(cliPath string, opts Options, logger *slog.Logger) (*Client, error) {
	cmd := exec.Command(cliPath, opts.Args()...)
	cmd.Dir = opts.Cwd
	// Own process group so Close can take descendants down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Drop CLAUDECODE so the CLI does not refuse to nest; everything else
	// (ANTHROPIC_* included) passes through.
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	c := &Client{
		logger:      logger,
		opts:        opts,
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan []byte, 64),
		procDone:    make(chan struct{}),
		quit:        make(chan struct{}),
		resumeToken: opts.ResumeToken,
	}
	c.lastUsed.Store(time.Now().UnixNano())

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Debug("agent stderr", "line", scanner.Text())
		}
	}()

	go c.readLoop(stdout)

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Debug("agent process exited", "error", err)
		}
		close(c.procDone)
	}()

	return c, nil
}

// readLoop forwards stdout lines into c.lines until EOF. A turn that is
// abandoned mid-stream leaves nobody receiving, so every send also
// watches quit; c.lines is closed on either exit so a pending readTurn
// observes the end of the stream.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case c.lines <- line:
		case <-c.quit:
			close(c.lines)
			return
		}
	}
	close(c.lines)
}

// Ask sends one prompt and returns the event stream for the turn. The
// returned channel always terminates with Done and MUST be drained fully;
// abandoning it mid-turn leaves the subprocess talking to nobody.
func (c *Client) Ask(ctx context.Context, prompt string) (<-chan Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errdefs.ErrSessionClosed
	}
	if c.broken {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent process is broken: %w", errdefs.ErrSessionClosed)
	}
	c.mu.Unlock()

	c.lastUsed.Store(time.Now().UnixNano())

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": prompt},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		c.markBroken()
		return nil, fmt.Errorf("write prompt: %w", err)
	}

	out := make(chan Event, 64)
	go c.readTurn(ctx, out)
	return out, nil
}

// readTurn consumes stdout lines until the result event, forwarding
// translated events and the consolidated assistant message.
func (c *Client) readTurn(ctx context.Context, out chan<- Event) {
	defer close(out)

	var (
		textParts []string
		toolCalls []ToolCall
		callIndex = map[string]int{} // tool_use id -> toolCalls index
	)

	finish := func(errEvent *Error) {
		if errEvent != nil {
			out <- *errEvent
		}
		out <- Assistant{Text: strings.Join(textParts, ""), ToolCalls: toolCalls}
		out <- Done{}
		c.lastUsed.Store(time.Now().UnixNano())
	}

	for {
		select {
		case <-ctx.Done():
			c.markBroken()
			finish(&Error{Kind: ErrKindInternal, Detail: "turn aborted: " + ctx.Err().Error()})
			return
		case line, ok := <-c.lines:
			if !ok {
				c.markBroken()
				finish(&Error{Kind: ErrKindInternal, Detail: "agent process exited unexpectedly"})
				return
			}
			events, result := decodeLine(line)
			for _, ev := range events {
				switch e := ev.(type) {
				case TextDelta:
					textParts = append(textParts, e.Text)
				case ToolUse:
					callIndex[e.ID] = len(toolCalls)
					toolCalls = append(toolCalls, ToolCall{Name: e.Name, Input: e.Input})
				case ToolResult:
					if i, ok := callIndex[e.ToolUseID]; ok {
						output := e.Output
						toolCalls[i].Output = &output
						ev = ToolResult{
							ToolUseID: e.ToolUseID,
							Name:      toolCalls[i].Name,
							Output:    e.Output,
							IsError:   e.IsError,
						}
					}
				}
				out <- ev
			}
			if result != nil {
				if result.SessionID != "" {
					c.mu.Lock()
					c.resumeToken = result.SessionID
					c.mu.Unlock()
				}
				finish(c.resultError(result))
				return
			}
		}
	}
}

// resultError maps a terminal result event to an in-stream error, or nil
// for a clean turn.
func (c *Client) resultError(r *turnResult) *Error {
	switch {
	case r.Subtype == "error_max_turns":
		return &Error{Kind: ErrKindTurnLimit, Detail: "per-session turn limit reached"}
	case c.opts.MaxBudgetUSD > 0 && r.TotalCostUSD > c.opts.MaxBudgetUSD:
		return &Error{
			Kind:   ErrKindBudget,
			Detail: fmt.Sprintf("cost %.4f USD exceeds budget %.4f USD", r.TotalCostUSD, c.opts.MaxBudgetUSD),
		}
	case r.IsError:
		detail := r.Result
		if detail == "" {
			detail = "agent reported an error"
		}
		return &Error{Kind: ErrKindInternal, Detail: detail}
	}
	return nil
}

// turnResult is the parsed terminal event of one turn.
type turnResult struct {
	SessionID    string
	Subtype      string
	IsError      bool
	Result       string
	TotalCostUSD float64
}

// decodeLine parses one NDJSON line into zero or more events. A non-nil
// turnResult marks the end of the turn. Unknown event types and unparsable
// lines are skipped.
func decodeLine(line []byte) ([]Event, *turnResult) {
	var event struct {
		Type         string          `json:"type"`
		Subtype      string          `json:"subtype"`
		SessionID    string          `json:"session_id"`
		IsError      bool            `json:"is_error"`
		Result       string          `json:"result"`
		TotalCostUSD float64         `json:"total_cost_usd"`
		Message      json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "result":
		return nil, &turnResult{
			SessionID:    event.SessionID,
			Subtype:      event.Subtype,
			IsError:      event.IsError,
			Result:       event.Result,
			TotalCostUSD: event.TotalCostUSD,
		}

	case "assistant":
		var msg struct {
			Content []struct {
				Type  string          `json:"type"`
				ID    string          `json:"id"`
				Text  string          `json:"text"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content"`
		}
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return nil, nil
		}
		var events []Event
		for _, c := range msg.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					events = append(events, TextDelta{Text: c.Text})
				}
			case "tool_use":
				events = append(events, ToolUse{ID: c.ID, Name: c.Name, Input: c.Input})
			}
		}
		return events, nil

	case "user":
		// Tool results come back wrapped in user events.
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return nil, nil
		}
		var blocks []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		}
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			// String content is the echoed prompt.
			return nil, nil
		}
		var events []Event
		for _, b := range blocks {
			if b.Type != "tool_result" {
				continue
			}
			events = append(events, ToolResult{
				ToolUseID: b.ToolUseID,
				Output:    extractToolResultText(b.Content),
				IsError:   b.IsError,
			})
		}
		return events, nil
	}
	return nil, nil
}

// extractToolResultText flattens a tool_result content field, which may be
// a string or an array of content blocks.
func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// LastUsed is the time of the most recent turn activity.
func (c *Client) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// ResumeToken returns the latest native session id seen from the agent.
func (c *Client) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// Broken reports whether the conduit can no longer serve turns.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *Client) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// PID exposes the subprocess pid for memory accounting.
func (c *Client) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Close shuts the subprocess down: stdin close first, then after the grace
// window a kill of the whole process group. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	_ = c.stdin.Close()

	select {
	case <-c.procDone:
		return nil
	case <-time.After(closeGrace):
	}

	if c.cmd.Process != nil {
		// Negative pid targets the process group set at spawn.
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
	}
	<-c.procDone
	return nil
}
