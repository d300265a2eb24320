package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lflish/claude-agent-http/internal/agent"
	"github.com/lflish/claude-agent-http/internal/config"
	"github.com/lflish/claude-agent-http/internal/session"
	"github.com/lflish/claude-agent-http/internal/store"
)

type scriptedClient struct{}

func (c *scriptedClient) Ask(ctx context.Context, prompt string) (<-chan agent.Event, error) {
	ch := make(chan agent.Event, 8)
	go func() {
		defer close(ch)
		ch <- agent.TextDelta{Text: "echo: " + prompt}
		ch <- agent.Assistant{Text: "echo: " + prompt}
		ch <- agent.Done{}
	}()
	return ch, nil
}

func (c *scriptedClient) Close() error        { return nil }
func (c *scriptedClient) LastUsed() time.Time { return time.Now() }
func (c *scriptedClient) ResumeToken() string { return "native-1" }
func (c *scriptedClient) Broken() bool        { return false }

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Limits.MemoryLimitMB = 0
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMemory()
	spawn := func(opts agent.Options) (session.Client, error) {
		return &scriptedClient{}, nil
	}
	manager := session.NewManager(cfg, st, spawn, nil)
	return NewServer(cfg, manager, st, nil, "test")
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return v
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	w := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[sessionInfo](t, w)
	if created.Status != "active" || created.MessageCount != 0 {
		t.Errorf("created = %+v", created)
	}
	if !strings.HasSuffix(created.Cwd, "/alice") {
		t.Errorf("cwd = %q", created.Cwd)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/chat", map[string]string{
		"session_id": created.SessionID, "message": "hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	chat := decode[session.ChatResponse](t, w)
	if chat.Text == "" {
		t.Error("empty chat text")
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	got := decode[sessionInfo](t, w)
	if got.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", got.MessageCount)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", w.Code)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/sessions",
		map[string]string{"user_id": "bob", "subdir": "../etc"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if !strings.Contains(body["detail"], "path") {
		t.Errorf("detail = %q, should mention path", body["detail"])
	}
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	cases := []map[string]any{
		{"session_id": "x"}, // missing message
		{"message": "hi"},   // missing session id
		{"session_id": "x", "message": "hi", "timeout": 999}, // over cap
		{"session_id": "x", "message": strings.Repeat("a", 100001)},
	}
	for i, body := range cases {
		if w := doJSON(t, h, http.MethodPost, "/api/v1/chat", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, w.Code)
		}
	}
}

func TestChatUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/chat",
		map[string]string{"session_id": "missing", "message": "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestQuotaMapsTo429(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Limits.MaxSessionsPerUser = 1 })
	h := srv.Router()
	if w := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "carol"}); w.Code != http.StatusOK {
		t.Fatalf("first create: %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "carol"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("second create: %d, want 429", w.Code)
	}
}

func TestChatStreamSSE(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	created := decode[sessionInfo](t, doJSON(t, h, http.MethodPost, "/api/v1/sessions",
		map[string]string{"user_id": "alice"}))

	w := doJSON(t, h, http.MethodPost, "/api/v1/chat/stream", map[string]string{
		"session_id": created.SessionID, "message": "hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	var types []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rec struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		types = append(types, rec.Type)
	}
	if len(types) < 2 || types[0] != "text_delta" || types[len(types)-1] != "done" {
		t.Errorf("frame types = %v", types)
	}
}

func TestChatStreamErrorBeforeHeaders(t *testing.T) {
	srv := newTestServer(t, nil)
	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/chat/stream",
		map[string]string{"session_id": "missing", "message": "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when nothing was streamed", w.Code)
	}
}

func TestChatWebSocket(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	created := decode[sessionInfo](t, doJSON(t, h, http.MethodPost, "/api/v1/sessions",
		map[string]string{"user_id": "alice"}))

	ts := httptest.NewServer(h)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"session_id": created.SessionID, "message": "hi",
	}); err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		var rec struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&rec); err != nil {
			break
		}
		types = append(types, rec.Type)
		if rec.Type == "done" {
			break
		}
	}
	if len(types) == 0 || types[len(types)-1] != "done" {
		t.Errorf("ws records = %v", types)
	}
}

func TestChatWSOriginRestricted(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.API.CORSOrigins = []string{"http://app.example"}
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("handshake succeeded from a foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://app.example"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()

	// Non-browser clients send no Origin header and stay accepted.
	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("originless dial rejected: %v", err)
	}
	conn.Close()
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	w := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	info := decode[healthInfo](t, w)
	if info.Status != "healthy" || info.StorageType != "memory" || info.Version != "test" {
		t.Errorf("info = %+v", info)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.API.APIKey = "secret" })
	h := srv.Router()

	// Protected route without the key.
	w := doJSON(t, h, http.MethodGet, "/api/v1/sessions", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d, want 401", w.Code)
	}

	// With the key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: %d", rec.Code)
	}

	// Health stays open.
	if w := doJSON(t, h, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
}

func TestMalformedJSON(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRootDescriptor(t *testing.T) {
	srv := newTestServer(t, nil)
	w := doJSON(t, srv.Router(), http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("root: %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["service"] != "claude-agent-http" {
		t.Errorf("body = %v", body)
	}
}
