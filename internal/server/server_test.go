package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmapper/claudebridge/internal/bridge"
	"github.com/mindmapper/claudebridge/internal/config"
	"github.com/mindmapper/claudebridge/internal/events"
	"github.com/mindmapper/claudebridge/internal/testutil"
)

const fakeClaudeScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "9.9.9 (Claude Code)"
  exit 0
fi
echo '{"type":"result","ok":true}'
exit 0
`

const sleepyClaudeScript = `#!/bin/sh
exec sleep 30
`

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, rec.Body.String())
}

func TestDetect(t *testing.T) {
	srv, cfg := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)

	rec := doJSON(t, srv, http.MethodGet, "/v1/detect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, true, got["installed"])
	assert.Equal(t, "9.9.9 (Claude Code)", got["version"])
	assert.Equal(t, cfg.Binary, got["path"])
	assert.NotContains(t, got, "error")
}

func TestSpawnValidation(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "malformed body", body: `{"prompt":`, wantStatus: http.StatusBadRequest, wantError: "invalid request body"},
		{name: "missing prompt", body: `{"outputDir":"/tmp"}`, wantStatus: http.StatusBadRequest, wantError: "prompt is required"},
		{name: "missing output dir", body: `{"prompt":"hi"}`, wantStatus: http.StatusBadRequest, wantError: "output directory is required"},
		{name: "output dir does not exist", body: `{"prompt":"hi","outputDir":"/definitely/not/here"}`, wantStatus: http.StatusInternalServerError, wantError: "spawn failed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/spawn", tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tc.wantError)
		})
	}
}

func TestSpawnRejectPolicyReturnsConflictAndCancelStops(t *testing.T) {
	srv, _ := newTestServer(t, sleepyClaudeScript, config.SpawnPolicyReject)
	outputDir := t.TempDir()
	body := `{"prompt":"hi","outputDir":"` + outputDir + `"}`

	rec := doJSON(t, srv, http.MethodPost, "/v1/spawn", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var spawned struct {
		SessionID string `json:"sessionId"`
		PID       int    `json:"pid"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))
	assert.Equal(t, "started", spawned.Status)
	assert.Positive(t, spawned.PID)

	rec = doJSON(t, srv, http.MethodPost, "/v1/spawn", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "already active")

	rec = doJSON(t, srv, http.MethodPost, "/v1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true,"pid":`+strconv.Itoa(spawned.PID)+`}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/v1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":false,"reason":"no active process"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv, http.MethodGet, "/v1/sessions/"+spawned.SessionID, "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"cancelled"`) &&
			strings.Contains(rec.Body.String(), `"exitCode"`)
	}, 10*time.Second, 20*time.Millisecond)

	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), spawned.SessionID)

	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions/session_0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecretsRoutes(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)

	rec := doJSON(t, srv, http.MethodGet, "/v1/secrets/anthropic", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":null,"provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPut, "/v1/secrets/anthropic", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPut, "/v1/secrets/anthropic", `{"value":"sk-ant-123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"saved":true,"provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/v1/secrets/anthropic", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"sk-ant-123","provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/v1/secrets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"providers":["anthropic"]}`, rec.Body.String())
}

func TestDefaultProviderSecretRoutes(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)

	rec := doJSON(t, srv, http.MethodGet, "/v1/secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":null,"provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPut, "/v1/secret", `{"value":"sk-default"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"saved":true,"provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/v1/secrets/anthropic", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"sk-default","provider":"apiKey_anthropic"}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/v1/secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"sk-default","provider":"apiKey_anthropic"}`, rec.Body.String())
}

func TestForeignOriginIsRefused(t *testing.T) {
	srv, _ := newTestServer(t, sleepyClaudeScript, config.SpawnPolicyReplace)

	rec := doJSON(t, srv, http.MethodPut, "/v1/secret", `{"value":"sk-secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "read secret", method: http.MethodGet, path: "/v1/secrets/anthropic"},
		{name: "read default secret", method: http.MethodGet, path: "/v1/secret"},
		{name: "spawn", method: http.MethodPost, path: "/v1/spawn", body: `{"prompt":"hi","outputDir":"` + t.TempDir() + `"}`},
		{name: "preflight", method: http.MethodOptions, path: "/v1/spawn"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSONFrom(t, srv, "https://evil.example", tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.NotContains(t, rec.Body.String(), "sk-secret")
		})
	}
	assert.Empty(t, srv.app.Sessions())
}

func TestAllowedOriginsReceiveCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace, WithAllowedOrigins("tauri://localhost"))

	for _, origin := range []string{"http://localhost:5173", "http://127.0.0.1:7842", "http://[::1]:3000", "tauri://localhost"} {
		t.Run(origin, func(t *testing.T) {
			rec := doJSONFrom(t, srv, origin, http.MethodGet, "/v1/secret", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestEventsWebSocketRefusesForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, srv.relay.ClientCount())

	conn, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{ts.URL}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestEventsWebSocketRelaysSessionStream(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialEvents(t, ts.URL)
	require.Eventually(t, func() bool { return srv.relay.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	body := `{"prompt":"hi","outputDir":"` + t.TempDir() + `"}`
	resp, err := http.Post(ts.URL+"/v1/spawn", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var frames []map[string]any
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frame := map[string]any{}
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
		if frame["event"] == events.EventTypeComplete {
			break
		}
	}

	require.Len(t, frames, 3)
	assert.Equal(t, events.EventTypeStarted, frames[0]["event"])
	assert.Equal(t, events.EventTypeProgress, frames[1]["event"])
	assert.Equal(t, map[string]any{
		"sessionId": frames[0]["sessionId"],
		"type":      "json",
		"data":      map[string]any{"type": "result", "ok": true},
	}, frames[1]["payload"])
	complete := frames[2]["payload"].(map[string]any)
	assert.Equal(t, float64(0), complete["exitCode"])
	assert.Equal(t, true, complete["success"])
}

func TestShutdownClosesWebSocketClients(t *testing.T) {
	srv, _ := newTestServer(t, fakeClaudeScript, config.SpawnPolicyReplace)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialEvents(t, ts.URL)
	require.Eventually(t, func() bool { return srv.relay.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	srv.Close()
	assert.Equal(t, 0, srv.relay.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure), err.Error())

	// The bus keeps working with no relay attached.
	srv.app.Bus().Publish(events.Event{Type: events.EventTypeStarted})
}

func TestNewRequiresApp(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func newTestServer(t *testing.T, script, policy string, opts ...Option) (*Server, *config.Config) {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults(home)
	cfg.ConcurrentSpawn = policy
	cfg.Binary = testutil.WriteScript(t, "claude", script)

	app, err := bridge.New(bridge.Options{Config: &cfg})
	require.NoError(t, err)
	srv, err := New(app, nil, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close()
		_ = app.Close(ctx)
	})
	return srv, &cfg
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func doJSONFrom(t *testing.T, srv *Server, origin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Origin", origin)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body["error"]
}

func dialEvents(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
