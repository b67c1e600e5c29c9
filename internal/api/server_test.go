package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/monitor"
)

// agentStub stands in for the browser agent's write side and records every
// task frame the server sends.
type agentStub struct {
	mu     sync.Mutex
	frames []string
}

func (a *agentStub) WriteMessage(_ int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = append(a.frames, string(data))
	return nil
}

func (a *agentStub) Close() error { return nil }

// waitForTask blocks until the server dispatches a task and returns its
// request_id.
func (a *agentStub) waitForTask(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		for _, f := range a.frames {
			if id := gjson.Get(f, "request_id").String(); id != "" {
				a.mu.Unlock()
				return id
			}
		}
		a.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never dispatched a task to the agent")
	return ""
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		SessionID: "test-session",
		MessageID: "test-message",
	}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	tables := config.NewModelTables()
	tables.SetModels(map[string]config.ModelInfo{
		"test-model": {ID: "model-id-1", Type: "text"},
	})

	mon, err := monitor.NewService(filepath.Join(t.TempDir(), "stats.db"), nil)
	require.NoError(t, err)
	t.Cleanup(mon.Close)

	return NewServer(config.NewStore(cfg), tables, mon)
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	assert.Equal(t, "test-model", gjson.Get(body, "data.0.id").String())
}

func TestListModels_EmptyTables(t *testing.T) {
	s := newTestServer(t, nil)
	s.tables.SetModels(map[string]config.ModelInfo{})
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.APIKey = "secret" })
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatCompletions_NoAgent(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletions_InvalidSession(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.SessionID = "YOUR_SESSION_ID"
	})
	s.channel.Attach(&agentStub{})
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletions_StreamingRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	agent := &agentStub{}
	s.channel.Attach(agent)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	type result struct {
		chunks []string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"test-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()

		var chunks []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				chunks = append(chunks, strings.TrimPrefix(line, "data: "))
			}
		}
		done <- result{chunks: chunks}
	}()

	requestID := agent.waitForTask(t)

	// verify the dispatched task payload
	agent.mu.Lock()
	task := agent.frames[0]
	agent.mu.Unlock()
	assert.Equal(t, "model-id-1", gjson.Get(task, "payload.target_model_id").String())
	assert.Equal(t, "test-session", gjson.Get(task, "payload.session_id").String())
	assert.False(t, gjson.Get(task, "payload.is_image_request").Bool())

	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameData, Raw: `a0:"Hello"`})
	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameData, Raw: `a0:" world"ad:{"finishReason":"stop"}`})
	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameDone})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.GreaterOrEqual(t, len(res.chunks), 4)
		assert.Equal(t, "Hello", gjson.Get(res.chunks[0], "choices.0.delta.content").String())
		assert.Equal(t, " world", gjson.Get(res.chunks[1], "choices.0.delta.content").String())
		assert.Equal(t, "stop", gjson.Get(res.chunks[2], "choices.0.finish_reason").String())
		assert.Equal(t, "[DONE]", res.chunks[len(res.chunks)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("streaming response never completed")
	}

	assert.Equal(t, 0, s.registry.Len())
}

func TestChatCompletions_StreamingInterstitial(t *testing.T) {
	s := newTestServer(t, nil)
	agent := &agentStub{}
	s.channel.Attach(agent)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	done := make(chan []string, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"test-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()

		var chunks []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				chunks = append(chunks, strings.TrimPrefix(line, "data: "))
			}
		}
		done <- chunks
	}()

	requestID := agent.waitForTask(t)
	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameData,
		Raw: `<html><title>Just a moment...</title></html>`})

	select {
	case chunks := <-done:
		require.GreaterOrEqual(t, len(chunks), 4)
		assert.Equal(t, "[DONE]", chunks[len(chunks)-1])

		errObj := chunks[len(chunks)-2]
		assert.NotEmpty(t, gjson.Get(errObj, "error.message").String())
		assert.Equal(t, "upstream_error", gjson.Get(errObj, "error.type").String())

		finish := chunks[len(chunks)-3]
		assert.Equal(t, "content_filter", gjson.Get(finish, "choices.0.finish_reason").String())
	case <-time.After(5 * time.Second):
		t.Fatal("streaming response never completed")
	}

	assert.Equal(t, 0, s.registry.Len())
}

func TestChatCompletions_UnaryRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	agent := &agentStub{}
	s.channel.Attach(agent)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	done := make(chan string, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			done <- ""
			return
		}
		defer resp.Body.Close()
		done <- readAll(t, resp)
	}()

	requestID := agent.waitForTask(t)
	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameData, Raw: `a0:"The answer is 4."ad:{"finishReason":"stop"}`})
	s.registry.Push(requestID, bridge.Frame{Kind: bridge.FrameDone})

	select {
	case body := <-done:
		require.NotEmpty(t, body)
		assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
		assert.Equal(t, "The answer is 4.", gjson.Get(body, "choices.0.message.content").String())
		assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	case <-time.After(5 * time.Second):
		t.Fatal("unary response never completed")
	}
}

func TestImageGenerations_RequiresPrompt(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/images/generations", "application/json",
		strings.NewReader(`{"model":"test-model"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryPolicy(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.EmptyResponseRetry.Enabled = true
		c.EmptyResponseRetry.MaxRetries = 7
	})
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/internal/retry_policy")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	assert.True(t, gjson.Get(body, "enabled").Bool())
	assert.Equal(t, int64(7), gjson.Get(body, "max_retries").Int())
}

func TestInternalCommands_NoAgent(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	for _, path := range []string{"/internal/request_model_update", "/internal/start_id_capture"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestInternalCommands_SentToAgent(t *testing.T) {
	s := newTestServer(t, nil)
	agent := &agentStub{}
	s.channel.Attach(agent)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/internal/start_id_capture", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.NotEmpty(t, agent.frames)
	assert.Equal(t, "activate_id_capture", gjson.Get(agent.frames[len(agent.frames)-1], "command").String())
}

func TestMonitorStats(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/monitor/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	assert.False(t, gjson.Get(body, "agent_connected").Bool())
	assert.True(t, gjson.Get(body, "stats").Exists())
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/models", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
	}
	return sb.String()
}
