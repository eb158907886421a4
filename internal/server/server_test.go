// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// =============================================================================
// FIXTURES
// =============================================================================

const testUser = "local-user"

func sseReply(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		data, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]any{"content": d}}},
		})
		sb.WriteString("data: " + string(data) + "\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

type cannedSender struct {
	mu     sync.Mutex
	reply  string
	err    error
	models []string
	model  string
}

func (c *cannedSender) SendMessages(ctx context.Context, req transport.SendRequest) (*transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = append(c.models, c.model)
	if c.err != nil {
		return nil, c.err
	}
	return transport.NewStream(ctx, io.NopCloser(strings.NewReader(c.reply))), nil
}

type staticTitles struct{}

func (staticTitles) Generate(ctx context.Context, msg model.Message) string { return "Greeting" }

type fixture struct {
	srv    *Server
	http   *httptest.Server
	store  store.Store
	sender *cannedSender
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sender := &cannedSender{reply: sseReply("Hel", "lo")}
	opts := Options{
		Store: st,
		Senders: func(id string) transport.Sender {
			sender.mu.Lock()
			sender.model = id
			sender.mu.Unlock()
			return sender
		},
		Titles:    staticTitles{},
		UserID:    testUser,
		Throttle:  time.Millisecond,
		Keepalive: time.Hour,
		Logger:    logging.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, store: st, sender: sender}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func chatBody(chatID, text string) map[string]any {
	return map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":      uuid.NewString(),
			"role":    "user",
			"content": text,
			"parts":   []any{map[string]any{"type": "text", "text": text}},
		},
		"selectedChatModel": model.ChatModelDefault,
	}
}

// readChunks parses an SSE body into chunks, stopping at [DONE].
func readChunks(t *testing.T, body io.Reader) ([]transport.Chunk, bool) {
	t.Helper()
	var chunks []transport.Chunk
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return chunks, true
		}
		var c transport.Chunk
		require.NoError(t, json.Unmarshal([]byte(payload), &c))
		chunks = append(chunks, c)
	}
	return chunks, false
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// =============================================================================
// CHAT STREAM
// =============================================================================

func TestChat_StreamsAndPersists(t *testing.T) {
	f := newFixture(t)
	chatID := uuid.NewString()

	resp := f.do(t, http.MethodPost, "/api/chat", chatBody(chatID, "Hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	chunks, done := readChunks(t, resp.Body)
	require.True(t, done)
	require.NotEmpty(t, chunks)
	assert.Equal(t, transport.ChunkTextStart, chunks[0].Type)
	assert.Equal(t, transport.ChunkTextEnd, chunks[len(chunks)-1].Type)

	var text strings.Builder
	for _, c := range chunks {
		assert.True(t, c.Valid())
		assert.Equal(t, chunks[0].ID, c.ID)
		text.WriteString(c.Delta)
	}
	assert.Equal(t, "Hello", text.String())

	chat, err := f.store.GetChatByID(context.Background(), chatID)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "Greeting", chat.Title)
	assert.Equal(t, testUser, chat.UserID)

	msgs, err := f.store.GetMessagesByChatID(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Text())
}

func TestChat_ModelSelectsSender(t *testing.T) {
	f := newFixture(t)
	body := chatBody(uuid.NewString(), "Hi")
	body["selectedChatModel"] = model.ChatModelReasoning

	resp := f.do(t, http.MethodPost, "/api/chat", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readChunks(t, resp.Body)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.Equal(t, []string{model.ChatModelReasoning}, f.sender.models)
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"chat id not uuid", func(b map[string]any) { b["id"] = "c1" }},
		{"assistant role", func(b map[string]any) { b["message"].(map[string]any)["role"] = "assistant" }},
		{"empty content", func(b map[string]any) { b["message"].(map[string]any)["content"] = "" }},
		{"too long", func(b map[string]any) { b["message"].(map[string]any)["content"] = strings.Repeat("a", 2001) }},
		{"bad part type", func(b map[string]any) {
			b["message"].(map[string]any)["parts"] = []any{map[string]any{"type": "image", "text": "x"}}
		}},
		{"unknown model", func(b map[string]any) { b["selectedChatModel"] = "gpt-9" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := chatBody(uuid.NewString(), "Hi")
			tt.mutate(body)
			resp := f.do(t, http.MethodPost, "/api/chat", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "bad_request:api", decodeError(t, resp).Code)
		})
	}

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.Empty(t, f.sender.models)
}

func TestChat_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/api/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_BackendErrorBeforeStream(t *testing.T) {
	f := newFixture(t)
	f.sender.err = chaterr.ModelNotFound("llama")

	resp := f.do(t, http.MethodPost, "/api/chat", chatBody(uuid.NewString(), "Hi"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "not_found:model", body.Code)
	assert.Contains(t, body.Message, `"llama"`)
}

func TestChat_ForeignChatForbidden(t *testing.T) {
	f := newFixture(t)
	chatID := uuid.NewString()
	require.NoError(t, f.store.CreateChat(context.Background(), model.Chat{ID: chatID, Title: "x", UserID: "other"}))

	resp := f.do(t, http.MethodPost, "/api/chat", chatBody(chatID, "Hi"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden:chat", decodeError(t, resp).Code)
}

// =============================================================================
// CHAT RECORDS
// =============================================================================

func seedChat(t *testing.T, f *fixture, title string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, f.store.CreateChat(context.Background(), model.Chat{ID: id, Title: title, UserID: testUser}))
	msg := model.NewUserMessage(id, "hello")
	msg.CreatedAt = time.Now()
	require.NoError(t, f.store.SaveMessages(context.Background(), []model.Message{msg}))
	return id
}

func TestMessages(t *testing.T) {
	f := newFixture(t)
	id := seedChat(t, f, "Seeded")

	resp := f.do(t, http.MethodGet, "/api/chat/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []model.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())

	resp = f.do(t, http.MethodGet, "/api/chat/"+uuid.NewString()+"/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenameChat(t *testing.T) {
	f := newFixture(t)
	id := seedChat(t, f, "Old")

	resp := f.do(t, http.MethodPatch, "/api/chat/"+id, map[string]string{"title": "  New name  "})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chat, err := f.store.GetChatByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "New name", chat.Title)

	resp = f.do(t, http.MethodPatch, "/api/chat/"+id, map[string]string{"title": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteChat(t *testing.T) {
	f := newFixture(t)
	id := seedChat(t, f, "Doomed")

	resp := f.do(t, http.MethodDelete, "/api/chat/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted model.Chat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deleted))
	assert.Equal(t, "Doomed", deleted.Title)

	chat, err := f.store.GetChatByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, chat)

	resp = f.do(t, http.MethodDelete, "/api/chat/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		seedChat(t, f, "chat")
		time.Sleep(2 * time.Millisecond)
	}

	resp := f.do(t, http.MethodGet, "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page model.ChatPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Chats, 2)
	assert.True(t, page.HasMore)

	resp = f.do(t, http.MethodGet, "/api/history?limit=2&ending_before="+page.Chats[1].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = model.ChatPage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Len(t, page.Chats, 1)
	assert.False(t, page.HasMore)
}

func TestHistory_BadParams(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/history?starting_after=a&ending_before=b", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/history?ending_before="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found:database", decodeError(t, resp).Code)
}

func TestDeleteUserData(t *testing.T) {
	f := newFixture(t)
	seedChat(t, f, "a")
	seedChat(t, f, "b")

	resp := f.do(t, http.MethodDelete, "/api/user/data", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["deletedChats"])
}

// =============================================================================
// MODEL PREFERENCE
// =============================================================================

func TestModelPreference(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/model", nil)
	var got modelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.ChatModelDefault, got.Model)
	assert.Len(t, got.Models, len(model.ChatModels))

	resp = f.do(t, http.MethodPut, "/api/model", map[string]string{"model": model.ChatModelReasoning})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, prefs.CookieName, cookies[0].Name)
	assert.Equal(t, 31536000, cookies[0].MaxAge)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/model", nil)
	require.NoError(t, err)
	req.AddCookie(cookies[0])
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	got = modelResponse{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	assert.Equal(t, model.ChatModelReasoning, got.Model)

	resp = f.do(t, http.MethodPut, "/api/model", map[string]string{"model": "gpt-9"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	f.do(t, http.MethodGet, "/api/model", nil)
	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `openchat_http_requests_total`)
	assert.Contains(t, string(data), `route="/api/model"`)
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/api/model", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/api/model", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limit:chat", decodeError(t, resp).Code)

	// Health is outside the limited API.
	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.CORSOrigins = []string{"http://localhost:5173"}
	})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.test")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "203.0.113.7:5555", "", "203.0.113.7"},
		{"untrusted proxy ignored", "203.0.113.7:5555", "198.51.100.1", "203.0.113.7"},
		{"trusted proxy", "127.0.0.1:5555", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{"invalid forwarded", "127.0.0.1:5555", "not-an-ip", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Options{Store: st, UserID: testUser, Logger: logging.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
