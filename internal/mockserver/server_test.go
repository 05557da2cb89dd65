package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedkit/chatwidget/internal/domain"
	"github.com/embedkit/chatwidget/internal/session"
	"github.com/embedkit/chatwidget/internal/transport"
)

func testServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func chatBody(content string) *strings.Reader {
	body, _ := json.Marshal(domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: content}},
	})
	return strings.NewReader(string(body))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t, Options{APIKey: "secret-key"})

	// health needs no API key
	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health domain.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Timestamp)
}

func TestChatRequiresAPIKey(t *testing.T) {
	_, ts := testServer(t, Options{APIKey: "secret-key"})

	resp, err := http.Post(ts.URL+"/api/v1/chat", "application/json", chatBody("hi"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["detail"], "API key")
}

func TestChatAcceptsBearerToken(t *testing.T) {
	_, ts := testServer(t, Options{APIKey: "secret-key"})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/chat", chatBody("hi"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatValidation(t *testing.T) {
	_, ts := testServer(t, Options{})

	resp, err := http.Post(ts.URL+"/api/v1/chat", "application/json", strings.NewReader(`{"messages": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["detail"], "empty")
}

func TestChatKeywordReply(t *testing.T) {
	_, ts := testServer(t, Options{})

	resp, err := http.Post(ts.URL+"/api/v1/chat", "application/json", chatBody("what is your pricing?"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chat domain.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	assert.Contains(t, chat.Content, "pricing")
	assert.Equal(t, "mock-1", chat.Model)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := testServer(t, Options{AllowOrigins: []string{"https://store.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://store.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://store.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestCORSDisallowedOrigin(t *testing.T) {
	_, ts := testServer(t, Options{AllowOrigins: []string{"https://store.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamEndToEnd(t *testing.T) {
	_, ts := testServer(t, Options{APIKey: "secret-key"})

	c := transport.NewClient(transport.Options{
		BaseURL: ts.URL,
		APIKey:  "secret-key",
	})
	events, errs := c.ChatStream(context.Background(), &domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
	})

	var content string
	for ev := range events {
		if ev.Done {
			assert.Contains(t, content, "Hello")
			return
		}
		content += ev.Data
	}
	t.Fatalf("stream failed: %v", <-errs)
}

func TestFailNextInjection(t *testing.T) {
	srv, ts := testServer(t, Options{})
	srv.FailNext(http.StatusServiceUnavailable, 2)

	c := transport.NewClient(transport.Options{
		BaseURL:        ts.URL,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	// the client reconnects through the injected failures
	resp, err := c.Chat(context.Background(), &domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
}

func TestBreakStreamSurfacesToSession(t *testing.T) {
	srv, ts := testServer(t, Options{})
	srv.BreakStreamAfter(1)

	c := transport.NewClient(transport.Options{
		BaseURL:        ts.URL,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	sess := session.New(c, session.Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	defer sess.Close()

	sess.SendMessage("hello")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && sess.IsLoading() {
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, sess.IsLoading())

	// the broken first stream fails visibly, then the session-level
	// retry gets a whole reply
	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.StatusComplete, last.Status)
	assert.NotEmpty(t, last.Content)
}

func TestErrorStreamInjection(t *testing.T) {
	srv, ts := testServer(t, Options{})
	srv.ErrorStreamAfter(1, "model unavailable")

	c := transport.NewClient(transport.Options{BaseURL: ts.URL})
	events, errs := c.ChatStream(context.Background(), &domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
	})

	var content string
	for ev := range events {
		if !ev.Done {
			content += ev.Data
		}
	}
	assert.NotEmpty(t, content)

	err := <-errs
	var streamErr *domain.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "model unavailable", streamErr.Message)
}

func TestResponderDeterministicKeywords(t *testing.T) {
	r := NewResponder()
	msg := func(s string) []domain.ChatMessage {
		return []domain.ChatMessage{{Role: domain.RoleUser, Content: s}}
	}

	assert.Equal(t, r.Reply(msg("hello there")), r.Reply(msg("hello there")))
	assert.Contains(t, r.Reply(msg("how much does it cost?")), "pricing")
	assert.Contains(t, r.Reply(msg("thanks!")), "welcome")
}

func TestResponderFallbackRotates(t *testing.T) {
	r := NewResponder()
	msg := []domain.ChatMessage{{Role: domain.RoleUser, Content: "xyzzy"}}

	first := r.Reply(msg)
	second := r.Reply(msg)
	assert.NotEqual(t, first, second)
}
