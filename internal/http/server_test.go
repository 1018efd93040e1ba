package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/newsrag/internal/conversation"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/session"
)

type stubAnswerer struct{}

func (stubAnswerer) Answer(_ context.Context, q string, _ int) string {
	return "Answer to: " + q
}

// brokenStore fails every operation.
type brokenStore struct{ session.Store }

func (brokenStore) Create(context.Context) (string, error) { return "", session.ErrCreateFailed }
func (brokenStore) Append(context.Context, string, session.Message) error {
	return session.ErrUnavailable
}
func (brokenStore) History(context.Context, string) ([]session.Message, error) {
	return nil, errors.New("redis: connection refused at 10.0.0.5:6379")
}
func (brokenStore) ListActive(context.Context) ([]string, error) { return nil, session.ErrUnavailable }

// setupTestServer creates a server over an in-memory store.
func setupTestServer(t *testing.T) *Server {
	t.Helper()
	return setupServerWithStore(t, session.NewMemoryStore(session.Options{}))
}

func setupServerWithStore(t *testing.T, store session.Store) *Server {
	t.Helper()
	orch := conversation.New(store, stubAnswerer{}, conversation.Config{}, nil)
	server, err := NewServer(orch, logging.NewNop(), nil)
	require.NoError(t, err)
	return server
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewServer(t *testing.T) {
	orch := conversation.New(session.NewMemoryStore(session.Options{}), stubAnswerer{}, conversation.Config{}, nil)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(orch, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, 3000, server.config.Port)
		assert.Equal(t, []string{"*"}, server.config.CORSOrigins)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(orch, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "orchestrator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestChatFlow(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[CreateSessionResponse](t, rec).SessionID
	require.NotEmpty(t, id)

	rec = doJSON(t, server, http.MethodPost, "/api/chat", ChatRequest{SessionID: id, Message: "Hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"reply": "Answer to: Hello",
		"sessionId": "`+id+`",
		"history": [
			{"sender": "user", "message": "Hello"},
			{"sender": "bot", "message": "Answer to: Hello"}
		]
	}`, rec.Body.String())

	rec = doJSON(t, server, http.MethodPost, "/api/chat/history", SessionRequest{SessionID: id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryResponse](t, rec).History, 2)

	rec = doJSON(t, server, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{id}, decode[ListSessionsResponse](t, rec).Sessions)

	rec = doJSON(t, server, http.MethodPost, "/api/chat/clear", SessionRequest{SessionID: id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleared", decode[ClearResponse](t, rec).Status)

	rec = doJSON(t, server, http.MethodPost, "/api/chat/history", SessionRequest{SessionID: id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"`+id+`","history":[]}`, rec.Body.String())

	rec = doJSON(t, server, http.MethodGet, "/api/sessions", nil)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestChatValidation(t *testing.T) {
	server := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"chat missing message", "/api/chat", ChatRequest{SessionID: "abc"}},
		{"chat blank session", "/api/chat", ChatRequest{SessionID: " ", Message: "hi"}},
		{"history missing session", "/api/chat/history", SessionRequest{}},
		{"clear missing session", "/api/chat/clear", SessionRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, server, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("invalid json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStoreFailuresAreOpaque(t *testing.T) {
	server := setupServerWithStore(t, brokenStore{})

	rec := doJSON(t, server, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Failed to create session"}`, rec.Body.String())

	rec = doJSON(t, server, http.MethodPost, "/api/chat/history", SessionRequest{SessionID: "abc"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")

	rec = doJSON(t, server, http.MethodPost, "/api/chat", ChatRequest{SessionID: "abc", Message: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	orch := conversation.New(session.NewMemoryStore(session.Options{}), stubAnswerer{}, conversation.Config{}, nil)
	server, err := NewServer(orch, logging.NewNop(), &Config{CORSOrigins: []string{"https://news.example.com"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderOrigin, "https://news.example.com")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assert.Equal(t, "https://news.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	ws := httptest.NewRequest(http.MethodGet, "/ws", nil)
	ws.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, server.checkOrigin(ws))
	ws.Header.Set("Origin", "https://news.example.com")
	assert.True(t, server.checkOrigin(ws))
}

func TestServerLifecycle(t *testing.T) {
	orch := conversation.New(session.NewMemoryStore(session.Options{}), stubAnswerer{}, conversation.Config{}, nil)
	server, err := NewServer(orch, logging.NewNop(), &Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
