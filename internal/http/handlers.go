package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/conversation"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateSessionResponse is the response body for POST /api/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ListSessionsResponse is the response body for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// ChatResponse is the response body for POST /api/chat.
type ChatResponse struct {
	Reply     string            `json:"reply"`
	SessionID string            `json:"sessionId"`
	History   []session.Message `json:"history"`
}

// SessionRequest is the request body for the history and clear endpoints.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// HistoryResponse is the response body for POST /api/chat/history.
type HistoryResponse struct {
	SessionID string            `json:"sessionId"`
	History   []session.Message `json:"history"`
}

// ClearResponse is the response body for POST /api/chat/clear.
type ClearResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := s.orch.CreateSession(ctx)
	if err != nil {
		s.logger.Error(ctx, "create session failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}
	return c.JSON(http.StatusOK, CreateSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	ids, err := s.orch.ActiveSessions(ctx)
	if err != nil {
		s.logger.Error(ctx, "list sessions failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list sessions")
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{Sessions: ids})
}

func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithSessionID(c.Request().Context(), req.SessionID)

	turn, err := s.orch.HandleTurn(ctx, req.SessionID, req.Message)
	if err != nil {
		return s.mapError(ctx, err, "sessionId and message are required", "Failed to process message")
	}
	return c.JSON(http.StatusOK, ChatResponse{
		Reply:     turn.Reply,
		SessionID: req.SessionID,
		History:   turn.History,
	})
}

func (s *Server) handleHistory(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithSessionID(c.Request().Context(), req.SessionID)

	history, err := s.orch.History(ctx, req.SessionID)
	if err != nil {
		return s.mapError(ctx, err, "sessionId is required", "Failed to fetch history")
	}
	return c.JSON(http.StatusOK, HistoryResponse{SessionID: req.SessionID, History: history})
}

func (s *Server) handleClear(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithSessionID(c.Request().Context(), req.SessionID)

	if err := s.orch.Clear(ctx, req.SessionID); err != nil {
		return s.mapError(ctx, err, "sessionId is required", "Failed to clear session")
	}
	return c.JSON(http.StatusOK, ClearResponse{Status: "cleared"})
}

// mapError turns a domain error into an opaque HTTP error. The detail goes
// to the log only.
func (s *Server) mapError(ctx context.Context, err error, badRequest, internal string) error {
	if isValidation(err) {
		return echo.NewHTTPError(http.StatusBadRequest, badRequest)
	}
	s.logger.Error(ctx, internal, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, internal)
}

func isValidation(err error) bool {
	return errors.Is(err, conversation.ErrInvalidInput) || errors.Is(err, session.ErrInvalidInput)
}
