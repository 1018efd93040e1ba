package http

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/conversation"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client frame types.
const (
	FrameSendMessage  = "send_message"
	FrameGetHistory   = "get_history"
	FrameClearSession = "clear_session"
)

// Server frame types.
const (
	FrameBotTyping   = "bot_typing"
	FrameBotReply    = "bot_reply"
	FrameChatHistory = "chat_history"
	FrameBotDone     = "bot_done"
	FrameChatCleared = "chat_cleared"
	FrameError       = "error"
)

// ClientFrame is a frame sent by the browser.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

type statusFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    bool   `json:"status"`
}

type replyFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Char      string `json:"char"`
}

type historyFrame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	History   []session.Message `json:"history"`
}

type clearedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug(c.Request().Context(), "websocket upgrade failed", zap.Error(err))
		return nil
	}

	// The socket outlives the request context; turns are cancelled when the
	// socket closes instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	sc := &socketConn{
		server: s,
		conn:   conn,
		send:   make(chan any, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.Named("ws"),
	}
	s.track(conn)
	s.metrics.socketOpened(ctx, 1)

	go sc.writePump()
	sc.readPump()

	s.untrack(conn)
	s.metrics.socketOpened(ctx, -1)
	return nil
}

// socketConn is one websocket client. readPump owns reads, writePump owns
// writes, and request handlers run in their own goroutines feeding send.
type socketConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan any
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger
	wg     sync.WaitGroup
}

func (sc *socketConn) readPump() {
	defer func() {
		sc.cancel()
		sc.wg.Wait()
		close(sc.send)
	}()

	sc.conn.SetReadLimit(maxMessageSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.Debug(sc.ctx, "websocket closed", zap.Error(err))
			}
			return
		}
		// Only transport errors end the loop. A frame that does not decode
		// gets an error reply.
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sc.server.metrics.frameReceived(sc.ctx, "invalid")
			_ = sc.push(errorFrame{Type: FrameError, Message: "invalid frame"})
			continue
		}
		sc.server.metrics.frameReceived(sc.ctx, knownFrame(frame.Type))

		sc.wg.Add(1)
		go func() {
			defer sc.wg.Done()
			sc.dispatch(frame)
		}()
	}
}

func (sc *socketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sc.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sc.send:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteJSON(msg); err != nil {
				sc.cancel()
				sc.drain()
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.cancel()
				sc.drain()
				return
			}
		}
	}
}

// drain discards queued frames until readPump closes send.
func (sc *socketConn) drain() {
	_ = sc.conn.Close()
	for range sc.send {
	}
}

// push queues a frame. It fails once the socket is gone.
func (sc *socketConn) push(frame any) error {
	select {
	case sc.send <- frame:
		return nil
	case <-sc.ctx.Done():
		return sc.ctx.Err()
	}
}

func (sc *socketConn) dispatch(frame ClientFrame) {
	ctx := logging.WithSessionID(sc.ctx, frame.SessionID)
	switch frame.Type {
	case FrameSendMessage:
		sc.sendMessage(ctx, frame)
	case FrameGetHistory:
		history, err := sc.server.orch.History(ctx, frame.SessionID)
		if err != nil {
			sc.fail(ctx, err, "Failed to fetch history")
			return
		}
		_ = sc.push(historyFrame{Type: FrameChatHistory, SessionID: frame.SessionID, History: history})
	case FrameClearSession:
		if err := sc.server.orch.Clear(ctx, frame.SessionID); err != nil {
			sc.fail(ctx, err, "Failed to clear session")
			return
		}
		_ = sc.push(clearedFrame{Type: FrameChatCleared, SessionID: frame.SessionID})
	default:
		_ = sc.push(errorFrame{Type: FrameError, Message: "unknown frame type"})
	}
}

func (sc *socketConn) sendMessage(ctx context.Context, frame ClientFrame) {
	id := frame.SessionID
	_, err := sc.server.orch.StreamTurn(ctx, id, frame.Message, func(ev conversation.StreamEvent) error {
		switch ev.Type {
		case conversation.StreamTyping:
			return sc.push(statusFrame{Type: FrameBotTyping, SessionID: id, Status: true})
		case conversation.StreamChunk:
			return sc.push(replyFrame{Type: FrameBotReply, SessionID: id, Char: ev.Text})
		case conversation.StreamHistory:
			return sc.push(historyFrame{Type: FrameChatHistory, SessionID: id, History: ev.History})
		case conversation.StreamDone:
			return sc.push(statusFrame{Type: FrameBotDone, SessionID: id, Status: false})
		}
		return nil
	})
	if err != nil {
		sc.fail(ctx, err, "Failed to process message")
	}
}

func (sc *socketConn) fail(ctx context.Context, err error, msg string) {
	if isValidation(err) {
		msg = "sessionId and message are required"
	} else {
		sc.logger.Error(ctx, msg, zap.Error(err))
	}
	_ = sc.push(errorFrame{Type: FrameError, Message: msg})
}

func knownFrame(t string) string {
	switch t {
	case FrameSendMessage, FrameGetHistory, FrameClearSession:
		return t
	default:
		return "unknown"
	}
}
