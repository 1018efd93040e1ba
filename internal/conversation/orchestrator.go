package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/session"
)

var tracer = otel.Tracer("newsrag.conversation")

// ErrInvalidInput is returned for a missing session id or message text.
var ErrInvalidInput = errors.New("invalid input")

// Answerer produces the bot reply for a user message. It never fails; a
// degraded answer is still an answer.
type Answerer interface {
	Answer(ctx context.Context, query string, topK int) string
}

// Config configures an Orchestrator.
type Config struct {
	// TopK is passed to the Answerer. Zero lets the Answerer pick.
	TopK int

	// ChunkDelay paces streamed chunks. Zero streams without pauses.
	ChunkDelay time.Duration

	// ChunkSize is the number of runes per streamed chunk. Default: 1
	ChunkSize int

	// Publisher receives turn events. Optional.
	Publisher Publisher
}

// Turn is the outcome of one exchange.
type Turn struct {
	Reply   string
	History []session.Message
}

// StreamEventType identifies a StreamEvent.
type StreamEventType int

const (
	StreamTyping StreamEventType = iota
	StreamChunk
	StreamHistory
	StreamDone
)

func (t StreamEventType) String() string {
	switch t {
	case StreamTyping:
		return "typing"
	case StreamChunk:
		return "chunk"
	case StreamHistory:
		return "history"
	case StreamDone:
		return "done"
	default:
		return fmt.Sprintf("StreamEventType(%d)", int(t))
	}
}

// StreamEvent is delivered to the emit callback of StreamTurn.
type StreamEvent struct {
	Type    StreamEventType
	Text    string
	History []session.Message
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	store    session.Store
	answerer Answerer
	config   Config
	logger   *logging.Logger
	locks    *keyedMutex
	now      func() time.Time
}

// New creates an Orchestrator.
func New(store session.Store, answerer Answerer, cfg Config, logger *logging.Logger) *Orchestrator {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		store:    store,
		answerer: answerer,
		config:   cfg,
		logger:   logger.Named("conversation"),
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// CreateSession starts a new session.
func (o *Orchestrator) CreateSession(ctx context.Context) (string, error) {
	id, err := o.store.Create(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", session.ErrCreateFailed
	}
	o.logger.Debug(logging.WithSessionID(ctx, id), "session created")
	return id, nil
}

// ActiveSessions lists live sessions, most recently active first.
func (o *Orchestrator) ActiveSessions(ctx context.Context) ([]string, error) {
	return o.store.ListActive(ctx)
}

// History returns the messages of a session.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	return o.store.History(ctx, sessionID)
}

// Clear deletes a session. It waits for an in-flight turn on the same
// session to finish first.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = logging.WithSessionID(ctx, sessionID)
	if err := o.store.Clear(ctx, sessionID); err != nil {
		return err
	}
	o.publish(ctx, Event{Kind: EventCleared, SessionID: sessionID, At: o.now()})
	return nil
}

// HandleTurn stores text as a user message, answers it, stores the answer
// and returns the updated history.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text string) (*Turn, error) {
	return o.StreamTurn(ctx, sessionID, text, nil)
}

// StreamTurn is HandleTurn with progress reported through emit: typing once
// the user message is stored, then the reply in chunks, then the history,
// then done. emit may be nil.
//
// Once the session lock is held the turn runs to completion regardless of
// ctx. Cancelling ctx, or emit returning an error, only stops delivery.
func (o *Orchestrator) StreamTurn(ctx context.Context, sessionID, text string, emit func(StreamEvent) error) (*Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithSessionID(ctx, sessionID)
	persist := context.WithoutCancel(ctx)
	persist, span := tracer.Start(persist, "conversation.turn",
		trace.WithAttributes(attribute.Bool("streaming", emit != nil)))
	defer span.End()

	out := &streamer{ctx: ctx, emit: emit, live: emit != nil}

	if err := o.store.Append(persist, sessionID, session.UserMessage(text)); err != nil {
		return nil, o.fail(persist, span, "storing user message", err)
	}
	out.send(StreamEvent{Type: StreamTyping})

	reply := o.answerer.Answer(persist, text, o.config.TopK)
	span.SetAttributes(attribute.Int("reply.length", len(reply)))

	o.streamReply(out, reply)

	if err := o.store.Append(persist, sessionID, session.BotMessage(reply)); err != nil {
		return nil, o.fail(persist, span, "storing reply", err)
	}
	history, err := o.store.History(persist, sessionID)
	if err != nil {
		return nil, o.fail(persist, span, "reading history", err)
	}

	out.send(StreamEvent{Type: StreamHistory, History: history})
	out.send(StreamEvent{Type: StreamDone})
	if out.dropped {
		o.logger.Debug(persist, "stream abandoned, turn persisted")
	}

	o.publish(persist, Event{
		Kind:          EventTurnCompleted,
		SessionID:     sessionID,
		UserMessage:   text,
		Reply:         reply,
		HistoryLength: len(history),
		At:            o.now(),
	})
	return &Turn{Reply: reply, History: history}, nil
}

func (o *Orchestrator) streamReply(out *streamer, reply string) {
	if !out.live {
		return
	}
	runes := []rune(reply)
	size := o.config.ChunkSize

	var tick <-chan time.Time
	if o.config.ChunkDelay > 0 && len(runes) > size {
		ticker := time.NewTicker(o.config.ChunkDelay)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := 0; i < len(runes) && out.live; i += size {
		if i > 0 && tick != nil {
			select {
			case <-tick:
			case <-out.ctx.Done():
				out.stop()
				return
			}
		}
		out.send(StreamEvent{Type: StreamChunk, Text: string(runes[i:min(i+size, len(runes))])})
	}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	o.logger.Error(ctx, msg, zap.Error(err))
	return err
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.config.Publisher == nil {
		return
	}
	if err := o.config.Publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "publishing turn event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// streamer delivers events until the consumer goes away.
type streamer struct {
	ctx     context.Context
	emit    func(StreamEvent) error
	live    bool
	dropped bool
}

func (s *streamer) send(ev StreamEvent) {
	if !s.live {
		return
	}
	if s.ctx.Err() != nil {
		s.stop()
		return
	}
	if err := s.emit(ev); err != nil {
		s.stop()
	}
}

func (s *streamer) stop() {
	s.live = false
	s.dropped = true
}
