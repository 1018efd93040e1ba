package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

// EventKind names a turn event.
type EventKind string

const (
	EventTurnCompleted EventKind = "turn.completed"
	EventCleared       EventKind = "cleared"
)

// Event is published after a turn completes or a session is cleared.
type Event struct {
	Kind          EventKind `json:"kind"`
	SessionID     string    `json:"sessionId"`
	UserMessage   string    `json:"userMessage,omitempty"`
	Reply         string    `json:"reply,omitempty"`
	HistoryLength int       `json:"historyLength"`
	At            time.Time `json:"at"`
}

// Publisher receives turn events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NATSPublisher publishes events as JSON on core NATS subjects of the form
// <prefix>.sessions.<id>.<kind>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: nats url required", ErrInvalidInput)
	}
	if prefix == "" {
		prefix = "newsrag"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("events")

	nc, err := nats.Connect(url,
		nats.Name("newsrag"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// NewNATSPublisherFromConn wraps an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisherFromConn(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "newsrag"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.sessions.%s.%s", p.prefix, subjectToken(ev.SessionID), ev.Kind)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	p.logger.Debug(ctx, "published event", zap.String("subject", subject))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// subjectToken makes id safe to use as a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
