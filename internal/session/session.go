// Package session stores per-session chat history with sliding expiry.
//
// Every store keeps two structures: an index ordering session ids by last
// activity, and an append-only message log per session. Appending refreshes
// both. Expired sessions are reaped lazily by ListActive; History never
// returns messages from a session whose TTL has elapsed, reaped or not.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable indicates the backing storage failed.
	ErrUnavailable = errors.New("session store unavailable")

	// ErrInvalidInput indicates a missing session id or malformed message.
	ErrInvalidInput = errors.New("invalid session input")

	// ErrCreateFailed indicates a session could not be created.
	ErrCreateFailed = errors.New("session create failed")
)

// Role identifies who sent a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// UnmarshalText rejects unknown roles.
func (r *Role) UnmarshalText(text []byte) error {
	role := Role(text)
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, string(text))
	}
	*r = role
	return nil
}

// Message is one entry in a session log. The JSON form matches what chat
// clients render: {"sender":"user","message":"..."}.
type Message struct {
	Role Role   `json:"sender"`
	Text string `json:"message"`
}

// UserMessage returns a message sent by the user.
func UserMessage(text string) Message { return Message{Role: RoleUser, Text: text} }

// BotMessage returns a message sent by the assistant.
func BotMessage(text string) Message { return Message{Role: RoleBot, Text: text} }

func (m Message) validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, string(m.Role))
	}
	return nil
}

func encodeMessage(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMessage(s string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Store is a session store. Implementations are safe for concurrent use.
type Store interface {
	// Create registers a new session and returns its id.
	Create(ctx context.Context) (string, error)

	// Append adds msg to the end of the session log and refreshes the
	// session's last activity and TTL. Appending to an unknown id starts
	// a new log for it.
	Append(ctx context.Context, sessionID string, msg Message) error

	// History returns the session log in append order. Unknown and expired
	// sessions yield an empty slice.
	History(ctx context.Context, sessionID string) ([]Message, error)

	// Clear deletes the session log and index entry. Clearing an unknown
	// session is not an error.
	Clear(ctx context.Context, sessionID string) error

	// ListActive reaps sessions idle for longer than the TTL and returns the
	// remaining ids, most recently active first.
	ListActive(ctx context.Context) ([]string, error)

	Close() error
}

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

// Options are shared by all store implementations.
type Options struct {
	// TTL is the idle window after which a session expires. Default: 1h
	TTL time.Duration

	// Clock defaults to time.Now.
	Clock Clock
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

func validateID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// score is the index ordering value for t, in milliseconds.
func score(t time.Time) int64 {
	return t.UnixMilli()
}
