package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

const backendSQLite = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	last_active INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_last_active ON sessions (last_active);
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	sender     TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session ON messages (session_id, seq);
`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// OpTimeout bounds each store operation. Default: 5s
	OpTimeout time.Duration

	Options
}

// SQLiteStore keeps sessions in a single SQLite file, for deployments that
// want history to survive restarts without running Redis.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	logger *logging.Logger
}

// NewSQLiteStore opens the database and creates the schema if needed.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, logger *logging.Logger) (*SQLiteStore, error) {
	cfg.Options.applyDefaults()
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path required", ErrInvalidInput)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, unavailable("open", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, unavailable("create schema", err)
	}

	return &SQLiteStore{db: db, config: cfg, logger: logger.Named("session.sqlite")}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	id := NewID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, last_active) VALUES (?, ?)`, id, score(s.config.Clock()))
	if err != nil {
		s.logger.Error(ctx, "creating session", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return id, nil
}

// Append implements Store. The message insert and activity refresh commit
// together.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := msg.validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	now := s.config.Clock()
	cutoff := score(now.Add(-s.config.TTL))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An expired log is discarded before the new message starts a fresh one.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND EXISTS (
			SELECT 1 FROM sessions WHERE id = ? AND last_active <= ?)`,
		sessionID, sessionID, cutoff); err != nil {
		return unavailable("append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, body) VALUES (?, ?, ?)`,
		sessionID, string(msg.Role), msg.Text); err != nil {
		return unavailable("append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, last_active) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active`,
		sessionID, score(now)); err != nil {
		return unavailable("append", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("append", err)
	}
	MessagesAppended.WithLabelValues(backendSQLite, string(msg.Role)).Inc()
	return nil
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	cutoff := score(s.config.Clock().Add(-s.config.TTL))
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.sender, m.body FROM messages m
		 JOIN sessions s ON s.id = m.session_id
		 WHERE m.session_id = ? AND s.last_active > ?
		 ORDER BY m.seq`, sessionID, cutoff)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var sender, body string
		if err := rows.Scan(&sender, &body); err != nil {
			return nil, unavailable("history", err)
		}
		out = append(out, Message{Role: Role(sender), Text: body})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history", err)
	}
	return out, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("clear", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return unavailable("clear", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return unavailable("clear", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// ListActive implements Store.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	cutoff := score(s.config.Clock().Add(-s.config.TTL))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE last_active <= ?)`,
		cutoff); err != nil {
		return nil, unavailable("reap expired", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active <= ?`, cutoff)
	if err != nil {
		return nil, unavailable("reap expired", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions ORDER BY last_active DESC, id DESC`)
	if err != nil {
		return nil, unavailable("list", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, unavailable("list", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("list", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		ReapedSessions.WithLabelValues(backendSQLite).Add(float64(n))
	}
	ActiveSessions.WithLabelValues(backendSQLite).Set(float64(len(ids)))
	return ids, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
