package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/store"
)

// Store implements store.TranscriptStore using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.TranscriptStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		file_refs TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		is_error INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS compactions (
		session_id TEXT NOT NULL,
		up_to_seq INTEGER NOT NULL,
		summary TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_compactions_session ON compactions(session_id, up_to_seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = domain.SessionStatusIdle
	}
	refs, err := encodeRefs(sess.FileRefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, file_refs, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, refs, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, file_refs, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT id, status, file_refs, created_at, updated_at FROM sessions`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	return s.updateSession(ctx, id, `status=?`, status)
}

func (s *Store) SetFileRefs(ctx context.Context, id string, refs []domain.FileRef) error {
	enc, err := encodeRefs(refs)
	if err != nil {
		return err
	}
	return s.updateSession(ctx, id, `file_refs=?`, enc)
}

func (s *Store) updateSession(ctx context.Context, id, set string, value any) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+`, updated_at=? WHERE id=?`, value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess domain.Session
		refs string
	)
	if err := row.Scan(&sess.ID, &sess.Status, &refs, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &sess.FileRefs); err != nil {
		return nil, fmt.Errorf("decoding file refs for %s: %w", sess.ID, err)
	}
	return &sess, nil
}

func encodeRefs(refs []domain.FileRef) (string, error) {
	if refs == nil {
		refs = []domain.FileRef{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encoding file refs: %w", err)
	}
	return string(b), nil
}

// --- Transcript ---

func (s *Store) Append(ctx context.Context, sessionID string, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.SessionID = sessionID

	var toolCalls string
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id=?`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}

	// Get next sequence number.
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id=?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, model, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, maxSeq+1, m.Role, m.Content, toolCalls,
		m.ToolCallID, m.ToolName, m.IsError, m.Model, m.Timestamp,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.Seq = maxSeq + 1

	// Notify subscribers.
	s.notifySubscribers(sessionID)
	return nil
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, model, timestamp
		 FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			toolCalls string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.ToolName, &m.IsError, &m.Model, &m.Timestamp); err != nil {
			return nil, err
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Compact(ctx context.Context, sessionID string, upToSeq int64, summary string) error {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compactions (session_id, up_to_seq, summary, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, upToSeq, summary, time.Now().UTC(),
	)
	return err
}

func (s *Store) LatestCompaction(ctx context.Context, sessionID string) (*domain.Compaction, error) {
	c := &domain.Compaction{}
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, up_to_seq, summary, created_at FROM compactions
		 WHERE session_id=? ORDER BY up_to_seq DESC, created_at DESC LIMIT 1`, sessionID,
	).Scan(&c.SessionID, &c.UpToSeq, &c.Summary, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
