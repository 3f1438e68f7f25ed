package store

import (
	"context"
	"errors"

	"github.com/nstogner/officeagent/pkg/domain"
)

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// TranscriptStore persists sessions and their append-only transcripts.
// Messages are never rewritten or deleted; compaction records a marker and
// a summary instead.
type TranscriptStore interface {
	// CreateSession persists a new session. The ID must be set by the
	// caller; timestamps are set by the store.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions ordered by creation time. With statuses
	// given, only sessions in one of them are returned.
	ListSessions(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error)

	SetStatus(ctx context.Context, id string, status domain.SessionStatus) error

	SetFileRefs(ctx context.Context, id string, refs []domain.FileRef) error

	// Append assigns the next sequence number (and an ID and timestamp when
	// unset) and persists the message. It returns only after the message is
	// durable.
	Append(ctx context.Context, sessionID string, m *domain.Message) error

	// Messages returns the full transcript in sequence order.
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Compact records that messages up to and including upToSeq are
	// represented by summary in the model view.
	Compact(ctx context.Context, sessionID string, upToSeq int64, summary string) error

	// LatestCompaction returns the most recent compaction, or nil.
	LatestCompaction(ctx context.Context, sessionID string) (*domain.Compaction, error)

	// Subscribe returns a channel that emits session IDs whenever a message
	// is appended. Slow subscribers miss notifications rather than block
	// writers.
	Subscribe() <-chan string

	Close() error
}
