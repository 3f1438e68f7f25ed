// Package jsonl is a file-backed TranscriptStore. Session metadata lives in
// sessions/index.json and each transcript is an append-only
// sessions/<id>.jsonl file.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/store"
)

// Manager implements store.TranscriptStore using JSONL files.
type Manager struct {
	sessDir   string
	eventChan chan string
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	index    Index
	sessions map[string]*sessionFile
	subs     []chan string
}

var _ store.TranscriptStore = (*Manager)(nil)

// Index represents the index.json structure.
type Index struct {
	Sessions []SessionMeta `json:"sessions"`
}

type SessionMeta struct {
	ID       string               `json:"id"`
	Status   domain.SessionStatus `json:"status"`
	FileRefs []domain.FileRef     `json:"file_refs"`
	Created  time.Time            `json:"created"`
	Modified time.Time            `json:"modified"`
}

func (m SessionMeta) session() domain.Session {
	return domain.Session{
		ID:        m.ID,
		Status:    m.Status,
		FileRefs:  slices.Clone(m.FileRefs),
		CreatedAt: m.Created,
		UpdatedAt: m.Modified,
	}
}

// NewManager opens the store rooted at rootDir, creating it when needed.
func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		sessDir:   filepath.Join(rootDir, "sessions"),
		eventChan: make(chan string, 100),
		done:      make(chan struct{}),
		sessions:  make(map[string]*sessionFile),
	}
	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	idx, err := m.readIndex()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	m.index = idx

	go m.broadcastLoop()
	return m, nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.sessDir, "index.json")
}

func (m *Manager) readIndex() (Index, error) {
	var idx Index
	data, err := os.ReadFile(m.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, err
	}
	return idx, nil
}

// writeIndex replaces index.json atomically. Callers hold m.mu.
func (m *Manager) writeIndex() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.indexPath())
}

func (m *Manager) findLocked(id string) int {
	return slices.IndexFunc(m.index.Sessions, func(s SessionMeta) bool { return s.ID == id })
}

func (m *Manager) CreateSession(ctx context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findLocked(sess.ID) >= 0 {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = domain.SessionStatusIdle
	}

	f, err := os.OpenFile(m.transcriptPath(sess.ID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}
	f.Close()

	m.index.Sessions = append(m.index.Sessions, SessionMeta{
		ID:       sess.ID,
		Status:   sess.Status,
		FileRefs: slices.Clone(sess.FileRefs),
		Created:  now,
		Modified: now,
	})
	return m.writeIndex()
}

func (m *Manager) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.findLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	s := m.index.Sessions[i].session()
	return &s, nil
}

func (m *Manager) ListSessions(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Session
	for _, meta := range m.index.Sessions {
		if len(statuses) > 0 && !slices.Contains(statuses, meta.Status) {
			continue
		}
		out = append(out, meta.session())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Manager) SetStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	return m.updateMeta(id, func(meta *SessionMeta) { meta.Status = status })
}

func (m *Manager) SetFileRefs(ctx context.Context, id string, refs []domain.FileRef) error {
	return m.updateMeta(id, func(meta *SessionMeta) { meta.FileRefs = slices.Clone(refs) })
}

func (m *Manager) updateMeta(id string, fn func(*SessionMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.findLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	fn(&m.index.Sessions[i])
	m.index.Sessions[i].Modified = time.Now().UTC()
	return m.writeIndex()
}

func (m *Manager) transcriptPath(id string) string {
	return filepath.Join(m.sessDir, id+".jsonl")
}

// session returns the loaded transcript for id, loading it on first use.
func (m *Manager) session(id string) (*sessionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if m.findLocked(id) < 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	s, err := openSessionFile(id, m.transcriptPath(id), m.publish)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) Append(ctx context.Context, sessionID string, msg *domain.Message) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	if err := s.appendMessage(msg); err != nil {
		return err
	}
	if err := m.updateMeta(sessionID, func(*SessionMeta) {}); err != nil {
		slog.Error("Failed to update session index", "session", sessionID, "error", err)
	}
	return nil
}

func (m *Manager) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	s, err := m.session(sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.messagesCopy(), nil
}

func (m *Manager) Compact(ctx context.Context, sessionID string, upToSeq int64, summary string) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	return s.appendCompaction(upToSeq, summary)
}

func (m *Manager) LatestCompaction(ctx context.Context, sessionID string) (*domain.Compaction, error) {
	s, err := m.session(sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.latestCompaction(), nil
}

func (m *Manager) broadcastLoop() {
	for {
		select {
		case id := <-m.eventChan:
			m.mu.RLock()
			for _, sub := range m.subs {
				// Non-blocking send
				select {
				case sub <- id:
				default:
				}
			}
			m.mu.RUnlock()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 10)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Manager) publish(id string) {
	select {
	case m.eventChan <- id:
	default:
	}
}

// Close stops the broadcaster and closes all open transcript files.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, s := range m.sessions {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
		delete(m.sessions, id)
	}
	return errors.Join(errs...)
}
