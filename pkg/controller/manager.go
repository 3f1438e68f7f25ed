package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/tools"
)

// ErrSessionEnded is returned when loading a session that was torn down.
var ErrSessionEnded = errors.New("session ended")

// SandboxPool is the keyed sandbox owner. *sandbox.Registry implements it.
type SandboxPool interface {
	tools.Sandboxes
	Release(ctx context.Context, sessionID string) error
	Close(ctx context.Context) error
}

// Manager supervises conversations: it creates and loads them, resumes
// turns interrupted by a restart, and guarantees each session's sandbox is
// released when the session ends.
type Manager struct {
	deps      Deps
	sandboxes SandboxPool
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager creates a Manager. deps.Sandboxes is set to sandboxes.
func NewManager(deps Deps, sandboxes SandboxPool, opts Options) *Manager {
	deps.Sandboxes = sandboxes
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:      deps,
		sandboxes: sandboxes,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		convs:     make(map[string]*Conversation),
	}
}

// Create persists a new idle session.
func (m *Manager) Create(ctx context.Context, refs []domain.FileRef) (*Conversation, error) {
	if err := validateRefs(refs); err != nil {
		return nil, err
	}
	sess := &domain.Session{ID: uuid.New().String(), FileRefs: refs}
	if err := m.deps.Store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	c := newConversation(m.ctx, sess, m.deps, m.opts)

	m.mu.Lock()
	m.convs[sess.ID] = c
	m.mu.Unlock()
	m.opts.Logger.Info("Session created", "sessionID", sess.ID, "files", len(refs))
	return c, nil
}

// Get returns the conversation for id, loading it from the store on first
// use. A session persisted as processing resumes its turn.
func (m *Manager) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		return c, nil
	}

	sess, err := m.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionStatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, id)
	}
	c := newConversation(m.ctx, sess, m.deps, m.opts)
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	m.convs[id] = c
	if sess.Status == domain.SessionStatusProcessing {
		c.resume()
	}
	return c, nil
}

// List returns the persisted sessions.
func (m *Manager) List(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	return m.deps.Store.ListSessions(ctx, statuses...)
}

// Resume reloads every session persisted as processing and continues its
// turn from the last committed message.
func (m *Manager) Resume(ctx context.Context) error {
	sessions, err := m.deps.Store.ListSessions(ctx, domain.SessionStatusProcessing)
	if err != nil {
		return fmt.Errorf("listing interrupted sessions: %w", err)
	}
	var errs []error
	for _, s := range sessions {
		if _, err := m.Get(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("resuming %s: %w", s.ID, err))
		}
	}
	if len(sessions) > 0 {
		m.opts.Logger.Info("Resumed sessions", "count", len(sessions)-len(errs))
	}
	return errors.Join(errs...)
}

// Teardown ends a session: it stops any running turn, marks the session
// ended, and releases its sandbox even when the status update fails.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.convs[id]
	delete(m.convs, id)
	m.mu.Unlock()

	var errs []error
	if ok {
		if err := c.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping turn: %w", err))
		}
	}
	if err := m.deps.Store.SetStatus(ctx, id, domain.SessionStatusEnded); err != nil {
		errs = append(errs, fmt.Errorf("marking ended: %w", err))
	}
	if err := m.sandboxes.Release(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("releasing sandbox: %w", err))
	}
	m.opts.Logger.Info("Session torn down", "sessionID", id)
	return errors.Join(errs...)
}

// Close stops all turns and releases every sandbox. Sessions with a running
// turn stay processing in the store and resume on the next start.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, c := range convs {
		if err := c.Wait(ctx); err != nil {
			m.opts.Logger.Warn("Turn did not stop", "sessionID", c.ID(), "error", err)
		}
	}
	return m.sandboxes.Close(ctx)
}
