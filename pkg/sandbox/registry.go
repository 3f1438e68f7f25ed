package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultStartupTimeout bounds launching a kernel and running the setup
// script. Construction is shared between callers, so it does not follow any
// single caller's context.
const DefaultStartupTimeout = 5 * time.Minute

// Registry owns the sandbox of every active session. Construction for a
// given session id happens at most once at a time; concurrent Acquire calls
// share its result.
type Registry struct {
	launcher       Launcher
	readTimeout    time.Duration
	startupTimeout time.Duration
	setup          string

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	// pending tracks constructions in flight so Release and Close can
	// cancel them.
	pending map[string]*construction
	group   singleflight.Group
}

type construction struct {
	cancel   context.CancelFunc
	released bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReadTimeout sets the per-message read timeout of new sandboxes.
func WithReadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.readTimeout = d }
}

// WithStartupTimeout bounds the construction of a sandbox.
func WithStartupTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.startupTimeout = d }
}

// WithSetupScript replaces SetupScript for new sandboxes. An empty script
// skips setup.
func WithSetupScript(code string) RegistryOption {
	return func(r *Registry) { r.setup = code }
}

// NewRegistry creates a registry that launches kernels with launcher.
func NewRegistry(launcher Launcher, opts ...RegistryOption) *Registry {
	r := &Registry{
		launcher:       launcher,
		readTimeout:    DefaultReadTimeout,
		startupTimeout: DefaultStartupTimeout,
		setup:          SetupScript,
		sandboxes:      make(map[string]*Sandbox),
		pending:        make(map[string]*construction),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the session's sandbox, creating it if there is none or
// if the existing one lost its transport. A caller whose ctx ends stops
// waiting without failing other callers sharing the construction.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Sandbox, error) {
	if sb := r.lookup(sessionID); sb != nil && sb.Healthy() {
		return sb, nil
	}

	ch := r.group.DoChan(sessionID, func() (any, error) {
		return r.construct(context.WithoutCancel(ctx), sessionID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Sandbox), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// construct runs inside the singleflight group for sessionID.
func (r *Registry) construct(ctx context.Context, sessionID string) (*Sandbox, error) {
	ctx, cancel := context.WithTimeout(ctx, r.startupTimeout)
	defer cancel()
	c := &construction{cancel: cancel}
	r.mu.Lock()
	existing := r.sandboxes[sessionID]
	if existing != nil && existing.Healthy() {
		r.mu.Unlock()
		return existing, nil
	}
	r.pending[sessionID] = c
	r.mu.Unlock()

	if existing != nil {
		slog.Warn("Replacing unhealthy sandbox", "sessionID", sessionID)
		r.remove(sessionID, existing)
		if err := existing.Close(ctx); err != nil {
			slog.Warn("Failed to close unhealthy sandbox", "sessionID", sessionID, "error", err)
		}
	}

	sb, err := r.create(ctx, sessionID)

	r.mu.Lock()
	delete(r.pending, sessionID)
	released := c.released
	if err == nil && !released {
		r.sandboxes[sessionID] = sb
	}
	r.mu.Unlock()

	if released {
		if sb != nil {
			if cerr := sb.Close(context.WithoutCancel(ctx)); cerr != nil {
				slog.Warn("Failed to close released sandbox", "sessionID", sessionID, "error", cerr)
			}
		}
		slog.Info("Sandbox released during startup", "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %s released during startup", ErrSandboxClosed, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

func (r *Registry) create(ctx context.Context, sessionID string) (*Sandbox, error) {
	start := time.Now()
	kernel, err := r.launcher.Launch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("launching kernel: %w", err)
	}
	sb := New(sessionID, kernel, r.readTimeout)

	if r.setup != "" {
		exec := sb.Run(ctx, r.setup)
		if !sb.Healthy() {
			sb.Close(context.Background())
			return nil, fmt.Errorf("running setup script: %w", exec.Error)
		}
		if exec.Error != nil {
			slog.Warn("Sandbox setup script reported an error", "sessionID", sessionID, "error", exec.Error)
		}
	}

	slog.Info("Sandbox ready", "sessionID", sessionID, "elapsed", time.Since(start))
	return sb, nil
}

// Release shuts the session's sandbox down. A construction still in
// flight is cancelled and its sandbox closed instead of being registered.
// Releasing an unknown session is a no-op.
func (r *Registry) Release(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	sb, ok := r.sandboxes[sessionID]
	delete(r.sandboxes, sessionID)
	c, starting := r.pending[sessionID]
	if starting {
		c.released = true
		c.cancel()
	}
	r.mu.Unlock()

	if starting {
		slog.Info("Cancelled sandbox startup", "sessionID", sessionID)
	}
	if !ok {
		if starting {
			return nil
		}
		slog.Warn("Release of unknown sandbox", "sessionID", sessionID)
		return nil
	}
	if err := sb.Close(ctx); err != nil {
		return fmt.Errorf("closing sandbox %s: %w", sessionID, err)
	}
	slog.Info("Sandbox released", "sessionID", sessionID)
	return nil
}

// IDs returns the session ids that currently hold a sandbox.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every sandbox, including those still starting.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	for _, c := range r.pending {
		c.released = true
		c.cancel()
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range r.IDs() {
		if err := r.Release(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) lookup(sessionID string) *Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sandboxes[sessionID]
}

// remove deletes the entry only if it still points at sb.
func (r *Registry) remove(sessionID string, sb *Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sandboxes[sessionID] == sb {
		delete(r.sandboxes, sessionID)
	}
}
