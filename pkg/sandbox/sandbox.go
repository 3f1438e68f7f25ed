package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReadTimeout bounds the wait for each kernel message while draining
// an execution.
const DefaultReadTimeout = 10 * time.Second

// Names of errors synthesized when the kernel could not be read.
const (
	ErrNameTimeout   = "TimeoutError"
	ErrNameTransport = "KernelTransportError"
	ErrNameCancelled = "CancelledError"
)

// ErrSandboxClosed is returned by operations on a released sandbox.
var ErrSandboxClosed = errors.New("sandbox closed")

// Kernel is a live interpreter process reachable over some transport.
type Kernel interface {
	// Execute submits code and returns the request id that the kernel
	// will use as parent id on every related message.
	Execute(ctx context.Context, code string) (string, error)

	// Next blocks until the next message is available or ctx is done.
	Next(ctx context.Context) (KernelMessage, error)

	// Interrupt asks the kernel to abort the running request.
	Interrupt(ctx context.Context) error

	// Close shuts the kernel down and releases anything backing it.
	Close(ctx context.Context) error
}

// Launcher starts kernels. Each call returns a fresh interpreter.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (Kernel, error)
}

// Sandbox wraps a session's kernel. Submissions are serialized.
type Sandbox struct {
	id          string
	kernel      Kernel
	readTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	closed  atomic.Bool
	healthy atomic.Bool
}

// New wraps kernel. A zero readTimeout selects DefaultReadTimeout.
func New(id string, kernel Kernel, readTimeout time.Duration) *Sandbox {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	s := &Sandbox{
		id:          id,
		kernel:      kernel,
		readTimeout: readTimeout,
		now:         time.Now,
	}
	s.healthy.Store(true)
	return s
}

// ID returns the session id the sandbox belongs to.
func (s *Sandbox) ID() string { return s.id }

// Healthy reports whether the transport is still usable.
func (s *Sandbox) Healthy() bool { return s.healthy.Load() }

// Run executes code and returns everything it produced.
func (s *Sandbox) Run(ctx context.Context, code string) *Execution {
	return s.Stream(ctx, code, Handlers{})
}

// Stream executes code, passing each output to h as it arrives. The code is
// submitted exactly once. A read timeout or transport failure ends the drain
// with a synthesized error while keeping any output already collected.
func (s *Sandbox) Stream(ctx context.Context, code string, h Handlers) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := &Execution{}
	if s.closed.Load() {
		s.fail(exec, ErrNameTransport, ErrSandboxClosed, h)
		return exec
	}

	msgID, err := s.kernel.Execute(ctx, code)
	if err != nil {
		s.healthy.Store(false)
		s.fail(exec, ErrNameTransport, fmt.Errorf("submitting code: %w", err), h)
		return exec
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		msg, err := s.kernel.Next(readCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.fail(exec, ErrNameCancelled, ctx.Err(), h)
				s.interrupt()
			case errors.Is(err, context.DeadlineExceeded):
				s.fail(exec, ErrNameTimeout, fmt.Errorf("no kernel output within %s", s.readTimeout), h)
				s.interrupt()
			default:
				s.healthy.Store(false)
				s.fail(exec, ErrNameTransport, err, h)
			}
			return exec
		}

		// Late messages from an earlier, abandoned request are dropped here.
		if msg.ParentID != msgID {
			continue
		}
		if msg.IsIdle() {
			return exec
		}
		if out, ok := Classify(msg, s.now()); ok {
			exec.Apply(out, h)
		}
	}
}

func (s *Sandbox) fail(exec *Execution, name string, err error, h Handlers) {
	slog.Warn("Sandbox execution failed", "sessionID", s.id, "name", name, "error", err)
	exec.Apply(Output{
		Type:  OutputError,
		Error: &ExecutionError{Name: name, Value: err.Error(), Traceback: []string{}},
	}, h)
}

func (s *Sandbox) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.kernel.Interrupt(ctx); err != nil {
		slog.Warn("Failed to interrupt kernel", "sessionID", s.id, "error", err)
		s.healthy.Store(false)
	}
}

// Close shuts down the kernel. A submission still draining observes a
// transport error and returns.
func (s *Sandbox) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.healthy.Store(false)
	return s.kernel.Close(ctx)
}
