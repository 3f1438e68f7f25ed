package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/memory"
	"github.com/nstogner/officeagent/pkg/sandbox"
)

// Sandboxes hands out the session's sandbox. *sandbox.Registry implements
// it.
type Sandboxes interface {
	Acquire(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
}

// Env is the per-session context a tool runs in.
type Env struct {
	SessionID string
	// FilesDir is where generated images are written and where bare file
	// names are looked up.
	FilesDir  string
	Paths     memory.Paths
	Sandboxes Sandboxes
	// Handlers observe sandbox output while code runs.
	Handlers sandbox.Handlers
}

// Outcome is the result of dispatching one tool call.
type Outcome struct {
	// Content is the tool message text.
	Content string
	// IsError is set when Content is an "Error: ..." or unknown tool message.
	IsError bool
	// Mutated is set when the tool may have changed files.
	Mutated bool
}

// Dispatcher routes tool calls by name. It never returns an error: every
// failure is rendered into the Outcome.
type Dispatcher struct {
	tools map[string]Tool
	order []Tool
}

// NewDispatcher creates a dispatcher for the given tools.
func NewDispatcher(tools ...Tool) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := d.tools[t.Name()]; dup {
			panic("duplicate tool " + t.Name())
		}
		d.tools[t.Name()] = t
		d.order = append(d.order, t)
	}
	return d
}

// Tools returns the registered tools in registration order.
func (d *Dispatcher) Tools() []Tool {
	return append([]Tool(nil), d.order...)
}

// Get returns a tool by name.
func (d *Dispatcher) Get(name string) (Tool, bool) {
	t, ok := d.tools[name]
	return t, ok
}

// Truncatable reports whether output of the named tool may be cut to fit
// output limits. Unknown tools are truncatable.
func (d *Dispatcher) Truncatable(name string) bool {
	t, ok := d.tools[name]
	if !ok {
		return true
	}
	u, ok := t.(Untruncated)
	return !ok || !u.Untruncated()
}

// Dispatch runs the named tool.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Env, name string, args map[string]any) (out Outcome) {
	t, ok := d.tools[name]
	if !ok {
		slog.Warn("Unknown tool requested", "tool", name)
		return Outcome{Content: "Unknown tool: " + name, IsError: true}
	}
	out.Mutated = t.Mutating()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			err := &ExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", r)}
			out.Content = "Error: " + err.Error()
			out.IsError = true
		}
	}()

	start := time.Now()
	var content string
	var err error
	if raw, ok := args[domain.MalformedArgumentsKey].(string); ok {
		err = &ArgumentError{Tool: name, Err: malformed(raw)}
	} else {
		content, err = t.Call(ctx, env, args)
	}
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			slog.Info("Tool arguments rejected", "tool", name, "error", err)
		} else {
			slog.Warn("Tool failed", "tool", name, "error", err)
		}
		out.Content = "Error: " + err.Error()
		out.IsError = true
		return out
	}
	slog.Debug("Tool completed", "tool", name, "duration", time.Since(start), "bytes", len(content))
	out.Content = content
	return out
}

// malformed describes why raw is not a JSON argument object.
func malformed(raw string) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("malformed arguments: %w", err)
	}
	return errors.New("malformed arguments")
}
