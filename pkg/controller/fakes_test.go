package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/model"
	"github.com/nstogner/officeagent/pkg/sandbox"
	"github.com/nstogner/officeagent/pkg/store/sqlite"
	"github.com/nstogner/officeagent/pkg/tools"
)

// fakeProvider answers with reply(n, req) where n counts calls from zero.
// With hang set it signals started and blocks until the call is cancelled.
type fakeProvider struct {
	reply   func(n int, req model.Request) (model.Message, error)
	hang    bool
	started chan struct{}

	mu   sync.Mutex
	reqs []model.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "fake-model", MaxTokens: 1000}}, nil
}

func (p *fakeProvider) Complete(ctx context.Context, req model.Request) (model.Message, error) {
	p.mu.Lock()
	n := len(p.reqs)
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.hang {
		select {
		case p.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return model.Message{}, ctx.Err()
	}
	return p.reply(n, req)
}

func (p *fakeProvider) requests() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Request(nil), p.reqs...)
}

func textReply(s string) model.Message {
	return model.Message{Role: domain.RoleAssistant, Content: []model.Content{{Type: domain.ContentTypeText, Text: s}}}
}

func callReply(id, name string, args map[string]any) model.Message {
	return model.Message{Role: domain.RoleAssistant, Content: []model.Content{{
		Type:     domain.ContentTypeToolCall,
		ToolCall: &domain.ToolCall{ID: id, Name: name, Input: args},
	}}}
}

// scriptKernel answers each submission with reply(code) followed by idle.
type scriptKernel struct {
	reply func(code string) []sandbox.KernelMessage

	mu     sync.Mutex
	codes  []string
	closed bool
	queue  chan sandbox.KernelMessage
}

func newScriptKernel(reply func(code string) []sandbox.KernelMessage) *scriptKernel {
	return &scriptKernel{reply: reply, queue: make(chan sandbox.KernelMessage, 64)}
}

func (k *scriptKernel) Execute(ctx context.Context, code string) (string, error) {
	k.mu.Lock()
	k.codes = append(k.codes, code)
	id := fmt.Sprintf("req-%d", len(k.codes))
	k.mu.Unlock()
	var msgs []sandbox.KernelMessage
	if k.reply != nil {
		msgs = k.reply(code)
	}
	for _, m := range msgs {
		m.ParentID = id
		k.queue <- m
	}
	k.queue <- sandbox.KernelMessage{MsgType: "status", ParentID: id, Content: json.RawMessage(`{"execution_state":"idle"}`)}
	return id, nil
}

func (k *scriptKernel) Next(ctx context.Context) (sandbox.KernelMessage, error) {
	select {
	case m := <-k.queue:
		return m, nil
	case <-ctx.Done():
		return sandbox.KernelMessage{}, ctx.Err()
	}
}

func (k *scriptKernel) Interrupt(ctx context.Context) error { return nil }

func (k *scriptKernel) Close(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *scriptKernel) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

type fakeLauncher struct {
	kernel *scriptKernel
}

func (l *fakeLauncher) Launch(ctx context.Context, sessionID string) (sandbox.Kernel, error) {
	return l.kernel, nil
}

func kmsg(typ string, content any) sandbox.KernelMessage {
	b, _ := json.Marshal(content)
	return sandbox.KernelMessage{MsgType: typ, Content: b}
}

type harness struct {
	store    *sqlite.Store
	registry *sandbox.Registry
	kernel   *scriptKernel
	provider *fakeProvider
	manager  *Manager
	filesDir string
}

func newHarness(t *testing.T, provider *fakeProvider, kernel *scriptKernel, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlite.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if kernel == nil {
		kernel = newScriptKernel(nil)
	}
	reg := sandbox.NewRegistry(&fakeLauncher{kernel: kernel}, sandbox.WithSetupScript(""), sandbox.WithReadTimeout(time.Second))

	filesDir := filepath.Join(dir, "files")
	opts.FilesDir = filesDir
	if opts.Model == "" {
		opts.Model = "fake-model"
	}
	m := NewManager(Deps{Store: st, Provider: provider, Tools: tools.Default(0)}, reg, opts)
	t.Cleanup(func() { m.Close(context.Background()) })

	return &harness{store: st, registry: reg, kernel: kernel, provider: provider, manager: m, filesDir: filesDir}
}

func waitIdle(t *testing.T, c *Conversation) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func roles(msgs []domain.Message) []domain.Role {
	out := make([]domain.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
