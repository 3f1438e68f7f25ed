package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errBrokenPipe = errors.New("websocket: close 1006 (abnormal closure)")

// fakeKernel replays scripted messages for every submission.
type fakeKernel struct {
	script func(code, msgID string) []KernelMessage

	mu         sync.Mutex
	executed   []string
	interrupts int
	closed     bool
	executeErr error

	seq    int
	msgs   chan KernelMessage
	broken chan struct{}
	once   sync.Once
}

func newFakeKernel(script func(code, msgID string) []KernelMessage) *fakeKernel {
	if script == nil {
		script = func(code, msgID string) []KernelMessage { return []KernelMessage{idle(msgID)} }
	}
	return &fakeKernel{
		script: script,
		msgs:   make(chan KernelMessage, 256),
		broken: make(chan struct{}),
	}
}

func (k *fakeKernel) Execute(ctx context.Context, code string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.executeErr != nil {
		return "", k.executeErr
	}
	k.seq++
	id := fmt.Sprintf("msg-%d", k.seq)
	k.executed = append(k.executed, code)
	for _, m := range k.script(code, id) {
		k.msgs <- m
	}
	return id, nil
}

func (k *fakeKernel) Next(ctx context.Context) (KernelMessage, error) {
	select {
	case m := <-k.msgs:
		return m, nil
	default:
	}
	select {
	case m := <-k.msgs:
		return m, nil
	case <-k.broken:
		return KernelMessage{}, errBrokenPipe
	case <-ctx.Done():
		return KernelMessage{}, ctx.Err()
	}
}

func (k *fakeKernel) Interrupt(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interrupts++
	return nil
}

func (k *fakeKernel) Close(ctx context.Context) error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.breakTransport()
	return nil
}

func (k *fakeKernel) breakTransport() {
	k.once.Do(func() { close(k.broken) })
}

func (k *fakeKernel) Executed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

func (k *fakeKernel) Interrupts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts
}

func (k *fakeKernel) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// fakeLauncher hands out fresh fake kernels and counts launches.
type fakeLauncher struct {
	script   func(code, msgID string) []KernelMessage
	delay    time.Duration
	err      error
	launches atomic.Int32

	mu      sync.Mutex
	kernels []*fakeKernel
}

func (l *fakeLauncher) Launch(ctx context.Context, sessionID string) (Kernel, error) {
	l.launches.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	k := newFakeKernel(l.script)
	l.mu.Lock()
	l.kernels = append(l.kernels, k)
	l.mu.Unlock()
	return k, nil
}

func (l *fakeLauncher) Kernel(i int) *fakeKernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kernels[i]
}

func kmsg(msgType, parent string, content any) KernelMessage {
	b, _ := json.Marshal(content)
	return KernelMessage{MsgType: msgType, ParentID: parent, Content: b}
}

func idle(parent string) KernelMessage {
	return kmsg("status", parent, map[string]any{"execution_state": "idle"})
}

func busy(parent string) KernelMessage {
	return kmsg("status", parent, map[string]any{"execution_state": "busy"})
}

func streamMsg(parent, name, text string) KernelMessage {
	return kmsg("stream", parent, map[string]any{"name": name, "text": text})
}

func displayMsg(parent string, main bool, data map[string]any) KernelMessage {
	typ := "display_data"
	if main {
		typ = "execute_result"
	}
	return kmsg(typ, parent, map[string]any{"data": data, "metadata": map[string]any{}})
}

func errorMsg(parent, ename, evalue string) KernelMessage {
	return kmsg("error", parent, map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": []string{"Traceback (most recent call last)", ename + ": " + evalue},
	})
}

func inputMsg(parent string, count int) KernelMessage {
	return kmsg("execute_input", parent, map[string]any{"code": "", "execution_count": count})
}
