package docker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/officeagent/pkg/sandbox"
)

const testSessionID = "integration-test-session"

func newTestLauncher(t *testing.T) *Launcher {
	t.Helper()
	l, err := New(Config{FilesDir: t.TempDir()})
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	// Quick check that Docker daemon is responsive.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Status(pingCtx, "ping-check"); err != nil {
		l.Close()
		t.Skipf("Docker daemon not responsive: %v", err)
	}
	if _, _, err := l.client.ImageInspectWithRaw(pingCtx, l.cfg.Image); err != nil {
		l.Close()
		t.Skipf("Sandbox image %s not built: %v", l.cfg.Image, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestIntegrationRegistryLifecycle(t *testing.T) {
	l := newTestLauncher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	reg := sandbox.NewRegistry(l)
	sb, err := reg.Acquire(ctx, testSessionID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	exec := sb.Run(ctx, "print('hello from sandbox')\n1 + 1")
	if exec.Error != nil {
		t.Fatalf("unexpected execution error: %v", exec.Error)
	}
	if got := strings.Join(exec.Stdout, ""); !strings.Contains(got, "hello from sandbox") {
		t.Errorf("stdout = %q, want hello from sandbox", got)
	}
	main, ok := exec.MainResult()
	if !ok {
		t.Fatalf("expected a main result")
	}
	if text, _ := main.Text(); text != "2" {
		t.Errorf("main result = %q, want 2", text)
	}

	exec = sb.Run(ctx, "1/0")
	if exec.Error == nil || exec.Error.Name != "ZeroDivisionError" {
		t.Errorf("error = %+v, want ZeroDivisionError", exec.Error)
	}

	status, err := l.Status(ctx, testSessionID)
	if err != nil || status != "running" {
		t.Errorf("status = %q (%v), want running", status, err)
	}

	if err := reg.Release(ctx, testSessionID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	status, _ = l.Status(ctx, testSessionID)
	if status != "stopped" {
		t.Errorf("status after release = %q, want stopped", status)
	}
}
