package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/store"
	"github.com/nstogner/officeagent/pkg/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t,
		func(t *testing.T) store.TranscriptStore { return newTestStore(t) },
		nil,
	)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.CreateSession(ctx, &domain.Session{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.SetStatus(ctx, "s1", domain.SessionStatusProcessing); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	s.Close()

	// Migrations are idempotent and data survives.
	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	sess, err := s2.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != domain.SessionStatusProcessing {
		t.Errorf("Status = %q, want processing", sess.Status)
	}
	msgs, err := s2.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Seq != 1 {
		t.Errorf("Messages = %+v, want one 'hello' at seq 1", msgs)
	}
}
