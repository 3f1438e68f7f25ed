// Package storetest holds the behavioral suite every TranscriptStore driver
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/store"
)

// Factory opens a store. Calling it twice with the same t must reopen the
// same underlying data.
type Factory func(t *testing.T) store.TranscriptStore

// Run runs the suite. reopen may be nil for drivers without durable state.
func Run(t *testing.T, open Factory, reopen Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, open(t)) })
	t.Run("AppendAssignsSeq", func(t *testing.T) { testAppend(t, open(t)) })
	t.Run("AppendUnknownSession", func(t *testing.T) { testAppendUnknown(t, open(t)) })
	t.Run("ConcurrentSessions", func(t *testing.T) { testConcurrentSessions(t, open(t)) })
	t.Run("Compaction", func(t *testing.T) { testCompaction(t, open(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, open(t)) })
	if reopen != nil {
		t.Run("Durable", func(t *testing.T) { testDurable(t, open, reopen) })
	}
}

func newSession(t *testing.T, s store.TranscriptStore, id string) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		ID:       id,
		FileRefs: []domain.FileRef{{Kind: domain.FileKindSlide, Path: "/data/deck.pptx"}},
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func testSessionLifecycle(t *testing.T, s store.TranscriptStore) {
	ctx := context.Background()
	created := newSession(t, s, "a")
	assert.Equal(t, domain.SessionStatusIdle, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	newSession(t, s, "b")
	newSession(t, s, "c")

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, created.FileRefs, got.FileRefs)

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrSessionNotFound), "got %v", err)

	require.NoError(t, s.SetStatus(ctx, "b", domain.SessionStatusProcessing))
	require.NoError(t, s.SetStatus(ctx, "c", domain.SessionStatusEnded))
	refs := []domain.FileRef{{Kind: domain.FileKindSheet, Path: "/data/book.xlsx"}}
	require.NoError(t, s.SetFileRefs(ctx, "a", refs))

	got, err = s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, refs, got.FileRefs)

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	processing, err := s.ListSessions(ctx, domain.SessionStatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "b", processing[0].ID)

	live, err := s.ListSessions(ctx, domain.SessionStatusIdle, domain.SessionStatusProcessing)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	assert.True(t, errors.Is(s.SetStatus(ctx, "missing", domain.SessionStatusIdle), store.ErrSessionNotFound))
}

func testAppend(t *testing.T, s store.TranscriptStore) {
	ctx := context.Background()
	newSession(t, s, "s1")

	msgs := []*domain.Message{
		{Role: domain.RoleUser, Content: "what is on slide 1?"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call-1", Name: "get_slide", Input: map[string]any{"file_path": "deck.pptx", "slide_index": float64(0)}}}},
		{Role: domain.RoleTool, ToolCallID: "call-1", ToolName: "get_slide", Content: "Error: boom", IsError: true},
		{Role: domain.RoleAssistant, Content: "It failed.", Model: "gpt-4o"},
	}
	for i, m := range msgs {
		require.NoError(t, s.Append(ctx, "s1", m))
		assert.Equal(t, int64(i+1), m.Seq)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "s1", m.SessionID)
		assert.False(t, m.Timestamp.IsZero())
	}

	got, err := s.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range got {
		assert.Equal(t, msgs[i].ID, got[i].ID)
		assert.Equal(t, msgs[i].Seq, got[i].Seq)
		assert.Equal(t, msgs[i].Role, got[i].Role)
		assert.Equal(t, msgs[i].Content, got[i].Content)
		assert.True(t, msgs[i].Timestamp.Equal(got[i].Timestamp))
	}
	assert.Equal(t, msgs[1].ToolCalls, got[1].ToolCalls)
	assert.Equal(t, "call-1", got[2].ToolCallID)
	assert.Equal(t, "get_slide", got[2].ToolName)
	assert.True(t, got[2].IsError)
	assert.Equal(t, "gpt-4o", got[3].Model)

	empty, err := s.Messages(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testAppendUnknown(t *testing.T, s store.TranscriptStore) {
	err := s.Append(context.Background(), "ghost", &domain.Message{Role: domain.RoleUser, Content: "hi"})
	assert.True(t, errors.Is(err, store.ErrSessionNotFound), "got %v", err)
}

func testConcurrentSessions(t *testing.T, s store.TranscriptStore) {
	ctx := context.Background()
	const sessions, perSession = 4, 10
	for i := 0; i < sessions; i++ {
		newSession(t, s, fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				assert.NoError(t, s.Append(ctx, id, &domain.Message{Role: domain.RoleUser, Content: fmt.Sprint(j)}))
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		msgs, err := s.Messages(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		require.Len(t, msgs, perSession)
		for j, m := range msgs {
			assert.Equal(t, int64(j+1), m.Seq)
			assert.Equal(t, fmt.Sprint(j), m.Content)
		}
	}
}

func testCompaction(t *testing.T, s store.TranscriptStore) {
	ctx := context.Background()
	newSession(t, s, "s1")

	c, err := s.LatestCompaction(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, c)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: fmt.Sprint(i)}))
	}
	require.NoError(t, s.Compact(ctx, "s1", 2, "first summary"))
	require.NoError(t, s.Compact(ctx, "s1", 4, "second summary"))

	c, err = s.LatestCompaction(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(4), c.UpToSeq)
	assert.Equal(t, "second summary", c.Summary)
	assert.Equal(t, "s1", c.SessionID)

	// Compaction never removes messages.
	msgs, err := s.Messages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 5)

	assert.True(t, errors.Is(s.Compact(ctx, "ghost", 1, "x"), store.ErrSessionNotFound))
}

func testSubscribe(t *testing.T, s store.TranscriptStore) {
	ctx := context.Background()
	newSession(t, s, "s1")
	ch := s.Subscribe()

	require.NoError(t, s.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: "hi"}))
	select {
	case id := <-ch:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after append")
	}
}

func testDurable(t *testing.T, open, reopen Factory) {
	ctx := context.Background()
	s := open(t)
	newSession(t, s, "s1")
	require.NoError(t, s.SetStatus(ctx, "s1", domain.SessionStatusProcessing))
	require.NoError(t, s.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: "one"}))
	require.NoError(t, s.Append(ctx, "s1", &domain.Message{Role: domain.RoleAssistant, Content: "two"}))
	require.NoError(t, s.Compact(ctx, "s1", 1, "summary"))
	require.NoError(t, s.Close())

	s2 := reopen(t)
	sess, err := s2.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusProcessing, sess.Status)

	msgs, err := s2.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[1].Content)

	require.NoError(t, s2.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: "three"}))
	msgs, err = s2.Messages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), msgs[2].Seq)

	c, err := s2.LatestCompaction(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "summary", c.Summary)
}
