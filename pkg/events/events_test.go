package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/domain"
)

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSubscribeFiltersBySession(t *testing.T) {
	bus := New(0, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)

	bus.TurnStateChanged("s1", "processing", nil)
	bus.MessageAppended("s2", domain.Message{Seq: 1, Content: "other"})
	bus.MessageAppended("s1", domain.Message{Seq: 1, Role: domain.RoleUser, Content: "hi"})
	bus.TurnStateChanged("s1", "idle", errors.New("step limit reached"))

	ev := next(t, events)
	assert.Equal(t, TypeTurn, ev.Type)
	assert.Equal(t, "processing", ev.State)
	assert.Empty(t, ev.Error)

	ev = next(t, events)
	assert.Equal(t, TypeMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hi", ev.Message.Content)
	assert.Equal(t, "s1", ev.SessionID)

	ev = next(t, events)
	assert.Equal(t, "idle", ev.State)
	assert.Equal(t, "step limit reached", ev.Error)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := New(0, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}

	// Publishing without subscribers does not block.
	bus.MessageAppended("s1", domain.Message{Content: "late"})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New(1, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		bus.MessageAppended("s1", domain.Message{Seq: int64(i + 1)})
	}
	ev := next(t, events)
	assert.Equal(t, int64(1), ev.Message.Seq)
	select {
	case ev := <-events:
		t.Fatalf("unexpected buffered event %+v", ev)
	default:
	}
}
