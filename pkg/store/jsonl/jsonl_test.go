package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/store"
	"github.com/nstogner/officeagent/pkg/store/storetest"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestConformance(t *testing.T) {
	dirs := map[string]string{}
	dirFor := func(t *testing.T) string {
		if d, ok := dirs[t.Name()]; ok {
			return d
		}
		d := t.TempDir()
		dirs[t.Name()] = d
		return d
	}
	open := func(t *testing.T) store.TranscriptStore { return newTestManager(t, dirFor(t)) }
	storetest.Run(t, open, open)
}

func TestTranscriptFileFormat(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()

	require.NoError(t, m.CreateSession(ctx, &domain.Session{ID: "s1"}))
	require.NoError(t, m.Append(ctx, "s1", &domain.Message{Role: domain.RoleUser, Content: "hi"}))
	require.NoError(t, m.Compact(ctx, "s1", 1, "greeting"))

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "s1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"type":"message"`), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `{"type":"compaction"`), lines[1])

	_, err = os.Stat(filepath.Join(dir, "sessions", "index.json"))
	assert.NoError(t, err)
}

func TestCorruptTranscriptIsReported(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, &domain.Session{ID: "s1"}))
	require.NoError(t, m.Close())

	path := filepath.Join(dir, "sessions", "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))

	m2 := newTestManager(t, dir)
	_, err := m2.Messages(ctx, "s1")
	assert.ErrorContains(t, err, "line 1")
}

func TestCreateDuplicateSession(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, &domain.Session{ID: "s1"}))
	assert.Error(t, m.CreateSession(ctx, &domain.Session{ID: "s1"}))
}
