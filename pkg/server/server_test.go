package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/events"
	"github.com/nstogner/officeagent/pkg/model"
	"github.com/nstogner/officeagent/pkg/sandbox"
	"github.com/nstogner/officeagent/pkg/store/sqlite"
	"github.com/nstogner/officeagent/pkg/tools"
)

type echoProvider struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "echo-1", MaxTokens: 8000}}, nil
}

func (p *echoProvider) Complete(ctx context.Context, req model.Request) (model.Message, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}
	last := req.Messages[len(req.Messages)-1]
	return model.Message{
		Role:    domain.RoleAssistant,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: "echo: " + last.Text()}},
	}, nil
}

type noLauncher struct{}

func (noLauncher) Launch(ctx context.Context, sessionID string) (sandbox.Kernel, error) {
	return nil, errors.New("no sandboxes in tests")
}

func newTestServer(t *testing.T, provider *echoProvider) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlite.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.New(0, nil)
	t.Cleanup(func() { bus.Close() })

	reg := sandbox.NewRegistry(noLauncher{}, sandbox.WithSetupScript(""))
	m := controller.NewManager(controller.Deps{
		Store:    st,
		Provider: provider,
		Tools:    tools.Default(0),
		Notifier: bus,
	}, reg, controller.Options{Model: "echo-1", FilesDir: filepath.Join(dir, "files")})
	t.Cleanup(func() { m.Close(context.Background()) })

	srv := httptest.NewServer(New(m, bus, provider, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[sessionResponse](t, resp)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, controller.StateIdle, sess.State)
	return sess.ID
}

func history(t *testing.T, srv *httptest.Server, id string) []domain.Message {
	t.Helper()
	resp := do(t, http.MethodGet, srv.URL+"/api/sessions/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[[]domain.Message](t, resp)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	id := createSession(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decodeBody[sessionResponse](t, resp).ID)

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]domain.Session](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, domain.SessionStatusIdle, list[0].Status)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/"+id+"/turns", turnRequest{Query: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(history(t, srv, id)) == 3
	}, 5*time.Second, 20*time.Millisecond)
	hist := history(t, srv, id)
	assert.Equal(t, domain.RoleSystem, hist[0].Role)
	assert.Equal(t, "hello", hist[1].Content)
	assert.Equal(t, "echo: hello", hist[2].Content)

	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions?status=ended", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]domain.Session](t, resp), 1)
}

func TestSubmitErrors(t *testing.T) {
	provider := &echoProvider{gate: make(chan struct{})}
	srv := newTestServer(t, provider)
	defer close(provider.gate)
	id := createSession(t, srv)

	cases := []struct {
		name   string
		url    string
		body   any
		status int
	}{
		{"unknown session", srv.URL + "/api/sessions/nope/turns", turnRequest{Query: "hi"}, http.StatusNotFound},
		{"empty query", srv.URL + "/api/sessions/" + id + "/turns", turnRequest{}, http.StatusBadRequest},
		{"bad file ref", srv.URL + "/api/sessions/" + id + "/turns", turnRequest{
			Query:    "hi",
			FileRefs: []domain.FileRef{{Kind: "movie", Path: "/a.mp4"}},
		}, http.StatusBadRequest},
		{"malformed body", srv.URL + "/api/sessions/" + id + "/turns", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, tc.url, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[map[string]string](t, resp)["error"])
		})
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/"+id+"/turns", turnRequest{Query: "first"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/"+id+"/turns", turnRequest{Query: "second"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateRejectsInvalidFileRefs(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	resp := do(t, http.MethodPost, srv.URL+"/api/sessions", map[string]any{
		"file_refs": []domain.FileRef{{Kind: domain.FileKindSheet}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	resp := do(t, http.MethodGet, srv.URL+"/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decodeBody[[]domain.Model](t, resp)
	require.Len(t, models, 1)
	assert.Equal(t, "echo-1", models[0].ID)
}

func TestEventsWebSocket(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	id := createSession(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() events.Event {
		t.Helper()
		var ev events.Event
		require.NoError(t, ws.ReadJSON(&ev))
		return ev
	}

	ev := read()
	assert.Equal(t, events.TypeTurn, ev.Type)
	assert.Equal(t, "idle", ev.State)

	require.NoError(t, ws.WriteJSON(turnRequest{Query: "ping"}))

	ev = read()
	require.Equal(t, events.TypeMessage, ev.Type)
	assert.Equal(t, "ping", ev.Message.Content)
	ev = read()
	assert.Equal(t, "processing", ev.State)
	ev = read()
	require.Equal(t, events.TypeMessage, ev.Type)
	assert.Equal(t, "echo: ping", ev.Message.Content)
	assert.Equal(t, int64(2), ev.Message.Seq)
	ev = read()
	assert.Equal(t, "idle", ev.State)
	assert.Empty(t, ev.Error)
}

func TestEventsWebSocketUnknownSession(t *testing.T) {
	srv := newTestServer(t, &echoProvider{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(nil, nil, &echoProvider{}, nil)
	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start("127.0.0.1:0") }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := New(nil, nil, &echoProvider{}, nil)
	done := make(chan error, 1)
	go func() { done <- s.Start("127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
