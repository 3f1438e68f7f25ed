package model

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceTransportRedactsAndPreservesBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))
	defer srv.Close()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: LevelTrace})))
	defer slog.SetDefault(prev)

	client := NewTraceClient("test")
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat", strings.NewReader(`"hi"`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-secret")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.JSONEq(t, `{"echo":"hi"}`, string(body))
	assert.NotContains(t, logs.String(), "sk-secret")
	assert.Contains(t, logs.String(), "REDACTED")
	assert.Contains(t, logs.String(), "Provider response")
}

func TestTraceTransportQuietByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	resp, err := NewTraceClient("test").Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, logs.String())
}
