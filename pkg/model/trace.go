package model

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
)

// LevelTrace is a custom log level for detailed HTTP traffic.
const LevelTrace = slog.Level(-8)

var redactedHeaders = []string{"Authorization", "X-Goog-Api-Key"}

// TraceTransport dumps provider HTTP traffic when LevelTrace is enabled.
// Credentials are redacted and streamed response bodies are left alone.
type TraceTransport struct {
	Provider string
	Base     http.RoundTripper
}

// NewTraceClient returns an http.Client that traces through TraceTransport.
func NewTraceClient(provider string) *http.Client {
	return &http.Client{Transport: &TraceTransport{Provider: provider}}
}

func (t *TraceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return base.RoundTrip(req)
	}

	redacted := req.Clone(req.Context())
	for _, h := range redactedHeaders {
		if redacted.Header.Get(h) != "" {
			redacted.Header.Set(h, "REDACTED")
		}
	}
	// Headers only: the clone shares the outgoing body.
	if reqDump, err := httputil.DumpRequestOut(redacted, false); err != nil {
		slog.Debug("Failed to dump request", "provider", t.Provider, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Provider request", "provider", t.Provider, "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// For streaming, don't dump body to avoid consuming it/blocking.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")
	if respDump, err := httputil.DumpResponse(resp, !isStream); err != nil {
		slog.Debug("Failed to dump response", "provider", t.Provider, "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Provider response", "provider", t.Provider, "status", resp.StatusCode, "isStream", isStream, "dump", string(respDump))
	}
	return resp, nil
}
