package handler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"authgate/internal/auth"
	"authgate/internal/client"
	"authgate/internal/config"
	"authgate/internal/middleware"
	"authgate/internal/service"
)

func testConfig(upstreamURL, tokenURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Prefix: "/api", BodyMaxBytes: 1 << 20},
		Upstream: config.UpstreamConfig{
			BaseURL:               upstreamURL,
			ConnectTimeoutSeconds: 1,
			TimeoutSeconds:        10,
			IdleConnections:       10,
		},
		Auth: config.AuthConfig{
			TokenURL:       tokenURL,
			ForwardHeaders: []string{"Cookie", "Authorization"},
			TimeoutSeconds: 5,
			OnError:        config.OnErrorAnonymous,
		},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

// newTestProxyHandler wires the real client, token provider and service the
// way the application does.
func newTestProxyHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := auth.NewTokenProvider(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	svc, err := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), tokens, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

// newAuthServer issues "abc123" to callers presenting the session cookie.
func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("better-auth.session_token"); err != nil || c.Value != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc123"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyHandler_Handle_PostWithSessionToken(t *testing.T) {
	authSrv := newAuthServer(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/api/items" {
			t.Errorf("path = %q, want /api/items", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer abc123")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"x"}` {
			t.Errorf("body = %q, want %q", body, `{"name":"x"}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1","name":"x"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, authSrv.URL+"/api/auth/token"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "better-auth.session_token", Value: "sess-1"})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["name"] != "x" {
		t.Errorf("body.name = %q, want %q", body["name"], "x")
	}
}

func TestProxyHandler_Handle_AnonymousCaller(t *testing.T) {
	authSrv := newAuthServer(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want none for anonymous caller", got)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"login required"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, authSrv.URL+"/api/auth/token"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/me", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "better-auth.session_token", Value: "unknown"})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Body.String(); got != `{"error":"login required"}` {
		t.Errorf("body = %q, want upstream body verbatim", got)
	}
}

func TestProxyHandler_Handle_HeaderHygiene(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Keep-Alive") != "" {
			t.Errorf("Keep-Alive forwarded upstream: %q", r.Header.Get("Keep-Alive"))
		}
		if r.Host == "frontend.example" {
			t.Error("inbound Host forwarded upstream")
		}
		if r.Header.Get("X-Trace") != "t-1" {
			t.Errorf("X-Trace = %q, want %q", r.Header.Get("X-Trace"), "t-1")
		}
		if r.URL.RawQuery != "page=2&sort=name" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "page=2&sort=name")
		}

		payload := strings.Repeat("compressible ", 64)
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write([]byte(payload))
			_ = gz.Close()
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, ""))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "http://frontend.example/api/items?page=2&sort=name", http.NoBody)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-Trace", "t-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	for _, key := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive"} {
		if v := rec.Header().Get(key); v != "" {
			t.Errorf("response header %s = %q, want it stripped", key, v)
		}
	}
	if want := strings.Repeat("compressible ", 64); rec.Body.String() != want {
		t.Errorf("body was not relayed decoded; got %d bytes", rec.Body.Len())
	}
}

func TestProxyHandler_Handle_EventStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		for _, ev := range []string{"data: one\n\n", "data: two\n\n"} {
			_, _ = w.Write([]byte(ev))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, ""))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/events", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := rec.Body.String(); got != "data: one\n\ndata: two\n\n" {
		t.Errorf("body = %q", got)
	}
	if !rec.Flushed {
		t.Error("event stream was not flushed")
	}
}

func TestProxyHandler_Handle_UpstreamDown(t *testing.T) {
	h := newTestProxyHandler(t, testConfig("http://127.0.0.1:1", ""))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/items", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "Bad Gateway" {
		t.Errorf("error = %q, want %q", body["error"], "Bad Gateway")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// Wait until client context is done.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, ""))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/slow", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestIsEventStream(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"text/event-stream", true},
		{"text/event-stream; charset=utf-8", true},
		{"TEXT/EVENT-STREAM", true},
		{"application/json", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			if got := isEventStream(tt.ct); got != tt.want {
				t.Errorf("isEventStream(%q) = %v, want %v", tt.ct, got, tt.want)
			}
		})
	}
}

func TestProxyHandler_Handle_UpstreamHeadersWinOverMiddleware(t *testing.T) {
	var forwardedID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedID = r.Header.Get(echo.HeaderXRequestID)
		w.Header().Set(echo.HeaderXRequestID, "upstream-id")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(upstream.URL, ""))

	e := echo.New()
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: func() string { return "proxy-id" },
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Any("/api/*", h.Handle)

	req := httptest.NewRequest(http.MethodGet, "/api/items", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if forwardedID != "proxy-id" {
		t.Errorf("upstream saw X-Request-Id = %q, want %q", forwardedID, "proxy-id")
	}
	if got := rec.Header().Values(echo.HeaderXRequestID); len(got) != 1 || got[0] != "upstream-id" {
		t.Errorf("X-Request-Id = %v, want [upstream-id]", got)
	}
	if got := rec.Header().Values("X-Frame-Options"); len(got) != 1 || got[0] != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %v, want [SAMEORIGIN]", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff added", got)
	}
}
