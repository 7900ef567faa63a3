package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"authgate/internal/config"
	"authgate/internal/metrics"
)

// maxTokenResponseBytes bounds how much of the auth service reply is decoded.
const maxTokenResponseBytes = 64 << 10

// HTTPProvider fetches tokens from a session-backed token endpoint. The
// endpoint receives only the configured credential headers of the caller
// and answers 200 {"token": "..."} for a live session, 401 or 403 otherwise.
type HTTPProvider struct {
	url     string
	headers []string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHTTPProvider creates an HTTPProvider. The metrics parameter is optional.
func NewHTTPProvider(cfg *config.AuthConfig, logger *slog.Logger, m *metrics.Metrics) *HTTPProvider {
	return &HTTPProvider{
		url:     cfg.TokenURL,
		headers: canonicalKeys(cfg.ForwardHeaders),
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "token_provider"),
		metrics: m,
	}
}

// Token asks the auth service for a token. Callers without any credential
// header are anonymous and never reach the auth service.
func (p *HTTPProvider) Token(ctx context.Context, header http.Header) (string, error) {
	creds := credentialHeaders(header, p.headers)
	if len(creds) == 0 {
		p.metrics.ObserveToken(metrics.TokenAbsent)
		return "", nil
	}

	start := time.Now()
	token, err := p.fetch(ctx, creds)
	if p.metrics != nil {
		p.metrics.TokenDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err != nil:
		p.metrics.ObserveToken(metrics.TokenError)
	case token == "":
		p.metrics.ObserveToken(metrics.TokenAbsent)
	default:
		p.metrics.ObserveToken(metrics.TokenIssued)
	}
	return token, err
}

func (p *HTTPProvider) fetch(ctx context.Context, creds http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return "", &TokenError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header = creds
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &TokenError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponseBytes))
		p.logger.Debug("no session for caller", "status", resp.StatusCode)
		return "", nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &TokenError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status from %s", req.URL.Redacted()),
		}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&body); err != nil {
		return "", &TokenError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return body.Token, nil
}

// credentialHeaders copies the named headers out of src. It returns nil when
// none of them is present.
func credentialHeaders(src http.Header, keys []string) http.Header {
	var dst http.Header
	for _, key := range keys {
		vals := src.Values(key)
		if len(vals) == 0 {
			continue
		}
		if dst == nil {
			dst = make(http.Header, len(keys))
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

func canonicalKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, http.CanonicalHeaderKey(k))
	}
	return out
}
