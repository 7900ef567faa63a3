// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/model"
)

var (
	// ErrUnauthenticated is returned when the token provider fails and the
	// configured policy is to reject rather than forward anonymously.
	ErrUnauthenticated = errors.New("token unavailable and anonymous forwarding is disabled")

	// ErrRequestTooLarge is returned when a request body exceeds server.body_max_bytes.
	ErrRequestTooLarge = errors.New("request body too large")

	// ErrRequestBody is returned when the inbound body cannot be read.
	ErrRequestBody = errors.New("read request body")
)

// excludedRequestHeaders describe the previous hop and are never forwarded
// upstream. Accept-Encoding is withheld so the transport negotiates
// compression itself and hands back a decoded body; Content-Encoding is
// stripped from responses, so an encoded body would reach the caller
// unlabeled.
var excludedRequestHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Host":              true,
	"Accept-Encoding":   true,
}

// excludedResponseHeaders are never copied back to the caller.
var excludedResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Content-Length":    true,
	"Content-Encoding":  true,
}

// Fixed bodies for responses the proxy produces itself.
var (
	badGatewayBody   = []byte(`{"error":"Bad Gateway","message":"Failed to proxy request to upstream"}`)
	unauthorizedBody = []byte(`{"error":"Unauthorized","message":"Failed to obtain access token"}`)
	tooLargeBody     = []byte(`{"error":"Payload Too Large","message":"Request body exceeds the configured limit"}`)
	badRequestBody   = []byte(`{"error":"Bad Request","message":"Failed to read request body"}`)
)

// Upstream sends one request to the upstream service.
type Upstream interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests. It holds no
// per-request state and is safe for concurrent use.
type ProxyService struct {
	upstream Upstream
	tokens   auth.TokenProvider
	logger   *slog.Logger
	baseURL  *url.URL
	maxBody  int64
	reject   bool
}

// NewProxyService creates a ProxyService. The upstream base URL is parsed
// once here; an unusable URL is a configuration error.
func NewProxyService(up Upstream, tokens auth.TokenProvider, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse upstream base_url: %w", config.ErrConfiguration, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: upstream base_url %q is not absolute", config.ErrConfiguration, cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		upstream: up,
		tokens:   tokens,
		logger:   logger.With("component", "proxy_service"),
		baseURL:  u,
		maxBody:  cfg.Server.BodyMaxBytes,
		reject:   cfg.Auth.OnError == config.OnErrorReject,
	}, nil
}

// Handle forwards pr and always returns a response: the upstream's on
// success, otherwise a JSON error produced by the proxy (502 for any
// transport failure). The caller must close the response body.
func (s *ProxyService) Handle(pr *model.ProxyRequest) *model.ProxyResponse {
	resp, err := s.Forward(pr)
	if err == nil {
		return resp
	}

	s.logger.Error("proxy error",
		"err", err,
		"reason", failureReason(err),
		"method", pr.Method,
		"path", pr.Path,
	)

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return jsonResponse(http.StatusUnauthorized, unauthorizedBody)
	case errors.Is(err, ErrRequestTooLarge):
		return jsonResponse(http.StatusRequestEntityTooLarge, tooLargeBody)
	case errors.Is(err, ErrRequestBody):
		return jsonResponse(http.StatusBadRequest, badRequestBody)
	default:
		return jsonResponse(http.StatusBadGateway, badGatewayBody)
	}
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Upstream responses of any status are returned as-is; only failures to get
// a response at all are errors.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)

	body, err := s.readBody(pr.Method, pr.Body)
	if err != nil {
		return nil, err
	}

	// One canonical copy serves both the token lookup and the outbound
	// headers, so credential headers are found however the caller cased them.
	inbound := filterHeaders(pr.Header, nil)

	token, err := s.tokens.Token(ctx, inbound)
	if err != nil {
		if s.reject {
			return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		s.logger.Warn("token lookup failed; forwarding without token",
			"err", err,
			"path", pr.Path,
		)
		token = ""
	}

	header := filterRequestHeaders(inbound)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"authenticated", token != "",
	)

	resp, err := s.upstream.DoStream(ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// readBody buffers the inbound body for methods that carry one. GET and HEAD
// bodies are neither read nor forwarded. Buffering bounds memory per request
// by maxBody and gives the upstream an exact Content-Length.
func (s *ProxyService) readBody(method string, body io.Reader) (io.Reader, error) {
	if method == http.MethodGet || method == http.MethodHead || body == nil {
		return nil, nil
	}

	r := body
	if s.maxBody > 0 {
		r = io.LimitReader(body, s.maxBody+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, fmt.Errorf("%w: %w", ErrRequestTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRequestBody, err)
	}
	if s.maxBody > 0 && int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrRequestTooLarge, s.maxBody)
	}
	return bytes.NewReader(data), nil
}

// buildUpstreamURL re-bases the inbound path and raw query onto the upstream.
// The mount prefix stays part of the path.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(s.baseURL.Path, "/") + path
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = strings.TrimSuffix(s.baseURL.EscapedPath(), "/") + rawPath
	}
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

func filterRequestHeaders(src http.Header) http.Header {
	return filterHeaders(src, excludedRequestHeaders)
}

func filterResponseHeaders(src http.Header) http.Header {
	return filterHeaders(src, excludedResponseHeaders)
}

// filterHeaders copies src minus excluded. Keys are canonicalized so that
// exclusion holds however the caller cased them; repeated values are kept
// in order.
func filterHeaders(src http.Header, excluded map[string]bool) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if excluded[ck] {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	return dst
}

func jsonResponse(status int, body []byte) *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// failureReason classifies err for logs.
func failureReason(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "token"
	case errors.Is(err, ErrRequestTooLarge), errors.Is(err, ErrRequestBody):
		return "request_body"
	case errors.Is(err, context.Canceled):
		return "client_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "connection"
	}
}
