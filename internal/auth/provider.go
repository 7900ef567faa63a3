// Package auth obtains bearer tokens for proxied requests from an external
// auth service, optionally caching them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"authgate/internal/config"
	"authgate/internal/metrics"
)

// ErrTokenProvider matches every *TokenError.
var ErrTokenProvider = errors.New("token provider")

// TokenProvider returns an access token for the caller identified by the
// inbound request headers. An empty token with a nil error means the caller
// has no session; that is not a failure.
type TokenProvider interface {
	Token(ctx context.Context, header http.Header) (string, error)
}

// TokenError reports a failure to obtain a token, as opposed to the caller
// simply having no session.
type TokenError struct {
	StatusCode int // status returned by the auth service, 0 if none was received
	Err        error
}

func (e *TokenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token provider: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token provider: %v", e.Err)
}

func (e *TokenError) Unwrap() []error {
	return []error{ErrTokenProvider, e.Err}
}

// Anonymous is the provider used when no token endpoint is configured.
type Anonymous struct{}

// Token always reports that there is no token.
func (Anonymous) Token(context.Context, http.Header) (string, error) {
	return "", nil
}

// NewTokenProvider builds the provider chain described by cfg.Auth: an
// anonymous provider when no token URL is set, otherwise an HTTP provider,
// wrapped in a cache when caching is enabled. Providers that hold resources
// implement io.Closer.
func NewTokenProvider(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (TokenProvider, error) {
	if !cfg.Auth.Enabled() {
		logger.Info("token provider disabled; forwarding all requests anonymously")
		return Anonymous{}, nil
	}

	var p TokenProvider = NewHTTPProvider(&cfg.Auth, logger, m)
	if !cfg.Auth.Cache.Enabled {
		return p, nil
	}

	var (
		cache Cache
		err   error
	)
	switch cfg.Auth.Cache.Backend {
	case config.CacheBackendRedis:
		cache, err = NewRedisCache(cfg.Auth.Cache.RedisURL, cfg.Auth.Cache.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
	default:
		cache = NewMemoryCache(cfg.Auth.Cache.MaxEntries)
	}
	logger.Info("token cache enabled",
		"backend", cfg.Auth.Cache.Backend,
		"ttl_seconds", cfg.Auth.Cache.TTLSeconds,
	)

	ttl := time.Duration(cfg.Auth.Cache.TTLSeconds) * time.Second
	return NewCachingProvider(p, cache, cfg.Auth.ForwardHeaders, ttl, logger, m), nil
}

// Close releases resources held by p, if any.
func Close(p TokenProvider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
