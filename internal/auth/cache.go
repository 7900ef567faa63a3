package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate/internal/metrics"
)

// ErrCacheMiss indicates that the key was not found in the cache.
var ErrCacheMiss = errors.New("cache miss")

// expirySkew is subtracted from a token's exp claim so that a cached token is
// never handed out in the last moments of its life.
const expirySkew = 30 * time.Second

// Cache stores tokens keyed by an opaque session fingerprint.
type Cache interface {
	// Get returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// CachingProvider serves tokens from a Cache and falls back to the wrapped
// provider on a miss. Empty tokens and errors are never cached, and a failing
// cache degrades to calling the wrapped provider.
type CachingProvider struct {
	next    TokenProvider
	cache   Cache
	headers []string
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCachingProvider wraps next with cache. headers names the credential
// headers that identify a session; ttl caps how long any token is kept.
func NewCachingProvider(next TokenProvider, cache Cache, headers []string, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *CachingProvider {
	return &CachingProvider{
		next:    next,
		cache:   cache,
		headers: canonicalKeys(headers),
		ttl:     ttl,
		logger:  logger.With("component", "token_cache"),
		metrics: m,
		now:     time.Now,
	}
}

// Token implements TokenProvider.
func (p *CachingProvider) Token(ctx context.Context, header http.Header) (string, error) {
	key := sessionKey(header, p.headers)
	if key == "" {
		return p.next.Token(ctx, header)
	}

	token, err := p.cache.Get(ctx, key)
	if err == nil {
		p.metrics.ObserveToken(metrics.TokenCacheHit)
		return token, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		p.logger.Warn("token cache read failed", "err", err)
	}
	p.metrics.ObserveToken(metrics.TokenCacheMiss)

	token, err = p.next.Token(ctx, header)
	if err != nil || token == "" {
		return token, err
	}

	if ttl := p.tokenTTL(token); ttl > 0 {
		if err := p.cache.Set(ctx, key, token, ttl); err != nil {
			p.logger.Warn("token cache write failed", "err", err)
		}
	}
	return token, nil
}

// Close closes the underlying cache.
func (p *CachingProvider) Close() error {
	return p.cache.Close()
}

// tokenTTL bounds the configured TTL by the token's own expiry when the token
// is a JWT carrying an exp claim. The signature is not checked; the upstream
// does that.
func (p *CachingProvider) tokenTTL(token string) time.Duration {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return p.ttl
	}
	return min(p.ttl, claims.ExpiresAt.Sub(p.now())-expirySkew)
}

// sessionKey fingerprints the credential headers of a request. It returns an
// empty string when none of them is present.
func sessionKey(header http.Header, keys []string) string {
	h := sha256.New()
	found := false
	for _, key := range keys {
		vals := header.Values(key)
		if len(vals) == 0 {
			continue
		}
		found = true
		h.Write([]byte(key))
		for _, v := range vals {
			h.Write([]byte{0})
			h.Write([]byte(v))
		}
		h.Write([]byte{'\n'})
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// memoryCache is a bounded in-process Cache with lazy expiry.
type memoryCache struct {
	mu         sync.Mutex
	items      map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates an in-process cache holding at most maxEntries tokens.
func NewMemoryCache(maxEntries int) Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &memoryCache{
		items:      make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// evictLocked drops expired entries, or one arbitrary entry if none expired.
func (c *memoryCache) evictLocked() {
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.maxEntries {
		return
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	return nil
}
