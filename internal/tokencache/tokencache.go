// Package tokencache implements C1: a per-account OAuth token cache
// with expiry-aware lookup, serialized renewal (I5), and a background
// refresh-ahead thread, following the teacher's circuitbreaker/database
// packages for retry and logging conventions.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecopy/internal/domain"
	"tradecopy/internal/telemetry"
)

// Token is the OAuth material cached for one account.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (t Token) expiringWithin(skew time.Duration, now time.Time) bool {
	return now.Add(skew).After(t.ExpiresAt)
}

// Refresher performs the actual OAuth exchange against the broker. C2
// implements this; tokencache only knows about the abstract operation
// so it never depends on the concrete Tradovate adapter.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
}

// ReauthNotifier is called when an account's refresh token is rejected
// with invalid_grant; the webhook/HTTP layer surfaces this to the user
// via the event bus (C10).
type ReauthNotifier func(accountID string)

type entry struct {
	mu       sync.Mutex
	token    Token
	renewing bool
	cond     *sync.Cond
}

// Cache is the C1 token cache. Safe for concurrent use; one lock per
// account guarantees I5 (no two concurrent renewals for the same
// account).
type Cache struct {
	refresher Refresher
	notify    ReauthNotifier
	skew      time.Duration
	metrics   *telemetry.Metrics

	mu      sync.RWMutex
	entries map[string]*entry

	redis *redis.Client // optional secondary cache; nil disables it
	ttl   time.Duration
}

// Config controls skew, the proactive refresh window, and the optional
// Redis secondary cache.
type Config struct {
	Skew            time.Duration // default 120s
	ProactiveWindow time.Duration // default 2h
	ScanInterval    time.Duration // default 30s
	RedisAddr       string        // empty disables the secondary cache
}

// DefaultConfig matches the values enumerated in spec §6.
func DefaultConfig() Config {
	return Config{
		Skew:            120 * time.Second,
		ProactiveWindow: 2 * time.Hour,
		ScanInterval:    30 * time.Second,
	}
}

// New creates a Cache. ctx governs the lifetime of the background
// refresh-ahead scanner launched here; cancel it to stop the scanner.
func New(ctx context.Context, cfg Config, refresher Refresher, notify ReauthNotifier, metrics *telemetry.Metrics) *Cache {
	c := &Cache{
		refresher: refresher,
		notify:    notify,
		skew:      cfg.Skew,
		metrics:   metrics,
		entries:   make(map[string]*entry),
		ttl:       cfg.ProactiveWindow,
	}
	if cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	window := cfg.ProactiveWindow
	if window <= 0 {
		window = 2 * time.Hour
	}
	go c.scanLoop(ctx, interval, window)

	return c
}

// Seed installs a known-good token for an account, e.g. right after
// OAuth connect, without going through the renew path.
func (c *Cache) Seed(accountID string, tok Token) {
	c.mu.Lock()
	e, ok := c.entries[accountID]
	if !ok {
		e = &entry{}
		e.cond = sync.NewCond(&e.mu)
		c.entries[accountID] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.token = tok
	e.mu.Unlock()

	c.writeThrough(accountID, tok)
}

// Get returns a usable access token for accountID, transparently
// renewing if the cached token is within skew of expiry (§4.1).
func (c *Cache) Get(ctx context.Context, accountID string) (Token, error) {
	e := c.entryFor(accountID)

	e.mu.Lock()
	tok := e.token
	needsRenew := tok.AccessToken == "" || tok.expiringWithin(c.skew, time.Now())
	e.mu.Unlock()

	if !needsRenew {
		return tok, nil
	}
	return c.renew(ctx, accountID, e)
}

func (c *Cache) entryFor(accountID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[accountID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[accountID]; ok {
		return e
	}
	e = &entry{}
	e.cond = sync.NewCond(&e.mu)
	c.entries[accountID] = e
	return e
}

// renew performs the serialized-per-account refresh exchange (I5, P6).
// If another goroutine is already renewing, this call blocks on the
// entry's condition variable and returns the refreshed token once the
// holder finishes instead of issuing a second refresh request.
func (c *Cache) renew(ctx context.Context, accountID string, e *entry) (Token, error) {
	e.mu.Lock()
	if e.renewing {
		for e.renewing {
			e.cond.Wait()
		}
		tok := e.token
		e.mu.Unlock()
		return tok, nil
	}
	e.renewing = true
	refreshToken := e.token.RefreshToken
	e.mu.Unlock()

	newTok, err := c.refreshWithBackoff(ctx, accountID, refreshToken)

	e.mu.Lock()
	e.renewing = false
	if err == nil {
		e.token = newTok
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	if err != nil {
		return Token{}, err
	}
	c.writeThrough(accountID, newTok)
	if c.metrics != nil {
		c.metrics.TokenRefreshes.WithLabelValues(accountID, "success").Inc()
	}
	return newTok, nil
}

// refreshWithBackoff implements §4.1's failure modes: invalid_grant
// escalates immediately to requires_reauth; any other transport error
// backs off 1s, 2s, 4s capped at 30s while the stale token remains
// usable by other callers until it truly expires.
func (c *Cache) refreshWithBackoff(ctx context.Context, accountID, refreshToken string) (Token, error) {
	delay := time.Second
	const maxDelay = 30 * time.Second

	for attempt := 0; ; attempt++ {
		tok, err := c.refresher.RefreshToken(ctx, refreshToken)
		if err == nil {
			return tok, nil
		}

		if isInvalidGrant(err) {
			if c.metrics != nil {
				c.metrics.TokenRefreshes.WithLabelValues(accountID, "invalid_grant").Inc()
			}
			if c.notify != nil {
				c.notify(accountID)
			}
			return Token{}, fmt.Errorf("%w: %v", domain.ErrRequiresReauth, err)
		}

		if attempt >= 5 {
			if c.metrics != nil {
				c.metrics.TokenRefreshes.WithLabelValues(accountID, "error").Inc()
			}
			return Token{}, fmt.Errorf("token refresh exhausted retries: %w", err)
		}

		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// isInvalidGrant recognizes the OAuth invalid_grant failure mode.
// Broker adapters wrap this sentinel when the identity endpoint returns
// that specific error code.
func isInvalidGrant(err error) bool {
	return err != nil && err.Error() != "" && containsInvalidGrant(err.Error())
}

func containsInvalidGrant(s string) bool {
	const needle = "invalid_grant"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// scanLoop runs the background refresh-ahead thread: every interval,
// proactively renews any entry expiring within window (§4.1).
func (c *Cache) scanLoop(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanOnce(ctx, window)
		}
	}
}

func (c *Cache) scanOnce(ctx context.Context, window time.Duration) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	entries := make([]*entry, 0, len(c.entries))
	for id, e := range c.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	now := time.Now()
	for i, e := range entries {
		e.mu.Lock()
		expiresAt := e.token.ExpiresAt
		e.mu.Unlock()
		if expiresAt.IsZero() || !now.Add(window).After(expiresAt) {
			continue
		}
		// Best-effort: errors during proactive refresh are logged by
		// the refresher/metrics path; the stale token remains usable.
		_, _ = c.renew(ctx, ids[i], e)
	}
}

// writeThrough mirrors the token into the optional Redis secondary
// cache with a TTL matching its remaining lifetime. The cache only
// writes these keys; nothing in this package reads them back.
func (c *Cache) writeThrough(accountID string, tok Token) {
	if c.redis == nil {
		return
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.redis.Set(ctx, "tokencache:"+accountID, data, ttl).Err()
}
