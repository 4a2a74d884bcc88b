package tradovate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecopy/internal/domain"
)

// symbolCache memoizes root-ticker -> front-month contract id lookups
// per calendar day, per spec §4.4 step 4 ("cached per (ticker, day)").
// Contract ids roll at expiry, so a day boundary is the cheapest safe
// invalidation key.
type symbolCache struct {
	mu      sync.RWMutex
	entries map[string]symbolEntry
}

type symbolEntry struct {
	contractID string
	day        string
}

func newSymbolCache() *symbolCache {
	return &symbolCache{entries: make(map[string]symbolEntry)}
}

func (s *symbolCache) get(root string, day string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[root]
	if !ok || e.day != day {
		return "", false
	}
	return e.contractID, true
}

func (s *symbolCache) put(root, day, contractID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[root] = symbolEntry{contractID: contractID, day: day}
}

type contractWire struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ResolveSymbol maps a TradingView root ticker (e.g. "MES") to
// Tradovate's current front-month contract (e.g. "MESU5") via
// /contract/suggest, caching the result for the remainder of the
// calendar day `at` falls on.
func (c *Client) ResolveSymbol(ctx context.Context, root string, at time.Time) (string, error) {
	day := at.Format("2006-01-02")
	if id, ok := c.symbolCache.get(root, day); ok {
		return id, nil
	}

	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out []contractWire
		resp, err := c.rest.R().SetContext(ctx).SetResult(&out).
			Get("/contract/suggest?t=" + root)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() || len(out) == 0 {
			return nil, fmt.Errorf("%w: no contract found for %s", domain.ErrBrokerRejected, root)
		}
		return out[0].Name, nil
	})
	if err != nil {
		return "", err
	}

	contractName := result.(string)
	c.symbolCache.put(root, day, contractName)
	return contractName, nil
}
