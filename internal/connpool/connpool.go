// Package connpool implements C3: a pool of persistent, authenticated
// Tradovate sessions keyed by subaccount id. One lock per subaccount
// guards creation/removal, mirroring the per-entry locking style in
// internal/tokencache. Get and Healthy take that same lock, so a read
// of an already-open session waits while that subaccount's session is
// being dialed or removed; other subaccounts are not affected.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecopy/internal/broker/tradovate"
	"tradecopy/internal/telemetry"
	"tradecopy/internal/tokencache"
)

// SessionFactory dials a fresh Tradovate session for a subaccount,
// given a valid access token. Swappable in tests.
type SessionFactory func(ctx context.Context, subaccountID, accessToken string) (*tradovate.Session, error)

type slot struct {
	mu      sync.Mutex
	session *tradovate.Session
}

// Pool owns one long-lived session per subaccount, per spec §4.6 ("one
// persistent connection per subaccount... keep-alive ping every 30s...
// auto-reconnect without discarding in-flight orders").
type Pool struct {
	tokens  *tokencache.Cache
	factory SessionFactory
	metrics *telemetry.Metrics

	accountOf func(subaccountID string) string // subaccount -> owning account id

	mu    sync.RWMutex
	slots map[string]*slot
}

// New builds a Pool. accountOf resolves which account's OAuth token
// owns a given subaccount (subaccounts belong to one account, §3).
func New(tokens *tokencache.Cache, factory SessionFactory, metrics *telemetry.Metrics, accountOf func(string) string) *Pool {
	return &Pool{
		tokens:    tokens,
		factory:   factory,
		metrics:   metrics,
		accountOf: accountOf,
		slots:     make(map[string]*slot),
	}
}

func (p *Pool) slotFor(subaccountID string) *slot {
	p.mu.RLock()
	s, ok := p.slots[subaccountID]
	p.mu.RUnlock()
	if ok {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok = p.slots[subaccountID]; ok {
		return s
	}
	s = &slot{}
	p.slots[subaccountID] = s
	return s
}

// Get returns the live session for subaccountID, dialing one if none
// exists yet or the previous one was torn down.
func (p *Pool) Get(ctx context.Context, subaccountID string) (*tradovate.Session, error) {
	s := p.slotFor(subaccountID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.session.State() != tradovate.SessionClosed {
		return s.session, nil
	}

	accountID := p.accountOf(subaccountID)
	tok, err := p.tokens.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("connpool: acquiring token for subaccount %s: %w", subaccountID, err)
	}

	session, err := p.factory(ctx, subaccountID, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("connpool: dialing subaccount %s: %w", subaccountID, err)
	}
	session.OnDisconnect(func(err error) {
		if p.metrics != nil {
			p.metrics.BrokerCallLatency.WithLabelValues(subaccountID, "session_disconnect").Observe(0)
		}
	})
	if err := session.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connpool: connecting subaccount %s: %w", subaccountID, err)
	}
	s.session = session
	return session, nil
}

// Remove closes and evicts a subaccount's session, e.g. when the owning
// account is disconnected (OAuth revoked).
func (p *Pool) Remove(subaccountID string) {
	p.mu.RLock()
	s, ok := p.slots[subaccountID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

// Healthy reports whether subaccountID currently has a connected
// session, consumed by the guardrail monitor (C12).
func (p *Pool) Healthy(subaccountID string) bool {
	p.mu.RLock()
	s, ok := p.slots[subaccountID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.State() == tradovate.SessionConnected
}

// Shutdown closes every pooled session, used during graceful shutdown
// (spec §5: "close pooled broker sessions").
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.RLock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		for _, s := range slots {
			s.mu.Lock()
			if s.session != nil {
				_ = s.session.Close()
			}
			s.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
	}
}
