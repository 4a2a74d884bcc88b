package tradovate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState mirrors the connection-pool lifecycle a persistent
// per-subaccount Tradovate session moves through (§4.6, §5).
type SessionState int32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionReconnecting
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig controls the keep-alive and reconnect cadence of a
// Session. Defaults match spec §5: 30s keep-alive ping.
type SessionConfig struct {
	PingInterval   time.Duration
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:   30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Session is the duplex WebSocket leg the connection pool (C3) keeps
// open per subaccount: one persistent, authenticated socket carrying
// user sync (position/cash) frames and quote frames, with automatic
// reconnect that never discards in-flight order placements (those ride
// the REST leg in Client, which is independent of this socket).
//
// Adapted from the teacher pack's exchange.WSReconnectManager pattern
// (callback registration, ping/pong keep-alive, exponential backoff
// reconnect, subscription replay).
type Session struct {
	subaccountID string
	wsURL        string
	accessToken  string
	cfg          SessionConfig

	connMu sync.RWMutex
	conn   *websocket.Conn

	state      int32 // atomic SessionState
	retryCount int32

	closeCh chan struct{}

	callbackMu         sync.RWMutex
	onPositionUpdate   func(symbol string, netQty int, avgPrice string)
	onCashBalanceUpdate func(balance string)
	onQuote            func(symbol, price string)
	onDisconnect       func(error)

	subsMu sync.RWMutex
	subs   []any
}

// NewSession builds subaccountID's duplex session; nothing is dialed
// until Connect. Call the On*
// registration methods before Connect to avoid missing early frames.
func NewSession(subaccountID, wsURL, accessToken string, cfg SessionConfig) *Session {
	if cfg.PingInterval == 0 {
		cfg = DefaultSessionConfig()
	}
	return &Session{
		subaccountID: subaccountID,
		wsURL:        wsURL,
		accessToken:  accessToken,
		cfg:          cfg,
		closeCh:      make(chan struct{}),
	}
}

// OnPositionUpdate registers the callback for broker-pushed position
// deltas, consumed by the reconciliation audit (C9) — the position
// tracker itself (C4/C6) never trusts this feed as authoritative.
func (s *Session) OnPositionUpdate(fn func(symbol string, netQty int, avgPrice string)) {
	s.callbackMu.Lock()
	s.onPositionUpdate = fn
	s.callbackMu.Unlock()
}

// OnCashBalanceUpdate registers the callback for account cash-balance
// push frames.
func (s *Session) OnCashBalanceUpdate(fn func(balance string)) {
	s.callbackMu.Lock()
	s.onCashBalanceUpdate = fn
	s.callbackMu.Unlock()
}

// OnQuote registers the callback for streamed last-trade quotes,
// feeding the drawdown poller (C9) between its own polling ticks.
func (s *Session) OnQuote(fn func(symbol, price string)) {
	s.callbackMu.Lock()
	s.onQuote = fn
	s.callbackMu.Unlock()
}

// OnDisconnect registers the callback fired whenever the socket drops,
// used by the connection pool to surface health to C12.
func (s *Session) OnDisconnect(fn func(error)) {
	s.callbackMu.Lock()
	s.onDisconnect = fn
	s.callbackMu.Unlock()
}

// Subscribe adds a quote/user-sync subscription frame, replayed
// automatically on every reconnect.
func (s *Session) Subscribe(ctx context.Context, frame any) error {
	s.subsMu.Lock()
	s.subs = append(s.subs, frame)
	s.subsMu.Unlock()
	return s.send(frame)
}

// Connect dials the socket, authenticates, replays subscriptions and
// starts the read/ping pumps.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.closeCh:
		return fmt.Errorf("session %s is closed", s.subaccountID)
	default:
	}

	atomic.StoreInt32(&s.state, int32(SessionConnecting))
	if err := s.dial(ctx); err != nil {
		atomic.StoreInt32(&s.state, int32(SessionDisconnected))
		return err
	}
	atomic.StoreInt32(&s.state, int32(SessionConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	go s.readPump()
	go s.pingPump()
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial tradovate ws: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("authorize\n\n\n"+s.accessToken)); err != nil {
		conn.Close()
		return fmt.Errorf("authorize tradovate ws: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.subsMu.RLock()
	subs := make([]any, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()
	for _, sub := range subs {
		if err := s.writeJSON(sub); err != nil {
			log.Printf("tradovate session %s: resubscribe failed: %v", s.subaccountID, err)
		}
	}
	return nil
}

func (s *Session) writeJSON(v any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) send(v any) error {
	if SessionState(atomic.LoadInt32(&s.state)) != SessionConnected {
		return fmt.Errorf("session %s not connected", s.subaccountID)
	}
	return s.writeJSON(v)
}

type frameEnvelope struct {
	EventType string          `json:"e"`
	Data      json.RawMessage `json:"d"`
}

func (s *Session) readPump() {
	defer s.handleDisconnect(nil)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}

	s.callbackMu.RLock()
	onPos := s.onPositionUpdate
	onCash := s.onCashBalanceUpdate
	onQuote := s.onQuote
	s.callbackMu.RUnlock()

	switch env.EventType {
	case "props":
		if onPos != nil {
			var p struct {
				Symbol   string  `json:"symbol"`
				NetPos   int     `json:"netPos"`
				NetPrice float64 `json:"netPrice"`
			}
			if json.Unmarshal(env.Data, &p) == nil {
				onPos(p.Symbol, p.NetPos, fmt.Sprintf("%.6f", p.NetPrice))
			}
		}
	case "cash":
		if onCash != nil {
			var c struct {
				Balance float64 `json:"amount"`
			}
			if json.Unmarshal(env.Data, &c) == nil {
				onCash(fmt.Sprintf("%.6f", c.Balance))
			}
		}
	case "md":
		if onQuote != nil {
			var q struct {
				Symbol string  `json:"symbol"`
				Price  float64 `json:"price"`
			}
			if json.Unmarshal(env.Data, &q) == nil {
				onQuote(q.Symbol, fmt.Sprintf("%.6f", q.Price))
			}
		}
	}
}

func (s *Session) pingPump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil || SessionState(atomic.LoadInt32(&s.state)) != SessionConnected {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("[]")); err != nil {
				s.handleDisconnect(err)
				return
			}
		}
	}
}

// handleDisconnect tears down the dead socket and launches the
// reconnect loop without dropping the caller's queued order
// placements, which ride the independent REST leg.
func (s *Session) handleDisconnect(err error) {
	select {
	case <-s.closeCh:
		return
	default:
	}
	state := SessionState(atomic.LoadInt32(&s.state))
	if state == SessionReconnecting || state == SessionClosed {
		return
	}
	atomic.StoreInt32(&s.state, int32(SessionReconnecting))

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.callbackMu.RLock()
	onDisconnect := s.onDisconnect
	s.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	delay := s.cfg.InitialBackoff
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		atomic.AddInt32(&s.retryCount, 1)

		select {
		case <-s.closeCh:
			return
		case <-time.After(delay):
		}

		if err := s.dial(context.Background()); err != nil {
			delay *= 2
			if delay > s.cfg.MaxBackoff {
				delay = s.cfg.MaxBackoff
			}
			continue
		}
		atomic.StoreInt32(&s.state, int32(SessionConnected))
		atomic.StoreInt32(&s.retryCount, 0)
		go s.readPump()
		go s.pingPump()
		return
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

// Close terminates the session and stops reconnect attempts.
func (s *Session) Close() error {
	select {
	case <-s.closeCh:
		return nil
	default:
		close(s.closeCh)
	}
	atomic.StoreInt32(&s.state, int32(SessionClosed))
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
