// Package broker defines the abstract contract the execution workers
// (C8), connection pool (C3) and drawdown poller (C9) use to reach the
// concrete futures broker, per spec §4.6/§6. The Tradovate
// implementation lives in internal/broker/tradovate.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecopy/internal/domain"
	"tradecopy/internal/tokencache"
)

// OrderType distinguishes the parent market order from its bracket
// children.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// OrderRequest is one order placement call (§4.6: place_order).
type OrderRequest struct {
	SubaccountID string
	Symbol       string
	Side         domain.Action // buy or sell; close is translated by the caller
	Quantity     int
	Type         OrderType
	Price        decimal.Decimal // required for limit/stop
	LinkGroupID  string          // OCO group, when the adapter supports it
}

// OrderResult is the single fallible result every adapter operation
// returns (§4.6: "a single fallible result carrying a structured
// ErrorKind"). Callers distinguish success/failure via err, using the
// domain.Err* sentinels from §7.
type OrderResult struct {
	OrderID    string
	FillPrice  decimal.Decimal
	FilledNow  bool
}

// Quote is the last-traded price for a symbol.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// BrokerPosition is the broker's own view of an open position, used
// exclusively by the reconciliation audit (C9) — never by the position
// tracker (C4/C6), per §6.
type BrokerPosition struct {
	Symbol   string
	NetQty   int
	AvgPrice decimal.Decimal
}

// TokenSet is the OAuth material returned by the identity endpoint.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Adapter is the abstract broker contract (§4.6, §6). One persistent
// session per subaccount is owned by the connection pool (C3); Adapter
// implementations are stateless with respect to that session and take
// an explicit subaccount/session handle on every call.
type Adapter interface {
	// ResolveSymbol maps a TradingView root ticker to a broker contract
	// id, cached per (ticker, day) by the implementation (§4.4 step 4, §6).
	ResolveSymbol(ctx context.Context, root string, at time.Time) (string, error)

	// PlaceOrder submits a single order against an already-pooled
	// session. Never retried by the adapter once the request may have
	// reached the broker (§4.7).
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels a resting order (used by the bracket watcher
	// when a replaced trigger needs its old child pulled).
	CancelOrder(ctx context.Context, orderID string) error

	// GetQuote returns the last price for symbol (drawdown poller, C9).
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// ListOpenPositions returns the broker's own position view, used
	// only by the reconciliation audit.
	ListOpenPositions(ctx context.Context, subaccountID string) ([]BrokerPosition, error)

	// ExchangeAuthCode performs the OAuth code exchange during account
	// connect.
	ExchangeAuthCode(ctx context.Context, code, redirectURI string) (TokenSet, error)

	// RefreshToken performs the OAuth refresh grant. This method alone
	// makes Adapter satisfy tokencache.Refresher.
	RefreshToken(ctx context.Context, refreshToken string) (tokencache.Token, error)
}
