// Package tradovate is the concrete broker.Adapter implementation for
// Tradovate's futures brokerage API: a REST leg for order placement and
// OAuth token exchange (wrapped in a circuit breaker, grounded on the
// teacher's libs/marketdata/ib.Client), and a persistent WebSocket leg
// (internal/broker/tradovate/session.go) for the duplex per-subaccount
// connection the connection pool (C3) keeps open.
package tradovate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/resilience"
	"tradecopy/internal/tokencache"
)

// Config holds the REST leg's connection details. Environment selects
// between Tradovate's demo and live API hosts (domain.Account.Environment).
type Config struct {
	APIURL       string // e.g. https://demo.tradovateapi.com/v1
	WSURL        string // e.g. wss://demo.tradovateapi.com/v1/websocket
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// DefaultConfig points at the demo environment; production wiring
// overrides APIURL/WSURL per spec §6's OAUTH_REDIRECT_URI-adjacent vars.
func DefaultConfig() Config {
	return Config{
		APIURL:  "https://demo.tradovateapi.com/v1",
		WSURL:   "wss://demo.tradovateapi.com/v1/websocket",
		Timeout: 10 * time.Second,
	}
}

// Client is the REST leg of the Tradovate adapter. It satisfies
// broker.Adapter together with the symbol cache below; order placement,
// quote reads and OAuth calls all pass through a single circuit breaker
// per the teacher's ib.Client pattern.
type Client struct {
	cfg     Config
	rest    *resty.Client
	breaker *resilience.CircuitBreaker

	symbolCache *symbolCache
}

var _ broker.Adapter = (*Client)(nil)

// NewClient builds a Tradovate REST client. cfg.Timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	rest := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:         cfg,
		rest:        rest,
		breaker:     resilience.New(resilience.DefaultConfig("tradovate-rest")),
		symbolCache: newSymbolCache(),
	}
}

// WithAccessToken scopes subsequent calls to an authenticated session,
// returning a shallow copy so concurrent callers never share headers.
func (c *Client) WithAccessToken(tok string) *Client {
	cp := *c
	cp.rest = c.rest.Clone().SetAuthToken(tok)
	return &cp
}

type orderRequestWire struct {
	AccountSpec string  `json:"accountSpec"`
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	OrderQty    int     `json:"orderQty"`
	OrderType   string  `json:"orderType"`
	Price       float64 `json:"price,omitempty"`
}

type orderResponseWire struct {
	OrderID   int64   `json:"orderId"`
	FillPrice float64 `json:"fillPrice"`
	Filled    bool    `json:"filled"`
}

// PlaceOrder submits a single order via POST /order/placeorder. Never
// retried here once the request has left this process (§4.7) — the
// circuit breaker only protects against calls that never reached
// Tradovate at all.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	wire := orderRequestWire{
		AccountSpec: req.SubaccountID,
		Symbol:      req.Symbol,
		Action:      strings.ToUpper(string(req.Side)),
		OrderQty:    req.Quantity,
		OrderType:   strings.ToUpper(string(req.Type)),
	}
	if !req.Price.IsZero() {
		wire.Price, _ = req.Price.Float64()
	}

	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out orderResponseWire
		resp, err := c.rest.R().SetContext(ctx).SetBody(wire).SetResult(&out).Post("/order/placeorder")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: tradovate status %d: %s", domain.ErrBrokerRejected, resp.StatusCode(), resp.String())
		}
		return out, nil
	})
	if err != nil {
		return broker.OrderResult{}, err
	}

	out := result.(orderResponseWire)
	return broker.OrderResult{
		OrderID:   fmt.Sprintf("%d", out.OrderID),
		FillPrice: decimal.NewFromFloat(out.FillPrice),
		FilledNow: out.Filled,
	}, nil
}

// CancelOrder cancels a resting order via POST /order/cancelorder.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		resp, err := c.rest.R().SetContext(ctx).
			SetBody(map[string]string{"orderId": orderID}).
			Post("/order/cancelorder")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: cancel status %d", domain.ErrBrokerRejected, resp.StatusCode())
		}
		return nil, nil
	})
	return err
}

type quoteWire struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// GetQuote polls the last-traded price for symbol (used by the
// drawdown poller, C9, between ticks when no WebSocket quote has
// arrived yet).
func (c *Client) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out quoteWire
		resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get("/md/getquote/" + symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: quote status %d", domain.ErrBrokerRejected, resp.StatusCode())
		}
		return out, nil
	})
	if err != nil {
		return broker.Quote{}, err
	}
	out := result.(quoteWire)
	return broker.Quote{Symbol: out.Symbol, Price: decimal.NewFromFloat(out.Price), At: time.Now()}, nil
}

type positionWire struct {
	Symbol   string  `json:"symbol"`
	NetPos   int     `json:"netPos"`
	AvgPrice float64 `json:"netPrice"`
}

// ListOpenPositions returns the broker's own position view, used only
// by the reconciliation audit — never by the authoritative tracker
// (§6).
func (c *Client) ListOpenPositions(ctx context.Context, subaccountID string) ([]broker.BrokerPosition, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out []positionWire
		resp, err := c.rest.R().SetContext(ctx).SetResult(&out).
			Get("/position/deps?masterid=" + subaccountID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: positions status %d", domain.ErrBrokerRejected, resp.StatusCode())
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	wires := result.([]positionWire)
	positions := make([]broker.BrokerPosition, 0, len(wires))
	for _, w := range wires {
		positions = append(positions, broker.BrokerPosition{
			Symbol:   w.Symbol,
			NetQty:   w.NetPos,
			AvgPrice: decimal.NewFromFloat(w.AvgPrice),
		})
	}
	return positions, nil
}

type tokenWire struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"mdAccessToken"`
	ExpirationTime   string `json:"expirationTime"`
	ErrorText        string `json:"errorText"`
}

// ExchangeAuthCode performs the OAuth code exchange during account
// connect, via Tradovate's /auth/oauthtoken endpoint.
func (c *Client) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (broker.TokenSet, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out tokenWire
		resp, err := c.rest.R().SetContext(ctx).SetBody(map[string]string{
			"grant_type":   "authorization_code",
			"code":         code,
			"redirect_uri": redirectURI,
			"client_id":    c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		}).SetResult(&out).Post("/auth/oauthtoken")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() || out.ErrorText != "" {
			return nil, fmt.Errorf("%w: oauth exchange: %s", domain.ErrBrokerRejected, out.ErrorText)
		}
		return out, nil
	})
	if err != nil {
		return broker.TokenSet{}, err
	}
	out := result.(tokenWire)
	return toTokenSet(out), nil
}

// RefreshToken performs the OAuth refresh grant; this is the method
// that makes Client satisfy tokencache.Refresher and, transitively,
// broker.Adapter.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (tokencache.Token, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out tokenWire
		resp, err := c.rest.R().SetContext(ctx).SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		}).SetResult(&out).Post("/auth/oauthtoken")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnreachable, err)
		}
		if resp.IsError() || out.ErrorText != "" {
			return nil, fmt.Errorf("invalid_grant: %s", out.ErrorText)
		}
		return out, nil
	})
	if err != nil {
		return tokencache.Token{}, err
	}
	out := result.(tokenWire)
	ts := toTokenSet(out)
	return tokencache.Token{
		AccessToken:  ts.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    ts.ExpiresAt,
	}, nil
}

func toTokenSet(w tokenWire) broker.TokenSet {
	expiresAt, err := time.Parse(time.RFC3339, w.ExpirationTime)
	if err != nil {
		expiresAt = time.Now().Add(80 * time.Minute)
	}
	return broker.TokenSet{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}
