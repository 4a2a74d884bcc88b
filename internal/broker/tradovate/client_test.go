package tradovate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{APIURL: srv.URL, ClientID: "cid", ClientSecret: "secret", Timeout: 2 * time.Second})
	return c
}

func TestResolveSymbolCachesWithinDay(t *testing.T) {
	var hits int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode([]contractWire{{ID: 1, Name: "MESU5"}})
	})

	at := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	name, err := c.ResolveSymbol(context.Background(), "MES", at)
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if name != "MESU5" {
		t.Fatalf("name = %q, want MESU5", name)
	}

	name2, err := c.ResolveSymbol(context.Background(), "MES", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResolveSymbol (cached): %v", err)
	}
	if name2 != "MESU5" {
		t.Fatalf("name2 = %q, want MESU5", name2)
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1 (second call should hit the same-day cache)", hits)
	}
}

func TestResolveSymbolRefetchesAcrossDayBoundary(t *testing.T) {
	var hits int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode([]contractWire{{ID: 1, Name: "MESU5"}})
	})

	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	if _, err := c.ResolveSymbol(context.Background(), "MES", day1); err != nil {
		t.Fatalf("ResolveSymbol day1: %v", err)
	}
	if _, err := c.ResolveSymbol(context.Background(), "MES", day2); err != nil {
		t.Fatalf("ResolveSymbol day2: %v", err)
	}
	if hits != 2 {
		t.Fatalf("hits = %d, want 2 (cache keyed by calendar day)", hits)
	}
}

func TestResolveSymbolRejectsEmptyResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]contractWire{})
	})
	if _, err := c.ResolveSymbol(context.Background(), "ZZZ", time.Now()); !errors.Is(err, domain.ErrBrokerRejected) {
		t.Fatalf("err = %v, want ErrBrokerRejected", err)
	}
}

func TestExchangeAuthCodeParsesTokenSet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenWire{
			AccessToken:    "access-1",
			RefreshToken:   "refresh-1",
			ExpirationTime: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		})
	})

	ts, err := c.ExchangeAuthCode(context.Background(), "auth-code", "https://example.com/callback")
	if err != nil {
		t.Fatalf("ExchangeAuthCode: %v", err)
	}
	if ts.AccessToken != "access-1" || ts.RefreshToken != "refresh-1" {
		t.Fatalf("token set = %+v", ts)
	}
	if !ts.ExpiresAt.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expires at = %v", ts.ExpiresAt)
	}
}

func TestExchangeAuthCodeRejectsErrorText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenWire{ErrorText: "invalid_code"})
	})
	if _, err := c.ExchangeAuthCode(context.Background(), "bad-code", "https://example.com/callback"); !errors.Is(err, domain.ErrBrokerRejected) {
		t.Fatalf("err = %v, want ErrBrokerRejected", err)
	}
}

func TestRefreshTokenReturnsNewAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenWire{
			AccessToken:    "access-2",
			ExpirationTime: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		})
	})

	tok, err := c.RefreshToken(context.Background(), "refresh-old")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if tok.AccessToken != "access-2" {
		t.Fatalf("access token = %q, want access-2", tok.AccessToken)
	}
	// The caller's original refresh token is preserved; Tradovate's
	// refresh grant does not rotate it in the wire response we parse here.
	if tok.RefreshToken != "refresh-old" {
		t.Fatalf("refresh token = %q, want refresh-old", tok.RefreshToken)
	}
}

func TestRefreshTokenRejectsInvalidGrant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenWire{ErrorText: "invalid_grant: token revoked"})
	})
	if _, err := c.RefreshToken(context.Background(), "refresh-old"); err == nil {
		t.Fatal("expected an error for a revoked refresh token")
	}
}

func TestPlaceOrderParsesFill(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponseWire{OrderID: 42, FillPrice: 101.25, Filled: true})
	})

	res, err := c.PlaceOrder(context.Background(), broker.OrderRequest{
		SubaccountID: "sub-1", Symbol: "MESU5", Side: domain.ActionBuy, Quantity: 2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "42" || !res.FilledNow {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlaceOrderRejectsBrokerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	if _, err := c.PlaceOrder(context.Background(), broker.OrderRequest{SubaccountID: "sub-1", Symbol: "MESU5", Quantity: 1}); !errors.Is(err, domain.ErrBrokerRejected) {
		t.Fatalf("err = %v, want ErrBrokerRejected", err)
	}
}
