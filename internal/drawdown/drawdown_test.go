package drawdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/tokencache"
)

type quoteAdapter struct {
	price decimal.Decimal
	err   error
}

func (q quoteAdapter) ResolveSymbol(ctx context.Context, root string, at time.Time) (string, error) {
	return root, nil
}
func (q quoteAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (q quoteAdapter) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (q quoteAdapter) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if q.err != nil {
		return broker.Quote{}, q.err
	}
	return broker.Quote{Symbol: symbol, Price: q.price, At: time.Now()}, nil
}
func (q quoteAdapter) ListOpenPositions(ctx context.Context, subaccountID string) ([]broker.BrokerPosition, error) {
	return nil, nil
}
func (q quoteAdapter) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (broker.TokenSet, error) {
	return broker.TokenSet{}, nil
}
func (q quoteAdapter) RefreshToken(ctx context.Context, refreshToken string) (tokencache.Token, error) {
	return tokencache.Token{}, nil
}

func TestUnrealizedPnLLong(t *testing.T) {
	pos := domain.Position{Side: domain.SideLong, TotalQuantity: 2, AvgEntryPrice: decimal.NewFromInt(100)}
	got := unrealizedPnL(pos, decimal.NewFromInt(105), decimal.NewFromInt(5))
	want := decimal.NewFromInt(50) // (105-100)*2*5
	if !got.Equal(want) {
		t.Fatalf("unrealizedPnL = %s, want %s", got, want)
	}
}

func TestUnrealizedPnLShort(t *testing.T) {
	pos := domain.Position{Side: domain.SideShort, TotalQuantity: 1, AvgEntryPrice: decimal.NewFromInt(100)}
	got := unrealizedPnL(pos, decimal.NewFromInt(105), decimal.NewFromInt(5))
	want := decimal.NewFromInt(-25) // (105-100)*1*5*-1
	if !got.Equal(want) {
		t.Fatalf("unrealizedPnL = %s, want %s", got, want)
	}
}

func newPoller() *Poller {
	return New(nil, nil, nil, nil, nil, nil)
}

func TestRecomputeTriggerFixedSetsOnceThenHolds(t *testing.T) {
	p := newPoller()
	r := domain.Recorder{SLType: domain.SLFixed, SLValue: decimal.NewFromInt(10)}
	pos := domain.Position{Side: domain.SideLong, AvgEntryPrice: decimal.NewFromInt(100)}

	trigger := p.recomputeTrigger(pos, r, decimal.Zero, decimal.NewFromInt(5))
	want := decimal.NewFromInt(90)
	if !trigger.Equal(want) {
		t.Fatalf("trigger = %s, want %s", trigger, want)
	}

	pos.SLTrigger = trigger
	held := p.recomputeTrigger(pos, r, decimal.NewFromInt(999), decimal.NewFromInt(5))
	if !held.Equal(want) {
		t.Fatalf("fixed trigger moved: got %s, want %s", held, want)
	}
}

func TestRecomputeTriggerTrailingTightensOnly(t *testing.T) {
	p := newPoller()
	r := domain.Recorder{SLType: domain.SLTrailing, SLValue: decimal.NewFromInt(10)}
	pos := domain.Position{Side: domain.SideLong, AvgEntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(110), SLTrigger: decimal.NewFromInt(90)}

	tightened := p.recomputeTrigger(pos, r, decimal.Zero, decimal.NewFromInt(5))
	want := decimal.NewFromInt(100)
	if !tightened.Equal(want) {
		t.Fatalf("trigger = %s, want %s", tightened, want)
	}

	// Price drops back; trigger must never loosen.
	pos.CurrentPrice = decimal.NewFromInt(95)
	pos.SLTrigger = tightened
	held := p.recomputeTrigger(pos, r, decimal.Zero, decimal.NewFromInt(5))
	if !held.Equal(want) {
		t.Fatalf("trailing trigger loosened: got %s, want %s", held, want)
	}
}

func TestRecomputeTriggerBreakEvenJumpsOnce(t *testing.T) {
	p := newPoller()
	r := domain.Recorder{SLType: domain.SLBreakEven, BreakevenTriggerTicks: 10}
	pos := domain.Position{Side: domain.SideLong, AvgEntryPrice: decimal.NewFromInt(100)}

	// Below threshold: no jump yet.
	below := p.recomputeTrigger(pos, r, decimal.NewFromInt(40), decimal.NewFromInt(5))
	if !below.IsZero() {
		t.Fatalf("trigger = %s, want zero (below breakeven threshold)", below)
	}

	// At/above threshold (10 ticks * 5 multiplier = 50): jumps to entry.
	atThreshold := p.recomputeTrigger(pos, r, decimal.NewFromInt(50), decimal.NewFromInt(5))
	if !atThreshold.Equal(pos.AvgEntryPrice) {
		t.Fatalf("trigger = %s, want avg entry %s", atThreshold, pos.AvgEntryPrice)
	}
}

func TestMaybeFireOnlyClosesOnce(t *testing.T) {
	p := newPoller()
	var closeCalls int32
	p.closeFn = func(ctx context.Context, pos domain.Position, r domain.Recorder) error {
		atomic.AddInt32(&closeCalls, 1)
		return nil
	}

	pos := domain.Position{ID: uuid.New(), Side: domain.SideLong, SLTrigger: decimal.NewFromInt(100)}
	r := domain.Recorder{}

	p.maybeFire(context.Background(), pos, r, decimal.NewFromInt(95)) // breach
	p.maybeFire(context.Background(), pos, r, decimal.NewFromInt(90)) // still breached, must not re-fire

	if calls := atomic.LoadInt32(&closeCalls); calls != 1 {
		t.Fatalf("close calls = %d, want 1", calls)
	}
}

func TestMaybeFireDoesNothingWithoutTrigger(t *testing.T) {
	p := newPoller()
	var closeCalls int32
	p.closeFn = func(ctx context.Context, pos domain.Position, r domain.Recorder) error {
		atomic.AddInt32(&closeCalls, 1)
		return nil
	}

	pos := domain.Position{ID: uuid.New(), Side: domain.SideLong, SLTrigger: decimal.Zero}
	p.maybeFire(context.Background(), pos, domain.Recorder{}, decimal.NewFromInt(1))

	if calls := atomic.LoadInt32(&closeCalls); calls != 0 {
		t.Fatalf("close calls = %d, want 0 (no trigger set)", calls)
	}
}

func TestMaybeFireDoesNotRetryAfterRejection(t *testing.T) {
	p := newPoller()
	var closeCalls int32
	p.closeFn = func(ctx context.Context, pos domain.Position, r domain.Recorder) error {
		atomic.AddInt32(&closeCalls, 1)
		return errors.New("broker rejected")
	}

	pos := domain.Position{ID: uuid.New(), Side: domain.SideLong, SLTrigger: decimal.NewFromInt(100)}
	p.maybeFire(context.Background(), pos, domain.Recorder{}, decimal.NewFromInt(95))
	p.maybeFire(context.Background(), pos, domain.Recorder{}, decimal.NewFromInt(95))

	if calls := atomic.LoadInt32(&closeCalls); calls != 1 {
		t.Fatalf("close calls = %d, want 1 (a rejected close is not retried on the next tick)", calls)
	}
}

func TestTickOneUpdatesPositionFromQuote(t *testing.T) {
	var updated domain.Position
	var updateCalled bool
	poller := New(
		quoteAdapter{price: decimal.NewFromInt(105)},
		nil,
		func(ctx context.Context, p domain.Position) error {
			updated = p
			updateCalled = true
			return nil
		},
		func(ctx context.Context, recorderID string) (domain.Recorder, error) {
			return domain.Recorder{SLType: domain.SLFixed}, nil
		},
		func(ctx context.Context, p domain.Position, r domain.Recorder) error { return nil },
		nil,
	)

	pos := domain.Position{ID: uuid.New(), Ticker: "MES", Side: domain.SideLong, TotalQuantity: 1, AvgEntryPrice: decimal.NewFromInt(100)}
	poller.tickOne(context.Background(), pos)

	if !updateCalled {
		t.Fatal("expected update to be called")
	}
	if !updated.CurrentPrice.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("current price = %s, want 105", updated.CurrentPrice)
	}
	want := decimal.NewFromInt(25) // (105-100)*1*5 (MES multiplier)
	if !updated.UnrealizedPnL.Equal(want) {
		t.Fatalf("unrealized pnl = %s, want %s", updated.UnrealizedPnL, want)
	}
}

func TestTickOneSkipsOnQuoteFailure(t *testing.T) {
	var updateCalled bool
	poller := New(
		quoteAdapter{err: errors.New("feed down")},
		nil,
		func(ctx context.Context, p domain.Position) error {
			updateCalled = true
			return nil
		},
		nil,
		nil,
		nil,
	)

	poller.tickOne(context.Background(), domain.Position{ID: uuid.New(), Ticker: "MES"})
	if updateCalled {
		t.Fatal("expected no update attempt when the quote fails")
	}
}
