// Package drawdown implements C9: the bracket watcher and drawdown
// poller bundled into one periodic service (default 1s tick, §4.9).
// It never trusts the broker's own position view — it walks the
// signal-derived open positions from C4 and refreshes their P&L
// against PriceOracle quotes from the broker adapter.
package drawdown

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/telemetry"
)

// RecorderLookup resolves a position's owning recorder, for its SL
// spec (sl_type, sl_value, breakeven_trigger_ticks).
type RecorderLookup func(ctx context.Context, recorderID string) (domain.Recorder, error)

// CloseSubmitter submits the closing order once a stop triggers,
// respecting the no-retry policy of §4.5 step 5.
type CloseSubmitter func(ctx context.Context, p domain.Position, r domain.Recorder) error

// childState is the per-position bracket-child lifecycle from §4.9:
// PENDING is the only state in which the watcher may fire.
type childState string

const (
	childPending childState = "pending"
	childFired   childState = "fired"
	childAcked   childState = "broker_ack"
	childRejected childState = "broker_reject"
)

// Poller is the C9 service.
type Poller struct {
	quotes  broker.Adapter
	list    func(ctx context.Context) ([]domain.Position, error)
	update  func(ctx context.Context, p domain.Position) error
	lookup  RecorderLookup
	closeFn CloseSubmitter
	metrics *telemetry.Metrics

	mu       sync.Mutex
	children map[string]childState // keyed by position id
}

// New builds a Poller. list/update are thin closures over
// *signalstore.Store (kept as closures rather than a concrete
// dependency so tests can fake persistence without a database).
func New(quotes broker.Adapter, list func(ctx context.Context) ([]domain.Position, error), update func(ctx context.Context, p domain.Position) error, lookup RecorderLookup, closeFn CloseSubmitter, metrics *telemetry.Metrics) *Poller {
	return &Poller{
		quotes:   quotes,
		list:     list,
		update:   update,
		lookup:   lookup,
		closeFn:  closeFn,
		metrics:  metrics,
		children: make(map[string]childState),
	}
}

// Run blocks, ticking every interval until ctx is cancelled (default
// 1s per §4.9/§6 DRAWDOWN_TICK_MS).
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	positions, err := p.list(ctx)
	if err != nil {
		telemetry.LogEvent(ctx, "error", "drawdown_list_failed", map[string]any{"error": err})
		return
	}
	for _, pos := range positions {
		p.tickOne(ctx, pos)
	}
}

func (p *Poller) tickOne(ctx context.Context, pos domain.Position) {
	quote, err := p.quotes.GetQuote(ctx, pos.Ticker)
	if err != nil {
		telemetry.LogEvent(ctx, "warn", "drawdown_quote_failed", map[string]any{"ticker": pos.Ticker, "error": err})
		return
	}

	r, err := p.lookup(ctx, pos.RecorderID.String())
	if err != nil {
		telemetry.LogEvent(ctx, "error", "drawdown_recorder_lookup_failed", map[string]any{"recorder_id": pos.RecorderID, "error": err})
		return
	}

	multiplier, _ := domain.MultiplierFor(pos.Ticker)
	unrealized := unrealizedPnL(pos, quote.Price, multiplier)

	pos.CurrentPrice = quote.Price
	pos.UnrealizedPnL = unrealized
	if unrealized.LessThan(pos.WorstUnrealizedPnL) || pos.WorstUnrealizedPnL.IsZero() && pos.BestUnrealizedPnL.IsZero() {
		pos.WorstUnrealizedPnL = decimal.Min(pos.WorstUnrealizedPnL, unrealized)
	}
	pos.BestUnrealizedPnL = decimal.Max(pos.BestUnrealizedPnL, unrealized)
	pos.SLTrigger = p.recomputeTrigger(pos, r, unrealized, multiplier)

	if err := p.update(ctx, pos); err != nil {
		telemetry.LogEvent(ctx, "error", "drawdown_update_failed", map[string]any{"position_id": pos.ID, "error": err})
		return
	}

	p.maybeFire(ctx, pos, r, quote.Price)
}

// unrealizedPnL mirrors §4.2's realized-P&L formula with current_price
// standing in for exit_price.
func unrealizedPnL(pos domain.Position, currentPrice, multiplier decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if pos.Side == domain.SideShort {
		sign = decimal.NewFromInt(-1)
	}
	qty := decimal.NewFromInt(int64(pos.TotalQuantity))
	return currentPrice.Sub(pos.AvgEntryPrice).Mul(qty).Mul(multiplier).Mul(sign)
}

// recomputeTrigger implements the three SLType behaviors resolved in
// SPEC_FULL.md §1:
//   - fixed: trigger never moves once set.
//   - trailing: trigger only ever tightens toward the current price,
//     never loosens (max() for LONG, min() for SHORT).
//   - break_even: trigger jumps to avg_entry_price exactly once, the
//     first tick unrealized P&L crosses breakeven_trigger_ticks above
//     zero, then behaves like fixed.
func (p *Poller) recomputeTrigger(pos domain.Position, r domain.Recorder, unrealized, multiplier decimal.Decimal) decimal.Decimal {
	switch r.SLType {
	case domain.SLTrailing:
		trail := r.SLValue
		if trail.IsZero() {
			return pos.SLTrigger
		}
		if pos.Side == domain.SideLong {
			candidate := pos.CurrentPrice.Sub(trail)
			if candidate.GreaterThan(pos.SLTrigger) {
				return candidate
			}
			return pos.SLTrigger
		}
		candidate := pos.CurrentPrice.Add(trail)
		if pos.SLTrigger.IsZero() || candidate.LessThan(pos.SLTrigger) {
			return candidate
		}
		return pos.SLTrigger

	case domain.SLBreakEven:
		if !pos.SLTrigger.Equal(pos.AvgEntryPrice) {
			thresholdTicks := decimal.NewFromInt(int64(r.BreakevenTriggerTicks))
			thresholdPnL := thresholdTicks.Mul(multiplier)
			if thresholdTicks.IsPositive() && unrealized.GreaterThanOrEqual(thresholdPnL) {
				return pos.AvgEntryPrice
			}
		}
		return pos.SLTrigger

	default: // fixed
		if pos.SLTrigger.IsZero() && !r.SLValue.IsZero() {
			if pos.Side == domain.SideLong {
				return pos.AvgEntryPrice.Sub(r.SLValue)
			}
			return pos.AvgEntryPrice.Add(r.SLValue)
		}
		return pos.SLTrigger
	}
}

// maybeFire checks the stop trigger against the current price and, on
// breach, submits the closing order exactly once per position (PENDING
// is the only state the watcher may fire from, §4.9).
func (p *Poller) maybeFire(ctx context.Context, pos domain.Position, r domain.Recorder, currentPrice decimal.Decimal) {
	if pos.SLTrigger.IsZero() {
		return
	}

	triggered := false
	if pos.Side == domain.SideLong && currentPrice.LessThanOrEqual(pos.SLTrigger) {
		triggered = true
	}
	if pos.Side == domain.SideShort && currentPrice.GreaterThanOrEqual(pos.SLTrigger) {
		triggered = true
	}
	if !triggered {
		return
	}

	key := pos.ID.String()
	p.mu.Lock()
	state := p.children[key]
	if state != "" && state != childPending {
		p.mu.Unlock()
		return
	}
	p.children[key] = childFired
	p.mu.Unlock()

	if err := p.closeFn(ctx, pos, r); err != nil {
		p.mu.Lock()
		p.children[key] = childRejected
		p.mu.Unlock()
		telemetry.LogEvent(ctx, "error", "bracket_close_failed", map[string]any{"position_id": pos.ID, "error": err})
		return
	}

	p.mu.Lock()
	p.children[key] = childAcked
	p.mu.Unlock()
}
