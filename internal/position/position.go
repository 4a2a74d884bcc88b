// Package position implements C6: the signal-based position state
// machine (§4.2), the heart of the engine. It is a pure function of
// the current open position (if any) and an incoming signal — the
// broker is never consulted here.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/domain"
	"tradecopy/internal/signalstore"
)

// Intent is the side-effect descriptor C6 emits for a signal, threaded
// to the dispatcher (C7) to decide fan-out quantity and sequencing.
type Intent string

const (
	IntentNoop  Intent = "noop"
	IntentOpen  Intent = "open"
	IntentAdd   Intent = "add"
	IntentClose Intent = "close"
	IntentFlip  Intent = "flip"
)

// Effect is the result of applying one signal: the intent, the
// resulting open position (nil if now flat), the position that was
// just closed (nil unless this signal closed or flipped one), and the
// base quantity the dispatcher scales from (§4.4 step 2).
type Effect struct {
	Intent         Intent
	Resulting      *domain.Position
	Closed         *domain.Position
	ClosedRealized decimal.Decimal
	BaseQuantity   int
}

// Machine applies signals to positions through the signal store's
// transactional row lock.
type Machine struct {
	store *signalstore.Store
}

// New builds a Machine over an already-migrated signal store.
func New(store *signalstore.Store) *Machine {
	return &Machine{store: store}
}

// Apply runs the state transition table from §4.2 for one signal
// against recorder r's ticker, inside a single serialized transaction.
func (m *Machine) Apply(ctx context.Context, r domain.Recorder, sig domain.Signal) (Effect, error) {
	var effect Effect

	_, _, err := m.store.WithOpenPosition(ctx, r.ID.String(), sig.Ticker, func(ctx context.Context, current *domain.Position) (signalstore.PositionMutation, error) {
		e, mutation, err := transition(r, sig, current)
		if err != nil {
			return signalstore.PositionMutation{}, err
		}
		effect = e
		return mutation, nil
	})
	if err != nil {
		return Effect{}, fmt.Errorf("position: apply: %w", err)
	}

	if effect.Closed != nil {
		if err := m.store.RecordClose(ctx, effect.Closed.ID, sig.Price, effect.ClosedRealized); err != nil {
			return effect, err
		}
	}
	return effect, nil
}

func transition(r domain.Recorder, sig domain.Signal, current *domain.Position) (Effect, signalstore.PositionMutation, error) {
	switch {
	case current == nil:
		return transitionFlat(r, sig)
	case current.Side == domain.SideLong:
		return transitionLong(r, sig, current)
	case current.Side == domain.SideShort:
		return transitionShort(r, sig, current)
	default:
		return Effect{}, signalstore.PositionMutation{}, fmt.Errorf("%w: open position %s has no side", domain.ErrInvariantViolation, current.ID)
	}
}

func transitionFlat(r domain.Recorder, sig domain.Signal) (Effect, signalstore.PositionMutation, error) {
	switch sig.Action {
	case domain.ActionBuy:
		p := newPosition(r, sig, domain.SideLong)
		return Effect{Intent: IntentOpen, Resulting: p, BaseQuantity: r.InitialSize},
			signalstore.PositionMutation{Op: signalstore.OpInsert, Opened: p}, nil
	case domain.ActionSell:
		p := newPosition(r, sig, domain.SideShort)
		return Effect{Intent: IntentOpen, Resulting: p, BaseQuantity: r.InitialSize},
			signalstore.PositionMutation{Op: signalstore.OpInsert, Opened: p}, nil
	case domain.ActionClose:
		return Effect{Intent: IntentNoop}, signalstore.PositionMutation{Op: signalstore.OpNone}, nil
	default:
		return Effect{}, signalstore.PositionMutation{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedSignal, sig.Action)
	}
}

func transitionLong(r domain.Recorder, sig domain.Signal, current *domain.Position) (Effect, signalstore.PositionMutation, error) {
	switch sig.Action {
	case domain.ActionBuy:
		return add(r, sig, current)
	case domain.ActionSell:
		return closeOrFlip(r, sig, current, domain.SideShort)
	case domain.ActionClose:
		return closeOnly(sig, current)
	default:
		return Effect{}, signalstore.PositionMutation{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedSignal, sig.Action)
	}
}

func transitionShort(r domain.Recorder, sig domain.Signal, current *domain.Position) (Effect, signalstore.PositionMutation, error) {
	switch sig.Action {
	case domain.ActionSell:
		return add(r, sig, current)
	case domain.ActionBuy:
		return closeOrFlip(r, sig, current, domain.SideLong)
	case domain.ActionClose:
		return closeOnly(sig, current)
	default:
		return Effect{}, signalstore.PositionMutation{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedSignal, sig.Action)
	}
}

// add implements the weighted-average ADD transition (I2):
// wavg(a, q, p, dq) = (a*q + p*dq) / (q + dq).
func add(r domain.Recorder, sig domain.Signal, current *domain.Position) (Effect, signalstore.PositionMutation, error) {
	addSize := r.AddSize
	if addSize <= 0 {
		addSize = 1
	}
	dq := decimal.NewFromInt(int64(addSize))
	q := decimal.NewFromInt(int64(current.TotalQuantity))
	newAvg := current.AvgEntryPrice.Mul(q).Add(sig.Price.Mul(dq)).Div(q.Add(dq))

	updated := *current
	updated.TotalQuantity += addSize
	updated.AvgEntryPrice = newAvg

	return Effect{Intent: IntentAdd, Resulting: &updated, BaseQuantity: addSize},
		signalstore.PositionMutation{Op: signalstore.OpUpdate, Updated: &updated}, nil
}

// closeOnly implements the plain CLOSE transition: the position is
// marked closed with no replacement.
func closeOnly(sig domain.Signal, current *domain.Position) (Effect, signalstore.PositionMutation, error) {
	realized := realizedPnL(current, sig.Price)
	return Effect{Intent: IntentClose, Closed: current, ClosedRealized: realized, BaseQuantity: current.TotalQuantity},
		signalstore.PositionMutation{Op: signalstore.OpClose}, nil
}

// closeOrFlip implements the opposite-direction signal: always closes
// the current position; if the recorder has reverse-on-opposite
// enabled, also opens a fresh position on the other side (I1: "a new
// one opened if flipping", the resolved open question in SPEC_FULL.md).
func closeOrFlip(r domain.Recorder, sig domain.Signal, current *domain.Position, newSide domain.Side) (Effect, signalstore.PositionMutation, error) {
	realized := realizedPnL(current, sig.Price)

	if !r.ReverseOnOpposite {
		return Effect{Intent: IntentClose, Closed: current, ClosedRealized: realized, BaseQuantity: current.TotalQuantity},
			signalstore.PositionMutation{Op: signalstore.OpClose}, nil
	}

	opened := newPosition(r, sig, newSide)
	return Effect{Intent: IntentFlip, Closed: current, ClosedRealized: realized, Resulting: opened, BaseQuantity: r.InitialSize},
		signalstore.PositionMutation{Op: signalstore.OpCloseAndOpen, Opened: opened}, nil
}

// realizedPnL implements §4.2's CLOSE formula:
// (exit - avg_entry) * qty * multiplier * side_sign.
func realizedPnL(p *domain.Position, exitPrice decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if p.Side == domain.SideShort {
		sign = decimal.NewFromInt(-1)
	}
	multiplier, _ := domain.MultiplierFor(p.Ticker)
	qty := decimal.NewFromInt(int64(p.TotalQuantity))
	return exitPrice.Sub(p.AvgEntryPrice).Mul(qty).Mul(multiplier).Mul(sign)
}

func newPosition(r domain.Recorder, sig domain.Signal, side domain.Side) *domain.Position {
	initial := r.InitialSize
	if initial <= 0 {
		initial = 1
	}
	return &domain.Position{
		ID:            uuid.New(),
		RecorderID:    r.ID,
		Ticker:        sig.Ticker,
		Side:          side,
		TotalQuantity: initial,
		AvgEntryPrice: sig.Price,
		CurrentPrice:  sig.Price,
		Status:        domain.PositionOpen,
		OpenedAt:      time.Now(),
	}
}
