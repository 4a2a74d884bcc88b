// Package dispatch implements C7: given an applied signal's C6 effect,
// enumerate the recorder's enabled traders, scale sizes, resolve
// symbols and TP/SL, and produce the ExecutionTasks enqueued to the
// worker pool (§4.4).
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/position"
)

// TraderLister returns the traders linked to a recorder, enabled or
// not; Expand skips the disabled ones.
// Backed by a small Postgres-query adapter in production.
type TraderLister func(ctx context.Context, recorderID string) ([]domain.Trader, error)

// Dispatcher expands one signal's C6 effect into zero or more
// ExecutionTasks.
type Dispatcher struct {
	traders TraderLister
	symbols broker.Adapter
}

// New builds a Dispatcher. symbols only uses the Adapter's
// ResolveSymbol method; the rest of the interface is unused here.
func New(traders TraderLister, symbols broker.Adapter) *Dispatcher {
	return &Dispatcher{traders: traders, symbols: symbols}
}

// Expand implements §4.4 steps 1-5. The returned tasks are ordered:
// for a FLIP effect, every trader's close task is sequenced strictly
// before its open task, though two different traders' tasks may
// interleave (ordering is only promised within a (trader, symbol)
// partition, §5).
func (d *Dispatcher) Expand(ctx context.Context, r domain.Recorder, sig domain.Signal, eff position.Effect) ([]domain.ExecutionTask, error) {
	if eff.Intent == position.IntentNoop {
		return nil, nil
	}

	traders, err := d.traders(ctx, r.ID.String())
	if err != nil {
		return nil, fmt.Errorf("dispatch: list traders: %w", err)
	}

	var tasks []domain.ExecutionTask
	for _, t := range traders {
		if !t.Enabled {
			continue
		}

		contractSymbol, err := d.symbols.ResolveSymbol(ctx, sig.Ticker, sig.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve symbol %s: %w", sig.Ticker, err)
		}

		seq := 0
		if eff.Intent == position.IntentClose || eff.Intent == position.IntentFlip {
			closeTask, err := closingTask(r, t, sig, eff, contractSymbol, seq)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, closeTask)
			seq++
		}

		if eff.Intent == position.IntentOpen || eff.Intent == position.IntentAdd || eff.Intent == position.IntentFlip {
			openTask, err := openingTask(r, t, sig, eff, contractSymbol, seq)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, openTask)
		}
	}
	return tasks, nil
}

// scaledQuantity implements §4.4 step 2's round_half_up, then applies
// the max-contracts-per-trade cap AFTER scaling (the resolved
// precedence from SPEC_FULL.md §1).
func scaledQuantity(base int, multiplier decimal.Decimal, cap int) int {
	scaled := decimal.NewFromInt(int64(base)).Mul(multiplier).Round(0)
	qty := int(scaled.IntPart())
	if qty < 1 {
		qty = 1
	}
	if cap > 0 && qty > cap {
		qty = cap
	}
	return qty
}

func closingTask(r domain.Recorder, t domain.Trader, sig domain.Signal, eff position.Effect, symbol string, seq int) (domain.ExecutionTask, error) {
	if eff.Closed == nil {
		return domain.ExecutionTask{}, fmt.Errorf("dispatch: closing task requested without a closed position")
	}
	cap := effectiveMaxContracts(r, t)
	qty := scaledQuantity(eff.Closed.TotalQuantity, t.Multiplier, cap)
	action := domain.ActionSell
	if eff.Closed.Side == domain.SideShort {
		action = domain.ActionBuy
	}
	return domain.ExecutionTask{
		TraderID:      t.ID,
		SubaccountID:  t.SubaccountID,
		SignalID:      sig.ID,
		CorrelationID: uuid.New(),
		Action:        action,
		Symbol:        symbol,
		Quantity:      qty,
		Sequence:      seq,
	}, nil
}

func openingTask(r domain.Recorder, t domain.Trader, sig domain.Signal, eff position.Effect, symbol string, seq int) (domain.ExecutionTask, error) {
	cap := effectiveMaxContracts(r, t)
	qty := scaledQuantity(eff.BaseQuantity, t.Multiplier, cap)
	tp, sl := effectiveTPSL(r, t)
	return domain.ExecutionTask{
		TraderID:      t.ID,
		SubaccountID:  t.SubaccountID,
		SignalID:      sig.ID,
		CorrelationID: uuid.New(),
		Action:        sig.Action,
		Symbol:        symbol,
		Quantity:      qty,
		TP:            tp,
		SL:            sl,
		Sequence:      seq,
	}, nil
}

func effectiveMaxContracts(r domain.Recorder, t domain.Trader) int {
	if t.RiskOverride != nil && t.RiskOverride.MaxContractsPerTrade > 0 {
		return t.RiskOverride.MaxContractsPerTrade
	}
	return r.Risk.MaxContractsPerTrade
}

// effectiveTPSL resolves §4.4 step 3: trader override, else recorder
// default.
func effectiveTPSL(r domain.Recorder, t domain.Trader) (tp, sl *domain.TPSLSpec) {
	if t.TPOverride != nil {
		tp = t.TPOverride
	} else {
		tp = &domain.TPSLSpec{Value: r.TPValue, Unit: r.TPUnit, Targets: r.TPTargets}
	}
	if t.SLOverride != nil {
		sl = t.SLOverride
	} else {
		sl = &domain.TPSLSpec{
			Value:                 r.SLValue,
			Unit:                  r.SLUnit,
			SLType:                r.SLType,
			BreakevenTriggerTicks: r.BreakevenTriggerTicks,
		}
	}
	return tp, sl
}
