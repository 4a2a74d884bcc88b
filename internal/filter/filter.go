// Package filter implements C5: the ordered, short-circuiting filter
// pipeline evaluated against every accepted-at-the-edge signal before
// it reaches the position state machine (§4.3). Each stage either
// rejects with a reason or passes the signal through, possibly
// transforming its dispatch quantity (stage 8).
package filter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecopy/internal/domain"
	"tradecopy/internal/filter/timewindow"
	"tradecopy/internal/telemetry"
)

// Decision is the structured, always-logged outcome of one pipeline
// evaluation (§4.3).
type Decision struct {
	Accepted            bool
	Reason              string
	TransformedQuantity int // 0 means "no transform applied"
}

// RealizedPnLLookup answers "how much has this recorder realized today"
// for the max-daily-loss filter stage. Backed by signalstore in
// production, faked in tests.
type RealizedPnLLookup func(ctx context.Context, recorderID string, day time.Time) (decimal.Decimal, error)

// sessionState is the small amount of per-recorder mutable counter
// state the filter stages need beyond the Signal/Position tables:
// last-accepted timestamp (cooldown), accepted-count this session
// (max-signals), and the raw-signal counter (Nth-signal delay).
type sessionState struct {
	lastAcceptedAt  time.Time
	sessionStartAt  time.Time
	acceptedCount   int
	rawSignalCount  int
}

// Pipeline evaluates the 8 ordered stages from §4.3. One Pipeline
// instance is shared by the whole engine; per-recorder state is kept
// in an internal map (state.go) with one lock per recorder, so
// evaluating one recorder never waits on another.
type Pipeline struct {
	gate          *timewindow.Gate
	realizedPnL   RealizedPnLLookup
	metrics       *telemetry.Metrics
	sessionWindow time.Duration // rolling window that resets max-signals/nth-signal counters

	states *stateStore
}

// New builds a Pipeline. sessionWindow is the duration after which a
// recorder's accepted-count and Nth-signal counter reset (a new
// trading session); spec §4.3 leaves the exact session boundary to the
// implementation — this follows the 24h convention used by the
// max-daily-loss stage it sits next to.
func New(realizedPnL RealizedPnLLookup, metrics *telemetry.Metrics, sessionWindow time.Duration) *Pipeline {
	if sessionWindow <= 0 {
		sessionWindow = 24 * time.Hour
	}
	return &Pipeline{
		gate:          timewindow.New(),
		realizedPnL:   realizedPnL,
		metrics:       metrics,
		sessionWindow: sessionWindow,
		states:        newStateStore(),
	}
}

// Evaluate runs all 8 stages against sig for recorder, short-circuiting
// on the first rejection. The risk config applied is always the
// recorder's own, since §4.3 filters apply once per signal, not
// once per trader (trader-level caps apply later, in the dispatcher).
func (p *Pipeline) Evaluate(ctx context.Context, r domain.Recorder, sig domain.Signal) Decision {
	decision := p.evaluate(ctx, r, sig)
	if p.metrics != nil {
		outcome := "accepted"
		if !decision.Accepted {
			outcome = "rejected_" + decision.Reason
		}
		p.metrics.FilterDecisions.WithLabelValues(r.ID.String(), outcome).Inc()
	}
	telemetry.LogFilterDecision(ctx, r.ID.String(), decision.Reason, decision.Accepted, decision.Reason)
	return decision
}

func (p *Pipeline) evaluate(ctx context.Context, r domain.Recorder, sig domain.Signal) Decision {
	// 1. enabled
	if !r.Enabled {
		return Decision{Accepted: false, Reason: "disabled"}
	}

	// 2. direction filter
	for _, blocked := range r.Risk.BlockedDirections {
		if blocked == sig.Action {
			return Decision{Accepted: false, Reason: "direction"}
		}
	}

	// 3. time-window filter
	if res := p.gate.Evaluate(r.Windows, sig.ReceivedAt); !res.Admitted {
		return Decision{Accepted: false, Reason: "time_window"}
	}

	st := p.states.get(r.ID.String())
	st.mu.Lock()
	defer st.mu.Unlock()
	p.rollSession(&st.sessionState, sig.ReceivedAt)

	// 4. cooldown
	cooldown := time.Duration(r.Risk.CooldownSeconds) * time.Second
	if !st.lastAcceptedAt.IsZero() && sig.ReceivedAt.Sub(st.lastAcceptedAt) < cooldown {
		return Decision{Accepted: false, Reason: "cooldown"}
	}

	// 5. max signals per session
	if r.Risk.MaxSignalsSession > 0 && st.acceptedCount >= r.Risk.MaxSignalsSession {
		return Decision{Accepted: false, Reason: "max_signals_session"}
	}

	// 6. max daily loss
	if r.Risk.MaxDailyLossAbs.IsPositive() {
		realized, err := p.realizedPnL(ctx, r.ID.String(), sig.ReceivedAt)
		if err == nil && realized.LessThanOrEqual(r.Risk.MaxDailyLossAbs.Neg()) {
			return Decision{Accepted: false, Reason: "max_daily_loss"}
		}
	}

	// 7. Nth-signal delay: counter advances for every signal that has
	// passed every prior stage, regardless of this stage's own outcome.
	st.rawSignalCount++
	if r.Risk.NthSignalDelay > 1 && st.rawSignalCount%r.Risk.NthSignalDelay != 0 {
		return Decision{Accepted: false, Reason: "nth_signal_delay"}
	}

	st.lastAcceptedAt = sig.ReceivedAt
	st.acceptedCount++

	// 8. max contracts per trade is a transformation applied by the
	// dispatcher (C7) after fan-out scaling, per the resolved open
	// question; the pipeline only threads the cap through.
	return Decision{Accepted: true, TransformedQuantity: r.Risk.MaxContractsPerTrade}
}

func (p *Pipeline) rollSession(st *sessionState, now time.Time) {
	if st.sessionStartAt.IsZero() || now.Sub(st.sessionStartAt) >= p.sessionWindow {
		st.sessionStartAt = now
		st.acceptedCount = 0
		st.rawSignalCount = 0
	}
}
