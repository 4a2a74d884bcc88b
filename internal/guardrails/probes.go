// Package guardrails wires C12 (the health/incident monitor named in
// §1's component table) onto libs/guardrails' generic HealthMonitor,
// OverrideController, and IncidentLog: that package is reused in place
// because it is already domain-agnostic infrastructure (a probe
// registry + halt escalation + incident journal), and this file is
// the only thing that needed to exist new — three HealthProbe
// implementations scoped to this engine's actual dependencies
// (database, broker connection pool, event bus backlog).
package guardrails

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradecopy/internal/connpool"
	"tradecopy/internal/eventbus"
	gr "tradecopy/libs/guardrails"
)

// DatabaseProbe reports whether the signal/position store is
// reachable.
type DatabaseProbe struct {
	db *sql.DB
}

func NewDatabaseProbe(db *sql.DB) *DatabaseProbe { return &DatabaseProbe{db: db} }

func (p *DatabaseProbe) ProbeName() string { return "database" }

func (p *DatabaseProbe) Check(ctx context.Context) gr.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	now := time.Now()
	if err := p.db.PingContext(ctx); err != nil {
		return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusFailed, Message: err.Error(), CheckedAt: now}
	}
	return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusOK, CheckedAt: now}
}

// ConnPoolProbe reports degraded when any pooled broker session is
// unhealthy, failed only when none of the watched subaccounts have a
// live session.
type ConnPoolProbe struct {
	pool        *connpool.Pool
	subaccounts []string
}

func NewConnPoolProbe(pool *connpool.Pool, subaccounts []string) *ConnPoolProbe {
	return &ConnPoolProbe{pool: pool, subaccounts: subaccounts}
}

func (p *ConnPoolProbe) ProbeName() string { return "broker_connections" }

func (p *ConnPoolProbe) Check(ctx context.Context) gr.CheckResult {
	now := time.Now()
	if len(p.subaccounts) == 0 {
		return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusOK, CheckedAt: now}
	}
	healthy := 0
	for _, id := range p.subaccounts {
		if p.pool.Healthy(id) {
			healthy++
		}
	}
	switch {
	case healthy == len(p.subaccounts):
		return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusOK, CheckedAt: now}
	case healthy == 0:
		return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusFailed, Message: "no subaccount sessions are live", CheckedAt: now}
	default:
		return gr.CheckResult{
			Name:      p.ProbeName(),
			Status:    gr.StatusDegraded,
			Message:   fmt.Sprintf("%d/%d subaccount sessions live", healthy, len(p.subaccounts)),
			CheckedAt: now,
		}
	}
}

// EventBusProbe reports degraded when the total number of subscribers
// across all topics exceeds highWater; it does not look at how full
// any subscriber's buffer is.
type EventBusProbe struct {
	bus       *eventbus.Bus
	highWater int
}

func NewEventBusProbe(bus *eventbus.Bus, highWater int) *EventBusProbe {
	if highWater <= 0 {
		highWater = 1000
	}
	return &EventBusProbe{bus: bus, highWater: highWater}
}

func (p *EventBusProbe) ProbeName() string { return "event_bus" }

func (p *EventBusProbe) Check(ctx context.Context) gr.CheckResult {
	now := time.Now()
	total := 0
	for _, n := range p.bus.Backlog() {
		total += n
	}
	if total > p.highWater {
		return gr.CheckResult{
			Name:      p.ProbeName(),
			Status:    gr.StatusDegraded,
			Message:   fmt.Sprintf("%d subscribers across all topics exceeds high-water mark %d", total, p.highWater),
			CheckedAt: now,
		}
	}
	return gr.CheckResult{Name: p.ProbeName(), Status: gr.StatusOK, CheckedAt: now}
}
