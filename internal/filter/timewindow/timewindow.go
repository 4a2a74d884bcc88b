// Package timewindow implements the time-window admission gate backing
// filter stage 3 of C5 (§4.3): a recorder is only eligible to trade
// during its configured (start, end, timezone) windows. Structurally
// adapted from the teacher's libs/eventtrader.PhaseDetector — here the
// "phase" is binary (admitted/blocked) and the schedule is a static
// per-recorder window list rather than a queried economic calendar.
package timewindow

import (
	"sync"
	"time"

	"tradecopy/internal/domain"
)

// Result reports whether now falls inside any of a recorder's admitted
// windows, and which one matched.
type Result struct {
	Admitted bool
	Window   *domain.TimeWindow
}

// Gate evaluates admission windows. Safe for concurrent use; it holds
// no mutable state beyond a small timezone-lookup cache, since
// *time.Location values are expensive to parse repeatedly.
type Gate struct {
	mu   sync.Mutex
	locs map[string]*time.Location
}

// New builds an empty Gate.
func New() *Gate {
	return &Gate{locs: make(map[string]*time.Location)}
}

// Evaluate returns Admitted=true when no windows are configured (the
// filter is opt-in: a recorder with an empty Windows list trades around
// the clock), otherwise checks now against each window in its own
// timezone.
func (g *Gate) Evaluate(windows []domain.TimeWindow, now time.Time) Result {
	if len(windows) == 0 {
		return Result{Admitted: true}
	}

	for i := range windows {
		w := windows[i]
		loc, err := g.location(w.Timezone)
		if err != nil {
			continue // misconfigured timezone: skip rather than wrongly block
		}
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		offset := local.Sub(midnight)

		if w.StartOfDay <= w.EndOfDay {
			if offset >= w.StartOfDay && offset < w.EndOfDay {
				return Result{Admitted: true, Window: &w}
			}
		} else {
			// Window wraps midnight, e.g. 22:00-06:00.
			if offset >= w.StartOfDay || offset < w.EndOfDay {
				return Result{Admitted: true, Window: &w}
			}
		}
	}
	return Result{Admitted: false}
}

func (g *Gate) location(name string) (*time.Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc, ok := g.locs[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	g.locs[name] = loc
	return loc, nil
}
