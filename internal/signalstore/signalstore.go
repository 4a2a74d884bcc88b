// Package signalstore implements C4: the authoritative, Postgres-backed
// append-only signal log and per-(recorder, ticker) position table.
// Writes are transactional following the teacher's
// signal_repository.go BeginTx/RETURNING/Commit/defer Rollback idiom;
// the partial unique index created in
// internal/database/migrations/0001_init.up.sql enforces invariant I1
// (at most one open position per recorder+ticker) at the database
// layer, with SELECT ... FOR UPDATE serializing concurrent signals for
// the same key ahead of that constraint ever firing.
package signalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/domain"
)

// ErrNoOpenPosition reports that recorder_id+ticker has no open
// position. No function in this package returns it: WithOpenPosition
// passes a nil current position to its callback instead.
var ErrNoOpenPosition = errors.New("signalstore: no open position")

// Store is the C4 signal/position persistence layer.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendSignal records a signal verbatim, regardless of the filter
// outcome that follows (§4.3: "logged... regardless of outcome").
func (s *Store) AppendSignal(ctx context.Context, sig domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, recorder_id, received_at, action, ticker, price, raw_payload, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sig.ID, sig.RecorderID, sig.ReceivedAt, sig.Action, sig.Ticker, sig.Price, sig.RawPayload, sig.DedupKey)
	if err != nil {
		return fmt.Errorf("signalstore: append signal: %w", err)
	}
	return nil
}

// IsDuplicate checks whether dedupKey was already seen within window
// of now, per §4.3's 60s dedup rule. It is the only dedup check the
// webhook edge (C11) makes; there is no Redis layer in front of it.
func (s *Store) IsDuplicate(ctx context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals WHERE dedup_key = $1 AND received_at > $2`,
		dedupKey, now.Add(-window)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("signalstore: dedup check: %w", err)
	}
	return count > 0, nil
}

// MutationOp names which rows a PositionMutation touches, so FLIP
// (close the existing row, insert a distinct new row, per I1: "a new
// one opened if flipping") is expressed distinctly from a plain ADD
// (update the existing row in place).
type MutationOp string

const (
	// OpNone: signal produced no position change (e.g. CLOSE while flat).
	OpNone MutationOp = "none"
	// OpInsert: no prior open row; insert Opened.
	OpInsert MutationOp = "insert"
	// OpUpdate: prior open row updated in place (ADD, or a price/qty change).
	OpUpdate MutationOp = "update"
	// OpClose: prior open row marked closed, no replacement.
	OpClose MutationOp = "close"
	// OpCloseAndOpen: prior open row marked closed AND a distinct new
	// row inserted (FLIP).
	OpCloseAndOpen MutationOp = "close_and_open"
)

// PositionMutation is what a WithOpenPosition callback returns to
// describe exactly which rows to write.
type PositionMutation struct {
	Op      MutationOp
	Updated *domain.Position // for OpUpdate: the full updated row, same ID as current
	Opened  *domain.Position // for OpInsert/OpCloseAndOpen: a new row with a fresh ID
}

// WithOpenPosition runs fn under a row lock on the open position for
// (recorderID, ticker), if any, inside a single transaction. This is
// the atomic boundary that satisfies I1-I3: no other signal for the
// same (recorder, ticker) can observe or mutate the position
// concurrently.
func (s *Store) WithOpenPosition(ctx context.Context, recorderID, ticker string, fn func(ctx context.Context, current *domain.Position) (PositionMutation, error)) (*domain.Position, *domain.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("signalstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := selectOpenPositionForUpdate(ctx, tx, recorderID, ticker)
	if err != nil {
		return nil, nil, err
	}

	mutation, err := fn(ctx, current)
	if err != nil {
		return nil, nil, err
	}

	if err := applyMutation(ctx, tx, current, mutation); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("signalstore: commit: %w", err)
	}
	return current, mutation.Opened, nil
}

func selectOpenPositionForUpdate(ctx context.Context, tx *sql.Tx, recorderID, ticker string) (*domain.Position, error) {
	var p domain.Position
	err := tx.QueryRowContext(ctx, `
		SELECT id, recorder_id, ticker, side, total_quantity, avg_entry_price,
		       current_price, unrealized_pnl, worst_unrealized_pnl, best_unrealized_pnl,
		       status, opened_at, sl_trigger
		FROM positions
		WHERE recorder_id = $1 AND ticker = $2 AND status = 'open'
		FOR UPDATE`,
		recorderID, ticker).Scan(
		&p.ID, &p.RecorderID, &p.Ticker, &p.Side, &p.TotalQuantity, &p.AvgEntryPrice,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.WorstUnrealizedPnL, &p.BestUnrealizedPnL,
		&p.Status, &p.OpenedAt, &p.SLTrigger,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signalstore: lock open position: %w", err)
	}
	return &p, nil
}

func applyMutation(ctx context.Context, tx *sql.Tx, current *domain.Position, m PositionMutation) error {
	switch m.Op {
	case OpNone:
		return nil

	case OpInsert:
		return insertPosition(ctx, tx, m.Opened)

	case OpUpdate:
		return updatePosition(ctx, tx, m.Updated)

	case OpClose:
		return closePosition(ctx, tx, current.ID)

	case OpCloseAndOpen:
		if err := closePosition(ctx, tx, current.ID); err != nil {
			return err
		}
		return insertPosition(ctx, tx, m.Opened)

	default:
		return fmt.Errorf("signalstore: unknown mutation op %q", m.Op)
	}
}

func insertPosition(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (id, recorder_id, ticker, side, total_quantity, avg_entry_price,
		                        current_price, unrealized_pnl, worst_unrealized_pnl, best_unrealized_pnl,
		                        status, opened_at, sl_trigger)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.RecorderID, p.Ticker, p.Side, p.TotalQuantity, p.AvgEntryPrice,
		p.CurrentPrice, p.UnrealizedPnL, p.WorstUnrealizedPnL, p.BestUnrealizedPnL,
		p.Status, p.OpenedAt, p.SLTrigger)
	if err != nil {
		return fmt.Errorf("signalstore: insert position: %w", err)
	}
	return nil
}

func updatePosition(ctx context.Context, tx *sql.Tx, p *domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			side = $1, total_quantity = $2, avg_entry_price = $3,
			current_price = $4, unrealized_pnl = $5, worst_unrealized_pnl = $6,
			best_unrealized_pnl = $7, status = $8, sl_trigger = $9
		WHERE id = $10`,
		p.Side, p.TotalQuantity, p.AvgEntryPrice,
		p.CurrentPrice, p.UnrealizedPnL, p.WorstUnrealizedPnL,
		p.BestUnrealizedPnL, p.Status, p.SLTrigger, p.ID)
	if err != nil {
		return fmt.Errorf("signalstore: update position: %w", err)
	}
	return nil
}

func closePosition(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = 'closed', closed_at = $1 WHERE id = $2`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("signalstore: close position: %w", err)
	}
	return nil
}

// RecordClose finalizes a closed position's exit price and realized
// P&L in the same row the WithOpenPosition transaction already closed,
// called by C6 right after WithOpenPosition commits a close or a flip.
func (s *Store) RecordClose(ctx context.Context, positionID uuid.UUID, exitPrice, realizedPnL decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET exit_price = $1, realized_pnl = $2 WHERE id = $3`,
		exitPrice, realizedPnL, positionID)
	if err != nil {
		return fmt.Errorf("signalstore: record close: %w", err)
	}
	return nil
}

// RealizedPnLSince sums realized_pnl for every position belonging to
// recorderID closed at or after since, backing the filter pipeline's
// max-daily-loss check (§4.3 stage 6).
func (s *Store) RealizedPnLSince(ctx context.Context, recorderID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE recorder_id = $1 AND status = 'closed' AND closed_at >= $2`,
		recorderID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("signalstore: realized pnl since: %w", err)
	}
	return total, nil
}

// ListOpenPositions returns every currently-open position across all
// recorders, for the drawdown poller (C9) to fetch prices and update.
func (s *Store) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recorder_id, ticker, side, total_quantity, avg_entry_price,
		       current_price, unrealized_pnl, worst_unrealized_pnl, best_unrealized_pnl,
		       status, opened_at, sl_trigger
		FROM positions WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("signalstore: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(
			&p.ID, &p.RecorderID, &p.Ticker, &p.Side, &p.TotalQuantity, &p.AvgEntryPrice,
			&p.CurrentPrice, &p.UnrealizedPnL, &p.WorstUnrealizedPnL, &p.BestUnrealizedPnL,
			&p.Status, &p.OpenedAt, &p.SLTrigger,
		); err != nil {
			return nil, fmt.Errorf("signalstore: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signalstore: iterate open positions: %w", err)
	}
	return positions, nil
}

// UpdateDrawdown persists one poller tick's price/P&L/stop-trigger
// update for an open position (§4.9). It is a direct row update, not a
// WithOpenPosition transaction: the poller's writes never race a
// signal's transaction in a way that corrupts state, since they touch
// disjoint fields (current_price/pnl/sl_trigger vs.
// side/quantity/avg_entry_price), and the poller always reads a
// snapshot immediately before writing it back.
func (s *Store) UpdateDrawdown(ctx context.Context, positionID uuid.UUID, currentPrice, unrealized, worst, best, slTrigger decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			current_price = $1, unrealized_pnl = $2,
			worst_unrealized_pnl = $3, best_unrealized_pnl = $4, sl_trigger = $5
		WHERE id = $6 AND status = 'open'`,
		currentPrice, unrealized, worst, best, slTrigger, positionID)
	if err != nil {
		return fmt.Errorf("signalstore: update drawdown: %w", err)
	}
	return nil
}

// AppendTrade persists one successfully placed trade row, never
// retried by the caller (§4.5 step 5: trades are recorded on success
// only; rejections are written to the structured log, not this table).
func (s *Store) AppendTrade(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, signal_id, trader_id, correlation_id, broker_order_id,
		                     tp_order_id, sl_order_id, side, symbol, requested_price,
		                     filled_price, quantity, status, rejection_reason, created_at, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.SignalID, t.TraderID, t.CorrelationID, t.BrokerOrderID,
		t.TPOrderID, t.SLOrderID, t.Side, t.Symbol, t.RequestedPrice,
		t.FilledPrice, t.Quantity, t.Status, t.RejectionReason, t.CreatedAt, t.FilledAt)
	if err != nil {
		return fmt.Errorf("signalstore: append trade: %w", err)
	}
	return nil
}
