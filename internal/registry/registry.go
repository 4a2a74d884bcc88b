// Package registry is the read path for recorder/trader configuration
// that C5 (filter), C6 (position), and C7 (dispatch) all need but
// never mutate: RecorderByToken backs the webhook edge's token lookup
// (C11), TradersByRecorder backs the C7 TraderLister contract.
// UpsertRecorder is a plain upsert against the same rows the migration
// creates; no HTTP route in this repository calls it.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tradecopy/internal/domain"
)

// ErrNotFound is returned when a recorder or trader lookup misses.
var ErrNotFound = errors.New("registry: not found")

// Store is the Postgres-backed registry reader/writer.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// RecorderByToken resolves a webhook URL token to its Recorder,
// constant-time-safe in practice because Postgres indexed equality on
// a high-entropy token gives no exploitable timing signal beyond what
// the index lookup itself exposes.
func (s *Store) RecorderByToken(ctx context.Context, token string) (domain.Recorder, error) {
	return s.scanRecorder(ctx, `SELECT
		id, user_id, name, webhook_token, symbol, enabled, initial_size, add_size,
		reverse_on_opposite, risk_config, windows, tp_value, tp_unit, tp_targets,
		sl_value, sl_unit, sl_type, breakeven_trigger_ticks, created_at
		FROM recorders WHERE webhook_token = $1`, token)
}

// RecorderByID resolves a recorder by primary key, used by the C9
// drawdown poller.
func (s *Store) RecorderByID(ctx context.Context, id string) (domain.Recorder, error) {
	return s.scanRecorder(ctx, `SELECT
		id, user_id, name, webhook_token, symbol, enabled, initial_size, add_size,
		reverse_on_opposite, risk_config, windows, tp_value, tp_unit, tp_targets,
		sl_value, sl_unit, sl_type, breakeven_trigger_ticks, created_at
		FROM recorders WHERE id = $1`, id)
}

func (s *Store) scanRecorder(ctx context.Context, query string, arg any) (domain.Recorder, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var r domain.Recorder
	var riskRaw, windowsRaw, targetsRaw []byte
	err := row.Scan(
		&r.ID, &r.UserID, &r.Name, &r.WebhookToken, &r.Symbol, &r.Enabled, &r.InitialSize, &r.AddSize,
		&r.ReverseOnOpposite, &riskRaw, &windowsRaw, &r.TPValue, &r.TPUnit, &targetsRaw,
		&r.SLValue, &r.SLUnit, &r.SLType, &r.BreakevenTriggerTicks, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recorder{}, ErrNotFound
	}
	if err != nil {
		return domain.Recorder{}, fmt.Errorf("registry: scan recorder: %w", err)
	}
	if err := json.Unmarshal(riskRaw, &r.Risk); err != nil {
		return domain.Recorder{}, fmt.Errorf("registry: decode risk_config: %w", err)
	}
	if err := json.Unmarshal(windowsRaw, &r.Windows); err != nil {
		return domain.Recorder{}, fmt.Errorf("registry: decode windows: %w", err)
	}
	if err := json.Unmarshal(targetsRaw, &r.TPTargets); err != nil {
		return domain.Recorder{}, fmt.Errorf("registry: decode tp_targets: %w", err)
	}
	return r, nil
}

// TradersByRecorder satisfies dispatch.TraderLister.
func (s *Store) TradersByRecorder(ctx context.Context, recorderID string) ([]domain.Trader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, recorder_id, subaccount_id, multiplier, enabled, risk_override, tp_override, sl_override, created_at
		FROM traders WHERE recorder_id = $1`, recorderID)
	if err != nil {
		return nil, fmt.Errorf("registry: list traders: %w", err)
	}
	defer rows.Close()

	var out []domain.Trader
	for rows.Next() {
		var t domain.Trader
		var riskRaw, tpRaw, slRaw []byte
		if err := rows.Scan(&t.ID, &t.RecorderID, &t.SubaccountID, &t.Multiplier, &t.Enabled, &riskRaw, &tpRaw, &slRaw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan trader: %w", err)
		}
		if riskRaw != nil {
			var ro domain.RiskConfig
			if err := json.Unmarshal(riskRaw, &ro); err != nil {
				return nil, fmt.Errorf("registry: decode risk_override: %w", err)
			}
			t.RiskOverride = &ro
		}
		if tpRaw != nil {
			var tp domain.TPSLSpec
			if err := json.Unmarshal(tpRaw, &tp); err != nil {
				return nil, fmt.Errorf("registry: decode tp_override: %w", err)
			}
			t.TPOverride = &tp
		}
		if slRaw != nil {
			var sl domain.TPSLSpec
			if err := json.Unmarshal(slRaw, &sl); err != nil {
				return nil, fmt.Errorf("registry: decode sl_override: %w", err)
			}
			t.SLOverride = &sl
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AccountSeed is the minimal OAuth material needed to prime the token
// cache at startup, before any webhook has triggered a live refresh.
type AccountSeed struct {
	ID           string
	RefreshToken string
}

// ListAccounts returns the stored refresh token of every broker account
// not flagged requires_reauth, for the token cache (C1) to seed at
// process start.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountSeed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, refresh_token FROM accounts WHERE NOT requires_reauth`)
	if err != nil {
		return nil, fmt.Errorf("registry: list accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountSeed
	for rows.Next() {
		var a AccountSeed
		if err := rows.Scan(&a.ID, &a.RefreshToken); err != nil {
			return nil, fmt.Errorf("registry: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SubaccountAccountMap loads the subaccount->account id mapping the
// connection pool's accountOf closure needs to resolve the owning
// OAuth account for a token cache lookup (§5: subaccounts are a weak
// link under one broker account).
func (s *Store) SubaccountAccountMap(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id FROM subaccounts`)
	if err != nil {
		return nil, fmt.Errorf("registry: list subaccounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var subaccountID, accountID uuid.UUID
		if err := rows.Scan(&subaccountID, &accountID); err != nil {
			return nil, fmt.Errorf("registry: scan subaccount: %w", err)
		}
		out[subaccountID.String()] = accountID.String()
	}
	return out, rows.Err()
}

// UpsertRecorder inserts or updates a recorder row.
func (s *Store) UpsertRecorder(ctx context.Context, r domain.Recorder) error {
	risk, err := json.Marshal(r.Risk)
	if err != nil {
		return fmt.Errorf("registry: encode risk_config: %w", err)
	}
	windows, err := json.Marshal(r.Windows)
	if err != nil {
		return fmt.Errorf("registry: encode windows: %w", err)
	}
	targets, err := json.Marshal(r.TPTargets)
	if err != nil {
		return fmt.Errorf("registry: encode tp_targets: %w", err)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recorders (
			id, user_id, name, webhook_token, symbol, enabled, initial_size, add_size,
			reverse_on_opposite, risk_config, windows, tp_value, tp_unit, tp_targets,
			sl_value, sl_unit, sl_type, breakeven_trigger_ticks
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, symbol = EXCLUDED.symbol, enabled = EXCLUDED.enabled,
			initial_size = EXCLUDED.initial_size, add_size = EXCLUDED.add_size,
			reverse_on_opposite = EXCLUDED.reverse_on_opposite, risk_config = EXCLUDED.risk_config,
			windows = EXCLUDED.windows, tp_value = EXCLUDED.tp_value, tp_unit = EXCLUDED.tp_unit,
			tp_targets = EXCLUDED.tp_targets, sl_value = EXCLUDED.sl_value, sl_unit = EXCLUDED.sl_unit,
			sl_type = EXCLUDED.sl_type, breakeven_trigger_ticks = EXCLUDED.breakeven_trigger_ticks`,
		r.ID, r.UserID, r.Name, r.WebhookToken, r.Symbol, r.Enabled, r.InitialSize, r.AddSize,
		r.ReverseOnOpposite, risk, windows, r.TPValue, r.TPUnit, targets,
		r.SLValue, r.SLUnit, r.SLType, r.BreakevenTriggerTicks,
	)
	if err != nil {
		return fmt.Errorf("registry: upsert recorder: %w", err)
	}
	return nil
}
