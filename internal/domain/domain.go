// Package domain holds the core entities of the copy-trading engine:
// users, broker accounts, recorders, traders, signals, positions and
// trades. Types here are persistence-agnostic; storage adapters convert
// to and from these shapes.
package domain

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the closed sum type carried by every accepted signal.
// Unknown actions must be rejected at the webhook edge, never reach
// here as a free-form string (§9 design notes: "codify as a tagged sum
// type").
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// Side is a position's directional stance.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus tracks the lifecycle of a signal-derived position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TradeStatus tracks one executed child order.
type TradeStatus string

const (
	TradePlaced    TradeStatus = "placed"
	TradeFilled    TradeStatus = "filled"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
)

// SLType is the closed sum type for stop-loss behavior (§9 open question,
// resolved in SPEC_FULL.md §1).
type SLType string

const (
	SLFixed      SLType = "fixed"
	SLTrailing   SLType = "trailing"
	SLBreakEven  SLType = "break_even"
)

// TPUnit / SLUnit denominate TP/SL distances.
type PriceUnit string

const (
	UnitTicks   PriceUnit = "ticks"
	UnitPoints  PriceUnit = "points"
	UnitPercent PriceUnit = "percent"
)

// User is the authenticating principal; owns Accounts and Recorders.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Account is one broker account (Tradovate). It owns Subaccounts and
// the OAuth token material cached by the token cache (C1).
type Account struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ClientID        string
	ClientSecret    string // encrypted at rest by the storage adapter
	RefreshToken    string // encrypted at rest by the storage adapter
	TokenExpiresAt  time.Time
	RequiresReauth  bool
	Environment     string // "demo" or "live"
	CreatedAt       time.Time
	DisconnectedAt  *time.Time
}

// Subaccount is a logical trading book inside a broker Account.
type Subaccount struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	BrokerID  int64 // Tradovate account id
	Name      string
	CreatedAt time.Time
}

// TPTarget is one entry in a recorder or trader's ordered take-profit
// ladder, trimming a percentage of the open quantity at a given distance.
type TPTarget struct {
	Value       decimal.Decimal
	Unit        PriceUnit
	TrimPercent decimal.Decimal
}

// RiskConfig is the per-recorder (or per-trader override) filter
// configuration evaluated by the Filter Pipeline (C5, §4.3).
type RiskConfig struct {
	BlockedDirections  []Action
	CooldownSeconds    int
	MaxSignalsSession  int
	MaxDailyLossAbs    decimal.Decimal
	NthSignalDelay     int
	MaxContractsPerTrade int
}

// TimeWindow is one (start, end, timezone) admission window for the
// time-window filter.
type TimeWindow struct {
	StartOfDay time.Duration // offset from local midnight
	EndOfDay   time.Duration
	Timezone   string // IANA zone name
}

// Recorder is a named signal source keyed by an opaque webhook token.
type Recorder struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Name              string
	WebhookToken      string
	Symbol            string
	Enabled           bool
	InitialSize       int
	AddSize           int
	ReverseOnOpposite bool
	Risk              RiskConfig
	Windows           []TimeWindow
	TPValue           decimal.Decimal
	TPUnit            PriceUnit
	TPTargets         []TPTarget
	SLValue           decimal.Decimal
	SLUnit            PriceUnit
	SLType            SLType
	BreakevenTriggerTicks int
	CreatedAt         time.Time
}

// Trader links a Recorder to a Subaccount with an independent size
// multiplier. A weak link: deleting a Trader never deletes the Recorder.
type Trader struct {
	ID           uuid.UUID
	RecorderID   uuid.UUID
	SubaccountID uuid.UUID
	Multiplier   decimal.Decimal
	Enabled      bool
	RiskOverride *RiskConfig
	TPOverride   *TPSLSpec
	SLOverride   *TPSLSpec
	CreatedAt    time.Time
}

// TPSLSpec is the effective, resolved take-profit/stop-loss
// configuration for one dispatched order (§4.4 step 3).
type TPSLSpec struct {
	Value                 decimal.Decimal
	Unit                  PriceUnit
	SLType                SLType
	Targets               []TPTarget
	BreakevenTriggerTicks int
}

// Signal is an immutable accepted webhook event (§3).
type Signal struct {
	ID          uuid.UUID
	RecorderID  uuid.UUID
	ReceivedAt  time.Time
	Action      Action
	Ticker      string
	Price       decimal.Decimal
	RawPayload  []byte
	DedupKey    string
}

// Position is the engine's signal-derived authoritative state for
// (recorder_id, ticker) — never read from the broker (§4.2).
type Position struct {
	ID                 uuid.UUID
	RecorderID         uuid.UUID
	Ticker             string
	Side               Side
	TotalQuantity      int
	AvgEntryPrice      decimal.Decimal
	CurrentPrice       decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	WorstUnrealizedPnL decimal.Decimal
	BestUnrealizedPnL  decimal.Decimal
	Status             PositionStatus
	OpenedAt           time.Time
	ClosedAt           *time.Time
	ExitPrice          decimal.Decimal
	RealizedPnL        decimal.Decimal
	// SLTrigger is the current fixed/trailing/break-even stop price,
	// recomputed by the drawdown poller (C9) each tick.
	SLTrigger decimal.Decimal
}

// Trade is one executed child of a signal at one trader (§3).
type Trade struct {
	ID              uuid.UUID
	SignalID        uuid.UUID
	TraderID        uuid.UUID
	CorrelationID   uuid.UUID
	BrokerOrderID   string
	TPOrderID       string
	SLOrderID       string
	Side            Action
	Symbol          string
	RequestedPrice  decimal.Decimal
	FilledPrice     decimal.Decimal
	Quantity        int
	Status          TradeStatus
	RejectionReason string
	CreatedAt       time.Time
	FilledAt        *time.Time
}

// ExecutionTask is the transient, in-memory unit of work enqueued to
// the execution worker pool (C8). It is never persisted and never
// retried (§4.7).
type ExecutionTask struct {
	TraderID      uuid.UUID
	SubaccountID  uuid.UUID
	SignalID      uuid.UUID
	CorrelationID uuid.UUID
	Action        Action
	Symbol        string
	Quantity      int
	TP            *TPSLSpec
	SL            *TPSLSpec
	// Sequence orders closing tasks strictly before reverse-open tasks
	// within the same (trader, symbol) partition (§4.4 close-path).
	Sequence int
}

// PartitionKey identifies the FIFO partition an ExecutionTask belongs
// to (§4.5, §5 ordering guarantees).
func (t ExecutionTask) PartitionKey() string {
	return t.TraderID.String() + "|" + t.Symbol
}

// InstrumentMultiplier is the static point-value table keyed by root
// symbol (§4.2 CLOSE semantics). Unknown roots default to 1.0 and are
// logged, never dropped (§4.2 failure modes).
var InstrumentMultiplier = map[string]decimal.Decimal{
	"MES": decimal.NewFromInt(5),
	"MNQ": decimal.NewFromInt(2),
	"ES":  decimal.NewFromInt(50),
	"NQ":  decimal.NewFromInt(20),
}

// MultiplierFor resolves an instrument's point value by matching the
// longest known root symbol as a prefix of ticker, following the
// prefix-match convention used elsewhere in the broker integration
// (contract name vs. product name).
func MultiplierFor(ticker string) (decimal.Decimal, bool) {
	best := ""
	for root := range InstrumentMultiplier {
		if len(root) > len(ticker) {
			continue
		}
		if ticker[:len(root)] == root && len(root) > len(best) {
			best = root
		}
	}
	if best == "" {
		log.Printf("domain: unknown instrument root for ticker %q, using multiplier 1", ticker)
		return decimal.NewFromInt(1), false
	}
	return InstrumentMultiplier[best], true
}
