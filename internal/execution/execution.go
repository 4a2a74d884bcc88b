// Package execution implements C8: a bounded worker pool that
// dequeues ExecutionTasks partitioned FIFO per (trader, symbol), never
// exceeding WORKER_POOL_SIZE concurrent broker calls system-wide
// (§4.5, §5, property P7), places parent+bracket orders with no retry
// on rejection, and persists a Trade row only on success.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/telemetry"
)

// SessionEnsurer guarantees a live, authenticated connection exists
// for a subaccount before order placement (C3). The returned access
// token scopes the REST calls the worker issues directly against the
// broker adapter.
type SessionEnsurer func(ctx context.Context, subaccountID string) (accessToken string, err error)

// Adapter is the subset of broker.Adapter an execution worker needs,
// scoped to one access token.
type Adapter interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
}

// AdapterFactory builds a token-scoped Adapter, e.g.
// tradovate.Client.WithAccessToken.
type AdapterFactory func(accessToken string) Adapter

// TradeRecorder persists completed trades (C4).
type TradeRecorder func(ctx context.Context, t domain.Trade) error

type partition struct {
	mu      sync.Mutex
	queue   []domain.ExecutionTask
	running bool
}

// Pool is the C8 bounded execution worker pool.
type Pool struct {
	ensureSession SessionEnsurer
	newAdapter    AdapterFactory
	recordTrade   TradeRecorder
	metrics       *telemetry.Metrics
	timeout       time.Duration

	sem chan struct{}

	mu         sync.Mutex
	partitions map[string]*partition
}

// Config controls pool width and the per-call broker timeout (§5, §6:
// WORKER_POOL_SIZE default 4, DEFAULT_BROKER_TIMEOUT_MS default 10s).
type Config struct {
	WorkerPoolSize int
	BrokerTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{WorkerPoolSize: 4, BrokerTimeout: 10 * time.Second}
}

// New builds a Pool.
func New(cfg Config, ensure SessionEnsurer, newAdapter AdapterFactory, recordTrade TradeRecorder, metrics *telemetry.Metrics) *Pool {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	return &Pool{
		ensureSession: ensure,
		newAdapter:    newAdapter,
		recordTrade:   recordTrade,
		metrics:       metrics,
		timeout:       cfg.BrokerTimeout,
		sem:           make(chan struct{}, cfg.WorkerPoolSize),
		partitions:    make(map[string]*partition),
	}
}

// Enqueue admits a task to its (trader, symbol) partition. Tasks
// within a partition execute strictly FIFO; across partitions,
// execution proceeds in parallel bounded by WorkerPoolSize.
func (p *Pool) Enqueue(ctx context.Context, task domain.ExecutionTask) {
	key := task.PartitionKey()

	p.mu.Lock()
	part, ok := p.partitions[key]
	if !ok {
		part = &partition{}
		p.partitions[key] = part
	}
	p.mu.Unlock()

	part.mu.Lock()
	part.queue = append(part.queue, task)
	alreadyRunning := part.running
	part.running = true
	part.mu.Unlock()

	if p.metrics != nil {
		p.metrics.WorkerPoolDepth.Inc()
	}

	if !alreadyRunning {
		go p.drain(context.WithoutCancel(ctx), key, part)
	}
}

func (p *Pool) drain(ctx context.Context, key string, part *partition) {
	for {
		part.mu.Lock()
		if len(part.queue) == 0 {
			part.running = false
			part.mu.Unlock()
			return
		}
		task := part.queue[0]
		part.queue = part.queue[1:]
		part.mu.Unlock()

		p.sem <- struct{}{}
		p.execute(ctx, task)
		<-p.sem

		if p.metrics != nil {
			p.metrics.WorkerPoolDepth.Dec()
		}
	}
}

// execute implements §4.5 steps 2-6. Every error path logs and
// returns; none of it propagates to the caller, per §7's propagation
// policy ("C8 never propagates upward").
func (p *Pool) execute(parent context.Context, task domain.ExecutionTask) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	if p.metrics != nil {
		p.metrics.ExecutionAttempts.WithLabelValues(task.Symbol, "attempt").Inc()
	}

	accessToken, err := p.ensureSession(ctx, task.SubaccountID.String())
	if err != nil {
		p.reject(ctx, task, fmt.Sprintf("session unavailable: %v", err))
		return
	}
	adapter := p.newAdapter(accessToken)

	result, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		SubaccountID: task.SubaccountID.String(),
		Symbol:       task.Symbol,
		Side:         task.Action,
		Quantity:     task.Quantity,
		Type:         broker.OrderMarket,
	})
	if err != nil {
		p.reject(ctx, task, err.Error())
		return
	}

	trade := domain.Trade{
		ID:             uuid.New(),
		SignalID:       task.SignalID,
		TraderID:       task.TraderID,
		CorrelationID:  task.CorrelationID,
		BrokerOrderID:  result.OrderID,
		Side:           task.Action,
		Symbol:         task.Symbol,
		FilledPrice:    result.FillPrice,
		Quantity:       task.Quantity,
		Status:         domain.TradePlaced,
		CreatedAt:      time.Now(),
	}
	if result.FilledNow {
		trade.Status = domain.TradeFilled
		now := time.Now()
		trade.FilledAt = &now
	}

	if task.TP != nil && !task.TP.Value.IsZero() && isOpeningAction(task.Action) {
		if orderID, err := p.placeBracketChild(ctx, adapter, task, result, task.TP, broker.OrderLimit); err == nil {
			trade.TPOrderID = orderID
		}
	}
	if task.SL != nil && !task.SL.Value.IsZero() && isOpeningAction(task.Action) {
		if orderID, err := p.placeBracketChild(ctx, adapter, task, result, task.SL, broker.OrderStop); err == nil {
			trade.SLOrderID = orderID
		}
	}

	if err := p.recordTrade(ctx, trade); err != nil {
		telemetry.LogEvent(ctx, "error", "trade_persist_failed", map[string]any{"error": err, "correlation_id": task.CorrelationID})
	}
	if p.metrics != nil {
		p.metrics.ExecutionAttempts.WithLabelValues(task.Symbol, "success").Inc()
	}
	telemetry.LogTradeExecuted(ctx, string(trade.Status), nil)
}

// placeBracketChild submits a TP/SL child at an absolute price derived
// from the fill and the spec's value/unit; tick/point conversion is
// the caller's (C9 bracket watcher's) concern for brokers lacking
// native OCO, so this only submits a resting order at a best-effort
// price when the adapter is asked to place one up front.
func (p *Pool) placeBracketChild(ctx context.Context, adapter Adapter, task domain.ExecutionTask, parent broker.OrderResult, spec *domain.TPSLSpec, orderType broker.OrderType) (string, error) {
	side := domain.ActionSell
	if task.Action == domain.ActionSell {
		side = domain.ActionBuy
	}
	price := bracketPrice(parent.FillPrice, spec, orderType)
	result, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		SubaccountID: task.SubaccountID.String(),
		Symbol:       task.Symbol,
		Side:         side,
		Quantity:     task.Quantity,
		Type:         orderType,
		Price:        price,
		LinkGroupID:  task.CorrelationID.String(),
	})
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func bracketPrice(fill decimal.Decimal, spec *domain.TPSLSpec, orderType broker.OrderType) decimal.Decimal {
	if orderType == broker.OrderLimit {
		return fill.Add(spec.Value)
	}
	return fill.Sub(spec.Value)
}

func isOpeningAction(a domain.Action) bool {
	return a == domain.ActionBuy || a == domain.ActionSell
}

// reject implements §4.5 step 5: no retry, no Trade row, just a
// structured error event.
func (p *Pool) reject(ctx context.Context, task domain.ExecutionTask, reason string) {
	if p.metrics != nil {
		p.metrics.ExecutionAttempts.WithLabelValues(task.Symbol, "rejected").Inc()
	}
	telemetry.LogEvent(ctx, "error", "trade_rejected", map[string]any{
		"correlation_id": task.CorrelationID,
		"trader_id":      task.TraderID,
		"symbol":         task.Symbol,
		"reason":         reason,
	})
}
