package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"tradecopy/internal/broker"
	"tradecopy/internal/domain"
	"tradecopy/internal/telemetry"
)

func testMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

type fakeAdapter struct {
	mu       sync.Mutex
	inflight int
	maxSeen  int
	delay    time.Duration
	failErr  error
	orders   []broker.OrderRequest
}

func (a *fakeAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	a.mu.Lock()
	a.inflight++
	if a.inflight > a.maxSeen {
		a.maxSeen = a.inflight
	}
	a.orders = append(a.orders, req)
	a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	a.mu.Lock()
	a.inflight--
	a.mu.Unlock()

	if a.failErr != nil {
		return broker.OrderResult{}, a.failErr
	}
	return broker.OrderResult{OrderID: "order-1", FillPrice: decimal.NewFromInt(100), FilledNow: true}, nil
}

func alwaysSession(token string) SessionEnsurer {
	return func(ctx context.Context, subaccountID string) (string, error) { return token, nil }
}

func TestExecuteRecordsFilledTrade(t *testing.T) {
	adapter := &fakeAdapter{}
	var recorded []domain.Trade
	var mu sync.Mutex
	record := func(ctx context.Context, tr domain.Trade) error {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, tr)
		return nil
	}

	pool := New(DefaultConfig(), alwaysSession("tok"), func(string) Adapter { return adapter }, record, testMetrics())
	task := domain.ExecutionTask{
		TraderID:     uuid.New(),
		SubaccountID: uuid.New(),
		SignalID:     uuid.New(),
		Action:       domain.ActionBuy,
		Symbol:       "MES-FUT",
		Quantity:     1,
	}
	pool.Enqueue(context.Background(), task)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(recorded)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("trade was never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if recorded[0].Status != domain.TradeFilled {
		t.Fatalf("status = %v, want filled", recorded[0].Status)
	}
}

func TestExecuteRejectsOnBrokerError(t *testing.T) {
	adapter := &fakeAdapter{failErr: errors.New("broker down")}
	var calls int32
	record := func(ctx context.Context, tr domain.Trade) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	pool := New(DefaultConfig(), alwaysSession("tok"), func(string) Adapter { return adapter }, record, testMetrics())
	task := domain.ExecutionTask{
		TraderID:     uuid.New(),
		SubaccountID: uuid.New(),
		Action:       domain.ActionBuy,
		Symbol:       "MES-FUT",
		Quantity:     1,
	}
	pool.Enqueue(context.Background(), task)

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no Trade row to be recorded on a rejected order")
	}
}

func TestPartitionTasksRunFIFO(t *testing.T) {
	adapter := &fakeAdapter{delay: 20 * time.Millisecond}
	var order []int
	var mu sync.Mutex
	traderID := uuid.New()
	record := func(ctx context.Context, tr domain.Trade) error {
		mu.Lock()
		order = append(order, tr.Quantity)
		mu.Unlock()
		return nil
	}

	pool := New(Config{WorkerPoolSize: 4, BrokerTimeout: time.Second}, alwaysSession("tok"), func(string) Adapter { return adapter }, record, testMetrics())
	for i := 1; i <= 5; i++ {
		pool.Enqueue(context.Background(), domain.ExecutionTask{
			TraderID:     traderID,
			SubaccountID: uuid.New(),
			Action:       domain.ActionBuy,
			Symbol:       "MES-FUT",
			Quantity:     i,
		})
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("not all tasks completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for i, q := range order {
		if q != i+1 {
			t.Fatalf("order = %v, want strictly increasing FIFO order", order)
		}
	}
}

func TestGlobalConcurrencyNeverExceedsPoolSize(t *testing.T) {
	adapter := &fakeAdapter{delay: 30 * time.Millisecond}
	record := func(ctx context.Context, tr domain.Trade) error { return nil }

	pool := New(Config{WorkerPoolSize: 2, BrokerTimeout: time.Second}, alwaysSession("tok"), func(string) Adapter { return adapter }, record, testMetrics())
	for i := 0; i < 6; i++ {
		pool.Enqueue(context.Background(), domain.ExecutionTask{
			TraderID:     uuid.New(), // distinct partitions so all 6 can run in parallel
			SubaccountID: uuid.New(),
			Action:       domain.ActionBuy,
			Symbol:       "MES-FUT",
			Quantity:     1,
		})
	}

	time.Sleep(250 * time.Millisecond)

	adapter.mu.Lock()
	maxSeen := adapter.maxSeen
	adapter.mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("max concurrent broker calls = %d, want <= 2", maxSeen)
	}
}

func TestBracketChildrenOnlyPlacedForOpeningActions(t *testing.T) {
	adapter := &fakeAdapter{}
	record := func(ctx context.Context, tr domain.Trade) error { return nil }

	pool := New(DefaultConfig(), alwaysSession("tok"), func(string) Adapter { return adapter }, record, testMetrics())
	task := domain.ExecutionTask{
		TraderID:     uuid.New(),
		SubaccountID: uuid.New(),
		Action:       domain.ActionBuy,
		Symbol:       "MES-FUT",
		Quantity:     1,
		TP:           &domain.TPSLSpec{Value: decimal.NewFromInt(5)},
		SL:           &domain.TPSLSpec{Value: decimal.NewFromInt(5)},
	}
	pool.Enqueue(context.Background(), task)

	deadline := time.After(time.Second)
	for {
		adapter.mu.Lock()
		n := len(adapter.orders)
		adapter.mu.Unlock()
		if n == 3 { // parent + TP + SL
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 orders (parent+TP+SL), got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
