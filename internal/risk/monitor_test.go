package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/instrument"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakePrices) set(symbol string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

func (f *fakePrices) LastPrice(symbol string) (float64, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, time.Time{}, ok
}

func newTestMonitor(prices *fakePrices, clk clock.Clock) *PositionMonitor {
	cfg := MonitorConfig{
		Stops:        DefaultStopConfig(),
		TickInterval: time.Second,
		TierIntervals: map[domain.Tier]time.Duration{
			domain.TierHigh: 30 * time.Second,
			domain.TierLow:  5 * time.Minute,
		},
	}
	return NewPositionMonitor(cfg, instrument.NewRegistry(), prices, nil, nil, clk, zerolog.Nop())
}

func TestMonitorMovesStopAndRequestsExitOnce(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{"EURUSD": 1.1030}}
	m := newTestMonitor(prices, clock.NewManual(opened))

	pos := longEURUSD()
	pos.Tier = domain.TierHigh
	if err := m.Register(pos); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(pos); err != ErrPositionAlreadyExists {
		t.Errorf("Expected ErrPositionAlreadyExists, got %v", err)
	}

	var moves []StopMove
	m.OnStopMoved(func(mv StopMove) { moves = append(moves, mv) })

	m.Tick(context.Background(), at(time.Minute))
	got, _ := m.Get("T1")
	if got.StopPrice != 1.1000 || got.StopKind != domain.StopBreakeven {
		t.Fatalf("Expected breakeven stop 1.1000, got %.5f (%s)", got.StopPrice, got.StopKind)
	}
	if len(moves) != 1 || moves[0].OldStop != 1.0980 {
		t.Errorf("Expected one stop move from 1.0980, got %+v", moves)
	}

	prices.set("EURUSD", 1.0995)
	m.Tick(context.Background(), at(2*time.Minute))
	m.Tick(context.Background(), at(3*time.Minute))

	select {
	case req := <-m.Exits():
		if req.PositionID != "T1" || req.Kind != ExitStopBreached {
			t.Errorf("Unexpected exit request %+v", req)
		}
	default:
		t.Fatal("Expected an exit request")
	}
	select {
	case req := <-m.Exits():
		t.Errorf("Expected a single exit request, got extra %+v", req)
	default:
	}
}

func TestMonitorRespectsTierInterval(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{"AUDNZD": 1.0800}}
	m := newTestMonitor(prices, clock.NewManual(opened))

	m.Register(domain.Position{ID: "L1", Symbol: "AUDNZD", Direction: domain.Buy, EntryPrice: 1.08, StopPrice: 1.07, Tier: domain.TierLow, OpenedAt: opened})

	if n := m.Tick(context.Background(), at(0)); n != 1 {
		t.Fatalf("Expected first tick to evaluate, got %d", n)
	}
	if n := m.Tick(context.Background(), at(2*time.Minute)); n != 0 {
		t.Errorf("Expected no evaluation before the LOW tier interval, got %d", n)
	}
	if n := m.Tick(context.Background(), at(5*time.Minute)); n != 1 {
		t.Errorf("Expected evaluation once the interval elapsed, got %d", n)
	}
}

func TestMonitorSkipsWithoutPrice(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{}}
	m := newTestMonitor(prices, clock.NewManual(opened))
	m.Register(longEURUSD())

	m.Tick(context.Background(), at(time.Minute))
	got, _ := m.Get("T1")
	if got.StopPrice != 1.0980 {
		t.Errorf("Expected untouched stop, got %.5f", got.StopPrice)
	}
}

func TestMonitorRemoveAndPositions(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{}}
	m := newTestMonitor(prices, clock.NewManual(opened))

	a := longEURUSD()
	b := longEURUSD()
	b.ID, b.OpenedAt = "T0", opened.Add(-time.Hour)
	m.Register(a)
	m.Register(b)

	list := m.Positions()
	if len(list) != 2 || list[0].ID != "T0" {
		t.Fatalf("Expected positions ordered by open time, got %+v", list)
	}

	if _, err := m.Remove("T0"); err != nil {
		t.Errorf("Unexpected remove error: %v", err)
	}
	if _, err := m.Remove("T0"); err != ErrPositionNotFound {
		t.Errorf("Expected ErrPositionNotFound, got %v", err)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{}}
	clk := clock.NewManual(opened)
	m := newTestMonitor(prices, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
