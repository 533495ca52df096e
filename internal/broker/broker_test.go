package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/instrument"
)

type marks struct {
	mu sync.Mutex
	m  map[string]float64
}

func (k *marks) set(symbol string, p float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[symbol] = p
}

func (k *marks) LastPrice(symbol string) (float64, time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.m[symbol]
	return p, time.Time{}, ok
}

var start = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

func TestPaperRoundTrip(t *testing.T) {
	prices := &marks{m: map[string]float64{"EURUSD": 1.1000}}
	p := NewPaper(PaperConfig{StartingBalance: 100000}, prices, instrument.NewRegistry(), clock.NewManual(start))
	ctx := context.Background()

	fill, err := p.OpenTrade(ctx, OrderRequest{RequestID: "r1", Symbol: "EURUSD", Direction: domain.Buy, RiskPct: 1, StopPips: 20})
	if err != nil {
		t.Fatalf("OpenTrade failed: %v", err)
	}
	if fill.RequestID != "r1" || fill.EntryPrice != 1.1000 || fill.Ticket == "" {
		t.Errorf("Unexpected fill %+v", fill)
	}

	// 1% of 100k over 20 pips = 50 per pip; +10 pips = 500
	prices.set("EURUSD", 1.1010)
	acct, _ := p.GetAccountInfo(ctx)
	if acct.Balance != 100000 || acct.Equity != 100500 {
		t.Errorf("Expected balance 100000 equity 100500, got %v/%v", acct.Balance, acct.Equity)
	}

	res, err := p.CloseTrade(ctx, fill.Ticket, "test")
	if err != nil {
		t.Fatalf("CloseTrade failed: %v", err)
	}
	if res.Profit != 500 {
		t.Errorf("Expected profit 500, got %v", res.Profit)
	}
	if open, _ := p.GetOpenPositions(ctx); len(open) != 0 {
		t.Errorf("Expected no open positions, got %d", len(open))
	}

	_, err = p.CloseTrade(ctx, fill.Ticket, "again")
	if !IsRejected(err) {
		t.Errorf("Expected rejection for unknown ticket, got %v", err)
	}
}

func TestPaperStopOutLosesRisk(t *testing.T) {
	prices := &marks{m: map[string]float64{"USDJPY": 150.00}}
	p := NewPaper(PaperConfig{StartingBalance: 100000}, prices, instrument.NewRegistry(), clock.NewManual(start))
	ctx := context.Background()

	p.OpenTrade(ctx, OrderRequest{RequestID: "r", Symbol: "USDJPY", Direction: domain.Sell, RiskPct: 0.5, StopPips: 25})
	prices.set("USDJPY", 150.25)

	results, err := p.CloseAll(ctx, "flatten")
	if err != nil || len(results) != 1 {
		t.Fatalf("Expected one close, got %v %v", results, err)
	}
	if results[0].Profit != -500 {
		t.Errorf("Expected -500 at the stop, got %v", results[0].Profit)
	}
}

func TestPaperRejections(t *testing.T) {
	p := NewPaper(PaperConfig{StartingBalance: 1000}, &marks{m: map[string]float64{}}, instrument.NewRegistry(), clock.NewManual(start))
	tests := []OrderRequest{
		{RequestID: "a", Symbol: "EURUSD", Direction: domain.Neutral, RiskPct: 1, StopPips: 10},
		{RequestID: "b", Symbol: "EURUSD", Direction: domain.Buy, RiskPct: 1, StopPips: 0},
		{RequestID: "c", Symbol: "EURUSD", Direction: domain.Buy, RiskPct: 1, StopPips: 10},
	}
	for _, req := range tests {
		if _, err := p.OpenTrade(context.Background(), req); !IsRejected(err) {
			t.Errorf("%s: Expected rejection, got %v", req.RequestID, err)
		}
	}
}

type stubBroker struct {
	fill     Fill
	close    CloseResult
	err      error
	block    bool
	openCall int
}

func (s *stubBroker) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	if s.block {
		<-ctx.Done()
		return domain.AccountInfo{}, ctx.Err()
	}
	return domain.AccountInfo{Balance: 1}, s.err
}

func (s *stubBroker) GetOpenPositions(context.Context) ([]OpenPosition, error) { return nil, s.err }

func (s *stubBroker) OpenTrade(ctx context.Context, req OrderRequest) (Fill, error) {
	s.openCall++
	return s.fill, s.err
}

func (s *stubBroker) CloseTrade(context.Context, string, string) (CloseResult, error) {
	return s.close, s.err
}

func (s *stubBroker) CloseAll(context.Context, string) ([]CloseResult, error) { return nil, s.err }

func unlimited() GuardConfig {
	return GuardConfig{Timeout: 50 * time.Millisecond, MaxTransportErrors: 2}
}

func TestGuardedDiscardsMismatchedFill(t *testing.T) {
	req := OrderRequest{RequestID: "r1", Symbol: "EURUSD", Direction: domain.Buy, RiskPct: 1, StopPips: 20}
	tests := []struct {
		name string
		fill Fill
		ok   bool
	}{
		{"matching", Fill{RequestID: "r1", Symbol: "EURUSD", Direction: domain.Buy, Ticket: "t"}, true},
		{"other request", Fill{RequestID: "r0", Symbol: "EURUSD", Direction: domain.Buy}, false},
		{"other symbol", Fill{RequestID: "r1", Symbol: "GBPUSD", Direction: domain.Buy}, false},
		{"other side", Fill{RequestID: "r1", Symbol: "EURUSD", Direction: domain.Sell}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuarded(&stubBroker{fill: tt.fill}, unlimited(), zerolog.Nop())
			fill, err := g.OpenTrade(context.Background(), req)
			if tt.ok && (err != nil || fill.Ticket != "t") {
				t.Errorf("Expected fill, got %+v %v", fill, err)
			}
			if !tt.ok && !errors.Is(err, ErrStaleResponse) {
				t.Errorf("Expected ErrStaleResponse, got %v", err)
			}
		})
	}
}

func TestGuardedCloseCorrelation(t *testing.T) {
	g := NewGuarded(&stubBroker{close: CloseResult{Ticket: "other"}}, unlimited(), zerolog.Nop())
	if _, err := g.CloseTrade(context.Background(), "t1", "x"); !errors.Is(err, ErrStaleResponse) {
		t.Errorf("Expected ErrStaleResponse, got %v", err)
	}
}

func TestGuardedTimeoutAndLiveness(t *testing.T) {
	stub := &stubBroker{block: true}
	g := NewGuarded(stub, unlimited(), zerolog.Nop())

	for i := 0; i < 2; i++ {
		if !g.Connected() {
			t.Fatalf("Expected connected before %d failures", i)
		}
		_, err := g.GetAccountInfo(context.Background())
		if !errors.Is(err, ErrUnreachable) || !errors.Is(err, domain.ErrTransient) {
			t.Errorf("Expected transient unreachable error, got %v", err)
		}
	}
	if g.Connected() {
		t.Error("Expected disconnected after repeated timeouts")
	}

	stub.block = false
	if _, err := g.GetAccountInfo(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !g.Connected() {
		t.Error("Expected reconnected after a successful call")
	}
}

func TestGuardedRejectionKeepsLiveness(t *testing.T) {
	g := NewGuarded(&stubBroker{err: &RejectedError{Message: "market closed"}}, unlimited(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		g.OpenTrade(context.Background(), OrderRequest{RequestID: "r", Symbol: "EURUSD", Direction: domain.Buy})
	}
	if !g.Connected() {
		t.Error("Expected rejections not to count as transport failures")
	}
}

func TestGuardedRequiresRequestID(t *testing.T) {
	stub := &stubBroker{}
	g := NewGuarded(stub, unlimited(), zerolog.Nop())
	if _, err := g.OpenTrade(context.Background(), OrderRequest{Symbol: "EURUSD"}); err == nil {
		t.Error("Expected error without request id")
	}
	if stub.openCall != 0 {
		t.Error("Expected no broker call without request id")
	}
}
