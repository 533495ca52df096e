package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
)

func TestMemoryOnlyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore(nil, "", zerolog.Nop())

	if s.IsRedisAvailable() {
		t.Errorf("Expected memory-only store to report Redis unavailable")
	}

	if _, ok, err := s.LoadCompliance(ctx); ok || err != nil {
		t.Errorf("Expected no compliance state yet, got ok=%v err=%v", ok, err)
	}

	st := compliance.State{StartingBalance: 100000, CurrentEquity: 99000, Status: compliance.StatusDailyHalted}
	if err := s.SaveCompliance(ctx, st); err != nil {
		t.Fatalf("SaveCompliance: %v", err)
	}
	got, ok, err := s.LoadCompliance(ctx)
	if !ok || err != nil {
		t.Fatalf("Expected compliance state, got ok=%v err=%v", ok, err)
	}
	if got.Status != compliance.StatusDailyHalted || got.CurrentEquity != 99000 {
		t.Errorf("Expected saved compliance state, got %+v", got)
	}

	halt := time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC)
	if err := s.SaveBreaker(ctx, circuit.State{HaltUntil: halt, TripID: 2}); err != nil {
		t.Fatalf("SaveBreaker: %v", err)
	}
	br, ok, _ := s.LoadBreaker(ctx)
	if !ok || !br.HaltUntil.Equal(halt) || br.TripID != 2 {
		t.Errorf("Expected breaker halt until %v trip 2, got %+v", halt, br)
	}
}

func TestSavePositionsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore(nil, "test", zerolog.Nop())

	positions := []domain.Position{{ID: "a", Symbol: "EURUSD"}, {ID: "b", Symbol: "GBPUSD"}}
	if err := s.SavePositions(ctx, positions); err != nil {
		t.Fatalf("SavePositions: %v", err)
	}
	positions[0].Symbol = "MUTATED"

	got, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "EURUSD" {
		t.Errorf("Expected stored copy unaffected by caller mutation, got %+v", got)
	}
}

func TestCheckConnectionWithoutClient(t *testing.T) {
	s := NewStateStore(nil, "", zerolog.Nop())
	if err := s.CheckConnection(context.Background()); err == nil {
		t.Errorf("Expected error without a Redis client")
	}
	if NewClient(Config{Enabled: false}) != nil {
		t.Errorf("Expected nil client when disabled")
	}
}
