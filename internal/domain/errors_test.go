package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindsMatch(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  error
		fatal bool
	}{
		{"transient", Transient("predict", errors.New("timeout")), ErrTransient, false},
		{"insufficient", Insufficient("predict", errors.New("no bars")), ErrDataInsufficient, false},
		{"violation", Violation("compliance", "daily loss limit"), ErrComplianceViolation, true},
		{"denied", Denied("max positions"), ErrGateDenial, false},
		{"tripped", Tripped("flash crash"), ErrCircuitTrip, false},
		{"wrapped violation", fmt.Errorf("cycle: %w", Violation("compliance", "max drawdown")), ErrComplianceViolation, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("Expected %v to match kind %v", tt.err, tt.kind)
			}
			if IsFatal(tt.err) != tt.fatal {
				t.Errorf("Expected IsFatal=%v for %v", tt.fatal, tt.err)
			}
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Transient("broker.open", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected transient error to unwrap to its cause")
	}
}

func TestReasonsItemized(t *testing.T) {
	err := Denied("max positions reached (3/3)", "weekend close window")
	reasons := Reasons(err)
	if len(reasons) != 2 {
		t.Fatalf("Expected 2 reasons, got %d", len(reasons))
	}
	if reasons[1] != "weekend close window" {
		t.Errorf("Expected second reason 'weekend close window', got %q", reasons[1])
	}

	plain := Reasons(errors.New("boom"))
	if len(plain) != 1 || plain[0] != "boom" {
		t.Errorf("Expected plain error text as single reason, got %v", plain)
	}
}

func TestDirectionHelpers(t *testing.T) {
	if ParseDirection("long") != Buy || ParseDirection("SHORT") != Sell || ParseDirection("flat") != Neutral {
		t.Error("ParseDirection mapping mismatch")
	}
	if Buy.Opposite() != Sell || Sell.Sign() != -1 || Neutral.Sign() != 0 {
		t.Error("Direction helper mismatch")
	}

	p := Position{Direction: Sell, EntryPrice: 1.2000}
	if got := p.FavorableMove(1.1950); got <= 0 {
		t.Errorf("Expected positive favorable move for SELL below entry, got %f", got)
	}
}
