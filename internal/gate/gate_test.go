package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/calendar"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/instrument"
)

// Wednesday mid-session
var t0 = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type failingCalendar struct{}

func (failingCalendar) UpcomingHighImpactEvents(context.Context, string, time.Time, time.Time) ([]calendar.Event, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	gate    *ExecutionGate
	breaker *circuit.CircuitBreaker
	cal     *calendar.Static
	comp    *compliance.Validator
}

func newFixture(cfg Config) fixture {
	reg := instrument.NewRegistry()
	cb := circuit.NewCircuitBreaker(circuit.DefaultConfig(), reg, zerolog.Nop())
	cal := calendar.NewStatic()
	comp := compliance.NewValidator(compliance.DefaultRules(), 100000, t0.Add(-24*time.Hour), time.UTC)
	return fixture{
		gate:    NewExecutionGate(cfg, cb, comp, cal, reg, time.UTC, zerolog.Nop()),
		breaker: cb,
		cal:     cal,
		comp:    comp,
	}
}

func baseRequest() Request {
	return Request{Symbol: "EURUSD", Direction: domain.Buy, Balance: 100000, RiskPct: 1, Now: t0}
}

func TestGateAllowsWithNoViolations(t *testing.T) {
	f := newFixture(DefaultConfig())
	res := f.gate.Validate(context.Background(), baseRequest())
	if !res.CanTrade || len(res.Violations) != 0 {
		t.Errorf("Expected canTrade=true with no violations, got %+v", res)
	}
}

func TestGateSingleViolation(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f fixture, req *Request)
		prefix string
	}{
		{
			name: "position limit",
			setup: func(f fixture, req *Request) {
				req.OpenPositions = []domain.Position{
					{Symbol: "AUDNZD", RiskPct: 0.1},
					{Symbol: "NZDCAD", RiskPct: 0.1},
					{Symbol: "CHFJPY", RiskPct: 0.1},
				}
			},
			prefix: "position limit",
		},
		{
			name: "news window",
			setup: func(f fixture, req *Request) {
				f.cal.Replace([]calendar.Event{{Currency: "USD", Title: "NFP", Impact: calendar.ImpactHigh, Time: t0.Add(10 * time.Minute)}})
			},
			prefix: "news window",
		},
		{
			name: "circuit breaker",
			setup: func(f fixture, req *Request) {
				f.breaker.Trip("operator halt", t0, time.Hour)
			},
			prefix: "circuit breaker",
		},
		{
			name: "exposure",
			setup: func(f fixture, req *Request) {
				req.OpenPositions = []domain.Position{{Symbol: "GBPUSD", RiskPct: 1.5}}
			},
			prefix: "USD exposure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(DefaultConfig())
			req := baseRequest()
			tt.setup(f, &req)

			res := f.gate.Validate(context.Background(), req)
			if res.CanTrade {
				t.Fatal("Expected canTrade=false")
			}
			if len(res.Violations) != 1 || !strings.HasPrefix(res.Violations[0], tt.prefix) {
				t.Errorf("Expected exactly one %q violation, got %v", tt.prefix, res.Violations)
			}
			if res.Reason != res.Violations[0] {
				t.Errorf("Expected reason to match the violation, got %q", res.Reason)
			}
		})
	}
}

func TestGateReportsEveryViolation(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.breaker.Trip("operator halt", t0, time.Hour)
	f.cal.Replace([]calendar.Event{{Currency: "EUR", Title: "ECB", Impact: calendar.ImpactHigh, Time: t0}})

	req := baseRequest()
	req.OpenPositions = []domain.Position{
		{Symbol: "GBPUSD", RiskPct: 1.5},
		{Symbol: "USDJPY", RiskPct: 0.2},
		{Symbol: "AUDUSD", RiskPct: 0.2},
	}
	res := f.gate.Validate(context.Background(), req)
	if res.CanTrade || len(res.Violations) != 4 {
		t.Errorf("Expected 4 violations, got %v", res.Violations)
	}
}

// Breaker tripped at T0 with a 60 minute cooldown
func TestGateCircuitCooldownScenario(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.breaker.RecordPrice("EURUSD", 1.1000, t0.Add(-10*time.Second))
	if st := f.breaker.RecordPrice("EURUSD", 1.0960, t0); !st.Triggered {
		t.Fatal("Expected flash crash trip at T0")
	}

	req := baseRequest()
	req.Now = t0.Add(30 * time.Minute)
	if res := f.gate.Validate(context.Background(), req); res.CanTrade {
		t.Error("Expected denial at T0+30m")
	}

	req.Now = t0.Add(61 * time.Minute)
	if res := f.gate.Validate(context.Background(), req); !res.CanTrade {
		t.Errorf("Expected approval at T0+61m, got %v", res.Violations)
	}
}

func TestGateCalendarFailsClosed(t *testing.T) {
	reg := instrument.NewRegistry()
	g := NewExecutionGate(DefaultConfig(), nil, nil, failingCalendar{}, reg, time.UTC, zerolog.Nop())

	res := g.Validate(context.Background(), baseRequest())
	if res.CanTrade {
		t.Fatal("Expected denial when the calendar is unavailable")
	}
	if len(res.Violations) != 2 || !strings.Contains(res.Violations[0], "calendar unavailable") {
		t.Errorf("Expected one calendar violation per currency, got %v", res.Violations)
	}
}

func TestGateWeekendWindow(t *testing.T) {
	f := newFixture(DefaultConfig())
	tests := []struct {
		now     time.Time
		blocked bool
	}{
		{time.Date(2024, 3, 8, 19, 59, 0, 0, time.UTC), false}, // Friday
		{time.Date(2024, 3, 8, 20, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC), true}, // Saturday
		{time.Date(2024, 3, 10, 21, 59, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		got := f.gate.checkWeekend(tt.now) != nil
		if got != tt.blocked {
			t.Errorf("%s: Expected blocked=%v, got %v", tt.now.Format("Mon 15:04"), tt.blocked, got)
		}
	}
}

func TestGateSessionHours(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionEnabled = true
	cfg.SessionStartHour, cfg.SessionEndHour = 22, 6
	f := newFixture(cfg)

	for hour, want := range map[int]bool{23: false, 3: false, 6: true, 12: true} {
		now := time.Date(2024, 3, 6, hour, 0, 0, 0, time.UTC)
		got := f.gate.checkSession(now) != nil
		if got != want {
			t.Errorf("Hour %d: Expected blocked=%v, got %v", hour, want, got)
		}
	}
}

func TestGateComplianceDisqualified(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.comp.Update(domain.AccountInfo{Balance: 100000, Equity: 94500, Time: t0})

	res := f.gate.Validate(context.Background(), baseRequest())
	if res.CanTrade || len(res.Violations) != 1 || !strings.Contains(res.Violations[0], "daily loss limit") {
		t.Errorf("Expected a single daily loss limit violation, got %v", res.Violations)
	}
}
