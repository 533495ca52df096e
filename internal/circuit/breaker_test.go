package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/instrument"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newBreaker(cfg Config) *CircuitBreaker {
	return NewCircuitBreaker(cfg, instrument.NewRegistry(), zerolog.Nop())
}

// TestFlashCrashCooldown covers scenario D: 60-minute cooldown tripped at T0
func TestFlashCrashCooldown(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	cb.RecordPrice("EURUSD", 1.1000, t0.Add(-30*time.Second))
	st := cb.RecordPrice("EURUSD", 1.0960, t0)
	if !st.Triggered {
		t.Fatal("Expected trip immediately after a 40 pip move in 30s")
	}
	if st.Trigger != TriggerFlashCrash {
		t.Errorf("Expected flash_crash trigger, got %s", st.Trigger)
	}

	tests := []struct {
		at        time.Duration
		triggered bool
	}{
		{0, true},
		{30 * time.Minute, true},
		{60 * time.Minute, true},
		{61 * time.Minute, false},
	}
	for _, tt := range tests {
		if got := cb.Check(t0.Add(tt.at)).Triggered; got != tt.triggered {
			t.Errorf("At T0+%s: Expected triggered=%v, got %v", tt.at, tt.triggered, got)
		}
	}
}

func TestFlashCrashIgnoresMovesOutsideWindow(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	cb.RecordPrice("EURUSD", 1.1000, t0)
	if st := cb.RecordPrice("EURUSD", 1.0960, t0.Add(61*time.Second)); st.Triggered {
		t.Errorf("Expected no trip for a move spread over 61s, got %s", st.Reason)
	}

	// 25 pips inside the window stays under the 30 pip threshold
	cb.RecordPrice("GBPUSD", 1.2500, t0)
	if st := cb.RecordPrice("GBPUSD", 1.2525, t0.Add(10*time.Second)); st.Triggered {
		t.Errorf("Expected no trip for 25 pips, got %s", st.Reason)
	}
}

func TestFlashCrashUsesSymbolPipSize(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	// 0.25 on USDJPY is 25 pips
	cb.RecordPrice("USDJPY", 150.00, t0)
	if st := cb.RecordPrice("USDJPY", 150.25, t0.Add(5*time.Second)); st.Triggered {
		t.Fatal("Expected no trip for 25 JPY pips")
	}
	if st := cb.RecordPrice("USDJPY", 150.35, t0.Add(10*time.Second)); !st.Triggered {
		t.Error("Expected trip for 35 JPY pips")
	}
}

func TestRapidDrawdown(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	cb.RecordEquity(100000, t0)
	if st := cb.RecordEquity(98500, t0.Add(2*time.Minute)); st.Triggered {
		t.Fatalf("Expected no trip at 1.5%%, got %s", st.Reason)
	}
	st := cb.RecordEquity(97900, t0.Add(4*time.Minute))
	if !st.Triggered || st.Trigger != TriggerRapidDrawdown {
		t.Fatalf("Expected rapid_drawdown trip at 2.1%%, got %+v", st)
	}
	if want := t0.Add(4*time.Minute + 30*time.Minute); !st.HaltUntil.Equal(want) {
		t.Errorf("Expected halt until %s, got %s", want, st.HaltUntil)
	}
	if st.ShouldClosePositions {
		t.Error("Expected drawdown trip not to force-close positions")
	}
}

func TestRapidDrawdownPeakIsTrailing(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	cb.RecordEquity(100000, t0)
	if st := cb.RecordEquity(97000, t0.Add(6*time.Minute)); st.Triggered {
		t.Errorf("Expected peak older than 5m to be ignored, got %s", st.Reason)
	}
}

func TestLossStreakLatchesUntilReset(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	outcomes := []float64{-10, -20, 5, -10, -15}
	for i, p := range outcomes {
		if st := cb.RecordTradeOutcome(p, t0.Add(time.Duration(i)*time.Minute)); st.Triggered {
			t.Fatalf("Expected no trip after outcome %d", i)
		}
	}

	st := cb.RecordTradeOutcome(-5, t0.Add(10*time.Minute))
	if !st.Triggered || st.Trigger != TriggerLossStreak {
		t.Fatalf("Expected loss_streak trip, got %+v", st)
	}
	if !st.RequiresReset {
		t.Error("Expected loss streak halt to require reset")
	}
	if st.ShouldClosePositions {
		t.Error("Expected loss streak not to force-close positions")
	}

	if !cb.Check(t0.Add(48 * time.Hour)).Triggered {
		t.Error("Expected latched halt to persist past its cooldown")
	}

	cb.Reset()
	st = cb.Check(t0.Add(48 * time.Hour))
	if st.Triggered {
		t.Error("Expected armed after Reset")
	}
	if st.ConsecutiveLosses != 0 {
		t.Errorf("Expected streak cleared, got %d", st.ConsecutiveLosses)
	}
}

func TestLossStreakAutoClearsWhenNotLatched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LossStreakRequiresReset = false
	cb := newBreaker(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordTradeOutcome(-1, t0)
	}
	if !cb.Check(t0.Add(15 * time.Minute)).Triggered {
		t.Fatal("Expected halt during the 15m cooldown")
	}
	st := cb.Check(t0.Add(16 * time.Minute))
	if st.Triggered {
		t.Fatal("Expected auto clear after cooldown")
	}
	if st.ConsecutiveLosses != 0 {
		t.Errorf("Expected streak counter reset on clear, got %d", st.ConsecutiveLosses)
	}
}

func TestConnectionLossFiresOnce(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	fired := 0
	cb.OnTrip(func(Status) { fired++ })

	var st Status
	for i := 0; i < 3; i++ {
		st = cb.Evaluate(t0.Add(time.Duration(i)*time.Minute), []string{"broker"})
	}

	if fired != 1 {
		t.Errorf("Expected onTrip once, got %d", fired)
	}
	if !st.ShouldClosePositions {
		t.Error("Expected connection loss to request position close")
	}
	if want := t0.Add(2*time.Minute + 60*time.Minute); !st.HaltUntil.Equal(want) {
		t.Errorf("Expected halt extended to %s, got %s", want, st.HaltUntil)
	}

	if cb.Evaluate(t0.Add(63*time.Minute), nil).Triggered {
		t.Error("Expected re-armed after reconnect and cooldown")
	}
}

func TestLaterTripNeverShortensHalt(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	cb.RecordPrice("EURUSD", 1.1000, t0)
	cb.RecordPrice("EURUSD", 1.0950, t0.Add(time.Second))

	cb.RecordEquity(100000, t0.Add(10*time.Minute))
	st := cb.RecordEquity(95000, t0.Add(11*time.Minute))

	if want := t0.Add(time.Second + 60*time.Minute); !st.HaltUntil.Equal(want) {
		t.Errorf("Expected halt until %s, got %s", want, st.HaltUntil)
	}
	if st.Trigger != TriggerFlashCrash {
		t.Errorf("Expected flash_crash to remain the reason, got %s", st.Trigger)
	}
	if st.TripID != 1 {
		t.Errorf("Expected a single trip, got %d", st.TripID)
	}
}

func TestResetCallbackOnCooldown(t *testing.T) {
	cb := newBreaker(DefaultConfig())
	var reasons []string
	cb.OnReset(func(r string) { reasons = append(reasons, r) })

	cb.RecordPrice("EURUSD", 1.1000, t0)
	cb.RecordPrice("EURUSD", 1.1040, t0)
	cb.Check(t0.Add(61 * time.Minute))
	cb.Check(t0.Add(62 * time.Minute))

	if len(reasons) != 1 || reasons[0] != "cooldown_elapsed" {
		t.Errorf("Expected one cooldown_elapsed reset, got %v", reasons)
	}
}

func TestManualTripRequiresReset(t *testing.T) {
	cb := newBreaker(DefaultConfig())

	st := cb.Trip("operator halt", t0, time.Minute)
	if !st.Triggered || !st.RequiresReset {
		t.Fatalf("Expected latched manual halt, got %+v", st)
	}
	if !cb.Check(t0.Add(24 * time.Hour)).Triggered {
		t.Error("Expected manual halt to persist")
	}
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cb := newBreaker(cfg)

	cb.RecordPrice("EURUSD", 1.1000, t0)
	cb.RecordPrice("EURUSD", 1.0000, t0)
	if cb.Evaluate(t0, []string{"broker"}).Triggered {
		t.Error("Expected disabled breaker to stay armed")
	}
}

func TestSnapshotRestore(t *testing.T) {
	cb := newBreaker(DefaultConfig())
	cb.Evaluate(t0, []string{"broker"})

	restored := newBreaker(DefaultConfig())
	restored.Restore(cb.Snapshot())

	st := restored.Check(t0.Add(30 * time.Minute))
	if !st.Triggered || st.Trigger != TriggerConnectionLoss {
		t.Errorf("Expected restored connection halt, got %+v", st)
	}
	if restored.Check(t0.Add(61 * time.Minute)).Triggered {
		t.Error("Expected restored halt to expire on schedule")
	}
}

func TestAppendSampleBounds(t *testing.T) {
	var s []sample
	for i := 0; i < 10; i++ {
		s = appendSample(s, sample{at: t0.Add(time.Duration(i) * time.Second), value: float64(i)}, t0, 4)
	}
	if len(s) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(s))
	}
	if s[0].value != 6 {
		t.Errorf("Expected oldest kept sample 6, got %v", s[0].value)
	}
}

func TestConnectionLossNamesLinks(t *testing.T) {
	cb := newBreaker(DefaultConfig())
	st := cb.Evaluate(t0, []string{"feed"})
	if !st.Triggered || st.Trigger != TriggerConnectionLoss {
		t.Fatalf("Expected connection loss trip, got %+v", st)
	}
	if st.Reason != "connection lost: feed" {
		t.Errorf("Expected reason naming the feed, got %q", st.Reason)
	}
}

// links is a settable set of down link names
type links struct {
	mu    sync.Mutex
	down  []string
	polls int
}

func (l *links) set(down ...string) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *links) poll() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls++
	return append([]string(nil), l.down...)
}

func (l *links) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polls
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// startRun runs the breaker on a manual clock and returns a step function
// that advances one tick and waits for it to be evaluated
func startRun(t *testing.T, cb *CircuitBreaker, l *links) (*clock.Manual, func()) {
	t.Helper()
	clk := clock.NewManual(t0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cb.Run(ctx, clk, l.poll)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitUntil(t, func() bool { return l.count() == 1 && clk.Waiters() == 1 })
	step := func() {
		n := l.count()
		clk.Advance(5 * time.Second)
		waitUntil(t, func() bool { return l.count() == n+1 && clk.Waiters() == 1 })
	}
	return clk, step
}

func TestRunIgnoresLinksStillConnectingAtStartup(t *testing.T) {
	cb := newBreaker(DefaultConfig())
	l := &links{}
	l.set("feed")
	_, step := startRun(t, cb, l)

	step()
	if cb.Check(t0).Triggered {
		t.Fatal("Expected no trip while the feed is still connecting")
	}

	l.set()
	step()
	if cb.Check(t0).Triggered {
		t.Fatal("Expected no trip once connected")
	}

	// after the first healthy tick, a loss trips immediately
	l.set("feed")
	step()
	st := cb.Check(t0.Add(15 * time.Second))
	if !st.Triggered || st.Reason != "connection lost: feed" {
		t.Errorf("Expected feed loss trip after settling, got %+v", st)
	}
}

func TestRunTripsWhenLinkNeverConnects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectGraceSecs = 10
	cb := newBreaker(cfg)
	l := &links{}
	l.set("broker")
	clk, step := startRun(t, cb, l)

	step()
	if cb.Check(clk.Now()).Triggered {
		t.Fatal("Expected no trip inside the grace period")
	}
	step()
	st := cb.Check(clk.Now())
	if !st.Triggered || st.Trigger != TriggerConnectionLoss {
		t.Errorf("Expected connection loss once grace elapsed, got %+v", st)
	}
}
