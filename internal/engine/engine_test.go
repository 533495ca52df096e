package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/events"
	"risk-gated-trader/internal/scanner"
)

type fakeLink struct {
	up atomic.Bool
}

func (f *fakeLink) Connected() bool { return f.up.Load() }

// lateFeed is a feed whose connectivity the test controls. polls counts
// Connected calls, which only the breaker tick makes while Status is unused.
type lateFeed struct {
	up      atomic.Bool
	running atomic.Bool
	polls   atomic.Int32
}

func (f *lateFeed) Connected() bool {
	f.polls.Add(1)
	return f.up.Load()
}

func (f *lateFeed) Run(ctx context.Context) error {
	f.running.Store(true)
	<-ctx.Done()
	return nil
}

func newEngine(h *harness, link Connectivity) *Engine {
	return newEngineWithFeed(h, link, nil)
}

func newEngineWithFeed(h *harness, link Connectivity, feed Feed) *Engine {
	return New(Components{
		Monitor:    h.monitor,
		Breaker:    h.breaker,
		Compliance: h.compliance,
		Decision:   h.loop,
		Queue:      h.queue,
		Signals:    scanner.NewSignalCache(time.Minute, h.clock),
		Broker:     link,
		Feed:       feed,
		Bus:        h.bus,
		Clock:      h.clock,
	}, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEngineRunAndCancel(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	link := &fakeLink{}
	link.up.Store(true)
	eng := newEngine(h, link)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	waitFor(t, func() bool { return eng.Status().Running })

	if err := eng.Run(ctx); err == nil {
		t.Error("Expected second Run to fail while running")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Engine did not stop after cancel")
	}
	if eng.Status().Running {
		t.Error("Expected engine not running after stop")
	}
}

func TestEngineFatalComplianceStopsEverything(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	h.broker.account = domain.AccountInfo{Balance: 100000, Equity: 89000}
	eng := newEngine(h, nil)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()

	select {
	case err := <-done:
		if !domain.IsFatal(err) {
			t.Errorf("Expected fatal compliance error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Engine kept running after disqualification")
	}

	st := eng.Status()
	if st.Halted == "" {
		t.Error("Expected halted reason in status")
	}
	if st.Compliance.Status != compliance.StatusDisqualified {
		t.Errorf("Expected DISQUALIFIED, got %s", st.Compliance.Status)
	}
}

func TestEngineStatusReflectsConnectivity(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	link := &fakeLink{}
	eng := newEngine(h, link)

	if eng.Connected() {
		t.Error("Expected disconnected broker to report not connected")
	}
	st := eng.Status()
	if st.BrokerConnected {
		t.Error("Expected broker_connected false")
	}
	if !st.FeedConnected {
		t.Error("Expected nil feed to count as connected")
	}

	link.up.Store(true)
	if !eng.Connected() {
		t.Error("Expected connected after link restored")
	}
}

func TestEngineResetCircuit(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	eng := newEngine(h, nil)

	h.breaker.Trip("operator pause", testStart, time.Hour)
	if !eng.Status().Breaker.Triggered {
		t.Fatal("Expected breaker triggered")
	}

	eng.ResetCircuit("alice")
	h.bus.Wait()
	if eng.Status().Breaker.Triggered {
		t.Error("Expected breaker re-armed after operator reset")
	}
}

func TestEngineTripCircuitLatches(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	eng := newEngine(h, nil)

	st := eng.TripCircuit("alice", "NFP surprise", 0)
	if !st.Triggered {
		t.Fatal("Expected breaker triggered after manual trip")
	}
	h.clock.Advance(24 * time.Hour)
	if !eng.Status().Breaker.Triggered {
		t.Error("Expected manual trip to hold until reset")
	}
	eng.ResetCircuit("alice")
	if eng.Status().Breaker.Triggered {
		t.Error("Expected breaker re-armed after reset")
	}
}

func TestEngineResetComplianceClearsHalt(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	eng := newEngine(h, nil)

	var (
		mu          sync.Mutex
		transitions = make(map[string]bool)
	)
	h.bus.Subscribe(events.EventComplianceChanged, func(e events.Event) {
		mu.Lock()
		transitions[e.Data["to"].(string)] = true
		mu.Unlock()
	})

	h.broker.account = domain.AccountInfo{Balance: 100000, Equity: 89000}
	if _, err := h.loop.RunCycle(context.Background()); err == nil {
		t.Fatal("Expected disqualification")
	}

	h.broker.account = domain.AccountInfo{Balance: 95000, Equity: 95000}
	eng.ResetCompliance("alice", 95000)
	h.bus.Wait()

	st := eng.Status()
	if st.Halted != "" {
		t.Errorf("Expected halt cleared, got %q", st.Halted)
	}
	if st.Compliance.Status != compliance.StatusActive {
		t.Errorf("Expected ACTIVE after reset, got %s", st.Compliance.Status)
	}
	mu.Lock()
	if !transitions[string(compliance.StatusActive)] {
		t.Errorf("Expected a transition to ACTIVE, got %v", transitions)
	}
	mu.Unlock()

	if _, err := h.loop.RunCycle(context.Background()); err != nil {
		t.Errorf("Expected loop to resume after reset, got %v", err)
	}
}

func TestEngineFeedConnectingLateDoesNotTrip(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	link := &fakeLink{}
	link.up.Store(true)
	feed := &lateFeed{}
	eng := newEngineWithFeed(h, link, feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool { return feed.running.Load() && feed.polls.Load() >= 1 })
	if st := h.breaker.Check(h.clock.Now()); st.Triggered {
		t.Fatalf("Expected no trip while the feed is dialing, got %+v", st)
	}

	feed.up.Store(true)
	waitFor(t, func() bool {
		h.clock.Advance(time.Second)
		return feed.polls.Load() >= 2
	})
	if st := h.breaker.Check(h.clock.Now()); st.Triggered {
		t.Fatalf("Expected no trip after the feed connected, got %+v", st)
	}

	// once up, a real drop trips with the feed named
	feed.up.Store(false)
	waitFor(t, func() bool {
		h.clock.Advance(time.Second)
		return h.breaker.Check(h.clock.Now()).Triggered
	})
	st := h.breaker.Check(h.clock.Now())
	if st.Trigger != circuit.TriggerConnectionLoss || st.Reason != "connection lost: feed" {
		t.Errorf("Expected feed connection loss, got %s %q", st.Trigger, st.Reason)
	}
}

func TestEngineDownLinks(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)
	link := &fakeLink{}
	feed := &lateFeed{}
	eng := newEngineWithFeed(h, link, feed)

	if got := eng.DownLinks(); len(got) != 2 || got[0] != "broker" || got[1] != "feed" {
		t.Errorf("Expected broker and feed down, got %v", got)
	}
	link.up.Store(true)
	feed.up.Store(true)
	if got := eng.DownLinks(); len(got) != 0 {
		t.Errorf("Expected no links down, got %v", got)
	}
}

func TestEngineServeSurvivesRestoredDisqualification(t *testing.T) {
	h := newHarness(t, DefaultDecisionConfig(), nil)

	// a disqualification persisted by a previous process
	prev := compliance.NewValidator(compliance.DefaultRules(), 100000, testStart, time.UTC)
	prev.Update(domain.AccountInfo{Balance: 100000, Equity: 89000, Time: testStart})
	h.compliance.Restore(prev.Snapshot())
	h.broker.account = domain.AccountInfo{Balance: 95000, Equity: 95000}

	eng := newEngine(h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Serve(ctx) }()

	waitFor(t, func() bool {
		st := eng.Status()
		return !st.Running && st.Halted != ""
	})
	select {
	case err := <-done:
		t.Fatalf("Expected Serve to stay up while halted, returned %v", err)
	default:
	}

	eng.ResetCompliance("alice", 95000)
	waitFor(t, func() bool {
		st := eng.Status()
		return st.Running && st.Halted == "" && st.Compliance.Status == compliance.StatusActive
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
