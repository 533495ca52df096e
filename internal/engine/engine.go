// Package engine runs the scanners, position monitor, circuit breaker, feed
// and decision loop as one supervised group.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/events"
	"risk-gated-trader/internal/queue"
	"risk-gated-trader/internal/risk"
	"risk-gated-trader/internal/scanner"
)

// Connectivity reports whether a collaborator is reachable
type Connectivity interface {
	Connected() bool
}

// Feed is a long-running market data stream
type Feed interface {
	Connectivity
	Run(ctx context.Context) error
}

// Components are the long-running parts the engine supervises
type Components struct {
	Scanners   []*scanner.TierScanner
	Monitor    *risk.PositionMonitor
	Breaker    *circuit.CircuitBreaker
	Compliance *compliance.Validator
	Decision   *DecisionLoop
	Queue      *queue.OpportunityQueue
	Signals    *scanner.SignalCache
	Broker     Connectivity // nil counts as connected
	Feed       Feed         // nil disables the feed and its connectivity check
	Bus        *events.EventBus
	Clock      clock.Clock
}

// Status is the operator view of the engine
type Status struct {
	Running         bool                  `json:"running"`
	StartedAt       time.Time             `json:"started_at"`
	Halted          string                `json:"halted,omitempty"`
	Compliance      compliance.Evaluation `json:"compliance"`
	Breaker         circuit.Status        `json:"breaker"`
	LastCycle       CycleResult           `json:"last_cycle"`
	OpenPositions   []domain.Position     `json:"open_positions"`
	Scanners        []scanner.CycleStats  `json:"scanners"`
	QueueLength     int                   `json:"queue_length"`
	BrokerConnected bool                  `json:"broker_connected"`
	FeedConnected   bool                  `json:"feed_connected"`
}

// Engine owns the goroutine group
type Engine struct {
	c            Components
	cleanupEvery time.Duration
	logger       zerolog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time

	resets chan struct{}
}

// New creates the engine and wires breaker and monitor callbacks to the bus
func New(c Components, logger zerolog.Logger) *Engine {
	e := &Engine{
		c:            c,
		cleanupEvery: time.Minute,
		logger:       logger.With().Str("component", "engine").Logger(),
		resets:       make(chan struct{}, 1),
	}

	c.Breaker.OnTrip(func(st circuit.Status) {
		e.logger.Error().
			Str("trigger", string(st.Trigger)).
			Str("reason", st.Reason).
			Time("halt_until", st.HaltUntil).
			Bool("close_positions", st.ShouldClosePositions).
			Msg("Circuit breaker tripped")
		c.Bus.PublishCircuit(c.Clock.Now(), true, string(st.Trigger), st.Reason, st.HaltUntil)
	})
	c.Breaker.OnReset(func(reason string) {
		e.logger.Info().Str("reason", reason).Msg("Circuit breaker re-armed")
		c.Bus.PublishCircuit(c.Clock.Now(), false, "", reason, time.Time{})
	})
	c.Monitor.OnStopMoved(func(mv risk.StopMove) {
		c.Bus.Publish(events.Event{
			Type:      events.EventStopMoved,
			Timestamp: c.Clock.Now(),
			Data: map[string]interface{}{
				"ticket":   mv.Position.ID,
				"symbol":   mv.Position.Symbol,
				"old_stop": mv.OldStop,
				"new_stop": mv.Position.StopPrice,
				"kind":     string(mv.Position.StopKind),
			},
		})
	})
	return e
}

// DownLinks names the unreachable collaborators the breaker watches
func (e *Engine) DownLinks() []string {
	var down []string
	if e.c.Broker != nil && !e.c.Broker.Connected() {
		down = append(down, "broker")
	}
	if e.c.Feed != nil && !e.c.Feed.Connected() {
		down = append(down, "feed")
	}
	return down
}

// Connected reports whether the broker and the feed are both reachable
func (e *Engine) Connected() bool {
	return len(e.DownLinks()) == 0
}

// Run blocks until ctx is cancelled or a component fails fatally. A
// compliance disqualification cancels every other component.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.startedAt = e.c.Clock.Now()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info().Int("tiers", len(e.c.Scanners)).Msg("Engine starting")
	e.c.Bus.Publish(events.Event{Type: events.EventEngineStarted, Timestamp: e.startedAt})

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range e.c.Scanners {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error { return e.c.Monitor.Run(gctx) })
	g.Go(func() error { return e.c.Breaker.Run(gctx, e.c.Clock, e.DownLinks) })
	if e.c.Feed != nil {
		g.Go(func() error { return e.c.Feed.Run(gctx) })
	}
	g.Go(func() error { return e.c.Decision.Run(gctx) })
	if e.c.Signals != nil {
		g.Go(func() error { return e.cleanupLoop(gctx) })
	}

	err := g.Wait()

	reason := "shutdown"
	if err != nil {
		reason = err.Error()
		e.logger.Error().Err(err).Msg("Engine stopped on error")
	} else {
		e.logger.Info().Msg("Engine stopped")
	}
	e.c.Bus.Publish(events.Event{
		Type:      events.EventEngineStopped,
		Timestamp: e.c.Clock.Now(),
		Data:      map[string]interface{}{"reason": reason},
	})
	return err
}

// Serve runs the engine and keeps the process alive through a compliance
// halt: after a fatal error it waits for ResetCompliance and runs again.
// It returns nil once ctx is cancelled and any non-fatal error as is.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		// resets issued while trading are not restart requests
		select {
		case <-e.resets:
		default:
		}

		err := e.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !domain.IsFatal(err) {
			return err
		}

		e.logger.Error().Err(err).Msg("Trading halted, waiting for an operator compliance reset")
		select {
		case <-ctx.Done():
			return nil
		case <-e.resets:
		}
		e.logger.Warn().Msg("Compliance reset received, restarting engine")
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) error {
	for clock.Sleep(e.c.Clock, e.cleanupEvery, ctx.Done()) {
		if n := e.c.Signals.CleanupExpired(); n > 0 {
			e.logger.Debug().Int("removed", n).Msg("Expired cached signals")
		}
	}
	return nil
}

// Status returns a point-in-time view for the operator API
func (e *Engine) Status() Status {
	e.mu.RLock()
	running, started := e.running, e.startedAt
	e.mu.RUnlock()

	now := e.c.Clock.Now()
	st := Status{
		Running:         running,
		StartedAt:       started,
		Compliance:      e.c.Compliance.Evaluate(),
		Breaker:         e.c.Breaker.Check(now),
		LastCycle:       e.c.Decision.LastResult(),
		OpenPositions:   e.c.Monitor.Positions(),
		QueueLength:     e.c.Queue.Len(),
		BrokerConnected: e.c.Broker == nil || e.c.Broker.Connected(),
		FeedConnected:   e.c.Feed == nil || e.c.Feed.Connected(),
	}
	if err := e.c.Decision.Halted(); err != nil {
		st.Halted = err.Error()
	}
	for _, s := range e.c.Scanners {
		if stats, ok := s.LastStats(); ok {
			st.Scanners = append(st.Scanners, stats)
		}
	}
	return st
}

// Positions returns the monitored open positions
func (e *Engine) Positions() []domain.Position {
	return e.c.Monitor.Positions()
}

// ResetCircuit re-arms the breaker, including latched halts
func (e *Engine) ResetCircuit(operator string) {
	e.logger.Warn().Str("operator", operator).Msg("Circuit breaker reset requested")
	e.c.Breaker.Reset()
}

// TripCircuit halts new entries until an operator resets the breaker.
// Open positions stay with the monitor.
func (e *Engine) TripCircuit(operator, reason string, cooldown time.Duration) circuit.Status {
	e.logger.Warn().Str("operator", operator).Str("reason", reason).Msg("Manual circuit trip requested")
	return e.c.Breaker.Trip("operator "+operator+": "+reason, e.c.Clock.Now(), cooldown)
}

// ResetCompliance starts a new evaluation period at startingBalance. A
// halted decision loop resumes on its next cycle and an engine parked in
// Serve restarts.
func (e *Engine) ResetCompliance(operator string, startingBalance float64) {
	e.logger.Warn().
		Str("operator", operator).
		Float64("starting_balance", startingBalance).
		Msg("Compliance reset requested")
	before := e.c.Compliance.Evaluate()
	e.c.Compliance.Reset(startingBalance, e.c.Clock.Now())
	e.c.Decision.ClearHalt()
	e.c.Bus.PublishCompliance(e.c.Clock.Now(), string(before.Status), string(compliance.StatusActive), []string{"operator reset by " + operator})

	select {
	case e.resets <- struct{}{}:
	default:
	}
}
