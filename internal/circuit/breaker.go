package circuit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/clock"
)

// Trigger identifies which detector tripped the breaker
type Trigger string

const (
	TriggerNone           Trigger = ""
	TriggerFlashCrash     Trigger = "flash_crash"
	TriggerRapidDrawdown  Trigger = "rapid_drawdown"
	TriggerLossStreak     Trigger = "loss_streak"
	TriggerConnectionLoss Trigger = "connection_loss"
	TriggerManual         Trigger = "manual"
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled                 bool    `json:"enabled"`
	FlashCrashWindowSecs    int     `json:"flash_crash_window_secs"`    // Trailing window for price range
	FlashCrashPips          float64 `json:"flash_crash_pips"`           // Range that counts as a crash
	DrawdownWindowSecs      int     `json:"drawdown_window_secs"`       // Trailing window for equity peak
	RapidDrawdownPct        float64 `json:"rapid_drawdown_pct"`         // Drop from window peak that trips
	MaxConsecutiveLosses    int     `json:"max_consecutive_losses"`     // Losing trades in a row
	FlashCrashCooldownMins  int     `json:"flash_crash_cooldown_mins"`  // Longest
	ConnectionCooldownMins  int     `json:"connection_cooldown_mins"`   // Longest
	DrawdownCooldownMins    int     `json:"drawdown_cooldown_mins"`     //
	LossStreakCooldownMins  int     `json:"loss_streak_cooldown_mins"`  // Shortest
	LossStreakRequiresReset bool    `json:"loss_streak_requires_reset"` // Latch loss-streak halts until Reset
	MaxSamples              int     `json:"max_samples"`                // Per series cap
	TickIntervalSecs        int     `json:"tick_interval_secs"`
	ConnectGraceSecs        int     `json:"connect_grace_secs"` // Links may come up this long after Run before a loss trips
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		FlashCrashWindowSecs:    60,
		FlashCrashPips:          30,
		DrawdownWindowSecs:      300,
		RapidDrawdownPct:        2.0,
		MaxConsecutiveLosses:    3,
		FlashCrashCooldownMins:  60,
		ConnectionCooldownMins:  60,
		DrawdownCooldownMins:    30,
		LossStreakCooldownMins:  15,
		LossStreakRequiresReset: true,
		MaxSamples:              1024,
		TickIntervalSecs:        5,
		ConnectGraceSecs:        60,
	}
}

// Cooldown returns the halt length for a trigger
func (c Config) Cooldown(t Trigger) time.Duration {
	switch t {
	case TriggerFlashCrash:
		return time.Duration(c.FlashCrashCooldownMins) * time.Minute
	case TriggerConnectionLoss:
		return time.Duration(c.ConnectionCooldownMins) * time.Minute
	case TriggerRapidDrawdown:
		return time.Duration(c.DrawdownCooldownMins) * time.Minute
	case TriggerLossStreak:
		return time.Duration(c.LossStreakCooldownMins) * time.Minute
	default:
		return time.Duration(c.FlashCrashCooldownMins) * time.Minute
	}
}

// PipConverter converts a price distance into pips for a symbol
type PipConverter interface {
	PriceToPips(symbol string, distance float64) float64
}

// Status is the result of a check
type Status struct {
	Triggered            bool      `json:"triggered"`
	Trigger              Trigger   `json:"trigger,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	HaltUntil            time.Time `json:"halt_until,omitempty"`
	ShouldClosePositions bool      `json:"should_close_positions"`
	RequiresReset        bool      `json:"requires_reset"`
	TripID               int       `json:"trip_id"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
}

// State is the persisted halt state. Price and equity windows are not
// persisted; they refill from the feed within one window after restart.
type State struct {
	HaltUntil            time.Time `json:"halt_until"`
	HaltReason           string    `json:"halt_reason"`
	Trigger              Trigger   `json:"trigger"`
	ShouldClosePositions bool      `json:"should_close_positions"`
	RequiresReset        bool      `json:"requires_reset"`
	TripID               int       `json:"trip_id"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
}

type sample struct {
	at    time.Time
	value float64
}

// CircuitBreaker halts new entries on flash crashes, rapid drawdowns, loss
// streaks and connection loss. Safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	pips   PipConverter
	logger zerolog.Logger

	prices            map[string][]sample
	equity            []sample
	consecutiveLosses int

	halted        bool
	haltUntil     time.Time
	haltReason    string
	trigger       Trigger
	closePosition bool
	requiresReset bool
	tripID        int
	lastTripTime  time.Time

	onTrip  func(Status)
	onReset func(reason string)
}

// NewCircuitBreaker creates an armed breaker
func NewCircuitBreaker(config Config, pips PipConverter, logger zerolog.Logger) *CircuitBreaker {
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultConfig().MaxSamples
	}
	return &CircuitBreaker{
		config: config,
		pips:   pips,
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		prices: make(map[string][]sample),
	}
}

// OnTrip sets callback for when breaker trips. Called outside the lock.
func (cb *CircuitBreaker) OnTrip(handler func(Status)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker re-arms
func (cb *CircuitBreaker) OnReset(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// RecordPrice appends a tick and trips immediately if the trailing window range
// exceeds the flash-crash threshold
func (cb *CircuitBreaker) RecordPrice(symbol string, price float64, at time.Time) Status {
	if !cb.config.Enabled || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return cb.Check(at)
	}

	cb.mu.Lock()
	window := time.Duration(cb.config.FlashCrashWindowSecs) * time.Second
	series := appendSample(cb.prices[symbol], sample{at: at, value: price}, at.Add(-window), cb.config.MaxSamples)
	cb.prices[symbol] = series

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		lo = math.Min(lo, s.value)
		hi = math.Max(hi, s.value)
	}
	rangePips := cb.pips.PriceToPips(symbol, hi-lo)

	var fire *Status
	if rangePips > cb.config.FlashCrashPips {
		reason := fmt.Sprintf("flash crash on %s: %.1f pips in %s (threshold %.1f)",
			symbol, rangePips, window, cb.config.FlashCrashPips)
		fire = cb.tripLocked(TriggerFlashCrash, reason, at, false)
	}
	st := cb.statusLocked()
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if fire != nil && onTrip != nil {
		onTrip(*fire)
	}
	return st
}

// RecordEquity appends an equity sample and trips if the drop from the trailing
// window peak exceeds the rapid-drawdown threshold
func (cb *CircuitBreaker) RecordEquity(equity float64, at time.Time) Status {
	if !cb.config.Enabled || math.IsNaN(equity) || math.IsInf(equity, 0) {
		return cb.Check(at)
	}

	cb.mu.Lock()
	window := time.Duration(cb.config.DrawdownWindowSecs) * time.Second
	cb.equity = appendSample(cb.equity, sample{at: at, value: equity}, at.Add(-window), cb.config.MaxSamples)

	peak := 0.0
	for _, s := range cb.equity {
		peak = math.Max(peak, s.value)
	}

	var fire *Status
	if peak > 0 {
		dd := (peak - equity) / peak * 100
		if dd > cb.config.RapidDrawdownPct {
			reason := fmt.Sprintf("rapid drawdown: %.2f%% from %s peak %.2f (threshold %.2f%%)",
				dd, window, peak, cb.config.RapidDrawdownPct)
			fire = cb.tripLocked(TriggerRapidDrawdown, reason, at, false)
		}
	}
	st := cb.statusLocked()
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if fire != nil && onTrip != nil {
		onTrip(*fire)
	}
	return st
}

// RecordTradeOutcome counts consecutive losses. A winner resets the streak.
func (cb *CircuitBreaker) RecordTradeOutcome(profit float64, at time.Time) Status {
	if !cb.config.Enabled {
		return cb.Check(at)
	}
	// NaN/Inf would poison the streak counter
	if math.IsNaN(profit) || math.IsInf(profit, 0) {
		cb.logger.Warn().Float64("profit", profit).Msg("Ignoring invalid trade outcome")
		return cb.Check(at)
	}

	cb.mu.Lock()
	if profit < 0 {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	var fire *Status
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		reason := fmt.Sprintf("loss streak: %d consecutive losing trades", cb.consecutiveLosses)
		fire = cb.tripLocked(TriggerLossStreak, reason, at, false)
	}
	st := cb.statusLocked()
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if fire != nil && onTrip != nil {
		onTrip(*fire)
	}
	return st
}

// Evaluate is the periodic tick: trips when any link in down is lost,
// otherwise expires time-based halts
func (cb *CircuitBreaker) Evaluate(now time.Time, down []string) Status {
	if !cb.config.Enabled {
		return Status{}
	}
	if len(down) == 0 {
		return cb.Check(now)
	}

	cb.mu.Lock()
	fire := cb.tripLocked(TriggerConnectionLoss, "connection lost: "+strings.Join(down, ", "), now, true)
	st := cb.statusLocked()
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if fire != nil && onTrip != nil {
		onTrip(*fire)
	}
	return st
}

// Check reports whether trading is halted at now. A time-based halt re-arms
// automatically once now is past haltUntil.
func (cb *CircuitBreaker) Check(now time.Time) Status {
	if !cb.config.Enabled {
		return Status{}
	}

	cb.mu.Lock()
	var expired string
	if cb.halted && !cb.requiresReset && now.After(cb.haltUntil) {
		expired = cb.haltReason
		cb.clearLocked()
		cb.logger.Info().
			Str("expired_reason", expired).
			Msg("Circuit breaker cooldown elapsed, re-armed")
	}
	st := cb.statusLocked()
	onReset := cb.onReset
	cb.mu.Unlock()

	if expired != "" && onReset != nil {
		onReset("cooldown_elapsed")
	}
	return st
}

// Trip halts trading from outside the detectors (operator or compliance).
// Manual halts always require Reset.
func (cb *CircuitBreaker) Trip(reason string, now time.Time, cooldown time.Duration) Status {
	cb.mu.Lock()
	fire := cb.tripLocked(TriggerManual, reason, now, false)
	if cooldown > 0 && now.Add(cooldown).After(cb.haltUntil) {
		cb.haltUntil = now.Add(cooldown)
	}
	cb.requiresReset = true
	st := cb.statusLocked()
	onTrip := cb.onTrip
	cb.mu.Unlock()

	if fire != nil && onTrip != nil {
		onTrip(*fire)
	}
	return st
}

// Reset re-arms the breaker and clears the loss streak and rolling windows.
// This is the only way out of a latched halt.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	wasHalted := cb.halted
	cb.clearLocked()
	cb.consecutiveLosses = 0
	cb.prices = make(map[string][]sample)
	cb.equity = nil
	onReset := cb.onReset
	cb.mu.Unlock()

	cb.logger.Info().Bool("was_halted", wasHalted).Msg("Circuit breaker manually reset")
	if onReset != nil {
		onReset("manual_reset")
	}
}

// Run ticks Evaluate on interval until ctx is cancelled. down names the
// links that are currently unreachable. Until every link has been up once,
// losses are ignored for the connect grace period.
func (cb *CircuitBreaker) Run(ctx context.Context, clk clock.Clock, down func() []string) error {
	interval := time.Duration(cb.config.TickIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	grace := time.Duration(cb.config.ConnectGraceSecs) * time.Second
	start := clk.Now()
	settled := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := clk.Now()
		lost := down()
		if len(lost) == 0 {
			settled = true
		}
		if !settled && now.Sub(start) < grace {
			cb.Check(now)
		} else {
			cb.Evaluate(now, lost)
		}
		if !clock.Sleep(clk, interval, ctx.Done()) {
			return nil
		}
	}
}

// tripLocked halts or extends an existing halt. It returns the status to
// publish only on an armed-to-halted transition.
func (cb *CircuitBreaker) tripLocked(t Trigger, reason string, now time.Time, closePositions bool) *Status {
	until := now.Add(cb.config.Cooldown(t))
	latch := t == TriggerManual || (t == TriggerLossStreak && cb.config.LossStreakRequiresReset)

	if cb.halted {
		if until.After(cb.haltUntil) {
			cb.haltUntil = until
			cb.haltReason = reason
			cb.trigger = t
		}
		cb.closePosition = cb.closePosition || closePositions
		cb.requiresReset = cb.requiresReset || latch
		return nil
	}

	cb.halted = true
	cb.haltUntil = until
	cb.haltReason = reason
	cb.trigger = t
	cb.closePosition = closePositions
	cb.requiresReset = latch
	cb.tripID++
	cb.lastTripTime = now

	cb.logger.Error().
		Str("trigger", string(t)).
		Str("reason", reason).
		Time("halt_until", until).
		Bool("close_positions", closePositions).
		Msg("Circuit breaker tripped")

	st := cb.statusLocked()
	return &st
}

func (cb *CircuitBreaker) clearLocked() {
	cb.halted = false
	cb.haltUntil = time.Time{}
	cb.haltReason = ""
	cb.trigger = TriggerNone
	cb.closePosition = false
	cb.requiresReset = false
	if cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.consecutiveLosses = 0
	}
}

func (cb *CircuitBreaker) statusLocked() Status {
	if !cb.halted {
		return Status{TripID: cb.tripID, ConsecutiveLosses: cb.consecutiveLosses}
	}
	return Status{
		Triggered:            true,
		Trigger:              cb.trigger,
		Reason:               cb.haltReason,
		HaltUntil:            cb.haltUntil,
		ShouldClosePositions: cb.closePosition,
		RequiresReset:        cb.requiresReset,
		TripID:               cb.tripID,
		ConsecutiveLosses:    cb.consecutiveLosses,
	}
}

// Snapshot returns the halt state for persistence
func (cb *CircuitBreaker) Snapshot() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return State{
		HaltUntil:            cb.haltUntil,
		HaltReason:           cb.haltReason,
		Trigger:              cb.trigger,
		ShouldClosePositions: cb.closePosition,
		RequiresReset:        cb.requiresReset,
		TripID:               cb.tripID,
		ConsecutiveLosses:    cb.consecutiveLosses,
	}
}

// Restore loads persisted halt state
func (cb *CircuitBreaker) Restore(st State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halted = st.Trigger != TriggerNone
	cb.haltUntil = st.HaltUntil
	cb.haltReason = st.HaltReason
	cb.trigger = st.Trigger
	cb.closePosition = st.ShouldClosePositions
	cb.requiresReset = st.RequiresReset
	cb.tripID = st.TripID
	cb.consecutiveLosses = st.ConsecutiveLosses
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	tracked := make([]string, 0, len(cb.prices))
	for sym := range cb.prices {
		tracked = append(tracked, sym)
	}

	return map[string]interface{}{
		"enabled":            cb.config.Enabled,
		"halted":             cb.halted,
		"trigger":            string(cb.trigger),
		"halt_reason":        cb.haltReason,
		"halt_until":         cb.haltUntil,
		"requires_reset":     cb.requiresReset,
		"consecutive_losses": cb.consecutiveLosses,
		"trip_count":         cb.tripID,
		"last_trip_time":     cb.lastTripTime,
		"tracked_symbols":    tracked,
		"equity_samples":     len(cb.equity),
	}
}

// appendSample adds s, drops samples older than cutoff and keeps at most max entries
func appendSample(series []sample, s sample, cutoff time.Time, max int) []sample {
	series = append(series, s)
	drop := 0
	for drop < len(series) && series[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(series) - drop - max; over > 0 {
		drop += over
	}
	if drop > 0 {
		series = append(series[:0], series[drop:]...)
	}
	return series
}
