// Package gate is the admission check run immediately before every order.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/calendar"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/risk"
)

// Config holds gate thresholds. Hours are venue-local.
type Config struct {
	MaxOpenPositions    int                 `json:"max_open_positions"`
	NewsBeforeMins      int                 `json:"news_before_mins"`
	NewsAfterMins       int                 `json:"news_after_mins"`
	CalendarTimeoutSecs int                 `json:"calendar_timeout_secs"`
	WeekendAvoid        bool                `json:"weekend_avoid"`
	FridayCloseHour     int                 `json:"friday_close_hour"` // no entries from this hour Friday
	SundayOpenHour      int                 `json:"sunday_open_hour"`  // until this hour Sunday
	Exposure            risk.ExposureLimits `json:"exposure"`
	SessionEnabled      bool                `json:"session_enabled"`
	SessionStartHour    int                 `json:"session_start_hour"`
	SessionEndHour      int                 `json:"session_end_hour"` // exclusive, may wrap past midnight
}

// DefaultConfig returns default gate configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions:    3,
		NewsBeforeMins:      30,
		NewsAfterMins:       15,
		CalendarTimeoutSecs: 5,
		WeekendAvoid:        true,
		FridayCloseHour:     20,
		SundayOpenHour:      22,
		Exposure:            risk.ExposureLimits{MaxPerCurrencyPct: 2, MaxTotalPct: 4},
		SessionStartHour:    7,
		SessionEndHour:      20,
	}
}

// BreakerChecker reports circuit breaker state
type BreakerChecker interface {
	Check(now time.Time) circuit.Status
}

// ComplianceChecker reports the current compliance evaluation
type ComplianceChecker interface {
	Evaluate() compliance.Evaluation
}

// Request is one trade attempt
type Request struct {
	Symbol        string
	Direction     domain.Direction
	OpenPositions []domain.Position
	Balance       float64
	RiskPct       float64
	Now           time.Time
}

// ExecutionGate aggregates every admission check into one decision
type ExecutionGate struct {
	config     Config
	breaker    BreakerChecker
	compliance ComplianceChecker
	calendar   calendar.Source
	currencies risk.CurrencyResolver
	loc        *time.Location
	logger     zerolog.Logger
}

// NewExecutionGate creates a gate. compliance and cal may be nil.
func NewExecutionGate(cfg Config, breaker BreakerChecker, comp ComplianceChecker, cal calendar.Source,
	currencies risk.CurrencyResolver, loc *time.Location, logger zerolog.Logger) *ExecutionGate {
	if loc == nil {
		loc = time.UTC
	}
	return &ExecutionGate{
		config:     cfg,
		breaker:    breaker,
		compliance: comp,
		calendar:   cal,
		currencies: currencies,
		loc:        loc,
		logger:     logger.With().Str("component", "gate").Logger(),
	}
}

// Validate runs every check without short-circuiting and returns a fresh result
func (g *ExecutionGate) Validate(ctx context.Context, req Request) domain.GateResult {
	var violations []string
	add := func(v ...string) { violations = append(violations, v...) }

	if req.Direction != domain.Buy && req.Direction != domain.Sell {
		add(fmt.Sprintf("invalid direction %q", req.Direction))
	}
	add(g.checkPositions(req)...)
	add(g.checkCalendar(ctx, req)...)
	add(g.checkWeekend(req.Now)...)
	add(g.checkBreaker(req.Now)...)
	add(g.checkCompliance()...)
	add(g.checkExposure(req)...)
	add(g.checkSession(req.Now)...)

	if len(violations) == 0 {
		return domain.GateResult{CanTrade: true, Reason: "all checks passed", Violations: []string{}}
	}

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("direction", string(req.Direction)).
		Strs("violations", violations).
		Msg("Trade denied by gate")
	return domain.GateResult{
		CanTrade:   false,
		Reason:     strings.Join(violations, "; "),
		Violations: violations,
	}
}

func (g *ExecutionGate) checkPositions(req Request) []string {
	var out []string
	if g.config.MaxOpenPositions > 0 && len(req.OpenPositions)+1 > g.config.MaxOpenPositions {
		out = append(out, fmt.Sprintf("position limit: %d open, max %d", len(req.OpenPositions), g.config.MaxOpenPositions))
	}
	return out
}

// checkCalendar fails closed: an unreachable calendar denies the trade
func (g *ExecutionGate) checkCalendar(ctx context.Context, req Request) []string {
	if g.calendar == nil {
		return nil
	}
	window := calendar.Window{
		Before: time.Duration(g.config.NewsBeforeMins) * time.Minute,
		After:  time.Duration(g.config.NewsAfterMins) * time.Minute,
	}
	from, to := window.Bounds(req.Now)

	if g.config.CalendarTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.config.CalendarTimeoutSecs)*time.Second)
		defer cancel()
	}

	var out []string
	for _, cur := range g.currencies.Currencies(req.Symbol) {
		events, err := g.calendar.UpcomingHighImpactEvents(ctx, cur, from, to)
		if err != nil {
			out = append(out, fmt.Sprintf("news calendar unavailable for %s: %v", cur, err))
			continue
		}
		for _, e := range events {
			out = append(out, fmt.Sprintf("news window: %s %s at %s", e.Currency, e.Title, e.Time.In(g.loc).Format("2006-01-02 15:04")))
		}
	}
	return out
}

func (g *ExecutionGate) checkWeekend(now time.Time) []string {
	if !g.config.WeekendAvoid {
		return nil
	}
	local := now.In(g.loc)
	in := false
	switch local.Weekday() {
	case time.Friday:
		in = local.Hour() >= g.config.FridayCloseHour
	case time.Saturday:
		in = true
	case time.Sunday:
		in = local.Hour() < g.config.SundayOpenHour
	}
	if in {
		return []string{fmt.Sprintf("weekend window: %s", local.Format("Mon 15:04"))}
	}
	return nil
}

func (g *ExecutionGate) checkBreaker(now time.Time) []string {
	if g.breaker == nil {
		return nil
	}
	st := g.breaker.Check(now)
	if !st.Triggered {
		return nil
	}
	msg := fmt.Sprintf("circuit breaker: %s", st.Reason)
	if st.RequiresReset {
		msg += " (manual reset required)"
	} else {
		msg += fmt.Sprintf(" until %s", st.HaltUntil.In(g.loc).Format("15:04:05"))
	}
	return []string{msg}
}

func (g *ExecutionGate) checkCompliance() []string {
	if g.compliance == nil {
		return nil
	}
	ev := g.compliance.Evaluate()
	if ev.CanOpen() {
		return nil
	}
	out := make([]string, 0, len(ev.Reasons))
	for _, r := range ev.Reasons {
		out = append(out, fmt.Sprintf("compliance %s: %s", strings.ToLower(string(ev.Status)), r))
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("compliance %s", strings.ToLower(string(ev.Status))))
	}
	return out
}

func (g *ExecutionGate) checkExposure(req Request) []string {
	exp := risk.CalculateExposure(req.OpenPositions, g.currencies).With(req.Symbol, req.RiskPct, g.currencies)
	return exp.Violations(g.config.Exposure)
}

func (g *ExecutionGate) checkSession(now time.Time) []string {
	if !g.config.SessionEnabled {
		return nil
	}
	h := now.In(g.loc).Hour()
	start, end := g.config.SessionStartHour, g.config.SessionEndHour
	var in bool
	if start <= end {
		in = h >= start && h < end
	} else {
		in = h >= start || h < end
	}
	if !in {
		return []string{fmt.Sprintf("outside session hours %02d:00-%02d:00", start, end)}
	}
	return nil
}
