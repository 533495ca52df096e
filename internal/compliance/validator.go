// Package compliance tracks account balance, equity and day boundaries and
// evaluates the challenge rules: daily loss, max drawdown, consistency and
// profit target.
package compliance

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"risk-gated-trader/internal/domain"
)

// Status is the compliance state machine state
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusDailyHalted  Status = "DAILY_HALTED" // advisory stop, clears on the next venue day
	StatusDisqualified Status = "DISQUALIFIED" // terminal until Reset
)

const dayLayout = "2006-01-02"

// Rules holds the challenge limits. All percentages are 0-100.
type Rules struct {
	DailyLossLimitPct   float64 `json:"daily_loss_limit_pct"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	ConsistencyEnabled  bool    `json:"consistency_enabled"`
	ConsistencyFraction float64 `json:"consistency_fraction"` // 0-1
	ConsistencyMinDays  int     `json:"consistency_min_days"`
	ProfitTargetPct     float64 `json:"profit_target_pct"`
	NearLimitBufferPct  float64 `json:"near_limit_buffer_pct"`
	ChallengeDays       int     `json:"challenge_days"`
}

// DefaultRules returns the standard two-phase challenge limits
func DefaultRules() Rules {
	return Rules{
		DailyLossLimitPct:   5.0,
		MaxDrawdownPct:      10.0,
		ConsistencyEnabled:  false,
		ConsistencyFraction: 0.5,
		ConsistencyMinDays:  3,
		ProfitTargetPct:     10.0,
		NearLimitBufferPct:  1.0,
		ChallengeDays:       30,
	}
}

// State is the persisted compliance state
type State struct {
	StartingBalance      float64            `json:"starting_balance"`
	CurrentBalance       float64            `json:"current_balance"`
	CurrentEquity        float64            `json:"current_equity"`
	DailyStartBalance    float64            `json:"daily_start_balance"`
	PeakEquitySinceStart float64            `json:"peak_equity_since_start"`
	PeakEquityToday      float64            `json:"peak_equity_today"`
	StartedAt            time.Time          `json:"started_at"`
	CurrentDay           string             `json:"current_day"`
	TradingDays          map[string]bool    `json:"trading_days"`
	DailyRealizedProfit  map[string]float64 `json:"daily_realized_profit"`
	Status               Status             `json:"status"`
	Reasons              []string           `json:"reasons"`
}

// Buffers is the remaining headroom for each rule
type Buffers struct {
	DailyLossPct          float64 `json:"daily_loss_pct"`
	DailyLossRemainingPct float64 `json:"daily_loss_remaining_pct"`
	DrawdownPct           float64 `json:"drawdown_pct"`
	DrawdownRemainingPct  float64 `json:"drawdown_remaining_pct"`
	ProfitPct             float64 `json:"profit_pct"`
	ProfitToTargetPct     float64 `json:"profit_to_target_pct"`
}

// Evaluation is the result of one recompute
type Evaluation struct {
	Status        Status   `json:"status"`
	Reasons       []string `json:"reasons"`
	Buffers       Buffers  `json:"buffers"`
	Day           string   `json:"day"`
	DaysElapsed   float64  `json:"days_elapsed"`
	DaysRemaining float64  `json:"days_remaining"`
	TradingDays   int      `json:"trading_days"`
}

// CanOpen reports whether new positions are allowed under this evaluation
func (e Evaluation) CanOpen() bool {
	return e.Status == StatusActive
}

// Err returns a compliance error for non-active evaluations
func (e Evaluation) Err() error {
	if e.Status == StatusActive {
		return nil
	}
	return domain.Violation("compliance "+string(e.Status), e.Reasons...)
}

// Validator owns the compliance state. Safe for concurrent use.
type Validator struct {
	mu    sync.RWMutex
	rules Rules
	loc   *time.Location
	st    State
	now   time.Time
}

// NewValidator starts a challenge at startedAt with startingBalance.
// Day boundaries are computed in loc (the venue's timezone).
func NewValidator(rules Rules, startingBalance float64, startedAt time.Time, loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	v := &Validator{rules: rules, loc: loc}
	v.st = freshState(startingBalance, startedAt, loc)
	v.now = startedAt
	return v
}

func freshState(balance float64, at time.Time, loc *time.Location) State {
	return State{
		StartingBalance:      balance,
		CurrentBalance:       balance,
		CurrentEquity:        balance,
		DailyStartBalance:    balance,
		PeakEquitySinceStart: balance,
		PeakEquityToday:      balance,
		StartedAt:            at,
		CurrentDay:           at.In(loc).Format(dayLayout),
		TradingDays:          make(map[string]bool),
		DailyRealizedProfit:  make(map[string]float64),
		Status:               StatusActive,
	}
}

// Rules returns the configured limits
func (v *Validator) Rules() Rules {
	return v.rules
}

// Update recomputes state from a fresh account snapshot. Identical inputs
// yield identical state.
func (v *Validator) Update(acct domain.AccountInfo) Evaluation {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rollDayLocked(acct.Time, acct.Balance, acct.Equity)

	v.st.CurrentBalance = acct.Balance
	v.st.CurrentEquity = acct.Equity
	v.st.PeakEquitySinceStart = math.Max(v.st.PeakEquitySinceStart, acct.Equity)
	v.st.PeakEquityToday = math.Max(v.st.PeakEquityToday, acct.Equity)
	if acct.Time.After(v.now) {
		v.now = acct.Time
	}

	return v.evaluateLocked()
}

// RecordRealizedProfit books a closed trade's profit on the venue day it closed
func (v *Validator) RecordRealizedProfit(at time.Time, profit float64) Evaluation {
	v.mu.Lock()
	defer v.mu.Unlock()

	day := at.In(v.loc).Format(dayLayout)
	v.st.DailyRealizedProfit[day] += profit
	v.st.TradingDays[day] = true
	return v.evaluateLocked()
}

// RecordTradingDay marks the venue day of at as a trading day
func (v *Validator) RecordTradingDay(at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.st.TradingDays[at.In(v.loc).Format(dayLayout)] = true
}

// Evaluate recomputes against the last known snapshot
func (v *Validator) Evaluate() Evaluation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.evaluateLocked()
}

// Reset starts a fresh challenge. This is the only way out of DISQUALIFIED.
func (v *Validator) Reset(startingBalance float64, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.st = freshState(startingBalance, at, v.loc)
	v.now = at
}

// Snapshot returns a deep copy of the state for persistence
func (v *Validator) Snapshot() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return copyState(v.st)
}

// Restore replaces the state with a persisted snapshot
func (v *Validator) Restore(st State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.st = copyState(st)
	if v.st.TradingDays == nil {
		v.st.TradingDays = make(map[string]bool)
	}
	if v.st.DailyRealizedProfit == nil {
		v.st.DailyRealizedProfit = make(map[string]float64)
	}
	if v.st.Status == "" {
		v.st.Status = StatusActive
	}
	if v.st.StartedAt.After(v.now) {
		v.now = v.st.StartedAt
	}
}

// rollDayLocked resets the daily baseline exactly once per venue day
func (v *Validator) rollDayLocked(at time.Time, balance, equity float64) {
	day := at.In(v.loc).Format(dayLayout)
	if day <= v.st.CurrentDay {
		return
	}

	v.st.CurrentDay = day
	v.st.DailyStartBalance = balance
	v.st.PeakEquityToday = equity
	if v.st.Status == StatusDailyHalted {
		v.st.Status = StatusActive
		v.st.Reasons = nil
	}
}

func (v *Validator) evaluateLocked() Evaluation {
	b := v.buffersLocked()

	if v.st.Status != StatusDisqualified {
		if reasons := v.violationsLocked(b); len(reasons) > 0 {
			v.st.Status = StatusDisqualified
			v.st.Reasons = reasons
		} else if reasons := v.haltsLocked(b); len(reasons) > 0 {
			// a halt is sticky for the rest of the venue day
			if v.st.Status != StatusDailyHalted {
				v.st.Status = StatusDailyHalted
				v.st.Reasons = reasons
			}
		}
	}

	elapsed := v.now.Sub(v.st.StartedAt).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := float64(v.rules.ChallengeDays) - elapsed
	if remaining < 0 {
		remaining = 0
	}

	reasons := make([]string, len(v.st.Reasons))
	copy(reasons, v.st.Reasons)

	return Evaluation{
		Status:        v.st.Status,
		Reasons:       reasons,
		Buffers:       b,
		Day:           v.st.CurrentDay,
		DaysElapsed:   elapsed,
		DaysRemaining: remaining,
		TradingDays:   len(v.st.TradingDays),
	}
}

func (v *Validator) buffersLocked() Buffers {
	var b Buffers

	if v.st.DailyStartBalance > 0 {
		b.DailyLossPct = math.Max(0, (v.st.DailyStartBalance-v.st.CurrentEquity)/v.st.DailyStartBalance*100)
	}
	b.DailyLossRemainingPct = v.rules.DailyLossLimitPct - b.DailyLossPct

	if v.st.PeakEquitySinceStart > 0 {
		b.DrawdownPct = math.Max(0, (v.st.PeakEquitySinceStart-v.st.CurrentEquity)/v.st.PeakEquitySinceStart*100)
	}
	b.DrawdownRemainingPct = v.rules.MaxDrawdownPct - b.DrawdownPct

	if v.st.StartingBalance > 0 {
		b.ProfitPct = (v.st.CurrentEquity - v.st.StartingBalance) / v.st.StartingBalance * 100
	}
	b.ProfitToTargetPct = v.rules.ProfitTargetPct - b.ProfitPct

	return b
}

func (v *Validator) violationsLocked(b Buffers) []string {
	var reasons []string

	if v.rules.DailyLossLimitPct > 0 && b.DailyLossPct >= v.rules.DailyLossLimitPct {
		reasons = append(reasons, fmt.Sprintf("daily loss limit: %.2f%% >= %.2f%%", b.DailyLossPct, v.rules.DailyLossLimitPct))
	}
	if v.rules.MaxDrawdownPct > 0 && b.DrawdownPct >= v.rules.MaxDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("max drawdown: %.2f%% >= %.2f%%", b.DrawdownPct, v.rules.MaxDrawdownPct))
	}
	if v.rules.ConsistencyEnabled {
		reasons = append(reasons, v.consistencyLocked()...)
	}
	return reasons
}

// consistencyLocked flags any day whose realized profit exceeds the configured
// fraction of total realized profit, once total profit is positive and enough
// days have been booked for the ratio to mean anything
func (v *Validator) consistencyLocked() []string {
	if len(v.st.DailyRealizedProfit) < v.rules.ConsistencyMinDays {
		return nil
	}
	total := 0.0
	for _, p := range v.st.DailyRealizedProfit {
		total += p
	}
	if total <= 0 {
		return nil
	}

	days := make([]string, 0, len(v.st.DailyRealizedProfit))
	for d := range v.st.DailyRealizedProfit {
		days = append(days, d)
	}
	sort.Strings(days)

	var reasons []string
	limit := v.rules.ConsistencyFraction * total
	for _, d := range days {
		if p := v.st.DailyRealizedProfit[d]; p > limit {
			reasons = append(reasons, fmt.Sprintf("consistency rule: %s profit %.2f exceeds %.0f%% of total %.2f",
				d, p, v.rules.ConsistencyFraction*100, total))
		}
	}
	return reasons
}

func (v *Validator) haltsLocked(b Buffers) []string {
	var reasons []string

	if b.DailyLossRemainingPct < v.rules.NearLimitBufferPct {
		reasons = append(reasons, fmt.Sprintf("daily loss buffer %.2f%% below %.2f%%", b.DailyLossRemainingPct, v.rules.NearLimitBufferPct))
	}
	if b.DrawdownRemainingPct < v.rules.NearLimitBufferPct {
		reasons = append(reasons, fmt.Sprintf("drawdown buffer %.2f%% below %.2f%%", b.DrawdownRemainingPct, v.rules.NearLimitBufferPct))
	}
	if v.rules.ProfitTargetPct > 0 && b.ProfitPct >= v.rules.ProfitTargetPct {
		reasons = append(reasons, fmt.Sprintf("profit target reached: %.2f%% >= %.2f%%", b.ProfitPct, v.rules.ProfitTargetPct))
	}
	return reasons
}

func copyState(st State) State {
	out := st
	out.TradingDays = make(map[string]bool, len(st.TradingDays))
	for k, v := range st.TradingDays {
		out.TradingDays[k] = v
	}
	out.DailyRealizedProfit = make(map[string]float64, len(st.DailyRealizedProfit))
	for k, v := range st.DailyRealizedProfit {
		out.DailyRealizedProfit[k] = v
	}
	out.Reasons = append([]string(nil), st.Reasons...)
	return out
}
