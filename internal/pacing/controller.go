// Package pacing maps challenge progress against elapsed time into advisory
// entry thresholds. The gate and compliance checks keep their veto whatever
// the pacing urgency.
package pacing

import (
	"fmt"
	"math"
)

// Urgency is a rung of the pacing ladder
type Urgency string

const (
	UrgencyStop         Urgency = "STOP"
	UrgencyConservative Urgency = "CONSERVATIVE"
	UrgencyNormal       Urgency = "NORMAL"
	UrgencyBehind       Urgency = "BEHIND"
	UrgencyUrgent       Urgency = "URGENT"
	UrgencyCritical     Urgency = "CRITICAL"
)

// Config holds the ladder breakpoints. They were hand-tuned and are not
// invariants; tune per deployment.
type Config struct {
	ProfitTargetPct float64 `json:"profit_target_pct"`
	ChallengeDays   int     `json:"challenge_days"`
	SafeCeilingPct  float64 `json:"safe_ceiling_pct"` // stop entirely at/above this profit
	NormalBandPct   float64 `json:"normal_band_pct"`  // +/- around expected profit

	BaseMinConfidence  float64 `json:"base_min_confidence"`
	BaseRiskPct        float64 `json:"base_risk_pct"`
	BaseTradesPerDay   int     `json:"base_trades_per_day"`
	MinConfidenceFloor float64 `json:"min_confidence_floor"`
	MaxRiskMultiplier  float64 `json:"max_risk_multiplier"`

	ConservativeMinConfidence float64 `json:"conservative_min_confidence"`
	ConservativeRiskFactor    float64 `json:"conservative_risk_factor"`

	BehindRemainingFrac float64 `json:"behind_remaining_frac"` // above this share of days left: BEHIND
	UrgentRemainingFrac float64 `json:"urgent_remaining_frac"` // above this: URGENT, else CRITICAL
}

// DefaultConfig returns the standard ladder
func DefaultConfig() Config {
	return Config{
		ProfitTargetPct:           10.0,
		ChallengeDays:             30,
		SafeCeilingPct:            12.0,
		NormalBandPct:             2.0,
		BaseMinConfidence:         65.0,
		BaseRiskPct:               1.0,
		BaseTradesPerDay:          3,
		MinConfidenceFloor:        50.0,
		MaxRiskMultiplier:         2.0,
		ConservativeMinConfidence: 85.0,
		ConservativeRiskFactor:    0.5,
		BehindRemainingFrac:       0.5,
		UrgentRemainingFrac:       0.2,
	}
}

// Input is the progress measured this cycle
type Input struct {
	CurrentProfitPct float64
	ProfitTargetPct  float64 // zero means the configured target
	DaysElapsed      float64
	DaysRemaining    float64
}

// Snapshot is the derived pacing for one decision cycle. Never cached.
type Snapshot struct {
	Urgency            Urgency `json:"urgency"`
	ExpectedProfitPct  float64 `json:"expected_profit_pct"`
	DeltaPct           float64 `json:"delta_pct"`
	MinConfidence      float64 `json:"min_confidence"`
	MaxRiskPerTrade    float64 `json:"max_risk_per_trade"`
	RiskMultiplier     float64 `json:"risk_multiplier"`
	TargetTradesPerDay int     `json:"target_trades_per_day"`
	Reason             string  `json:"reason"`
}

// AllowsEntries reports whether the ladder permits new positions at all
func (s Snapshot) AllowsEntries() bool {
	return s.Urgency != UrgencyStop
}

// Controller computes pacing snapshots. It holds configuration only.
type Controller struct {
	cfg Config
}

// NewController creates a controller, clamping nonsensical limits
func NewController(cfg Config) Controller {
	if cfg.MaxRiskMultiplier < 1 {
		cfg.MaxRiskMultiplier = 1
	}
	if cfg.ChallengeDays <= 0 {
		cfg.ChallengeDays = DefaultConfig().ChallengeDays
	}
	return Controller{cfg: cfg}
}

// Config returns the ladder configuration
func (c Controller) Config() Config {
	return c.cfg
}

// Compute is a pure function of its input
func (c Controller) Compute(in Input) Snapshot {
	target := in.ProfitTargetPct
	if target <= 0 {
		target = c.cfg.ProfitTargetPct
	}
	total := in.DaysElapsed + in.DaysRemaining
	if total <= 0 {
		total = float64(c.cfg.ChallengeDays)
	}
	elapsed := math.Max(0, math.Min(in.DaysElapsed, total))

	expected := target * elapsed / total
	delta := in.CurrentProfitPct - expected

	s := Snapshot{
		ExpectedProfitPct: expected,
		DeltaPct:          delta,
	}

	switch {
	case in.CurrentProfitPct >= c.cfg.SafeCeilingPct:
		return c.stop(s, fmt.Sprintf("profit %.2f%% at or above safe ceiling %.2f%%", in.CurrentProfitPct, c.cfg.SafeCeilingPct))
	case in.DaysRemaining <= 0:
		return c.stop(s, "challenge horizon elapsed")
	case in.CurrentProfitPct >= target:
		s.Urgency = UrgencyConservative
		s.MinConfidence = math.Max(c.cfg.ConservativeMinConfidence, c.cfg.BaseMinConfidence)
		s.RiskMultiplier = c.cfg.ConservativeRiskFactor
		s.TargetTradesPerDay = 1
		s.Reason = fmt.Sprintf("target %.2f%% reached with %.1f days left", target, in.DaysRemaining)
	case delta >= -c.cfg.NormalBandPct:
		s.Urgency = UrgencyNormal
		s.MinConfidence = c.cfg.BaseMinConfidence
		s.RiskMultiplier = 1
		s.TargetTradesPerDay = c.cfg.BaseTradesPerDay
		s.Reason = fmt.Sprintf("on schedule (delta %+.2f%%)", delta)
	default:
		frac := in.DaysRemaining / total
		var confCut, mult float64
		var extraTrades int
		switch {
		case frac > c.cfg.BehindRemainingFrac:
			s.Urgency, confCut, mult, extraTrades = UrgencyBehind, 5, 1.25, 1
		case frac > c.cfg.UrgentRemainingFrac:
			s.Urgency, confCut, mult, extraTrades = UrgencyUrgent, 10, 1.5, 2
		default:
			s.Urgency, confCut, mult, extraTrades = UrgencyCritical, 15, c.cfg.MaxRiskMultiplier, 3
		}
		s.MinConfidence = math.Max(c.cfg.MinConfidenceFloor, c.cfg.BaseMinConfidence-confCut)
		s.RiskMultiplier = math.Min(mult, c.cfg.MaxRiskMultiplier)
		s.TargetTradesPerDay = c.cfg.BaseTradesPerDay + extraTrades
		s.Reason = fmt.Sprintf("behind schedule by %.2f%% with %.1f days left", -delta, in.DaysRemaining)
	}

	s.MaxRiskPerTrade = c.cfg.BaseRiskPct * s.RiskMultiplier
	return s
}

func (c Controller) stop(s Snapshot, reason string) Snapshot {
	s.Urgency = UrgencyStop
	s.MinConfidence = 100
	s.MaxRiskPerTrade = 0
	s.RiskMultiplier = 0
	s.TargetTradesPerDay = 0
	s.Reason = reason
	return s
}
