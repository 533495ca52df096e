package risk

import (
	"fmt"
	"time"

	"risk-gated-trader/internal/domain"
)

// ExitKind classifies why a position must be closed
type ExitKind string

const (
	ExitNone               ExitKind = ""
	ExitStopBreached       ExitKind = "stop_breached"
	ExitMomentumReversal   ExitKind = "momentum_reversal"
	ExitConfidenceCollapse ExitKind = "confidence_collapse"
	ExitMaxHold            ExitKind = "max_hold"
	ExitStructureBroken    ExitKind = "structure_broken"
	ExitCircuitBreaker     ExitKind = "circuit_breaker"
)

// StopConfig holds the per-position exit thresholds. Distances are in pips.
type StopConfig struct {
	BreakevenTriggerPips float64 `json:"breakeven_trigger_pips"`
	BreakevenBufferPips  float64 `json:"breakeven_buffer_pips"` // locked beyond entry
	TrailingTriggerPips  float64 `json:"trailing_trigger_pips"`
	TrailingDistancePips float64 `json:"trailing_distance_pips"`
	UseStructureStops    bool    `json:"use_structure_stops"`
	StructureBufferPips  float64 `json:"structure_buffer_pips"`
	StructureBreakPips   float64 `json:"structure_break_pips"`
	MomentumReversalPips float64 `json:"momentum_reversal_pips"`
	ConfidenceFloor      float64 `json:"confidence_floor"`    // same-direction confidence below this exits
	OppositeConfidence   float64 `json:"opposite_confidence"` // opposite signal at/above this exits
	SignalMaxAgeSecs     int     `json:"signal_max_age_secs"` // older signals are ignored
	MaxHoldHours         float64 `json:"max_hold_hours"`
}

// DefaultStopConfig returns the standard exit thresholds
func DefaultStopConfig() StopConfig {
	return StopConfig{
		BreakevenTriggerPips: 25,
		BreakevenBufferPips:  0,
		TrailingTriggerPips:  40,
		TrailingDistancePips: 20,
		UseStructureStops:    true,
		StructureBufferPips:  2,
		StructureBreakPips:   3,
		MomentumReversalPips: 15,
		ConfidenceFloor:      40,
		OppositeConfidence:   65,
		SignalMaxAgeSecs:     900,
		MaxHoldHours:         24,
	}
}

// PipMath converts between prices and pips for a symbol
type PipMath interface {
	PriceToPips(symbol string, distance float64) float64
	PipsToPrice(symbol string, pips float64) float64
	Round(symbol string, price float64) float64
}

// View is everything a stop evaluation reads. Structure and Signal are nil
// when unavailable this tick.
type View struct {
	Price     float64
	Now       time.Time
	Structure *domain.Structure
	Signal    *domain.Signal
}

// StopDecision is the outcome of one evaluation
type StopDecision struct {
	Stop          float64
	Kind          domain.StopKind
	Moved         bool
	PeakExcursion float64 // price units
	Exit          bool
	ExitKind      ExitKind
	ExitReason    string
}

// EvaluateStops recomputes a position's stop from scratch and decides whether it
// must exit. The stop only ever tightens. Pure: no I/O, no mutation of pos.
func EvaluateStops(cfg StopConfig, pips PipMath, pos domain.Position, v View) StopDecision {
	sign := pos.Direction.Sign()
	sym := pos.Symbol
	move := pos.FavorableMove(v.Price)

	peak := pos.PeakFavorableExcursion
	if move > peak {
		peak = move
	}
	peakPips := pips.PriceToPips(sym, peak)

	d := StopDecision{Stop: pos.StopPrice, Kind: pos.StopKind, PeakExcursion: peak}
	if d.Kind == "" {
		d.Kind = domain.StopInitial
	}

	// tighter reports whether candidate protects more than the current best
	tighter := func(candidate float64) bool {
		if d.Stop == 0 {
			return true
		}
		return (candidate-d.Stop)*sign > 0
	}
	consider := func(candidate float64, kind domain.StopKind) {
		candidate = pips.Round(sym, candidate)
		if tighter(candidate) {
			d.Stop = candidate
			d.Kind = kind
		}
	}

	if cfg.BreakevenTriggerPips > 0 && peakPips >= cfg.BreakevenTriggerPips {
		consider(pos.EntryPrice+sign*pips.PipsToPrice(sym, cfg.BreakevenBufferPips), domain.StopBreakeven)
	}

	trailing := cfg.TrailingTriggerPips > 0 && peakPips >= cfg.TrailingTriggerPips
	if trailing {
		best := pos.EntryPrice + sign*peak
		consider(best-sign*pips.PipsToPrice(sym, cfg.TrailingDistancePips), domain.StopTrailing)
	}

	// a swing extreme replaces the fixed trail when it is tighter, in profit and not through price
	if trailing && cfg.UseStructureStops && v.Structure != nil {
		swing := v.Structure.SwingLow
		if pos.Direction == domain.Sell {
			swing = v.Structure.SwingHigh
		}
		if swing > 0 {
			level := swing - sign*pips.PipsToPrice(sym, cfg.StructureBufferPips)
			inProfit := (level-pos.EntryPrice)*sign > 0
			belowPrice := (v.Price-level)*sign > 0
			if inProfit && belowPrice {
				consider(level, domain.StopStructure)
			}
		}
	}

	d.Moved = d.Stop != pos.StopPrice

	// exits, in order of severity
	switch {
	case d.Stop != 0 && (v.Price-d.Stop)*sign <= 0:
		d.exit(ExitStopBreached, fmt.Sprintf("%s stop %.5f breached at %.5f", d.Kind, d.Stop, v.Price))
	case cfg.MaxHoldHours > 0 && !pos.OpenedAt.IsZero() &&
		v.Now.Sub(pos.OpenedAt) > time.Duration(cfg.MaxHoldHours*float64(time.Hour)):
		d.exit(ExitMaxHold, fmt.Sprintf("held %s, max %.0fh", v.Now.Sub(pos.OpenedAt).Round(time.Minute), cfg.MaxHoldHours))
	case v.Structure != nil && structureBroken(cfg, pips, pos, v):
		d.exit(ExitStructureBroken, fmt.Sprintf("price %.5f broke %s", v.Price, brokenLevelName(pos.Direction)))
	case v.Structure != nil && cfg.MomentumReversalPips > 0 &&
		-sign*pips.PriceToPips(sym, v.Structure.Momentum) >= cfg.MomentumReversalPips:
		d.exit(ExitMomentumReversal, fmt.Sprintf("momentum %.1f pips against position", pips.PriceToPips(sym, -sign*v.Structure.Momentum)))
	case v.Signal != nil:
		if kind, reason := confidenceCollapsed(cfg, pos, *v.Signal, v.Now); kind != ExitNone {
			d.exit(kind, reason)
		}
	}

	return d
}

func (d *StopDecision) exit(kind ExitKind, reason string) {
	d.Exit = true
	d.ExitKind = kind
	d.ExitReason = reason
}

func structureBroken(cfg StopConfig, pips PipMath, pos domain.Position, v View) bool {
	buf := pips.PipsToPrice(pos.Symbol, cfg.StructureBreakPips)
	switch pos.Direction {
	case domain.Buy:
		return v.Structure.Support > 0 && v.Price < v.Structure.Support-buf
	case domain.Sell:
		return v.Structure.Resistance > 0 && v.Price > v.Structure.Resistance+buf
	}
	return false
}

func brokenLevelName(dir domain.Direction) string {
	if dir == domain.Sell {
		return "resistance"
	}
	return "support"
}

func confidenceCollapsed(cfg StopConfig, pos domain.Position, sig domain.Signal, now time.Time) (ExitKind, string) {
	if cfg.SignalMaxAgeSecs > 0 && now.Sub(sig.At) > time.Duration(cfg.SignalMaxAgeSecs)*time.Second {
		return ExitNone, ""
	}
	if !sig.At.After(pos.OpenedAt) {
		return ExitNone, ""
	}

	switch sig.Direction {
	case pos.Direction:
		if cfg.ConfidenceFloor > 0 && sig.Confidence < cfg.ConfidenceFloor {
			return ExitConfidenceCollapse, fmt.Sprintf("confidence fell to %.1f (floor %.1f)", sig.Confidence, cfg.ConfidenceFloor)
		}
	case pos.Direction.Opposite():
		if cfg.OppositeConfidence > 0 && sig.Confidence >= cfg.OppositeConfidence {
			return ExitConfidenceCollapse, fmt.Sprintf("predictor flipped to %s at %.1f", sig.Direction, sig.Confidence)
		}
	}
	return ExitNone, ""
}
