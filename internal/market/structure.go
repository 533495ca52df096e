package market

import (
	"fmt"

	"risk-gated-trader/internal/domain"
)

// StructureConfig controls swing detection
type StructureConfig struct {
	SwingLookback int `json:"swing_lookback"` // Candles each side of a swing point
	LevelPeriod   int `json:"level_period"`   // Candles for support/resistance
	MomentumBars  int `json:"momentum_bars"`  // Candles for signed momentum
}

// DefaultStructureConfig returns 3-bar swings over a 20-bar range
func DefaultStructureConfig() StructureConfig {
	return StructureConfig{
		SwingLookback: 3,
		LevelPeriod:   20,
		MomentumBars:  5,
	}
}

// AnalyzeStructure derives swing extremes, support/resistance and momentum from
// closed candles. The last candle's close is the current price.
func AnalyzeStructure(candles []domain.Candle, cfg StructureConfig) (domain.Structure, error) {
	need := cfg.SwingLookback*2 + 1
	if cfg.MomentumBars+1 > need {
		need = cfg.MomentumBars + 1
	}
	if len(candles) < need {
		return domain.Structure{}, domain.Insufficient("market.structure",
			fmt.Errorf("have %d candles, need %d", len(candles), need))
	}

	last := candles[len(candles)-1]
	s := domain.Structure{Price: last.Close}

	if highs := findSwings(candles, cfg.SwingLookback, true); len(highs) > 0 {
		s.SwingHigh = highs[len(highs)-1]
	}
	if lows := findSwings(candles, cfg.SwingLookback, false); len(lows) > 0 {
		s.SwingLow = lows[len(lows)-1]
	}

	period := cfg.LevelPeriod
	if period <= 0 || period > len(candles) {
		period = len(candles)
	}
	s.Support, s.Resistance = supportResistance(candles[:len(candles)-1], period-1)

	s.Momentum = last.Close - candles[len(candles)-1-cfg.MomentumBars].Close
	return s, nil
}

// findSwings returns swing highs (or lows) in chronological order. A swing is
// strictly the extreme of lookback candles on each side.
func findSwings(candles []domain.Candle, lookback int, highs bool) []float64 {
	var out []float64
	for i := lookback; i < len(candles)-lookback; i++ {
		pivot := candles[i].Low
		if highs {
			pivot = candles[i].High
		}

		isSwing := true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if highs && candles[j].High >= pivot {
				isSwing = false
				break
			}
			if !highs && candles[j].Low <= pivot {
				isSwing = false
				break
			}
		}
		if isSwing {
			out = append(out, pivot)
		}
	}
	return out
}

// supportResistance is the low/high range of the last period candles
func supportResistance(candles []domain.Candle, period int) (support, resistance float64) {
	if period <= 0 || len(candles) == 0 {
		return 0, 0
	}
	if period > len(candles) {
		period = len(candles)
	}

	start := len(candles) - period
	support, resistance = candles[start].Low, candles[start].High
	for i := start; i < len(candles); i++ {
		if candles[i].High > resistance {
			resistance = candles[i].High
		}
		if candles[i].Low < support {
			support = candles[i].Low
		}
	}
	return support, resistance
}

// StructureReader analyzes the current candles of one aggregator timeframe
type StructureReader struct {
	Agg       *Aggregator
	Timeframe Timeframe
	Config    StructureConfig
}

// Structure returns the structure for symbol on the reader's timeframe
func (r StructureReader) Structure(symbol string) (domain.Structure, error) {
	return AnalyzeStructure(r.Agg.Candles(symbol, r.Timeframe), r.Config)
}
