package market

import (
	"math"

	"risk-gated-trader/internal/domain"
)

// SMA calculates the simple moving average of the last period closes
func SMA(candles []domain.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average seeded with the SMA of the first period closes
func EMA(candles []domain.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	ema := SMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// TrendDirection compares a fast and slow EMA. Separation under minSepPct
// (percent of the slow EMA) is NEUTRAL.
func TrendDirection(candles []domain.Candle, fast, slow int, minSepPct float64) domain.Direction {
	if len(candles) < slow {
		return domain.Neutral
	}

	fastEMA := EMA(candles, fast)
	slowEMA := EMA(candles, slow)
	if slowEMA == 0 {
		return domain.Neutral
	}

	if math.Abs(fastEMA-slowEMA)/slowEMA*100 < minSepPct {
		return domain.Neutral
	}
	if fastEMA > slowEMA {
		return domain.Buy
	}
	return domain.Sell
}

// TimeframeAgreement is the fraction of timeframes whose trend matches dir.
// Timeframes without enough history count as disagreeing.
func TimeframeAgreement(snap Snapshot, timeframes []Timeframe, dir domain.Direction, fast, slow int) float64 {
	if len(timeframes) == 0 || dir == domain.Neutral {
		return 0
	}

	agree := 0
	for _, tf := range timeframes {
		if TrendDirection(snap.Candles[tf], fast, slow, 0) == dir {
			agree++
		}
	}
	return float64(agree) / float64(len(timeframes))
}
