package predictor

import (
	"context"
	"fmt"
	"math"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/market"
)

// HeuristicConfig holds signal weights for the built-in predictor
type HeuristicConfig struct {
	Timeframe           market.Timeframe `json:"timeframe"`
	MinCandles          int              `json:"min_candles"`
	MomentumWeight      float64          `json:"momentum_weight"`
	MeanReversionWeight float64          `json:"mean_reversion_weight"`
	TrendWeight         float64          `json:"trend_weight"`
	DeadZone            float64          `json:"dead_zone"` // |combined| below this is NEUTRAL
}

// DefaultHeuristicConfig returns default weights
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		Timeframe:           market.TF5m,
		MinCandles:          30,
		MomentumWeight:      0.4,
		MeanReversionWeight: 0.2,
		TrendWeight:         0.4,
		DeadZone:            0.1,
	}
}

// Heuristic is an indicator-blend predictor used when no model server is
// configured (paper trading, local runs)
type Heuristic struct {
	config HeuristicConfig
}

// NewHeuristic creates a heuristic predictor
func NewHeuristic(config HeuristicConfig) *Heuristic {
	if config.MinCandles <= 0 {
		config.MinCandles = 30
	}
	return &Heuristic{config: config}
}

// Predict blends momentum, RSI mean reversion and EMA trend on one timeframe
func (h *Heuristic) Predict(ctx context.Context, symbol string, snap market.Snapshot) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	candles := snap.Candles[h.config.Timeframe]
	if len(candles) < h.config.MinCandles {
		return Prediction{}, fmt.Errorf("%s has %d %s candles: %w", symbol, len(candles), h.config.Timeframe, ErrNoData)
	}

	last := candles[len(candles)-1].Close
	signals := map[string]float64{
		"momentum":       momentumSignal(candles),
		"mean_reversion": meanReversionSignal(candles),
		"trend":          trendSignal(candles),
	}

	combined := signals["momentum"]*h.config.MomentumWeight +
		signals["mean_reversion"]*h.config.MeanReversionWeight +
		signals["trend"]*h.config.TrendWeight

	dir := domain.Neutral
	if combined > h.config.DeadZone {
		dir = domain.Buy
	} else if combined < -h.config.DeadZone {
		dir = domain.Sell
	}

	price := snap.Price
	if price <= 0 {
		price = last
	}
	return Prediction{
		Direction:  dir,
		Confidence: confidence(signals) * 100,
		EntryPrice: price,
		Signals:    signals,
	}, nil
}

// momentumSignal scales the 10-bar return against recent volatility
func momentumSignal(candles []domain.Candle) float64 {
	n := len(candles)
	if n < 11 {
		return 0
	}
	ret := (candles[n-1].Close - candles[n-11].Close) / candles[n-11].Close
	vol := volatility(candles, 20)
	if vol == 0 {
		return 0
	}
	return clamp(ret/(vol*3), -1, 1)
}

func meanReversionSignal(candles []domain.Candle) float64 {
	rsi := rsi(candles, 14)
	switch {
	case rsi > 70:
		return -clamp((rsi-70)/30, 0, 1)
	case rsi < 30:
		return clamp((30-rsi)/30, 0, 1)
	}
	return 0
}

func trendSignal(candles []domain.Candle) float64 {
	fast := market.EMA(candles, 9)
	slow := market.EMA(candles, 21)
	if slow == 0 {
		return 0
	}
	return clamp((fast-slow)/slow*500, -1, 1)
}

// confidence is signal agreement blended with average strength, 0-1
func confidence(signals map[string]float64) float64 {
	positive, negative := 0, 0
	strength := 0.0
	for _, s := range signals {
		if s > 0.1 {
			positive++
		} else if s < -0.1 {
			negative++
		}
		strength += math.Abs(s)
	}
	total := float64(len(signals))
	agree := float64(positive)
	if negative > positive {
		agree = float64(negative)
	}

	base := agree / total
	if agree == total {
		base = 0.9
	}
	return clamp(base*0.6+(strength/total)*0.4, 0, 1)
}

func rsi(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}

	gains, losses := 0.0, 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - (100 / (1 + rs))
}

func volatility(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		period = len(candles) - 1
	}
	if period <= 1 {
		return 0
	}

	returns := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		returns = append(returns, (candles[i].Close-candles[i-1].Close)/candles[i-1].Close)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
