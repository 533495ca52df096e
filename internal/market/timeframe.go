// Package market turns ticks into multi-timeframe candles and derives the
// price structure used by scanners and the position monitor.
package market

import (
	"context"
	"fmt"
	"time"

	"risk-gated-trader/internal/domain"
)

// Timeframe represents a chart timeframe
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Duration returns the bar length, or zero for unknown timeframes
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// ParseTimeframes validates a list of timeframe names
func ParseTimeframes(names []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(names))
	for _, n := range names {
		tf := Timeframe(n)
		if tf.Duration() == 0 {
			return nil, fmt.Errorf("unknown timeframe %q", n)
		}
		out = append(out, tf)
	}
	return out, nil
}

// Snapshot holds candles across timeframes for one symbol
type Snapshot struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
	Candles   map[Timeframe][]domain.Candle
}

// Source provides multi-timeframe snapshots
type Source interface {
	Snapshot(ctx context.Context, symbol string, timeframes []Timeframe) (Snapshot, error)
}

// PriceSource provides the latest traded price
type PriceSource interface {
	LastPrice(symbol string) (price float64, at time.Time, ok bool)
}
