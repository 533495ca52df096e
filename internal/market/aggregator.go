package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"risk-gated-trader/internal/domain"
)

// Aggregator builds candles per symbol and timeframe from ticks. It serves
// snapshots to scanners and last prices to the monitor and breaker.
type Aggregator struct {
	mu         sync.RWMutex
	timeframes []Timeframe
	maxCandles int
	series     map[string]map[Timeframe][]domain.Candle
	last       map[string]tick
}

type tick struct {
	price float64
	at    time.Time
}

// NewAggregator keeps at most maxCandles per symbol and timeframe
func NewAggregator(timeframes []Timeframe, maxCandles int) *Aggregator {
	if maxCandles <= 0 {
		maxCandles = 500
	}
	return &Aggregator{
		timeframes: timeframes,
		maxCandles: maxCandles,
		series:     make(map[string]map[Timeframe][]domain.Candle),
		last:       make(map[string]tick),
	}
}

// Ingest folds a tick into every timeframe. Ticks older than the forming
// candle are dropped.
func (a *Aggregator) Ingest(symbol string, price, volume float64, at time.Time) {
	if price <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.last[symbol]; !ok || !at.Before(prev.at) {
		a.last[symbol] = tick{price: price, at: at}
	}

	bySymbol := a.series[symbol]
	if bySymbol == nil {
		bySymbol = make(map[Timeframe][]domain.Candle)
		a.series[symbol] = bySymbol
	}

	for _, tf := range a.timeframes {
		open := at.Truncate(tf.Duration())
		candles := bySymbol[tf]

		if n := len(candles); n > 0 {
			cur := &candles[n-1]
			switch {
			case open.Equal(cur.OpenTime):
				if price > cur.High {
					cur.High = price
				}
				if price < cur.Low {
					cur.Low = price
				}
				cur.Close = price
				cur.Volume += volume
				continue
			case open.Before(cur.OpenTime):
				continue
			}
		}

		candles = append(candles, domain.Candle{
			OpenTime: open,
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   volume,
		})
		if len(candles) > a.maxCandles {
			candles = append(candles[:0], candles[len(candles)-a.maxCandles:]...)
		}
		bySymbol[tf] = candles
	}
}

// Snapshot returns a copy of the candles for the requested timeframes,
// including the forming candle
func (a *Aggregator) Snapshot(ctx context.Context, symbol string, timeframes []Timeframe) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	last, ok := a.last[symbol]
	if !ok {
		return Snapshot{}, domain.Insufficient("market.snapshot", fmt.Errorf("no ticks for %s", symbol))
	}

	snap := Snapshot{
		Symbol:    symbol,
		Price:     last.price,
		Timestamp: last.at,
		Candles:   make(map[Timeframe][]domain.Candle, len(timeframes)),
	}
	for _, tf := range timeframes {
		src := a.series[symbol][tf]
		snap.Candles[tf] = append([]domain.Candle(nil), src...)
	}
	return snap, nil
}

// LastPrice returns the most recent tick for symbol
func (a *Aggregator) LastPrice(symbol string) (float64, time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.last[symbol]
	return t.price, t.at, ok
}

// Candles returns a copy of one series
func (a *Aggregator) Candles(symbol string, tf Timeframe) []domain.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Candle(nil), a.series[symbol][tf]...)
}

// Symbols lists symbols with at least one tick
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.last))
	for s := range a.last {
		out = append(out, s)
	}
	return out
}
