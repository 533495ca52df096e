package scanner

import (
	"sync"
	"time"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
)

// SignalCache keeps the latest prediction per symbol with a TTL. Scanners
// write it; the position monitor reads it.
type SignalCache struct {
	mu    sync.RWMutex
	cache map[string]cachedSignal
	ttl   time.Duration
	clock clock.Clock
}

// NewSignalCache creates a new cache with specified TTL
func NewSignalCache(ttl time.Duration, clk clock.Clock) *SignalCache {
	return &SignalCache{
		cache: make(map[string]cachedSignal),
		ttl:   ttl,
		clock: clk,
	}
}

// Latest returns the symbol's signal if not expired
func (sc *SignalCache) Latest(symbol string) (domain.Signal, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	cached, exists := sc.cache[symbol]
	if !exists || sc.clock.Now().After(cached.expiresAt) {
		return domain.Signal{}, false
	}
	return cached.signal, true
}

// Set stores a signal with TTL, measured from the signal time
func (sc *SignalCache) Set(sig domain.Signal) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.cache[sig.Symbol] = cachedSignal{
		signal:    sig,
		expiresAt: sig.At.Add(sc.ttl),
	}
}

// All returns unexpired signals keyed by symbol
func (sc *SignalCache) All() map[string]domain.Signal {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	now := sc.clock.Now()
	out := make(map[string]domain.Signal, len(sc.cache))
	for symbol, cached := range sc.cache {
		if !now.After(cached.expiresAt) {
			out[symbol] = cached.signal
		}
	}
	return out
}

// CleanupExpired removes expired cache entries
func (sc *SignalCache) CleanupExpired() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clock.Now()
	removed := 0
	for symbol, cached := range sc.cache {
		if now.After(cached.expiresAt) {
			delete(sc.cache, symbol)
			removed++
		}
	}
	return removed
}
