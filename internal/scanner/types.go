package scanner

import (
	"time"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/market"
)

// Config holds one tier's scan configuration
type Config struct {
	Tier           domain.Tier
	Symbols        []string
	Interval       time.Duration
	SymbolDelay    time.Duration // pause between symbols on the shared channel
	PredictTimeout time.Duration
	Timeframes     []market.Timeframe
	TrendFast      int
	TrendSlow      int
}

// CycleStats summarizes one sweep of a tier
type CycleStats struct {
	ScanID         string        `json:"scan_id"`
	Tier           domain.Tier   `json:"tier"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	SymbolsScanned int           `json:"symbols_scanned"`
	Purged         int           `json:"purged"`
	Pushed         int           `json:"pushed"`
	Neutral        int           `json:"neutral"`
	Skipped        int           `json:"skipped"` // insufficient data
	Failed         int           `json:"failed"`
	Interrupted    bool          `json:"interrupted"`
}

// symbolResult is the outcome of scanning one symbol. opp is nil for
// neutral predictions and failures.
type symbolResult struct {
	symbol string
	opp    *domain.Opportunity
	err    error
}

type cachedSignal struct {
	signal    domain.Signal
	expiresAt time.Time
}
