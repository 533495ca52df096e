// Package scanner runs one sequential scan loop per instrument tier.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"risk-gated-trader/internal/ai/predictor"
	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/logging"
	"risk-gated-trader/internal/market"
	"risk-gated-trader/internal/queue"
)

// TierScanner pulls predictions for one tier's symbols and queues
// actionable ones
type TierScanner struct {
	config    Config
	source    market.Source
	predictor predictor.Predictor
	queue     *queue.OpportunityQueue
	signals   *SignalCache
	clock     clock.Clock
	logger    zerolog.Logger

	mu        sync.RWMutex
	lastStats *CycleStats
	cycles    int
}

// NewTierScanner creates a scanner for one tier. signals may be nil.
func NewTierScanner(config Config, source market.Source, pred predictor.Predictor, q *queue.OpportunityQueue,
	signals *SignalCache, clk clock.Clock, logger zerolog.Logger) *TierScanner {
	symbols := make([]string, len(config.Symbols))
	copy(symbols, config.Symbols)
	config.Symbols = symbols

	if config.TrendFast <= 0 {
		config.TrendFast = 9
	}
	if config.TrendSlow <= 0 {
		config.TrendSlow = 21
	}

	return &TierScanner{
		config:    config,
		source:    source,
		predictor: pred,
		queue:     q,
		signals:   signals,
		clock:     clk,
		logger:    logging.TierContext(logger, config.Tier),
	}
}

// Tier returns the scanner's tier
func (s *TierScanner) Tier() domain.Tier {
	return s.config.Tier
}

// Run scans until ctx is cancelled, keeping a wall-clock stable interval
func (s *TierScanner) Run(ctx context.Context) error {
	s.logger.Info().
		Int("symbols", len(s.config.Symbols)).
		Dur("interval", s.config.Interval).
		Msg("Tier scanner started")

	for {
		if ctx.Err() != nil {
			break
		}
		stats := s.ScanOnce(ctx)

		wait := s.config.Interval - stats.Duration
		if wait < 0 {
			wait = 0
		}
		if !clock.Sleep(s.clock, wait, ctx.Done()) {
			break
		}
	}

	s.logger.Info().Msg("Tier scanner stopped")
	return nil
}

// ScanOnce purges the tier's stale entries and sweeps its symbols in order
func (s *TierScanner) ScanOnce(ctx context.Context) CycleStats {
	start := s.clock.Now()
	stats := CycleStats{
		ScanID:    fmt.Sprintf("%s-%d", s.config.Tier, start.Unix()),
		Tier:      s.config.Tier,
		StartTime: start,
	}

	stats.Purged = s.queue.PurgeSymbols(s.config.Symbols)

	for i, symbol := range s.config.Symbols {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}
		if i > 0 && s.config.SymbolDelay > 0 {
			if !clock.Sleep(s.clock, s.config.SymbolDelay, ctx.Done()) {
				stats.Interrupted = true
				break
			}
		}

		res := s.scanSymbol(ctx, symbol)
		stats.SymbolsScanned++
		s.record(&stats, res)
	}

	stats.EndTime = s.clock.Now()
	stats.Duration = stats.EndTime.Sub(start)

	s.mu.Lock()
	s.lastStats = &stats
	s.cycles++
	s.mu.Unlock()

	s.logger.Debug().
		Str("scan_id", stats.ScanID).
		Int("pushed", stats.Pushed).
		Int("purged", stats.Purged).
		Int("failed", stats.Failed).
		Dur("duration", stats.Duration).
		Msg("Scan cycle completed")
	return stats
}

func (s *TierScanner) record(stats *CycleStats, res symbolResult) {
	switch {
	case res.err == nil && res.opp == nil:
		stats.Neutral++
	case res.err == nil:
		s.queue.Push(*res.opp)
		stats.Pushed++
	case errors.Is(res.err, domain.ErrDataInsufficient):
		stats.Skipped++
		s.logger.Debug().Str("symbol", res.symbol).Err(res.err).Msg("Skipping symbol, insufficient data")
	case errors.Is(res.err, context.Canceled):
		stats.Interrupted = true
	default:
		stats.Failed++
		s.logger.Warn().Str("symbol", res.symbol).Err(res.err).Msg("Symbol scan failed")
	}
}

// scanSymbol never panics out; failures are returned as results
func (s *TierScanner) scanSymbol(ctx context.Context, symbol string) (res symbolResult) {
	res.symbol = symbol
	defer func() {
		if r := recover(); r != nil {
			res = symbolResult{symbol: symbol, err: fmt.Errorf("scan %s panicked: %v", symbol, r)}
		}
	}()

	callCtx := ctx
	if s.config.PredictTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.config.PredictTimeout)
		defer cancel()
	}

	snap, err := s.source.Snapshot(callCtx, symbol, s.config.Timeframes)
	if err != nil {
		res.err = fmt.Errorf("snapshot %s: %w", symbol, classify(callCtx, ctx, err))
		return res
	}

	pred, err := s.predictor.Predict(callCtx, symbol, snap)
	if err != nil {
		res.err = fmt.Errorf("predict %s: %w", symbol, classify(callCtx, ctx, err))
		return res
	}

	now := s.clock.Now()
	if s.signals != nil {
		s.signals.Set(domain.Signal{Symbol: symbol, Direction: pred.Direction, Confidence: pred.Confidence, At: now})
	}
	if pred.Direction == domain.Neutral {
		return res
	}

	entry := pred.EntryPrice
	if entry <= 0 {
		entry = snap.Price
	}
	res.opp = &domain.Opportunity{
		ID:                 uuid.NewString(),
		Symbol:             symbol,
		Direction:          pred.Direction,
		Confidence:         pred.Confidence,
		EntryPrice:         entry,
		StopPrice:          pred.StopPrice,
		TargetPrice:        pred.TargetPrice,
		TimeframeAgreement: market.TimeframeAgreement(snap, s.config.Timeframes, pred.Direction, s.config.TrendFast, s.config.TrendSlow),
		Timestamp:          now,
		Tier:               s.config.Tier,
	}
	return res
}

// classify turns a per-call timeout into a transient failure while leaving
// shutdown cancellation intact
func classify(callCtx, parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTransient) {
		return domain.Transient("predict", err)
	}
	return err
}

// LastStats returns the most recent cycle summary
func (s *TierScanner) LastStats() (CycleStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastStats == nil {
		return CycleStats{}, false
	}
	return *s.lastStats, true
}

// Cycles returns the number of completed sweeps
func (s *TierScanner) Cycles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycles
}
