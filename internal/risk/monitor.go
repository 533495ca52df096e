package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
)

// Errors for position monitoring
var (
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyExists = errors.New("position already registered")
)

// PriceReader returns the latest price for a symbol
type PriceReader interface {
	LastPrice(symbol string) (price float64, at time.Time, ok bool)
}

// StructureReader returns current price structure for a symbol
type StructureReader interface {
	Structure(symbol string) (domain.Structure, error)
}

// SignalReader returns the latest predictor signal for a symbol
type SignalReader interface {
	Latest(symbol string) (domain.Signal, bool)
}

// ExitRequest asks the decision loop to close a position. The monitor never
// talks to the broker itself.
type ExitRequest struct {
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Kind       ExitKind  `json:"kind"`
	Reason     string    `json:"reason"`
	Price      float64   `json:"price"`
	At         time.Time `json:"at"`
}

// StopMove is published when a stop tightens
type StopMove struct {
	Position domain.Position
	OldStop  float64
	OldKind  domain.StopKind
}

// MonitorConfig configures the position monitor
type MonitorConfig struct {
	Stops         StopConfig                    `json:"stops"`
	TickInterval  time.Duration                 `json:"-"`
	TierIntervals map[domain.Tier]time.Duration `json:"-"` // per-tier check cadence, never faster than the tier scan
	ExitBuffer    int                           `json:"-"`
}

type tracked struct {
	pos           domain.Position
	nextCheck     time.Time
	exitRequested bool
}

// PositionMonitor evaluates open positions on per-tier intervals and emits exit
// requests. Safe for concurrent use.
type PositionMonitor struct {
	mu        sync.RWMutex
	cfg       MonitorConfig
	pips      PipMath
	prices    PriceReader
	structure StructureReader
	signals   SignalReader
	clock     clock.Clock
	logger    zerolog.Logger

	positions map[string]*tracked
	exits     chan ExitRequest
	onMove    func(StopMove)
}

// NewPositionMonitor creates a monitor. structure and signals may be nil.
func NewPositionMonitor(cfg MonitorConfig, pips PipMath, prices PriceReader, structure StructureReader,
	signals SignalReader, clk clock.Clock, logger zerolog.Logger) *PositionMonitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ExitBuffer <= 0 {
		cfg.ExitBuffer = 64
	}
	return &PositionMonitor{
		cfg:       cfg,
		pips:      pips,
		prices:    prices,
		structure: structure,
		signals:   signals,
		clock:     clk,
		logger:    logger.With().Str("component", "position_monitor").Logger(),
		positions: make(map[string]*tracked),
		exits:     make(chan ExitRequest, cfg.ExitBuffer),
	}
}

// OnStopMoved sets callback for stop changes. Called outside the lock.
func (m *PositionMonitor) OnStopMoved(handler func(StopMove)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMove = handler
}

// Exits is the channel the decision loop drains
func (m *PositionMonitor) Exits() <-chan ExitRequest {
	return m.exits
}

// Register starts tracking a confirmed fill
func (m *PositionMonitor) Register(pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[pos.ID]; exists {
		return ErrPositionAlreadyExists
	}
	if pos.StopKind == "" {
		pos.StopKind = domain.StopInitial
	}
	if pos.ScaleState == "" {
		pos.ScaleState = domain.ScaleFull
	}
	m.positions[pos.ID] = &tracked{pos: pos}

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Float64("entry", pos.EntryPrice).
		Float64("stop", pos.StopPrice).
		Msg("Position registered")
	return nil
}

// Remove stops tracking a position after a confirmed close
func (m *PositionMonitor) Remove(id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.positions[id]
	if !ok {
		return domain.Position{}, ErrPositionNotFound
	}
	delete(m.positions, id)
	return t.pos, nil
}

// Get returns a copy of one position
func (m *PositionMonitor) Get(id string) (domain.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return t.pos, true
}

// Positions returns copies of all tracked positions ordered by open time
func (m *PositionMonitor) Positions() []domain.Position {
	m.mu.RLock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, t.pos)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// UpdateProfit records the broker-reported unrealized profit
func (m *PositionMonitor) UpdateProfit(id string, profit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.positions[id]; ok {
		t.pos.UnrealizedProfit = profit
	}
}

// ClearExitRequest re-arms exit detection after a failed close attempt
func (m *PositionMonitor) ClearExitRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.positions[id]; ok {
		t.exitRequested = false
	}
}

// Tick evaluates every position whose tier interval has elapsed. Returns the
// number of positions evaluated.
func (m *PositionMonitor) Tick(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	due := make([]domain.Position, 0, len(m.positions))
	for _, t := range m.positions {
		if t.exitRequested || now.Before(t.nextCheck) {
			continue
		}
		due = append(due, t.pos)
	}
	m.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	evaluated := 0
	for _, pos := range due {
		// finish the in-flight position, never start a new one after cancel
		if ctx.Err() != nil {
			break
		}
		m.checkPosition(pos, now)
		evaluated++
	}
	return evaluated
}

func (m *PositionMonitor) checkPosition(pos domain.Position, now time.Time) {
	logger := m.logger.With().Str("position_id", pos.ID).Str("symbol", pos.Symbol).Logger()

	price, _, ok := m.prices.LastPrice(pos.Symbol)
	if !ok || price <= 0 {
		logger.Debug().Msg("No price yet, skipping position check")
		m.schedule(pos, now)
		return
	}

	view := View{Price: price, Now: now}
	if m.structure != nil {
		if s, err := m.structure.Structure(pos.Symbol); err == nil {
			view.Structure = &s
		} else {
			logger.Debug().Err(err).Msg("Structure unavailable")
		}
	}
	if m.signals != nil {
		if sig, ok := m.signals.Latest(pos.Symbol); ok {
			view.Signal = &sig
		}
	}

	decision := EvaluateStops(m.cfg.Stops, m.pips, pos, view)

	m.mu.Lock()
	t, still := m.positions[pos.ID]
	if !still {
		m.mu.Unlock()
		return
	}
	oldStop, oldKind := t.pos.StopPrice, t.pos.StopKind
	t.pos.PeakFavorableExcursion = decision.PeakExcursion
	// a concurrent evaluation may already have tightened further
	if decision.Moved && (t.pos.StopPrice == 0 || (decision.Stop-t.pos.StopPrice)*t.pos.Direction.Sign() > 0) {
		t.pos.StopPrice = decision.Stop
		t.pos.StopKind = decision.Kind
	}
	moved := t.pos.StopPrice != oldStop
	updated := t.pos
	t.nextCheck = now.Add(m.intervalFor(pos.Tier))

	var req *ExitRequest
	if decision.Exit && !t.exitRequested {
		r := ExitRequest{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Kind:       decision.ExitKind,
			Reason:     decision.ExitReason,
			Price:      price,
			At:         now,
		}
		select {
		case m.exits <- r:
			t.exitRequested = true
			req = &r
		default:
			// full; retried next tick
		}
	}
	onMove := m.onMove
	m.mu.Unlock()

	if moved {
		logger.Info().
			Float64("old_stop", oldStop).
			Float64("new_stop", updated.StopPrice).
			Str("kind", string(updated.StopKind)).
			Float64("price", price).
			Msg("Stop tightened")
		if onMove != nil {
			onMove(StopMove{Position: updated, OldStop: oldStop, OldKind: oldKind})
		}
	}
	if req != nil {
		logger.Warn().
			Str("exit_kind", string(req.Kind)).
			Str("reason", req.Reason).
			Float64("price", price).
			Msg("Exit requested")
	}
}

func (m *PositionMonitor) schedule(pos domain.Position, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.positions[pos.ID]; ok {
		t.nextCheck = now.Add(m.intervalFor(pos.Tier))
	}
}

func (m *PositionMonitor) intervalFor(tier domain.Tier) time.Duration {
	if d, ok := m.cfg.TierIntervals[tier]; ok && d > 0 {
		return d
	}
	return m.cfg.TickInterval
}

// Run ticks until ctx is cancelled. The in-flight position check completes
// before returning.
func (m *PositionMonitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("tick", m.cfg.TickInterval).Msg("Position monitor started")
	defer m.logger.Info().Msg("Position monitor stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		m.Tick(ctx, m.clock.Now())
		if !clock.Sleep(m.clock, m.cfg.TickInterval, ctx.Done()) {
			return nil
		}
	}
}
