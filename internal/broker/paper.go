package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/domain"
)

// PriceSource provides marks for the paper broker
type PriceSource interface {
	LastPrice(symbol string) (float64, time.Time, bool)
}

// PipConverter converts price distances to pips
type PipConverter interface {
	PriceToPips(symbol string, distance float64) float64
}

// PaperConfig configures simulated execution
type PaperConfig struct {
	StartingBalance float64 `json:"starting_balance"`
	SpreadPips      float64 `json:"spread_pips"` // paid once at entry
}

type paperPosition struct {
	OpenPosition
	valuePerPip float64
}

// Paper is an in-memory broker marked to the live feed. Each position is
// sized so a stop-out loses RiskPct of balance at entry.
type Paper struct {
	config PaperConfig
	prices PriceSource
	pips   PipConverter
	clock  clock.Clock

	mu        sync.Mutex
	balance   float64
	positions map[string]*paperPosition
}

// NewPaper creates a paper broker
func NewPaper(config PaperConfig, prices PriceSource, pips PipConverter, clk clock.Clock) *Paper {
	return &Paper{
		config:    config,
		prices:    prices,
		pips:      pips,
		clock:     clk,
		balance:   config.StartingBalance,
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) mark(symbol string) (float64, error) {
	price, _, ok := p.prices.LastPrice(symbol)
	if !ok || price <= 0 {
		return 0, &RejectedError{Message: fmt.Sprintf("no price for %s", symbol)}
	}
	return price, nil
}

// profitLocked returns the position's profit at price, spread included
func (p *Paper) profitLocked(pos *paperPosition, price float64) float64 {
	moved := p.pips.PriceToPips(pos.Symbol, (price-pos.EntryPrice)*pos.Direction.Sign())
	return math.Round((moved-p.config.SpreadPips)*pos.valuePerPip*100) / 100
}

func (p *Paper) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccountInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	for _, pos := range p.positions {
		if price, err := p.mark(pos.Symbol); err == nil {
			equity += p.profitLocked(pos, price)
		}
	}
	return domain.AccountInfo{Balance: p.balance, Equity: equity, Time: p.clock.Now()}, nil
}

func (p *Paper) GetOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		op := pos.OpenPosition
		if price, err := p.mark(pos.Symbol); err == nil {
			op.Profit = p.profitLocked(pos, price)
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (p *Paper) OpenTrade(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if req.Direction != domain.Buy && req.Direction != domain.Sell {
		return Fill{}, &RejectedError{Message: fmt.Sprintf("invalid direction %q", req.Direction)}
	}
	if req.StopPips <= 0 || req.RiskPct <= 0 {
		return Fill{}, &RejectedError{Message: "stop distance and risk must be positive"}
	}
	price, err := p.mark(req.Symbol)
	if err != nil {
		return Fill{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	pos := &paperPosition{
		OpenPosition: OpenPosition{
			Ticket:     uuid.NewString(),
			Symbol:     req.Symbol,
			Direction:  req.Direction,
			EntryPrice: price,
			OpenedAt:   now,
		},
		valuePerPip: p.balance * req.RiskPct / 100 / req.StopPips,
	}
	p.positions[pos.Ticket] = pos

	return Fill{
		RequestID:  req.RequestID,
		Ticket:     pos.Ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		EntryPrice: price,
		FilledAt:   now,
	}, nil
}

func (p *Paper) CloseTrade(ctx context.Context, ticket, reason string) (CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return CloseResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(ticket)
}

func (p *Paper) CloseAll(ctx context.Context, reason string) ([]CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tickets := make([]string, 0, len(p.positions))
	for t := range p.positions {
		tickets = append(tickets, t)
	}
	sort.Strings(tickets)

	var out []CloseResult
	for _, t := range tickets {
		res, err := p.closeLocked(t)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (p *Paper) closeLocked(ticket string) (CloseResult, error) {
	pos, ok := p.positions[ticket]
	if !ok {
		return CloseResult{}, &RejectedError{Message: fmt.Sprintf("unknown ticket %s", ticket)}
	}
	price, err := p.mark(pos.Symbol)
	if err != nil {
		return CloseResult{}, err
	}

	profit := p.profitLocked(pos, price)
	p.balance += profit
	delete(p.positions, ticket)

	return CloseResult{
		Ticket:     ticket,
		Symbol:     pos.Symbol,
		ClosePrice: price,
		Profit:     profit,
		ClosedAt:   p.clock.Now(),
	}, nil
}
