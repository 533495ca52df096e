package domain

import (
	"strings"
	"time"
)

// Direction is the side of a signal or position
type Direction string

const (
	Buy     Direction = "BUY"
	Sell    Direction = "SELL"
	Neutral Direction = "NEUTRAL"
)

// ParseDirection accepts BUY/SELL/LONG/SHORT in any case; anything else is NEUTRAL
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return Buy
	case "SELL", "SHORT":
		return Sell
	default:
		return Neutral
	}
}

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise
func (d Direction) Sign() float64 {
	switch d {
	case Buy:
		return 1
	case Sell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the reverse direction
func (d Direction) Opposite() Direction {
	switch d {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return Neutral
	}
}

// Tier is a priority class of instruments sharing a scan interval
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

// Opportunity is a signal pushed by a tier scanner. Never mutated after creation.
type Opportunity struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	Direction          Direction `json:"direction"`
	Confidence         float64   `json:"confidence"` // 0-100
	EntryPrice         float64   `json:"entry_price"`
	StopPrice          float64   `json:"stop_price"`
	TargetPrice        float64   `json:"target_price"`
	TimeframeAgreement float64   `json:"timeframe_agreement"` // 0-1
	Timestamp          time.Time `json:"timestamp"`
	Tier               Tier      `json:"tier"`
}

// StopKind records which rule produced a position's current stop
type StopKind string

const (
	StopInitial   StopKind = "initial"
	StopBreakeven StopKind = "breakeven"
	StopTrailing  StopKind = "trailing"
	StopStructure StopKind = "structure"
)

// ScaleState tracks whether a position still carries its full size
type ScaleState string

const (
	ScaleFull    ScaleState = "FULL"
	ScaleReduced ScaleState = "REDUCED"
)

// Position is an open trade tracked by the position monitor
type Position struct {
	ID                     string     `json:"id"` // broker ticket
	Symbol                 string     `json:"symbol"`
	Direction              Direction  `json:"direction"`
	EntryPrice             float64    `json:"entry_price"`
	StopPrice              float64    `json:"stop_price"`
	StopKind               StopKind   `json:"stop_kind"`
	TargetPrice            float64    `json:"target_price"`
	PeakFavorableExcursion float64    `json:"peak_favorable_excursion"` // price units
	OpenedAt               time.Time  `json:"opened_at"`
	Tier                   Tier       `json:"tier"`
	ScaleState             ScaleState `json:"scale_state"`
	RiskPct                float64    `json:"risk_pct"`
	Confidence             float64    `json:"confidence"`
	UnrealizedProfit       float64    `json:"unrealized_profit"`
}

// FavorableMove returns the signed move in the position's favor at price
func (p Position) FavorableMove(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign()
}

// GateResult is the outcome of a single admission check. Never reused across attempts.
type GateResult struct {
	CanTrade   bool     `json:"can_trade"`
	Reason     string   `json:"reason"`
	Violations []string `json:"violations"`
}

// Candle is one OHLC bar
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Structure is the recent price structure of a symbol
type Structure struct {
	Price      float64 `json:"price"`
	SwingHigh  float64 `json:"swing_high"`
	SwingLow   float64 `json:"swing_low"`
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
	Momentum   float64 `json:"momentum"` // signed price change over the momentum lookback
}

// AccountInfo is the broker's account snapshot
type AccountInfo struct {
	Balance float64   `json:"balance"`
	Equity  float64   `json:"equity"`
	Time    time.Time `json:"time"`
}

// Signal is the latest prediction seen for a symbol
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// DecisionOutcome is what the decision loop did with a candidate
type DecisionOutcome string

const (
	OutcomeOpened   DecisionOutcome = "opened"
	OutcomeDenied   DecisionOutcome = "denied"
	OutcomeVetoed   DecisionOutcome = "vetoed"
	OutcomeRejected DecisionOutcome = "rejected"
	OutcomeFailed   DecisionOutcome = "failed"
	OutcomeDryRun   DecisionOutcome = "dry_run"
)

// DecisionRecord is one journaled trade attempt
type DecisionRecord struct {
	At            time.Time       `json:"at"`
	OpportunityID string          `json:"opportunity_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Tier          Tier            `json:"tier"`
	Confidence    float64         `json:"confidence"`
	Path          string          `json:"path"`
	Urgency       string          `json:"urgency"`
	RiskPct       float64         `json:"risk_pct"`
	Outcome       DecisionOutcome `json:"outcome"`
	Reasons       []string        `json:"reasons"`
	Ticket        string          `json:"ticket,omitempty"`
}

// TradeRecord is one journaled closed position
type TradeRecord struct {
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Tier       Tier      `json:"tier"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	StopKind   StopKind  `json:"stop_kind"`
	RiskPct    float64   `json:"risk_pct"`
	Profit     float64   `json:"profit"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}
