// Package broker is the execution boundary. Only the decision loop holds a
// Broker that can submit orders.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"risk-gated-trader/internal/domain"
)

var (
	// ErrUnreachable is a transport failure; retry next cycle
	ErrUnreachable = fmt.Errorf("broker unreachable: %w", domain.ErrTransient)
	// ErrStaleResponse means a response did not match the request that was sent
	ErrStaleResponse = errors.New("broker response does not match request")
)

// RejectedError is a business-rule rejection with the broker's message
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "broker rejected: " + e.Message
}

// IsRejected reports whether err is a broker rejection
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// OrderRequest is one market entry with virtual stop and target distances
type OrderRequest struct {
	RequestID  string           `json:"request_id"`
	Symbol     string           `json:"symbol"`
	Direction  domain.Direction `json:"direction"`
	RiskPct    float64          `json:"risk_pct"`
	StopPips   float64          `json:"stop_pips"`
	TargetPips float64          `json:"target_pips"`
}

// Fill is the broker's confirmation of an OrderRequest
type Fill struct {
	RequestID  string           `json:"request_id"`
	Ticket     string           `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Direction  domain.Direction `json:"direction"`
	EntryPrice float64          `json:"entry_price"`
	FilledAt   time.Time        `json:"filled_at"`
}

// CloseResult confirms a closed position
type CloseResult struct {
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	ClosePrice float64   `json:"close_price"`
	Profit     float64   `json:"profit"`
	ClosedAt   time.Time `json:"closed_at"`
}

// OpenPosition is a position as the broker reports it
type OpenPosition struct {
	Ticket     string           `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Direction  domain.Direction `json:"direction"`
	EntryPrice float64          `json:"entry_price"`
	Profit     float64          `json:"profit"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// Broker is the execution collaborator
type Broker interface {
	GetAccountInfo(ctx context.Context) (domain.AccountInfo, error)
	GetOpenPositions(ctx context.Context) ([]OpenPosition, error)
	OpenTrade(ctx context.Context, req OrderRequest) (Fill, error)
	CloseTrade(ctx context.Context, ticket, reason string) (CloseResult, error)
	CloseAll(ctx context.Context, reason string) ([]CloseResult, error)
}
