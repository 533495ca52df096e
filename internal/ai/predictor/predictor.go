// Package predictor defines the external signal model boundary and the
// clients that reach it.
package predictor

import (
	"context"
	"fmt"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/market"
)

// ErrNoData means the model lacks history for the symbol. Callers skip the
// symbol this cycle.
var ErrNoData = fmt.Errorf("predictor: no data: %w", domain.ErrDataInsufficient)

// Prediction is one model output
type Prediction struct {
	Direction   domain.Direction   `json:"direction"`
	Confidence  float64            `json:"confidence"` // 0-100
	EntryPrice  float64            `json:"entry_price"`
	StopPrice   float64            `json:"stop_price,omitempty"`
	TargetPrice float64            `json:"target_price,omitempty"`
	Signals     map[string]float64 `json:"signals,omitempty"`
}

// Predictor produces a signal from a multi-timeframe snapshot
type Predictor interface {
	Predict(ctx context.Context, symbol string, snap market.Snapshot) (Prediction, error)
}
