package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/market"
)

// ClientConfig holds model server configuration
type ClientConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// Client calls a model server over HTTP JSON
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new model client
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type predictRequest struct {
	Symbol     string                 `json:"symbol"`
	Price      float64                `json:"price"`
	Timestamp  time.Time              `json:"timestamp"`
	Timeframes map[string][][]float64 `json:"timeframes"` // [open_unix, o, h, l, c, v]
}

type predictResponse struct {
	Direction   string             `json:"direction"`
	Confidence  float64            `json:"confidence"`
	EntryPrice  float64            `json:"entry_price"`
	StopPrice   float64            `json:"stop_price"`
	TargetPrice float64            `json:"target_price"`
	Signals     map[string]float64 `json:"signals"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Predict posts the snapshot to /predict
func (c *Client) Predict(ctx context.Context, symbol string, snap market.Snapshot) (Prediction, error) {
	reqBody := predictRequest{
		Symbol:     symbol,
		Price:      snap.Price,
		Timestamp:  snap.Timestamp,
		Timeframes: make(map[string][][]float64, len(snap.Candles)),
	}
	for tf, candles := range snap.Candles {
		rows := make([][]float64, len(candles))
		for i, k := range candles {
			rows[i] = []float64{float64(k.OpenTime.Unix()), k.Open, k.High, k.Low, k.Close, k.Volume}
		}
		reqBody.Timeframes[string(tf)] = rows
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+"/predict", bytes.NewBuffer(jsonBody))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, domain.Transient("predictor.predict", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Prediction{}, domain.Transient("predictor.predict", fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return Prediction{}, fmt.Errorf("%s: %w", symbol, ErrNoData)
	case resp.StatusCode >= 500:
		return Prediction{}, domain.Transient("predictor.predict", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode != http.StatusOK:
		return Prediction{}, fmt.Errorf("predictor returned status %d: %s", resp.StatusCode, string(body))
	}

	var out predictResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		if out.Error.Code == "no_data" {
			return Prediction{}, fmt.Errorf("%s: %w", symbol, ErrNoData)
		}
		return Prediction{}, errors.New("predictor error: " + out.Error.Message)
	}

	if out.EntryPrice <= 0 {
		out.EntryPrice = snap.Price
	}
	return Prediction{
		Direction:   domain.ParseDirection(out.Direction),
		Confidence:  clamp(out.Confidence, 0, 100),
		EntryPrice:  out.EntryPrice,
		StopPrice:   out.StopPrice,
		TargetPrice: out.TargetPrice,
		Signals:     out.Signals,
	}, nil
}
