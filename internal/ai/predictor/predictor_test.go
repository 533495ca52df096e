package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/market"
)

func trending(n int, start, step float64) []domain.Candle {
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	price := start
	for i := range out {
		// small pullback every third bar keeps RSI below 100
		move := step
		if i%3 == 2 {
			move = -step / 2
		}
		open := price
		price += move
		out[i] = domain.Candle{
			OpenTime: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:     open,
			High:     max(open, price) + 0.0002,
			Low:      min(open, price) - 0.0002,
			Close:    price,
		}
	}
	return out
}

func TestHeuristicFollowsTrend(t *testing.T) {
	h := NewHeuristic(DefaultHeuristicConfig())

	tests := []struct {
		name string
		step float64
		want domain.Direction
	}{
		{"uptrend", 0.0004, domain.Buy},
		{"downtrend", -0.0004, domain.Sell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := market.Snapshot{
				Symbol:  "EURUSD",
				Candles: map[market.Timeframe][]domain.Candle{market.TF5m: trending(60, 1.1000, tt.step)},
			}
			p, err := h.Predict(context.Background(), "EURUSD", snap)
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if p.Direction != tt.want {
				t.Errorf("Expected %s, got %s (signals %v)", tt.want, p.Direction, p.Signals)
			}
			if p.Confidence <= 0 || p.Confidence > 100 {
				t.Errorf("Expected confidence in (0,100], got %v", p.Confidence)
			}
			if p.EntryPrice != snap.Candles[market.TF5m][59].Close {
				t.Errorf("Expected entry at last close, got %v", p.EntryPrice)
			}
		})
	}
}

func TestHeuristicInsufficientData(t *testing.T) {
	h := NewHeuristic(DefaultHeuristicConfig())
	snap := market.Snapshot{Candles: map[market.Timeframe][]domain.Candle{market.TF5m: trending(10, 1.1, 0.0001)}}

	_, err := h.Predict(context.Background(), "EURUSD", snap)
	if !errors.Is(err, ErrNoData) || !errors.Is(err, domain.ErrDataInsufficient) {
		t.Errorf("Expected ErrNoData wrapping ErrDataInsufficient, got %v", err)
	}
}

func TestClientPredict(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"direction":"BUY","confidence":120,"stop_price":1.098}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k"})
	snap := market.Snapshot{
		Symbol:  "EURUSD",
		Price:   1.1001,
		Candles: map[market.Timeframe][]domain.Candle{market.TF1h: trending(3, 1.1, 0.0001)},
	}

	p, err := c.Predict(context.Background(), "EURUSD", snap)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if p.Direction != domain.Buy || p.Confidence != 100 {
		t.Errorf("Expected BUY at clamped 100, got %s %v", p.Direction, p.Confidence)
	}
	if p.EntryPrice != 1.1001 || p.StopPrice != 1.098 {
		t.Errorf("Expected entry 1.1001 stop 1.098, got %v %v", p.EntryPrice, p.StopPrice)
	}
	if got.Symbol != "EURUSD" || len(got.Timeframes["1h"]) != 3 {
		t.Errorf("Unexpected request body %+v", got)
	}
}

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error is transient", 503, `busy`, func(err error) bool { return errors.Is(err, domain.ErrTransient) }},
		{"not found is no data", 404, ``, func(err error) bool { return errors.Is(err, ErrNoData) }},
		{"no_data code", 200, `{"error":{"code":"no_data","message":"x"}}`, func(err error) bool { return errors.Is(err, ErrNoData) }},
		{"bad request is permanent", 400, `nope`, func(err error) bool {
			return err != nil && !errors.Is(err, domain.ErrTransient) && !errors.Is(err, ErrNoData)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(ClientConfig{BaseURL: srv.URL}).Predict(context.Background(), "EURUSD", market.Snapshot{})
			if !tt.check(err) {
				t.Errorf("Unexpected error classification: %v", err)
			}
		})
	}
}

func TestClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}).Predict(context.Background(), "EURUSD", market.Snapshot{})
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("Expected transient error, got %v", err)
	}
}
