package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"risk-gated-trader/internal/domain"
)

var base = time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC)

func candlesFromCloses(closes ...float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c + 0.0005,
			Low:      c - 0.0005,
			Close:    c,
		}
	}
	return out
}

func TestEMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5)

	if got := SMA(candles, 5); got != 3 {
		t.Errorf("Expected SMA 3, got %v", got)
	}
	// seed SMA(1,2,3)=2, then 4*0.5+2*0.5=3, then 5*0.5+3*0.5=4
	if got := EMA(candles, 3); got != 4 {
		t.Errorf("Expected EMA 4, got %v", got)
	}
	if got := EMA(candles, 10); got != 0 {
		t.Errorf("Expected 0 with insufficient data, got %v", got)
	}
}

func TestTrendDirection(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	for i := range up {
		up[i] = 1.1000 + float64(i)*0.0010
		down[i] = 1.1000 - float64(i)*0.0010
	}

	if got := TrendDirection(candlesFromCloses(up...), 5, 20, 0); got != domain.Buy {
		t.Errorf("Expected BUY on rising closes, got %s", got)
	}
	if got := TrendDirection(candlesFromCloses(down...), 5, 20, 0); got != domain.Sell {
		t.Errorf("Expected SELL on falling closes, got %s", got)
	}
	if got := TrendDirection(candlesFromCloses(up[:10]...), 5, 20, 0); got != domain.Neutral {
		t.Errorf("Expected NEUTRAL without enough history, got %s", got)
	}
}

func TestTimeframeAgreement(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 1.2 + float64(i)*0.001
	}
	snap := Snapshot{Candles: map[Timeframe][]domain.Candle{
		TF1m:  candlesFromCloses(up...),
		TF5m:  candlesFromCloses(up...),
		TF15m: candlesFromCloses(up[:5]...),
	}}

	got := TimeframeAgreement(snap, []Timeframe{TF1m, TF5m, TF15m, TF1h}, domain.Buy, 5, 20)
	if got != 0.5 {
		t.Errorf("Expected 0.5 agreement, got %v", got)
	}
}

func bar(i int, h, l, c float64) domain.Candle {
	return domain.Candle{OpenTime: base.Add(time.Duration(i) * time.Minute), Open: c, High: h, Low: l, Close: c}
}

func TestAnalyzeStructure(t *testing.T) {
	candles := []domain.Candle{
		bar(0, 1.1010, 1.0990, 1.1000),
		bar(1, 1.1020, 1.1000, 1.1010),
		bar(2, 1.1040, 1.1010, 1.1030),
		bar(3, 1.1030, 1.1005, 1.1020),
		bar(4, 1.1020, 1.0995, 1.1005),
		bar(5, 1.1000, 1.0980, 1.0990),
		bar(6, 1.1010, 1.0985, 1.1000),
		bar(7, 1.1020, 1.0995, 1.1015),
		bar(8, 1.1030, 1.1005, 1.1025),
		bar(9, 1.1035, 1.1010, 1.1020),
		bar(10, 1.1025, 1.1012, 1.1018),
	}

	s, err := AnalyzeStructure(candles, StructureConfig{SwingLookback: 2, LevelPeriod: 11, MomentumBars: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if s.Price != 1.1018 {
		t.Errorf("Expected price 1.1018, got %v", s.Price)
	}
	if s.SwingHigh != 1.1040 {
		t.Errorf("Expected swing high 1.1040, got %v", s.SwingHigh)
	}
	if s.SwingLow != 1.0980 {
		t.Errorf("Expected swing low 1.0980, got %v", s.SwingLow)
	}
	if s.Support != 1.0980 || s.Resistance != 1.1040 {
		t.Errorf("Expected S/R 1.0980/1.1040, got %v/%v", s.Support, s.Resistance)
	}
	if s.Momentum <= 0 {
		t.Errorf("Expected positive momentum, got %v", s.Momentum)
	}
}

func TestAnalyzeStructureInsufficient(t *testing.T) {
	_, err := AnalyzeStructure(candlesFromCloses(1, 2, 3), DefaultStructureConfig())
	if !errors.Is(err, domain.ErrDataInsufficient) {
		t.Errorf("Expected ErrDataInsufficient, got %v", err)
	}
}

func TestAggregatorBuildsCandles(t *testing.T) {
	a := NewAggregator([]Timeframe{TF1m, TF5m}, 100)

	a.Ingest("EURUSD", 1.1000, 1, base)
	a.Ingest("EURUSD", 1.1010, 1, base.Add(20*time.Second))
	a.Ingest("EURUSD", 1.0995, 1, base.Add(40*time.Second))
	a.Ingest("EURUSD", 1.1005, 1, base.Add(70*time.Second))

	m1 := a.Candles("EURUSD", TF1m)
	if len(m1) != 2 {
		t.Fatalf("Expected 2 one-minute candles, got %d", len(m1))
	}
	first := m1[0]
	if first.Open != 1.1000 || first.High != 1.1010 || first.Low != 1.0995 || first.Close != 1.0995 {
		t.Errorf("Unexpected OHLC %+v", first)
	}
	if first.Volume != 3 {
		t.Errorf("Expected volume 3, got %v", first.Volume)
	}

	if m5 := a.Candles("EURUSD", TF5m); len(m5) != 1 || m5[0].Close != 1.1005 {
		t.Errorf("Expected one forming 5m candle closing 1.1005, got %+v", m5)
	}

	price, at, ok := a.LastPrice("EURUSD")
	if !ok || price != 1.1005 || !at.Equal(base.Add(70*time.Second)) {
		t.Errorf("Unexpected last price %v at %v", price, at)
	}
}

func TestAggregatorCapsHistory(t *testing.T) {
	a := NewAggregator([]Timeframe{TF1m}, 5)
	for i := 0; i < 12; i++ {
		a.Ingest("GBPUSD", 1.25+float64(i)*0.0001, 0, base.Add(time.Duration(i)*time.Minute))
	}
	if got := len(a.Candles("GBPUSD", TF1m)); got != 5 {
		t.Errorf("Expected 5 candles, got %d", got)
	}
}

func TestSnapshotWithoutTicks(t *testing.T) {
	a := NewAggregator([]Timeframe{TF1m}, 10)
	_, err := a.Snapshot(context.Background(), "AUDUSD", []Timeframe{TF1m})
	if !errors.Is(err, domain.ErrDataInsufficient) {
		t.Errorf("Expected ErrDataInsufficient, got %v", err)
	}
}

func TestParseTimeframes(t *testing.T) {
	if _, err := ParseTimeframes([]string{"1m", "4h"}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ParseTimeframes([]string{"7m"}); err == nil {
		t.Error("Expected error for unknown timeframe")
	}
}
