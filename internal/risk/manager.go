package risk

import (
	"fmt"
	"math"
	"sort"

	"risk-gated-trader/internal/domain"
)

// CurrencyResolver maps a symbol to the currencies it exposes
type CurrencyResolver interface {
	Currencies(symbol string) []string
}

// ExposureLimits caps open risk. Percentages are of balance.
type ExposureLimits struct {
	MaxPerCurrencyPct float64 `json:"max_per_currency_pct"`
	MaxTotalPct       float64 `json:"max_total_pct"`
}

// Exposure is the open risk, as percent of balance, per currency and in total
type Exposure struct {
	PerCurrency map[string]float64 `json:"per_currency"`
	Total       float64            `json:"total"`
}

// CalculateExposure sums the risk of open positions. A position counts
// against each currency of its symbol and once against the total.
func CalculateExposure(positions []domain.Position, cur CurrencyResolver) Exposure {
	e := Exposure{PerCurrency: make(map[string]float64)}
	for _, p := range positions {
		e = e.add(p.Symbol, p.RiskPct, cur)
	}
	return e
}

// With returns the exposure after hypothetically adding a trade
func (e Exposure) With(symbol string, riskPct float64, cur CurrencyResolver) Exposure {
	out := Exposure{PerCurrency: make(map[string]float64, len(e.PerCurrency)+2), Total: e.Total}
	for k, v := range e.PerCurrency {
		out.PerCurrency[k] = v
	}
	return out.add(symbol, riskPct, cur)
}

func (e Exposure) add(symbol string, riskPct float64, cur CurrencyResolver) Exposure {
	risk := math.Abs(riskPct)
	for _, c := range cur.Currencies(symbol) {
		e.PerCurrency[c] += risk
	}
	e.Total += risk
	return e
}

// Violations lists every limit the exposure exceeds, currencies sorted
func (e Exposure) Violations(limits ExposureLimits) []string {
	var out []string

	if limits.MaxPerCurrencyPct > 0 {
		currencies := make([]string, 0, len(e.PerCurrency))
		for c := range e.PerCurrency {
			currencies = append(currencies, c)
		}
		sort.Strings(currencies)
		for _, c := range currencies {
			if v := e.PerCurrency[c]; v > limits.MaxPerCurrencyPct+1e-9 {
				out = append(out, fmt.Sprintf("%s exposure %.2f%% exceeds %.2f%%", c, v, limits.MaxPerCurrencyPct))
			}
		}
	}
	if limits.MaxTotalPct > 0 && e.Total > limits.MaxTotalPct+1e-9 {
		out = append(out, fmt.Sprintf("total exposure %.2f%% exceeds %.2f%%", e.Total, limits.MaxTotalPct))
	}
	return out
}

// SizeRisk clamps the pacing risk appetite to a fraction of the remaining
// daily-loss buffer so a single stop-out cannot breach the limit
func SizeRisk(maxRiskPerTrade, dailyLossRemainingPct, headroomFraction float64) float64 {
	if maxRiskPerTrade <= 0 || dailyLossRemainingPct <= 0 {
		return 0
	}
	risk := maxRiskPerTrade
	if headroomFraction > 0 {
		risk = math.Min(risk, headroomFraction*dailyLossRemainingPct)
	}
	return math.Round(risk*100) / 100
}

// Levels are the stop and target distances sent with an order
type Levels struct {
	StopPips   float64
	TargetPips float64
	StopPrice  float64
	Target     float64
}

// TradeLevels derives stop/target distances from an opportunity, falling back
// to defaults when the predictor supplied none or supplied them on the wrong side
func TradeLevels(opp domain.Opportunity, pips PipMath, defaultStopPips, defaultTargetPips float64) Levels {
	sign := opp.Direction.Sign()
	sym := opp.Symbol

	stopPips := 0.0
	if opp.StopPrice > 0 && (opp.EntryPrice-opp.StopPrice)*sign > 0 {
		stopPips = pips.PriceToPips(sym, math.Abs(opp.EntryPrice-opp.StopPrice))
	}
	if stopPips <= 0 {
		stopPips = defaultStopPips
	}

	targetPips := 0.0
	if opp.TargetPrice > 0 && (opp.TargetPrice-opp.EntryPrice)*sign > 0 {
		targetPips = pips.PriceToPips(sym, math.Abs(opp.TargetPrice-opp.EntryPrice))
	}
	if targetPips <= 0 {
		targetPips = defaultTargetPips
	}

	return Levels{
		StopPips:   stopPips,
		TargetPips: targetPips,
		StopPrice:  pips.Round(sym, opp.EntryPrice-sign*pips.PipsToPrice(sym, stopPips)),
		Target:     pips.Round(sym, opp.EntryPrice+sign*pips.PipsToPrice(sym, targetPips)),
	}
}
