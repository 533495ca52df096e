// Package instrument holds per-symbol metadata: pip size, price precision and
// the currencies a symbol exposes the account to.
package instrument

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Spec describes one tradable symbol
type Spec struct {
	Symbol  string  `json:"symbol"`
	PipSize float64 `json:"pip_size"`
	Digits  int32   `json:"digits"`
	Base    string  `json:"base"`
	Quote   string  `json:"quote"`
}

// Registry resolves symbol specs, inferring defaults for unknown FX pairs
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates a registry seeded with explicit specs
func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.Add(s)
	}
	return r
}

// Add registers or replaces a spec
func (r *Registry) Add(s Spec) {
	s.Symbol = normalize(s.Symbol)
	inferred := infer(s.Symbol)
	if s.PipSize <= 0 {
		s.PipSize = inferred.PipSize
	}
	if s.Digits <= 0 {
		s.Digits = inferred.Digits
	}
	if s.Base == "" {
		s.Base = inferred.Base
	}
	if s.Quote == "" {
		s.Quote = inferred.Quote
	}

	r.mu.Lock()
	r.specs[s.Symbol] = s
	r.mu.Unlock()
}

// Get returns the spec for symbol, inferring one when not registered
func (r *Registry) Get(symbol string) Spec {
	symbol = normalize(symbol)
	r.mu.RLock()
	s, ok := r.specs[symbol]
	r.mu.RUnlock()
	if ok {
		return s
	}
	return infer(symbol)
}

// PipSize returns the pip size for symbol
func (r *Registry) PipSize(symbol string) float64 {
	return r.Get(symbol).PipSize
}

// Currencies returns the base and quote currencies of symbol.
// Symbols that do not look like currency pairs return the symbol itself once.
func (r *Registry) Currencies(symbol string) []string {
	s := r.Get(symbol)
	if s.Base == "" && s.Quote == "" {
		return []string{s.Symbol}
	}
	if s.Base == s.Quote || s.Quote == "" {
		return []string{s.Base}
	}
	return []string{s.Base, s.Quote}
}

// PriceToPips converts a price distance to pips
func (r *Registry) PriceToPips(symbol string, distance float64) float64 {
	pip := decimal.NewFromFloat(r.PipSize(symbol))
	if pip.IsZero() {
		return 0
	}
	f, _ := decimal.NewFromFloat(distance).Div(pip).Round(2).Float64()
	return f
}

// PipsToPrice converts pips to a price distance
func (r *Registry) PipsToPrice(symbol string, pips float64) float64 {
	pip := decimal.NewFromFloat(r.PipSize(symbol))
	f, _ := decimal.NewFromFloat(pips).Mul(pip).Float64()
	return f
}

// Round rounds price to the symbol's quoted precision
func (r *Registry) Round(symbol string, price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(r.Get(symbol).Digits).Float64()
	return f
}

// Offset returns price moved by pips in the given sign, rounded to precision
func (r *Registry) Offset(symbol string, price, pips float64) float64 {
	s := r.Get(symbol)
	delta := decimal.NewFromFloat(pips).Mul(decimal.NewFromFloat(s.PipSize))
	f, _ := decimal.NewFromFloat(price).Add(delta).Round(s.Digits).Float64()
	return f
}

func normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// infer guesses a spec from a six-letter currency pair
func infer(symbol string) Spec {
	s := Spec{Symbol: symbol, PipSize: 0.0001, Digits: 5}
	if len(symbol) != 6 {
		return s
	}
	s.Base = symbol[:3]
	s.Quote = symbol[3:]

	switch {
	case s.Base == "XAU":
		s.PipSize, s.Digits = 0.1, 2
	case s.Base == "XAG":
		s.PipSize, s.Digits = 0.01, 3
	case s.Quote == "JPY":
		s.PipSize, s.Digits = 0.01, 3
	}
	return s
}

// String implements fmt.Stringer
func (s Spec) String() string {
	return fmt.Sprintf("%s(pip=%g digits=%d %s/%s)", s.Symbol, s.PipSize, s.Digits, s.Base, s.Quote)
}
