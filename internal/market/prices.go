package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceState tells a missing price apart from a listed zero price.
type PriceState int

const (
	PriceUnknown PriceState = iota
	PriceZero
	PriceKnown
)

func (s PriceState) String() string {
	switch s {
	case PriceZero:
		return "zero"
	case PriceKnown:
		return "known"
	default:
		return "unknown"
	}
}

// PriceMap is an immutable symbol -> price snapshot quoted in the reference currency.
type PriceMap struct {
	prices map[string]decimal.Decimal
}

// NewPriceMap copies m. Negative prices are dropped.
func NewPriceMap(m map[string]decimal.Decimal) PriceMap {
	prices := make(map[string]decimal.Decimal, len(m))
	for symbol, price := range m {
		if price.IsNegative() {
			continue
		}
		prices[symbol] = price
	}
	return PriceMap{prices: prices}
}

// Lookup returns the price for symbol and whether it is unknown, zero or known.
func (p PriceMap) Lookup(symbol string) (decimal.Decimal, PriceState) {
	price, ok := p.prices[symbol]
	switch {
	case !ok:
		return decimal.Zero, PriceUnknown
	case price.IsZero():
		return decimal.Zero, PriceZero
	default:
		return price, PriceKnown
	}
}

func (p PriceMap) Len() int {
	return len(p.prices)
}

// Symbols returns the priced symbols in lexical order.
func (p PriceMap) Symbols() []string {
	symbols := make([]string, 0, len(p.prices))
	for symbol := range p.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Restrict returns a copy holding only the given symbols.
func (p PriceMap) Restrict(symbols []string) PriceMap {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		if price, ok := p.prices[symbol]; ok {
			out[symbol] = price
		}
	}
	return PriceMap{prices: out}
}

// Snapshot is one published state of the synchronizer.
type Snapshot struct {
	Prices    PriceMap
	Err       error // last fetch error; Prices are then the last-known-good values
	Seq       uint64
	FetchedAt time.Time
}

// Stale reports whether the last poll failed.
func (s Snapshot) Stale() bool {
	return s.Err != nil
}
