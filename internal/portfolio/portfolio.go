package portfolio

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/models"
)

// Position 单个资产的估值
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Value    decimal.Decimal
	Valued   bool            // false when the price is unknown
	Share    decimal.Decimal // percent of Total, zero when not valued
}

// Valuation 持仓估值汇总
type Valuation struct {
	Positions []Position
	Total     decimal.Decimal // sum of valued positions, cash included
	Cash      decimal.Decimal
	Unvalued  int
}

// Value prices holdings against prices. The quote asset is worth 1 per unit.
// Valued positions come first ordered by value (largest first), unvalued
// positions follow ordered by symbol.
func Value(holdings []models.Holding, cash decimal.Decimal, prices market.PriceMap, quoteAsset string) Valuation {
	quoteAsset = strings.ToUpper(quoteAsset)
	v := Valuation{Cash: cash, Total: cash}

	for _, h := range holdings {
		if h.Quantity.IsZero() {
			continue
		}
		symbol := strings.ToUpper(h.Symbol)
		pos := Position{Symbol: symbol, Quantity: h.Quantity}

		price, state := prices.Lookup(symbol)
		if symbol == quoteAsset {
			price, state = decimal.NewFromInt(1), market.PriceKnown
		}

		if state == market.PriceUnknown {
			v.Unvalued++
		} else {
			pos.Price = price
			pos.Value = h.Quantity.Mul(price)
			pos.Valued = true
			v.Total = v.Total.Add(pos.Value)
		}
		v.Positions = append(v.Positions, pos)
	}

	if v.Total.IsPositive() {
		hundred := decimal.NewFromInt(100)
		for i := range v.Positions {
			if v.Positions[i].Valued {
				v.Positions[i].Share = v.Positions[i].Value.Mul(hundred).Div(v.Total).Round(2)
			}
		}
	}

	sort.SliceStable(v.Positions, func(i, j int) bool {
		a, b := v.Positions[i], v.Positions[j]
		if a.Valued != b.Valued {
			return a.Valued
		}
		if a.Valued {
			if c := a.Value.Cmp(b.Value); c != 0 {
				return c > 0
			}
		}
		return a.Symbol < b.Symbol
	})

	return v
}
