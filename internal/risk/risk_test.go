package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/tradedesk/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBasicRiskManager_CheckTradeRisk(t *testing.T) {
	tests := []struct {
		name  string
		check TradeCheck
		want  Verdict
	}{
		{
			name:  "safe buy",
			check: TradeCheck{Side: models.SideBuy, Quantity: d("0.01"), Price: d("50000"), PriceKnown: true, Cash: d("1000")},
			want:  Ok,
		},
		{
			name:  "buy spending the whole balance",
			check: TradeCheck{Side: models.SideBuy, Quantity: d("0.02"), Price: d("50000"), PriceKnown: true, Cash: d("1000")},
			want:  Ok,
		},
		{
			name:  "insufficient funds",
			check: TradeCheck{Side: models.SideBuy, Quantity: d("0.01"), Price: d("50000"), PriceKnown: true, Cash: d("100")},
			want:  InsufficientFunds,
		},
		{
			name:  "insufficient holdings",
			check: TradeCheck{Side: models.SideSell, Quantity: d("3"), Price: d("3000"), PriceKnown: true, Held: d("2")},
			want:  InsufficientHoldings,
		},
		{
			name:  "sell ignores cash",
			check: TradeCheck{Side: models.SideSell, Quantity: d("2"), Price: d("3000"), PriceKnown: true, Held: d("2")},
			want:  Ok,
		},
		{
			name:  "zero quantity",
			check: TradeCheck{Side: models.SideBuy, Quantity: decimal.Zero, Price: d("50000"), PriceKnown: true, Cash: d("1000")},
			want:  ZeroAmount,
		},
		{
			name:  "zero price",
			check: TradeCheck{Side: models.SideBuy, Quantity: d("5"), Price: decimal.Zero, PriceKnown: true, Cash: d("1000")},
			want:  ZeroAmount,
		},
		{
			name:  "unknown price wins over zero quantity",
			check: TradeCheck{Side: models.SideBuy, Quantity: decimal.Zero},
			want:  UnknownPrice,
		},
		{
			name:  "unknown price wins over insufficient holdings",
			check: TradeCheck{Side: models.SideSell, Quantity: d("10"), Held: d("1")},
			want:  UnknownPrice,
		},
		{
			name:  "zero amount wins over insufficient holdings",
			check: TradeCheck{Side: models.SideSell, Quantity: decimal.Zero, Price: d("3000"), PriceKnown: true},
			want:  ZeroAmount,
		},
	}

	rm := NewBasicRiskManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rm.CheckTradeRisk(tt.check)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestVerdict_Message(t *testing.T) {
	assert.Empty(t, Ok.Message())
	for _, v := range []Verdict{UnknownPrice, ZeroAmount, InsufficientFunds, InsufficientHoldings} {
		assert.NotEmpty(t, v.Message(), v.String())
	}
	assert.Equal(t, "insufficient_funds", InsufficientFunds.String())
	assert.Equal(t, "invalid", Verdict(42).String())
}
