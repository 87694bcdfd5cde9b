package risk

import (
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/models"
)

// Verdict 下单前校验结果
type Verdict int

const (
	Ok Verdict = iota
	UnknownPrice
	ZeroAmount
	InsufficientFunds
	InsufficientHoldings
)

func (v Verdict) String() string {
	switch v {
	case Ok:
		return "ok"
	case UnknownPrice:
		return "unknown_price"
	case ZeroAmount:
		return "zero_amount"
	case InsufficientFunds:
		return "insufficient_funds"
	case InsufficientHoldings:
		return "insufficient_holdings"
	default:
		return "invalid"
	}
}

// Message is the text shown to the user for a rejected order.
func (v Verdict) Message() string {
	switch v {
	case Ok:
		return ""
	case UnknownPrice:
		return "Price is not available for this asset yet, please wait for the next update"
	case ZeroAmount:
		return "Please enter an amount greater than zero"
	case InsufficientFunds:
		return "Insufficient balance for this order"
	case InsufficientHoldings:
		return "You do not hold enough of this asset"
	default:
		return "Order is invalid"
	}
}

// TradeCheck 校验所需的订单与账户信息
type TradeCheck struct {
	Side       models.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal // effective price: limit price or market price
	PriceKnown bool
	Cash       decimal.Decimal
	Held       decimal.Decimal // held quantity of the order's symbol
}

// Total is Quantity x Price, meaningful only when PriceKnown.
func (c TradeCheck) Total() decimal.Decimal {
	return c.Quantity.Mul(c.Price)
}

// RiskManager evaluates a draft before it may be submitted.
type RiskManager interface {
	CheckTradeRisk(check TradeCheck) Verdict
}
