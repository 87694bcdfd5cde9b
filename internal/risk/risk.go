package risk

import "github.com/songzhibin97/tradedesk/internal/models"

// BasicRiskManager applies the balance rules in a fixed precedence:
// unknown price, zero amount, insufficient funds (buy), insufficient holdings (sell).
type BasicRiskManager struct{}

func NewBasicRiskManager() *BasicRiskManager {
	return &BasicRiskManager{}
}

func (rm *BasicRiskManager) CheckTradeRisk(check TradeCheck) Verdict {
	// 价格未知时不能用总额做任何判断
	if !check.PriceKnown {
		return UnknownPrice
	}

	total := check.Total()
	if !total.IsPositive() {
		return ZeroAmount
	}

	switch check.Side {
	case models.SideBuy:
		if total.GreaterThan(check.Cash) {
			return InsufficientFunds
		}
	case models.SideSell:
		if check.Quantity.GreaterThan(check.Held) {
			return InsufficientHoldings
		}
	}

	return Ok
}

var _ RiskManager = (*BasicRiskManager)(nil)
