package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind 订单类型
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

func (k OrderKind) Valid() bool {
	return k == OrderKindMarket || k == OrderKindLimit
}

// User 当前登录用户
type User struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Holding 用户持有的某个资产
type Holding struct {
	Symbol   string          `json:"token_symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Trade 后端记录的成交
type Trade struct {
	TxnID       int64           `json:"txn_id"`
	Side        Side            `json:"trade_type"`
	OrderKind   OrderKind       `json:"order_type"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	TokenName   string          `json:"token_name"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total_amount"`
	Time        string          `json:"time"`
}

// Ticker24h 24小时行情统计
type Ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"last_price"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
}

// Candle K线
type Candle struct {
	OpenTime   time.Time       `json:"open_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int64           `json:"trade_count"`
}

// MarketTrade 交易所公开成交
type MarketTrade struct {
	ID       int64           `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
	Side     Side            `json:"side"`
}
