package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/journal"
	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/models"
	"github.com/songzhibin97/tradedesk/internal/risk"
)

var (
	ErrUnsupportedSymbol  = errors.New("unsupported symbol")
	ErrInvalidSide        = errors.New("invalid side")
	ErrInvalidOrderKind   = errors.New("invalid order kind")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrPercentOutOfRange  = errors.New("percent out of range")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrSubmissionInFlight = errors.New("submission already in flight")
)

// RejectedError is returned by Submit when the draft fails validation.
type RejectedError struct {
	Verdict risk.Verdict
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Verdict)
}

// TradeExecutor hands a validated order to the trading backend
type TradeExecutor interface {
	// PlaceOrder places a new order
	PlaceOrder(ctx context.Context, order *Order) error
}

// PriceSource yields the latest price snapshot, satisfied by *market.Synchronizer.
type PriceSource interface {
	Prices() market.PriceMap
}

// Funds is the read-only account view, satisfied by *account.Service.
type Funds interface {
	Cash() decimal.Decimal
	Held(symbol string) decimal.Decimal
}

// CompletionNotifier is told once per settled order, satisfied by *account.RefreshBus.
type CompletionNotifier interface {
	Publish() int
}

// Recorder keeps an audit trail of submissions, satisfied by journal.Journal.
type Recorder interface {
	Record(ctx context.Context, entry *journal.Entry) error
}

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Order 订单结构
type Order struct {
	Symbol         string           // 资产代码, e.g. BTC
	Side           models.Side      // buy 或 sell
	OrderKind      models.OrderKind // market 或 limit
	Price          decimal.Decimal  // 成交参考价: 限价单为限价, 市价单为当前价格
	Quantity       decimal.Decimal  // 数量
	Total          decimal.Decimal  // Quantity x Price
	IdempotencyKey string           // 重试时保持不变
}
