package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/tradedesk/internal/backend"
	"github.com/songzhibin97/tradedesk/internal/trading"
)

// Transactor is the part of *backend.Session the executor needs.
type Transactor interface {
	CreateTransaction(ctx context.Context, tx backend.Transaction) error
}

// BackendExecutor implements TradeExecutor over the trading backend session
type BackendExecutor struct {
	session Transactor
}

// NewBackendExecutor creates a new BackendExecutor instance
func NewBackendExecutor(session Transactor) *BackendExecutor {
	return &BackendExecutor{session: session}
}

// PlaceOrder implements order placement for the backend
func (e *BackendExecutor) PlaceOrder(ctx context.Context, order *trading.Order) error {
	if order == nil {
		return fmt.Errorf("nil order")
	}
	if !order.Side.Valid() {
		return fmt.Errorf("invalid side: %s", order.Side)
	}
	if !order.OrderKind.Valid() {
		return fmt.Errorf("unsupported order type: %s", order.OrderKind)
	}
	if !order.Quantity.IsPositive() || order.Price.IsNegative() {
		return fmt.Errorf("invalid order amount %s at price %s", order.Quantity, order.Price)
	}

	err := e.session.CreateTransaction(ctx, backend.Transaction{
		Symbol:         strings.ToUpper(order.Symbol),
		OrderKind:      order.OrderKind,
		Side:           order.Side,
		Price:          order.Price,
		Amount:         order.Quantity,
		Total:          order.Total,
		IdempotencyKey: order.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("failed to place order: %w", err)
	}
	return nil
}

var (
	_ trading.TradeExecutor = (*BackendExecutor)(nil)
	_ Transactor            = (*backend.Session)(nil)
)
