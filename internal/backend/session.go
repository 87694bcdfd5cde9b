package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/models"
)

// Session is an authenticated handle passed explicitly to everything that
// needs the current user.
type Session struct {
	client *Client
	user   models.User
	closed atomic.Bool
}

func (s *Session) User() models.User {
	return s.user
}

func (s *Session) Logout(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	if err := s.client.do(ctx, http.MethodPost, "/logout", map[string]any{}, nil, nil); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	s.closed.Store(true)
	return nil
}

func (s *Session) call(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	if s.closed.Load() {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotLoggedIn)
	}
	return s.client.do(ctx, method, path, body, headers, out)
}

// Balance 获取现金余额
func (s *Session) Balance(ctx context.Context) (decimal.Decimal, error) {
	var payload struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	if err := s.call(ctx, http.MethodGet, "/balance", nil, nil, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	if payload.Balance == nil {
		return decimal.Zero, fmt.Errorf("balance missing from response")
	}
	if payload.Balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid balance: %s", payload.Balance)
	}
	return *payload.Balance, nil
}

// Holdings 获取持仓, duplicate symbols are summed
func (s *Session) Holdings(ctx context.Context) ([]models.Holding, error) {
	var payload struct {
		Result []models.Holding `json:"result"`
	}
	if err := s.call(ctx, http.MethodGet, "/get_tokens_qty", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}

	merged := make(map[string]decimal.Decimal, len(payload.Result))
	order := make([]string, 0, len(payload.Result))
	for _, h := range payload.Result {
		symbol := strings.ToUpper(strings.TrimSpace(h.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("invalid holding: empty symbol")
		}
		if h.Quantity.IsNegative() {
			return nil, fmt.Errorf("invalid holding %s: negative quantity %s", symbol, h.Quantity)
		}
		if _, ok := merged[symbol]; !ok {
			order = append(order, symbol)
		}
		merged[symbol] = merged[symbol].Add(h.Quantity)
	}

	holdings := make([]models.Holding, 0, len(order))
	for _, symbol := range order {
		holdings = append(holdings, models.Holding{Symbol: symbol, Quantity: merged[symbol]})
	}
	return holdings, nil
}

// Trades 获取成交历史, newest first
func (s *Session) Trades(ctx context.Context) ([]models.Trade, error) {
	var payload struct {
		Trades []models.Trade `json:"trades"`
	}
	if err := s.call(ctx, http.MethodGet, "/get_trades", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(payload.Trades))
	for _, t := range payload.Trades {
		t.Side = models.Side(strings.ToLower(string(t.Side)))
		if !t.Side.Valid() {
			return nil, fmt.Errorf("invalid trade %d: unknown trade type %q", t.TxnID, t.Side)
		}
		t.OrderKind = models.OrderKind(strings.ToLower(string(t.OrderKind)))
		if t.OrderKind != "" && !t.OrderKind.Valid() {
			return nil, fmt.Errorf("invalid trade %d: unknown order type %q", t.TxnID, t.OrderKind)
		}
		if t.TokenAmount.IsNegative() || t.Price.IsNegative() {
			return nil, fmt.Errorf("invalid trade %d: negative amount or price", t.TxnID)
		}
		t.TokenName = strings.ToUpper(strings.TrimSpace(t.TokenName))
		if t.Total.IsZero() {
			t.Total = t.TokenAmount.Mul(t.Price)
		}
		trades = append(trades, t)
	}

	// the backend lists oldest first
	slices.Reverse(trades)
	return trades, nil
}

// Transaction is the order payload accepted by /create-transaction.
type Transaction struct {
	Symbol         string
	OrderKind      models.OrderKind
	Side           models.Side
	Price          decimal.Decimal
	Amount         decimal.Decimal
	Total          decimal.Decimal
	IdempotencyKey string
}

type transactionData struct {
	Crypto    string      `json:"crypto"`
	OrderType string      `json:"orderType"`
	TradeType string      `json:"tradeType"`
	Price     json.Number `json:"price"`
	Amount    json.Number `json:"amount"`
	Total     json.Number `json:"total"`
}

// CreateTransaction submits an order. A refusal by the backend is reported as
// ErrRejected with the backend's message attached. The request is sent once:
// after a 5xx or a transport error the order may or may not exist.
func (s *Session) CreateTransaction(ctx context.Context, tx Transaction) error {
	body := map[string]transactionData{
		"data": {
			Crypto:    tx.Symbol,
			OrderType: string(tx.OrderKind),
			TradeType: string(tx.Side),
			Price:     json.Number(tx.Price.String()),
			Amount:    json.Number(tx.Amount.String()),
			Total:     json.Number(tx.Total.String()),
		},
	}

	var headers map[string]string
	if tx.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": tx.IdempotencyKey}
	}

	var result struct {
		Success *bool  `json:"success"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	err := s.call(ctx, http.MethodPost, "/create-transaction", body, headers, &result)

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrRejected, apiErr.Message)
	case err != nil:
		return fmt.Errorf("failed to create transaction: %w", err)
	case result.Success != nil && !*result.Success:
		msg := result.Msg
		if msg == "" {
			msg = result.Message
		}
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	s.client.logger.Debug("transaction created", "symbol", tx.Symbol, "side", tx.Side, "amount", tx.Amount.String(), "total", tx.Total.String())
	return nil
}
