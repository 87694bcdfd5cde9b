package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/journal"
	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/models"
	"github.com/songzhibin97/tradedesk/internal/risk"
)

// DefaultCatalog is the set of tradable symbols when none is configured.
var DefaultCatalog = []string{"BTC", "ETH", "BNB", "DOGE", "SOL", "XRP", "TRX", "ADA", "POL", "SUI"}

const DefaultNoticeTTL = 3 * time.Second

// State 订单草稿所处阶段. Rejected and Settled last until the next edit.
type State int

const (
	StateEditing State = iota
	StateValidating
	StateSubmitting
	StateSettled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateSubmitting:
		return "submitting"
	case StateSettled:
		return "settled"
	case StateRejected:
		return "rejected"
	default:
		return "editing"
	}
}

type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient user-facing message.
type Notice struct {
	Level     NoticeLevel
	Text      string
	ExpiresAt time.Time
}

// OrderDraft 正在编辑的订单
type OrderDraft struct {
	Symbol         string
	Side           models.Side
	OrderKind      models.OrderKind
	LimitPrice     decimal.Decimal
	LimitPriceText string
	Quantity       decimal.Decimal
	QuantityText   string
	SizingPercent  int
}

// Builder owns one OrderDraft and turns it into a validated order.
type Builder struct {
	prices   PriceSource
	funds    Funds
	executor TradeExecutor
	logger   Logger

	risk     risk.RiskManager
	notifier CompletionNotifier
	recorder Recorder
	catalog  []string
	ttl      time.Duration
	now      func() time.Time
	userID   int64

	mu       sync.Mutex
	draft    OrderDraft
	state    State
	verdict  risk.Verdict
	notice   *Notice
	inFlight bool
}

type Option func(*Builder)

// WithCatalog restricts SetSymbol to the given symbols. The first one is the
// initial selection.
func WithCatalog(symbols ...string) Option {
	return func(b *Builder) {
		catalog := make([]string, 0, len(symbols))
		for _, s := range symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" && !contains(catalog, s) {
				catalog = append(catalog, s)
			}
		}
		if len(catalog) > 0 {
			b.catalog = catalog
		}
	}
}

func WithRiskManager(rm risk.RiskManager) Option {
	return func(b *Builder) { b.risk = rm }
}

func WithNotifier(n CompletionNotifier) Option {
	return func(b *Builder) { b.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(b *Builder) { b.recorder = r }
}

func WithNoticeTTL(ttl time.Duration) Option {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithUserID tags journal entries with the logged-in user.
func WithUserID(id int64) Option {
	return func(b *Builder) { b.userID = id }
}

func NewBuilder(prices PriceSource, funds Funds, executor TradeExecutor, logger Logger, opts ...Option) *Builder {
	b := &Builder{
		prices:   prices,
		funds:    funds,
		executor: executor,
		logger:   logger,
		risk:     risk.NewBasicRiskManager(),
		catalog:  DefaultCatalog,
		ttl:      DefaultNoticeTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.draft = OrderDraft{
		Symbol:    b.catalog[0],
		Side:      models.SideBuy,
		OrderKind: models.OrderKindMarket,
	}
	return b
}

// Catalog returns the tradable symbols.
func (b *Builder) Catalog() []string {
	return append([]string(nil), b.catalog...)
}

// Draft returns a copy of the current draft.
func (b *Builder) Draft() OrderDraft {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draft
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastVerdict is the result of the most recent Validate or Submit.
func (b *Builder) LastVerdict() risk.Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verdict
}

// Submitting reports whether a submission is outstanding, i.e. the submit
// control should be disabled.
func (b *Builder) Submitting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Notice returns the current message until it expires.
func (b *Builder) Notice() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notice == nil || !b.now().Before(b.notice.ExpiresAt) {
		b.notice = nil
		return Notice{}, false
	}
	return *b.notice, true
}

// SetSymbol selects another asset and resets quantity and sizing percent,
// even when the symbol is unchanged.
func (b *Builder) SetSymbol(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !contains(b.catalog, symbol) {
		return fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.Symbol = symbol
	b.resetSizingLocked()
	return nil
}

// SetSide switches buy/sell. The quantity is kept; the sizing percent is
// cleared because it referred to the other side's balance.
func (b *Builder) SetSide(side models.Side) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.Side = side
	b.draft.SizingPercent = 0
	return nil
}

func (b *Builder) SetOrderKind(kind models.OrderKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrderKind, kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.OrderKind = kind
	return nil
}

// SetLimitPriceFromText parses the limit price with the same rules as
// quantities. Invalid text leaves the draft unchanged.
func (b *Builder) SetLimitPriceFromText(text string) error {
	price, err := ParseAmount(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.LimitPrice = price
	b.draft.LimitPriceText = text
	return nil
}

// SetQuantityFromText parses free text into the quantity. Invalid text leaves
// the draft unchanged. The sizing percent is re-derived from the new quantity.
func (b *Builder) SetQuantityFromText(text string) error {
	quantity, err := ParseAmount(text)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.Quantity = quantity
	b.draft.QuantityText = text
	b.draft.SizingPercent = b.percentForLocked(quantity)
	return nil
}

// SetQuantityFromPercent sizes the order as a share of the cash balance (buy)
// or of the held quantity (sell). A buy without a usable price yields a zero
// quantity and ErrPriceUnavailable.
func (b *Builder) SetQuantityFromPercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %d", ErrPercentOutOfRange, percent)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.editLocked(); err != nil {
		return err
	}
	b.draft.SizingPercent = percent
	share := decimal.NewFromInt(int64(percent)).Div(decimal.NewFromInt(100))

	var quantity decimal.Decimal
	switch b.draft.Side {
	case models.SideBuy:
		price, state := b.effectivePriceLocked()
		if state != market.PriceKnown {
			b.draft.Quantity = decimal.Zero
			b.draft.QuantityText = ""
			return fmt.Errorf("%w: %s price is %s", ErrPriceUnavailable, b.draft.Symbol, state)
		}
		quantity = b.funds.Cash().Mul(share).Div(price)
	case models.SideSell:
		quantity = b.funds.Held(b.draft.Symbol).Mul(share)
	}

	quantity = quantity.Truncate(quantityPlaces)
	b.draft.Quantity = quantity
	b.draft.QuantityText = quantity.String()
	return nil
}

// EffectivePrice is the limit price for limit orders and the synchronized
// market price otherwise. A limit order without a positive limit price is
// treated as unknown.
func (b *Builder) EffectivePrice() (decimal.Decimal, market.PriceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectivePriceLocked()
}

// ComputeTotal returns quantity x effective price, and false when the price is unknown.
func (b *Builder) ComputeTotal() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, state := b.effectivePriceLocked()
	if state == market.PriceUnknown {
		return decimal.Zero, false
	}
	return b.draft.Quantity.Mul(price), true
}

func (b *Builder) Validate() risk.Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.verdict = b.validateLocked()
	return b.verdict
}

// Submit validates the draft and, when it passes, places the order. Only one
// submission may be outstanding; a second call, or any draft edit, returns
// ErrSubmissionInFlight until it completes.
// On success the sizing fields are cleared and the notifier is told once. On
// failure the draft is left untouched.
func (b *Builder) Submit(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight {
		b.mu.Unlock()
		return ErrSubmissionInFlight
	}

	b.state = StateValidating
	verdict := b.validateLocked()
	b.verdict = verdict
	if verdict != risk.Ok {
		b.state = StateRejected
		b.setNoticeLocked(NoticeError, verdict.Message())
		b.logger.Debug("order rejected", "symbol", b.draft.Symbol, "verdict", verdict.String())
		b.mu.Unlock()
		return &RejectedError{Verdict: verdict}
	}

	price, _ := b.effectivePriceLocked()
	order := &Order{
		Symbol:         b.draft.Symbol,
		Side:           b.draft.Side,
		OrderKind:      b.draft.OrderKind,
		Price:          price,
		Quantity:       b.draft.Quantity,
		Total:          b.draft.Quantity.Mul(price),
		IdempotencyKey: uuid.NewString(),
	}
	b.inFlight = true
	b.state = StateSubmitting
	b.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = b.executor.PlaceOrder(ctx, order)
	}
	b.record(order, err)

	b.mu.Lock()
	b.inFlight = false
	if err != nil {
		b.state = StateEditing
		b.setNoticeLocked(NoticeError, failureText(err))
		b.mu.Unlock()
		b.logger.Error("failed to place order", "symbol", order.Symbol, "side", order.Side, "key", order.IdempotencyKey, "error", err)
		return fmt.Errorf("failed to place order: %w", err)
	}

	b.state = StateSettled
	b.resetSizingLocked()
	b.setNoticeLocked(NoticeSuccess, fmt.Sprintf("Order placed: %s %s %s", order.Side, order.Quantity, order.Symbol))
	b.mu.Unlock()

	b.logger.Info("order placed", "symbol", order.Symbol, "side", order.Side, "kind", order.OrderKind,
		"quantity", order.Quantity.String(), "total", order.Total.String(), "key", order.IdempotencyKey)

	if b.notifier != nil {
		b.notifier.Publish()
	}
	return nil
}

func (b *Builder) record(order *Order, err error) {
	if b.recorder == nil {
		return
	}

	entry := &journal.Entry{
		IdempotencyKey: order.IdempotencyKey,
		UserID:         b.userID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		OrderKind:      order.OrderKind,
		Price:          order.Price,
		Quantity:       order.Quantity,
		Total:          order.Total,
		Outcome:        journal.OutcomeSettled,
	}
	if err != nil {
		entry.Outcome = journal.OutcomeFailed
		entry.Error = err.Error()
	}

	// the submission's own context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := b.recorder.Record(ctx, entry); rerr != nil {
		b.logger.Error("failed to journal order", "key", order.IdempotencyKey, "error", rerr)
	}
}

func (b *Builder) validateLocked() risk.Verdict {
	price, state := b.effectivePriceLocked()
	return b.risk.CheckTradeRisk(risk.TradeCheck{
		Side:       b.draft.Side,
		Quantity:   b.draft.Quantity,
		Price:      price,
		PriceKnown: state != market.PriceUnknown,
		Cash:       b.funds.Cash(),
		Held:       b.funds.Held(b.draft.Symbol),
	})
}

func (b *Builder) effectivePriceLocked() (decimal.Decimal, market.PriceState) {
	if b.draft.OrderKind == models.OrderKindLimit {
		if !b.draft.LimitPrice.IsPositive() {
			return decimal.Zero, market.PriceUnknown
		}
		return b.draft.LimitPrice, market.PriceKnown
	}
	return b.prices.Prices().Lookup(b.draft.Symbol)
}

// percentForLocked maps a typed quantity back onto the 0-100 sizing scale.
func (b *Builder) percentForLocked(quantity decimal.Decimal) int {
	var base decimal.Decimal
	switch b.draft.Side {
	case models.SideBuy:
		price, state := b.effectivePriceLocked()
		cash := b.funds.Cash()
		if state != market.PriceKnown || !cash.IsPositive() {
			return 0
		}
		base = cash.Div(price)
	case models.SideSell:
		base = b.funds.Held(b.draft.Symbol)
	}
	if !base.IsPositive() {
		return 0
	}

	pct := quantity.Mul(decimal.NewFromInt(100)).Div(base).Round(0).IntPart()
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return int(pct)
	}
}

// editLocked moves a finished draft back to editing. The draft is frozen
// while a submission is outstanding.
func (b *Builder) editLocked() error {
	if b.inFlight {
		return ErrSubmissionInFlight
	}
	b.state = StateEditing
	return nil
}

func (b *Builder) resetSizingLocked() {
	b.draft.Quantity = decimal.Zero
	b.draft.QuantityText = ""
	b.draft.SizingPercent = 0
}

func (b *Builder) setNoticeLocked(level NoticeLevel, text string) {
	b.notice = &Notice{Level: level, Text: text, ExpiresAt: b.now().Add(b.ttl)}
}

func failureText(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Order was cancelled"
	}
	return fmt.Sprintf("Order failed: %v", err)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
