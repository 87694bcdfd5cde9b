package trading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/tradedesk/internal/account"
	"github.com/songzhibin97/tradedesk/internal/journal"
	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/models"
	"github.com/songzhibin97/tradedesk/internal/risk"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticPrices struct {
	pm market.PriceMap
}

func (s staticPrices) Prices() market.PriceMap { return s.pm }

func pricesOf(kv map[string]string) staticPrices {
	m := make(map[string]decimal.Decimal, len(kv))
	for k, v := range kv {
		m[k] = decimal.RequireFromString(v)
	}
	return staticPrices{pm: market.NewPriceMap(m)}
}

type staticFunds struct {
	cash decimal.Decimal
	held map[string]decimal.Decimal
}

func (f staticFunds) Cash() decimal.Decimal { return f.cash }

func (f staticFunds) Held(symbol string) decimal.Decimal { return f.held[symbol] }

func fundsOf(cash string, held map[string]string) staticFunds {
	f := staticFunds{cash: decimal.RequireFromString(cash), held: map[string]decimal.Decimal{}}
	for k, v := range held {
		f.held[k] = decimal.RequireFromString(v)
	}
	return f
}

type fakeExecutor struct {
	mu     sync.Mutex
	orders []Order
	err    error
	block  chan struct{}
	calls  atomic.Int32
}

func (e *fakeExecutor) PlaceOrder(ctx context.Context, order *Order) error {
	e.calls.Add(1)
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = append(e.orders, *order)
	return e.err
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestBuilder(prices PriceSource, funds Funds, exec TradeExecutor, opts ...Option) *Builder {
	return NewBuilder(prices, funds, exec, testLogger, opts...)
}

func TestParseAmount(t *testing.T) {
	valid := map[string]string{
		"":        "0",
		"0":       "0",
		"12":      "12",
		"0.01":    "0.01",
		"5.":      "5",
		".5":      "0.5",
		"007.250": "7.25",
	}
	for text, want := range valid {
		t.Run("valid "+text, func(t *testing.T) {
			got, err := ParseAmount(text)
			require.NoError(t, err)
			assert.True(t, d(want).Equal(got), "got %s", got)
		})
	}

	for _, text := range []string{"-1", "+1", "1e5", "1E5", "1.2.3", "..", ".", " 1", "abc", "1,5", "NaN"} {
		t.Run("invalid "+text, func(t *testing.T) {
			_, err := ParseAmount(text)
			assert.ErrorIs(t, err, ErrInvalidQuantity)
		})
	}
}

func TestBuilder_InitialDraft(t *testing.T) {
	b := newTestBuilder(pricesOf(nil), fundsOf("0", nil), &fakeExecutor{})

	draft := b.Draft()
	assert.Equal(t, "BTC", draft.Symbol)
	assert.Equal(t, models.SideBuy, draft.Side)
	assert.Equal(t, models.OrderKindMarket, draft.OrderKind)
	assert.True(t, draft.Quantity.IsZero())
	assert.Equal(t, 0, draft.SizingPercent)
	assert.Equal(t, StateEditing, b.State())
}

func TestBuilder_SetQuantityFromText(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), &fakeExecutor{})

	require.NoError(t, b.SetQuantityFromText("0.01"))
	assert.True(t, d("0.01").Equal(b.Draft().Quantity))
	assert.Equal(t, 50, b.Draft().SizingPercent, "0.01 BTC is half of what 1000 buys")

	for _, bad := range []string{"-0.5", "+2", "1e3", "0.01.5"} {
		assert.Error(t, b.SetQuantityFromText(bad))
		assert.True(t, d("0.01").Equal(b.Draft().Quantity), "rejected input %q must not change the quantity", bad)
		assert.Equal(t, "0.01", b.Draft().QuantityText)
	}

	require.NoError(t, b.SetQuantityFromText(""))
	assert.True(t, b.Draft().Quantity.IsZero())
	assert.Equal(t, "", b.Draft().QuantityText)
}

func TestBuilder_PercentSizingBuy(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "7"}), fundsOf("1000", nil), &fakeExecutor{})
	tolerance := d("0.000001")

	for percent := 0; percent <= 100; percent++ {
		require.NoError(t, b.SetQuantityFromPercent(percent))
		draft := b.Draft()
		assert.Equal(t, percent, draft.SizingPercent)

		spent := draft.Quantity.Mul(d("7"))
		want := d("1000").Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100))
		assert.True(t, want.Sub(spent).Abs().LessThanOrEqual(tolerance), "percent %d: spent %s want %s", percent, spent, want)
		assert.True(t, spent.LessThanOrEqual(want), "percent sizing never overspends")
	}
}

func TestBuilder_PercentSizingSell(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"ETH": "3000"}), fundsOf("0", map[string]string{"ETH": "2"}), &fakeExecutor{})
	require.NoError(t, b.SetSymbol("ETH"))
	require.NoError(t, b.SetSide(models.SideSell))

	for percent := 0; percent <= 100; percent++ {
		require.NoError(t, b.SetQuantityFromPercent(percent))
		want := d("2").Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100))
		assert.True(t, want.Equal(b.Draft().Quantity), "percent %d", percent)
	}
}

func TestBuilder_PercentOutOfRange(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), &fakeExecutor{})
	require.NoError(t, b.SetQuantityFromPercent(25))

	assert.ErrorIs(t, b.SetQuantityFromPercent(101), ErrPercentOutOfRange)
	assert.ErrorIs(t, b.SetQuantityFromPercent(-1), ErrPercentOutOfRange)
	assert.Equal(t, 25, b.Draft().SizingPercent)
}

func TestBuilder_PercentWithoutPrice(t *testing.T) {
	tests := []struct {
		name   string
		prices staticPrices
	}{
		{name: "unknown", prices: pricesOf(nil)},
		{name: "zero", prices: pricesOf(map[string]string{"BTC": "0"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(tt.prices, fundsOf("1000", nil), &fakeExecutor{})
			require.NoError(t, b.SetQuantityFromText("3"))

			err := b.SetQuantityFromPercent(50)
			assert.ErrorIs(t, err, ErrPriceUnavailable)
			assert.True(t, b.Draft().Quantity.IsZero())
		})
	}
}

func TestBuilder_SetSymbolResets(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000", "ETH": "3000"}), fundsOf("1000", nil), &fakeExecutor{})
	require.NoError(t, b.SetQuantityFromPercent(40))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.SetSymbol("eth"))
		draft := b.Draft()
		assert.Equal(t, "ETH", draft.Symbol)
		assert.True(t, draft.Quantity.IsZero())
		assert.Equal(t, 0, draft.SizingPercent)
	}

	assert.ErrorIs(t, b.SetSymbol("XYZ"), ErrUnsupportedSymbol)
	assert.Equal(t, "ETH", b.Draft().Symbol)
}

func TestBuilder_SetSideKeepsQuantity(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), &fakeExecutor{})
	require.NoError(t, b.SetQuantityFromPercent(50))

	require.NoError(t, b.SetSide(models.SideSell))
	draft := b.Draft()
	assert.True(t, d("0.01").Equal(draft.Quantity))
	assert.Equal(t, 0, draft.SizingPercent)

	assert.ErrorIs(t, b.SetSide("hold"), ErrInvalidSide)
	assert.ErrorIs(t, b.SetOrderKind("stop"), ErrInvalidOrderKind)
}

func TestBuilder_ComputeTotal(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000", "DOGE": "0"}), fundsOf("1000", nil), &fakeExecutor{}, WithCatalog("BTC", "DOGE", "XYZ"))
	require.NoError(t, b.SetQuantityFromText("0.5"))

	total, ok := b.ComputeTotal()
	assert.True(t, ok)
	assert.True(t, d("25000").Equal(total))

	require.NoError(t, b.SetSymbol("DOGE"))
	require.NoError(t, b.SetQuantityFromText("10"))
	total, ok = b.ComputeTotal()
	assert.True(t, ok, "a listed zero price is known")
	assert.True(t, total.IsZero())
	assert.Equal(t, risk.ZeroAmount, b.Validate())

	require.NoError(t, b.SetSymbol("XYZ"))
	_, ok = b.ComputeTotal()
	assert.False(t, ok)
}

func TestBuilder_LimitOrdersUseLimitPrice(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), &fakeExecutor{})
	require.NoError(t, b.SetOrderKind(models.OrderKindLimit))
	require.NoError(t, b.SetQuantityFromText("0.02"))

	assert.Equal(t, risk.UnknownPrice, b.Validate(), "limit order without a limit price")

	assert.Error(t, b.SetLimitPriceFromText("-48000"))
	require.NoError(t, b.SetLimitPriceFromText("48000"))

	price, state := b.EffectivePrice()
	assert.Equal(t, market.PriceKnown, state)
	assert.True(t, d("48000").Equal(price))

	total, ok := b.ComputeTotal()
	require.True(t, ok)
	assert.True(t, d("960").Equal(total))
	assert.Equal(t, risk.Ok, b.Validate(), "priced at the limit, not at market")

	require.NoError(t, b.SetOrderKind(models.OrderKindMarket))
	assert.Equal(t, risk.Ok, b.Validate())
	require.NoError(t, b.SetQuantityFromText("0.021"))
	assert.Equal(t, risk.InsufficientFunds, b.Validate())
}

func TestBuilder_UnknownPriceWinsPrecedence(t *testing.T) {
	b := newTestBuilder(pricesOf(nil), fundsOf("0", nil), &fakeExecutor{})

	assert.Equal(t, risk.UnknownPrice, b.Validate(), "even with quantity 0")
	require.NoError(t, b.SetQuantityFromText("1000"))
	assert.Equal(t, risk.UnknownPrice, b.Validate())
	require.NoError(t, b.SetSide(models.SideSell))
	assert.Equal(t, risk.UnknownPrice, b.Validate())
}

func TestSubmit_BuyHalfTheBalance(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), &fakeExecutor{})

	require.NoError(t, b.SetQuantityFromPercent(50))
	assert.True(t, d("0.01").Equal(b.Draft().Quantity))

	total, ok := b.ComputeTotal()
	require.True(t, ok)
	assert.True(t, d("500").Equal(total))
	assert.Equal(t, risk.Ok, b.Validate())
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("100", nil), &fakeExecutor{})

	require.NoError(t, b.SetQuantityFromText("0.01"))
	total, ok := b.ComputeTotal()
	require.True(t, ok)
	assert.True(t, d("500").Equal(total))
	assert.Equal(t, risk.InsufficientFunds, b.Validate())
}

func TestSubmit_InsufficientHoldings(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"ETH": "3000"}), fundsOf("0", map[string]string{"ETH": "2"}), &fakeExecutor{})

	require.NoError(t, b.SetSymbol("ETH"))
	require.NoError(t, b.SetSide(models.SideSell))
	require.NoError(t, b.SetQuantityFromText("3"))
	assert.Equal(t, risk.InsufficientHoldings, b.Validate())
}

func TestSubmit_UnknownSymbolPrice(t *testing.T) {
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000000", nil), &fakeExecutor{}, WithCatalog("BTC", "XYZ"))

	require.NoError(t, b.SetSymbol("XYZ"))
	for _, q := range []string{"", "0", "1", "123.45"} {
		require.NoError(t, b.SetQuantityFromText(q))
		assert.Equal(t, risk.UnknownPrice, b.Validate(), "quantity %q", q)
	}
}

func TestSubmit_SuccessfulSubmitRefreshesOnce(t *testing.T) {
	bus := account.NewRefreshBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readers := []<-chan struct{}{bus.Subscribe(ctx), bus.Subscribe(ctx), bus.Subscribe(ctx)}

	exec := &fakeExecutor{}
	rec := journal.NewMemoryJournal()
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), exec,
		WithNotifier(bus), WithRecorder(rec), WithUserID(7))

	require.NoError(t, b.SetQuantityFromPercent(50))
	require.NoError(t, b.Submit(context.Background()))

	draft := b.Draft()
	assert.True(t, draft.Quantity.IsZero())
	assert.Equal(t, "", draft.QuantityText)
	assert.Equal(t, 0, draft.SizingPercent)
	assert.Equal(t, StateSettled, b.State())

	for i, ch := range readers {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("reader %d got no refresh signal", i)
		}
		select {
		case <-ch:
			t.Fatalf("reader %d got a second refresh signal", i)
		default:
		}
	}

	require.Len(t, exec.orders, 1)
	order := exec.orders[0]
	assert.Equal(t, "BTC", order.Symbol)
	assert.True(t, d("0.01").Equal(order.Quantity))
	assert.True(t, d("50000").Equal(order.Price))
	assert.True(t, d("500").Equal(order.Total))
	assert.NotEmpty(t, order.IdempotencyKey)

	entries, err := rec.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.OutcomeSettled, entries[0].Outcome)
	assert.Equal(t, order.IdempotencyKey, entries[0].IdempotencyKey)
	assert.Equal(t, int64(7), entries[0].UserID)

	notice, ok := b.Notice()
	require.True(t, ok)
	assert.Equal(t, NoticeSuccess, notice.Level)

	require.NoError(t, b.SetQuantityFromText("0.001"))
	assert.Equal(t, StateEditing, b.State())
}

func TestBuilder_RejectedSubmitStaysLocal(t *testing.T) {
	exec := &fakeExecutor{}
	notified := 0
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("100", nil), exec,
		WithNotifier(notifierFunc(func() int { notified++; return 0 })))

	require.NoError(t, b.SetQuantityFromText("0.01"))
	err := b.Submit(context.Background())

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, risk.InsufficientFunds, rejected.Verdict)
	assert.Equal(t, StateRejected, b.State())
	assert.Equal(t, risk.InsufficientFunds, b.LastVerdict())
	assert.Zero(t, exec.calls.Load())
	assert.Zero(t, notified)

	notice, ok := b.Notice()
	require.True(t, ok)
	assert.Equal(t, NoticeError, notice.Level)
	assert.Equal(t, risk.InsufficientFunds.Message(), notice.Text)
	assert.True(t, d("0.01").Equal(b.Draft().Quantity))
}

type notifierFunc func() int

func (f notifierFunc) Publish() int { return f() }

func TestBuilder_FailedSubmitPreservesDraft(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("transaction rejected: Market closed")}
	rec := journal.NewMemoryJournal()
	notified := 0
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), exec,
		WithRecorder(rec), WithNotifier(notifierFunc(func() int { notified++; return 0 })))

	require.NoError(t, b.SetQuantityFromPercent(50))
	before := b.Draft()

	err := b.Submit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.err)

	after := b.Draft()
	assert.True(t, before.Quantity.Equal(after.Quantity))
	assert.Equal(t, before.SizingPercent, after.SizingPercent)
	assert.Equal(t, StateEditing, b.State())
	assert.Zero(t, notified)

	notice, ok := b.Notice()
	require.True(t, ok)
	assert.Equal(t, NoticeError, notice.Level)
	assert.Contains(t, notice.Text, "Market closed")

	entries, err := rec.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.OutcomeFailed, entries[0].Outcome)
	assert.Contains(t, entries[0].Error, "Market closed")

	// the user may retry the same draft
	exec.err = nil
	require.NoError(t, b.Submit(context.Background()))
	assert.Equal(t, 1, notified)
}

func TestBuilder_DoubleSubmitIsIgnored(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), exec)
	require.NoError(t, b.SetQuantityFromPercent(10))

	first := make(chan error, 1)
	go func() { first <- b.Submit(context.Background()) }()

	require.Eventually(t, b.Submitting, time.Second, time.Millisecond)
	assert.Equal(t, StateSubmitting, b.State())
	assert.ErrorIs(t, b.Submit(context.Background()), ErrSubmissionInFlight)

	close(exec.block)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first submission did not finish")
	}

	assert.Equal(t, int32(1), exec.calls.Load())
	assert.False(t, b.Submitting())
}

func TestBuilder_DraftFrozenWhileSubmitting(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000", "ETH": "2500"}), fundsOf("1000", map[string]string{"BTC": "1"}), exec)
	require.NoError(t, b.SetQuantityFromText("0.01"))

	first := make(chan error, 1)
	go func() { first <- b.Submit(context.Background()) }()
	require.Eventually(t, b.Submitting, time.Second, time.Millisecond)

	edits := map[string]func() error{
		"symbol":  func() error { return b.SetSymbol("ETH") },
		"side":    func() error { return b.SetSide(models.SideSell) },
		"kind":    func() error { return b.SetOrderKind(models.OrderKindLimit) },
		"limit":   func() error { return b.SetLimitPriceFromText("100") },
		"text":    func() error { return b.SetQuantityFromText("0.02") },
		"percent": func() error { return b.SetQuantityFromPercent(50) },
	}
	for name, edit := range edits {
		assert.ErrorIs(t, edit(), ErrSubmissionInFlight, name)
	}
	draft := b.Draft()
	assert.Equal(t, "BTC", draft.Symbol)
	assert.Equal(t, models.SideBuy, draft.Side)
	assert.Equal(t, "0.01", draft.QuantityText)

	close(exec.block)
	require.NoError(t, <-first)
	require.Len(t, exec.orders, 1)
	assert.True(t, d("0.01").Equal(exec.orders[0].Quantity))

	// editing works again once the submission settled
	require.NoError(t, b.SetQuantityFromText("0.02"))
	assert.Equal(t, StateEditing, b.State())
}

func TestBuilder_SubmitHonoursCancellation(t *testing.T) {
	exec := &fakeExecutor{}
	b := newTestBuilder(pricesOf(map[string]string{"BTC": "50000"}), fundsOf("1000", nil), exec)
	require.NoError(t, b.SetQuantityFromPercent(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Submit(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, exec.calls.Load())
	assert.False(t, b.Draft().Quantity.IsZero())

	notice, ok := b.Notice()
	require.True(t, ok)
	assert.Equal(t, "Order was cancelled", notice.Text)
}

func TestBuilder_NoticeExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	b := newTestBuilder(pricesOf(nil), fundsOf("0", nil), &fakeExecutor{}, WithClock(clock), WithNoticeTTL(3*time.Second))
	_ = b.Submit(context.Background())

	_, ok := b.Notice()
	assert.True(t, ok)

	now = now.Add(2999 * time.Millisecond)
	_, ok = b.Notice()
	assert.True(t, ok)

	now = now.Add(time.Millisecond)
	_, ok = b.Notice()
	assert.False(t, ok)
}
