package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/tradedesk/internal/backend"
	"github.com/songzhibin97/tradedesk/internal/models"
)

// Source 账户数据来源, satisfied by *backend.Session
type Source interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
	Trades(ctx context.Context) ([]models.Trade, error)
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("account service already running")

type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type holdingsSnapshot struct {
	list     []models.Holding
	bySymbol map[string]decimal.Decimal
}

// Service caches the user's cash balance, holdings and trade history. Each is
// an immutable snapshot replaced as a whole, so readers never observe a
// partially applied refresh.
type Service struct {
	src          Source
	bus          *RefreshBus
	pollInterval time.Duration
	logger       Logger

	balance  atomic.Pointer[decimal.Decimal]
	holdings atomic.Pointer[holdingsSnapshot]
	trades   atomic.Pointer[[]models.Trade]

	started atomic.Bool
	ready   chan struct{}
}

// NewService creates the cache. pollInterval > 0 additionally refreshes the
// balance and holdings on a timer.
func NewService(src Source, bus *RefreshBus, pollInterval time.Duration, logger Logger) *Service {
	return &Service{
		src:          src,
		bus:          bus,
		pollInterval: pollInterval,
		logger:       logger,
		ready:        make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed its consumers to the bus.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Run loads everything once, then refreshes on every bus signal until ctx is
// done. Refresh failures are logged and keep the previous snapshot.
// A Service runs at most once.
func (s *Service) Run(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyRunning
	}

	g, ctx := errgroup.WithContext(ctx)

	consumers := []struct {
		name    string
		refresh func(context.Context) error
		signal  <-chan struct{}
	}{
		{name: "balance", refresh: s.RefreshBalance, signal: s.bus.Subscribe(ctx)},
		{name: "holdings", refresh: s.RefreshHoldings, signal: s.bus.Subscribe(ctx)},
		{name: "trades", refresh: s.RefreshTrades, signal: s.bus.Subscribe(ctx)},
	}
	close(s.ready)

	for _, c := range consumers {
		g.Go(func() error {
			s.refresh(ctx, c.name, c.refresh)
			for range c.signal {
				s.refresh(ctx, c.name, c.refresh)
			}
			return nil
		})
	}

	if s.pollInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.pollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.refresh(ctx, "balance", s.RefreshBalance)
					s.refresh(ctx, "holdings", s.RefreshHoldings)
				}
			}
		})
	}

	return g.Wait()
}

func (s *Service) refresh(ctx context.Context, name string, fn func(context.Context) error) {
	err := fn(ctx)
	switch {
	case err == nil:
		s.logger.Debug("account refreshed", "part", name)
	case ctx.Err() != nil:
	case errors.Is(err, backend.ErrNotLoggedIn):
		s.logger.Warn("account refresh needs a new login", "part", name, "error", err)
	default:
		s.logger.Error("failed to refresh account", "part", name, "error", err)
	}
}

func (s *Service) RefreshBalance(ctx context.Context) error {
	balance, err := s.src.Balance(ctx)
	if err != nil {
		return err
	}
	s.balance.Store(&balance)
	return nil
}

func (s *Service) RefreshHoldings(ctx context.Context) error {
	list, err := s.src.Holdings(ctx)
	if err != nil {
		return err
	}

	snap := &holdingsSnapshot{
		list:     make([]models.Holding, 0, len(list)),
		bySymbol: make(map[string]decimal.Decimal, len(list)),
	}
	for _, h := range list {
		if h.Quantity.IsNegative() {
			return fmt.Errorf("invalid holding %s: negative quantity", h.Symbol)
		}
		symbol := strings.ToUpper(h.Symbol)
		snap.list = append(snap.list, models.Holding{Symbol: symbol, Quantity: h.Quantity})
		snap.bySymbol[symbol] = snap.bySymbol[symbol].Add(h.Quantity)
	}
	s.holdings.Store(snap)
	return nil
}

func (s *Service) RefreshTrades(ctx context.Context) error {
	trades, err := s.src.Trades(ctx)
	if err != nil {
		return err
	}
	trades = append([]models.Trade(nil), trades...)
	s.trades.Store(&trades)
	return nil
}

// Cash returns the cached balance, zero before the first load.
func (s *Service) Cash() decimal.Decimal {
	if b := s.balance.Load(); b != nil {
		return *b
	}
	return decimal.Zero
}

// Held returns the cached quantity of symbol, zero when not held.
func (s *Service) Held(symbol string) decimal.Decimal {
	if snap := s.holdings.Load(); snap != nil {
		return snap.bySymbol[strings.ToUpper(symbol)]
	}
	return decimal.Zero
}

func (s *Service) Holdings() []models.Holding {
	if snap := s.holdings.Load(); snap != nil {
		return append([]models.Holding(nil), snap.list...)
	}
	return nil
}

func (s *Service) Trades() []models.Trade {
	if t := s.trades.Load(); t != nil {
		return append([]models.Trade(nil), (*t)...)
	}
	return nil
}

// Loaded reports whether balance and holdings have been fetched at least once.
func (s *Service) Loaded() bool {
	return s.balance.Load() != nil && s.holdings.Load() != nil
}

var _ Source = (*backend.Session)(nil)
