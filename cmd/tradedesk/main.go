package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/tradedesk/internal/account"
	"github.com/songzhibin97/tradedesk/internal/backend"
	"github.com/songzhibin97/tradedesk/internal/configs"
	"github.com/songzhibin97/tradedesk/internal/journal"
	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/market/binance"
	"github.com/songzhibin97/tradedesk/internal/models"
	"github.com/songzhibin97/tradedesk/internal/portfolio"
	"github.com/songzhibin97/tradedesk/internal/risk"
	"github.com/songzhibin97/tradedesk/internal/trading"
	"github.com/songzhibin97/tradedesk/internal/trading/remote"
)

const (
	watchlistInterval = 5 * time.Second
	firstPriceTimeout = 30 * time.Second
)

// Desk 组合行情, 账户与下单组件
type Desk struct {
	config  *configs.Config
	feed    market.PriceFeed
	syncer  *market.Synchronizer
	journal journal.Journal
}

func NewDesk(config *configs.Config, feed market.PriceFeed, j journal.Journal) *Desk {
	syncer := market.NewSynchronizer(feed, config.RefreshEvery(), log)
	syncer.SetRequestTimeout(config.MarketTimeout())

	return &Desk{
		config:  config,
		feed:    feed,
		syncer:  syncer,
		journal: j,
	}
}

// Watch 持续输出价格快照与自选行情, 直到 ctx 结束
func (d *Desk) Watch(ctx context.Context, symbol string) error {
	if err := d.syncer.Start(ctx, d.config.Symbols); err != nil {
		return err
	}
	defer d.syncer.Stop()

	watchlist := market.NewWatchlist(d.feed, log, d.config.Symbols...)

	if symbol != "" {
		d.logMarketDetail(ctx, symbol)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for snap := range d.syncer.Subscribe(ctx) {
			if snap.Stale() {
				log.Warn("prices are stale", "seq", snap.Seq, "err", snap.Err)
			}
			for _, s := range snap.Prices.Symbols() {
				price, state := snap.Prices.Lookup(s)
				log.Info("price", "seq", snap.Seq, "symbol", s, "price", price.String(), "state", state.String())
			}
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(watchlistInterval)
		defer ticker.Stop()

		for {
			if err := watchlist.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Error("Error refreshing watchlist", "err", err)
			}
			for _, row := range watchlist.Rows(market.SortByChange, true) {
				log.Info("watch",
					"symbol", row.Symbol,
					"last", row.LastPrice.String(),
					"change_pct", row.PriceChangePercent.String(),
					"volume", row.QuoteVolume.String(),
					"tick", row.Direction(),
				)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

func (d *Desk) logMarketDetail(ctx context.Context, symbol string) {
	candles, err := d.feed.Candles(ctx, symbol, market.CandleIntervals[0], market.DefaultCandleLimit)
	if err != nil {
		log.Error("Error fetching candles", "symbol", symbol, "err", err)
	} else if len(candles) > 0 {
		last := candles[len(candles)-1]
		log.Info("candles", "symbol", symbol, "count", len(candles), "close", last.Close.String(), "open_time", last.OpenTime)
	}

	trades, err := d.feed.RecentTrades(ctx, symbol, market.DefaultTradesLimit)
	if err != nil {
		log.Error("Error fetching recent trades", "symbol", symbol, "err", err)
		return
	}
	for _, t := range trades {
		log.Info("market trade", "symbol", symbol, "side", t.Side, "price", t.Price.String(), "qty", t.Quantity.String())
	}
}

// Portfolio 输出当前持仓估值
func (d *Desk) Portfolio(ctx context.Context, session *backend.Session) error {
	svc := account.NewService(session, account.NewRefreshBus(), 0, log)
	if err := svc.RefreshBalance(ctx); err != nil {
		return err
	}
	if err := svc.RefreshHoldings(ctx); err != nil {
		return err
	}

	holdings := svc.Holdings()
	symbols := append([]string{}, d.config.Symbols...)
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}

	prices, err := d.firstPrices(ctx, symbols)
	if err != nil {
		return err
	}
	d.syncer.Stop()

	valuation := portfolio.Value(holdings, svc.Cash(), prices, d.config.QuoteAsset)
	for _, p := range valuation.Positions {
		if !p.Valued {
			log.Warn("position not valued", "symbol", p.Symbol, "qty", p.Quantity.String())
			continue
		}
		log.Info("position", "symbol", p.Symbol, "qty", p.Quantity.String(), "price", p.Price.String(), "value", p.Value.String(), "share_pct", p.Share.String())
	}
	log.Info("portfolio", "total", valuation.Total.String(), "cash", valuation.Cash.String(), "unvalued", valuation.Unvalued)
	return nil
}

// OrderFlags 命令行下单参数
type OrderFlags struct {
	Symbol  string
	Side    string
	Kind    string
	Limit   string
	Amount  string
	Percent int
}

// Trade 根据命令行参数构建并提交一笔订单
func (d *Desk) Trade(ctx context.Context, session *backend.Session, flags OrderFlags) error {
	bus := account.NewRefreshBus()
	svc := account.NewService(session, bus, d.config.HoldingsRefreshEvery(), log)

	// 先同步加载余额与持仓, 校验需要它们
	if err := svc.RefreshBalance(ctx); err != nil {
		return err
	}
	if err := svc.RefreshHoldings(ctx); err != nil {
		return err
	}

	if _, err := d.firstPrices(ctx, d.config.Symbols); err != nil {
		return err
	}
	defer d.syncer.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	<-svc.Ready()

	builder := trading.NewBuilder(d.syncer, svc, remote.NewBackendExecutor(session), log,
		trading.WithCatalog(d.config.Symbols...),
		trading.WithRiskManager(risk.NewBasicRiskManager()),
		trading.WithNotifier(bus),
		trading.WithRecorder(d.journal),
		trading.WithNoticeTTL(d.config.NoticeDuration()),
		trading.WithUserID(session.User().UserID),
	)

	submitErr := d.submit(ctx, builder, flags)
	if notice, ok := builder.Notice(); ok {
		log.Info("notice", "level", notice.Level, "text", notice.Text)
	}

	if submitErr == nil {
		if err := svc.RefreshBalance(ctx); err == nil {
			log.Info("balance after order", "cash", svc.Cash().String())
		}
	}

	if entries, err := d.journal.Recent(ctx, 5); err == nil {
		for _, e := range entries {
			log.Debug("journal", "id", e.ID, "symbol", e.Symbol, "side", e.Side, "outcome", e.Outcome, "total", e.Total.String())
		}
	}

	cancel()
	if err := g.Wait(); err != nil {
		log.Error("account service error", "err", err)
	}
	return submitErr
}

func (d *Desk) submit(ctx context.Context, b *trading.Builder, flags OrderFlags) error {
	if err := b.SetSymbol(flags.Symbol); err != nil {
		return err
	}
	if err := b.SetSide(models.Side(flags.Side)); err != nil {
		return err
	}
	if err := b.SetOrderKind(models.OrderKind(flags.Kind)); err != nil {
		return err
	}
	if flags.Kind == string(models.OrderKindLimit) {
		if err := b.SetLimitPriceFromText(flags.Limit); err != nil {
			return err
		}
	}

	if flags.Percent >= 0 {
		if err := b.SetQuantityFromPercent(flags.Percent); err != nil {
			return err
		}
	} else if err := b.SetQuantityFromText(flags.Amount); err != nil {
		return err
	}

	draft := b.Draft()
	total, known := b.ComputeTotal()
	log.Info("order draft",
		"symbol", draft.Symbol,
		"side", draft.Side,
		"kind", draft.OrderKind,
		"qty", draft.Quantity.String(),
		"percent", draft.SizingPercent,
		"total", total.String(),
		"price_known", known,
	)

	err := b.Submit(ctx)
	var rejected *trading.RejectedError
	if errors.As(err, &rejected) {
		log.Warn("order rejected", "verdict", rejected.Verdict.String(), "reason", rejected.Verdict.Message())
	}
	return err
}

// firstPrices 启动价格同步并等待第一份快照
func (d *Desk) firstPrices(ctx context.Context, symbols []string) (market.PriceMap, error) {
	if err := d.syncer.Start(ctx, symbols); err != nil {
		return market.PriceMap{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, firstPriceTimeout)
	defer cancel()

	snap, ok := <-d.syncer.Subscribe(waitCtx)
	if !ok {
		return market.PriceMap{}, fmt.Errorf("failed to receive prices: %w", waitCtx.Err())
	}
	if snap.Stale() {
		log.Warn("first price snapshot is stale", "err", snap.Err)
	}
	return snap.Prices, nil
}

func openSession(ctx context.Context, config *configs.Config) (*backend.Session, error) {
	client := backend.NewClient(config.Backend.BaseURL, config.BackendTimeout(), config.Backend.RetryCount, log)

	if config.Credentials.Email == "" {
		return client.Resume(ctx)
	}
	return client.Login(ctx, config.Credentials.Email, config.Credentials.Password)
}

func openJournal(config *configs.Config) (journal.Journal, error) {
	if config.Database.ConnStr == "" {
		return journal.NewMemoryJournal(), nil
	}
	return journal.NewPostgresJournal(config.Database.ConnStr)
}

var (
	flagconf string
	mode     string
	order    OrderFlags

	level = new(slog.LevelVar)

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf config.yaml")
	flag.StringVar(&mode, "mode", "watch", "watch | trade | portfolio")
	flag.StringVar(&order.Symbol, "symbol", "", "asset symbol, eg: BTC")
	flag.StringVar(&order.Side, "side", string(models.SideBuy), "buy | sell")
	flag.StringVar(&order.Kind, "kind", string(models.OrderKindMarket), "market | limit")
	flag.StringVar(&order.Limit, "limit", "", "limit price, required for limit orders")
	flag.StringVar(&order.Amount, "amount", "", "order quantity")
	flag.IntVar(&order.Percent, "percent", -1, "size the order as a percent of cash (buy) or holdings (sell)")
}

func main() {
	flag.Parse()

	// 加载配置
	config, err := configs.Load(flagconf)
	if err != nil {
		log.Error("Error loading config", "err", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		log.Error("Invalid config", "err", err)
		os.Exit(1)
	}
	level.Set(config.SlogLevel())

	log.Debug("Loaded config", "symbols", config.Symbols, "backend", config.Backend.BaseURL)

	if config.Proxy != "" {
		_ = os.Setenv("HTTP_PROXY", config.Proxy)
		_ = os.Setenv("HTTPS_PROXY", config.Proxy)
		log.Debug("set proxy ok", "proxy", config.Proxy)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := openJournal(config)
	if err != nil {
		log.Error("Error opening journal", "err", err)
		os.Exit(1)
	}
	defer j.Close()

	desk := NewDesk(config, binance.NewBinanceFeed(config.QuoteAsset, config.Market.BaseURL, config.Market.Testnet), j)

	if err := run(ctx, desk, config); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("System error", "err", err)
		stop()
		j.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, desk *Desk, config *configs.Config) error {
	switch mode {
	case "watch":
		return desk.Watch(ctx, order.Symbol)
	case "portfolio", "trade":
		session, err := openSession(ctx, config)
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		log.Info("logged in", "user", session.User().Email)

		if mode == "portfolio" {
			return desk.Portfolio(ctx, session)
		}
		return desk.Trade(ctx, session, order)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}
