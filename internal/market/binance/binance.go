package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/market"
	"github.com/songzhibin97/tradedesk/internal/models"
)

const defaultQuoteAsset = "USDT"

// BinanceFeed implements market.PriceFeed over the public Binance spot API.
type BinanceFeed struct {
	client *binance.Client
	quote  string
}

// NewBinanceFeed creates a feed quoting every symbol against quote (USDT when empty).
// baseURL overrides the API host when non-empty.
func NewBinanceFeed(quote, baseURL string, testnet ...bool) *BinanceFeed {
	testnet = append(testnet, false)
	if testnet[0] {
		binance.UseTestnet = true
	}

	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}

	if quote == "" {
		quote = defaultQuoteAsset
	}

	return &BinanceFeed{
		client: client,
		quote:  strings.ToUpper(quote),
	}
}

func (b *BinanceFeed) Name() string {
	return "binance"
}

func (b *BinanceFeed) pair(symbol string) string {
	return strings.ToUpper(symbol) + b.quote
}

// Prices implements market.PriceFeed. The quote asset itself is priced at 1
// without a request. Entries that fail to parse are left out.
func (b *BinanceFeed) Prices(ctx context.Context, symbols []string) (market.PriceMap, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	pairs := make([]string, 0, len(symbols))
	bases := make(map[string]string, len(symbols))

	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		if symbol == b.quote {
			prices[symbol] = decimal.NewFromInt(1)
			continue
		}
		pair := b.pair(symbol)
		pairs = append(pairs, pair)
		bases[pair] = symbol
	}

	if len(pairs) == 0 {
		return market.NewPriceMap(prices), nil
	}

	result, err := b.client.NewListPricesService().Symbols(pairs).Do(ctx)
	if err != nil {
		return market.PriceMap{}, fmt.Errorf("failed to list prices: %w", err)
	}

	for _, item := range result {
		base, ok := bases[item.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(item.Price)
		if err != nil || price.IsNegative() {
			continue
		}
		prices[base] = price
	}

	return market.NewPriceMap(prices), nil
}

// Ticker24h implements market.PriceFeed
func (b *BinanceFeed) Ticker24h(ctx context.Context, symbol string) (*models.Ticker24h, error) {
	symbol = strings.ToUpper(symbol)

	stats, err := b.client.NewListPriceChangeStatsService().Symbol(b.pair(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get 24h ticker: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no 24h ticker for symbol: %s", symbol)
	}
	s := stats[0]

	fields, err := parseDecimals(s.LastPrice, s.PriceChangePercent, s.HighPrice, s.LowPrice, s.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 24h ticker: %w", err)
	}

	return &models.Ticker24h{
		Symbol:             symbol,
		LastPrice:          fields[0],
		PriceChangePercent: fields[1],
		HighPrice:          fields[2],
		LowPrice:           fields[3],
		QuoteVolume:        fields[4],
	}, nil
}

// Candles implements market.PriceFeed
func (b *BinanceFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if !market.ValidInterval(interval) {
		return nil, fmt.Errorf("unsupported candle interval: %s", interval)
	}
	if limit <= 0 {
		limit = market.DefaultCandleLimit
	}

	klines, err := b.client.NewKlinesService().
		Symbol(b.pair(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		fields, err := parseDecimals(k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline at %d: %w", k.OpenTime, err)
		}
		candles = append(candles, models.Candle{
			OpenTime:   time.UnixMilli(k.OpenTime),
			Open:       fields[0],
			High:       fields[1],
			Low:        fields[2],
			Close:      fields[3],
			Volume:     fields[4],
			TradeCount: k.TradeNum,
		})
	}

	return candles, nil
}

// RecentTrades implements market.PriceFeed
func (b *BinanceFeed) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.MarketTrade, error) {
	if limit <= 0 {
		limit = market.DefaultTradesLimit
	}

	trades, err := b.client.NewRecentTradesService().
		Symbol(b.pair(symbol)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent trades: %w", err)
	}

	result := make([]models.MarketTrade, 0, len(trades))
	for _, t := range trades {
		fields, err := parseDecimals(t.Price, t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trade %d: %w", t.ID, err)
		}

		// a maker buyer means the aggressor sold
		side := models.SideBuy
		if t.IsBuyerMaker {
			side = models.SideSell
		}

		result = append(result, models.MarketTrade{
			ID:       t.ID,
			Price:    fields[0],
			Quantity: fields[1],
			Time:     time.UnixMilli(t.Time),
			Side:     side,
		})
	}

	return result, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

var _ market.PriceFeed = (*BinanceFeed)(nil)
