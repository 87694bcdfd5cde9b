package market

import (
	"context"

	"github.com/songzhibin97/tradedesk/internal/models"
)

// PriceFeed 负责从公开行情源拉取数据
type PriceFeed interface {
	// Name identifies the feed in logs
	Name() string

	// Prices retrieves current spot prices keyed by base symbol
	Prices(ctx context.Context, symbols []string) (PriceMap, error)

	// Ticker24h retrieves rolling 24h statistics for one symbol
	Ticker24h(ctx context.Context, symbol string) (*models.Ticker24h, error)

	// Candles retrieves the latest klines for one symbol
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// RecentTrades retrieves the latest public trades for one symbol
	RecentTrades(ctx context.Context, symbol string, limit int) ([]models.MarketTrade, error)
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Supported candle intervals.
var CandleIntervals = []string{"1h", "4h", "1d", "1w"}

const (
	DefaultCandleLimit = 50
	DefaultTradesLimit = 9
)

func ValidInterval(interval string) bool {
	for _, i := range CandleIntervals {
		if i == interval {
			return true
		}
	}
	return false
}
