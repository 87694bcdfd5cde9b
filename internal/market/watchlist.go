package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/models"
)

type SortBy string

const (
	SortByName   SortBy = "name"
	SortByPrice  SortBy = "price"
	SortByChange SortBy = "change"
	SortByVolume SortBy = "volume"
)

// WatchRow is one watchlist line. PreviousPrice is the price before the last
// successful refresh, used to show the tick direction.
type WatchRow struct {
	models.Ticker24h
	PreviousPrice decimal.Decimal
}

// Direction returns 1 for an uptick, -1 for a downtick and 0 otherwise.
func (r WatchRow) Direction() int {
	return r.LastPrice.Cmp(r.PreviousPrice)
}

// Watchlist tracks a user-chosen list of symbols with 24h statistics.
type Watchlist struct {
	feed   PriceFeed
	logger Logger

	mu          sync.RWMutex
	symbols     []string
	rows        map[string]WatchRow
	lastUpdated time.Time
}

func NewWatchlist(feed PriceFeed, logger Logger, symbols ...string) *Watchlist {
	w := &Watchlist{
		feed:   feed,
		logger: logger,
		rows:   make(map[string]WatchRow),
	}
	for _, symbol := range symbols {
		w.Add(symbol)
	}
	return w
}

// Add appends symbol unless already present. It reports whether it was added.
func (w *Watchlist) Add(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range w.symbols {
		if s == symbol {
			return false
		}
	}
	w.symbols = append(w.symbols, symbol)
	return true
}

func (w *Watchlist) Remove(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.symbols[:0]
	for _, s := range w.symbols {
		if s != symbol {
			kept = append(kept, s)
		}
	}
	w.symbols = kept
	delete(w.rows, symbol)
}

func (w *Watchlist) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.symbols...)
}

// Refresh pulls 24h statistics for every symbol. A symbol whose request fails
// keeps its previous row. The error is non-nil only when every request failed.
func (w *Watchlist) Refresh(ctx context.Context) error {
	symbols := w.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	fetched := make(map[string]*models.Ticker24h, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		ticker, err := w.feed.Ticker24h(ctx, symbol)
		if err != nil {
			w.logger.Error("failed to refresh watchlist symbol", "source", w.feed.Name(), "symbol", symbol, "error", err)
			lastErr = err
			continue
		}
		fetched[symbol] = ticker
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for symbol, ticker := range fetched {
		// the symbol may have been removed while we were fetching
		if !containsSymbol(w.symbols, symbol) {
			continue
		}
		prev, ok := w.rows[symbol]
		row := WatchRow{Ticker24h: *ticker, PreviousPrice: ticker.LastPrice}
		if ok {
			row.PreviousPrice = prev.LastPrice
		}
		w.rows[symbol] = row
	}

	if len(fetched) == 0 {
		return fmt.Errorf("failed to refresh watchlist: %w", lastErr)
	}
	w.lastUpdated = time.Now()
	return nil
}

func (w *Watchlist) LastUpdated() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastUpdated
}

// Rows returns the loaded rows ordered by the given key.
func (w *Watchlist) Rows(by SortBy, desc bool) []WatchRow {
	w.mu.RLock()
	rows := make([]WatchRow, 0, len(w.rows))
	for _, symbol := range w.symbols {
		if row, ok := w.rows[symbol]; ok {
			rows = append(rows, row)
		}
	}
	w.mu.RUnlock()

	less := func(a, b WatchRow) int {
		switch by {
		case SortByPrice:
			return a.LastPrice.Cmp(b.LastPrice)
		case SortByChange:
			return a.PriceChangePercent.Cmp(b.PriceChangePercent)
		case SortByVolume:
			return a.QuoteVolume.Cmp(b.QuoteVolume)
		default:
			return strings.Compare(a.Symbol, b.Symbol)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		c := less(rows[i], rows[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return rows
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}
