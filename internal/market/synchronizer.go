package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultRefreshInterval = 10 * time.Second

var ErrNotStarted = errors.New("price synchronizer not started")

// Synchronizer keeps a fresh PriceMap available to any number of subscribers.
// Polls run on a single goroutine, so at most one request is in flight and
// snapshots are published in request order.
type Synchronizer struct {
	feed     PriceFeed
	interval time.Duration
	timeout  time.Duration
	logger   Logger

	mu      sync.Mutex
	symbols []string
	cancel  context.CancelFunc
	done    chan struct{}

	generation atomic.Uint64
	latest     atomic.Pointer[Snapshot]

	subsMu  sync.Mutex
	subs    map[uint64]chan Snapshot
	nextSub uint64
	seq     uint64
}

func NewSynchronizer(feed PriceFeed, interval time.Duration, logger Logger) *Synchronizer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Synchronizer{
		feed:     feed,
		interval: interval,
		timeout:  interval,
		logger:   logger,
		subs:     make(map[uint64]chan Snapshot),
	}
}

// SetRequestTimeout bounds a single poll. It never exceeds the refresh interval.
func (s *Synchronizer) SetRequestTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 || d > s.interval {
		d = s.interval
	}
	s.timeout = d
}

// Start begins polling symbols. Calling Start again replaces the tracked set:
// the previous loop is stopped first and prices for symbols outside the new set
// are discarded.
func (s *Synchronizer) Start(ctx context.Context, symbols []string) error {
	tracked := normalizeSymbols(symbols)
	if len(tracked) == 0 {
		return fmt.Errorf("no symbols to track")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	gen := s.generation.Add(1)
	s.symbols = tracked

	if prev := s.latest.Load(); prev != nil {
		carried := *prev
		carried.Prices = prev.Prices.Restrict(tracked)
		s.latest.Store(&carried)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(loopCtx, gen, tracked, s.timeout, done)

	s.logger.Info("price synchronizer started", "source", s.feed.Name(), "symbols", tracked, "interval", s.interval)
	return nil
}

// Stop cancels the polling loop and waits for it to exit. Subscriptions stay open.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Synchronizer) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Debug("price synchronizer stopped", "source", s.feed.Name())
}

func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Symbols returns the currently tracked symbol set.
func (s *Synchronizer) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

// Latest returns the most recent snapshot, if any poll has completed.
func (s *Synchronizer) Latest() (Snapshot, bool) {
	snap := s.latest.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Prices returns the latest PriceMap, empty before the first poll.
func (s *Synchronizer) Prices() PriceMap {
	if snap := s.latest.Load(); snap != nil {
		return snap.Prices
	}
	return NewPriceMap(nil)
}

// Subscribe returns a channel that immediately yields the latest snapshot (if
// any) and then every newer one. A slow reader only ever sees the newest
// pending snapshot. The channel is closed when ctx is done.
func (s *Synchronizer) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	if snap := s.latest.Load(); snap != nil {
		ch <- *snap
	}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subsMu.Unlock()
	}()

	return ch
}

func (s *Synchronizer) run(ctx context.Context, gen uint64, symbols []string, timeout time.Duration, done chan struct{}) {
	defer close(done)

	s.poll(ctx, gen, symbols, timeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, gen, symbols, timeout)
		}
	}
}

func (s *Synchronizer) poll(ctx context.Context, gen uint64, symbols []string, timeout time.Duration) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prices, err := s.feed.Prices(fetchCtx, symbols)
	if ctx.Err() != nil {
		return
	}
	if s.generation.Load() != gen {
		s.logger.Debug("discarding price batch for a replaced symbol set", "source", s.feed.Name())
		return
	}

	next := Snapshot{FetchedAt: time.Now()}
	if err != nil {
		s.logger.Error("failed to fetch prices", "source", s.feed.Name(), "symbols", symbols, "error", err)
		next.Err = err
		if prev := s.latest.Load(); prev != nil {
			next.Prices = prev.Prices
			next.FetchedAt = prev.FetchedAt
		} else {
			next.Prices = NewPriceMap(nil)
			next.FetchedAt = time.Time{}
		}
	} else {
		next.Prices = prices.Restrict(symbols)
	}

	s.publish(gen, next)
}

func (s *Synchronizer) publish(gen uint64, snap Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if s.generation.Load() != gen {
		return
	}

	s.seq++
	snap.Seq = s.seq
	s.latest.Store(&snap)

	for _, ch := range s.subs {
		// only the publisher sends, under subsMu, so after the drain there is room
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
