package account

import (
	"context"
	"sync"
)

// RefreshBus fans a "trade completed" signal out to every subscriber. Signals
// are coalesced per subscriber: a consumer that is still busy sees one pending
// signal no matter how many were published meanwhile.
type RefreshBus struct {
	mu   sync.Mutex
	subs map[uint64]chan struct{}
	next uint64
}

func NewRefreshBus() *RefreshBus {
	return &RefreshBus{subs: make(map[uint64]chan struct{})}
}

// Subscribe registers a consumer until ctx is done, then closes its channel.
func (b *RefreshBus) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish signals every subscriber and returns how many there were.
func (b *RefreshBus) Publish() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(b.subs)
}
