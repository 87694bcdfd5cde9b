package journal

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/tradedesk/internal/models"
)

// Outcome 订单提交结果
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one submission attempt that passed validation.
type Entry struct {
	ID             int64
	IdempotencyKey string
	UserID         int64
	Symbol         string
	Side           models.Side
	OrderKind      models.OrderKind
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Total          decimal.Decimal
	Outcome        Outcome
	Error          string
	CreatedAt      time.Time
}

// Journal records submission attempts.
type Journal interface {
	// Record stores entry and fills its ID and CreatedAt when unset
	Record(ctx context.Context, entry *Entry) error

	// Recent returns up to limit entries, newest first
	Recent(ctx context.Context, limit int) ([]Entry, error)

	Close() error
}

// MemoryJournal keeps entries in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Record(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextID++
	entry.ID = j.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *MemoryJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func (j *MemoryJournal) Close() error {
	return nil
}

var _ Journal = (*MemoryJournal)(nil)
