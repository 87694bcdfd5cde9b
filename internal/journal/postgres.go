package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(connStr string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &PostgresJournal{db: db}

	if err := j.initTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return j, nil
}

// Record implements Journal. A retried submission with the same idempotency
// key updates the existing row.
func (j *PostgresJournal) Record(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO order_journal (
            idempotency_key, user_id, symbol, side, order_kind,
            price, quantity, total, outcome, error, created_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )
        ON CONFLICT (idempotency_key) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            error = EXCLUDED.error
        RETURNING id
    `

	err := j.db.QueryRowContext(ctx, query,
		entry.IdempotencyKey,
		entry.UserID,
		entry.Symbol,
		string(entry.Side),
		string(entry.OrderKind),
		entry.Price,
		entry.Quantity,
		entry.Total,
		string(entry.Outcome),
		entry.Error,
		entry.CreatedAt,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}

	return nil
}

// Recent implements Journal
func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT id, idempotency_key, user_id, symbol, side, order_kind,
               price, quantity, total, outcome, error, created_at
        FROM order_journal
        ORDER BY created_at DESC, id DESC
        LIMIT $1
    `

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query order journal: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID,
			&e.IdempotencyKey,
			&e.UserID,
			&e.Symbol,
			&e.Side,
			&e.OrderKind,
			&e.Price,
			&e.Quantity,
			&e.Total,
			&e.Outcome,
			&e.Error,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order journal: %w", err)
		}
		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order journal rows: %w", err)
	}

	return result, nil
}

func (j *PostgresJournal) Close() error {
	return j.db.Close()
}

func (j *PostgresJournal) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS order_journal (
			id SERIAL PRIMARY KEY,
			idempotency_key VARCHAR(64) UNIQUE NOT NULL,
			user_id BIGINT NOT NULL DEFAULT 0,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			order_kind VARCHAR(10) NOT NULL,
			price NUMERIC(36, 18),
			quantity NUMERIC(36, 18),
			total NUMERIC(36, 18),
			outcome VARCHAR(20) NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS order_journal_created_at_idx ON order_journal (created_at DESC)`,
	}

	for _, query := range queries {
		_, err := j.db.Exec(query)
		if err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var _ Journal = (*PostgresJournal)(nil)
