package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const schema = `
	CREATE TABLE IF NOT EXISTS usage_events (
		id                BIGSERIAL PRIMARY KEY,
		request_id        TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL,
		model             TEXT NOT NULL DEFAULT '',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		attempts          INTEGER NOT NULL DEFAULT 0,
		cache_hit         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage_events table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage_events: %w", err)
	}
	return nil
}

const insertEvent = `
	INSERT INTO usage_events (request_id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, attempts, cache_hit, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// WriteBatch inserts events in one round trip.
func (s *PostgresStore) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertEvent,
			e.RequestID, e.Provider, e.Model,
			e.PromptTokens, e.CompletionTokens, e.TotalTokens,
			e.Cost, e.LatencyMs, e.Attempts, e.CacheHit, e.CreatedAt,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

// ProviderTotals is the persisted history for one provider.
type ProviderTotals struct {
	Provider  string  `json:"provider"`
	Requests  int64   `json:"requests"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	CacheHits int64   `json:"cache_hits"`
}

func (s *PostgresStore) TotalsByProvider(ctx context.Context, from, to time.Time) ([]ProviderTotals, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0),
		       COUNT(*) FILTER (WHERE cache_hit)
		FROM usage_events
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY provider
		ORDER BY provider
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	var totals []ProviderTotals
	for rows.Next() {
		var t ProviderTotals
		if err := rows.Scan(&t.Provider, &t.Requests, &t.Tokens, &t.Cost, &t.CacheHits); err != nil {
			return nil, fmt.Errorf("failed to scan usage totals: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage totals: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_events
		WHERE created_at BETWEEN $1 AND $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }
