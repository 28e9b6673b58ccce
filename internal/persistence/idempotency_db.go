package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"FundingLedger/internal/observability"
)

// PostgresIdempotencyChecker is the cold dedup tier behind the core's LRU.
// It looks up (event_type, idempotency_key) in event_log.events.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics
}

func NewPostgresIdempotencyChecker(db *sql.DB, metrics *observability.Metrics) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
		metrics: metrics,
	}
}

// IsDuplicate checks if event exists in Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if pic.metrics != nil {
			pic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
	}()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if pic.metrics != nil {
			pic.metrics.DedupTier2Errors.Inc()
		}
		return false, err
	}
	return true, nil
}
