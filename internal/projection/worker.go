package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// WorkerName keys this worker's row in projections.watermark.
const WorkerName = "funding"

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *SettlementHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	history *SettlementHistory,
	metrics *observability.Metrics,
) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if seq, err := LoadWatermark(ctx, pw.db); err != nil {
		pw.logger.Warn().Err(err).Msg("load watermark failed, starting from scratch")
	} else {
		pw.lastSeq.Store(seq)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			last := pw.lastSeq.Load()
			if seq <= last {
				continue // replayed on restart, already projected
			}
			if last >= 0 && seq != last+1 {
				pw.logger.Warn().Int64("from", last+1).Int64("to", seq-1).Msg("projection gap (dropped outputs), rebuild to repair")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				// Continue: projections are eventually consistent
				// and can be rebuilt from the event log
			} else if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(WorkerName).
					Observe(time.Since(start).Seconds())
			}

			if output.Settlement != nil && pw.history != nil {
				pw.history.Add(EntryFromSettlement(seq, output.Envelope.MarketID, output.Settlement))
			}
			pw.lastSeq.Store(seq)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOutput(ctx, tx, output); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, output.Envelope.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// applyOutput writes one core output into the projection tables.
func applyOutput(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	env := output.Envelope

	if p := output.Opened; p != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (owner_id, market_id, side, size, entry_index, opened_at, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner_id) DO UPDATE SET
				market_id = $2, side = $3, size = $4, entry_index = $5, opened_at = $6, sequence = $7
		`, p.Owner, env.MarketID, p.Side(), p.Size, p.EntryIndex, p.OpenedAt, env.Sequence); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	if s := output.Settlement; s != nil {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions WHERE owner_id = $1
		`, s.Position.Owner); err != nil {
			return fmt.Errorf("position removal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_settlements
				(sequence, owner_id, market_id, side, size, entry_index, exit_index, amount, opened_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, s.Position.Owner, env.MarketID, s.Position.Side(), s.Position.Size,
			s.Position.EntryIndex, s.ExitIndex, s.Amount, s.Position.OpenedAt, s.ClosedAt); err != nil {
			return fmt.Errorf("settlement projection: %w", err)
		}
	}

	m := output.Market
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_index
			(sequence, market_id, event_type, cumulative, last_update, rate, long_oi, short_oi, open_positions, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, m.MarketID, env.EventType.String(), m.Index.Cumulative, m.Index.LastUpdate,
		m.Rate, m.OpenInterest.Long, m.OpenInterest.Short, m.Positions, env.Timestamp); err != nil {
		return fmt.Errorf("funding index projection: %w", err)
	}

	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, sequence int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerName, sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// LoadWatermark returns the last projected sequence, or -1 if none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, WorkerName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return seq, nil
}

// EventSource pages through the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// RebuildProjections truncates the projection tables and re-derives them by
// replaying the event log through a scratch core. Returns the number of
// events projected.
func RebuildProjections(ctx context.Context, db *sql.DB, src EventSource, cfg core.Config) (int64, error) {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.funding_settlements`,
		`TRUNCATE projections.funding_index`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM projections.watermark WHERE projection_name = $1`, WorkerName); err != nil {
		return 0, fmt.Errorf("reset watermark: %w", err)
	}

	// Buffer of one: ProcessEvent's send completes, then we read it back.
	outCh := make(chan core.CoreOutput, 1)
	scratch := core.NewDeterministicCore(cfg, outCh, nil, nil, nil)

	const pageSize = 1000
	var from, total int64
	for {
		rows, err := src.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return total, err
		}
		for _, row := range rows {
			evt, err := event.Unmarshal(row.EventType, row.Payload)
			if err != nil {
				tx.Rollback()
				return total, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			res, err := scratch.ProcessEvent(evt)
			if err != nil {
				tx.Rollback()
				return total, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}
			if res.Duplicate {
				continue
			}
			out := <-outCh
			if err := applyOutput(ctx, tx, out); err != nil {
				tx.Rollback()
				return total, err
			}
			total++
		}
		last := rows[len(rows)-1].Sequence
		if err := setWatermark(ctx, tx, last); err != nil {
			tx.Rollback()
			return total, err
		}
		if err := tx.Commit(); err != nil {
			return total, err
		}
		from = last + 1
	}

	logger.Info().Int64("events", total).Msg("projection rebuild complete")
	return total, nil
}
