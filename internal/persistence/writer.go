package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"FundingLedger/internal/core"
	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventLogWriter writes events and journals to Postgres inside a caller-owned
// transaction. Events use a multi-row INSERT; journals are streamed with
// COPY into a staging table and merged, so replays stay idempotent.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       string
	Owner          uuid.NullUUID
	Payload        []byte // wire JSON of the input event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        fpmath.Wad
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// RowsFromOutput converts a core output into its event and journal rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.Owner != nil {
		row.Owner = uuid.NullUUID{UUID: *env.Owner, Valid: true}
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, journals
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, owner_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		base := i * cols
		placeholders := make([]string, cols)
		for k := range placeholders {
			placeholders[k] = fmt.Sprintf("$%d", base+k+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, e.Owner,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch COPYs journals into a transaction-scoped staging table
// and merges them into event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS journal_stage
			(LIKE event_log.journal INCLUDING DEFAULTS) ON COMMIT DELETE ROWS
	`); err != nil {
		return fmt.Errorf("create journal stage: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("journal_stage",
		"journal_id", "batch_id", "event_ref", "sequence",
		"debit_account", "credit_account", "amount", "journal_type", "timestamp",
	))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID.String(), j.BatchID.String(), j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount.String(), j.JournalType, j.Timestamp,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy journal %s: %w", j.JournalID, err)
		}
	}
	// Flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_log.journal
		SELECT * FROM journal_stage
		ON CONFLICT (journal_id) DO NOTHING
	`)
	return err
}
