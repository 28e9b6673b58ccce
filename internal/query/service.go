package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"FundingLedger/internal/core"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/projection"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

// ErrNoDatabase is returned by historical queries when no projection
// database is configured.
var ErrNoDatabase = errors.New("projection database not configured")

// LiveState is the read side of the deterministic core.
type LiveState interface {
	MarketID() string
	SkewScale() fpmath.Wad
	PendingFunding(owner uuid.UUID, now int64) (fpmath.Wad, error)
	PeekIndex(now int64) fpmath.Wad
	CurrentRate() fpmath.Wad
	OpenInterest() state.OpenInterest
	Position(owner uuid.UUID) (state.Position, bool)
	RealisedFunding(owner uuid.UUID) fpmath.Wad
	FundingPool() fpmath.Wad
	Market() core.MarketView
	GetSequence() int64
}

// QueryService answers reads. Live funding state (rates, pending funding,
// open interest) comes straight from the core under its read lock;
// history comes from the projection tables.
type QueryService struct {
	live    LiveState
	db      *sql.DB
	history *projection.SettlementHistory
	metrics *observability.Metrics
}

func NewQueryService(live LiveState, db *sql.DB, history *projection.SettlementHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{live: live, db: db, history: history, metrics: metrics}
}

// asOf is the last applied sequence (the core holds the next one).
func (qs *QueryService) asOf() int64 {
	return qs.live.GetSequence() - 1
}

// PendingFunding returns what owner would settle if closed at now.
func (qs *QueryService) PendingFunding(ctx context.Context, owner uuid.UUID, now int64) (resp *PendingFundingResponse, err error) {
	defer qs.observe("pending_funding", time.Now(), &err)

	pending, err := qs.live.PendingFunding(owner, now)
	if err != nil {
		return nil, err
	}
	return &PendingFundingResponse{
		Owner:        owner,
		MarketID:     qs.live.MarketID(),
		Pending:      amountOf(pending),
		ProjectedIdx: amountOf(qs.live.PeekIndex(now)),
		AsOf:         now,
		AsOfSequence: qs.asOf(),
	}, nil
}

// CurrentRate returns the instantaneous funding rate.
func (qs *QueryService) CurrentRate(ctx context.Context) (*RateResponse, error) {
	defer qs.observe("current_rate", time.Now(), nil)

	return &RateResponse{
		MarketID:     qs.live.MarketID(),
		Rate:         amountOf(qs.live.CurrentRate()),
		SkewScale:    amountOf(qs.live.SkewScale()),
		AsOfSequence: qs.asOf(),
	}, nil
}

// GetOpenInterest returns the long/short open interest.
func (qs *QueryService) GetOpenInterest(ctx context.Context) (*OpenInterestResponse, error) {
	defer qs.observe("open_interest", time.Now(), nil)

	oi := qs.live.OpenInterest()
	return &OpenInterestResponse{
		MarketID:     qs.live.MarketID(),
		Long:         amountOf(oi.Long),
		Short:        amountOf(oi.Short),
		Skew:         amountOf(oi.Skew()),
		AsOfSequence: qs.asOf(),
	}, nil
}

// GetPosition returns owner's open position with its pending funding at now.
func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID, now int64) (resp *PositionResponse, err error) {
	defer qs.observe("position", time.Now(), &err)

	pos, ok := qs.live.Position(owner)
	if !ok {
		return nil, state.ErrNoPosition
	}
	pending, err := qs.live.PendingFunding(owner, now)
	if err != nil {
		// Closed between the two reads
		return nil, err
	}
	return &PositionResponse{
		Owner:          owner,
		MarketID:       qs.live.MarketID(),
		Side:           pos.Side(),
		Size:           amountOf(pos.Size),
		EntryIndex:     amountOf(pos.EntryIndex),
		OpenedAt:       pos.OpenedAt,
		PendingFunding: amountOf(pending),
		AsOf:           now,
		AsOfSequence:   qs.asOf(),
	}, nil
}

// GetMarketSummary returns the full funding state of the market at now.
func (qs *QueryService) GetMarketSummary(ctx context.Context, now int64) (*MarketSummary, error) {
	defer qs.observe("market_summary", time.Now(), nil)

	m := qs.live.Market()
	return &MarketSummary{
		MarketID:       m.MarketID,
		Rate:           amountOf(m.Rate),
		StoredIndex:    amountOf(m.Index.Cumulative),
		LastUpdate:     m.Index.LastUpdate,
		ProjectedIndex: amountOf(qs.live.PeekIndex(now)),
		Long:           amountOf(m.OpenInterest.Long),
		Short:          amountOf(m.OpenInterest.Short),
		OpenPositions:  m.Positions,
		PoolResidual:   amountOf(qs.live.FundingPool()),
		AsOf:           now,
		AsOfSequence:   qs.asOf(),
	}, nil
}

// GetRealisedFunding returns owner's net settled funding from the ledger.
func (qs *QueryService) GetRealisedFunding(ctx context.Context, owner uuid.UUID) (*RealisedFundingResponse, error) {
	defer qs.observe("realised_funding", time.Now(), nil)

	return &RealisedFundingResponse{
		Owner:        owner,
		Realised:     amountOf(qs.live.RealisedFunding(owner)),
		AsOfSequence: qs.asOf(),
	}, nil
}

// SettlementHistory returns owner's closed-position settlements, newest
// first, with cursor pagination on sequence. Without a database it serves
// the in-memory recent history.
func (qs *QueryService) SettlementHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp []SettlementResponse, err error) {
	defer qs.observe("settlement_history", time.Now(), &err)
	limit = clampLimit(limit)

	if qs.db == nil {
		if qs.history == nil {
			return nil, ErrNoDatabase
		}
		for _, e := range qs.history.QueryByOwner(owner, qs.history.Len()) {
			if beforeSequence != nil && e.Sequence >= *beforeSequence {
				continue
			}
			resp = append(resp, settlementResponse(e))
			if len(resp) == limit {
				break
			}
		}
		return resp, nil
	}

	query := `
		SELECT sequence, market_id, side, size, entry_index, exit_index, amount, opened_at, closed_at
		FROM projections.funding_settlements
		WHERE owner_id = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		e := projection.SettlementEntry{Owner: owner}
		if err := rows.Scan(
			&e.Sequence, &e.MarketID, &e.Side, &e.Size, &e.EntryIndex,
			&e.ExitIndex, &e.Amount, &e.OpenedAt, &e.ClosedAt,
		); err != nil {
			return nil, err
		}
		resp = append(resp, settlementResponse(e))
	}

	return resp, rows.Err()
}

// IndexHistory returns the market funding state after each event in
// [from, to), oldest first.
func (qs *QueryService) IndexHistory(ctx context.Context, from, to time.Time, limit int) (resp []IndexPoint, err error) {
	defer qs.observe("index_history", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, cumulative, last_update, rate, long_oi, short_oi, open_positions, timestamp
		FROM projections.funding_index
		WHERE market_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY sequence ASC
		LIMIT $4
	`, qs.live.MarketID(), from, to, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p IndexPoint
		var cumulative, rate, long, short fpmath.Wad
		if err := rows.Scan(
			&p.Sequence, &p.EventType, &cumulative, &p.LastUpdate, &rate,
			&long, &short, &p.OpenPositions, &p.Timestamp,
		); err != nil {
			return nil, err
		}
		p.Cumulative = amountOf(cumulative)
		p.Rate = amountOf(rate)
		p.Long = amountOf(long)
		p.Short = amountOf(short)
		resp = append(resp, p)
	}

	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching owner's funding account.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	account := fmt.Sprintf("user:%s:funding", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, that user journal
// balances sum against the pool, and that projected settlements agree with
// the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Per account: debits - credits. Over all accounts this is zero.
	var imbalance, userNet fpmath.Wad
	if err := qs.db.QueryRowContext(ctx, `
		WITH legs AS (
			SELECT debit_account AS account, amount FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, -amount FROM event_log.journal
		)
		SELECT COALESCE(SUM(amount), 0),
		       COALESCE(SUM(amount) FILTER (WHERE account LIKE 'user:%'), 0)
		FROM legs
	`).Scan(&imbalance, &userNet); err != nil {
		return nil, err
	}
	if !imbalance.IsZero() {
		a := amountOf(imbalance)
		report.JournalImbalance = &a
	}

	var settled fpmath.Wad
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM projections.funding_settlements
	`).Scan(&settled); err != nil {
		return nil, err
	}
	if drift := userNet.Sub(settled); !drift.IsZero() {
		a := amountOf(drift)
		report.SettlementDrift = &a
	}

	report.ProjectedSequence, err = projection.LoadWatermark(ctx, qs.db)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.JournalImbalance == nil && report.SettlementDrift == nil
	return report, nil
}

// --- helpers ---

func settlementResponse(e projection.SettlementEntry) SettlementResponse {
	return SettlementResponse{
		Sequence:   e.Sequence,
		Owner:      e.Owner,
		MarketID:   e.MarketID,
		Side:       e.Side,
		Size:       amountOf(e.Size),
		EntryIndex: amountOf(e.EntryIndex),
		ExitIndex:  amountOf(e.ExitIndex),
		Amount:     amountOf(e.Amount),
		OpenedAt:   e.OpenedAt,
		ClosedAt:   e.ClosedAt,
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	status := "ok"
	if errp != nil && *errp != nil {
		status = "error"
		code := "internal"
		if errors.Is(*errp, state.ErrNoPosition) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}
