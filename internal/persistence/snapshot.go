package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/ledger"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

// SnapshotFormatVersion tags the JSON layout stored in event_log.snapshots.
const SnapshotFormatVersion int32 = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds open interest, the funding index, positions, ledger
// balances, sequence partitions, recent idempotency keys and the state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       []byte                `json:"state_hash"`
	MarketID        string                `json:"market_id"`
	OpenInterest    OpenInterestSnap      `json:"open_interest"`
	FundingIndex    state.FundingIndex    `json:"funding_index"`
	Positions       []PositionSnapshot    `json:"positions"`
	Balances        map[string]fpmath.Wad `json:"balances"`         // AccountPath -> balance
	SequenceState   map[string]int64      `json:"sequence_state"`   // partition -> last source sequence
	IdempotencyKeys []string              `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time             `json:"created_at"`
}

// OpenInterestSnap is the serializable long/short pair.
type OpenInterestSnap struct {
	Long  fpmath.Wad `json:"long"`
	Short fpmath.Wad `json:"short"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	Owner      string     `json:"owner"`
	Size       fpmath.Wad `json:"size"`
	Side       string     `json:"side"`
	EntryIndex fpmath.Wad `json:"entry_index"`
	OpenedAt   int64      `json:"opened_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromCoreSnapshot converts the core's in-memory snapshot into its stored form.
func FromCoreSnapshot(cs *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        cs.Sequence,
		StateHash:       append([]byte(nil), cs.StateHash[:]...),
		MarketID:        cs.MarketID,
		OpenInterest:    OpenInterestSnap{Long: cs.OpenInterest.Long, Short: cs.OpenInterest.Short},
		FundingIndex:    cs.FundingIndex,
		Positions:       make([]PositionSnapshot, 0, len(cs.Positions)),
		Balances:        make(map[string]fpmath.Wad, len(cs.Balances)),
		SequenceState:   cs.SequenceState,
		IdempotencyKeys: cs.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
	for _, pos := range cs.Positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Owner:      pos.Owner.String(),
			Size:       pos.Size,
			Side:       pos.Side(),
			EntryIndex: pos.EntryIndex,
			OpenedAt:   pos.OpenedAt,
		})
	}
	for key, balance := range cs.Balances {
		snap.Balances[key.AccountPath()] = balance
	}
	return snap
}

// ToCoreSnapshot converts a stored snapshot back into core.SnapshotState.
func (s *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", s.Sequence, len(s.StateHash))
	}

	cs := &core.SnapshotState{
		Sequence:        s.Sequence,
		MarketID:        s.MarketID,
		OpenInterest:    state.OpenInterest{Long: s.OpenInterest.Long, Short: s.OpenInterest.Short},
		FundingIndex:    s.FundingIndex,
		Positions:       make([]*state.Position, 0, len(s.Positions)),
		Balances:        make(map[ledger.AccountKey]fpmath.Wad, len(s.Balances)),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
	}
	copy(cs.StateHash[:], s.StateHash)

	for _, ps := range s.Positions {
		owner, err := uuid.Parse(ps.Owner)
		if err != nil {
			return nil, fmt.Errorf("snapshot position owner %q: %w", ps.Owner, err)
		}
		var isLong bool
		switch ps.Side {
		case "long":
			isLong = true
		case "short":
		default:
			return nil, fmt.Errorf("snapshot position %s: unknown side %q", ps.Owner, ps.Side)
		}
		cs.Positions = append(cs.Positions, &state.Position{
			Owner:      owner,
			Size:       ps.Size,
			IsLong:     isLong,
			EntryIndex: ps.EntryIndex,
			OpenedAt:   ps.OpenedAt,
		})
	}

	for path, balance := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot balance: %w", err)
		}
		cs.Balances[key] = balance
	}

	return cs, nil
}

// SaveSnapshot persists an unverified snapshot to Postgres.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, market_id, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7, verified = FALSE
	`, uuid.New(), snap.Sequence, snap.MarketID, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ErrSnapshotNotDurable means the event log has not yet reached the
// snapshot's sequence, so it cannot be verified yet.
var ErrSnapshotNotDurable = errors.New("snapshot sequence not yet in event log")

// VerifySnapshot marks a snapshot verified once the logged event at its
// sequence carries the same state hash.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64, stateHash []byte) error {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSnapshotNotDurable
	}
	if err != nil {
		return fmt.Errorf("load event %d: %w", sequence, err)
	}
	if !bytes.Equal(logged, stateHash) {
		return fmt.Errorf("snapshot %d: state hash %x does not match event log %x", sequence, stateHash, logged)
	}
	return sm.MarkVerified(ctx, sequence)
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart the core restores it and replays events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No snapshot, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, owner_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &e.Owner,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
