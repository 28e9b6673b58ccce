package state

import (
	"bytes"
	"sort"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// PositionStore exclusively owns the owner -> Position map and keeps the
// open interest ledger in step with it.
type PositionStore struct {
	positions map[uuid.UUID]*Position
	openInt   *OpenInterestLedger
	clock     *AccumulatorClock
}

func NewPositionStore(openInt *OpenInterestLedger, clock *AccumulatorClock) *PositionStore {
	return &PositionStore{
		positions: make(map[uuid.UUID]*Position),
		openInt:   openInt,
		clock:     clock,
	}
}

// Open creates a position entered at the caught-up index. The returned
// position is a copy.
func (ps *PositionStore) Open(owner uuid.UUID, size fpmath.Wad, isLong bool, now int64) (*Position, error) {
	if size.Sign() <= 0 {
		return nil, ErrZeroSize
	}
	if _, exists := ps.positions[owner]; exists {
		return nil, ErrPositionExists
	}

	entry := ps.clock.CatchUp(now)

	pos := &Position{
		Owner:      owner,
		Size:       size,
		IsLong:     isLong,
		EntryIndex: entry,
		OpenedAt:   now,
	}
	ps.positions[owner] = pos
	ps.openInt.RecordOpen(isLong, size)

	cp := *pos
	return &cp, nil
}

// Close settles and removes the owner's position. The returned settlement is
// signed: negative means the owner pays.
func (ps *PositionStore) Close(owner uuid.UUID, now int64) (*Settlement, error) {
	pos, ok := ps.positions[owner]
	if !ok {
		return nil, ErrNoPosition
	}

	index := ps.clock.CatchUp(now)
	amount := settle(pos, index)

	delete(ps.positions, owner)
	ps.openInt.RecordClose(pos.IsLong, pos.Size)

	return &Settlement{
		Position:  pos,
		ExitIndex: index,
		Amount:    amount,
		ClosedAt:  now,
	}, nil
}

// Get returns the owner's position, if any. The returned value is a copy.
func (ps *PositionStore) Get(owner uuid.UUID) (Position, bool) {
	pos, ok := ps.positions[owner]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

func (ps *PositionStore) get(owner uuid.UUID) (*Position, bool) {
	pos, ok := ps.positions[owner]
	return pos, ok
}

// Count returns the number of open positions.
func (ps *PositionStore) Count() int {
	return len(ps.positions)
}

// GetAll returns all positions ordered by owner (for snapshots and hashing).
func (ps *PositionStore) GetAll() []*Position {
	result := make([]*Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		cp := *pos
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Owner[:], result[j].Owner[:]) < 0
	})
	return result
}

// SetPosition directly sets a position (used for snapshot restore). Open
// interest is restored separately and is not touched here.
func (ps *PositionStore) SetPosition(pos *Position) {
	cp := *pos
	ps.positions[pos.Owner] = &cp
}
