package state

import (
	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// Settlement is the outcome of closing a position.
type Settlement struct {
	Position  *Position
	ExitIndex fpmath.Wad
	Amount    fpmath.Wad // signed: + owner receives, - owner pays
	ClosedAt  int64
}

// SettlementEngine answers pending-funding queries. It never mutates state.
type SettlementEngine struct {
	store *PositionStore
	clock *AccumulatorClock
}

func NewSettlementEngine(store *PositionStore, clock *AccumulatorClock) *SettlementEngine {
	return &SettlementEngine{store: store, clock: clock}
}

// PendingFunding returns what Close would settle for owner at now.
func (se *SettlementEngine) PendingFunding(owner uuid.UUID, now int64) (fpmath.Wad, error) {
	pos, ok := se.store.get(owner)
	if !ok {
		return fpmath.Zero, ErrNoPosition
	}
	return settle(pos, se.clock.Peek(now)), nil
}

// settle is shared by PendingFunding and PositionStore.Close.
func settle(pos *Position, index fpmath.Wad) fpmath.Wad {
	return fpmath.ComputeFundingSettlement(pos.Size, pos.EntryIndex, index, pos.IsLong)
}
