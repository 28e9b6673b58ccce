package state

import (
	"fmt"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// FundingEngine wires the per-market funding components together. It is
// not safe for concurrent use; the deterministic core serializes access.
type FundingEngine struct {
	marketID   string
	openInt    *OpenInterestLedger
	model      *FundingRateModel
	clock      *AccumulatorClock
	store      *PositionStore
	settlement *SettlementEngine
}

func NewFundingEngine(marketID string, skewScale fpmath.Wad) *FundingEngine {
	openInt := NewOpenInterestLedger()
	model := NewFundingRateModel(skewScale)
	clock := NewAccumulatorClock(openInt, model)
	store := NewPositionStore(openInt, clock)

	return &FundingEngine{
		marketID:   marketID,
		openInt:    openInt,
		model:      model,
		clock:      clock,
		store:      store,
		settlement: NewSettlementEngine(store, clock),
	}
}

func (e *FundingEngine) MarketID() string {
	return e.marketID
}

func (e *FundingEngine) Open(owner uuid.UUID, size fpmath.Wad, isLong bool, now int64) (*Position, error) {
	return e.store.Open(owner, size, isLong, now)
}

func (e *FundingEngine) Close(owner uuid.UUID, now int64) (*Settlement, error) {
	return e.store.Close(owner, now)
}

func (e *FundingEngine) PendingFunding(owner uuid.UUID, now int64) (fpmath.Wad, error) {
	return e.settlement.PendingFunding(owner, now)
}

// CatchUp advances the index to now. Never fails.
func (e *FundingEngine) CatchUp(now int64) fpmath.Wad {
	return e.clock.CatchUp(now)
}

// PeekIndex projects the index to now without storing it.
func (e *FundingEngine) PeekIndex(now int64) fpmath.Wad {
	return e.clock.Peek(now)
}

// CurrentRate is the instantaneous rate for the current open interest.
func (e *FundingEngine) CurrentRate() fpmath.Wad {
	return e.model.CurrentRate(e.openInt.Snapshot())
}

func (e *FundingEngine) OpenInterest() OpenInterest {
	return e.openInt.Snapshot()
}

func (e *FundingEngine) Index() FundingIndex {
	return e.clock.Index()
}

func (e *FundingEngine) SkewScale() fpmath.Wad {
	return e.model.SkewScale()
}

func (e *FundingEngine) Position(owner uuid.UUID) (Position, bool) {
	return e.store.Get(owner)
}

func (e *FundingEngine) Positions() []*Position {
	return e.store.GetAll()
}

func (e *FundingEngine) PositionCount() int {
	return e.store.Count()
}

func (e *FundingEngine) ClockRegressions() int64 {
	return e.clock.Regressions()
}

// CanonicalBytes serializes open interest and the stored index for the
// state digest.
func (e *FundingEngine) CanonicalBytes() []byte {
	oi := e.openInt.Snapshot()
	idx := e.clock.Index()

	buf := make([]byte, 0, 128)
	buf = append(buf, byte(len(e.marketID)))
	buf = append(buf, e.marketID...)
	buf = oi.Long.AppendCanonical(buf)
	buf = oi.Short.AppendCanonical(buf)
	buf = idx.Cumulative.AppendCanonical(buf)
	buf = appendInt64LE(buf, idx.LastUpdate)
	return buf
}

// Restore replaces open interest, index and positions from a snapshot.
// The snapshot is rejected if its open interest disagrees with its positions
// or if an owner appears twice.
func (e *FundingEngine) Restore(oi OpenInterest, idx FundingIndex, positions []*Position) error {
	var long, short fpmath.Wad
	seen := make(map[uuid.UUID]struct{}, len(positions))
	for _, pos := range positions {
		if _, dup := seen[pos.Owner]; dup {
			return fmt.Errorf("snapshot lists owner %s more than once", pos.Owner)
		}
		seen[pos.Owner] = struct{}{}
		if pos.Size.Sign() <= 0 {
			return fmt.Errorf("snapshot position %s has non-positive size %s", pos.Owner, pos.Size)
		}
		if pos.IsLong {
			long = long.Add(pos.Size)
		} else {
			short = short.Add(pos.Size)
		}
	}
	if !long.Equal(oi.Long) || !short.Equal(oi.Short) {
		return fmt.Errorf("snapshot open interest mismatch: recorded long=%s short=%s, positions long=%s short=%s",
			oi.Long, oi.Short, long, short)
	}

	e.openInt.Restore(oi)
	e.clock.Restore(idx)
	for _, pos := range positions {
		e.store.SetPosition(pos)
	}
	return nil
}
