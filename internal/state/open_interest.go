package state

import (
	"fmt"

	fpmath "FundingLedger/internal/math"
)

// OpenInterest is the aggregate open size per side.
type OpenInterest struct {
	Long  fpmath.Wad `json:"long"`
	Short fpmath.Wad `json:"short"`
}

// Skew returns long - short.
func (oi OpenInterest) Skew() fpmath.Wad {
	return oi.Long.Sub(oi.Short)
}

// OpenInterestLedger tracks the sum of open position sizes per side.
// Only PositionStore mutates it.
type OpenInterestLedger struct {
	long  fpmath.Wad
	short fpmath.Wad
}

func NewOpenInterestLedger() *OpenInterestLedger {
	return &OpenInterestLedger{}
}

// RecordOpen adds size to the given side.
func (l *OpenInterestLedger) RecordOpen(isLong bool, size fpmath.Wad) {
	if size.Sign() <= 0 {
		panic(fmt.Sprintf("FATAL: open interest increment must be positive, got %s", size))
	}
	if isLong {
		l.long = l.long.Add(size)
	} else {
		l.short = l.short.Add(size)
	}
}

// RecordClose subtracts size from the given side. Removing more than is
// recorded means the ledger is corrupt and panics.
func (l *OpenInterestLedger) RecordClose(isLong bool, size fpmath.Wad) {
	side, current := "short", l.short
	if isLong {
		side, current = "long", l.long
	}

	if current.Cmp(size) < 0 {
		panic(fmt.Sprintf("FATAL: open interest underflow on %s side: have=%s, remove=%s", side, current, size))
	}

	if isLong {
		l.long = current.Sub(size)
	} else {
		l.short = current.Sub(size)
	}
}

// Snapshot returns the current pair.
func (l *OpenInterestLedger) Snapshot() OpenInterest {
	return OpenInterest{Long: l.long, Short: l.short}
}

// Restore directly sets both sides (used for snapshot restore).
func (l *OpenInterestLedger) Restore(oi OpenInterest) {
	if oi.Long.IsNegative() || oi.Short.IsNegative() {
		panic(fmt.Sprintf("FATAL: negative open interest in snapshot: long=%s short=%s", oi.Long, oi.Short))
	}
	l.long = oi.Long
	l.short = oi.Short
}
