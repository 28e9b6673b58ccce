package state

import (
	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// Position is a single open position. An owner holds at most one; a missing
// map entry means no position, never a zero-size record.
type Position struct {
	Owner      uuid.UUID  `json:"owner"`
	Size       fpmath.Wad `json:"size"`
	IsLong     bool       `json:"is_long"`
	EntryIndex fpmath.Wad `json:"entry_index"`
	OpenedAt   int64      `json:"opened_at"` // unix seconds
}

// Side returns "long" or "short".
func (p *Position) Side() string {
	if p.IsLong {
		return "long"
	}
	return "short"
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	// side (1 byte)
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = p.Size.AppendCanonical(buf)
	buf = p.EntryIndex.AppendCanonical(buf)

	// opened_at (8 bytes LE)
	buf = appendInt64LE(buf, p.OpenedAt)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
