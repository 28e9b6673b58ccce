package projection

import (
	"sync"

	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

// SettlementEntry is one realised funding settlement.
type SettlementEntry struct {
	Sequence   int64      `json:"sequence"`
	Owner      uuid.UUID  `json:"owner"`
	MarketID   string     `json:"market_id"`
	Side       string     `json:"side"`
	Size       fpmath.Wad `json:"size"`
	EntryIndex fpmath.Wad `json:"entry_index"`
	ExitIndex  fpmath.Wad `json:"exit_index"`
	Amount     fpmath.Wad `json:"amount"` // signed: + received, - paid
	OpenedAt   int64      `json:"opened_at"`
	ClosedAt   int64      `json:"closed_at"`
}

// EntryFromSettlement builds a history entry from a core settlement.
func EntryFromSettlement(sequence int64, marketID string, s *state.Settlement) SettlementEntry {
	return SettlementEntry{
		Sequence:   sequence,
		Owner:      s.Position.Owner,
		MarketID:   marketID,
		Side:       s.Position.Side(),
		Size:       s.Position.Size,
		EntryIndex: s.Position.EntryIndex,
		ExitIndex:  s.ExitIndex,
		Amount:     s.Amount,
		OpenedAt:   s.Position.OpenedAt,
		ClosedAt:   s.ClosedAt,
	}
}

// SettlementHistory keeps the most recent settlements in memory so the query
// layer can answer "recent settlements" without a Postgres round trip.
// Older entries live only in projections.funding_settlements.
type SettlementHistory struct {
	mu       sync.RWMutex
	entries  []SettlementEntry // ring buffer
	next     int
	full     bool
	capacity int
}

func NewSettlementHistory(capacity int) *SettlementHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &SettlementHistory{
		entries:  make([]SettlementEntry, capacity),
		capacity: capacity,
	}
}

// Add records a settlement, overwriting the oldest when full.
func (h *SettlementHistory) Add(entry SettlementEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = entry
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.full = true
	}
}

// Len returns how many entries are held.
func (h *SettlementHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.capacity
	}
	return h.next
}

// QueryByOwner returns up to limit of owner's settlements, newest first.
func (h *SettlementHistory) QueryByOwner(owner uuid.UUID, limit int) []SettlementEntry {
	return h.query(limit, func(e *SettlementEntry) bool { return e.Owner == owner })
}

// Recent returns up to limit settlements across all owners, newest first.
func (h *SettlementHistory) Recent(limit int) []SettlementEntry {
	return h.query(limit, func(*SettlementEntry) bool { return true })
}

func (h *SettlementHistory) query(limit int, match func(*SettlementEntry) bool) []SettlementEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = h.capacity
	}

	result := make([]SettlementEntry, 0)
	for i := 1; i <= n && len(result) < limit; i++ {
		idx := (h.next - i + h.capacity) % h.capacity
		if match(&h.entries[idx]) {
			result = append(result, h.entries[idx])
		}
	}
	return result
}
