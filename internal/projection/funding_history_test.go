package projection_test

import (
	"testing"

	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/projection"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

func settlementFor(owner uuid.UUID, amount int64) *state.Settlement {
	return &state.Settlement{
		Position: &state.Position{
			Owner:  owner,
			Size:   fpmath.NewWad(100),
			IsLong: amount < 0,
		},
		Amount: fpmath.NewWad(amount),
	}
}

func TestSettlementHistory_NewestFirst(t *testing.T) {
	h := projection.NewSettlementHistory(8)
	owner := uuid.New()

	for i := int64(1); i <= 3; i++ {
		h.Add(projection.EntryFromSettlement(i, "ETH-PERP", settlementFor(owner, -i)))
	}

	got := h.QueryByOwner(owner, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Sequence != 3 || got[2].Sequence != 1 {
		t.Errorf("expected newest first, got %d..%d", got[0].Sequence, got[2].Sequence)
	}
	if got[0].Side != "long" {
		t.Errorf("expected long side, got %s", got[0].Side)
	}
}

func TestSettlementHistory_FiltersByOwner(t *testing.T) {
	h := projection.NewSettlementHistory(8)
	alice, bob := uuid.New(), uuid.New()

	h.Add(projection.EntryFromSettlement(1, "ETH-PERP", settlementFor(alice, 5)))
	h.Add(projection.EntryFromSettlement(2, "ETH-PERP", settlementFor(bob, 7)))
	h.Add(projection.EntryFromSettlement(3, "ETH-PERP", settlementFor(alice, 9)))

	got := h.QueryByOwner(bob, 10)
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("expected only bob's entry, got %+v", got)
	}
	if n := len(h.Recent(2)); n != 2 {
		t.Errorf("Recent(2) returned %d entries", n)
	}
}

func TestSettlementHistory_RingOverwritesOldest(t *testing.T) {
	h := projection.NewSettlementHistory(3)
	owner := uuid.New()

	for i := int64(1); i <= 5; i++ {
		h.Add(projection.EntryFromSettlement(i, "ETH-PERP", settlementFor(owner, i)))
	}

	if h.Len() != 3 {
		t.Fatalf("expected len 3, got %d", h.Len())
	}
	got := h.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []int64{5, 4, 3} {
		if got[i].Sequence != want {
			t.Errorf("entry %d: got sequence %d, want %d", i, got[i].Sequence, want)
		}
	}
}
