package ledger

import (
	"fmt"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Wad
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Wad),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Wad {
	return bt.balances[key]
}

// GetRealisedFunding returns the net funding an owner has realised.
// Positive means the owner has received more than it paid.
func (bt *BalanceTracker) GetRealisedFunding(owner uuid.UUID) fpmath.Wad {
	return bt.GetBalance(NewUserAccountKey(owner))
}

// GetFundingPool returns the funding pool balance. A non-zero value is the
// accumulated long/short mismatch.
func (bt *BalanceTracker) GetFundingPool() fpmath.Wad {
	return bt.GetBalance(FundingPoolKey)
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() fpmath.Wad {
	total := fpmath.Zero
	for _, balance := range bt.balances {
		total = total.Add(balance)
	}
	return total
}

// SetBalance directly sets a balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance fpmath.Wad) {
	bt.balances[key] = balance
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Wad {
	snapshot := make(map[AccountKey]fpmath.Wad, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
