package query

import (
	"time"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// Amount carries a WAD value both as raw integer text and as a decimal
// string for humans.
type Amount struct {
	Raw     fpmath.Wad `json:"raw"`
	Decimal string     `json:"decimal"`
}

func amountOf(w fpmath.Wad) Amount {
	return Amount{Raw: w, Decimal: w.Display()}
}

// PositionResponse represents an open position for API queries.
type PositionResponse struct {
	Owner          uuid.UUID `json:"owner"`
	MarketID       string    `json:"market_id"`
	Side           string    `json:"side"`
	Size           Amount    `json:"size"`
	EntryIndex     Amount    `json:"entry_index"`
	OpenedAt       int64     `json:"opened_at"`
	PendingFunding Amount    `json:"pending_funding"` // Derived at query time
	AsOf           int64     `json:"as_of"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// PendingFundingResponse is what closing the position at AsOf would settle.
type PendingFundingResponse struct {
	Owner        uuid.UUID `json:"owner"`
	MarketID     string    `json:"market_id"`
	Pending      Amount    `json:"pending"` // signed: + receives, - pays
	ProjectedIdx Amount    `json:"projected_index"`
	AsOf         int64     `json:"as_of"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// RateResponse is the instantaneous funding rate (fraction per day).
type RateResponse struct {
	MarketID     string `json:"market_id"`
	Rate         Amount `json:"rate"`
	SkewScale    Amount `json:"skew_scale"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OpenInterestResponse is the long/short pair and derived skew.
type OpenInterestResponse struct {
	MarketID     string `json:"market_id"`
	Long         Amount `json:"long"`
	Short        Amount `json:"short"`
	Skew         Amount `json:"skew"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// MarketSummary is the full market funding state.
type MarketSummary struct {
	MarketID       string `json:"market_id"`
	Rate           Amount `json:"rate"`
	StoredIndex    Amount `json:"stored_index"`
	LastUpdate     int64  `json:"last_update"`
	ProjectedIndex Amount `json:"projected_index"`
	Long           Amount `json:"long"`
	Short          Amount `json:"short"`
	OpenPositions  int    `json:"open_positions"`
	PoolResidual   Amount `json:"pool_residual"` // long/short settlement mismatch
	AsOf           int64  `json:"as_of"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// RealisedFundingResponse is the owner's net settled funding.
type RealisedFundingResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Realised     Amount    `json:"realised"` // + received overall, - paid
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SettlementResponse represents one closed position's funding.
type SettlementResponse struct {
	Sequence   int64     `json:"sequence"`
	Owner      uuid.UUID `json:"owner"`
	MarketID   string    `json:"market_id"`
	Side       string    `json:"side"`
	Size       Amount    `json:"size"`
	EntryIndex Amount    `json:"entry_index"`
	ExitIndex  Amount    `json:"exit_index"`
	Amount     Amount    `json:"amount"`
	OpenedAt   int64     `json:"opened_at"`
	ClosedAt   int64     `json:"closed_at"`
}

// IndexPoint is the market funding state after one event.
type IndexPoint struct {
	Sequence      int64     `json:"sequence"`
	EventType     string    `json:"event_type"`
	Cumulative    Amount    `json:"cumulative"`
	LastUpdate    int64     `json:"last_update"`
	Rate          Amount    `json:"rate"`
	Long          Amount    `json:"long"`
	Short         Amount    `json:"short"`
	OpenPositions int       `json:"open_positions"`
	Timestamp     time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID  `json:"journal_id"`
	BatchID       uuid.UUID  `json:"batch_id"`
	EventRef      string     `json:"event_ref"`
	Sequence      int64      `json:"sequence"`
	DebitAccount  string     `json:"debit_account"`
	CreditAccount string     `json:"credit_account"`
	Amount        fpmath.Wad `json:"amount"`
	JournalType   string     `json:"journal_type"`
	Timestamp     int64      `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"`
	JournalImbalance  *Amount `json:"journal_imbalance,omitempty"`
	SettlementDrift   *Amount `json:"settlement_drift,omitempty"`
	ProjectedSequence int64   `json:"projected_sequence"`
}
