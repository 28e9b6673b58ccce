package state

import (
	"fmt"

	fpmath "FundingLedger/internal/math"
)

// FundingRateModel derives the instantaneous funding rate from skew.
type FundingRateModel struct {
	skewScale fpmath.Wad
}

// NewFundingRateModel panics on a non-positive scale; config validation
// rejects that before the engine is built.
func NewFundingRateModel(skewScale fpmath.Wad) *FundingRateModel {
	if skewScale.Sign() <= 0 {
		panic(fmt.Sprintf("FATAL: skew scale must be positive, got %s", skewScale))
	}
	return &FundingRateModel{skewScale: skewScale}
}

// SkewScale returns the configured scale.
func (m *FundingRateModel) SkewScale() fpmath.Wad {
	return m.skewScale
}

// CurrentRate returns (long - short) * 1e18 / skewScale. Unclamped.
func (m *FundingRateModel) CurrentRate(oi OpenInterest) fpmath.Wad {
	return fpmath.ComputeFundingRate(oi.Long, oi.Short, m.skewScale)
}
