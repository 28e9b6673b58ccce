package state

import (
	fpmath "FundingLedger/internal/math"
)

// FundingIndex is the time-integral of the funding rate since inception.
type FundingIndex struct {
	Cumulative fpmath.Wad `json:"cumulative"`
	LastUpdate int64      `json:"last_update"` // unix seconds
}

// AccumulatorClock owns the FundingIndex. The index only moves through
// CatchUp; Peek reads the same projection without writing it.
type AccumulatorClock struct {
	index       FundingIndex
	openInt     *OpenInterestLedger
	model       *FundingRateModel
	regressions int64
}

func NewAccumulatorClock(openInt *OpenInterestLedger, model *FundingRateModel) *AccumulatorClock {
	return &AccumulatorClock{
		openInt: openInt,
		model:   model,
	}
}

// CatchUp integrates the current rate up to now and stores the result.
// A now earlier than LastUpdate accrues nothing and leaves LastUpdate where
// it is, so the interval is never counted twice.
func (c *AccumulatorClock) CatchUp(now int64) fpmath.Wad {
	c.index.Cumulative = c.project(now)
	if now > c.index.LastUpdate {
		c.index.LastUpdate = now
	} else if now < c.index.LastUpdate {
		c.regressions++
	}
	return c.index.Cumulative
}

// Peek returns what Cumulative would be after CatchUp(now).
func (c *AccumulatorClock) Peek(now int64) fpmath.Wad {
	return c.project(now)
}

func (c *AccumulatorClock) project(now int64) fpmath.Wad {
	rate := c.model.CurrentRate(c.openInt.Snapshot())
	return fpmath.ProjectFundingIndex(c.index.Cumulative, c.index.LastUpdate, rate, now)
}

// Index returns the stored (not projected) index.
func (c *AccumulatorClock) Index() FundingIndex {
	return c.index
}

// Regressions counts CatchUp calls whose now was behind LastUpdate.
func (c *AccumulatorClock) Regressions() int64 {
	return c.regressions
}

// Restore directly sets the index (used for snapshot restore).
func (c *AccumulatorClock) Restore(idx FundingIndex) {
	c.index = idx
}
