package math

// SecondsPerDay converts the per-day funding rate into a per-second accrual.
const SecondsPerDay int64 = 86_400

// DefaultSkewScale is the notional imbalance at which the rate reaches 100%/day
// (100,000,000e8 raw units).
var DefaultSkewScale = MustParseRaw("10000000000000000")

// ComputeFundingRate returns the instantaneous rate (fraction per day, WAD):
//
//	rate = (long - short) * 1e18 / skewScale
//
// Positive means longs pay shorts. No clamping is applied.
func ComputeFundingRate(longSize, shortSize, skewScale Wad) Wad {
	skew := longSize.Sub(shortSize)
	if skew.IsZero() {
		return Zero
	}
	return MulDiv(skew, One, skewScale)
}

// ProjectFundingIndex integrates a constant rate from lastUpdate to now:
//
//	stored + rate * max(now - lastUpdate, 0) / 86400
//
// Both the mutating catch-up and the read-only peek go through this
// function; it is the only place the accrual arithmetic lives.
func ProjectFundingIndex(stored Wad, lastUpdate int64, rate Wad, now int64) Wad {
	elapsed := now - lastUpdate
	if elapsed <= 0 {
		return stored
	}
	return stored.Add(rate.MulInt(elapsed).QuoInt(SecondsPerDay))
}

// ComputeFundingSettlement returns the signed funding owed to (+) or by (-)
// a position:
//
//	raw = size * (currentIndex - entryIndex) / 1e18
//	long: -raw, short: +raw
func ComputeFundingSettlement(size, entryIndex, currentIndex Wad, isLong bool) Wad {
	raw := size.Mul(currentIndex.Sub(entryIndex))
	if isLong {
		return raw.Neg()
	}
	return raw
}
