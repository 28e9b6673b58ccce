package math_test

import (
	"encoding/json"
	"testing"

	fpmath "FundingLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWad_Decimal(t *testing.T) {
	w, err := fpmath.ParseWad("0.1")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", w.String())

	w, err = fpmath.ParseWad("-2.5")
	require.NoError(t, err)
	assert.Equal(t, "-2500000000000000000", w.String())
	assert.Equal(t, "-2.5", w.Display())
}

func TestParseWad_TruncatesBeyondEighteenDigits(t *testing.T) {
	w, err := fpmath.ParseWad("0.0000000000000000019")
	require.NoError(t, err)
	assert.Equal(t, "1", w.String())

	w, err = fpmath.ParseWad("-0.0000000000000000019")
	require.NoError(t, err)
	assert.Equal(t, "-1", w.String())
}

func TestParseRaw_Rejects(t *testing.T) {
	_, err := fpmath.ParseRaw("1.5")
	assert.Error(t, err)
	_, err = fpmath.ParseRaw("abc")
	assert.Error(t, err)
}

func TestMul_TruncatesTowardZero(t *testing.T) {
	// 1 wei * 0.5 = 0.5 wei -> 0
	half := fpmath.MustParseRaw("500000000000000000")
	assert.True(t, fpmath.NewWad(1).Mul(half).IsZero())

	// 3 wei * 0.5 = 1.5 wei -> 1
	assert.Equal(t, "1", fpmath.NewWad(3).Mul(half).String())

	// -3 wei * 0.5 = -1.5 wei -> -1 (toward zero, not floor)
	assert.Equal(t, "-1", fpmath.NewWad(-3).Mul(half).String())
}

func TestMulDiv_SingleTruncation(t *testing.T) {
	got := fpmath.MulDiv(fpmath.NewWad(10), fpmath.NewWad(10), fpmath.NewWad(3))
	assert.Equal(t, "33", got.String())

	got = fpmath.MulDiv(fpmath.NewWad(-10), fpmath.NewWad(10), fpmath.NewWad(3))
	assert.Equal(t, "-33", got.String())
}

func TestMulDiv_ZeroDivisorPanics(t *testing.T) {
	assert.Panics(t, func() {
		fpmath.MulDiv(fpmath.One, fpmath.One, fpmath.Zero)
	})
}

func TestWad_ZeroValueIsUsable(t *testing.T) {
	var w fpmath.Wad
	assert.True(t, w.IsZero())
	assert.Equal(t, "0", w.String())
	assert.Equal(t, "5", w.Add(fpmath.NewWad(5)).String())
}

func TestWad_Immutable(t *testing.T) {
	a := fpmath.NewWad(7)
	_ = a.Add(fpmath.NewWad(1))
	_ = a.Neg()
	assert.Equal(t, "7", a.String())
}

func TestWad_LargeProductsDoNotOverflow(t *testing.T) {
	// 70,000,000e8 * 0.4e18 exceeds int64 before rescaling.
	size := fpmath.MustParseRaw("7000000000000000")
	index := fpmath.MustParseRaw("400000000000000000")
	assert.Equal(t, "2800000000000000", size.Mul(index).String())
}

func TestWad_JSONRoundTripAsString(t *testing.T) {
	w := fpmath.MustParseRaw("-123456789012345678901234567890")
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Equal(t, `"-123456789012345678901234567890"`, string(data))

	var back fpmath.Wad
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(w))

	require.NoError(t, json.Unmarshal([]byte(`42`), &back))
	assert.Equal(t, "42", back.String())
}

func TestWad_ScanNumericText(t *testing.T) {
	var w fpmath.Wad
	require.NoError(t, w.Scan([]byte("1000000000000000000")))
	assert.True(t, w.Equal(fpmath.One))

	require.NoError(t, w.Scan("-5.0"))
	assert.Equal(t, "-5", w.String())

	require.NoError(t, w.Scan(nil))
	assert.True(t, w.IsZero())
}

func TestWad_CanonicalEncodingDistinguishesSign(t *testing.T) {
	pos := fpmath.NewWad(5).AppendCanonical(nil)
	neg := fpmath.NewWad(-5).AppendCanonical(nil)
	assert.NotEqual(t, pos, neg)
	assert.Equal(t, []byte{0, 1, 5}, pos)
}
