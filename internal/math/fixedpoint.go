package math

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WadDecimals is the number of fractional digits carried by every Wad.
const WadDecimals = 18

var (
	wadScale   = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)
	zeroBig    = new(big.Int)
	maxNumeric = new(big.Int).Exp(big.NewInt(10), big.NewInt(78), nil) // NUMERIC(78,0) bound
)

// Wad is a signed fixed-point number with 18 fractional digits.
// The raw integer 1e18 represents 1.0. Values are immutable: every
// operation returns a fresh Wad. The zero value is 0.
type Wad struct {
	i *big.Int
}

var (
	// Zero is the additive identity.
	Zero = Wad{}
	// One is 1.0 in WAD units (raw 1e18).
	One = Wad{i: new(big.Int).Set(wadScale)}
)

// NewWad builds a Wad from a raw int64 (already scaled).
func NewWad(raw int64) Wad {
	return Wad{i: big.NewInt(raw)}
}

// WadFromBig copies a raw big.Int into a Wad.
func WadFromBig(raw *big.Int) Wad {
	if raw == nil {
		return Zero
	}
	return Wad{i: new(big.Int).Set(raw)}
}

// Units returns n whole units (n * 1e18).
func Units(n int64) Wad {
	v := big.NewInt(n)
	return Wad{i: v.Mul(v, wadScale)}
}

// ParseRaw parses a raw integer string ("100000000000000000" is 0.1).
func ParseRaw(s string) (Wad, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("invalid raw wad %q", s)
	}
	if new(big.Int).Abs(v).Cmp(maxNumeric) >= 0 {
		return Zero, fmt.Errorf("raw wad %q out of range", s)
	}
	return Wad{i: v}, nil
}

// MustParseRaw is ParseRaw for constants and tests.
func MustParseRaw(s string) Wad {
	w, err := ParseRaw(s)
	if err != nil {
		panic(err)
	}
	return w
}

// ParseWad parses a human-readable decimal ("0.1", "-2.5") into WAD units.
// Digits beyond the 18th fractional place are truncated toward zero.
func ParseWad(s string) (Wad, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	raw := d.Shift(WadDecimals).Truncate(0).BigInt()
	return Wad{i: raw}, nil
}

func (w Wad) big() *big.Int {
	if w.i == nil {
		return zeroBig
	}
	return w.i
}

// BigInt returns a copy of the raw integer.
func (w Wad) BigInt() *big.Int {
	return new(big.Int).Set(w.big())
}

// Add returns w + o.
func (w Wad) Add(o Wad) Wad {
	return Wad{i: new(big.Int).Add(w.big(), o.big())}
}

// Sub returns w - o.
func (w Wad) Sub(o Wad) Wad {
	return Wad{i: new(big.Int).Sub(w.big(), o.big())}
}

// Neg returns -w.
func (w Wad) Neg() Wad {
	return Wad{i: new(big.Int).Neg(w.big())}
}

// Mul returns w * o / 1e18, truncated toward zero.
func (w Wad) Mul(o Wad) Wad {
	return MulDiv(w, o, One)
}

// Div returns w * 1e18 / o, truncated toward zero. Panics on division by zero.
func (w Wad) Div(o Wad) Wad {
	return MulDiv(w, One, o)
}

// MulDiv returns a * b / c with a single truncation toward zero.
// Panics if c is zero.
func MulDiv(a, b, c Wad) Wad {
	if c.IsZero() {
		panic("FATAL: wad division by zero")
	}
	num := new(big.Int).Mul(a.big(), b.big())
	return Wad{i: num.Quo(num, c.big())} // Quo truncates toward zero
}

// MulInt returns w * n without rescaling.
func (w Wad) MulInt(n int64) Wad {
	return Wad{i: new(big.Int).Mul(w.big(), big.NewInt(n))}
}

// QuoInt returns w / n truncated toward zero. Panics if n is zero.
func (w Wad) QuoInt(n int64) Wad {
	if n == 0 {
		panic("FATAL: wad division by zero")
	}
	return Wad{i: new(big.Int).Quo(w.big(), big.NewInt(n))}
}

// Cmp compares w and o (-1, 0, +1).
func (w Wad) Cmp(o Wad) int {
	return w.big().Cmp(o.big())
}

// Equal reports w == o.
func (w Wad) Equal(o Wad) bool {
	return w.Cmp(o) == 0
}

// Sign returns -1, 0 or +1.
func (w Wad) Sign() int {
	return w.big().Sign()
}

// IsZero reports w == 0.
func (w Wad) IsZero() bool {
	return w.Sign() == 0
}

// IsNegative reports w < 0.
func (w Wad) IsNegative() bool {
	return w.Sign() < 0
}

// Abs returns |w|.
func (w Wad) Abs() Wad {
	return Wad{i: new(big.Int).Abs(w.big())}
}

// String returns the raw integer text.
func (w Wad) String() string {
	return w.big().String()
}

// Decimal returns the value as a shopspring decimal (raw * 10^-18).
func (w Wad) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(w.big(), -WadDecimals)
}

// Display returns a human-readable decimal string ("0.1").
func (w Wad) Display() string {
	return w.Decimal().String()
}

// Float64 is a lossy conversion for metrics only.
func (w Wad) Float64() float64 {
	f, _ := w.Decimal().Float64()
	return f
}

// AppendCanonical appends a deterministic encoding (sign byte, length, big-endian magnitude).
func (w Wad) AppendCanonical(buf []byte) []byte {
	v := w.big()
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := new(big.Int).Abs(v).Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

// MarshalJSON encodes the raw integer as a JSON string.
func (w Wad) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts a raw integer as a JSON string or number.
func (w *Wad) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	if s == "" || s == "null" {
		*w = Zero
		return nil
	}
	v, err := ParseRaw(s)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// Value implements driver.Valuer; stored as NUMERIC(78,0) text.
func (w Wad) Value() (driver.Value, error) {
	return w.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (w *Wad) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*w = Zero
		return nil
	case int64:
		*w = NewWad(v)
		return nil
	case []byte:
		return w.scanString(string(v))
	case string:
		return w.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into Wad", src)
	}
}

func (w *Wad) scanString(s string) error {
	// NUMERIC(78,0) can come back as "123" or "123.0" depending on the driver path.
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("scan wad %q: %w", s, err)
	}
	*w = Wad{i: d.Truncate(0).BigInt()}
	return nil
}
