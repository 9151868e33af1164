// Package money implements the fixed-point decimal contract the exchange
// runs on: exactly 8 fractional digits, exact add/sub/compare, and a
// truncating multiply. No layer that stores or compares a monetary or
// quantity value is allowed to touch float64.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every Decimal carries.
const Scale = 8

// Symbol is one of the exchange's fixed tradable assets.
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
)

// ValidSymbol reports whether s is a supported trading symbol.
func ValidSymbol(s Symbol) bool {
	return s == BTC || s == ETH
}

// Decimal is a signed fixed-point number scaled to 8 fractional digits.
// It wraps shopspring/decimal, whose coefficient is a math/big.Int, so
// arithmetic never overflows a machine word the way two 10^8-scaled
// int64s multiplied together would.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// Parse reads a decimal string with at most 8 fractional digits and no
// sign other than an optional leading '-'. Negative values are
// rejected at every entry point into the system.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("money: invalid decimal %q: %w", s, err)
	}
	if d.Exponent() < -Scale {
		return Decimal{}, fmt.Errorf("money: %q has more than %d fractional digits", s, Scale)
	}
	if d.IsNegative() {
		return Decimal{}, fmt.Errorf("money: %q is negative", s)
	}
	return Decimal{d: d.Truncate(Scale)}, nil
}

// MustParse is Parse but panics on error; only safe for compile-time
// constants in tests and seed data.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt builds a Decimal from a whole number of units, e.g. FromInt(1)
// for one whole BTC.
func FromInt(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

// Format renders the value with exactly 8 fractional digits, the wire
// contract every client relies on.
func (m Decimal) Format() string {
	return m.d.StringFixed(Scale)
}

func (m Decimal) String() string { return m.Format() }

// Add returns m + other, exact.
func (m Decimal) Add(other Decimal) Decimal {
	return Decimal{d: m.d.Add(other.d)}
}

// Sub returns m - other, exact. Callers that must not go negative check
// Cmp themselves; Sub does not clamp.
func (m Decimal) Sub(other Decimal) Decimal {
	return Decimal{d: m.d.Sub(other.d)}
}

// Mul returns m * other truncated (round-toward-zero) to 8 fractional
// digits.
func (m Decimal) Mul(other Decimal) Decimal {
	return Decimal{d: m.d.Mul(other.d).Truncate(Scale)}
}

// Cmp returns -1, 0, or +1 as m is less than, equal to, or greater than
// other.
func (m Decimal) Cmp(other Decimal) int {
	return m.d.Cmp(other.d)
}

func (m Decimal) LessThan(other Decimal) bool           { return m.Cmp(other) < 0 }
func (m Decimal) LessThanOrEqual(other Decimal) bool    { return m.Cmp(other) <= 0 }
func (m Decimal) GreaterThan(other Decimal) bool        { return m.Cmp(other) > 0 }
func (m Decimal) GreaterThanOrEqual(other Decimal) bool { return m.Cmp(other) >= 0 }

// IsZero reports whether m is exactly zero.
func (m Decimal) IsZero() bool { return m.d.IsZero() }

// IsPositive reports whether m is strictly greater than zero.
func (m Decimal) IsPositive() bool { return m.d.IsPositive() }

// IsNegative reports whether m is strictly less than zero. Parse never
// returns a negative Decimal, but Sub can produce one, since it does
// not clamp.
func (m Decimal) IsNegative() bool { return m.d.IsNegative() }

// Neg returns -m.
func (m Decimal) Neg() Decimal { return Decimal{d: m.d.Neg()} }

// MarshalJSON renders the wire format: a JSON string with exactly
// eight fractional digits, never a bare number.
func (m Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.Format() + `"`), nil
}

// UnmarshalJSON parses the wire format produced by MarshalJSON.
func (m *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value implements driver.Valuer so GORM stores Decimal as a native
// DECIMAL/NUMERIC column instead of a string or float column.
func (m Decimal) Value() (driver.Value, error) {
	return m.d.Value()
}

// Scan implements sql.Scanner for the reverse direction.
func (m *Decimal) Scan(value interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return err
	}
	m.d = d.Truncate(Scale)
	return nil
}

// GormDataType tells GORM's postgres/sqlite dialects to use a
// fixed-precision column rather than inferring one from the Go type.
func (Decimal) GormDataType() string {
	return "numeric(38,8)"
}
