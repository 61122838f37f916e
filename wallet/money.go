package wallet

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is a monetary amount in minor units (cents). All arithmetic in the
// service is integer arithmetic; the two-decimal notation exists only at the
// JSON boundary.
type Money int64

// ParseMoney parses a fixed-point decimal string with at most two fractional
// digits into minor units. No floating point is involved.
func ParseMoney(s string) (Money, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty monetary amount")
	}

	negative := false
	switch raw[0] {
	case '-':
		negative = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}

	intPart, fracPart, hasFrac := strings.Cut(raw, ".")
	if intPart == "" {
		return 0, fmt.Errorf("malformed monetary amount %q", s)
	}
	if hasFrac && (fracPart == "" || len(fracPart) > 2) {
		return 0, fmt.Errorf("monetary amount %q must have at most two decimal places", s)
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed monetary amount %q", s)
	}

	var cents int64
	if hasFrac {
		for len(fracPart) < 2 {
			fracPart += "0"
		}
		cents, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil || cents < 0 {
			return 0, fmt.Errorf("malformed monetary amount %q", s)
		}
	}

	const maxUnits = int64(92233720368547758) // MaxInt64 / 100 rounded down
	if units > maxUnits || units < -maxUnits {
		return 0, fmt.Errorf("monetary amount %q out of range", s)
	}

	total := units*100 + cents
	if negative {
		total = -total
	}
	return Money(total), nil
}

// String renders the amount in fixed two-decimal notation, e.g. "120.50".
func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// MarshalJSON emits the amount as a JSON number in two-decimal notation.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number (or quoted decimal string) with at most
// two fractional digits.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		return fmt.Errorf("monetary amount must not be null")
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
