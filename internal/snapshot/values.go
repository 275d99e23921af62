package snapshot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// canonicalDecimal accepts plain fixed-point notation only: optional minus,
// no superfluous leading zeros, no exponent, no plus sign.
var canonicalDecimal = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?$`)

// Decimal is a fixed-point value that remembers its scale.
//
// "10.00" and "10" are numerically equal but serialize differently. Keeping the
// scale is what lets a value survive export and import byte for byte.
// The zero value is "0".
type Decimal struct {
	value decimal.Decimal
	scale int32
}

// ParseDecimal parses a canonical fixed-point string.
// Negative zero ("-0.00") is rejected because it cannot be reproduced.
func ParseDecimal(s string) (Decimal, error) {
	if !canonicalDecimal.MatchString(s) {
		return Decimal{}, fmt.Errorf("%q is not a canonical fixed-point decimal", s)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if v.IsZero() && strings.HasPrefix(s, "-") {
		return Decimal{}, fmt.Errorf("%q is a negative zero", s)
	}
	var scale int32
	if i := strings.IndexByte(s, '.'); i >= 0 {
		scale = int32(len(s) - i - 1)
	}
	return Decimal{value: v, scale: scale}, nil
}

// MustDecimal is ParseDecimal for literals; it panics on malformed input.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewDecimal builds unscaled × 10^-scale, e.g. NewDecimal(1050, 2) is "10.50".
func NewDecimal(unscaled int64, scale int32) Decimal {
	if scale < 0 {
		scale = 0
	}
	return Decimal{value: decimal.New(unscaled, -scale), scale: scale}
}

// String returns the canonical fixed-point form.
func (d Decimal) String() string {
	return d.value.StringFixed(d.scale)
}

// Scale returns the number of fractional digits carried by the value.
func (d Decimal) Scale() int32 {
	return d.scale
}

// Value exposes the arbitrary-precision value for arithmetic.
func (d Decimal) Value() decimal.Decimal {
	return d.value
}

// Identical reports whether both values serialize to the same string.
func (d Decimal) Identical(o Decimal) bool {
	return d.String() == o.String()
}

// Cmp compares numerically, ignoring scale.
func (d Decimal) Cmp(o Decimal) int {
	return d.value.Cmp(o.value)
}

// MarshalJSON writes the decimal as a JSON string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON only accepts JSON strings; bare numbers would round-trip
// through float64 and lose precision.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		return fmt.Errorf("decimal must be a JSON string, got %s", string(data))
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// StoreLayout is the fixed-width UTC layout used for timestamp columns.
// Fixed width keeps lexical order equal to chronological order.
const StoreLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp is an instant that travels as an RFC 3339 string in UTC.
type Timestamp struct {
	t time.Time
}

// NewTimestamp normalizes t to UTC and drops the monotonic reading.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.Round(0).UTC()}
}

// ParseTimestamp parses an RFC 3339 string (fractional seconds optional).
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// ParseStoreTimestamp parses a value written with StoreLayout.
func ParseStoreTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(StoreLayout, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// Time returns the instant in UTC.
func (t Timestamp) Time() time.Time {
	return t.t
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.t.IsZero()
}

// String returns the wire form (RFC 3339, nanoseconds trimmed).
func (t Timestamp) String() string {
	return t.t.Format(time.RFC3339Nano)
}

// StoreString returns the fixed-width column form.
func (t Timestamp) StoreString() string {
	return t.t.Format(StoreLayout)
}

// MarshalJSON writes the wire form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses the wire form.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a JSON string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

const dateLayout = "2006-01-02"

// Date is a calendar date (business day) with no time of day.
type Date struct {
	t time.Time
}

// NewDate builds a calendar date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses an ISO-8601 calendar date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// String returns YYYY-MM-DD.
func (d Date) String() string {
	return d.t.Format(dateLayout)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// MarshalJSON writes YYYY-MM-DD.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses YYYY-MM-DD.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a JSON string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
