package market

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// NotAvailable is how an unavailable Value renders for display.
const NotAvailable = "N/A"

// Value is a numeric field that may be unavailable. An unavailable value is
// never conflated with zero: it marshals to JSON null and renders as N/A.
type Value struct {
	Value float64
	Valid bool
}

// Unavailable is the zero Value.
var Unavailable = Value{}

// Some returns a valid Value holding v.
func Some(v float64) Value {
	return Value{Value: v, Valid: true}
}

// Get returns the value and whether it is available.
func (v Value) Get() (float64, bool) {
	return v.Value, v.Valid
}

func (v Value) String() string {
	if !v.Valid {
		return NotAvailable
	}
	return strconv.FormatFloat(v.Value, 'f', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Value)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Unavailable
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Some(f)
	return nil
}

// Round2 rounds f half away from zero to two decimal places.
func Round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
