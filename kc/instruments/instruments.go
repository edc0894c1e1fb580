package instruments

import (
	"time"
)

// OptionType classifies a contract as a call, a put or neither.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
	None OptionType = "NONE"
)

// OptionTypeOf maps a Kite instrument_type (CE, PE, FUT, EQ, ...) to an OptionType.
func OptionTypeOf(instrumentType string) OptionType {
	switch instrumentType {
	case "CE":
		return Call
	case "PE":
		return Put
	default:
		return None
	}
}

// Instrument is one tradable contract. Instruments are immutable once
// loaded into a catalog.
type Instrument struct {
	ID              string     `json:"id"` // EXCHANGE:TRADINGSYMBOL
	InstrumentToken uint32     `json:"instrument_token"`
	Tradingsymbol   string     `json:"tradingsymbol"`
	Exchange        string     `json:"exchange"`
	Name            string     `json:"name"` // underlying for derivatives
	Strike          int        `json:"strike"`
	OptionType      OptionType `json:"option_type"`
	InstrumentType  string     `json:"instrument_type"`
	Segment         string     `json:"segment"`
	Expiry          time.Time  `json:"expiry"`
	LotSize         int        `json:"lot_size"`
	TickSize        float64    `json:"tick_size"`
}

// ExpiryKey is the calendar date of an expiry, independent of the location
// the time value carries.
func ExpiryKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ContractKey identifies an option or future in the catalog.
type ContractKey struct {
	Underlying string
	Expiry     string
	Strike     int
	Type       OptionType
}

// SeriesKey identifies every strike of one underlying for one expiry.
type SeriesKey struct {
	Underlying string
	Expiry     string
}

// KeyOf returns the contract key of inst.
func KeyOf(inst *Instrument) ContractKey {
	return ContractKey{
		Underlying: inst.Name,
		Expiry:     ExpiryKey(inst.Expiry),
		Strike:     inst.Strike,
		Type:       inst.OptionType,
	}
}
