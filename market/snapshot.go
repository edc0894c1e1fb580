// Package market holds the data model shared by the aggregation engine, the
// snapshot cache, the session scheduler and the presentation boundary.
package market

import (
	"time"
)

// Snapshot section names, used in Snapshot.Degraded.
const (
	SectionCatalog = "catalog"
	SectionIndices = "indices"
	SectionATM     = "atm"
	SectionChains  = "option_chains"
	SectionFutures = "futures"
	SectionMovers  = "movers"
)

// ExpirySet holds the holiday-adjusted weekly and monthly expiries for one
// evaluation.
type ExpirySet struct {
	Weekly  time.Time `json:"weekly"`
	Monthly time.Time `json:"monthly"`
}

// IndexQuote is one row of the index block.
type IndexQuote struct {
	Name          string     `json:"name"`
	Symbol        string     `json:"symbol"`
	LastPrice     Value      `json:"last_price"`
	ChangePct     Value      `json:"change_pct"`
	LastTradeTime *time.Time `json:"last_trade_time"`
}

// FuturesQuote is the current-month futures contract of an underlying.
type FuturesQuote struct {
	Underlying string    `json:"underlying"`
	Symbol     string    `json:"symbol"`
	Expiry     time.Time `json:"expiry"`
	LastPrice  Value     `json:"last_price"`
	ChangePct  Value     `json:"change_pct"`
	OI         Value     `json:"oi"`
	Volume     Value     `json:"volume"`
	VWAP       Value     `json:"vwap"`
}

// ATMSummary names the at-the-money call and put of an underlying.
// Available is false when the spot or the exact catalog strike is missing.
type ATMSummary struct {
	Underlying string    `json:"underlying"`
	Expiry     time.Time `json:"expiry"`
	Spot       Value     `json:"spot"`
	Strike     int       `json:"strike"`
	Available  bool      `json:"available"`
	CallSymbol string    `json:"call_symbol,omitempty"`
	PutSymbol  string    `json:"put_symbol,omitempty"`
	CallOI     Value     `json:"call_oi"`
	PutOI      Value     `json:"put_oi"`
}

// OptionLeg is the call or the put side of an option chain row.
type OptionLeg struct {
	Symbol    string `json:"symbol,omitempty"`
	OI        Value  `json:"oi"`
	LastPrice Value  `json:"last_price"`
	Volume    Value  `json:"volume"`
	ChangePct Value  `json:"change_pct"`
}

// OptionChainRow is one strike of an option chain.
type OptionChainRow struct {
	Strike int       `json:"strike"`
	Call   OptionLeg `json:"call"`
	Put    OptionLeg `json:"put"`
}

// OptionChain is the strike window of one underlying for one expiry.
type OptionChain struct {
	Underlying string           `json:"underlying"`
	Expiry     time.Time        `json:"expiry"`
	Center     int              `json:"center"`
	Rows       []OptionChainRow `json:"rows"`
}

// StockMover is a constituent stock with a numeric percent change.
type StockMover struct {
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
}

// Snapshot is the full aggregated market state. It is never mutated after
// it has been handed to the cache.
type Snapshot struct {
	BuildID    string         `json:"build_id"`
	BuiltAt    time.Time      `json:"built_at"`
	InsertedAt time.Time      `json:"inserted_at"`
	Expiries   ExpirySet      `json:"expiries"`
	Indices    []IndexQuote   `json:"indices"`
	Futures    []FuturesQuote `json:"futures"`
	ATM        []ATMSummary   `json:"atm"`
	Chains     []OptionChain  `json:"option_chains"`
	Gainers    []StockMover   `json:"gainers"`
	Losers     []StockMover   `json:"losers"`
	Degraded   []string       `json:"degraded,omitempty"`
}

// WithInsertedAt returns a shallow copy of s stamped with t.
func (s *Snapshot) WithInsertedAt(t time.Time) *Snapshot {
	cp := *s
	cp.InsertedAt = t
	return &cp
}

// Age returns how long ago the snapshot was inserted.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.InsertedAt)
}

// HasData reports whether any section carries at least one available value.
func (s *Snapshot) HasData() bool {
	for _, idx := range s.Indices {
		if idx.LastPrice.Valid {
			return true
		}
	}
	for _, f := range s.Futures {
		if f.LastPrice.Valid {
			return true
		}
	}
	for _, a := range s.ATM {
		if a.Available {
			return true
		}
	}
	for _, c := range s.Chains {
		for _, r := range c.Rows {
			if r.Call.LastPrice.Valid || r.Put.LastPrice.Valid {
				return true
			}
		}
	}
	return len(s.Gainers) > 0 || len(s.Losers) > 0
}

// Chain returns the option chain of underlying.
func (s *Snapshot) Chain(underlying string) (OptionChain, bool) {
	for _, c := range s.Chains {
		if c.Underlying == underlying {
			return c, true
		}
	}
	return OptionChain{}, false
}

// MarketStatus is the outcome of one session evaluation. It is replaced as a
// whole on every evaluation, so readers always see a consistent triple.
type MarketStatus struct {
	IsOpen      bool      `json:"is_open"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Label       string    `json:"label"`
	Reason      string    `json:"reason"`
	Holiday     string    `json:"holiday,omitempty"`
}

// SnapshotResult is what the boundary returns for a snapshot read: either a
// snapshot (possibly stale) or an error payload, never both empty.
type SnapshotResult struct {
	Status   MarketStatus  `json:"status"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Stale    bool          `json:"stale"`
	Error    *ErrorPayload `json:"error,omitempty"`
}
