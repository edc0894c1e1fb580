package instruments

import (
	"sort"
	"time"
)

// Catalog is an immutable snapshot of the instrument list. A refresh builds a
// new Catalog and swaps it in; readers holding an old one are unaffected.
type Catalog struct {
	byID      map[string]*Instrument
	contracts map[ContractKey]*Instrument
	strikes   map[SeriesKey][]int

	builtAt time.Time
}

func newCatalog(insts []*Instrument, builtAt time.Time) *Catalog {
	c := &Catalog{
		byID:      make(map[string]*Instrument, len(insts)),
		contracts: make(map[ContractKey]*Instrument),
		strikes:   make(map[SeriesKey][]int),
		builtAt:   builtAt,
	}

	for _, inst := range insts {
		c.byID[inst.ID] = inst

		if inst.Expiry.IsZero() {
			continue
		}
		c.contracts[KeyOf(inst)] = inst

		if inst.OptionType != None {
			series := SeriesKey{Underlying: inst.Name, Expiry: ExpiryKey(inst.Expiry)}
			c.strikes[series] = append(c.strikes[series], inst.Strike)
		}
	}

	for k, s := range c.strikes {
		sort.Ints(s)
		c.strikes[k] = dedupInts(s)
	}
	return c
}

func dedupInts(s []int) []int {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of instruments in the catalog.
func (c *Catalog) Count() int {
	return len(c.byID)
}

// GetByID returns an instrument using EXCHANGE:TRADINGSYMBOL.
func (c *Catalog) GetByID(id string) (Instrument, error) {
	inst, ok := c.byID[id]
	if !ok {
		return Instrument{}, ErrInstrumentNotFound
	}
	return *inst, nil
}

// GetByTradingsymbol returns an instrument using exchange and trading symbol.
func (c *Catalog) GetByTradingsymbol(exchange, tradingsymbol string) (Instrument, error) {
	return c.GetByID(exchange + ":" + tradingsymbol)
}

// Lookup returns the contract at exactly (underlying, expiry, strike, type).
func (c *Catalog) Lookup(underlying string, expiry time.Time, strike int, typ OptionType) (Instrument, bool) {
	inst, ok := c.contracts[ContractKey{
		Underlying: underlying,
		Expiry:     ExpiryKey(expiry),
		Strike:     strike,
		Type:       typ,
	}]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

// Strikes returns the ascending option strikes listed for an underlying and
// expiry. The slice is shared and must not be modified.
func (c *Catalog) Strikes(underlying string, expiry time.Time) []int {
	return c.strikes[SeriesKey{Underlying: underlying, Expiry: ExpiryKey(expiry)}]
}

// StrikesBetween returns the listed strikes within [lo, hi].
func (c *Catalog) StrikesBetween(underlying string, expiry time.Time, lo, hi int) []int {
	all := c.Strikes(underlying, expiry)
	i := sort.SearchInts(all, lo)
	j := sort.SearchInts(all, hi+1)
	if i >= j {
		return nil
	}
	out := make([]int, j-i)
	copy(out, all[i:j])
	return out
}
