package aggregator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/kc/instruments"
	"github.com/niftydash/kite-dashboard/kc/quotes"
	"github.com/niftydash/kite-dashboard/market"
)

var (
	ist       = time.FixedZone("IST", 19800)
	testNow   = time.Date(2025, 10, 20, 11, 0, 0, 0, ist)
	weeklyExp = time.Date(2025, 10, 23, 0, 0, 0, 0, ist)
	monthExp  = time.Date(2025, 10, 28, 0, 0, 0, 0, ist)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCatalog struct {
	manager *instruments.Manager
	err     error
}

func (f *fakeCatalog) Refresh(context.Context) (*instruments.Catalog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.manager.Current(), nil
}

func (f *fakeCatalog) Current() *instruments.Catalog {
	if f.manager == nil {
		return nil
	}
	return f.manager.Current()
}

type fakeQuotes struct {
	mu      sync.Mutex
	quotes  map[string]quotes.Quote
	bars    map[uint32][]quotes.Bar
	fetches [][]string
	from    time.Time
	panics  bool
}

func (f *fakeQuotes) Fetch(_ context.Context, symbols []string) map[string]quotes.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, symbols)
	out := make(map[string]quotes.Quote, len(symbols))
	for _, s := range symbols {
		q, ok := f.quotes[s]
		if !ok {
			q = quotes.Quote{Symbol: s}
		}
		out[s] = q
	}
	return out
}

func (f *fakeQuotes) HistoricalBars(_ context.Context, token uint32, from, _ time.Time, _ string) ([]quotes.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from = from
	if f.panics {
		panic("candle index out of range")
	}
	bars, ok := f.bars[token]
	if !ok {
		return nil, errors.New("no history")
	}
	return bars, nil
}

type fixedExpiries struct{}

func (fixedExpiries) Resolve() market.ExpirySet {
	return market.ExpirySet{Weekly: weeklyExp, Monthly: monthExp}
}

func quote(sym string, last, prevClose, oi float64, vol int64) quotes.Quote {
	return quotes.Quote{Symbol: sym, Available: true, LastPrice: last, Close: prevClose, OI: oi, Volume: vol}
}

func opt(token uint32, name string, strike int, typ instruments.OptionType, expiry time.Time) *instruments.Instrument {
	suffix := "CE"
	if typ == instruments.Put {
		suffix = "PE"
	}
	sym := name + "25OCT" + strconv.Itoa(strike) + suffix
	return &instruments.Instrument{
		ID: "NFO:" + sym, InstrumentToken: token, Tradingsymbol: sym, Exchange: "NFO",
		Name: name, Strike: strike, OptionType: typ, InstrumentType: suffix, Expiry: expiry,
	}
}

func testCatalog(t *testing.T) *instruments.Manager {
	t.Helper()
	var insts []*instruments.Instrument
	token := uint32(1000)
	for strike := 24800; strike <= 25200; strike += 100 {
		token++
		insts = append(insts, opt(token, "NIFTY", strike, instruments.Call, weeklyExp))
		if strike != 25200 {
			token++
			insts = append(insts, opt(token, "NIFTY", strike, instruments.Put, weeklyExp))
		}
	}
	insts = append(insts,
		opt(5001, "BANKNIFTY", 56000, instruments.Call, monthExp),
		&instruments.Instrument{ID: "NFO:NIFTY25OCTFUT", InstrumentToken: 9001, Tradingsymbol: "NIFTY25OCTFUT",
			Exchange: "NFO", Name: "NIFTY", OptionType: instruments.None, InstrumentType: "FUT", Expiry: monthExp},
	)
	m, err := instruments.New(instruments.Config{Logger: testLogger(), TestData: insts})
	require.NoError(t, err)
	return m
}

func testQuotes() *fakeQuotes {
	qs := map[string]quotes.Quote{
		"NSE:NIFTY 50":   quote("NSE:NIFTY 50", 24970, 24800, 0, 0),
		"NSE:NIFTY BANK": quote("NSE:NIFTY BANK", 56049.95, 56100, 0, 0),
		"NSE:INDIA VIX":  quote("NSE:INDIA VIX", 10.5, 0, 0, 0),

		"NFO:NIFTY25OCT25000CE":     quote("NFO:NIFTY25OCT25000CE", 105, 100, 1200000, 5000),
		"NFO:NIFTY25OCT25000PE":     quote("NFO:NIFTY25OCT25000PE", 90, 100, 900000, 4000),
		"NFO:NIFTY25OCT24900CE":     quote("NFO:NIFTY25OCT24900CE", 150, 140, 800000, 3000),
		"NFO:BANKNIFTY25OCT56000CE": quote("NFO:BANKNIFTY25OCT56000CE", 400, 380, 10000, 700),

		"NFO:NIFTY25OCTFUT": quote("NFO:NIFTY25OCTFUT", 25100, 25000, 1500000, 120000),

		"NSE:AAA": quote("NSE:AAA", 105, 100, 0, 10),
		"NSE:BBB": quote("NSE:BBB", 98, 100, 0, 20),
		"NSE:CCC": quote("NSE:CCC", 100, 100, 0, 30),
		"NSE:DDD": quote("NSE:DDD", 50, 0, 0, 40),
	}
	qs["NSE:NIFTY 50"] = withTradeTime(qs["NSE:NIFTY 50"])
	return &fakeQuotes{
		quotes: qs,
		bars: map[uint32][]quotes.Bar{
			9001: {
				{High: 102, Low: 98, Close: 100, Volume: 100},
				{High: 106, Low: 100, Close: 103, Volume: 300},
			},
		},
	}
}

func withTradeTime(q quotes.Quote) quotes.Quote {
	q.LastTradeTime = testNow.Add(-time.Second)
	return q
}

func testConfig(cat Catalog, qs QuoteSource) Config {
	return Config{
		Underlyings: []Underlying{
			{Name: "NIFTY", IndexSymbol: "NSE:NIFTY 50", StrikeStep: 100, WindowHalfWidth: 200, Cadence: Weekly, Futures: true},
			{Name: "BANKNIFTY", IndexSymbol: "NSE:NIFTY BANK", StrikeStep: 100, Cadence: Monthly},
		},
		Indices:        []string{"NSE:NIFTY 50", "NSE:NIFTY BANK", "NSE:INDIA VIX"},
		Stocks:         []string{"NSE:AAA", "NSE:BBB", "NSE:CCC", "NSE:DDD", "NSE:EEE", "NSE:AAA"},
		IncludeFutures: true,
		IncludeMovers:  true,
		SessionOpen:    9*time.Hour + 15*time.Minute,
		Catalog:        cat,
		Quotes:         qs,
		Expiries:       fixedExpiries{},
		Now:            func() time.Time { return testNow },
		Logger:         testLogger(),
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestBuildSnapshot(t *testing.T) {
	qs := testQuotes()
	m := metrics.New(metrics.Config{ServiceName: "test"})
	cfg := testConfig(&fakeCatalog{manager: testCatalog(t)}, qs)
	cfg.Metrics = m
	e := newTestEngine(t, cfg)

	snap, err := e.Build(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, snap.BuildID)
	assert.Equal(t, testNow, snap.BuiltAt)
	assert.Empty(t, snap.Degraded)
	assert.Equal(t, 1.0, m.GetCounterValue("snapshot_builds_total", map[string]string{"outcome": metrics.OutcomeOK}))

	// indices
	require.Len(t, snap.Indices, 3)
	nifty := snap.Indices[0]
	assert.Equal(t, "NIFTY 50", nifty.Name)
	assert.Equal(t, market.Some(24970), nifty.LastPrice)
	assert.Equal(t, market.Some(0.69), nifty.ChangePct)
	require.NotNil(t, nifty.LastTradeTime)
	assert.Nil(t, snap.Indices[1].LastTradeTime)
	assert.False(t, snap.Indices[2].ChangePct.Valid, "zero previous close")

	// ATM
	require.Len(t, snap.ATM, 2)
	atm := snap.ATM[0]
	assert.True(t, atm.Available)
	assert.Equal(t, 25000, atm.Strike)
	assert.Equal(t, weeklyExp, atm.Expiry)
	assert.Equal(t, "NFO:NIFTY25OCT25000CE", atm.CallSymbol)
	assert.Equal(t, "NFO:NIFTY25OCT25000PE", atm.PutSymbol)
	assert.Equal(t, market.Some(1200000), atm.CallOI)
	assert.Equal(t, market.Some(900000), atm.PutOI)

	bank := snap.ATM[1]
	assert.Equal(t, 56000, bank.Strike)
	assert.Equal(t, monthExp, bank.Expiry)
	assert.False(t, bank.Available, "put leg missing at exact strike")
	assert.Equal(t, "NFO:BANKNIFTY25OCT56000CE", bank.CallSymbol)
	assert.Empty(t, bank.PutSymbol)
	assert.False(t, bank.PutOI.Valid)

	// option chains
	chain, ok := snap.Chain("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 25000, chain.Center)
	require.Len(t, chain.Rows, 5)
	assert.Equal(t, 24800, chain.Rows[0].Strike)
	assert.Equal(t, 25200, chain.Rows[4].Strike)

	atmRow := chain.Rows[2]
	assert.Equal(t, market.Some(5), atmRow.Call.ChangePct)
	assert.Equal(t, market.Some(-10), atmRow.Put.ChangePct)
	assert.Equal(t, market.Some(5000), atmRow.Call.Volume)

	last := chain.Rows[4]
	assert.Equal(t, "NFO:NIFTY25OCT25200CE", last.Call.Symbol)
	assert.False(t, last.Call.LastPrice.Valid, "no quote for listed contract")
	assert.Empty(t, last.Put.Symbol)
	assert.False(t, last.Put.OI.Valid)

	bankChain, ok := snap.Chain("BANKNIFTY")
	require.True(t, ok)
	require.Len(t, bankChain.Rows, 1)
	assert.Equal(t, market.Some(400), bankChain.Rows[0].Call.LastPrice)

	// futures
	require.Len(t, snap.Futures, 1)
	fut := snap.Futures[0]
	assert.Equal(t, "NFO:NIFTY25OCTFUT", fut.Symbol)
	assert.Equal(t, monthExp, fut.Expiry)
	assert.Equal(t, market.Some(0.4), fut.ChangePct)
	assert.Equal(t, market.Some(102.25), fut.VWAP)
	assert.Equal(t, time.Date(2025, 10, 20, 9, 15, 0, 0, ist), qs.from)

	// movers
	require.Len(t, snap.Gainers, 2)
	assert.Equal(t, "AAA", snap.Gainers[0].Name)
	assert.Equal(t, "CCC", snap.Gainers[1].Name, "zero change is a gainer")
	require.Len(t, snap.Losers, 1)
	assert.Equal(t, "BBB", snap.Losers[0].Name)
	assert.Equal(t, -2.0, snap.Losers[0].ChangePct)
}

func TestBuildIsolatesSectionFailures(t *testing.T) {
	qs := testQuotes()
	delete(qs.quotes, "NFO:NIFTY25OCTFUT")
	for _, s := range []string{"NSE:AAA", "NSE:BBB", "NSE:CCC", "NSE:DDD"} {
		delete(qs.quotes, s)
	}
	e := newTestEngine(t, testConfig(&fakeCatalog{manager: testCatalog(t)}, qs))

	snap, err := e.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{market.SectionFutures, market.SectionMovers}, snap.Degraded)
	require.Len(t, snap.Futures, 1)
	assert.False(t, snap.Futures[0].LastPrice.Valid)
	assert.Empty(t, snap.Gainers)
	assert.Empty(t, snap.Losers)
	assert.True(t, snap.ATM[0].Available)
}

func TestBuildRecoversPanickingSection(t *testing.T) {
	qs := testQuotes()
	qs.panics = true
	e := newTestEngine(t, testConfig(&fakeCatalog{manager: testCatalog(t)}, qs))

	var (
		snap *market.Snapshot
		err  error
	)
	require.NotPanics(t, func() { snap, err = e.Build(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, []string{market.SectionFutures}, snap.Degraded)
	assert.Empty(t, snap.Futures)
	assert.True(t, snap.ATM[0].Available)
	assert.NotEmpty(t, snap.Gainers)
}

func TestBuildUsesLastGoodCatalog(t *testing.T) {
	cat := &fakeCatalog{manager: testCatalog(t), err: market.ErrUpstreamUnavailable}
	e := newTestEngine(t, testConfig(cat, testQuotes()))

	snap, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{market.SectionCatalog}, snap.Degraded)
	assert.True(t, snap.ATM[0].Available)
}

func TestBuildWithoutCatalog(t *testing.T) {
	cat := &fakeCatalog{err: market.ErrUpstreamUnavailable}
	e := newTestEngine(t, testConfig(cat, testQuotes()))

	snap, err := e.Build(context.Background())
	require.NoError(t, err, "indices and movers still carry data")
	assert.Contains(t, snap.Degraded, market.SectionCatalog)
	assert.Contains(t, snap.Degraded, market.SectionATM)
	assert.Contains(t, snap.Degraded, market.SectionChains)
	assert.False(t, snap.ATM[0].Available)
	assert.Equal(t, market.Some(24970), snap.ATM[0].Spot)
	assert.False(t, snap.Futures[0].VWAP.Valid)
}

func TestBuildFailsWithoutAnyData(t *testing.T) {
	cat := &fakeCatalog{err: market.ErrUpstreamUnavailable}
	m := metrics.New(metrics.Config{ServiceName: "test"})
	cfg := testConfig(cat, &fakeQuotes{})
	cfg.Metrics = m
	e := newTestEngine(t, cfg)

	snap, err := e.Build(context.Background())
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, market.ErrAggregationFailed)
	assert.ErrorIs(t, err, market.ErrUpstreamUnavailable)

	var aggErr *market.AggregationError
	assert.ErrorAs(t, err, &aggErr)
	assert.Equal(t, 1.0, m.GetCounterValue("snapshot_builds_total", map[string]string{"outcome": metrics.OutcomeError}))
}

func TestBuildFeatureFlags(t *testing.T) {
	qs := testQuotes()
	cfg := testConfig(&fakeCatalog{manager: testCatalog(t)}, qs)
	cfg.IncludeFutures = false
	cfg.IncludeMovers = false
	e := newTestEngine(t, cfg)

	snap, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Futures)
	assert.Empty(t, snap.Gainers)
	assert.Len(t, qs.fetches, 2, "spot quotes and option quotes only")
}

func TestBuildFixedWindowCenter(t *testing.T) {
	cfg := testConfig(&fakeCatalog{manager: testCatalog(t)}, testQuotes())
	cfg.Underlyings = cfg.Underlyings[:1]
	cfg.Underlyings[0].WindowCenter = 24900
	cfg.Underlyings[0].WindowHalfWidth = 100
	e := newTestEngine(t, cfg)

	snap, err := e.Build(context.Background())
	require.NoError(t, err)
	chain := snap.Chains[0]
	assert.Equal(t, 24900, chain.Center)
	require.Len(t, chain.Rows, 3)
	assert.Equal(t, []int{24800, 24900, 25000}, []int{chain.Rows[0].Strike, chain.Rows[1].Strike, chain.Rows[2].Strike})
	assert.Equal(t, market.Some(7.14), chain.Rows[1].Call.ChangePct)
}

func TestBuildChainUsesListedGridStrikes(t *testing.T) {
	insts := []*instruments.Instrument{
		opt(1, "NIFTY", 24800, instruments.Call, weeklyExp),
		opt(2, "NIFTY", 24900, instruments.Call, weeklyExp),
		opt(3, "NIFTY", 24950, instruments.Call, weeklyExp),
		opt(4, "NIFTY", 25000, instruments.Put, weeklyExp),
		opt(5, "NIFTY", 25100, instruments.Call, weeklyExp),
		opt(6, "NIFTY", 25300, instruments.Call, weeklyExp),
	}
	mgr, err := instruments.New(instruments.Config{Logger: testLogger(), TestData: insts})
	require.NoError(t, err)

	cfg := testConfig(&fakeCatalog{manager: mgr}, testQuotes())
	cfg.Underlyings = cfg.Underlyings[:1]
	cfg.Underlyings[0].WindowCenter = 24900
	cfg.Underlyings[0].WindowHalfWidth = 200
	e := newTestEngine(t, cfg)

	snap, err := e.Build(context.Background())
	require.NoError(t, err)
	var strikes []int
	for _, r := range snap.Chains[0].Rows {
		strikes = append(strikes, r.Strike)
	}
	assert.Equal(t, []int{24800, 24900, 25000, 25100}, strikes, "unlisted 24700 and off-grid 24950 are skipped")
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(&fakeCatalog{}, &fakeQuotes{})
	cfg.Logger = nil
	_, err := New(cfg)
	assert.EqualError(t, err, "logger is required")

	cfg = testConfig(&fakeCatalog{}, &fakeQuotes{})
	cfg.Underlyings[0].StrikeStep = 0
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig(&fakeCatalog{}, &fakeQuotes{})
	cfg.Underlyings[0].WindowHalfWidth = -100
	_, err = New(cfg)
	assert.EqualError(t, err, "underlying NIFTY: window half width must not be negative")

	cfg = testConfig(&fakeCatalog{}, &fakeQuotes{})
	cfg.Underlyings[1].Cadence = "daily"
	_, err = New(cfg)
	assert.Error(t, err)
}
