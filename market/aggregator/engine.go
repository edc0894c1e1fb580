// Package aggregator builds market snapshots from the instrument catalog and
// the quote gateway. Each section degrades on its own; a build only fails
// when nothing at all could be produced.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/kc/instruments"
	"github.com/niftydash/kite-dashboard/kc/quotes"
	"github.com/niftydash/kite-dashboard/market"
	"github.com/niftydash/kite-dashboard/market/calendar"
)

const (
	DefaultFuturesExchange = "NFO"
	historyInterval        = "minute"
)

// Cadence selects which expiry an underlying's option chain uses.
type Cadence string

const (
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// Underlying configures the derived data of one index.
type Underlying struct {
	Name            string  `yaml:"name"`         // catalog name, e.g. NIFTY
	IndexSymbol     string  `yaml:"index_symbol"` // spot quote key, e.g. NSE:NIFTY 50
	StrikeStep      int     `yaml:"strike_step"`
	WindowCenter    int     `yaml:"window_center"`     // 0 centers on the ATM strike
	WindowHalfWidth int     `yaml:"window_half_width"` // in points
	Cadence         Cadence `yaml:"cadence"`
	Futures         bool    `yaml:"futures"`
}

// Catalog supplies the instrument catalog.
type Catalog interface {
	Refresh(ctx context.Context) (*instruments.Catalog, error)
	Current() *instruments.Catalog
}

// QuoteSource supplies quotes and intraday bars.
type QuoteSource interface {
	Fetch(ctx context.Context, symbols []string) map[string]quotes.Quote
	HistoricalBars(ctx context.Context, token uint32, from, to time.Time, interval string) ([]quotes.Bar, error)
}

// ExpirySource resolves the current expiries.
type ExpirySource interface {
	Resolve() market.ExpirySet
}

// Config holds configuration for creating an Engine.
type Config struct {
	Underlyings     []Underlying
	Indices         []string // EXCHANGE:SYMBOL keys
	Stocks          []string // EXCHANGE:SYMBOL keys
	IncludeFutures  bool
	IncludeMovers   bool
	FuturesExchange string        // defaults to NFO
	SessionOpen     time.Duration // offset from local midnight, VWAP window start

	Catalog  Catalog      // required
	Quotes   QuoteSource  // required
	Expiries ExpirySource // required
	Now      func() time.Time
	Logger   *slog.Logger // required
	Metrics  *metrics.Manager
}

// Engine builds snapshots. Builds may run concurrently but callers are
// expected to serialize them through the snapshot cache.
type Engine struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Manager
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Catalog == nil || cfg.Quotes == nil || cfg.Expiries == nil {
		return nil, errors.New("catalog, quotes and expiries are required")
	}
	for _, u := range cfg.Underlyings {
		if u.StrikeStep <= 0 {
			return nil, fmt.Errorf("underlying %s: strike step must be positive", u.Name)
		}
		if u.WindowHalfWidth < 0 {
			return nil, fmt.Errorf("underlying %s: window half width must not be negative", u.Name)
		}
		if u.Cadence != Weekly && u.Cadence != Monthly {
			return nil, fmt.Errorf("underlying %s: unknown cadence %q", u.Name, u.Cadence)
		}
	}
	if cfg.FuturesExchange == "" {
		cfg.FuturesExchange = DefaultFuturesExchange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, now: cfg.Now, logger: cfg.Logger, metrics: cfg.Metrics}, nil
}

// build collects the sections of one snapshot.
type build struct {
	id       string
	now      time.Time
	expiries market.ExpirySet
	catalog  *instruments.Catalog
	logger   *slog.Logger

	mu       sync.Mutex
	degraded []string
}

func (b *build) degrade(section string, err error) {
	b.logger.Warn("Snapshot section degraded", "build_id", b.id, "section", section, "error", err)
	b.mu.Lock()
	b.degraded = append(b.degraded, section)
	b.mu.Unlock()
}

// section wraps fn for the errgroup. A panic marks the named sections
// degraded and leaves the other sections running.
func (b *build) section(fn func(), names ...string) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				for _, name := range names {
					b.degrade(name, err)
				}
			}
		}()
		fn()
		return nil
	}
}

// Build assembles one snapshot. It fails with a *market.AggregationError
// only when no section produced any data.
func (e *Engine) Build(ctx context.Context) (*market.Snapshot, error) {
	start := time.Now()
	b := &build{
		id:       uuid.New().String(),
		now:      e.now(),
		expiries: e.cfg.Expiries.Resolve(),
	}
	b.logger = e.logger.With("build_id", b.id)
	b.logger.Debug("Building snapshot", "weekly_expiry", b.expiries.Weekly, "monthly_expiry", b.expiries.Monthly)

	cat, catErr := e.cfg.Catalog.Refresh(ctx)
	if catErr != nil {
		cat = e.cfg.Catalog.Current()
		b.degrade(market.SectionCatalog, catErr)
	}
	b.catalog = cat

	snap := &market.Snapshot{
		BuildID:  b.id,
		BuiltAt:  b.now,
		Expiries: b.expiries,
		Gainers:  []market.StockMover{},
		Losers:   []market.StockMover{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(b.section(func() {
		snap.Indices, snap.ATM, snap.Chains = e.buildDerivatives(gctx, b)
	}, market.SectionIndices, market.SectionATM, market.SectionChains))
	if e.cfg.IncludeFutures {
		g.Go(b.section(func() {
			snap.Futures = e.buildFutures(gctx, b)
		}, market.SectionFutures))
	}
	if e.cfg.IncludeMovers {
		g.Go(b.section(func() {
			snap.Gainers, snap.Losers = e.buildMovers(gctx, b)
		}, market.SectionMovers))
	}
	_ = g.Wait()

	sort.Strings(b.degraded)
	snap.Degraded = b.degraded

	var err error
	if !snap.HasData() {
		cause := fmt.Errorf("%w: no section produced data", market.ErrUpstreamUnavailable)
		if catErr != nil && cat == nil {
			cause = catErr
		}
		err = &market.AggregationError{Cause: cause}
	}
	e.metrics.BuildCompleted(time.Since(start), err)
	if err != nil {
		b.logger.Error("Snapshot build failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	b.logger.Info("Snapshot built", "duration", time.Since(start), "degraded", snap.Degraded)
	return snap, nil
}

// buildDerivatives fetches the index quotes, then the ATM contracts and the
// option chain of every underlying, which depend on the spot price.
func (e *Engine) buildDerivatives(ctx context.Context, b *build) ([]market.IndexQuote, []market.ATMSummary, []market.OptionChain) {
	spotSymbols := append([]string{}, e.cfg.Indices...)
	for _, u := range e.cfg.Underlyings {
		spotSymbols = append(spotSymbols, u.IndexSymbol)
	}
	spots := e.cfg.Quotes.Fetch(ctx, spotSymbols)

	indices := make([]market.IndexQuote, 0, len(e.cfg.Indices))
	anyIndex := false
	for _, sym := range e.cfg.Indices {
		q := spots[sym]
		row := market.IndexQuote{
			Name:      displayName(sym),
			Symbol:    sym,
			LastPrice: valueIf(q.Available, q.LastPrice),
			ChangePct: ChangePct(q),
		}
		if q.Available && !q.LastTradeTime.IsZero() {
			ts := q.LastTradeTime
			row.LastTradeTime = &ts
		}
		anyIndex = anyIndex || q.Available
		indices = append(indices, row)
	}
	if len(e.cfg.Indices) > 0 && !anyIndex {
		b.degrade(market.SectionIndices, market.ErrUpstreamUnavailable)
	}

	if len(e.cfg.Underlyings) == 0 {
		return indices, []market.ATMSummary{}, []market.OptionChain{}
	}
	if b.catalog == nil {
		b.degrade(market.SectionATM, instruments.ErrCatalogEmpty)
		b.degrade(market.SectionChains, instruments.ErrCatalogEmpty)
		atm := make([]market.ATMSummary, 0, len(e.cfg.Underlyings))
		for _, u := range e.cfg.Underlyings {
			q := spots[u.IndexSymbol]
			atm = append(atm, market.ATMSummary{
				Underlying: u.Name,
				Expiry:     e.expiryFor(u, b),
				Spot:       valueIf(q.Available, q.LastPrice),
			})
		}
		return indices, atm, []market.OptionChain{}
	}

	atm := make([]market.ATMSummary, 0, len(e.cfg.Underlyings))
	chains := make([]market.OptionChain, 0, len(e.cfg.Underlyings))
	type legSymbols struct{ call, put string }
	windows := make([]map[int]legSymbols, len(e.cfg.Underlyings))
	var optionSymbols []string

	for i, u := range e.cfg.Underlyings {
		expiry := e.expiryFor(u, b)
		q := spots[u.IndexSymbol]

		summary := market.ATMSummary{
			Underlying: u.Name,
			Expiry:     expiry,
			Spot:       valueIf(q.Available, q.LastPrice),
		}
		if q.Available {
			summary.Strike = ATMStrike(q.LastPrice, u.StrikeStep)
			call, okCall := b.catalog.Lookup(u.Name, expiry, summary.Strike, instruments.Call)
			put, okPut := b.catalog.Lookup(u.Name, expiry, summary.Strike, instruments.Put)
			if okCall {
				summary.CallSymbol = call.ID
				optionSymbols = append(optionSymbols, call.ID)
			}
			if okPut {
				summary.PutSymbol = put.ID
				optionSymbols = append(optionSymbols, put.ID)
			}
			summary.Available = okCall && okPut
		}
		atm = append(atm, summary)

		center := u.WindowCenter
		if center == 0 {
			center = summary.Strike
		}
		chain := market.OptionChain{Underlying: u.Name, Expiry: expiry, Center: center, Rows: []market.OptionChainRow{}}
		if center != 0 {
			windows[i] = make(map[int]legSymbols)
			for _, strike := range chainStrikes(b.catalog, u, expiry, center) {
				var legs legSymbols
				if inst, ok := b.catalog.Lookup(u.Name, expiry, strike, instruments.Call); ok {
					legs.call = inst.ID
					optionSymbols = append(optionSymbols, inst.ID)
				}
				if inst, ok := b.catalog.Lookup(u.Name, expiry, strike, instruments.Put); ok {
					legs.put = inst.ID
					optionSymbols = append(optionSymbols, inst.ID)
				}
				windows[i][strike] = legs
				chain.Rows = append(chain.Rows, market.OptionChainRow{Strike: strike})
			}
		}
		chains = append(chains, chain)
	}

	var optionQuotes map[string]quotes.Quote
	if len(optionSymbols) > 0 {
		optionQuotes = e.cfg.Quotes.Fetch(ctx, optionSymbols)
	}

	anyATM, anyLeg := false, false
	for i := range atm {
		a := &atm[i]
		if a.CallSymbol != "" {
			q := optionQuotes[a.CallSymbol]
			a.CallOI = valueIf(q.Available, q.OI)
		}
		if a.PutSymbol != "" {
			q := optionQuotes[a.PutSymbol]
			a.PutOI = valueIf(q.Available, q.OI)
		}
		anyATM = anyATM || a.Available
	}
	for i := range chains {
		for j := range chains[i].Rows {
			row := &chains[i].Rows[j]
			legs := windows[i][row.Strike]
			row.Call = optionLeg(legs.call, optionQuotes)
			row.Put = optionLeg(legs.put, optionQuotes)
			anyLeg = anyLeg || row.Call.LastPrice.Valid || row.Put.LastPrice.Valid
		}
	}
	if !anyATM {
		b.degrade(market.SectionATM, errors.New("no exact-strike ATM contract"))
	}
	if !anyLeg {
		b.degrade(market.SectionChains, errors.New("no option quotes"))
	}
	return indices, atm, chains
}

func optionLeg(symbol string, qs map[string]quotes.Quote) market.OptionLeg {
	if symbol == "" {
		return market.OptionLeg{}
	}
	q := qs[symbol]
	return market.OptionLeg{
		Symbol:    symbol,
		OI:        valueIf(q.Available, q.OI),
		LastPrice: valueIf(q.Available, q.LastPrice),
		Volume:    valueIf(q.Available, float64(q.Volume)),
		ChangePct: ChangePct(q),
	}
}

func (*Engine) expiryFor(u Underlying, b *build) time.Time {
	if u.Cadence == Monthly {
		return b.expiries.Monthly
	}
	return b.expiries.Weekly
}

// buildFutures quotes the current-month contract of each underlying and
// computes its VWAP since the session open.
func (e *Engine) buildFutures(ctx context.Context, b *build) []market.FuturesQuote {
	var rows []market.FuturesQuote
	for _, u := range e.cfg.Underlyings {
		if !u.Futures {
			continue
		}
		sym := FuturesSymbol(u.Name, b.expiries.Monthly)
		row := market.FuturesQuote{
			Underlying: u.Name,
			Symbol:     e.cfg.FuturesExchange + ":" + sym,
		}
		if b.catalog != nil {
			if inst, err := b.catalog.GetByTradingsymbol(e.cfg.FuturesExchange, sym); err == nil {
				row.Expiry = inst.Expiry
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return []market.FuturesQuote{}
	}

	symbols := make([]string, len(rows))
	for i, r := range rows {
		symbols[i] = r.Symbol
	}
	qs := e.cfg.Quotes.Fetch(ctx, symbols)

	sessionOpen := calendar.StartOfDay(b.now).Add(e.cfg.SessionOpen)
	anyRow := false
	for i := range rows {
		r := &rows[i]
		q := qs[r.Symbol]
		r.LastPrice = valueIf(q.Available, q.LastPrice)
		r.ChangePct = ChangePct(q)
		r.OI = valueIf(q.Available, q.OI)
		r.Volume = valueIf(q.Available, float64(q.Volume))
		r.VWAP = e.vwap(ctx, b, r.Symbol, sessionOpen)
		anyRow = anyRow || q.Available
	}
	if !anyRow {
		b.degrade(market.SectionFutures, market.ErrUpstreamUnavailable)
	}
	return rows
}

// chainStrikes returns the listed strikes of the series that sit on the
// window grid around center.
func chainStrikes(cat *instruments.Catalog, u Underlying, expiry time.Time, center int) []int {
	grid := StrikeWindow(center, u.WindowHalfWidth, u.StrikeStep)
	if len(grid) == 0 {
		return nil
	}
	listed := cat.StrikesBetween(u.Name, expiry, grid[0], grid[len(grid)-1])
	return slices.DeleteFunc(listed, func(s int) bool {
		return (s-grid[0])%u.StrikeStep != 0
	})
}

func (e *Engine) vwap(ctx context.Context, b *build, symbol string, from time.Time) market.Value {
	if b.catalog == nil || !b.now.After(from) {
		return market.Unavailable
	}
	inst, err := b.catalog.GetByID(symbol)
	if err != nil {
		b.logger.Debug("Futures contract not in catalog", "symbol", symbol)
		return market.Unavailable
	}
	bars, err := e.cfg.Quotes.HistoricalBars(ctx, inst.InstrumentToken, from, b.now, historyInterval)
	if err != nil {
		b.logger.Warn("Historical bars unavailable", "symbol", symbol, "error", err)
		return market.Unavailable
	}
	return VWAP(bars)
}

// buildMovers ranks the stock universe by percent change. Stocks without a
// numeric change are left out of both lists.
func (e *Engine) buildMovers(ctx context.Context, b *build) ([]market.StockMover, []market.StockMover) {
	if len(e.cfg.Stocks) == 0 {
		return []market.StockMover{}, []market.StockMover{}
	}
	qs := e.cfg.Quotes.Fetch(ctx, e.cfg.Stocks)

	movers := make([]market.StockMover, 0, len(qs))
	seen := make(map[string]bool, len(qs))
	for _, sym := range e.cfg.Stocks {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		q := qs[sym]
		change, ok := ChangePct(q).Get()
		if !ok {
			continue
		}
		movers = append(movers, market.StockMover{
			Name:      displayName(sym),
			Symbol:    sym,
			LastPrice: q.LastPrice,
			ChangePct: change,
			Volume:    q.Volume,
		})
	}
	if len(movers) == 0 {
		b.degrade(market.SectionMovers, market.ErrUpstreamUnavailable)
	}
	return PartitionMovers(movers)
}

