// Package quotes funnels every outbound market-data call through one
// process-wide rate limiter and splits large quote requests into batches.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/kc/instruments"
)

const (
	DefaultBatchSize   = 100
	DefaultCalls       = 3
	DefaultPeriod      = time.Second
	DefaultCallTimeout = 10 * time.Second

	// Kite rejects quote requests above this many instruments.
	maxBatchSize = 500
)

// Upstream call kinds, used as metric labels.
const (
	CallQuote       = "quote"
	CallHistory     = "history"
	CallInstruments = "instruments"
)

// ErrRateLimitExhausted is returned when the caller's context ends while
// waiting for call budget. It never leaves the gateway: the affected batch
// resolves to empty quotes.
var ErrRateLimitExhausted = errors.New("rate limit budget not available")

// Quote is the market data of one symbol. Available is false when the
// upstream returned nothing for it.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Available     bool      `json:"available"`
	LastPrice     float64   `json:"last_price"`
	LastTradeTime time.Time `json:"last_trade_time"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"` // previous session close
	OI            float64   `json:"oi"`
	Volume        int64     `json:"volume"`
}

// Bar is one intraday candle.
type Bar struct {
	Time   time.Time `json:"time"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Upstream is the broker data source.
type Upstream interface {
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	HistoricalBars(ctx context.Context, token uint32, from, to time.Time, interval string) ([]Bar, error)
	Instruments(ctx context.Context, exchange string) ([]*instruments.Instrument, error)
}

// Limiter blocks until one call may proceed. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token bucket that spaces calls evenly, calls per
// period, with no burst.
func NewLimiter(calls int, period time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(period/time.Duration(calls)), 1)
}

// Config holds configuration for creating a Gateway.
type Config struct {
	Upstream    Upstream      // required
	BatchSize   int           // defaults to DefaultBatchSize
	Calls       int           // calls per Period, defaults to DefaultCalls
	Period      time.Duration // defaults to DefaultPeriod
	Limiter     Limiter       // overrides Calls/Period when set
	CallTimeout time.Duration // per upstream call, defaults to DefaultCallTimeout
	Attempts    int           // per batch, defaults to 1
	Logger      *slog.Logger  // required
	Metrics     *metrics.Manager
}

// Gateway is safe for concurrent use. All callers share its limiter, so the
// account-level call budget holds however many goroutines fetch at once.
type Gateway struct {
	upstream    Upstream
	batchSize   int
	limiter     Limiter
	callTimeout time.Duration
	attempts    int
	logger      *slog.Logger
	metrics     *metrics.Manager
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("upstream is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds upstream limit %d", cfg.BatchSize, maxBatchSize)
	}
	if cfg.Calls <= 0 {
		cfg.Calls = DefaultCalls
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(cfg.Calls, cfg.Period)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	return &Gateway{
		upstream:    cfg.Upstream,
		batchSize:   cfg.BatchSize,
		limiter:     cfg.Limiter,
		callTimeout: cfg.CallTimeout,
		attempts:    cfg.Attempts,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Fetch returns a quote for every requested symbol. Symbols are deduplicated,
// sorted and fetched in sequential batches. A failed batch leaves its symbols
// with empty, unavailable quotes; it never fails the whole fetch.
func (g *Gateway) Fetch(ctx context.Context, symbols []string) map[string]Quote {
	uniq := dedup(symbols)
	out := make(map[string]Quote, len(uniq))

	for i, batch := range Batches(uniq, g.batchSize) {
		got, err := g.fetchBatch(ctx, batch)
		if err != nil {
			g.logger.Warn("Quote batch failed", "batch", i+1, "size", len(batch), "error", err)
		}
		for _, sym := range batch {
			q, ok := got[sym]
			if !ok {
				q = Quote{Symbol: sym}
			}
			q.Symbol = sym
			out[sym] = q
		}
	}
	return out
}

func (g *Gateway) fetchBatch(ctx context.Context, batch []string) (map[string]Quote, error) {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		var got map[string]Quote
		err := g.call(ctx, CallQuote, func(ctx context.Context) error {
			var err error
			got, err = g.upstream.Quotes(ctx, batch)
			return err
		})
		if err == nil {
			return got, nil
		}
		lastErr = err
		if errors.Is(err, ErrRateLimitExhausted) {
			break
		}
	}
	return nil, lastErr
}

// HistoricalBars fetches intraday candles through the shared limiter.
func (g *Gateway) HistoricalBars(ctx context.Context, token uint32, from, to time.Time, interval string) ([]Bar, error) {
	var bars []Bar
	err := g.call(ctx, CallHistory, func(ctx context.Context) error {
		var err error
		bars, err = g.upstream.HistoricalBars(ctx, token, from, to, interval)
		return err
	})
	return bars, err
}

// Instruments lists an exchange segment through the shared limiter. It
// satisfies instruments.Source.
func (g *Gateway) Instruments(ctx context.Context, exchange string) ([]*instruments.Instrument, error) {
	var insts []*instruments.Instrument
	err := g.call(ctx, CallInstruments, func(ctx context.Context) error {
		var err error
		insts, err = g.upstream.Instruments(ctx, exchange)
		return err
	})
	return insts, err
}

// call waits for budget, then runs fn under the per-call timeout.
func (g *Gateway) call(ctx context.Context, kind string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimitExhausted, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	err := guard(callCtx, fn)
	g.metrics.UpstreamCall(kind, err)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", kind, err)
	}
	return nil
}

// guard runs fn and turns a panic into an error, so a misbehaving upstream
// fails one call instead of the process.
func guard(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upstream panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Batches splits symbols into consecutive chunks of at most size.
func Batches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		out = append(out, symbols[start:end])
	}
	return out
}

func dedup(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
