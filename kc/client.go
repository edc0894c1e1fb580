package kc

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/niftydash/kite-dashboard/kc/instruments"
	"github.com/niftydash/kite-dashboard/kc/quotes"
)

const defaultHTTPTimeout = 15 * time.Second

// KiteConnect adapts a Kite Connect client to the quotes.Upstream contract.
// The access token is supplied from outside; login flows are not handled here.
type KiteConnect struct {
	Client *kiteconnect.Client
}

// NewKiteConnect creates an adapter for apiKey authenticated with accessToken.
// baseURI is only set in tests.
func NewKiteConnect(apiKey, accessToken, baseURI string) *KiteConnect {
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	client.SetHTTPClient(&http.Client{Timeout: defaultHTTPTimeout})
	if baseURI != "" {
		client.SetBaseURI(baseURI)
	}

	return &KiteConnect{
		Client: client,
	}
}

// Quotes fetches full quotes for up to 500 EXCHANGE:SYMBOL keys.
func (k *KiteConnect) Quotes(ctx context.Context, symbols []string) (map[string]quotes.Quote, error) {
	raw, err := withContext(ctx, func() (kiteconnect.Quote, error) {
		return k.Client.GetQuote(symbols...)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]quotes.Quote, len(raw))
	for sym, q := range raw {
		out[sym] = quotes.Quote{
			Symbol:        sym,
			Available:     true,
			LastPrice:     q.LastPrice,
			LastTradeTime: q.LastTradeTime.Time,
			Open:          q.OHLC.Open,
			High:          q.OHLC.High,
			Low:           q.OHLC.Low,
			Close:         q.OHLC.Close,
			OI:            float64(q.OI),
			Volume:        int64(q.Volume),
		}
	}
	return out, nil
}

// HistoricalBars fetches candles of the given interval (e.g. "minute").
func (k *KiteConnect) HistoricalBars(ctx context.Context, token uint32, from, to time.Time, interval string) ([]quotes.Bar, error) {
	raw, err := withContext(ctx, func() ([]kiteconnect.HistoricalData, error) {
		return k.Client.GetHistoricalData(int(token), interval, from, to, false, false)
	})
	if err != nil {
		return nil, err
	}

	bars := make([]quotes.Bar, 0, len(raw))
	for _, c := range raw {
		bars = append(bars, quotes.Bar{
			Time:   c.Date.Time,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: int64(c.Volume),
		})
	}
	return bars, nil
}

// Instruments lists every instrument of an exchange segment (NSE, NFO, ...).
func (k *KiteConnect) Instruments(ctx context.Context, exchange string) ([]*instruments.Instrument, error) {
	raw, err := withContext(ctx, func() (kiteconnect.Instruments, error) {
		return k.Client.GetInstrumentsByExchange(exchange)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*instruments.Instrument, 0, len(raw))
	for _, r := range raw {
		out = append(out, &instruments.Instrument{
			ID:              r.Exchange + ":" + r.Tradingsymbol,
			InstrumentToken: uint32(r.InstrumentToken),
			Tradingsymbol:   r.Tradingsymbol,
			Exchange:        r.Exchange,
			Name:            r.Name,
			Strike:          int(math.Round(float64(r.StrikePrice))),
			OptionType:      instruments.OptionTypeOf(r.InstrumentType),
			InstrumentType:  r.InstrumentType,
			Segment:         r.Segment,
			Expiry:          r.Expiry.Time,
			LotSize:         int(r.LotSize),
			TickSize:        float64(r.TickSize),
		})
	}
	return out, nil
}

// withContext runs a blocking SDK call and returns early when ctx ends. The
// abandoned call is bounded by the HTTP client timeout. A panic in the SDK
// comes back as an error.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("kite client panic: %v", r)}
			}
		}()
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return zero, r.err
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
