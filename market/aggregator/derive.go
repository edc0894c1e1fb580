package aggregator

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/niftydash/kite-dashboard/kc/quotes"
	"github.com/niftydash/kite-dashboard/market"
)

// ATMStrike rounds spot to the nearest multiple of step, half up:
// 24970 and 24950 both give 25000 for a step of 100.
func ATMStrike(spot float64, step int) int {
	if step <= 0 {
		return 0
	}
	return int(math.Floor(spot/float64(step)+0.5)) * step
}

// ChangePct is (last - prevClose) / prevClose * 100 rounded to two decimals.
// It is unavailable for a missing quote or a zero previous close.
func ChangePct(q quotes.Quote) market.Value {
	if !q.Available || q.Close == 0 {
		return market.Unavailable
	}
	return market.Some(market.Round2((q.LastPrice - q.Close) / q.Close * 100))
}

// VWAP is sum(typical price * volume) / sum(volume), typical price being
// (high + low + close) / 3. It is unavailable without bars or volume.
func VWAP(bars []quotes.Bar) market.Value {
	var pv, vol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * float64(b.Volume)
		vol += float64(b.Volume)
	}
	if vol == 0 {
		return market.Unavailable
	}
	return market.Some(market.Round2(pv / vol))
}

// FuturesSymbol names the futures contract expiring in expiry's month,
// e.g. NIFTY25OCTFUT.
func FuturesSymbol(underlying string, expiry time.Time) string {
	return underlying + strings.ToUpper(expiry.Format("06Jan")) + "FUT"
}

// StrikeWindow lists center-halfWidth .. center+halfWidth in steps.
func StrikeWindow(center, halfWidth, step int) []int {
	if step <= 0 || halfWidth < 0 {
		return nil
	}
	halfWidth -= halfWidth % step
	out := make([]int, 0, 2*halfWidth/step+1)
	for s := center - halfWidth; s <= center+halfWidth; s += step {
		out = append(out, s)
	}
	return out
}

// PartitionMovers splits stocks into gainers (change >= 0, descending) and
// losers (change < 0, ascending). Ties are ordered by name.
func PartitionMovers(stocks []market.StockMover) (gainers, losers []market.StockMover) {
	gainers = []market.StockMover{}
	losers = []market.StockMover{}
	for _, s := range stocks {
		if s.ChangePct >= 0 {
			gainers = append(gainers, s)
		} else {
			losers = append(losers, s)
		}
	}
	sort.SliceStable(gainers, func(i, j int) bool {
		if gainers[i].ChangePct != gainers[j].ChangePct {
			return gainers[i].ChangePct > gainers[j].ChangePct
		}
		return gainers[i].Name < gainers[j].Name
	})
	sort.SliceStable(losers, func(i, j int) bool {
		if losers[i].ChangePct != losers[j].ChangePct {
			return losers[i].ChangePct < losers[j].ChangePct
		}
		return losers[i].Name < losers[j].Name
	})
	return gainers, losers
}

// displayName strips the exchange prefix of an EXCHANGE:SYMBOL key.
func displayName(symbol string) string {
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

func valueIf(ok bool, v float64) market.Value {
	if !ok {
		return market.Unavailable
	}
	return market.Some(v)
}
