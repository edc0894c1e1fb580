package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/niftydash/kite-dashboard/kc"
	"github.com/niftydash/kite-dashboard/kc/instruments"
	"github.com/niftydash/kite-dashboard/market"
	"github.com/niftydash/kite-dashboard/market/calendar"
)

const (
	defaultMoversLimit  = 5
	maxUpcomingHolidays = 5
)

type MarketStatusTool struct{}

func (*MarketStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("get_market_status",
		mcp.WithDescription("Get whether the NSE session is open, the current weekly and monthly expiries, and the next trading holidays. Never calls the broker."),
	)
}

type marketStatusResponse struct {
	Status           market.MarketStatus     `json:"status"`
	Now              time.Time               `json:"now"`
	Expiries         market.ExpirySet        `json:"expiries"`
	UpcomingHolidays []calendar.Holiday      `json:"upcoming_holidays"`
	CacheTTLSeconds  float64                 `json:"cache_ttl_seconds"`
	Catalog          instruments.UpdateStats `json:"catalog"`
}

func (*MarketStatusTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		now := manager.Now()
		today := now.Format("2006-01-02")
		upcoming := make([]calendar.Holiday, 0, maxUpcomingHolidays)
		for _, h := range manager.Holidays() {
			if h.Date >= today && len(upcoming) < maxUpcomingHolidays {
				upcoming = append(upcoming, h)
			}
		}

		handler.trackToolCall(ctx, "get_market_status", nil)
		return handler.MarshalResponse(marketStatusResponse{
			Status:           manager.MarketStatus(),
			Now:              now,
			Expiries:         manager.Expiries(),
			UpcomingHolidays: upcoming,
			CacheTTLSeconds:  manager.CacheTTL().Seconds(),
			Catalog:          manager.CatalogStats(),
		}, "get_market_status")
	}
}

// Snapshot sections selectable through get_market_snapshot.
var snapshotSections = []string{
	market.SectionIndices,
	market.SectionATM,
	market.SectionChains,
	market.SectionFutures,
	market.SectionMovers,
}

type SnapshotTool struct{}

func (*SnapshotTool) Tool() mcp.Tool {
	return mcp.NewTool("get_market_snapshot",
		mcp.WithDescription("Get the aggregated NSE market snapshot: index quotes, ATM open interest, option chains, current-month futures with VWAP, and top gainers and losers. Served from a cache refreshed at most once a minute; outside market hours the last snapshot is returned and marked stale. Unavailable values are null."),
		mcp.WithArray("sections",
			mcp.Description("Optional subset of sections to return: "+strings.Join(snapshotSections, ", ")+". Defaults to all."),
			mcp.Items(map[string]any{
				"type": "string",
				"enum": snapshotSections,
			}),
		),
	)
}

func (*SnapshotTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	return SnapshotToolHandler(manager, "get_market_snapshot", func(request mcp.CallToolRequest, res market.SnapshotResult) (any, error) {
		sections := SafeAssertStringArray(request.GetArguments()["sections"])
		for _, s := range sections {
			if !slices.Contains(snapshotSections, s) {
				return nil, ValidationError{Parameter: "sections", Message: fmt.Sprintf("unknown section %q", s)}
			}
		}
		if len(sections) == 0 {
			return res, nil
		}

		snap := *res.Snapshot
		if !slices.Contains(sections, market.SectionIndices) {
			snap.Indices = nil
		}
		if !slices.Contains(sections, market.SectionATM) {
			snap.ATM = nil
		}
		if !slices.Contains(sections, market.SectionChains) {
			snap.Chains = nil
		}
		if !slices.Contains(sections, market.SectionFutures) {
			snap.Futures = nil
		}
		if !slices.Contains(sections, market.SectionMovers) {
			snap.Gainers, snap.Losers = nil, nil
		}
		res.Snapshot = &snap
		return res, nil
	})
}

type OptionChainTool struct{}

func (*OptionChainTool) Tool() mcp.Tool {
	return mcp.NewTool("get_option_chain",
		mcp.WithDescription("Get the option chain of an underlying for its current expiry: open interest, last price, volume and percent change for the call and the put at every strike of the window, plus the ATM summary."),
		mcp.WithString("underlying",
			mcp.Description("Underlying name, e.g. NIFTY or BANKNIFTY"),
			mcp.Required(),
		),
		mcp.WithNumber("strikes",
			mcp.Description("Optional number of strikes to keep on each side of the chain center. Defaults to the whole window."),
		),
	)
}

type optionChainResponse struct {
	Chain   market.OptionChain `json:"chain"`
	ATM     *market.ATMSummary `json:"atm,omitempty"`
	BuiltAt time.Time          `json:"built_at"`
	Stale   bool               `json:"stale"`
}

func (*OptionChainTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	return SnapshotToolHandler(manager, "get_option_chain", func(request mcp.CallToolRequest, res market.SnapshotResult) (any, error) {
		args := request.GetArguments()
		if err := ValidateRequired(args, "underlying"); err != nil {
			return nil, err
		}
		name := strings.ToUpper(strings.TrimSpace(SafeAssertString(args["underlying"], "")))
		chain, ok := res.Snapshot.Chain(name)
		if !ok {
			return nil, ValidationError{Parameter: "underlying", Message: fmt.Sprintf("no option chain for %q", name)}
		}

		if n := SafeAssertInt(args["strikes"], 0); n > 0 {
			chain.Rows = centerRows(chain.Rows, chain.Center, n)
		}
		out := optionChainResponse{Chain: chain, BuiltAt: res.Snapshot.BuiltAt, Stale: res.Stale}
		for i := range res.Snapshot.ATM {
			if res.Snapshot.ATM[i].Underlying == name {
				atm := res.Snapshot.ATM[i]
				out.ATM = &atm
			}
		}
		return out, nil
	})
}

// centerRows keeps n rows on each side of the row at center. Rows are in
// strike order.
func centerRows(rows []market.OptionChainRow, center, n int) []market.OptionChainRow {
	idx := slices.IndexFunc(rows, func(r market.OptionChainRow) bool { return r.Strike >= center })
	if idx < 0 {
		idx = len(rows) - 1
	}
	lo := max(idx-n, 0)
	hi := min(idx+n+1, len(rows))
	return rows[lo:hi]
}

type FuturesTool struct{}

func (*FuturesTool) Tool() mcp.Tool {
	return mcp.NewTool("get_futures",
		mcp.WithDescription("Get the current-month futures contracts with last price, percent change, open interest, volume and VWAP since the session open."),
		mcp.WithString("underlying",
			mcp.Description("Optional underlying name to filter by"),
		),
	)
}

func (*FuturesTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	return SnapshotToolHandler(manager, "get_futures", func(request mcp.CallToolRequest, res market.SnapshotResult) (any, error) {
		name := strings.ToUpper(strings.TrimSpace(SafeAssertString(request.GetArguments()["underlying"], "")))
		out := make([]market.FuturesQuote, 0, len(res.Snapshot.Futures))
		for _, f := range res.Snapshot.Futures {
			if name == "" || f.Underlying == name {
				out = append(out, f)
			}
		}
		return out, nil
	})
}

type TopMoversTool struct{}

func (*TopMoversTool) Tool() mcp.Tool {
	return mcp.NewTool("get_top_movers",
		mcp.WithDescription("Get the top gainers (largest percent change first) and losers (largest fall first) of the stock universe. Stocks without a previous close are left out."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of stocks per list (default 5)"),
		),
		mcp.WithNumber("from",
			mcp.Description("Offset into each list (default 0)"),
		),
	)
}

type moversResponse struct {
	Gainers []market.StockMover `json:"gainers"`
	Losers  []market.StockMover `json:"losers"`
	BuiltAt time.Time           `json:"built_at"`
	Stale   bool                `json:"stale"`
}

func (*TopMoversTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	return SnapshotToolHandler(manager, "get_top_movers", func(request mcp.CallToolRequest, res market.SnapshotResult) (any, error) {
		params := ParsePaginationParams(request.GetArguments())
		if params.Limit <= 0 {
			params.Limit = defaultMoversLimit
		}
		return moversResponse{
			Gainers: ApplyPagination(res.Snapshot.Gainers, params),
			Losers:  ApplyPagination(res.Snapshot.Losers, params),
			BuiltAt: res.Snapshot.BuiltAt,
			Stale:   res.Stale,
		}, nil
	})
}
