package kc

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"time"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/kc/instruments"
	"github.com/niftydash/kite-dashboard/kc/quotes"
	"github.com/niftydash/kite-dashboard/kc/templates"
	"github.com/niftydash/kite-dashboard/market"
	"github.com/niftydash/kite-dashboard/market/aggregator"
	"github.com/niftydash/kite-dashboard/market/cache"
	"github.com/niftydash/kite-dashboard/market/calendar"
	"github.com/niftydash/kite-dashboard/market/expiry"
	"github.com/niftydash/kite-dashboard/market/session"
)

// Config holds configuration for creating a new kc Manager
type Config struct {
	APIKey      string
	AccessToken string
	BaseURI     string // overrides the Kite Connect root, empty keeps the default
	Market      MarketConfig
	Upstream    quotes.Upstream  // replaces the Kite Connect client when set
	Now         func() time.Time // host time source, defaults to time.Now
	Logger      *slog.Logger
	Metrics     *metrics.Manager
}

// New creates a new kc Manager with the given configuration
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Upstream == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("APIKey is required")
		}
		if cfg.AccessToken == "" {
			return nil, errors.New("AccessToken is required")
		}
		cfg.Upstream = NewKiteConnect(cfg.APIKey, cfg.AccessToken, cfg.BaseURI)
	}
	if err := cfg.Market.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market config: %w", err)
	}

	m := &Manager{
		Logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	if err := m.initializeTemplates(); err != nil {
		return nil, fmt.Errorf("failed to initialize Kite manager: %w", err)
	}
	if err := m.initializeMarket(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize market engine: %w", err)
	}
	return m, nil
}

const (
	dashboardTemplate = "dashboard.html"
)

// Manager is the boundary between the market engine and its presentation
// layers. Snapshot and MarketStatus never fail; errors come back as payloads.
type Manager struct {
	Logger      *slog.Logger
	metrics     *metrics.Manager
	templates   map[string]*template.Template
	Instruments *instruments.Manager

	clock     *calendar.Clock
	calendar  *calendar.Calendar
	expiries  *expiry.Resolver
	gateway   *quotes.Gateway
	engine    *aggregator.Engine
	cache     *cache.Cache
	scheduler *session.Scheduler
}

func (m *Manager) initializeTemplates() error {
	templates, err := setupTemplates()
	if err != nil {
		return fmt.Errorf("failed to setup templates: %w", err)
	}
	m.templates = templates
	return nil
}

// initializeMarket wires the engine from the leaves up: clock and calendar,
// expiries, the rate-limited gateway, the catalog, the aggregation engine,
// the snapshot cache and finally the session scheduler.
func (m *Manager) initializeMarket(cfg Config) error {
	mc := cfg.Market
	openAt, closeAt, err := mc.SessionHours()
	if err != nil {
		return err
	}
	weekdays, err := mc.TradingWeekdays()
	if err != nil {
		return err
	}
	weeklyDay, monthlyDay, err := mc.ExpiryWeekdays()
	if err != nil {
		return err
	}

	clockCfg := calendar.ClockConfig{Zone: mc.Session.Zone, Now: cfg.Now, Logger: m.Logger}
	if mc.NTPHost != "" {
		clockCfg.Network = calendar.NTPSource(mc.NTPHost)
	}
	if m.clock, err = calendar.NewClock(clockCfg); err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	if m.calendar, err = calendar.New(mc.Holidays, weekdays); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if m.expiries, err = expiry.New(expiry.Config{
		WeeklyWeekday:  weeklyDay,
		MonthlyWeekday: monthlyDay,
		Calendar:       m.calendar,
		Today:          m.clock.Today,
	}); err != nil {
		return fmt.Errorf("expiry resolver: %w", err)
	}

	if m.gateway, err = quotes.New(quotes.Config{
		Upstream:    cfg.Upstream,
		BatchSize:   mc.Gateway.BatchSize,
		Calls:       mc.Gateway.Calls,
		Period:      mc.Gateway.Period,
		CallTimeout: mc.Gateway.CallTimeout,
		Attempts:    mc.Gateway.Attempts,
		Logger:      m.Logger,
		Metrics:     m.metrics,
	}); err != nil {
		return fmt.Errorf("quote gateway: %w", err)
	}

	names := make([]string, 0, len(mc.Underlyings))
	for _, u := range mc.Underlyings {
		names = append(names, u.Name)
	}
	if m.Instruments, err = instruments.New(instruments.Config{
		Source:      m.gateway,
		Exchanges:   mc.Catalog.Exchanges,
		Underlyings: names,
		UpdateConfig: &instruments.UpdateConfig{
			RetryAttempts: mc.Catalog.RetryAttempts,
			RetryDelay:    mc.Catalog.RetryDelay,
			MaxAge:        mc.Catalog.MaxAge,
		},
		Now:    m.clock.Now,
		Logger: m.Logger,
	}); err != nil {
		return fmt.Errorf("instruments: %w", err)
	}

	if m.engine, err = aggregator.New(aggregator.Config{
		Underlyings:    mc.Underlyings,
		Indices:        mc.Indices,
		Stocks:         mc.Stocks,
		IncludeFutures: mc.Features.Futures,
		IncludeMovers:  mc.Features.Movers,
		SessionOpen:    openAt,
		Catalog:        m.Instruments,
		Quotes:         m.gateway,
		Expiries:       m.expiries,
		Now:            m.clock.Now,
		Logger:         m.Logger,
		Metrics:        m.metrics,
	}); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	if m.cache, err = cache.New(cache.Config{
		Builder:      m.engine,
		TTL:          mc.Cache.TTL,
		BuildTimeout: mc.Cache.BuildTimeout,
		Now:          m.clock.Now,
		Logger:       m.Logger,
		Metrics:      m.metrics,
	}); err != nil {
		return fmt.Errorf("snapshot cache: %w", err)
	}

	if m.scheduler, err = session.New(session.Config{
		Calendar: m.calendar,
		Clock:    m.clock,
		Open:     openAt,
		Close:    closeAt,
		Interval: mc.Session.Interval,
		Logger:   m.Logger,
		Metrics:  m.metrics,
	}); err != nil {
		return fmt.Errorf("session scheduler: %w", err)
	}
	return nil
}

// Start launches the session scheduler.
func (m *Manager) Start() {
	m.Logger.Info("Starting market session scheduler", "status", m.scheduler.Status().Reason)
	m.scheduler.Start()
}

// Snapshot returns the current market snapshot. While the session is closed
// it serves the last snapshot built, if any, without calling upstream.
func (m *Manager) Snapshot(ctx context.Context) (res market.SnapshotResult) {
	res.Status = m.scheduler.Status()
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("Snapshot read panicked", "panic", r)
			res.Snapshot, res.Stale = nil, false
			res.Error = &market.ErrorPayload{Kind: market.KindInternal, Cause: fmt.Sprint(r)}
		}
	}()

	if !res.Status.IsOpen {
		if snap := m.cache.Peek(); snap != nil {
			res.Snapshot, res.Stale = snap, true
			return res
		}
		res.Error = market.NewErrorPayload(market.ErrMarketClosed)
		return res
	}

	snap, stale, err := m.cache.Get(ctx)
	if err != nil {
		m.Logger.Warn("No snapshot available", "error", err)
		res.Error = market.NewErrorPayload(err)
		return res
	}
	res.Snapshot, res.Stale = snap, stale
	return res
}

// MarketStatus returns the latest session evaluation.
func (m *Manager) MarketStatus() market.MarketStatus {
	return m.scheduler.Status()
}

// Expiries returns the expiries as of today.
func (m *Manager) Expiries() market.ExpirySet {
	return m.expiries.Resolve()
}

// Holidays returns the configured trading holidays.
func (m *Manager) Holidays() []calendar.Holiday {
	return m.calendar.Holidays()
}

// CacheTTL returns the snapshot time-to-live.
func (m *Manager) CacheTTL() time.Duration {
	return m.cache.TTL()
}

// Metrics returns the metrics manager, which may be nil.
func (m *Manager) Metrics() *metrics.Manager {
	return m.metrics
}

// CatalogStats returns the instrument catalog refresh statistics.
func (m *Manager) CatalogStats() instruments.UpdateStats {
	return m.Instruments.GetUpdateStats()
}

// Now returns the exchange-local time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Shutdown stops the scheduler.
func (m *Manager) Shutdown() {
	m.Logger.Info("Shutting down Kite manager...")
	m.scheduler.Stop()
	m.Logger.Info("Kite manager shutdown complete")
}

// dashboardPage is the data handed to the dashboard template.
type dashboardPage struct {
	Title  string
	Result market.SnapshotResult
	TTL    time.Duration
}

// RenderDashboard renders the dashboard page for res.
func (m *Manager) RenderDashboard(w io.Writer, res market.SnapshotResult) error {
	templ, ok := m.templates[dashboardTemplate]
	if !ok {
		return errors.New("template not found")
	}
	return templ.ExecuteTemplate(w, "base", dashboardPage{
		Title:  "Market Dashboard",
		Result: res,
		TTL:    m.CacheTTL(),
	})
}

var templateFuncs = template.FuncMap{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "N/A"
		}
		return t.Format("02 Jan 2006")
	},
	"clock": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "Market Closed"
		}
		return t.Format("15:04:05")
	},
	"stamp": func(t time.Time) string {
		return t.Format("02 Jan 2006 15:04:05")
	},
	"pct": func(v float64) string {
		return fmt.Sprintf("%.2f", v)
	},
}

func setupTemplates() (map[string]*template.Template, error) {
	out := make(map[string]*template.Template)
	templateList := []string{dashboardTemplate}
	for _, templateName := range templateList {
		templ, err := template.New(templateName).Funcs(templateFuncs).ParseFS(templates.FS, "base.html", templateName)
		if err != nil {
			return out, fmt.Errorf("error parsing %s: %w", templateName, err)
		}
		out[templateName] = templ
	}
	return out, nil
}
