package instruments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niftydash/kite-dashboard/market"
)

const (
	defaultExchange      = "NFO"
	defaultRetryAttempts = 3
	defaultRetryDelay    = 3 * time.Second
)

var (
	// ErrInstrumentNotFound is returned when instrument was not found in the
	// loaded catalog.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrCatalogEmpty is returned by lookups before the first successful load.
	ErrCatalogEmpty = errors.New("instrument catalog not loaded")
)

// Source lists the instruments of one exchange segment.
type Source interface {
	Instruments(ctx context.Context, exchange string) ([]*Instrument, error)
}

// UpdateConfig holds configuration for catalog refreshes.
type UpdateConfig struct {
	// RetryAttempts is the number of attempts per refresh
	RetryAttempts int
	// RetryDelay is the delay between attempts
	RetryDelay time.Duration
	// MaxAge skips a refresh while the current catalog is younger (0 = refresh every call)
	MaxAge time.Duration
}

// DefaultUpdateConfig returns the default update configuration
func DefaultUpdateConfig() *UpdateConfig {
	return &UpdateConfig{
		RetryAttempts: defaultRetryAttempts,
		RetryDelay:    defaultRetryDelay,
	}
}

// UpdateStats holds statistics about catalog refreshes
type UpdateStats struct {
	LastUpdateTime  time.Time `json:"last_update_time"`
	LastUpdateCount int       `json:"last_update_count"`
	TotalUpdates    int       `json:"total_updates"`
	FailedUpdates   int       `json:"failed_updates"`
	LastError       string    `json:"last_error,omitempty"`
}

// Config holds configuration for creating a new instruments manager
type Config struct {
	Source       Source        // required unless TestData is set
	Exchanges    []string      // defaults to NFO
	Underlyings  []string      // keeps only these names; empty keeps everything
	UpdateConfig *UpdateConfig // defaults to DefaultUpdateConfig() if nil
	Now          func() time.Time
	Logger       *slog.Logger  // required
	TestData     []*Instrument // if set, loaded as the initial catalog
}

// Manager owns the current instrument catalog. Lookups go through the
// immutable *Catalog returned by Current or Refresh.
type Manager struct {
	source      Source
	exchanges   []string
	underlyings map[string]bool
	config      *UpdateConfig
	now         func() time.Time
	logger      *slog.Logger

	current atomic.Pointer[Catalog]

	// refreshMu serializes refreshes; statsMu guards stats.
	refreshMu sync.Mutex
	statsMu   sync.RWMutex
	stats     UpdateStats
}

// New creates a new instruments manager with the given configuration.
// The catalog is loaded lazily by the first Refresh unless TestData is set.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Source == nil && cfg.TestData == nil {
		return nil, errors.New("instrument source is required")
	}
	if cfg.UpdateConfig == nil {
		cfg.UpdateConfig = DefaultUpdateConfig()
	}
	if cfg.UpdateConfig.RetryAttempts <= 0 {
		cfg.UpdateConfig.RetryAttempts = 1
	}
	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = []string{defaultExchange}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		source:    cfg.Source,
		exchanges: cfg.Exchanges,
		config:    cfg.UpdateConfig,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if len(cfg.Underlyings) > 0 {
		m.underlyings = make(map[string]bool, len(cfg.Underlyings))
		for _, u := range cfg.Underlyings {
			m.underlyings[u] = true
		}
	}

	if cfg.TestData != nil {
		m.LoadMap(cfg.TestData)
	}
	return m, nil
}

// Current returns the last successfully loaded catalog, or nil.
func (m *Manager) Current() *Catalog {
	return m.current.Load()
}

// Refresh loads a new catalog unless the current one is younger than MaxAge.
// On failure the previous catalog stays current and the returned error
// matches market.ErrUpstreamUnavailable.
func (m *Manager) Refresh(ctx context.Context) (*Catalog, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if cur := m.current.Load(); cur != nil && m.config.MaxAge > 0 &&
		m.now().Sub(cur.builtAt) < m.config.MaxAge {
		m.logger.Debug("Catalog is fresh, skipping refresh", "count", cur.Count(), "built_at", cur.builtAt)
		return cur, nil
	}

	var lastErr error
	maxAttempts := m.config.RetryAttempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			m.logger.Warn("Retrying catalog refresh", "attempt", attempt+1, "max_attempts", maxAttempts, "delay", m.config.RetryDelay)
			select {
			case <-ctx.Done():
				m.updateStats(ctx.Err(), 0)
				return nil, fmt.Errorf("%w: catalog refresh cancelled: %v", market.ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(m.config.RetryDelay):
			}
		}

		insts, err := m.load(ctx)
		if err != nil {
			lastErr = err
			m.logger.Error("Catalog refresh failed", "attempt", attempt+1, "error", err)
			continue
		}

		cat := newCatalog(insts, m.now())
		m.current.Store(cat)
		m.updateStats(nil, cat.Count())
		m.logger.Info("Loaded instruments", "count", cat.Count())
		return cat, nil
	}

	err := fmt.Errorf("%w: catalog refresh failed after %d attempts: %v", market.ErrUpstreamUnavailable, maxAttempts, lastErr)
	m.updateStats(err, 0)
	return nil, err
}

func (m *Manager) load(ctx context.Context) ([]*Instrument, error) {
	if m.source == nil {
		return nil, errors.New("no instrument source configured")
	}

	var out []*Instrument
	for _, exchange := range m.exchanges {
		insts, err := m.source.Instruments(ctx, exchange)
		if err != nil {
			return nil, fmt.Errorf("error loading %s instruments: %w", exchange, err)
		}
		for _, inst := range insts {
			if m.underlyings != nil && !m.underlyings[inst.Name] {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

// LoadMap installs insts as the current catalog without contacting the source.
func (m *Manager) LoadMap(insts []*Instrument) {
	m.logger.Debug("LoadMap: loading instruments", "count", len(insts))
	cat := newCatalog(insts, m.now())
	m.current.Store(cat)
	m.updateStats(nil, cat.Count())
}

// GetUpdateStats returns current update statistics
func (m *Manager) GetUpdateStats() UpdateStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *Manager) updateStats(err error, count int) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.stats.TotalUpdates++
	if err != nil {
		m.stats.FailedUpdates++
		m.stats.LastError = err.Error()
		return
	}
	m.stats.LastUpdateTime = m.now()
	m.stats.LastUpdateCount = count
	m.stats.LastError = ""
}
