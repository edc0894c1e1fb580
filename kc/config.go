package kc

import (
	"errors"
	"fmt"
	"time"

	"github.com/niftydash/kite-dashboard/kc/quotes"
	"github.com/niftydash/kite-dashboard/market/aggregator"
	"github.com/niftydash/kite-dashboard/market/cache"
	"github.com/niftydash/kite-dashboard/market/calendar"
	"github.com/niftydash/kite-dashboard/market/session"
)

// MarketConfig describes the instrument universe and the engine's limits.
// It is loaded from YAML over DefaultMarketConfig.
type MarketConfig struct {
	Session     SessionConfig           `yaml:"session"`
	Holidays    []calendar.Holiday      `yaml:"holidays"`
	Expiry      ExpiryConfig            `yaml:"expiry"`
	Underlyings []aggregator.Underlying `yaml:"underlyings"`
	Indices     []string                `yaml:"indices"`
	Stocks      []string                `yaml:"stocks"`
	Gateway     GatewayConfig           `yaml:"gateway"`
	Catalog     CatalogConfig           `yaml:"catalog"`
	Cache       CacheConfig             `yaml:"cache"`
	Features    FeatureFlags            `yaml:"features"`
	NTPHost     string                  `yaml:"ntp_host"` // empty disables network time
}

// SessionConfig holds the trading session in exchange-local time.
type SessionConfig struct {
	Zone        string        `yaml:"zone"`
	Open        string        `yaml:"open"`  // HH:MM
	Close       string        `yaml:"close"` // HH:MM, exclusive
	TradingDays []string      `yaml:"trading_days"`
	Interval    time.Duration `yaml:"interval"` // scheduler evaluation interval
}

// ExpiryConfig names the expiry weekdays.
type ExpiryConfig struct {
	Weekly  string `yaml:"weekly"`
	Monthly string `yaml:"monthly"`
}

// GatewayConfig bounds outbound quote traffic.
type GatewayConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Calls       int           `yaml:"calls"`
	Period      time.Duration `yaml:"period"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Attempts    int           `yaml:"attempts"`
}

// CatalogConfig controls instrument catalog refreshes.
type CatalogConfig struct {
	Exchanges     []string      `yaml:"exchanges"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// CacheConfig controls the snapshot cache.
type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// FeatureFlags toggle optional snapshot sections.
type FeatureFlags struct {
	Futures bool `yaml:"futures"`
	Movers  bool `yaml:"movers"`
}

// DefaultMarketConfig returns the NSE NIFTY/BANKNIFTY setup.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Session: SessionConfig{
			Zone:        calendar.DefaultZone,
			Open:        "09:15",
			Close:       "15:30",
			TradingDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
			Interval:    session.DefaultInterval,
		},
		Holidays: calendar.DefaultHolidays(),
		Expiry:   ExpiryConfig{Weekly: "thursday", Monthly: "thursday"},
		Underlyings: []aggregator.Underlying{
			{Name: "NIFTY", IndexSymbol: "NSE:NIFTY 50", StrikeStep: 100, WindowHalfWidth: 1000, Cadence: aggregator.Weekly, Futures: true},
			{Name: "BANKNIFTY", IndexSymbol: "NSE:NIFTY BANK", StrikeStep: 100, WindowHalfWidth: 1500, Cadence: aggregator.Monthly, Futures: true},
		},
		Indices: []string{"NSE:NIFTY 50", "NSE:NIFTY BANK", "NSE:INDIA VIX"},
		Stocks: []string{
			"NSE:RELIANCE", "NSE:HDFCBANK", "NSE:ICICIBANK", "NSE:INFY", "NSE:TCS",
			"NSE:BHARTIARTL", "NSE:ITC", "NSE:LT", "NSE:SBIN", "NSE:KOTAKBANK",
			"NSE:AXISBANK", "NSE:HINDUNILVR", "NSE:BAJFINANCE", "NSE:MARUTI", "NSE:SUNPHARMA",
		},
		Gateway: GatewayConfig{
			BatchSize:   quotes.DefaultBatchSize,
			Calls:       quotes.DefaultCalls,
			Period:      quotes.DefaultPeriod,
			CallTimeout: quotes.DefaultCallTimeout,
			Attempts:    1,
		},
		Catalog: CatalogConfig{
			Exchanges:     []string{"NFO"},
			RetryAttempts: 3,
			RetryDelay:    3 * time.Second,
		},
		Cache:    CacheConfig{TTL: cache.DefaultTTL, BuildTimeout: cache.DefaultBuildTimeout},
		Features: FeatureFlags{Futures: true, Movers: true},
		NTPHost:  "pool.ntp.org",
	}
}

// SessionHours parses the open and close times as offsets from midnight.
func (c MarketConfig) SessionHours() (open, close time.Duration, err error) {
	if open, err = parseClock(c.Session.Open); err != nil {
		return 0, 0, fmt.Errorf("session open: %w", err)
	}
	if close, err = parseClock(c.Session.Close); err != nil {
		return 0, 0, fmt.Errorf("session close: %w", err)
	}
	if open >= close {
		return 0, 0, errors.New("session open must be before close")
	}
	return open, close, nil
}

// TradingWeekdays parses the configured trading days.
func (c MarketConfig) TradingWeekdays() ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(c.Session.TradingDays))
	for _, d := range c.Session.TradingDays {
		wd, err := calendar.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

// ExpiryWeekdays parses the weekly and monthly expiry weekdays.
func (c MarketConfig) ExpiryWeekdays() (weekly, monthly time.Weekday, err error) {
	if weekly, err = calendar.ParseWeekday(c.Expiry.Weekly); err != nil {
		return 0, 0, fmt.Errorf("weekly expiry: %w", err)
	}
	if monthly, err = calendar.ParseWeekday(c.Expiry.Monthly); err != nil {
		return 0, 0, fmt.Errorf("monthly expiry: %w", err)
	}
	return weekly, monthly, nil
}

// Validate reports the first invalid setting.
func (c MarketConfig) Validate() error {
	if _, _, err := c.SessionHours(); err != nil {
		return err
	}
	if _, err := c.TradingWeekdays(); err != nil {
		return err
	}
	if _, _, err := c.ExpiryWeekdays(); err != nil {
		return err
	}
	if _, err := calendar.New(c.Holidays, nil); err != nil {
		return err
	}
	if c.Gateway.BatchSize <= 0 {
		return errors.New("gateway batch size must be positive")
	}
	if c.Gateway.Calls <= 0 || c.Gateway.Period <= 0 {
		return errors.New("gateway rate limit must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	for _, u := range c.Underlyings {
		if u.Name == "" || u.IndexSymbol == "" {
			return errors.New("underlying name and index symbol are required")
		}
		if u.StrikeStep <= 0 {
			return fmt.Errorf("underlying %s: strike step must be positive", u.Name)
		}
		if u.WindowHalfWidth < 0 {
			return fmt.Errorf("underlying %s: window half width must not be negative", u.Name)
		}
		if u.Cadence != aggregator.Weekly && u.Cadence != aggregator.Monthly {
			return fmt.Errorf("underlying %s: unknown cadence %q", u.Name, u.Cadence)
		}
	}
	return nil
}

// parseClock parses HH:MM into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
