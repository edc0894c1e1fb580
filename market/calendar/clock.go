package calendar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	DefaultZone           = "Asia/Kolkata"
	DefaultFallbackOffset = 5*time.Hour + 30*time.Minute
	DefaultMaxSkew        = 2 * time.Second
)

// NetworkSource returns the current time from a network authority.
type NetworkSource func(ctx context.Context) (time.Time, error)

// DefaultNTPTimeout bounds a query whose context carries no deadline.
const DefaultNTPTimeout = 5 * time.Second

// NTPSource queries host over NTP. The query timeout follows the context
// deadline.
func NTPSource(host string) NetworkSource {
	return func(ctx context.Context) (time.Time, error) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		timeout := DefaultNTPTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return time.Time{}, context.DeadlineExceeded
			}
		}

		resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			return time.Time{}, err
		}
		if err := resp.Validate(); err != nil {
			return time.Time{}, err
		}
		return time.Now().Add(resp.ClockOffset), nil
	}
}

// ClockConfig holds configuration for creating a Clock.
type ClockConfig struct {
	Zone           string           // defaults to DefaultZone
	FallbackOffset time.Duration    // UTC offset used when Zone cannot be loaded
	Now            func() time.Time // host time source, defaults to time.Now
	Network        NetworkSource    // optional tertiary source
	MaxSkew        time.Duration    // host/network disagreement tolerated before correcting
	Logger         *slog.Logger     // required
}

// Clock reports the current time in the exchange's zone, independent of the
// host process's TZ setting.
type Clock struct {
	loc     *time.Location
	hostNow func() time.Time
	network NetworkSource
	maxSkew time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
}

// NewClock creates a Clock. If the zone database is unavailable it falls back
// to a fixed UTC offset.
func NewClock(cfg ClockConfig) (*Clock, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Zone == "" {
		cfg.Zone = DefaultZone
	}
	if cfg.FallbackOffset == 0 {
		cfg.FallbackOffset = DefaultFallbackOffset
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}

	loc, err := time.LoadLocation(cfg.Zone)
	if err != nil {
		cfg.Logger.Warn("Time zone unavailable, using fixed offset",
			"zone", cfg.Zone, "offset", cfg.FallbackOffset, "error", err)
		loc = time.FixedZone(cfg.Zone, int(cfg.FallbackOffset/time.Second))
	}

	return &Clock{
		loc:     loc,
		hostNow: cfg.Now,
		network: cfg.Network,
		maxSkew: cfg.MaxSkew,
		logger:  cfg.Logger,
	}, nil
}

// Now returns the current exchange-local time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.hostNow().Add(offset).In(c.loc)
}

// Today returns midnight of the current exchange-local date.
func (c *Clock) Today() time.Time {
	return StartOfDay(c.Now())
}

// Location returns the exchange's zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Offset returns the correction currently applied to host time.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync consults the network source, if one is configured. When host time and
// network time disagree by more than the allowed skew, later calls to Now are
// corrected by the difference. A failed query keeps the last good correction.
func (c *Clock) Sync(ctx context.Context) error {
	if c.network == nil {
		return nil
	}
	netTime, err := c.network(ctx)
	if err != nil {
		c.logger.Warn("Network time query failed, keeping last offset", "offset", c.Offset(), "error", err)
		return err
	}
	host := c.hostNow()
	skew := netTime.Sub(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSync = host
	if skew > c.maxSkew || skew < -c.maxSkew {
		if c.offset != skew {
			c.logger.Warn("Host clock disagrees with network time", "skew", skew)
		}
		c.offset = skew
		return nil
	}
	c.offset = 0
	return nil
}

// StartOfDay returns midnight of t's date in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
