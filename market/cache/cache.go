// Package cache keeps the latest market snapshot for a bounded time and
// guarantees at most one aggregation build in flight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/market"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultBuildTimeout = 2 * time.Minute

	buildKey = "snapshot"
)

// Builder produces a new snapshot.
type Builder interface {
	Build(ctx context.Context) (*market.Snapshot, error)
}

// Config holds configuration for creating a Cache.
type Config struct {
	Builder      Builder       // required
	TTL          time.Duration // defaults to DefaultTTL
	BuildTimeout time.Duration // defaults to DefaultBuildTimeout
	Now          func() time.Time
	Logger       *slog.Logger // required
	Metrics      *metrics.Manager
}

// Cache serves snapshots younger than the TTL and rebuilds on demand.
// Concurrent callers share one build; when a build fails, the previous
// snapshot keeps being served past its TTL.
type Cache struct {
	builder      Builder
	ttl          time.Duration
	buildTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Manager

	entry atomic.Pointer[market.Snapshot]
	group singleflight.Group
	fails atomic.Int64
}

// New creates a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		builder:      cfg.Builder,
		ttl:          cfg.TTL,
		buildTimeout: cfg.BuildTimeout,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Peek returns the last stored snapshot without building, or nil.
func (c *Cache) Peek() *market.Snapshot {
	return c.entry.Load()
}

// ConsecutiveFailures counts builds failed since the last success.
func (c *Cache) ConsecutiveFailures() int64 {
	return c.fails.Load()
}

func (c *Cache) fresh(s *market.Snapshot) bool {
	return s != nil && s.Age(c.now()) < c.ttl
}

// Get returns a snapshot and whether it is stale. A fresh snapshot is
// returned immediately. Otherwise the caller waits for the single in-flight
// build; if that build fails, or ctx ends first, the previous snapshot is
// returned as stale. An error is returned only when no snapshot exists.
func (c *Cache) Get(ctx context.Context) (*market.Snapshot, bool, error) {
	prev := c.entry.Load()
	if c.fresh(prev) {
		c.metrics.CacheEvent(metrics.CacheHit)
		return prev, false, nil
	}
	c.metrics.CacheEvent(metrics.CacheMiss)

	ch := c.group.DoChan(buildKey, func() (val any, err error) {
		// singleflight re-panics on a fresh goroutine, so recover here.
		defer func() {
			if r := recover(); r != nil {
				c.fails.Add(1)
				c.logger.Error("Snapshot build panicked", "panic", r)
				val, err = nil, &market.AggregationError{Cause: fmt.Errorf("build panicked: %v", r)}
			}
		}()

		// A build that finished while this one was being scheduled wins.
		if cur := c.entry.Load(); c.fresh(cur) {
			return cur, nil
		}

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
		defer cancel()

		snap, err := c.builder.Build(buildCtx)
		if err != nil {
			c.fails.Add(1)
			return nil, err
		}
		stored := snap.WithInsertedAt(c.now())
		c.entry.Store(stored)
		c.fails.Store(0)
		return stored, nil
	})

	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*market.Snapshot), false, nil
		}
		return c.stale(res.Err)
	case <-ctx.Done():
		return c.stale(ctx.Err())
	}
}

func (c *Cache) stale(err error) (*market.Snapshot, bool, error) {
	if last := c.entry.Load(); last != nil {
		c.logger.Warn("Serving stale snapshot", "build_id", last.BuildID, "age", last.Age(c.now()), "error", err)
		c.metrics.CacheEvent(metrics.CacheStale)
		return last, true, nil
	}
	return nil, false, err
}
