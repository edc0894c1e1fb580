// Package session tracks whether the exchange is open. A background loop
// re-evaluates the session on a fixed interval and publishes the result as
// one atomically replaced MarketStatus.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niftydash/kite-dashboard/app/metrics"
	"github.com/niftydash/kite-dashboard/market"
)

const (
	DefaultOpen     = 9*time.Hour + 15*time.Minute
	DefaultClose    = 15*time.Hour + 30*time.Minute
	DefaultInterval = 60 * time.Second

	labelLayout = "Monday, 2 January 2006"
	syncTimeout = 5 * time.Second
)

// Status reasons.
const (
	ReasonOpen       = "open"
	ReasonHoliday    = "holiday"
	ReasonWeekend    = "weekend"
	ReasonBeforeOpen = "before_open"
	ReasonAfterClose = "after_close"
)

// Calendar answers holiday and trading-weekday questions.
type Calendar interface {
	HolidayName(d time.Time) (string, bool)
	IsTradingWeekday(d time.Time) bool
}

// Clock returns the exchange-local time.
type Clock interface {
	Now() time.Time
}

// Syncer is implemented by clocks that can correct themselves against a
// network source.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config holds configuration for creating a Scheduler.
type Config struct {
	Calendar Calendar      // required
	Clock    Clock         // required
	Open     time.Duration // session open as an offset from local midnight
	Close    time.Duration // session close, exclusive
	Interval time.Duration // defaults to DefaultInterval
	Logger   *slog.Logger  // required
	Metrics  *metrics.Manager
}

// Scheduler owns the market status. It is the only writer; any goroutine may
// read through Status.
type Scheduler struct {
	calendar Calendar
	clock    Clock
	openAt   time.Duration
	closeAt  time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Manager

	status atomic.Pointer[market.MarketStatus]

	// Scheduler control
	schedulerCtx    context.Context
	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}
	startOnce       sync.Once
	stopOnce        sync.Once
}

// New creates a Scheduler and evaluates the session once, so Status is
// meaningful before Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Calendar == nil || cfg.Clock == nil {
		return nil, errors.New("calendar and clock are required")
	}
	if cfg.Open == 0 && cfg.Close == 0 {
		cfg.Open, cfg.Close = DefaultOpen, DefaultClose
	}
	if cfg.Open >= cfg.Close || cfg.Close > 24*time.Hour {
		return nil, errors.New("session open must be before close")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		calendar:        cfg.Calendar,
		clock:           cfg.Clock,
		openAt:          cfg.Open,
		closeAt:         cfg.Close,
		interval:        cfg.Interval,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		schedulerCtx:    ctx,
		schedulerCancel: cancel,
		schedulerDone:   make(chan struct{}),
	}
	s.Evaluate()
	return s, nil
}

// Status returns the latest evaluation.
func (s *Scheduler) Status() market.MarketStatus {
	return *s.status.Load()
}

// IsOpen reports whether the latest evaluation found the market open.
func (s *Scheduler) IsOpen() bool {
	return s.status.Load().IsOpen
}

// Evaluate computes the session state for the current time and publishes it.
func (s *Scheduler) Evaluate() market.MarketStatus {
	now := s.clock.Now()
	st := s.StatusAt(now)

	prev := s.status.Swap(&st)
	s.metrics.SetMarketOpen(st.IsOpen)
	if prev == nil || prev.IsOpen != st.IsOpen {
		s.logger.Info("Market session changed", "open", st.IsOpen, "reason", st.Reason, "at", now)
	}
	return st
}

// StatusAt computes the session state at t without publishing it.
func (s *Scheduler) StatusAt(t time.Time) market.MarketStatus {
	st := market.MarketStatus{
		EvaluatedAt: t,
		Label:       t.Format(labelLayout),
	}

	y, m, d := t.Date()
	sinceMidnight := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))

	if name, ok := s.calendar.HolidayName(t); ok {
		st.Reason = ReasonHoliday
		st.Holiday = name
		return st
	}

	switch {
	case !s.calendar.IsTradingWeekday(t):
		st.Reason = ReasonWeekend
	case sinceMidnight < s.openAt:
		st.Reason = ReasonBeforeOpen
	case sinceMidnight >= s.closeAt:
		st.Reason = ReasonAfterClose
	default:
		st.IsOpen = true
		st.Reason = ReasonOpen
	}
	return st
}

// Start runs the evaluation loop until Stop is called.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Scheduler) run() {
	defer close(s.schedulerDone)

	s.logger.Info("Starting session scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.schedulerCtx.Done():
			s.logger.Info("Session scheduler stopped")
			return

		case <-ticker.C:
			s.syncClock()
			s.Evaluate()
		}
	}
}

// syncClock corrects the clock when it supports it. Failures keep the last
// offset and never stop the loop.
func (s *Scheduler) syncClock() {
	syncer, ok := s.clock.(Syncer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.schedulerCtx, syncTimeout)
	defer cancel()
	if err := syncer.Sync(ctx); err != nil {
		s.logger.Debug("Clock sync skipped", "error", err)
	}
}

// Stop ends the loop and waits for it to exit. It is safe to call more than
// once, and without Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.schedulerCancel()
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.schedulerDone
		}
	})
}
