// Package expiry derives the current weekly and monthly derivative expiries
// from the exchange-local date, adjusting for holidays.
package expiry

import (
	"errors"
	"time"

	"github.com/niftydash/kite-dashboard/market"
	"github.com/niftydash/kite-dashboard/market/calendar"
)

// maxRollBack bounds the walk to the previous business day.
const maxRollBack = 31

// BusinessDays reports whether a date is a trading day.
type BusinessDays interface {
	IsTradingDay(d time.Time) bool
}

// Config holds configuration for creating a Resolver.
type Config struct {
	WeeklyWeekday  time.Weekday
	MonthlyWeekday time.Weekday
	Calendar       BusinessDays     // required
	Today          func() time.Time // exchange-local clock, required
}

// Resolver computes expiry dates. Results are never cached: every call is a
// pure function of the calendar and today's date.
type Resolver struct {
	weekly   time.Weekday
	monthly  time.Weekday
	calendar BusinessDays
	today    func() time.Time
}

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Calendar == nil {
		return nil, errors.New("calendar is required")
	}
	if cfg.Today == nil {
		return nil, errors.New("today func is required")
	}
	return &Resolver{
		weekly:   cfg.WeeklyWeekday,
		monthly:  cfg.MonthlyWeekday,
		calendar: cfg.Calendar,
		today:    cfg.Today,
	}, nil
}

// LastWeeklyExpiry scans backward from the Sunday ending anchor's week to the
// weekly expiry weekday, then rolls back day by day to a business day.
func (r *Resolver) LastWeeklyExpiry(anchor time.Time) time.Time {
	anchor = calendar.StartOfDay(anchor)
	daysFromMonday := (int(anchor.Weekday()) + 6) % 7
	end := anchor.AddDate(0, 0, 6-daysFromMonday)
	return r.rollBack(scanBack(end, r.weekly))
}

// LastMonthlyExpiry applies the same rule from the last day of the month.
func (r *Resolver) LastMonthlyExpiry(year int, month time.Month, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	return r.rollBack(scanBack(last, r.monthly))
}

// WeeklyExpiryOn returns the weekly expiry in force on today: this week's,
// or next week's once this week's has passed.
func (r *Resolver) WeeklyExpiryOn(today time.Time) time.Time {
	today = calendar.StartOfDay(today)
	exp := r.LastWeeklyExpiry(today)
	if today.After(exp) {
		exp = r.LastWeeklyExpiry(today.AddDate(0, 0, 7))
	}
	return exp
}

// MonthlyExpiryOn returns the monthly expiry in force on today: this month's,
// or next month's once this month's has passed.
func (r *Resolver) MonthlyExpiryOn(today time.Time) time.Time {
	today = calendar.StartOfDay(today)
	exp := r.LastMonthlyExpiry(today.Year(), today.Month(), today.Location())
	if today.After(exp) {
		year, month := today.Year(), today.Month()+1
		if month > time.December {
			year, month = year+1, time.January
		}
		exp = r.LastMonthlyExpiry(year, month, today.Location())
	}
	return exp
}

// CurrentWeeklyExpiry returns the weekly expiry in force today.
func (r *Resolver) CurrentWeeklyExpiry() time.Time {
	return r.WeeklyExpiryOn(r.today())
}

// CurrentMonthlyExpiry returns the monthly expiry in force today.
func (r *Resolver) CurrentMonthlyExpiry() time.Time {
	return r.MonthlyExpiryOn(r.today())
}

// Resolve returns both current expiries for one evaluation.
func (r *Resolver) Resolve() market.ExpirySet {
	today := r.today()
	return market.ExpirySet{
		Weekly:  r.WeeklyExpiryOn(today),
		Monthly: r.MonthlyExpiryOn(today),
	}
}

func scanBack(d time.Time, wd time.Weekday) time.Time {
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// rollBack never moves forward: a non-business day walks to the previous day
// until a business day is found.
func (r *Resolver) rollBack(d time.Time) time.Time {
	for i := 0; i < maxRollBack && !r.calendar.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
