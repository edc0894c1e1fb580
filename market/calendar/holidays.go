// Package calendar resolves exchange-local time and trading days.
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Holiday is a non-trading calendar date.
type Holiday struct {
	Date string `yaml:"date" json:"date"` // YYYY-MM-DD
	Name string `yaml:"name" json:"name"`
}

// DefaultHolidays returns the NSE equity and F&O trading holidays the service
// ships with. Deployments override the list through configuration.
func DefaultHolidays() []Holiday {
	return []Holiday{
		{"2025-02-26", "Mahashivratri"},
		{"2025-03-14", "Holi"},
		{"2025-03-31", "Id-Ul-Fitr"},
		{"2025-04-10", "Shri Mahavir Jayanti"},
		{"2025-04-14", "Dr. Baba Saheb Ambedkar Jayanti"},
		{"2025-04-18", "Good Friday"},
		{"2025-05-01", "Maharashtra Day"},
		{"2025-08-15", "Independence Day"},
		{"2025-08-27", "Ganesh Chaturthi"},
		{"2025-10-02", "Mahatma Gandhi Jayanti/Dussehra"},
		{"2025-10-21", "Diwali Laxmi Pujan"},
		{"2025-10-22", "Balipratipada"},
		{"2025-11-05", "Prakash Gurpurb Sri Guru Nanak Dev"},
		{"2025-12-25", "Christmas"},
		{"2026-01-26", "Republic Day"},
		{"2026-05-01", "Maharashtra Day"},
		{"2026-10-02", "Mahatma Gandhi Jayanti"},
		{"2026-12-25", "Christmas"},
	}
}

// DefaultTradingDays is Monday to Friday.
func DefaultTradingDays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// Calendar is an immutable set of holidays plus the weekdays the exchange
// trades on. It is safe for concurrent use.
type Calendar struct {
	holidays    map[civilDate]string
	tradingDays [7]bool
}

// New builds a Calendar. An empty tradingDays means Monday to Friday.
func New(holidays []Holiday, tradingDays []time.Weekday) (*Calendar, error) {
	c := &Calendar{holidays: make(map[civilDate]string, len(holidays))}
	for _, h := range holidays {
		t, err := time.Parse(dateLayout, strings.TrimSpace(h.Date))
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", h.Date, err)
		}
		c.holidays[dateOf(t)] = h.Name
	}
	if len(tradingDays) == 0 {
		tradingDays = DefaultTradingDays()
	}
	for _, wd := range tradingDays {
		c.tradingDays[wd] = true
	}
	return c, nil
}

// IsHoliday reports whether the calendar date of d, in d's own location, is
// a configured holiday.
func (c *Calendar) IsHoliday(d time.Time) bool {
	_, ok := c.holidays[dateOf(d)]
	return ok
}

// HolidayName returns the holiday name for d, if any.
func (c *Calendar) HolidayName(d time.Time) (string, bool) {
	name, ok := c.holidays[dateOf(d)]
	return name, ok
}

// IsTradingWeekday reports whether the exchange trades on d's weekday.
func (c *Calendar) IsTradingWeekday(d time.Time) bool {
	return c.tradingDays[d.Weekday()]
}

// IsTradingDay reports whether d is a trading weekday and not a holiday.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	return c.IsTradingWeekday(d) && !c.IsHoliday(d)
}

// Holidays returns the configured holidays in date order.
func (c *Calendar) Holidays() []Holiday {
	out := make([]Holiday, 0, len(c.holidays))
	for d, name := range c.holidays {
		out = append(out, Holiday{
			Date: time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC).Format(dateLayout),
			Name: name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// ParseWeekday parses an English weekday name such as "thursday" or "Thu".
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return wd, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
