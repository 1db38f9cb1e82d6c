// Package session provides the market calendar and the daily open/close scheduler.
package session

import (
	"context"
	"time"

	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

// StatusProvider reports whether the market is currently open.
type StatusProvider interface {
	Status(ctx context.Context) (models.MarketStatus, error)
}

// Fixed is a StatusProvider that always reports the same status.
type Fixed models.MarketStatus

// Status returns the fixed status.
func (f Fixed) Status(context.Context) (models.MarketStatus, error) {
	return models.MarketStatus(f), nil
}

// Calendar decides market status from wall-clock time, weekends and exchange
// holidays.
type Calendar struct {
	location  *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
	holidays  map[string]bool // Date string -> is holiday
	clock     func() time.Time
}

// NewCalendar creates a calendar for the given trading window.
func NewCalendar(loc *time.Location, openHour, openMin, closeHour, closeMin int) *Calendar {
	if loc == nil {
		loc = utils.IndiaLocation
	}
	return &Calendar{
		location:  loc,
		openHour:  openHour,
		openMin:   openMin,
		closeHour: closeHour,
		closeMin:  closeMin,
		holidays:  make(map[string]bool),
		clock:     time.Now,
	}
}

// NewIndiaCalendar creates a calendar for the NSE cash session, 09:15 to 15:30 IST.
func NewIndiaCalendar() *Calendar {
	return NewCalendar(utils.IndiaLocation, 9, 15, 15, 30)
}

// SetClock overrides the time source.
func (c *Calendar) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location {
	return c.location
}

// AddHoliday marks the calendar day of date, in the calendar's timezone, as a
// market holiday.
func (c *Calendar) AddHoliday(date time.Time) {
	c.holidays[date.In(c.location).Format("2006-01-02")] = true
}

// AddHolidays adds holidays given as YYYY-MM-DD strings.
func (c *Calendar) AddHolidays(dates []string) error {
	for _, d := range dates {
		t, err := time.ParseInLocation("2006-01-02", d, c.location)
		if err != nil {
			return err
		}
		c.AddHoliday(t)
	}
	return nil
}

// IsHoliday checks if a date is a market holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	return c.holidays[date.In(c.location).Format("2006-01-02")]
}

// IsTradingDay reports whether the exchange trades on t's calendar day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.location)
	return !utils.IsWeekend(t) && !c.IsHoliday(t)
}

// StatusAt returns the market status at t. The window is half-open: open at
// the open minute, closed from the close minute.
func (c *Calendar) StatusAt(t time.Time) models.MarketStatus {
	t = t.In(c.location)
	if !c.IsTradingDay(t) {
		return models.MarketClosed
	}
	open := utils.TimeAt(t, c.openHour, c.openMin)
	closeAt := utils.TimeAt(t, c.closeHour, c.closeMin)
	if !t.Before(open) && t.Before(closeAt) {
		return models.MarketOpen
	}
	return models.MarketClosed
}

// Status returns the current market status.
func (c *Calendar) Status(ctx context.Context) (models.MarketStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.MarketClosed, err
	}
	return c.StatusAt(c.clock()), nil
}

// NextOpen returns the next session open strictly after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	t = t.In(c.location)
	next := utils.TimeAt(t, c.openHour, c.openMin)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	for !c.IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextClose returns the next session close strictly after t.
func (c *Calendar) NextClose(t time.Time) time.Time {
	t = t.In(c.location)
	next := utils.TimeAt(t, c.closeHour, c.closeMin)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	for !c.IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
