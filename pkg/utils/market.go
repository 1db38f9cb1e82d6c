package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// LoadLocation resolves a timezone name, falling back to IST for the
// Kolkata zone when the tz database is missing.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Asia/Kolkata" {
		return IndiaLocation, nil
	}
	return time.LoadLocation(name)
}

// TimeAt creates a time on the same day at specified hour and minute.
func TimeAt(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

// TradingDay returns the calendar date of t in loc as YYYY-MM-DD.
func TradingDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
