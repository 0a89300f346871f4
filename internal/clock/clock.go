// Package clock provides IST wall-clock time and the NSE/BSE trading
// calendar: market-hours predicates, weekly expiry resolution, and the
// forced end-of-day exit cutoff.
//
// Every timestamp that leaves the process (persisted, published, compared)
// is in IST. Callers inject a Clock so tests can freeze time.
package clock

import (
	"time"
)

// IST is Asia/Kolkata (UTC+05:30), the single time zone of record.
var IST = mustLoadIST()

func mustLoadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fixed offset fallback for stripped-down containers.
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// Market session bounds (IST).
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// Clock supplies the current IST time. The real implementation wraps
// time.Now; tests substitute a frozen instant.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now in IST.
type System struct{}

func (System) Now() time.Time { return time.Now().In(IST) }

// Fixed is a Clock frozen at a single instant, for tests.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T.In(IST) }

// NowIST is time.Now in the zone of record.
func NowIST() time.Time { return time.Now().In(IST) }

// IsTradingDay reports whether d is a weekday. Exchange holidays are
// handled upstream by the broker's calendar; the kernel only excludes
// weekends.
func IsTradingDay(d time.Time) bool {
	wd := d.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketHours reports whether t falls inside the 09:15–15:30 IST
// session on a trading day.
func IsMarketHours(t time.Time) bool {
	t = t.In(IST)
	if !IsTradingDay(t) {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), OpenHour, OpenMinute, 0, 0, IST)
	close := time.Date(t.Year(), t.Month(), t.Day(), CloseHour, CloseMinute, 0, 0, IST)
	return !t.Before(open) && t.Before(close)
}

// expiryWeekday maps each index to its weekly expiry day.
var expiryWeekday = map[string]time.Weekday{
	"NIFTY":     time.Tuesday,
	"BANKNIFTY": time.Wednesday,
	"SENSEX":    time.Thursday,
}

// CurrentWeeklyExpiry returns the next weekly expiry date for the
// underlying on or after today, formatted 2006-01-02 in IST.
func CurrentWeeklyExpiry(symbol string, today time.Time) string {
	today = today.In(IST)
	target, ok := expiryWeekday[symbol]
	if !ok {
		target = time.Thursday
	}
	days := (int(target) - int(today.Weekday()) + 7) % 7
	expiry := today.AddDate(0, 0, days)
	return expiry.Format("2006-01-02")
}

// ShouldForceEODExit reports whether t has reached the forced square-off
// cutoff. cutoffHHMM is minutes past midnight (default 15*60+29); the
// one-minute margin before the 15:30 close leaves room for exit orders.
func ShouldForceEODExit(t time.Time, cutoffHHMM int) bool {
	t = t.In(IST)
	return t.Hour()*60+t.Minute() >= cutoffHHMM
}

// DefaultEODCutoff is 15:29 IST expressed in minutes past midnight.
const DefaultEODCutoff = CloseHour*60 + CloseMinute - 1

// NextPreOpen returns the next 09:00 IST instant strictly after t,
// used for the daily circuit-breaker and counter reset.
func NextPreOpen(t time.Time) time.Time {
	t = t.In(IST)
	preOpen := time.Date(t.Year(), t.Month(), t.Day(), 9, 0, 0, 0, IST)
	if !t.Before(preOpen) {
		preOpen = preOpen.AddDate(0, 0, 1)
	}
	return preOpen
}
