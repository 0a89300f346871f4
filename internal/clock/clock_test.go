package clock

import (
	"testing"
	"time"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, IST)
}

func TestIsMarketHours(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", ist(2025, time.March, 3, 9, 14), false},
		{"at open", ist(2025, time.March, 3, 9, 15), true},
		{"midday", ist(2025, time.March, 3, 12, 0), true},
		{"last minute", ist(2025, time.March, 3, 15, 29), true},
		{"at close", ist(2025, time.March, 3, 15, 30), false},
		{"saturday", ist(2025, time.March, 1, 12, 0), false},
		{"sunday", ist(2025, time.March, 2, 12, 0), false},
	}
	for _, c := range cases {
		if got := IsMarketHours(c.t); got != c.want {
			t.Errorf("%s: IsMarketHours = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCurrentWeeklyExpiry(t *testing.T) {
	t.Parallel()

	// Monday 2025-03-03.
	monday := ist(2025, time.March, 3, 10, 0)

	cases := []struct {
		symbol string
		want   string
	}{
		{"NIFTY", "2025-03-04"},     // Tuesday
		{"BANKNIFTY", "2025-03-05"}, // Wednesday
		{"SENSEX", "2025-03-06"},    // Thursday
	}
	for _, c := range cases {
		if got := CurrentWeeklyExpiry(c.symbol, monday); got != c.want {
			t.Errorf("CurrentWeeklyExpiry(%s) = %s, want %s", c.symbol, got, c.want)
		}
	}

	// On the expiry day itself, today is the expiry.
	tuesday := ist(2025, time.March, 4, 10, 0)
	if got := CurrentWeeklyExpiry("NIFTY", tuesday); got != "2025-03-04" {
		t.Errorf("expiry on expiry day = %s, want 2025-03-04", got)
	}

	// Day after expiry rolls to next week.
	wednesday := ist(2025, time.March, 5, 10, 0)
	if got := CurrentWeeklyExpiry("NIFTY", wednesday); got != "2025-03-11" {
		t.Errorf("expiry after expiry day = %s, want 2025-03-11", got)
	}
}

func TestShouldForceEODExit(t *testing.T) {
	t.Parallel()

	if ShouldForceEODExit(ist(2025, time.March, 3, 15, 28), DefaultEODCutoff) {
		t.Error("15:28 should not force EOD exit")
	}
	if !ShouldForceEODExit(ist(2025, time.March, 3, 15, 29), DefaultEODCutoff) {
		t.Error("15:29 should force EOD exit")
	}
	if !ShouldForceEODExit(ist(2025, time.March, 3, 15, 45), DefaultEODCutoff) {
		t.Error("15:45 should force EOD exit")
	}
}

func TestNextPreOpen(t *testing.T) {
	t.Parallel()

	// Before 09:00 → same day.
	got := NextPreOpen(ist(2025, time.March, 3, 7, 30))
	if want := ist(2025, time.March, 3, 9, 0); !got.Equal(want) {
		t.Errorf("NextPreOpen before 09:00 = %v, want %v", got, want)
	}

	// After 09:00 → next day.
	got = NextPreOpen(ist(2025, time.March, 3, 10, 0))
	if want := ist(2025, time.March, 4, 9, 0); !got.Equal(want) {
		t.Errorf("NextPreOpen after 09:00 = %v, want %v", got, want)
	}
}
