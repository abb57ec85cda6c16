package clock

import (
	"context"
	"testing"
	"time"
)

func TestMinuteOfDayAndWindows(t *testing.T) {
	cases := []struct {
		hh, mm    int
		open      bool
		entry     bool
		exit      bool
	}{
		{9, 14, false, false, false},
		{9, 15, true, false, false},
		{9, 30, true, true, false},
		{14, 30, true, true, false},
		{14, 31, true, false, false},
		{14, 50, true, false, true},
		{15, 0, true, false, true},
		{15, 1, true, false, false},
		{15, 30, true, false, false},
		{15, 31, false, false, false},
	}
	for _, c := range cases {
		// 2026-08-24 is a Monday.
		ts := At(2026, time.August, 24, c.hh, c.mm, 0)
		if got := IsMarketOpen(ts); got != c.open {
			t.Errorf("IsMarketOpen(%02d:%02d) = %v, want %v", c.hh, c.mm, got, c.open)
		}
		if got := InEntryWindow(ts); got != c.entry {
			t.Errorf("InEntryWindow(%02d:%02d) = %v, want %v", c.hh, c.mm, got, c.entry)
		}
		if got := InExitWindow(ts); got != c.exit {
			t.Errorf("InExitWindow(%02d:%02d) = %v, want %v", c.hh, c.mm, got, c.exit)
		}
	}
}

func TestWeekendIsClosed(t *testing.T) {
	saturday := At(2026, time.August, 22, 10, 0, 0)
	sunday := At(2026, time.August, 23, 10, 0, 0)
	if IsMarketOpen(saturday) || IsMarketOpen(sunday) {
		t.Error("weekend reported open")
	}
}

func TestSessionDate(t *testing.T) {
	ts := At(2026, time.August, 24, 9, 15, 0)
	if got := SessionDate(ts); got != "2026-08-24" {
		t.Errorf("SessionDate = %s", got)
	}
	// A UTC timestamp is converted into IST before formatting.
	lateUTC := time.Date(2026, time.August, 24, 20, 0, 0, 0, time.UTC) // 01:30 IST next day
	if got := SessionDate(lateUTC); got != "2026-08-25" {
		t.Errorf("SessionDate(UTC evening) = %s, want 2026-08-25", got)
	}
}

func TestNextFiveMinuteBoundary(t *testing.T) {
	cases := []struct {
		mm, ss, wantMM int
	}{
		{30, 0, 35},  // exactly on a boundary moves to the next one
		{31, 12, 35},
		{34, 59, 35},
		{55, 30, 0}, // crosses the hour
	}
	for _, c := range cases {
		ts := At(2026, time.August, 24, 10, c.mm, c.ss)
		next := NextFiveMinuteBoundary(ts)
		if next.Minute() != c.wantMM || next.Second() != 0 {
			t.Errorf("NextFiveMinuteBoundary(10:%02d:%02d) = %s", c.mm, c.ss, next.Format("15:04:05"))
		}
		if !next.After(ts) {
			t.Errorf("boundary %s not after input %s", next, ts)
		}
	}
}

func TestSleepUntilCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepUntil(ctx, time.Now().Add(time.Hour)) {
		t.Error("cancelled context reported as completed sleep")
	}

	// A past deadline returns immediately.
	if !SleepUntil(context.Background(), time.Now().Add(-time.Second)) {
		t.Error("past deadline with live context returned false")
	}
}

func TestFixedClock(t *testing.T) {
	ts := At(2026, time.August, 24, 12, 0, 0)
	var c Clock = Fixed{T: ts}
	if !c.Now().Equal(ts) {
		t.Error("fixed clock drifted")
	}
}
