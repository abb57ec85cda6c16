// Package clock provides market-local (IST) time and the NSE session
// boundaries used by the trading loops. Session boundaries are compared on
// wall-clock hours and minutes, never on offsets.
package clock

import (
	"context"
	"time"
)

// Session boundary constants, minutes since midnight IST.
const (
	SessionStartMin = 9*60 + 15  // 09:15
	EntryStartMin   = 9*60 + 30  // 09:30
	EntryEndMin     = 14*60 + 30 // 14:30
	ExitStartMin    = 14*60 + 50 // 14:50
	ExitEndMin      = 15 * 60    // 15:00
	SessionEndMin   = 15*60 + 30 // 15:30
)

// BarSettleDelay is how long past a 5-minute boundary the entry loop waits
// before fetching, so the just-closed bar has settled at the venue.
const BarSettleDelay = 10 * time.Second

var istLocation = loadIST()

func loadIST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	// Fallback for minimal containers without a tz database.
	return time.FixedZone("IST", 5*3600+30*60)
}

// Location returns the IST location used for all market timestamps.
func Location() *time.Location {
	return istLocation
}

// Clock produces market-local timestamps. The real implementation wraps the
// system clock; tests substitute a fixed one.
type Clock interface {
	Now() time.Time
}

// IST is the production clock.
type IST struct{}

// Now returns the current wall-clock time in IST.
func (IST) Now() time.Time {
	return time.Now().In(istLocation)
}

// Fixed is a test clock frozen at a point in time.
type Fixed struct {
	T time.Time
}

// Now returns the frozen instant.
func (f Fixed) Now() time.Time { return f.T }

// MinuteOfDay returns minutes since local midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// SessionDate formats t's calendar date in IST as YYYY-MM-DD.
func SessionDate(t time.Time) string {
	return t.In(istLocation).Format("2006-01-02")
}

// IsMarketOpen reports whether t falls inside a weekday session,
// [09:15, 15:30] Monday through Friday.
func IsMarketOpen(t time.Time) bool {
	t = t.In(istLocation)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	m := MinuteOfDay(t)
	return m >= SessionStartMin && m <= SessionEndMin
}

// InEntryWindow reports whether entries are allowed at t: [09:30, 14:30].
func InEntryWindow(t time.Time) bool {
	m := MinuteOfDay(t.In(istLocation))
	return m >= EntryStartMin && m <= EntryEndMin
}

// InExitWindow reports whether t is inside the end-of-day force-close
// window [14:50, 15:00].
func InExitWindow(t time.Time) bool {
	m := MinuteOfDay(t.In(istLocation))
	return m >= ExitStartMin && m <= ExitEndMin
}

// AfterSessionStart reports whether the session has opened at t.
func AfterSessionStart(t time.Time) bool {
	return MinuteOfDay(t.In(istLocation)) >= SessionStartMin
}

// NextFiveMinuteBoundary returns the first instant strictly after t whose
// minute is a multiple of five, seconds zeroed. The entry loop aligns its
// ticks to this market grid.
func NextFiveMinuteBoundary(t time.Time) time.Time {
	t = t.In(istLocation)
	truncated := t.Truncate(5 * time.Minute)
	return truncated.Add(5 * time.Minute)
}

// SleepUntil blocks until the deadline or context cancellation, whichever
// comes first. Returns false if the context was cancelled.
func SleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// At constructs an IST timestamp on the given date at hh:mm:ss. Intended
// for tests and for deriving window deadlines from a session date.
func At(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, istLocation)
}
