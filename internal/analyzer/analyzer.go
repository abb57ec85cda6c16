// Package analyzer implements the OI and VWAP analytics the strategy is
// driven by: max-OI buildup around spot, direction selection, nearest-strike
// resolution, per-key OI change tracking and the session-anchored
// incremental VWAP.
//
// All functions operate over workingData, the pre-filtered slice of today's
// 5-minute bars for the chosen expiry. The analyzer owns the per-key VWAP
// accumulators and the last-OI side map; both live in the shared DailyState
// so the state manager can persist and restore them.
package analyzer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/oipulse/oipulse/internal/models"
)

// ErrOutOfOrderBar is returned when a VWAP update arrives with a timestamp
// older than the accumulator's last bar.
var ErrOutOfOrderBar = errors.New("out-of-order bar rejected")

// ErrNoData is returned when workingData holds nothing usable for a query.
var ErrNoData = errors.New("no data for query")

// Analyzer holds the day's working slice and the mutable per-key maps.
type Analyzer struct {
	step    int // strike grid step, e.g. 50 for NIFTY
	window  int // strikes scanned each side of spot
	working []models.ChainBar

	vwap   map[string]*models.VWAPAccumulator
	lastOI map[string]int64
}

// New creates an analyzer with an empty working slice. step is the strike
// grid step; window is how many strikes each side of spot the buildup scan
// covers.
func New(step, window int) *Analyzer {
	return &Analyzer{
		step:   step,
		window: window,
		vwap:   make(map[string]*models.VWAPAccumulator),
		lastOI: make(map[string]int64),
	}
}

// SetWorkingData replaces the day's working slice. Called once at
// session-open after the expiry is resolved.
func (a *Analyzer) SetWorkingData(rows []models.ChainBar) {
	a.working = rows
}

// AppendWorkingData extends the working slice with a fresh options-chain
// snapshot. Called on each 5-minute tick.
func (a *Analyzer) AppendWorkingData(rows []models.ChainBar) {
	a.working = append(a.working, rows...)
}

// IngestBars folds a chain snapshot into the per-key VWAP accumulators, so
// a strike that becomes the traded strike mid-session already carries a
// VWAP anchored at the session open. Rows are applied oldest first; a row
// at or before a key's last bar carries nothing new and is absorbed by the
// accumulator's ordering rules.
func (a *Analyzer) IngestBars(rows []models.ChainBar) {
	sorted := make([]models.ChainBar, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Bar.Timestamp.Before(sorted[j].Bar.Timestamp)
	})
	for _, row := range sorted {
		_, _ = a.UpdateVWAP(row.Key, row.Bar)
	}
}

// WorkingLen reports the number of rows held, for logging.
func (a *Analyzer) WorkingLen() int { return len(a.working) }

// ResetDay clears the accumulators and side maps at 09:15 of a new session
// day. The maps are handed to the DailyState by the caller.
func (a *Analyzer) ResetDay() {
	a.working = nil
	a.vwap = make(map[string]*models.VWAPAccumulator)
	a.lastOI = make(map[string]int64)
}

// Bind points the analyzer's mutable maps at the DailyState's, so snapshots
// and recovery see the same data the analyzer mutates.
func (a *Analyzer) Bind(day *models.DailyState) {
	if day.VWAP == nil {
		day.VWAP = make(map[string]*models.VWAPAccumulator)
	}
	if day.LastOI == nil {
		day.LastOI = make(map[string]int64)
	}
	a.vwap = day.VWAP
	a.lastOI = day.LastOI
}

// Buildup is the result of the max-OI scan around spot.
type Buildup struct {
	CallStrike int
	PutStrike  int
	CallDist   float64
	PutDist    float64
	HasCall    bool
	HasPut     bool
}

// MaxOIBuildup scans strikes in [spot - window*step, spot + window*step]
// and, for calls and puts separately, finds the strike with the greatest OI
// at the nearest-available timestamp <= now. A side with no OI at all
// reports Has{Call,Put} = false.
func (a *Analyzer) MaxOIBuildup(now time.Time, spot float64) (Buildup, error) {
	if len(a.working) == 0 {
		return Buildup{}, fmt.Errorf("max OI buildup: %w", ErrNoData)
	}

	lo := int(spot) - a.window*a.step
	hi := int(spot) + a.window*a.step

	type side struct {
		oi     int64
		strike int
		found  bool
	}
	var call, put side

	// Latest bar at or before now per (strike, type) within the scan band.
	latest := make(map[models.OptionKey]models.OptionBar)
	for _, row := range a.working {
		if row.Key.Strike < lo || row.Key.Strike > hi {
			continue
		}
		ts := row.Bar.Timestamp
		if ts.After(now) || !sameDay(ts, now) {
			continue
		}
		if prev, ok := latest[row.Key]; !ok || ts.After(prev.Timestamp) {
			latest[row.Key] = row.Bar
		}
	}

	for key, bar := range latest {
		if bar.OpenInterest <= 0 {
			continue
		}
		switch key.Type {
		case models.OptionTypeCE:
			if !call.found || bar.OpenInterest > call.oi {
				call = side{oi: bar.OpenInterest, strike: key.Strike, found: true}
			}
		case models.OptionTypePE:
			if !put.found || bar.OpenInterest > put.oi {
				put = side{oi: bar.OpenInterest, strike: key.Strike, found: true}
			}
		}
	}

	b := Buildup{
		CallStrike: call.strike,
		PutStrike:  put.strike,
		HasCall:    call.found,
		HasPut:     put.found,
	}
	if call.found {
		b.CallDist = math.Abs(float64(call.strike) - spot)
	}
	if put.found {
		b.PutDist = math.Abs(float64(put.strike) - spot)
	}
	if !call.found && !put.found {
		return b, fmt.Errorf("max OI buildup: no open interest in band [%d, %d]: %w", lo, hi, ErrNoData)
	}
	return b, nil
}

// DetermineDirection picks CALL when the call buildup sits nearer to spot,
// PUT when the put buildup is nearer. Equidistant buildups resolve to CALL.
// A side with no buildup loses by default.
func DetermineDirection(b Buildup) models.Direction {
	switch {
	case b.HasCall && !b.HasPut:
		return models.DirectionCall
	case b.HasPut && !b.HasCall:
		return models.DirectionPut
	case b.PutDist < b.CallDist:
		return models.DirectionPut
	default:
		return models.DirectionCall
	}
}

// NearestStrike resolves the tradable strike for the prevailing spot:
// for CALL the smallest strike >= spot, for PUT the greatest strike < spot.
// When candidates is non-empty the answer is constrained to it; otherwise
// the step grid supplies the answer.
func (a *Analyzer) NearestStrike(spot float64, dir models.Direction, candidates []int) int {
	if len(candidates) == 0 {
		if dir == models.DirectionCall {
			return int(math.Ceil(spot/float64(a.step))) * a.step
		}
		down := int(math.Floor(spot/float64(a.step))) * a.step
		if float64(down) >= spot {
			down -= a.step
		}
		return down
	}

	best := 0
	found := false
	for _, s := range candidates {
		if dir == models.DirectionCall {
			if float64(s) >= spot && (!found || s < best) {
				best, found = s, true
			}
		} else {
			if float64(s) < spot && (!found || s > best) {
				best, found = s, true
			}
		}
	}
	if !found {
		// Fall back to the grid when the candidate list does not straddle spot.
		return a.NearestStrike(spot, dir, nil)
	}
	return best
}

// OIChange returns the current OI for the key at the nearest bar to now,
// the change versus the previous query, and the change as a fraction. The
// first query for a key reports zero change. The side map is updated on
// every query.
func (a *Analyzer) OIChange(key models.OptionKey, now time.Time) (current, change int64, changePct float64, err error) {
	bar, ok := a.nearestBar(key, now)
	if !ok {
		return 0, 0, 0, fmt.Errorf("oi change for %s: %w", key, ErrNoData)
	}
	current = bar.OpenInterest

	k := key.String()
	prev, seen := a.lastOI[k]
	a.lastOI[k] = current
	if !seen || prev == 0 {
		return current, 0, 0, nil
	}
	change = current - prev
	changePct = float64(change) / float64(prev)
	return current, change, changePct, nil
}

// IsUnwinding reports whether open interest fell since the previous bar,
// i.e. positions are being closed out.
func IsUnwinding(change int64) bool {
	return change < 0
}

// UpdateVWAP folds a 5-minute bar into the key's accumulator and returns
// the new VWAP. Bars must arrive in timestamp order per key; a bar equal to
// the last one is ignored (idempotent), an older one is rejected. A bar
// with zero volume contributes one unit so it still moves the average.
func (a *Analyzer) UpdateVWAP(key models.OptionKey, bar models.OptionBar) (float64, error) {
	k := key.String()
	acc := a.vwap[k]
	if acc == nil {
		acc = &models.VWAPAccumulator{}
		a.vwap[k] = acc
	}

	if !acc.LastBarTS.IsZero() {
		if bar.Timestamp.Equal(acc.LastBarTS) {
			v, _ := acc.VWAP()
			return v, nil
		}
		if bar.Timestamp.Before(acc.LastBarTS) {
			return 0, fmt.Errorf("vwap %s: bar %s before last %s: %w",
				key, bar.Timestamp.Format(time.RFC3339), acc.LastBarTS.Format(time.RFC3339), ErrOutOfOrderBar)
		}
	}

	volume := float64(bar.Volume)
	if volume <= 0 {
		volume = 1
	}
	acc.SumTPV += bar.TypicalPrice() * volume
	acc.SumVolume += volume
	acc.Bars++
	acc.LastBarTS = bar.Timestamp

	v, _ := acc.VWAP()
	return v, nil
}

// VWAP returns the current VWAP for the key, and false while undefined.
func (a *Analyzer) VWAP(key models.OptionKey) (float64, bool) {
	acc := a.vwap[key.String()]
	if acc == nil {
		return 0, false
	}
	return acc.VWAP()
}

// nearestBar finds the bar for key whose timestamp minimizes |ts - now|
// within the same calendar day. Exact matches are not required.
func (a *Analyzer) nearestBar(key models.OptionKey, now time.Time) (models.OptionBar, bool) {
	var best models.OptionBar
	bestDelta := time.Duration(math.MaxInt64)
	found := false
	for _, row := range a.working {
		if row.Key != key || !sameDay(row.Bar.Timestamp, now) {
			continue
		}
		delta := now.Sub(row.Bar.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			best, bestDelta, found = row.Bar, delta, true
		}
	}
	return best, found
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
