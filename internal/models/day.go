package models

import (
	"fmt"
	"time"
)

// DayPhase is the daily state machine of the strategy.
type DayPhase string

const (
	// PhaseIdle is before 09:15 or before daily analysis succeeded.
	PhaseIdle DayPhase = "idle"
	// PhaseAnalyzed means direction, strike and expiry are resolved and
	// the entry evaluator is armed.
	PhaseAnalyzed DayPhase = "analyzed"
	// PhaseHolding means a position is active.
	PhaseHolding DayPhase = "holding"
	// PhasePostTrade is terminal until the next session day.
	PhasePostTrade DayPhase = "post_trade"
)

var dayTransitions = map[DayPhase][]DayPhase{
	PhaseIdle:     {PhaseAnalyzed},
	PhaseAnalyzed: {PhaseHolding},
	PhaseHolding:  {PhasePostTrade},
}

// VWAPAccumulator carries the session-anchored incremental VWAP state for
// one option key. Contents reflect every 5-minute bar with timestamp in
// [09:15, LastBarTS] for that key; it is reset at 09:15 of each day.
type VWAPAccumulator struct {
	SumTPV    float64   `json:"sum_tpv"` // sum of typical price x volume
	SumVolume float64   `json:"sum_volume"`
	Bars      int       `json:"bars"`
	LastBarTS time.Time `json:"last_bar_ts"`
}

// VWAP returns the current value and whether it is defined (SumVolume > 0).
func (a *VWAPAccumulator) VWAP() (float64, bool) {
	if a.SumVolume <= 0 {
		return 0, false
	}
	return a.SumTPV / a.SumVolume, true
}

// DailyState is the shared mutable record for one session day. It is owned
// by the runner and guarded by the runner's mutex; components receive it by
// pointer and mutate only their own slice of it.
type DailyState struct {
	SessionDate     string                      `json:"session_date"` // YYYY-MM-DD in IST
	Phase           DayPhase                    `json:"phase"`
	Direction       Direction                   `json:"direction,omitempty"`
	CurrentStrike   int                         `json:"current_strike,omitempty"`
	Expiry          string                      `json:"expiry,omitempty"`
	TradeTaken      bool                        `json:"trade_taken"`
	PendingEntry    bool                        `json:"pending_entry"`
	ActivePosition  *Position                   `json:"active_position,omitempty"`
	ClosedPositions []ClosedPosition            `json:"closed_positions"`
	VWAP            map[string]*VWAPAccumulator `json:"vwap_accumulators"`
	LastOI          map[string]int64            `json:"last_oi_per_key"`
	Heartbeat       time.Time                   `json:"heartbeat"`
}

// NewDailyState creates a fresh day in the idle phase.
func NewDailyState(sessionDate string) *DailyState {
	return &DailyState{
		SessionDate:     sessionDate,
		Phase:           PhaseIdle,
		ClosedPositions: make([]ClosedPosition, 0),
		VWAP:            make(map[string]*VWAPAccumulator),
		LastOI:          make(map[string]int64),
	}
}

// TransitionPhase advances the day state machine.
func (d *DailyState) TransitionPhase(to DayPhase) error {
	for _, allowed := range dayTransitions[d.Phase] {
		if allowed == to {
			d.Phase = to
			return nil
		}
	}
	return fmt.Errorf("day %s: invalid phase transition %s -> %s", d.SessionDate, d.Phase, to)
}

// CanEnter reports whether admission control permits a new entry: one trade
// per day, no active or pending position.
func (d *DailyState) CanEnter() bool {
	return !d.TradeTaken && !d.PendingEntry && d.ActivePosition == nil
}

// CanUpdateStrike reports whether the dynamic strike may still follow spot.
// The strike freezes as soon as a position opens or the day's trade is done.
func (d *DailyState) CanUpdateStrike() bool {
	return d.ActivePosition == nil && !d.TradeTaken && !d.PendingEntry
}
