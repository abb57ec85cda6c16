package models

import (
	"fmt"
	"time"
)

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	// StatePendingEntry means a buy was signalled but not yet filled.
	StatePendingEntry PositionState = "pending_entry"
	// StateOpen means the position is live and monitored by the exit loop.
	StateOpen PositionState = "open"
	// StatePendingExit means an exit was signalled but not yet filled.
	StatePendingExit PositionState = "pending_exit"
	// StateClosed is terminal; no new position may be created until the
	// next session day.
	StateClosed PositionState = "closed"
)

// ExitReason identifies which stop rule closed a position.
type ExitReason string

const (
	// ExitInitialStop is the fixed 25% stop from entry. Always active.
	ExitInitialStop ExitReason = "initial_stop"
	// ExitVWAPStop fires on a losing position trading 5% under VWAP.
	ExitVWAPStop ExitReason = "vwap_stop"
	// ExitOIIncreaseStop fires on a losing position whose OI grew 10%
	// over the entry baseline.
	ExitOIIncreaseStop ExitReason = "oi_increase_stop"
	// ExitTrailingStop is the latched 10% trail from peak price.
	ExitTrailingStop ExitReason = "trailing_stop"
	// ExitEndOfDay is the unconditional close inside the EOD window.
	ExitEndOfDay ExitReason = "end_of_day"
	// ExitShutdown is used when the engine is interrupted mid-session.
	ExitShutdown ExitReason = "shutdown"
)

// Valid returns true if the reason is one of the defined constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitInitialStop, ExitVWAPStop, ExitOIIncreaseStop,
		ExitTrailingStop, ExitEndOfDay, ExitShutdown:
		return true
	default:
		return false
	}
}

// positionTransitions defines the valid state transitions.
var positionTransitions = map[PositionState][]PositionState{
	StatePendingEntry: {StateOpen},
	StateOpen:         {StatePendingExit},
	StatePendingExit:  {StateClosed},
}

// Position is the single active intraday position. At most one exists per
// session day; once closed, admission control blocks further entries.
type Position struct {
	OrderID         string        `json:"order_id"`
	Key             OptionKey     `json:"option_key"`
	State           PositionState `json:"state"`
	EntryTime       time.Time     `json:"entry_time"`
	EntryPrice      float64       `json:"entry_price"`
	Quantity        int           `json:"quantity"`
	InitialStop     float64       `json:"initial_stop"`
	TrailingStop    float64       `json:"trailing_stop,omitempty"`
	TrailingActive  bool          `json:"trailing_active"`
	PeakPrice       float64       `json:"peak_price"`
	VWAPAtEntry     float64       `json:"vwap_at_entry"`
	OIAtEntry       int64         `json:"oi_at_entry"`
	OIChangeAtEntry int64         `json:"oi_change_at_entry"`
}

// Transition moves the position to a new lifecycle state, rejecting
// anything not in the defined transition table.
func (p *Position) Transition(to PositionState) error {
	for _, allowed := range positionTransitions[p.State] {
		if allowed == to {
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("position %s: invalid transition %s -> %s", p.OrderID, p.State, to)
}

// UpdatePeak raises the recorded peak price if ltp exceeds it.
func (p *Position) UpdatePeak(ltp float64) {
	if ltp > p.PeakPrice {
		p.PeakPrice = ltp
	}
}

// ActivateTrailing latches the trailing stop at pct below the peak. The
// latch is one-way: once active it never deactivates, and the stored stop
// never decreases.
func (p *Position) ActivateTrailing(pct float64) {
	p.TrailingActive = true
	p.raiseTrailing(pct)
}

// RaiseTrailing ratchets the trailing stop up to pct below the current
// peak. No-op while the trail is not active or when the new level would be
// lower than the stored one.
func (p *Position) RaiseTrailing(pct float64) {
	if !p.TrailingActive {
		return
	}
	p.raiseTrailing(pct)
}

func (p *Position) raiseTrailing(pct float64) {
	stop := p.PeakPrice * (1 - pct)
	if stop > p.TrailingStop {
		p.TrailingStop = stop
	}
}

// PnL returns the unrealized profit at the given mark price.
func (p *Position) PnL(mark float64) float64 {
	return (mark - p.EntryPrice) * float64(p.Quantity)
}

// Notional returns the capital consumed at entry.
func (p *Position) Notional() float64 {
	return p.EntryPrice * float64(p.Quantity)
}

// ClosedPosition is the immutable record of a completed round trip. It is
// appended to the day's closed list and to the CSV trade log.
type ClosedPosition struct {
	Position
	ExitTime    time.Time  `json:"exit_time"`
	ExitPrice   float64    `json:"exit_price"`
	ExitReason  ExitReason `json:"exit_reason"`
	RealizedPnL float64    `json:"realized_pnl"`
	PnLPct      float64    `json:"pnl_pct"`
	VWAPAtExit  float64    `json:"vwap_at_exit"`
	OIAtExit    int64      `json:"oi_at_exit"`
}
