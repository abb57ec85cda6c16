// Package models provides data structures and state management for the
// intraday options trading engine.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction is the side of the market the strategy trades for the day.
type Direction string

const (
	// DirectionCall buys call options on OI unwinding.
	DirectionCall Direction = "CALL"
	// DirectionPut buys put options on OI unwinding.
	DirectionPut Direction = "PUT"
)

// OptionType maps the day direction onto the contract type.
func (d Direction) OptionType() OptionType {
	if d == DirectionPut {
		return OptionTypePE
	}
	return OptionTypeCE
}

// Valid returns true if the direction is one of the defined constants.
func (d Direction) Valid() bool {
	return d == DirectionCall || d == DirectionPut
}

// OptionType is the exchange contract type (CE = call european, PE = put european).
type OptionType string

const (
	// OptionTypeCE is a call option contract.
	OptionTypeCE OptionType = "CE"
	// OptionTypePE is a put option contract.
	OptionTypePE OptionType = "PE"
)

// OptionKey uniquely identifies an option contract: strike, type and expiry.
type OptionKey struct {
	Strike int        `json:"strike"`
	Type   OptionType `json:"type"`
	Expiry string     `json:"expiry"` // YYYY-MM-DD
}

// String renders the key in a stable form usable as a map key:
// "21750|CE|2026-08-27".
func (k OptionKey) String() string {
	return fmt.Sprintf("%d|%s|%s", k.Strike, k.Type, k.Expiry)
}

// Symbol renders the key as an exchange-style trading symbol,
// e.g. "NIFTY26082721750CE".
func (k OptionKey) Symbol() string {
	exp := strings.ReplaceAll(k.Expiry, "-", "")
	if len(exp) == 8 {
		exp = exp[2:] // YYMMDD
	}
	return fmt.Sprintf("NIFTY%s%d%s", exp, k.Strike, k.Type)
}

// ParseOptionKey is the inverse of String. It is used when restoring
// persisted per-key maps.
func ParseOptionKey(s string) (OptionKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return OptionKey{}, fmt.Errorf("malformed option key %q", s)
	}
	strike, err := strconv.Atoi(parts[0])
	if err != nil {
		return OptionKey{}, fmt.Errorf("malformed strike in option key %q: %w", s, err)
	}
	typ := OptionType(parts[1])
	if typ != OptionTypeCE && typ != OptionTypePE {
		return OptionKey{}, fmt.Errorf("malformed option type in key %q", s)
	}
	return OptionKey{Strike: strike, Type: typ, Expiry: parts[2]}, nil
}

// OptionBar is a single 5-minute candle for one option contract.
// Volume and open interest may be zero when the venue did not report them.
type OptionBar struct {
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
}

// TypicalPrice returns (high + low + close) / 3, the price used for VWAP.
func (b OptionBar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// LTP is the last traded price of a contract, the unit of exit evaluation.
type LTP struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// ChainBar is one row of an options-chain snapshot: a bar tagged with the
// contract it belongs to. The analyzer's working data is a slice of these.
type ChainBar struct {
	Key OptionKey `json:"key"`
	Bar OptionBar `json:"bar"`
}
