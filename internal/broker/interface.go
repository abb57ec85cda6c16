// Package broker defines the capability contract the engine consumes and
// the vendor adapters that implement it. The core never sees vendor types.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/oipulse/oipulse/internal/models"
)

// Broker is the capability interface over a market-data/trading vendor.
// Every call takes a context; the runner applies a per-call deadline
// (default 10 s) and treats a timeout as a skipped tick.
type Broker interface {
	// Connect authenticates and establishes the day's session.
	Connect(ctx context.Context) error

	// GetSpotPrice returns the underlying index price.
	GetSpotPrice(ctx context.Context) (float64, error)

	// GetLTP returns the last traded price for one option. Used by the
	// exit loop.
	GetLTP(ctx context.Context, key models.OptionKey) (models.LTP, error)

	// GetFiveMinuteBar returns the latest completed 5-minute candle for
	// one option, for the bar ending at or before end. Used by the entry
	// loop.
	GetFiveMinuteBar(ctx context.Context, key models.OptionKey, end time.Time) (models.OptionBar, error)

	// GetOptionChain returns bars with OI for the given strikes of one
	// expiry. Used at session-open and on each 5-minute tick.
	GetOptionChain(ctx context.Context, expiry string, strikes []int) ([]models.ChainBar, error)

	// GetNextExpiry returns the nearest weekly expiry (same-day
	// qualifies). Fallback when the contract cache is missing.
	GetNextExpiry(ctx context.Context) (string, error)

	// IsMarketOpen reports the venue's view of market state.
	IsMarketOpen(ctx context.Context) (bool, error)

	// Logout tears down the session.
	Logout(ctx context.Context) error

	// Name identifies the adapter for logs and the state file.
	Name() string
}

// APIError represents a vendor API error with status code and body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}
