// Package paper implements the in-memory position ledger. Fills are
// simulated synchronously at the price the caller supplies; the ledger
// never reads market data on its own.
//
// The ledger is owned by the strategy and guarded by the runner's state
// mutex, so no internal locking is needed.
package paper

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrInsufficientCapacity is returned when the ledger is at its position cap.
var ErrInsufficientCapacity = errors.New("position capacity exhausted")

// ErrUnknownPosition is returned when a sell references a stale handle.
var ErrUnknownPosition = errors.New("unknown position")

// Broker is the simulated execution venue.
type Broker struct {
	initialCapital float64
	cash           float64
	maxPositions   int
	open           map[string]*models.Position
	closed         []models.ClosedPosition
	logger         *logrus.Logger
}

// New creates a ledger with the given simulated capital and position cap.
func New(initialCapital float64, maxPositions int, logger *logrus.Logger) *Broker {
	if maxPositions <= 0 {
		maxPositions = 1
	}
	return &Broker{
		initialCapital: initialCapital,
		cash:           initialCapital,
		maxPositions:   maxPositions,
		open:           make(map[string]*models.Position),
		logger:         logger,
	}
}

// SubmitBuy fills a buy synchronously at requestedPrice. The returned
// position has already transitioned PendingEntry -> Open; the notional is
// deducted from simulated cash. No partial fills, no slippage.
func (b *Broker) SubmitBuy(key models.OptionKey, quantity int, requestedPrice float64, now time.Time) (*models.Position, error) {
	if len(b.open) >= b.maxPositions {
		return nil, fmt.Errorf("submit buy %s: %w (cap %d)", key, ErrInsufficientCapacity, b.maxPositions)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("submit buy %s: quantity must be > 0", key)
	}
	if requestedPrice <= 0 {
		return nil, fmt.Errorf("submit buy %s: price must be > 0", key)
	}

	pos := &models.Position{
		OrderID:    uuid.New().String(),
		Key:        key,
		State:      models.StatePendingEntry,
		EntryTime:  now,
		EntryPrice: requestedPrice,
		Quantity:   quantity,
		PeakPrice:  requestedPrice,
	}
	if err := pos.Transition(models.StateOpen); err != nil {
		return nil, err
	}

	b.cash -= pos.Notional()
	b.open[pos.OrderID] = pos

	b.logger.WithFields(logrus.Fields{
		"order_id": pos.OrderID,
		"key":      key.String(),
		"qty":      quantity,
		"price":    requestedPrice,
		"cash":     b.cash,
	}).Info("paper fill: buy")
	return pos, nil
}

// SubmitSell closes an open position at requestedPrice, transitioning
// Open -> PendingExit -> Closed, crediting the notional and computing P&L.
func (b *Broker) SubmitSell(pos *models.Position, requestedPrice float64, reason models.ExitReason, now time.Time) (models.ClosedPosition, error) {
	held, ok := b.open[pos.OrderID]
	if !ok {
		return models.ClosedPosition{}, fmt.Errorf("submit sell %s: %w", pos.OrderID, ErrUnknownPosition)
	}
	if err := held.Transition(models.StatePendingExit); err != nil {
		return models.ClosedPosition{}, err
	}
	if err := held.Transition(models.StateClosed); err != nil {
		return models.ClosedPosition{}, err
	}

	b.cash += requestedPrice * float64(held.Quantity)
	delete(b.open, held.OrderID)

	pnl := (requestedPrice - held.EntryPrice) * float64(held.Quantity)
	pnlPct := 0.0
	if held.EntryPrice > 0 {
		pnlPct = (requestedPrice - held.EntryPrice) / held.EntryPrice * 100
	}
	closed := models.ClosedPosition{
		Position:    *held,
		ExitTime:    now,
		ExitPrice:   requestedPrice,
		ExitReason:  reason,
		RealizedPnL: pnl,
		PnLPct:      pnlPct,
	}
	b.closed = append(b.closed, closed)

	b.logger.WithFields(logrus.Fields{
		"order_id": held.OrderID,
		"key":      held.Key.String(),
		"exit":     requestedPrice,
		"pnl":      pnl,
		"reason":   reason,
	}).Info("paper fill: sell")
	return closed, nil
}

// OpenPositions returns the live positions.
func (b *Broker) OpenPositions() []*models.Position {
	out := make([]*models.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, p)
	}
	return out
}

// Cash returns the simulated free cash.
func (b *Broker) Cash() float64 { return b.cash }

// InitialCapital returns the configured starting capital.
func (b *Broker) InitialCapital() float64 { return b.initialCapital }

// Closed returns the completed round trips in close order.
func (b *Broker) Closed() []models.ClosedPosition { return b.closed }

// PositionsValue marks the open positions at the supplied prices, keyed by
// OptionKey.String(). Positions without a mark use their entry price.
func (b *Broker) PositionsValue(marks map[string]float64) float64 {
	total := 0.0
	for _, p := range b.open {
		mark, ok := marks[p.Key.String()]
		if !ok {
			mark = p.EntryPrice
		}
		total += mark * float64(p.Quantity)
	}
	return total
}

// Snapshot is the serializable ledger view handed to the state manager.
type Snapshot struct {
	InitialCapital float64                    `json:"initial_capital"`
	Cash           float64                    `json:"cash"`
	Open           map[string]models.Position `json:"open"`
	Closed         []models.ClosedPosition    `json:"closed"`
}

// Snapshot copies the ledger for persistence.
func (b *Broker) Snapshot() Snapshot {
	open := make(map[string]models.Position, len(b.open))
	for id, p := range b.open {
		open[id] = *p
	}
	closed := make([]models.ClosedPosition, len(b.closed))
	copy(closed, b.closed)
	return Snapshot{
		InitialCapital: b.initialCapital,
		Cash:           b.cash,
		Open:           open,
		Closed:         closed,
	}
}

// Adopt points the ledger's open entry at a live position instance, so
// peak and trailing updates made after recovery reach the closed record on
// sell. Used only during session recovery, where the day state and the
// restored snapshot would otherwise hold two diverging copies.
func (b *Broker) Adopt(pos *models.Position) {
	if pos == nil {
		return
	}
	b.open[pos.OrderID] = pos
}

// Restore replaces the ledger contents from a snapshot. Used only during
// session recovery.
func (b *Broker) Restore(s Snapshot) {
	if s.InitialCapital > 0 {
		b.initialCapital = s.InitialCapital
	}
	b.cash = s.Cash
	b.open = make(map[string]*models.Position, len(s.Open))
	for id, p := range s.Open {
		cp := p
		b.open[id] = &cp
	}
	b.closed = make([]models.ClosedPosition, len(s.Closed))
	copy(b.closed, s.Closed)
}
