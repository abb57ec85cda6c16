// Package strategy implements the one-trade-per-day OI-unwinding strategy:
// daily direction analysis at session open, entry evaluation on the
// 5-minute grid, and the stop-rule cascade on the 1-minute exit loop.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oipulse/oipulse/internal/analyzer"
	"github.com/oipulse/oipulse/internal/broker"
	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/config"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/paper"
	"github.com/sirupsen/logrus"
)

// StaleQuoteTolerance is how old an LTP may be before the exit tick is
// skipped rather than acted on.
const StaleQuoteTolerance = 2 * time.Minute

// Kind tags an evaluation outcome. Loops translate Skip into a log line and
// carry on; errors never unwind a loop.
type Kind int

const (
	// NoSignal means the evaluator ran and nothing fired.
	NoSignal Kind = iota
	// Signal means a position was opened or closed this tick.
	Signal
	// Skip means the tick was abandoned on missing or stale data.
	Skip
)

// Outcome is the tagged result of one evaluation tick.
type Outcome struct {
	Kind   Kind
	Reason string // human-readable cause for Skip / NoSignal
	Opened *models.Position
	Closed *models.ClosedPosition
}

func skip(format string, args ...any) Outcome {
	return Outcome{Kind: Skip, Reason: fmt.Sprintf(format, args...)}
}

func noSignal(reason string) Outcome {
	return Outcome{Kind: NoSignal, Reason: reason}
}

// ExpirySource resolves the weekly expiry to trade. The runner backs this
// with the contract cache, falling back to the broker when the cache is
// missing.
type ExpirySource interface {
	ResolveExpiry(ctx context.Context, now time.Time) (string, error)
}

// Strategy holds the day's trading state and evaluates entries and exits.
// It is not safe for concurrent use; the runner serializes calls under its
// state mutex.
type Strategy struct {
	cfg      *config.Config
	market   broker.Broker
	ledger   *paper.Broker
	analyzer *analyzer.Analyzer
	expiry   ExpirySource
	logger   *logrus.Logger

	day        *models.DailyState
	lotSize    int
	candidates []int // tradable strikes from the contract cache, may be nil
}

// New wires the strategy to its collaborators. Lot size starts from config
// and is overridden by the contract cache via SetLotSize.
func New(cfg *config.Config, market broker.Broker, ledger *paper.Broker, an *analyzer.Analyzer, expiry ExpirySource, logger *logrus.Logger) *Strategy {
	return &Strategy{
		cfg:      cfg,
		market:   market,
		ledger:   ledger,
		analyzer: an,
		expiry:   expiry,
		logger:   logger,
		lotSize:  cfg.Market.OptionLotSize,
	}
}

// AttachDay binds the strategy and analyzer to the session day's shared
// state. Called at startup and again after midnight rollover or recovery.
func (s *Strategy) AttachDay(day *models.DailyState) {
	s.day = day
	s.analyzer.Bind(day)
}

// Day returns the attached session state.
func (s *Strategy) Day() *models.DailyState { return s.day }

// SetLotSize overrides the traded quantity, normally from the contract
// cache's lot_size field.
func (s *Strategy) SetLotSize(n int) {
	if n > 0 {
		s.lotSize = n
	}
}

// SetStrikeCandidates replaces the tradable strike list from the contract
// cache. A nil list makes NearestStrike fall back to the step grid.
func (s *Strategy) SetStrikeCandidates(strikes []int) {
	s.candidates = strikes
}

// IngestChain appends a fresh options-chain snapshot to the analyzer's
// working slice and folds it into the per-key VWAP accumulators. Called by
// the runner on every 5-minute tick, so every band strike keeps a VWAP
// anchored at session open before it is ever traded.
func (s *Strategy) IngestChain(rows []models.ChainBar) {
	s.analyzer.AppendWorkingData(rows)
	s.analyzer.IngestBars(rows)
}

// RunDailyAnalysis performs the Idle -> Analyzed transition: resolve expiry,
// pull the opening chain, pick direction and strike. Any failure leaves the
// day Idle so the next 5-minute tick retries.
func (s *Strategy) RunDailyAnalysis(ctx context.Context, now time.Time) (Outcome, error) {
	if s.day.Phase != models.PhaseIdle {
		return noSignal("already analyzed"), nil
	}
	if !clock.AfterSessionStart(now) {
		return skip("before session start"), nil
	}

	expiry, err := s.expiry.ResolveExpiry(ctx, now)
	if err != nil {
		return skip("expiry unresolved"), fmt.Errorf("daily analysis: %w", err)
	}

	spot, err := s.market.GetSpotPrice(ctx)
	if err != nil {
		return skip("no spot"), fmt.Errorf("daily analysis: %w", err)
	}

	strikes := s.scanBand(spot)
	rows, err := s.market.GetOptionChain(ctx, expiry, strikes)
	if err != nil {
		return skip("no chain"), fmt.Errorf("daily analysis: %w", err)
	}
	s.analyzer.SetWorkingData(rows)
	s.analyzer.IngestBars(rows)

	buildup, err := s.analyzer.MaxOIBuildup(now, spot)
	if err != nil {
		return skip("no OI buildup"), fmt.Errorf("daily analysis: %w", err)
	}
	direction := analyzer.DetermineDirection(buildup)
	strike := s.analyzer.NearestStrike(spot, direction, s.candidates)

	s.day.Direction = direction
	s.day.CurrentStrike = strike
	s.day.Expiry = expiry
	if err := s.day.TransitionPhase(models.PhaseAnalyzed); err != nil {
		return Outcome{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"spot":        spot,
		"direction":   direction,
		"strike":      strike,
		"expiry":      expiry,
		"call_strike": buildup.CallStrike,
		"put_strike":  buildup.PutStrike,
	}).Info("daily analysis complete")
	return Outcome{Kind: Signal, Reason: "daily analysis complete"}, nil
}

// EvaluateEntry runs the 5-minute entry check: admission gates, dynamic
// strike refresh, VWAP update, and the unwinding + close-above-VWAP entry
// condition.
func (s *Strategy) EvaluateEntry(ctx context.Context, now time.Time) (Outcome, error) {
	if s.day.Phase != models.PhaseAnalyzed {
		return noSignal(fmt.Sprintf("phase %s", s.day.Phase)), nil
	}
	start, end := s.cfg.EntryWindow()
	if m := clock.MinuteOfDay(now); m < start || m > end {
		return noSignal("outside entry window"), nil
	}
	if !s.day.CanEnter() {
		return noSignal("admission blocked"), nil
	}

	// Strike follows spot until the day's trade is taken.
	spot, err := s.market.GetSpotPrice(ctx)
	if err != nil {
		return skip("no spot"), nil
	}
	if s.day.CanUpdateStrike() {
		s.day.CurrentStrike = s.analyzer.NearestStrike(spot, s.day.Direction, s.candidates)
	}

	key := models.OptionKey{
		Strike: s.day.CurrentStrike,
		Type:   s.day.Direction.OptionType(),
		Expiry: s.day.Expiry,
	}

	bar, err := s.market.GetFiveMinuteBar(ctx, key, now)
	if err != nil {
		return skip("no bar for %s", key), nil
	}
	s.analyzer.AppendWorkingData([]models.ChainBar{{Key: key, Bar: bar}})

	vwap, err := s.analyzer.UpdateVWAP(key, bar)
	if err != nil {
		if errors.Is(err, analyzer.ErrOutOfOrderBar) {
			s.logger.WithField("key", key.String()).Warn("out-of-order bar rejected")
			return skip("out-of-order bar"), nil
		}
		return skip("vwap update failed"), nil
	}

	currentOI, oiChange, _, err := s.analyzer.OIChange(key, now)
	if err != nil {
		return skip("no OI for %s", key), nil
	}

	if !analyzer.IsUnwinding(oiChange) {
		return noSignal("OI not unwinding"), nil
	}
	if bar.Close <= vwap {
		return noSignal("close not above VWAP"), nil
	}

	s.day.PendingEntry = true
	pos, err := s.ledger.SubmitBuy(key, s.lotSize, bar.Close, now)
	if err != nil {
		s.day.PendingEntry = false
		if errors.Is(err, paper.ErrInsufficientCapacity) {
			s.logger.WithError(err).Warn("entry refused at position cap")
			return noSignal("position cap"), nil
		}
		return Outcome{}, fmt.Errorf("entry: %w", err)
	}

	pos.InitialStop = pos.EntryPrice * (1 - s.cfg.Exit.InitialStopPct)
	pos.VWAPAtEntry = vwap
	pos.OIAtEntry = currentOI
	pos.OIChangeAtEntry = oiChange

	s.day.PendingEntry = false
	s.day.ActivePosition = pos
	if err := s.day.TransitionPhase(models.PhaseHolding); err != nil {
		return Outcome{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"key":          key.String(),
		"entry":        pos.EntryPrice,
		"initial_stop": pos.InitialStop,
		"vwap":         vwap,
		"oi":           currentOI,
		"oi_change":    oiChange,
	}).Info("entry filled")
	return Outcome{Kind: Signal, Opened: pos}, nil
}

// scanBand returns the strikes to scan each side of spot, aligned to the
// step grid.
func (s *Strategy) scanBand(spot float64) []int {
	step := int(s.cfg.Market.StrikeStep)
	center := (int(spot) / step) * step
	lo := center - s.cfg.Entry.StrikesBelowSpot*step
	hi := center + s.cfg.Entry.StrikesAboveSpot*step
	strikes := make([]int, 0, (hi-lo)/step+1)
	for k := lo; k <= hi; k += step {
		strikes = append(strikes, k)
	}
	return strikes
}
