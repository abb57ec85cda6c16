package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/sirupsen/logrus"
)

// EvaluateExit runs the 1-minute stop cascade against the active position.
// Rules fire in a fixed order; while the trailing stop is inactive that
// order is initial stop, VWAP stop, OI-increase stop, end-of-day. Once the
// trailing latch engages it supersedes the three loss stops, so the order
// becomes trailing stop, end-of-day.
func (s *Strategy) EvaluateExit(ctx context.Context, now time.Time) (Outcome, error) {
	pos := s.day.ActivePosition
	if pos == nil {
		return noSignal("no active position"), nil
	}

	ltp, err := s.market.GetLTP(ctx, pos.Key)
	if err != nil {
		return skip("no LTP for %s", pos.Key), nil
	}
	if age := now.Sub(ltp.Timestamp); age > StaleQuoteTolerance {
		return skip("LTP stale by %s", age.Round(time.Second)), nil
	}
	price := ltp.Price

	pos.UpdatePeak(price)
	if !pos.TrailingActive && price >= pos.EntryPrice*s.cfg.Exit.ProfitThreshold {
		pos.ActivateTrailing(s.cfg.Exit.TrailingStopPct)
		s.logger.WithFields(logrus.Fields{
			"key":           pos.Key.String(),
			"ltp":           price,
			"trailing_stop": pos.TrailingStop,
		}).Info("trailing stop activated")
	} else {
		pos.RaiseTrailing(s.cfg.Exit.TrailingStopPct)
	}

	reason, exitPrice, fired := s.firedRule(ctx, now, pos, price)
	if !fired {
		return noSignal("no stop fired"), nil
	}
	if !s.cfg.StrictExit() {
		exitPrice = price
	}
	return s.closePosition(pos, exitPrice, reason, now)
}

// firedRule returns the first satisfied stop rule and its strict-mode exit
// price.
func (s *Strategy) firedRule(ctx context.Context, now time.Time, pos *models.Position, ltp float64) (models.ExitReason, float64, bool) {
	losing := pos.PnL(ltp) < 0

	if !pos.TrailingActive {
		if ltp <= pos.InitialStop {
			return models.ExitInitialStop, pos.InitialStop, true
		}
		if vwap, ok := s.analyzer.VWAP(pos.Key); ok && losing {
			threshold := vwap * (1 - s.cfg.Exit.VWAPStopPct)
			if ltp <= threshold {
				return models.ExitVWAPStop, threshold, true
			}
		}
		if losing && pos.OIAtEntry > 0 {
			if currentOI, ok := s.currentOI(ctx, now, pos.Key); ok {
				changePct := float64(currentOI-pos.OIAtEntry) / float64(pos.OIAtEntry)
				if changePct >= s.cfg.Exit.OIIncreaseStopPct {
					price := pos.EntryPrice - (pos.EntryPrice-ltp)*(s.cfg.Exit.OIIncreaseStopPct/changePct)
					return models.ExitOIIncreaseStop, price, true
				}
			}
		}
	} else if ltp <= pos.TrailingStop {
		return models.ExitTrailingStop, pos.TrailingStop, true
	}

	start, end := s.cfg.ExitWindow()
	if m := clock.MinuteOfDay(now); m >= start && m <= end {
		return models.ExitEndOfDay, ltp, true
	}
	return "", 0, false
}

// currentOI reads the freshest open interest for the key. The chain
// snapshot ingested on the last 5-minute tick is preferred; a live bar
// fetch fills in when the working slice has nothing for the key.
func (s *Strategy) currentOI(ctx context.Context, now time.Time, key models.OptionKey) (int64, bool) {
	if oi, _, _, err := s.analyzer.OIChange(key, now); err == nil {
		return oi, true
	}
	bar, err := s.market.GetFiveMinuteBar(ctx, key, now)
	if err != nil {
		return 0, false
	}
	s.analyzer.AppendWorkingData([]models.ChainBar{{Key: key, Bar: bar}})
	return bar.OpenInterest, true
}

// ForceExit closes the active position at the last traded price with the
// given reason. Used by the runner on interrupt.
func (s *Strategy) ForceExit(ctx context.Context, now time.Time, reason models.ExitReason) (Outcome, error) {
	pos := s.day.ActivePosition
	if pos == nil {
		return noSignal("no active position"), nil
	}
	price := pos.EntryPrice
	if ltp, err := s.market.GetLTP(ctx, pos.Key); err == nil {
		price = ltp.Price
	}
	return s.closePosition(pos, price, reason, now)
}

// closePosition hands the fill to the paper ledger, stamps the exit-side
// analytics, and advances the day to PostTrade.
func (s *Strategy) closePosition(pos *models.Position, exitPrice float64, reason models.ExitReason, now time.Time) (Outcome, error) {
	closed, err := s.ledger.SubmitSell(pos, exitPrice, reason, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("exit %s: %w", reason, err)
	}
	if vwap, ok := s.analyzer.VWAP(pos.Key); ok {
		closed.VWAPAtExit = vwap
	}
	if oi, seen := s.day.LastOI[pos.Key.String()]; seen {
		closed.OIAtExit = oi
	}

	s.day.ActivePosition = nil
	s.day.TradeTaken = true
	s.day.ClosedPositions = append(s.day.ClosedPositions, closed)
	if err := s.day.TransitionPhase(models.PhasePostTrade); err != nil {
		return Outcome{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"key":    closed.Key.String(),
		"entry":  closed.EntryPrice,
		"exit":   closed.ExitPrice,
		"pnl":    closed.RealizedPnL,
		"reason": reason,
	}).Info("position closed")
	return Outcome{Kind: Signal, Closed: &closed}, nil
}
