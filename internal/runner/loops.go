package runner

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/oipulse/oipulse/internal/cache"
	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/dashboard"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/strategy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run drives both trading loops until the context is cancelled, then
// flushes state and logs out. A context cancellation is a clean shutdown,
// not an error.
func (e *Engine) Run(ctx context.Context) error {
	e.states.Start()
	defer e.states.Stop()
	defer func() {
		if err := e.trades.Close(); err != nil {
			e.logger.WithError(err).Warn("closing trade log")
		}
	}()

	var dash *dashboard.Server
	if e.cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(e.cfg.Dashboard.Port, e, e.metrics.Registry, e.logger)
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.WithError(err).Error("dashboard server stopped")
			}
		}()
	}

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.entryLoop(loopCtx) })
	g.Go(func() error { return e.exitLoop(loopCtx) })
	err := g.Wait()

	e.shutdown(dash)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown finalizes the session: close a position we cannot monitor again
// today, flush the last snapshot, stop the dashboard and log out.
func (e *Engine) shutdown(dash *dashboard.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()
	now := e.clk.Now()

	e.mu.Lock()
	if e.day.ActivePosition != nil && clock.MinuteOfDay(now) >= clock.ExitStartMin {
		// Past the force-close window there is no later tick to do it, so
		// the position cannot be left for recovery.
		outcome, err := e.strat.ForceExit(ctx, now, models.ExitShutdown)
		if err != nil {
			e.logger.WithError(err).Error("shutdown force-exit failed")
		} else if outcome.Closed != nil {
			e.recordClose(outcome.Closed)
		}
	}
	if err := e.states.Flush(e.snapshotLocked(now, false, false)); err != nil {
		e.logger.WithError(err).Error("shutdown state flush failed")
	}
	e.mu.Unlock()

	if dash != nil {
		if err := dash.Shutdown(ctx); err != nil {
			e.logger.WithError(err).Warn("dashboard shutdown")
		}
	}
	if err := e.market.Logout(ctx); err != nil {
		e.logger.WithError(err).Warn("broker logout failed")
	}
	e.logger.Info("engine stopped")
}

// entryLoop runs daily analysis and entry evaluation on the 5-minute market
// grid, waiting BarSettleDelay past each boundary so the just-closed bar is
// final at the venue. It also polls the contract cache.
func (e *Engine) entryLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := e.clk.Now()
		e.rolloverIfNeeded(now)

		if clock.IsMarketOpen(now) {
			e.entryTick(ctx, now)
		}

		next := clock.NextFiveMinuteBoundary(now).Add(clock.BarSettleDelay)
		if !clock.SleepUntil(ctx, next) {
			return ctx.Err()
		}
	}
}

// entryTick is one iteration of the entry loop. Errors are translated to
// logs and metrics; they never end the loop.
func (e *Engine) entryTick(ctx context.Context, now time.Time) {
	e.metrics.EntryTicks.Inc()
	e.pollCache()

	callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.day.Phase == models.PhaseIdle {
		outcome, err := e.strat.RunDailyAnalysis(callCtx, now)
		if err != nil {
			e.noteEntryFailure("daily analysis", err)
			e.heartbeatLocked(now)
			return
		}
		if outcome.Kind != strategy.Signal {
			e.heartbeatLocked(now)
			return
		}
		e.entryFailures = 0
	}

	if e.day.Phase == models.PhaseAnalyzed {
		e.refreshChain(callCtx, now)

		outcome, err := e.strat.EvaluateEntry(callCtx, now)
		switch {
		case err != nil:
			e.noteEntryFailure("entry evaluation", err)
		case outcome.Kind == strategy.Signal:
			e.entryFailures = 0
			e.metrics.TradesOpened.Inc()
			e.flushSync(now)
		case outcome.Kind == strategy.Skip:
			e.metrics.SkippedTicks.WithLabelValues("entry").Inc()
			e.logger.WithField("reason", outcome.Reason).Info("entry tick skipped")
		default:
			e.entryFailures = 0
			e.logger.WithField("reason", outcome.Reason).Debug("no entry signal")
		}
	}

	e.heartbeatLocked(now)
}

// refreshChain pulls a fresh OI snapshot around the current strike into the
// analyzer's working slice.
func (e *Engine) refreshChain(ctx context.Context, now time.Time) {
	step := int(e.cfg.Market.StrikeStep)
	lo := e.day.CurrentStrike - e.cfg.Entry.StrikesBelowSpot*step
	hi := e.day.CurrentStrike + e.cfg.Entry.StrikesAboveSpot*step
	strikes := make([]int, 0, (hi-lo)/step+1)
	for k := lo; k <= hi; k += step {
		strikes = append(strikes, k)
	}

	rows, err := e.market.GetOptionChain(ctx, e.day.Expiry, strikes)
	if err != nil {
		e.metrics.BrokerErrors.WithLabelValues("option_chain").Inc()
		e.logger.WithError(err).Info("chain refresh failed, tick continues on prior data")
		return
	}
	e.strat.IngestChain(rows)
}

// pollCache reloads the contract cache when its mtime advances, and adopts
// a cache file that appears after startup. The expiry swap affects the next
// entry only; an open position is untouched.
func (e *Engine) pollCache() {
	if e.reader == nil {
		reader, err := cache.NewReader(e.cfg.Market.CachePath)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.reader = reader
		e.applyCache()
		e.mu.Unlock()
		e.metrics.CacheReloads.Inc()
		e.logger.Info("contract cache appeared, mapping loaded")
		return
	}

	updated, err := e.reader.CheckForUpdate()
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMissing) {
			e.logger.WithError(err).Warn("contract cache poll failed")
		}
		return
	}
	if updated {
		e.mu.Lock()
		e.applyCache()
		e.mu.Unlock()
		e.metrics.CacheReloads.Inc()
		e.logger.Info("contract cache reloaded")
	}
}

// exitLoop monitors the active position on the 1-minute grid and finalizes
// state through the EOD window even when flat.
func (e *Engine) exitLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := e.clk.Now()

		if clock.IsMarketOpen(now) {
			e.exitTick(ctx, now)
		}

		if !clock.SleepUntil(ctx, now.Add(e.cfg.ExitInterval())) {
			return ctx.Err()
		}
	}
}

// exitTick is one iteration of the exit loop.
func (e *Engine) exitTick(ctx context.Context, now time.Time) {
	e.metrics.ExitTicks.Inc()

	callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.day.ActivePosition == nil {
		// Still heartbeat through the EOD window so the snapshot reflects
		// the finalized day.
		if clock.InExitWindow(now) {
			e.heartbeatLocked(now)
		}
		return
	}

	outcome, err := e.strat.EvaluateExit(callCtx, now)
	switch {
	case err != nil:
		e.logger.WithError(err).Warn("exit evaluation failed")
	case outcome.Kind == strategy.Signal && outcome.Closed != nil:
		e.recordClose(outcome.Closed)
		e.flushSync(now)
	case outcome.Kind == strategy.Skip:
		e.metrics.SkippedTicks.WithLabelValues("exit").Inc()
		e.logger.WithField("reason", outcome.Reason).Info("exit tick skipped")
	}

	// Backstop: at the window's final tick and beyond no position may
	// survive, even when every quote this window was stale.
	if e.day.ActivePosition != nil && clock.MinuteOfDay(now) >= clock.ExitEndMin {
		forced, ferr := e.strat.ForceExit(callCtx, now, models.ExitEndOfDay)
		if ferr != nil {
			e.logger.WithError(ferr).Error("forced end-of-day exit failed")
		} else if forced.Closed != nil {
			e.recordClose(forced.Closed)
			e.flushSync(now)
		}
	}

	e.heartbeatLocked(now)
}

// recordClose appends the trade-log row and updates close metrics. The CSV
// row lands on disk before the state flush so a crash cannot lose the trade.
func (e *Engine) recordClose(closed *models.ClosedPosition) {
	if err := e.trades.Append(*closed); err != nil {
		e.logger.WithError(err).Error("trade log append failed")
	}
	e.metrics.TradesClosed.WithLabelValues(string(closed.ExitReason)).Inc()
	e.metrics.RealizedPnL.Add(closed.RealizedPnL)
}

// rolloverIfNeeded swaps in a fresh DailyState when the calendar day
// changes under a long-running process.
func (e *Engine) rolloverIfNeeded(now time.Time) {
	sessionDate := clock.SessionDate(now)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.day.SessionDate == sessionDate {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"from": e.day.SessionDate,
		"to":   sessionDate,
	}).Info("session day rollover")
	e.day = models.NewDailyState(sessionDate)
	e.strat.AttachDay(e.day)
	e.recovered = false
	e.entryFailures = 0
}

// noteEntryFailure counts consecutive entry-tick failures, escalating to
// warn at the threshold.
func (e *Engine) noteEntryFailure(stage string, err error) {
	e.entryFailures++
	e.metrics.BrokerErrors.WithLabelValues(stage).Inc()
	entry := e.logger.WithError(err).WithField("consecutive", e.entryFailures)
	if e.entryFailures >= consecutiveFailureWarn {
		entry.Warn(stage + " failing repeatedly")
	} else {
		entry.Info(stage + " failed, next tick retries")
	}
}
