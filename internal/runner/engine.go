// Package runner orchestrates the session: startup recovery, the dual
// trading loops, state persistence and shutdown. All shared mutable state
// lives in DailyState behind one coarse mutex.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oipulse/oipulse/internal/analyzer"
	"github.com/oipulse/oipulse/internal/broker"
	"github.com/oipulse/oipulse/internal/cache"
	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/config"
	"github.com/oipulse/oipulse/internal/dashboard"
	"github.com/oipulse/oipulse/internal/metrics"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/paper"
	"github.com/oipulse/oipulse/internal/state"
	"github.com/oipulse/oipulse/internal/strategy"
	"github.com/sirupsen/logrus"
)

// brokerCallTimeout is the per-invocation deadline applied to every tick
// body that talks to the vendor API. A timeout skips the tick; the next
// tick retries.
const brokerCallTimeout = 10 * time.Second

// consecutiveFailureWarn is how many entry ticks may fail in a row before
// the failure is escalated from info to warn.
const consecutiveFailureWarn = 3

// Engine owns every component handle for one process lifetime.
type Engine struct {
	cfg     *config.Config
	clk     clock.Clock
	market  broker.Broker
	ledger  *paper.Broker
	strat   *strategy.Strategy
	states  *state.Manager
	trades  *state.TradeLog
	reader  *cache.Reader // nil until the cache file appears
	metrics *metrics.Set
	logger  *logrus.Logger

	mu  sync.Mutex
	day *models.DailyState

	entryFailures int
	recovered     bool
	recoveredAt   time.Time
}

// New wires the engine. The broker must already be connected; the cache
// file may be absent, in which case the broker's expiry endpoint backs
// ResolveExpiry until the file appears.
func New(cfg *config.Config, market broker.Broker, clk clock.Clock, logger *logrus.Logger) (*Engine, error) {
	states, err := state.NewManager(cfg.Storage.StateDir, uuid.New().String(), logger)
	if err != nil {
		return nil, err
	}
	trades, err := state.NewTradeLog(cfg.Storage.LogDir, clk.Now())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		clk:     clk,
		market:  market,
		states:  states,
		trades:  trades,
		metrics: metrics.New(),
		logger:  logger,
	}

	an := analyzer.New(int(cfg.Market.StrikeStep), max(cfg.Entry.StrikesAboveSpot, cfg.Entry.StrikesBelowSpot))
	e.ledger = paper.New(cfg.PositionSizing.InitialCapital, cfg.Risk.MaxPositions, logger)
	e.strat = strategy.New(cfg, market, e.ledger, an, e, logger)

	reader, err := cache.NewReader(cfg.Market.CachePath)
	switch {
	case err == nil:
		e.reader = reader
		e.applyCache()
	case errors.Is(err, cache.ErrCacheMissing):
		logger.WithField("path", cfg.Market.CachePath).
			Warn("contract cache missing, falling back to broker expiry")
	default:
		return nil, err
	}
	return e, nil
}

// Prepare resolves today's session state: resume a recoverable snapshot or
// start fresh, archiving any stale file. A corrupt state file is fatal.
func (e *Engine) Prepare() error {
	now := e.clk.Now()
	sessionDate := clock.SessionDate(now)

	snapshot, recoverable, err := e.states.CheckRecoverable(sessionDate)
	if err != nil {
		return err
	}

	if recoverable && e.shouldResume(snapshot) {
		e.day = state.RestoreDay(snapshot)
		e.ledger.Restore(paper.Snapshot{
			InitialCapital: e.cfg.PositionSizing.InitialCapital,
			Cash:           snapshot.Portfolio.Cash,
			Open:           snapshot.ActivePositions,
			Closed:         snapshot.ClosedPositions,
		})
		// The day and the ledger must share one position instance, as they
		// do on the live entry path.
		e.ledger.Adopt(e.day.ActivePosition)
		e.recovered = true
		e.recoveredAt = now
		e.logger.WithFields(logrus.Fields{
			"session_date": sessionDate,
			"phase":        e.day.Phase,
			"trade_taken":  e.day.TradeTaken,
			"holding":      e.day.ActivePosition != nil,
		}).Info("recovered session state")
	} else {
		if snapshot != nil {
			if err := e.states.Archive(sessionDate, now); err != nil {
				return err
			}
		}
		e.day = models.NewDailyState(sessionDate)
	}

	e.strat.AttachDay(e.day)
	return nil
}

// shouldResume consults config, falling back to an interactive prompt when
// auto-resume is disabled.
func (e *Engine) shouldResume(snapshot *state.File) bool {
	if e.cfg.AutoResume() {
		return true
	}
	fmt.Fprintf(os.Stderr, "Recoverable session found (phase %s, %d active). Resume? [Y/n] ",
		snapshot.StrategyState.Phase, len(snapshot.ActivePositions))
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return true
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

// ResolveExpiry prefers the contract cache's current-week mapping, then
// the nearest candidate date, then the broker.
func (e *Engine) ResolveExpiry(ctx context.Context, now time.Time) (string, error) {
	today := clock.SessionDate(now)
	if e.reader != nil {
		if m, ok := e.reader.ExpiryMap(); ok && m.CurrentWeek >= today {
			return m.CurrentWeek, nil
		}
		if d, ok := cache.NearestExpiry(e.reader.ExpiryDates(), today); ok {
			return d, nil
		}
	}
	return e.market.GetNextExpiry(ctx)
}

// applyCache pushes lot size and the strike list from the loaded cache
// document into the strategy.
func (e *Engine) applyCache() {
	e.strat.SetLotSize(e.reader.LotSize())
	e.strat.SetStrikeCandidates(strikesFromRange(e.reader.Strikes()))
}

// strikesFromRange expands a min/max/step grid into the candidate list.
func strikesFromRange(r cache.StrikeRange) []int {
	if r.Step <= 0 || r.Max < r.Min {
		return nil
	}
	out := make([]int, 0, int((r.Max-r.Min)/r.Step)+1)
	for k := r.Min; k <= r.Max; k += r.Step {
		out = append(out, int(k))
	}
	return out
}

// Status implements dashboard.StatusSource.
func (e *Engine) Status() dashboard.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	closed := make([]models.ClosedPosition, len(e.day.ClosedPositions))
	copy(closed, e.day.ClosedPositions)
	var active *models.Position
	if e.day.ActivePosition != nil {
		cp := *e.day.ActivePosition
		active = &cp
	}
	return dashboard.Status{
		SessionDate:   e.day.SessionDate,
		Phase:         e.day.Phase,
		Direction:     e.day.Direction,
		CurrentStrike: e.day.CurrentStrike,
		Expiry:        e.day.Expiry,
		TradeTaken:    e.day.TradeTaken,
		Active:        active,
		Closed:        closed,
		Cash:          e.ledger.Cash(),
		Broker:        e.market.Name(),
		Heartbeat:     e.day.Heartbeat,
	}
}

// snapshotLocked builds a state file from the current day. Callers hold mu.
func (e *Engine) snapshotLocked(now time.Time, entryRunning, exitRunning bool) *state.File {
	health := state.SystemHealth{
		BrokerConnected:  true,
		EntryLoopRunning: entryRunning,
		ExitLoopRunning:  exitRunning,
	}
	if e.recovered {
		health.RecoveredAt = e.recoveredAt.In(clock.Location()).Format(time.RFC3339)
	}
	return e.states.BuildFile(e.day, e.ledger.Snapshot(), e.cfg.Broker.Mode, health, now)
}

// flushSync persists the snapshot before the caller proceeds. Used after
// position transitions.
func (e *Engine) flushSync(now time.Time) {
	e.metrics.StateFlushes.Inc()
	if err := e.states.Flush(e.snapshotLocked(now, true, true)); err != nil {
		e.logger.WithError(err).Error("synchronous state flush failed")
	}
}

// heartbeatLocked stamps the day and queues an async snapshot.
func (e *Engine) heartbeatLocked(now time.Time) {
	e.day.Heartbeat = now
	e.metrics.StateFlushes.Inc()
	e.states.FlushAsync(e.snapshotLocked(now, true, true))
}
