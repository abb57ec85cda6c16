package state

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/paper"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "session-1", testLogger())
	require.NoError(t, err)
	return m
}

func sampleDay() *models.DailyState {
	day := models.NewDailyState("2026-08-24")
	day.Phase = models.PhaseHolding
	day.Direction = models.DirectionCall
	day.CurrentStrike = 21750
	day.Expiry = "2026-08-27"
	day.ActivePosition = &models.Position{
		OrderID:    "ord-1",
		Key:        models.OptionKey{Strike: 21750, Type: models.OptionTypeCE, Expiry: "2026-08-27"},
		State:      models.StateOpen,
		EntryTime:  clock.At(2026, time.August, 24, 9, 30, 0),
		EntryPrice: 150,
		Quantity:   75,
		PeakPrice:  158,
	}
	day.VWAP["21750|CE|2026-08-27"] = &models.VWAPAccumulator{
		SumTPV: 148000, SumVolume: 1000, Bars: 3,
		LastBarTS: clock.At(2026, time.August, 24, 9, 30, 0),
	}
	day.LastOI["21750|CE|2026-08-27"] = 3_200_000
	return day
}

func sampleLedger() paper.Snapshot {
	return paper.Snapshot{
		InitialCapital: 100000,
		Cash:           100000 - 150*75,
		Open: map[string]models.Position{
			"ord-1": *sampleDay().ActivePosition,
		},
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	now := clock.At(2026, time.August, 24, 10, 0, 0)
	f := m.BuildFile(sampleDay(), sampleLedger(), "paper", SystemHealth{BrokerConnected: true}, now)

	require.NoError(t, m.Flush(f))

	loaded, err := m.Load("2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24", loaded.SessionDate)
	assert.Equal(t, "session-1", loaded.SessionID)
	assert.Equal(t, "paper", loaded.Mode)
	assert.Contains(t, loaded.ActivePositions, "ord-1")
	assert.Equal(t, models.PhaseHolding, loaded.StrategyState.Phase)
	assert.Equal(t, 21750, loaded.StrategyState.CurrentStrike)
	assert.InDelta(t, 100000-150*75, loaded.Portfolio.Cash, 1e-9)

	// Atomic write leaves no temp file behind.
	_, err = os.Stat(m.Path("2026-08-24") + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestBuildFileDetachesFromLiveDay(t *testing.T) {
	m := newTestManager(t)
	day := sampleDay()
	now := clock.At(2026, time.August, 24, 10, 0, 0)
	f := m.BuildFile(day, sampleLedger(), "paper", SystemHealth{}, now)

	// The file may sit on the async writer queue while the next tick
	// mutates the day, so nothing it holds may alias the live maps.
	key := "21750|CE|2026-08-27"
	day.VWAP[key].SumTPV += 50000
	day.VWAP[key].Bars++
	day.VWAP["21800|CE|2026-08-27"] = &models.VWAPAccumulator{}
	day.LastOI[key] = 2_900_000
	day.ClosedPositions = append(day.ClosedPositions, models.ClosedPosition{RealizedPnL: 10})

	acc := f.StrategyState.VWAPAccumulators[key]
	require.NotNil(t, acc)
	assert.InDelta(t, 148000, acc.SumTPV, 1e-9)
	assert.Equal(t, 3, acc.Bars)
	assert.NotContains(t, f.StrategyState.VWAPAccumulators, "21800|CE|2026-08-27")
	assert.Equal(t, int64(3_200_000), f.StrategyState.LastOIPerKey[key])
	assert.Empty(t, f.ClosedPositions)
}

func TestLoadMissingFile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Load("2026-08-24")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCorruptFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.Path("2026-08-24"), []byte("{not json"), 0o640))

	_, err := m.Load("2026-08-24")
	assert.True(t, errors.Is(err, ErrStateCorrupt))
}

func TestCheckRecoverable(t *testing.T) {
	m := newTestManager(t)
	now := clock.At(2026, time.August, 24, 10, 0, 0)

	// Nothing on disk: fresh start, no error.
	_, recoverable, err := m.CheckRecoverable("2026-08-24")
	require.NoError(t, err)
	assert.False(t, recoverable)

	// Active position makes the session recoverable.
	require.NoError(t, m.Flush(m.BuildFile(sampleDay(), sampleLedger(), "paper", SystemHealth{}, now)))
	_, recoverable, err = m.CheckRecoverable("2026-08-24")
	require.NoError(t, err)
	assert.True(t, recoverable)

	// A flat day with the trade already taken is recoverable too.
	flat := models.NewDailyState("2026-08-25")
	flat.TradeTaken = true
	flat.Phase = models.PhasePostTrade
	require.NoError(t, m.Flush(m.BuildFile(flat, paper.Snapshot{InitialCapital: 100000, Cash: 100000}, "paper", SystemHealth{}, now)))
	_, recoverable, err = m.CheckRecoverable("2026-08-25")
	require.NoError(t, err)
	assert.True(t, recoverable)

	// An idle day with nothing done is not worth resuming.
	idle := models.NewDailyState("2026-08-26")
	require.NoError(t, m.Flush(m.BuildFile(idle, paper.Snapshot{InitialCapital: 100000, Cash: 100000}, "paper", SystemHealth{}, now)))
	_, recoverable, err = m.CheckRecoverable("2026-08-26")
	require.NoError(t, err)
	assert.False(t, recoverable)
}

func TestRestoreDayRoundTrip(t *testing.T) {
	m := newTestManager(t)
	day := sampleDay()
	now := clock.At(2026, time.August, 24, 10, 17, 0)
	require.NoError(t, m.Flush(m.BuildFile(day, sampleLedger(), "paper", SystemHealth{}, now)))

	loaded, err := m.Load("2026-08-24")
	require.NoError(t, err)
	restored := RestoreDay(loaded)

	assert.Equal(t, day.SessionDate, restored.SessionDate)
	assert.Equal(t, models.PhaseHolding, restored.Phase)
	assert.Equal(t, day.Direction, restored.Direction)
	assert.Equal(t, day.CurrentStrike, restored.CurrentStrike)
	assert.Equal(t, day.TradeTaken, restored.TradeTaken)
	require.NotNil(t, restored.ActivePosition)
	assert.Equal(t, "ord-1", restored.ActivePosition.OrderID)
	assert.Equal(t, 158.0, restored.ActivePosition.PeakPrice)

	acc := restored.VWAP["21750|CE|2026-08-27"]
	require.NotNil(t, acc)
	assert.Equal(t, day.VWAP["21750|CE|2026-08-27"].SumTPV, acc.SumTPV)
	assert.Equal(t, int64(3_200_000), restored.LastOI["21750|CE|2026-08-27"])
}

func TestRestoreIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	day := sampleDay()
	now := clock.At(2026, time.August, 24, 10, 17, 0)
	require.NoError(t, m.Flush(m.BuildFile(day, sampleLedger(), "paper", SystemHealth{}, now)))

	first, err := m.Load("2026-08-24")
	require.NoError(t, err)
	restoredOnce := RestoreDay(first)

	// Persist the restored day and load again: nothing drifts.
	require.NoError(t, m.Flush(m.BuildFile(restoredOnce, sampleLedger(), "paper", SystemHealth{}, now)))
	second, err := m.Load("2026-08-24")
	require.NoError(t, err)
	restoredTwice := RestoreDay(second)

	assert.Equal(t, restoredOnce.ActivePosition, restoredTwice.ActivePosition)
	assert.Equal(t, restoredOnce.VWAP, restoredTwice.VWAP)
	assert.Equal(t, restoredOnce.LastOI, restoredTwice.LastOI)
	assert.Equal(t, restoredOnce.TradeTaken, restoredTwice.TradeTaken)
}

func TestArchive(t *testing.T) {
	m := newTestManager(t)
	now := clock.At(2026, time.August, 24, 9, 16, 30)
	require.NoError(t, m.Flush(m.BuildFile(sampleDay(), sampleLedger(), "paper", SystemHealth{}, now)))

	require.NoError(t, m.Archive("2026-08-24", now))

	_, err := os.Stat(m.Path("2026-08-24"))
	assert.True(t, os.IsNotExist(err))
	archived := m.Path("2026-08-24") + ".archived_091630"
	_, err = os.Stat(archived)
	assert.NoError(t, err)

	// Archiving a missing file is a no-op.
	assert.NoError(t, m.Archive("2026-08-24", now))
}

func TestComputeStats(t *testing.T) {
	closed := []models.ClosedPosition{
		{RealizedPnL: 1500},
		{RealizedPnL: -500},
		{RealizedPnL: 300},
	}
	s := computeStats(closed)
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 2.0/3.0, s.WinRate, 1e-9)
	assert.InDelta(t, 1300, s.TotalPnL, 1e-9)
	assert.InDelta(t, 900, s.AverageWin, 1e-9)
	assert.InDelta(t, -500, s.AverageLoss, 1e-9)
}

func TestTradeLogAppendsRows(t *testing.T) {
	dir := t.TempDir()
	now := clock.At(2026, time.August, 24, 9, 15, 0)
	tl, err := NewTradeLog(dir, now)
	require.NoError(t, err)

	closed := models.ClosedPosition{
		Position: models.Position{
			Key:        models.OptionKey{Strike: 21750, Type: models.OptionTypeCE, Expiry: "2026-08-27"},
			EntryTime:  clock.At(2026, time.August, 24, 9, 30, 0),
			EntryPrice: 150,
			Quantity:   75,
		},
		ExitTime:    clock.At(2026, time.August, 24, 11, 0, 0),
		ExitPrice:   165,
		ExitReason:  models.ExitTrailingStop,
		RealizedPnL: 1125,
		PnLPct:      10,
	}
	require.NoError(t, tl.Append(closed))
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(tl.Path())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "entry_time,exit_time,strike,option_type,expiry")
	assert.Contains(t, content, "21750,CE,2026-08-27")
	assert.Contains(t, content, "trailing_stop")
	assert.Equal(t, filepath.Join(dir, "trades_20260824_091500.csv"), tl.Path())
}
