package strategy

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/oipulse/oipulse/internal/analyzer"
	"github.com/oipulse/oipulse/internal/broker"
	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/config"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/paper"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMarket implements broker.Broker with canned responses.
type mockMarket struct {
	spot    float64
	spotErr error
	bars    map[string]models.OptionBar
	barErr  error
	ltp     models.LTP
	ltpErr  error
	chain   []models.ChainBar
	expiry  string
}

var _ broker.Broker = (*mockMarket)(nil)

func (m *mockMarket) Connect(context.Context) error { return nil }

func (m *mockMarket) GetSpotPrice(context.Context) (float64, error) {
	return m.spot, m.spotErr
}

func (m *mockMarket) GetLTP(context.Context, models.OptionKey) (models.LTP, error) {
	return m.ltp, m.ltpErr
}

func (m *mockMarket) GetFiveMinuteBar(_ context.Context, key models.OptionKey, _ time.Time) (models.OptionBar, error) {
	if m.barErr != nil {
		return models.OptionBar{}, m.barErr
	}
	bar, ok := m.bars[key.String()]
	if !ok {
		return models.OptionBar{}, errors.New("no bar")
	}
	return bar, nil
}

func (m *mockMarket) GetOptionChain(context.Context, string, []int) ([]models.ChainBar, error) {
	if m.chain == nil {
		return nil, errors.New("no chain")
	}
	return m.chain, nil
}

func (m *mockMarket) GetNextExpiry(context.Context) (string, error) { return m.expiry, nil }
func (m *mockMarket) IsMarketOpen(context.Context) (bool, error)    { return true, nil }
func (m *mockMarket) Logout(context.Context) error                  { return nil }
func (m *mockMarket) Name() string                                  { return "mock" }

type fixedExpiry string

func (f fixedExpiry) ResolveExpiry(context.Context, time.Time) (string, error) {
	return string(f), nil
}

const testExpiry = "2026-08-27"

func testConfig() *config.Config {
	return &config.Config{
		Broker:         config.BrokerConfig{Mode: "paper", ExitPriceMode: "strict"},
		Market:         config.MarketConfig{OptionLotSize: 75, StrikeStep: 50},
		PositionSizing: config.PositionSizingConfig{InitialCapital: 100000},
		Entry: config.EntryConfig{
			StartTime: "09:30", EndTime: "14:30",
			StrikesAboveSpot: 5, StrikesBelowSpot: 5,
		},
		Exit: config.ExitConfig{
			ExitStartTime: "14:50", ExitEndTime: "15:00",
			InitialStopPct: 0.25, ProfitThreshold: 1.10,
			TrailingStopPct: 0.10, VWAPStopPct: 0.05, OIIncreaseStopPct: 0.10,
		},
		Risk:       config.RiskConfig{MaxPositions: 1, MaxTradesPerDay: 1},
		Monitoring: config.MonitoringConfig{StrategyLoopIntervalMin: 5, LTPCheckIntervalMin: 1},
	}
}

type fixture struct {
	strat  *Strategy
	market *mockMarket
	ledger *paper.Broker
	an     *analyzer.Analyzer
	day    *models.DailyState
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := testConfig()
	market := &mockMarket{expiry: testExpiry, bars: map[string]models.OptionBar{}}
	an := analyzer.New(50, 5)
	ledger := paper.New(cfg.PositionSizing.InitialCapital, cfg.Risk.MaxPositions, logger)
	strat := New(cfg, market, ledger, an, fixedExpiry(testExpiry), logger)

	day := models.NewDailyState("2026-08-24")
	strat.AttachDay(day)

	return &fixture{strat: strat, market: market, ledger: ledger, an: an, day: day, cfg: cfg}
}

func at(hh, mm int) time.Time {
	return clock.At(2026, time.August, 24, hh, mm, 0)
}

func callKey(strike int) models.OptionKey {
	return models.OptionKey{Strike: strike, Type: models.OptionTypeCE, Expiry: testExpiry}
}

// analyzed moves the fixture day into the Analyzed phase directly.
func (f *fixture) analyzed(direction models.Direction, strike int) {
	f.day.Phase = models.PhaseAnalyzed
	f.day.Direction = direction
	f.day.CurrentStrike = strike
	f.day.Expiry = testExpiry
}

func TestDailyAnalysisPicksCallOnEquidistantBuildup(t *testing.T) {
	f := newFixture(t)
	f.market.spot = 21725
	f.market.chain = []models.ChainBar{
		{Key: callKey(21750), Bar: models.OptionBar{Timestamp: at(9, 15), Close: 100, Volume: 500, OpenInterest: 4_000_000}},
		{Key: models.OptionKey{Strike: 21700, Type: models.OptionTypePE, Expiry: testExpiry},
			Bar: models.OptionBar{Timestamp: at(9, 15), Close: 95, Volume: 500, OpenInterest: 4_000_000}},
	}

	outcome, err := f.strat.RunDailyAnalysis(context.Background(), at(9, 20))
	require.NoError(t, err)
	require.Equal(t, Signal, outcome.Kind)

	assert.Equal(t, models.PhaseAnalyzed, f.day.Phase)
	assert.Equal(t, models.DirectionCall, f.day.Direction)
	assert.Equal(t, 21750, f.day.CurrentStrike)
	assert.Equal(t, testExpiry, f.day.Expiry)
}

func TestDailyAnalysisFailureStaysIdle(t *testing.T) {
	f := newFixture(t)
	f.market.spotErr = errors.New("venue down")

	outcome, err := f.strat.RunDailyAnalysis(context.Background(), at(9, 20))
	require.Error(t, err)
	assert.Equal(t, Skip, outcome.Kind)
	assert.Equal(t, models.PhaseIdle, f.day.Phase)
}

func TestEntryOnUnwindingAboveVWAP(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725

	key := callKey(21750)
	// Previous OI baseline so the drop registers as unwinding.
	f.day.LastOI[key.String()] = 3_500_000
	// Typical price (150+144+150)/3 = 148 keeps close above VWAP.
	f.market.bars[key.String()] = models.OptionBar{
		Timestamp: at(9, 30), Open: 149, High: 150, Low: 144, Close: 150,
		Volume: 1200, OpenInterest: 3_200_000,
	}

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	require.Equal(t, Signal, outcome.Kind)
	require.NotNil(t, outcome.Opened)

	pos := outcome.Opened
	assert.Equal(t, 150.0, pos.EntryPrice)
	assert.Equal(t, 112.5, pos.InitialStop)
	assert.Equal(t, 75, pos.Quantity)
	assert.Equal(t, int64(3_200_000), pos.OIAtEntry)
	assert.Equal(t, int64(-300_000), pos.OIChangeAtEntry)
	assert.InDelta(t, 148.0, pos.VWAPAtEntry, 1e-9)

	assert.Equal(t, models.PhaseHolding, f.day.Phase)
	assert.False(t, f.day.PendingEntry)
	assert.Same(t, pos, f.day.ActivePosition)
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestEntryRejectedWhenOIRising(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725

	key := callKey(21750)
	f.day.LastOI[key.String()] = 3_000_000
	f.market.bars[key.String()] = models.OptionBar{
		Timestamp: at(9, 30), High: 150, Low: 144, Close: 150,
		Volume: 1200, OpenInterest: 3_400_000,
	}

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, NoSignal, outcome.Kind)
	assert.Nil(t, f.day.ActivePosition)
}

func TestEntryRejectedBelowVWAP(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725

	key := callKey(21750)
	f.day.LastOI[key.String()] = 3_500_000
	// Typical price (160+150+145)/3 ~ 151.67 puts close below VWAP.
	f.market.bars[key.String()] = models.OptionBar{
		Timestamp: at(9, 30), High: 160, Low: 150, Close: 145,
		Volume: 1200, OpenInterest: 3_200_000,
	}

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, NoSignal, outcome.Kind)
}

func TestEntryWindowGate(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725

	for _, tick := range []time.Time{at(9, 25), at(14, 35)} {
		outcome, err := f.strat.EvaluateEntry(context.Background(), tick)
		require.NoError(t, err)
		assert.Equal(t, NoSignal, outcome.Kind, "tick %s", tick.Format("15:04"))
	}
}

func TestDynamicStrikeFollowsSpotUntilEntry(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)

	// No bar available, so each tick skips after the strike refresh.
	f.market.barErr = errors.New("bar missing")

	f.market.spot = 21725
	_, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, 21750, f.day.CurrentStrike)

	f.market.spot = 21815
	_, err = f.strat.EvaluateEntry(context.Background(), at(9, 35))
	require.NoError(t, err)
	assert.Equal(t, 21850, f.day.CurrentStrike)

	// After the day's trade, the strike freezes.
	f.day.TradeTaken = true
	f.market.spot = 21990
	_, err = f.strat.EvaluateEntry(context.Background(), at(9, 40))
	require.NoError(t, err)
	assert.Equal(t, 21850, f.day.CurrentStrike)
}

func TestStrikeSwitchKeepsSessionAnchoredVWAP(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)

	// The chain refresh feeds every band strike each 5-minute tick, so
	// 21800 accumulates VWAP history while 21750 is still the traded strike.
	next := callKey(21800)
	f.strat.IngestChain([]models.ChainBar{{
		Key: next,
		Bar: models.OptionBar{Timestamp: at(9, 30), High: 90, Low: 84, Close: 87, Volume: 1000, OpenInterest: 2_000_000},
	}})
	f.strat.IngestChain([]models.ChainBar{{
		Key: next,
		Bar: models.OptionBar{Timestamp: at(9, 35), High: 96, Low: 90, Close: 93, Volume: 1000, OpenInterest: 2_000_000},
	}})

	// Spot moves up, the strike follows to 21800 and the entry gate compares
	// against a VWAP that includes the pre-switch bars.
	f.market.spot = 21770
	f.day.LastOI[next.String()] = 2_000_000
	f.market.bars[next.String()] = models.OptionBar{
		Timestamp: at(9, 40), High: 100, Low: 94, Close: 99,
		Volume: 1000, OpenInterest: 1_800_000,
	}

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 40))
	require.NoError(t, err)
	require.Equal(t, Signal, outcome.Kind)
	require.NotNil(t, outcome.Opened)

	assert.Equal(t, 21800, f.day.CurrentStrike)
	// Typical prices 87, 93 and 97.67 over equal volume, not just the
	// switch-tick bar.
	assert.InDelta(t, (87.0+93.0+293.0/3.0)/3.0, outcome.Opened.VWAPAtEntry, 1e-9)
}

func TestSingleTradePerDay(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725

	key := callKey(21750)
	f.day.LastOI[key.String()] = 3_500_000
	f.market.bars[key.String()] = models.OptionBar{
		Timestamp: at(9, 30), High: 150, Low: 144, Close: 150,
		Volume: 1200, OpenInterest: 3_200_000,
	}

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	require.Equal(t, Signal, outcome.Kind)

	// Close it, then confirm no further entry is admitted.
	f.market.ltp = models.LTP{Timestamp: at(10, 0), Price: 100}
	exitOutcome, err := f.strat.EvaluateExit(context.Background(), at(10, 0))
	require.NoError(t, err)
	require.Equal(t, Signal, exitOutcome.Kind)
	require.True(t, f.day.TradeTaken)
	assert.Equal(t, models.PhasePostTrade, f.day.Phase)

	again, err := f.strat.EvaluateEntry(context.Background(), at(10, 5))
	require.NoError(t, err)
	assert.Equal(t, NoSignal, again.Kind)
	assert.Len(t, f.ledger.Closed(), 1)
	assert.Nil(t, f.day.ActivePosition)
}

func TestSkippedEntryTicksLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.analyzed(models.DirectionCall, 21750)
	f.market.spot = 21725
	f.market.barErr = errors.New("venue timeout")

	outcome, err := f.strat.EvaluateEntry(context.Background(), at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, Skip, outcome.Kind)
	assert.Equal(t, models.PhaseAnalyzed, f.day.Phase)
	assert.False(t, f.day.PendingEntry)
}
