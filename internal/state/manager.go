// Package state persists the per-day engine snapshot and the trade log.
// Snapshots are written atomically (temp file + rename) so a crash at any
// instant leaves either the previous or the next complete document on disk.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/oipulse/oipulse/internal/paper"
	"github.com/sirupsen/logrus"
)

// ErrStateCorrupt is returned when today's state file exists but cannot be
// parsed. Startup treats this as fatal.
var ErrStateCorrupt = errors.New("state file corrupt")

// File is the on-disk schema of state/trading_state_YYYYMMDD.json.
// Producers write every field on every flush.
type File struct {
	Timestamp   string `json:"timestamp"`
	SessionDate string `json:"session_date"`
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`

	ActivePositions map[string]models.Position `json:"active_positions"`
	ClosedPositions []models.ClosedPosition    `json:"closed_positions"`

	StrategyState StrategyState `json:"strategy_state"`
	DailyStats    DailyStats    `json:"daily_stats"`
	Portfolio     Portfolio     `json:"portfolio"`
	SystemHealth  SystemHealth  `json:"system_health"`
}

// StrategyState is the recoverable strategy slice of the snapshot.
type StrategyState struct {
	Phase            models.DayPhase                    `json:"phase"`
	Direction        models.Direction                   `json:"direction,omitempty"`
	CurrentStrike    int                                `json:"current_strike"`
	Expiry           string                             `json:"expiry"`
	TradeTaken       bool                               `json:"trade_taken"`
	VWAPAccumulators map[string]*models.VWAPAccumulator `json:"vwap_accumulators"`
	LastOIPerKey     map[string]int64                   `json:"last_oi_per_key"`
}

// DailyStats aggregates the day's closed trades.
type DailyStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
}

// Portfolio is the simulated account view.
type Portfolio struct {
	Cash           float64 `json:"cash"`
	PositionsValue float64 `json:"positions_value"`
	TotalValue     float64 `json:"total_value"`
	ROI            float64 `json:"roi"`
}

// SystemHealth records loop liveness for the recovery reader.
type SystemHealth struct {
	LastHeartbeat    string `json:"last_heartbeat"`
	BrokerConnected  bool   `json:"broker_connected"`
	EntryLoopRunning bool   `json:"entry_loop_running"`
	ExitLoopRunning  bool   `json:"exit_loop_running"`
	RecoveredAt      string `json:"recovered_at,omitempty"`
}

// Manager owns the state directory and serializes disk writes on a
// dedicated goroutine so snapshot I/O never blocks the trading loops.
// Flush is synchronous (used after position transitions); FlushAsync queues
// heartbeat snapshots.
type Manager struct {
	dir       string
	sessionID string
	logger    *logrus.Logger
	writeCh   chan *File
	done      chan struct{}
}

// NewManager creates the state directory if needed. A directory that cannot
// be created or written is a fatal startup error.
func NewManager(dir string, sessionID string, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("opening state directory %s: %w", dir, err)
	}
	return &Manager{
		dir:       dir,
		sessionID: sessionID,
		logger:    logger,
		writeCh:   make(chan *File, 8),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the background writer. Stop drains it.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		for f := range m.writeCh {
			if err := m.Flush(f); err != nil {
				m.logger.WithError(err).Warn("async state flush failed")
			}
		}
	}()
}

// Stop closes the writer after draining queued snapshots.
func (m *Manager) Stop() {
	close(m.writeCh)
	<-m.done
}

// Path returns the per-day state file path for a session date (YYYY-MM-DD).
func (m *Manager) Path(sessionDate string) string {
	compact := sessionDate[:4] + sessionDate[5:7] + sessionDate[8:10]
	return filepath.Join(m.dir, fmt.Sprintf("trading_state_%s.json", compact))
}

// Flush writes the snapshot atomically: marshal, write temp, rename.
func (m *Manager) Flush(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := m.Path(f.SessionDate)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// FlushAsync queues a heartbeat snapshot on the writer goroutine. If the
// queue is full the snapshot is dropped; the next tick supersedes it anyway.
func (m *Manager) FlushAsync(f *File) {
	select {
	case m.writeCh <- f:
	default:
		m.logger.Debug("state writer queue full, dropping heartbeat snapshot")
	}
}

// Load reads and parses the state file for the session date. A missing file
// returns os.ErrNotExist; an unparsable file returns ErrStateCorrupt.
func (m *Manager) Load(sessionDate string) (*File, error) {
	data, err := os.ReadFile(m.Path(sessionDate)) // #nosec G304 -- path derives from config dir
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, m.Path(sessionDate), err)
	}
	return &f, nil
}

// CheckRecoverable reports whether today's file describes a session worth
// resuming: any active position, or the day's trade already taken.
func (m *Manager) CheckRecoverable(sessionDate string) (*File, bool, error) {
	f, err := m.Load(sessionDate)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	recoverable := len(f.ActivePositions) > 0 || f.StrategyState.TradeTaken
	return f, recoverable, nil
}

// Archive renames today's state file aside with a timestamp suffix, making
// room for a fresh session.
func (m *Manager) Archive(sessionDate string, now time.Time) error {
	path := m.Path(sessionDate)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	archived := fmt.Sprintf("%s.archived_%s", path, now.Format("150405"))
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("archiving state file: %w", err)
	}
	m.logger.WithField("archived", archived).Info("previous state file archived")
	return nil
}

// BuildFile assembles a complete snapshot from the live day state and the
// paper ledger. Callers hold the engine mutex, but the returned file may be
// marshalled later on the writer goroutine, so nothing in it may reference
// the live day. Maps, accumulators and slices are copied out.
func (m *Manager) BuildFile(day *models.DailyState, ledger paper.Snapshot, mode string,
	health SystemHealth, now time.Time) *File {

	active := make(map[string]models.Position)
	if day.ActivePosition != nil {
		active[day.ActivePosition.OrderID] = *day.ActivePosition
	}
	vwap := make(map[string]*models.VWAPAccumulator, len(day.VWAP))
	for k, acc := range day.VWAP {
		cp := *acc
		vwap[k] = &cp
	}
	lastOI := make(map[string]int64, len(day.LastOI))
	for k, v := range day.LastOI {
		lastOI[k] = v
	}
	closed := make([]models.ClosedPosition, len(day.ClosedPositions))
	copy(closed, day.ClosedPositions)

	f := &File{
		Timestamp:       now.In(clock.Location()).Format(time.RFC3339),
		SessionDate:     day.SessionDate,
		SessionID:       m.sessionID,
		Mode:            mode,
		ActivePositions: active,
		ClosedPositions: closed,
		StrategyState: StrategyState{
			Phase:            day.Phase,
			Direction:        day.Direction,
			CurrentStrike:    day.CurrentStrike,
			Expiry:           day.Expiry,
			TradeTaken:       day.TradeTaken,
			VWAPAccumulators: vwap,
			LastOIPerKey:     lastOI,
		},
		DailyStats:   computeStats(closed),
		SystemHealth: health,
	}
	f.SystemHealth.LastHeartbeat = now.In(clock.Location()).Format(time.RFC3339)
	f.Portfolio = buildPortfolio(ledger)
	return f
}

func buildPortfolio(ledger paper.Snapshot) Portfolio {
	positionsValue := 0.0
	for _, p := range ledger.Open {
		// Mark at peak-adjusted entry; exit loop P&L is tracked on the
		// position itself, the snapshot only needs a consistent value.
		positionsValue += p.EntryPrice * float64(p.Quantity)
	}
	total := ledger.Cash + positionsValue
	roi := 0.0
	if ledger.InitialCapital > 0 {
		roi = (total - ledger.InitialCapital) / ledger.InitialCapital * 100
	}
	return Portfolio{
		Cash:           ledger.Cash,
		PositionsValue: positionsValue,
		TotalValue:     total,
		ROI:            roi,
	}
}

func computeStats(closed []models.ClosedPosition) DailyStats {
	s := DailyStats{}
	sumWin, sumLoss := 0.0, 0.0
	for _, c := range closed {
		s.TotalTrades++
		s.TotalPnL += c.RealizedPnL
		if c.RealizedPnL > 0 {
			s.WinningTrades++
			sumWin += c.RealizedPnL
		} else {
			s.LosingTrades++
			sumLoss += c.RealizedPnL
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	if s.WinningTrades > 0 {
		s.AverageWin = sumWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = sumLoss / float64(s.LosingTrades)
	}
	return s
}

// RestoreDay reconstitutes a DailyState from a recovered snapshot.
func RestoreDay(f *File) *models.DailyState {
	day := models.NewDailyState(f.SessionDate)
	day.Phase = f.StrategyState.Phase
	day.Direction = f.StrategyState.Direction
	day.CurrentStrike = f.StrategyState.CurrentStrike
	day.Expiry = f.StrategyState.Expiry
	day.TradeTaken = f.StrategyState.TradeTaken
	if f.StrategyState.VWAPAccumulators != nil {
		day.VWAP = f.StrategyState.VWAPAccumulators
	}
	if f.StrategyState.LastOIPerKey != nil {
		day.LastOI = f.StrategyState.LastOIPerKey
	}
	day.ClosedPositions = f.ClosedPositions
	for _, p := range f.ActivePositions {
		cp := p
		day.ActivePosition = &cp
		break
	}
	// A day restored mid-hold must land in the holding phase even if the
	// snapshot predates the phase field.
	if day.ActivePosition != nil {
		day.Phase = models.PhaseHolding
	}
	return day
}
