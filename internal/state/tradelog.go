package state

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
)

// tradeLogHeader is the CSV column order. Rows append on each close before
// the state flush, so a crash cannot lose a completed trade.
var tradeLogHeader = []string{
	"entry_time", "exit_time", "strike", "option_type", "expiry",
	"entry_price", "exit_price", "size", "pnl", "pnl_pct",
	"vwap_at_entry", "vwap_at_exit", "oi_at_entry", "oi_change_at_entry",
	"oi_at_exit", "exit_reason",
}

// TradeLog appends one CSV row per closed trade to
// logs/trades_YYYYMMDD_HHMMSS.csv.
type TradeLog struct {
	file *os.File
	w    *csv.Writer
	path string
}

// NewTradeLog creates the per-session log file and writes the header.
func NewTradeLog(dir string, now time.Time) (*TradeLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("opening trade log directory %s: %w", dir, err)
	}
	name := fmt.Sprintf("trades_%s.csv", now.In(clock.Location()).Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 -- path derives from config dir
	if err != nil {
		return nil, fmt.Errorf("opening trade log: %w", err)
	}
	tl := &TradeLog{file: f, w: csv.NewWriter(f), path: path}
	if err := tl.w.Write(tradeLogHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing trade log header: %w", err)
	}
	tl.w.Flush()
	return tl, tl.w.Error()
}

// Path returns the log file location.
func (t *TradeLog) Path() string { return t.path }

// Append writes one closed trade and flushes to disk immediately.
func (t *TradeLog) Append(c models.ClosedPosition) error {
	row := []string{
		c.EntryTime.In(clock.Location()).Format(time.RFC3339),
		c.ExitTime.In(clock.Location()).Format(time.RFC3339),
		strconv.Itoa(c.Key.Strike),
		string(c.Key.Type),
		c.Key.Expiry,
		formatPrice(c.EntryPrice),
		formatPrice(c.ExitPrice),
		strconv.Itoa(c.Quantity),
		formatPrice(c.RealizedPnL),
		formatPrice(c.PnLPct),
		formatPrice(c.VWAPAtEntry),
		formatPrice(c.VWAPAtExit),
		strconv.FormatInt(c.OIAtEntry, 10),
		strconv.FormatInt(c.OIChangeAtEntry, 10),
		strconv.FormatInt(c.OIAtExit, 10),
		string(c.ExitReason),
	}
	if err := t.w.Write(row); err != nil {
		return fmt.Errorf("writing trade row: %w", err)
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("flushing trade row: %w", err)
	}
	return t.file.Sync()
}

// Close flushes and closes the underlying file.
func (t *TradeLog) Close() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		_ = t.file.Close()
		return err
	}
	return t.file.Close()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
