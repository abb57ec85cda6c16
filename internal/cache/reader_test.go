package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleCache = `{
  "options": {
    "expiry_dates": ["2026-08-27", "2026-09-03", "2026-09-29"],
    "mapping": {
      "current_week": "2026-08-27",
      "next_week": "2026-09-03",
      "current_month": "2026-08-27",
      "next_month": "2026-09-29"
    },
    "strikes": {"min": 21000, "max": 22500, "step": 50},
    "lot_size": 75
  }
}`

func writeCache(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "contracts.json")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("writing cache fixture: %v", err)
	}
	return path
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrCacheMissing) {
		t.Errorf("error = %v, want ErrCacheMissing", err)
	}
}

func TestReaderParsesDocument(t *testing.T) {
	path := writeCache(t, t.TempDir(), sampleCache)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	m, ok := r.ExpiryMap()
	if !ok || m.CurrentWeek != "2026-08-27" || m.NextWeek != "2026-09-03" {
		t.Errorf("expiry map = %+v, ok=%v", m, ok)
	}
	if r.LotSize() != 75 {
		t.Errorf("lot size = %d, want 75", r.LotSize())
	}
	if s := r.Strikes(); s.Min != 21000 || s.Max != 22500 || s.Step != 50 {
		t.Errorf("strikes = %+v", s)
	}
	if dates := r.ExpiryDates(); len(dates) != 3 {
		t.Errorf("expiry dates = %v", dates)
	}
}

func TestReaderDefaultsLotSize(t *testing.T) {
	path := writeCache(t, t.TempDir(), `{"options": {"expiry_dates": ["2026-08-27"]}}`)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.LotSize() != 75 {
		t.Errorf("default lot size = %d, want 75", r.LotSize())
	}
	if _, ok := r.ExpiryMap(); ok {
		t.Error("missing mapping reported as present")
	}
}

func TestCheckForUpdateReloadsOnMtimeAdvance(t *testing.T) {
	dir := t.TempDir()
	path := writeCache(t, dir, sampleCache)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	// Same mtime: no reload.
	updated, err := r.CheckForUpdate()
	if err != nil || updated {
		t.Errorf("unchanged file: updated=%v err=%v", updated, err)
	}

	next := `{"options": {"expiry_dates": ["2026-09-03"], "mapping": {
		"current_week": "2026-09-03", "next_week": "2026-09-10",
		"current_month": "2026-09-29", "next_month": "2026-10-27"},
		"lot_size": 50}}`
	if err := os.WriteFile(path, []byte(next), 0o640); err != nil {
		t.Fatalf("rewriting cache: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("bumping mtime: %v", err)
	}

	updated, err = r.CheckForUpdate()
	if err != nil || !updated {
		t.Fatalf("rewritten file: updated=%v err=%v", updated, err)
	}
	if m, _ := r.ExpiryMap(); m.CurrentWeek != "2026-09-03" {
		t.Errorf("current week after reload = %s", m.CurrentWeek)
	}
	if r.LotSize() != 50 {
		t.Errorf("lot size after reload = %d, want 50", r.LotSize())
	}
}

func TestCheckForUpdateVanishedFileKeepsDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeCache(t, dir, sampleCache)
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("removing cache: %v", err)
	}

	updated, err := r.CheckForUpdate()
	if updated || !errors.Is(err, ErrCacheMissing) {
		t.Errorf("vanished file: updated=%v err=%v", updated, err)
	}
	// The previous document stays in force.
	if m, ok := r.ExpiryMap(); !ok || m.CurrentWeek != "2026-08-27" {
		t.Errorf("document lost after vanish: %+v ok=%v", m, ok)
	}
}

func TestNearestExpiry(t *testing.T) {
	candidates := []string{"2026-09-03", "2026-08-27", "2026-08-20"}

	// Same-day expiry qualifies and beats any later date.
	if d, ok := NearestExpiry(candidates, "2026-08-27"); !ok || d != "2026-08-27" {
		t.Errorf("same-day pick = %s, ok=%v", d, ok)
	}
	if d, ok := NearestExpiry(candidates, "2026-08-28"); !ok || d != "2026-09-03" {
		t.Errorf("next pick = %s, ok=%v", d, ok)
	}
	if _, ok := NearestExpiry(candidates, "2026-09-04"); ok {
		t.Error("exhausted candidates reported a pick")
	}
}
