// Package cache reads the contract-cache JSON document maintained by the
// sibling refresher process. The engine only ever reads this file; reloads
// swap an immutable document pointer under a short lock so neither trading
// loop blocks on disk.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrCacheMissing is returned when the cache file does not exist.
var ErrCacheMissing = errors.New("contract cache file missing")

// defaultLotSize is used when the cache omits lot_size.
const defaultLotSize = 75

// ExpiryMap is the refresher's mapping of logical expiry slots to dates.
type ExpiryMap struct {
	CurrentWeek  string `json:"current_week"`
	NextWeek     string `json:"next_week"`
	CurrentMonth string `json:"current_month"`
	NextMonth    string `json:"next_month"`
}

// StrikeRange describes the strike grid covered by the cache.
type StrikeRange struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Document is the immutable parsed view of one cache file generation.
type Document struct {
	ExpiryDates []string
	Expiries    ExpiryMap
	HasMapping  bool
	Strikes     StrikeRange
	LotSize     int
}

// contractFile mirrors the on-disk JSON schema.
type contractFile struct {
	Options struct {
		ExpiryDates []string           `json:"expiry_dates"`
		Mapping     *ExpiryMap         `json:"mapping"`
		Strikes     *StrikeRange       `json:"strikes"`
		LotSize     int                `json:"lot_size"`
	} `json:"options"`
}

// Reader polls a single cache file and serves the latest loaded document.
type Reader struct {
	mu    sync.RWMutex
	path  string
	mtime time.Time
	doc   *Document
}

// NewReader loads the cache file at path. It fails with ErrCacheMissing if
// the file does not exist at startup; the caller falls back to the broker's
// expiry endpoint in that case.
func NewReader(path string) (*Reader, error) {
	r := &Reader{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// CheckForUpdate reloads the document iff the file's mtime advanced since
// the last load. Returns true when a reload happened. A file that vanished
// mid-run is reported as an error and the previous document stays in force.
func (r *Reader) CheckForUpdate() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrCacheMissing
		}
		return false, fmt.Errorf("stat contract cache: %w", err)
	}

	r.mu.RLock()
	stale := info.ModTime().After(r.mtime)
	r.mu.RUnlock()
	if !stale {
		return false, nil
	}

	if err := r.reload(); err != nil {
		return false, err
	}
	return true, nil
}

// ExpiryMap returns the expiry mapping and whether the cache carried one.
func (r *Reader) ExpiryMap() (ExpiryMap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Expiries, r.doc.HasMapping
}

// LotSize returns the exchange lot size, defaulting to 75 when absent.
func (r *Reader) LotSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.LotSize
}

// Strikes returns the strike grid from the cache.
func (r *Reader) Strikes() StrikeRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Strikes
}

// ExpiryDates returns the raw candidate expiry list.
func (r *Reader) ExpiryDates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.doc.ExpiryDates))
	copy(out, r.doc.ExpiryDates)
	return out
}

func (r *Reader) reload() error {
	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCacheMissing
		}
		return fmt.Errorf("stat contract cache: %w", err)
	}

	data, err := os.ReadFile(r.path) // #nosec G304 -- path comes from config
	if err != nil {
		return fmt.Errorf("reading contract cache: %w", err)
	}

	var raw contractFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing contract cache: %w", err)
	}

	doc := &Document{
		ExpiryDates: raw.Options.ExpiryDates,
		LotSize:     raw.Options.LotSize,
	}
	if doc.LotSize <= 0 {
		doc.LotSize = defaultLotSize
	}
	if raw.Options.Mapping != nil && raw.Options.Mapping.CurrentWeek != "" {
		doc.Expiries = *raw.Options.Mapping
		doc.HasMapping = true
	}
	if raw.Options.Strikes != nil {
		doc.Strikes = *raw.Options.Strikes
	}

	r.mu.Lock()
	r.doc = doc
	r.mtime = info.ModTime()
	r.mu.Unlock()
	return nil
}

// NearestExpiry picks the earliest candidate date on or after today from
// the given list. Same-day expiries qualify. Dates are YYYY-MM-DD strings,
// so lexicographic order is chronological.
func NearestExpiry(candidates []string, today string) (string, bool) {
	best := ""
	for _, d := range candidates {
		if d < today {
			continue
		}
		if best == "" || d < best {
			best = d
		}
	}
	return best, best != ""
}
