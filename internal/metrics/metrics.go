// Package metrics exposes the engine's operational counters. Everything is
// registered on a private registry so tests can construct independent sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the engine's Prometheus collectors.
type Set struct {
	Registry *prometheus.Registry

	EntryTicks    prometheus.Counter
	ExitTicks     prometheus.Counter
	SkippedTicks  *prometheus.CounterVec
	BrokerErrors  *prometheus.CounterVec
	TradesOpened  prometheus.Counter
	TradesClosed  *prometheus.CounterVec
	RealizedPnL   prometheus.Gauge
	CacheReloads  prometheus.Counter
	StateFlushes  prometheus.Counter
}

// New builds and registers the collector set.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		Registry: reg,
		EntryTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_entry_ticks_total",
			Help: "Entry loop iterations on the 5-minute grid.",
		}),
		ExitTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_exit_ticks_total",
			Help: "Exit loop iterations on the 1-minute grid.",
		}),
		SkippedTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oipulse_skipped_ticks_total",
			Help: "Ticks abandoned on missing or stale data, by loop.",
		}, []string{"loop"}),
		BrokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oipulse_broker_errors_total",
			Help: "Vendor API failures, by call.",
		}, []string{"call"}),
		TradesOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_trades_opened_total",
			Help: "Paper positions opened.",
		}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oipulse_trades_closed_total",
			Help: "Paper positions closed, by exit reason.",
		}, []string{"reason"}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oipulse_realized_pnl",
			Help: "Cumulative realized P&L for the session.",
		}),
		CacheReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_cache_reloads_total",
			Help: "Contract cache reloads triggered by mtime changes.",
		}),
		StateFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "oipulse_state_flushes_total",
			Help: "State file writes, synchronous and heartbeat.",
		}),
	}
}
