// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when the corresponding key is unset.
const (
	defaultInitialCapital  = 100000.0
	defaultLotSize         = 75
	defaultStrikesWindow   = 5
	defaultInitialStopPct  = 0.25
	defaultProfitThreshold = 1.10
	defaultTrailingPct     = 0.10
	defaultVWAPStopPct     = 0.05
	defaultOIIncreasePct   = 0.10
	defaultMaxPositions    = 1
	defaultMaxTradesPerDay = 1
	defaultEntryIntervalM  = 5
	defaultExitIntervalM   = 1
	defaultStateDir        = "state"
	defaultLogDir          = "logs"
	defaultCachePath       = "cache/contracts.json"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Market         MarketConfig         `yaml:"market"`
	PositionSizing PositionSizingConfig `yaml:"position_sizing"`
	Entry          EntryConfig          `yaml:"entry"`
	Exit           ExitConfig           `yaml:"exit"`
	Risk           RiskConfig           `yaml:"risk_management"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Storage        StorageConfig        `yaml:"storage"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
}

// EnvironmentConfig defines runtime environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker selection and simulated execution settings.
type BrokerConfig struct {
	Mode          string `yaml:"mode"`            // paper | live
	ExitPriceMode string `yaml:"exit_price_mode"` // strict | market
}

// MarketConfig defines instrument parameters.
type MarketConfig struct {
	OptionLotSize int     `yaml:"option_lot_size"` // overridden by contract cache
	StrikeStep    float64 `yaml:"strike_step"`
	CachePath     string  `yaml:"cache_path"`
}

// PositionSizingConfig defines simulated capital.
type PositionSizingConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
}

// EntryConfig defines the entry window and strike scan width.
type EntryConfig struct {
	StartTime        string `yaml:"start_time"` // HH:MM
	EndTime          string `yaml:"end_time"`   // HH:MM
	StrikesAboveSpot int    `yaml:"strikes_above_spot"`
	StrikesBelowSpot int    `yaml:"strikes_below_spot"`
}

// ExitConfig defines the four stop rules and the EOD window.
type ExitConfig struct {
	ExitStartTime     string  `yaml:"exit_start_time"` // HH:MM
	ExitEndTime       string  `yaml:"exit_end_time"`   // HH:MM
	InitialStopPct    float64 `yaml:"initial_stop_loss_pct"`
	ProfitThreshold   float64 `yaml:"profit_threshold"` // 1.10 = +10% activates trail
	TrailingStopPct   float64 `yaml:"trailing_stop_pct"`
	VWAPStopPct       float64 `yaml:"vwap_stop_pct"`
	OIIncreaseStopPct float64 `yaml:"oi_increase_stop_pct"`
}

// RiskConfig defines admission control limits.
type RiskConfig struct {
	// MaxPositions is retained for forward compatibility; the per-day
	// trade gate below is authoritative in the core.
	MaxPositions    int `yaml:"max_positions"`
	MaxTradesPerDay int `yaml:"max_trades_per_day"`
}

// MonitoringConfig defines the loop cadences.
type MonitoringConfig struct {
	StrategyLoopIntervalMin int `yaml:"strategy_loop_interval_min"`
	LTPCheckIntervalMin     int `yaml:"ltp_check_interval_min"`
}

// StorageConfig defines state and trade-log locations plus recovery policy.
type StorageConfig struct {
	StateDir   string `yaml:"state_dir"`
	LogDir     string `yaml:"log_dir"`
	AutoResume *bool  `yaml:"auto_resume"` // nil means true
}

// DashboardConfig defines the optional read-only status server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults for unset keys.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.ExitPriceMode == "" {
		c.Broker.ExitPriceMode = "strict"
	}
	if c.Market.OptionLotSize == 0 {
		c.Market.OptionLotSize = defaultLotSize
	}
	if c.Market.StrikeStep == 0 {
		c.Market.StrikeStep = 50
	}
	if c.Market.CachePath == "" {
		c.Market.CachePath = defaultCachePath
	}
	if c.PositionSizing.InitialCapital == 0 {
		c.PositionSizing.InitialCapital = defaultInitialCapital
	}
	if c.Entry.StartTime == "" {
		c.Entry.StartTime = "09:30"
	}
	if c.Entry.EndTime == "" {
		c.Entry.EndTime = "14:30"
	}
	if c.Entry.StrikesAboveSpot == 0 {
		c.Entry.StrikesAboveSpot = defaultStrikesWindow
	}
	if c.Entry.StrikesBelowSpot == 0 {
		c.Entry.StrikesBelowSpot = defaultStrikesWindow
	}
	if c.Exit.ExitStartTime == "" {
		c.Exit.ExitStartTime = "14:50"
	}
	if c.Exit.ExitEndTime == "" {
		c.Exit.ExitEndTime = "15:00"
	}
	if c.Exit.InitialStopPct == 0 {
		c.Exit.InitialStopPct = defaultInitialStopPct
	}
	if c.Exit.ProfitThreshold == 0 {
		c.Exit.ProfitThreshold = defaultProfitThreshold
	}
	if c.Exit.TrailingStopPct == 0 {
		c.Exit.TrailingStopPct = defaultTrailingPct
	}
	if c.Exit.VWAPStopPct == 0 {
		c.Exit.VWAPStopPct = defaultVWAPStopPct
	}
	if c.Exit.OIIncreaseStopPct == 0 {
		c.Exit.OIIncreaseStopPct = defaultOIIncreasePct
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = defaultMaxPositions
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = defaultMaxTradesPerDay
	}
	if c.Monitoring.StrategyLoopIntervalMin == 0 {
		c.Monitoring.StrategyLoopIntervalMin = defaultEntryIntervalM
	}
	if c.Monitoring.LTPCheckIntervalMin == 0 {
		c.Monitoring.LTPCheckIntervalMin = defaultExitIntervalM
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = defaultStateDir
	}
	if c.Storage.LogDir == "" {
		c.Storage.LogDir = defaultLogDir
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		c.Dashboard.Port = 9100
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug|info|warn|error")
	}

	if c.Broker.Mode != "paper" && c.Broker.Mode != "live" {
		return fmt.Errorf("broker.mode must be 'paper' or 'live'")
	}
	if c.Broker.Mode == "live" {
		return fmt.Errorf("broker.mode 'live' is not supported by this build; use 'paper'")
	}
	if c.Broker.ExitPriceMode != "strict" && c.Broker.ExitPriceMode != "market" {
		return fmt.Errorf("broker.exit_price_mode must be 'strict' or 'market'")
	}

	if c.PositionSizing.InitialCapital <= 0 {
		return fmt.Errorf("position_sizing.initial_capital must be > 0")
	}
	if c.Market.OptionLotSize <= 0 {
		return fmt.Errorf("market.option_lot_size must be > 0")
	}
	if c.Market.StrikeStep <= 0 {
		return fmt.Errorf("market.strike_step must be > 0")
	}

	if c.Entry.StrikesAboveSpot <= 0 || c.Entry.StrikesBelowSpot <= 0 {
		return fmt.Errorf("entry.strikes_above_spot and entry.strikes_below_spot must be > 0")
	}

	entryStart, err := parseHHMM(c.Entry.StartTime)
	if err != nil {
		return fmt.Errorf("entry.start_time: %w", err)
	}
	entryEnd, err := parseHHMM(c.Entry.EndTime)
	if err != nil {
		return fmt.Errorf("entry.end_time: %w", err)
	}
	if entryStart >= entryEnd {
		return fmt.Errorf("entry window invalid: start %s must precede end %s", c.Entry.StartTime, c.Entry.EndTime)
	}

	exitStart, err := parseHHMM(c.Exit.ExitStartTime)
	if err != nil {
		return fmt.Errorf("exit.exit_start_time: %w", err)
	}
	exitEnd, err := parseHHMM(c.Exit.ExitEndTime)
	if err != nil {
		return fmt.Errorf("exit.exit_end_time: %w", err)
	}
	if exitStart >= exitEnd {
		return fmt.Errorf("exit window invalid: start %s must precede end %s", c.Exit.ExitStartTime, c.Exit.ExitEndTime)
	}
	if exitStart <= entryEnd {
		return fmt.Errorf("exit.exit_start_time (%s) must be after entry.end_time (%s)",
			c.Exit.ExitStartTime, c.Entry.EndTime)
	}

	if c.Exit.InitialStopPct <= 0 || c.Exit.InitialStopPct >= 1 {
		return fmt.Errorf("exit.initial_stop_loss_pct must be in (0,1)")
	}
	if c.Exit.ProfitThreshold <= 1 {
		return fmt.Errorf("exit.profit_threshold must be > 1 (e.g. 1.10 for +10%%)")
	}
	if c.Exit.TrailingStopPct <= 0 || c.Exit.TrailingStopPct >= 1 {
		return fmt.Errorf("exit.trailing_stop_pct must be in (0,1)")
	}
	if c.Exit.VWAPStopPct <= 0 || c.Exit.VWAPStopPct >= 1 {
		return fmt.Errorf("exit.vwap_stop_pct must be in (0,1)")
	}
	if c.Exit.OIIncreaseStopPct <= 0 {
		return fmt.Errorf("exit.oi_increase_stop_pct must be > 0")
	}

	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk_management.max_positions must be > 0")
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk_management.max_trades_per_day must be > 0")
	}

	if c.Monitoring.StrategyLoopIntervalMin <= 0 || c.Monitoring.LTPCheckIntervalMin <= 0 {
		return fmt.Errorf("monitoring intervals must be > 0")
	}
	if c.Monitoring.LTPCheckIntervalMin > c.Monitoring.StrategyLoopIntervalMin {
		return fmt.Errorf("monitoring.ltp_check_interval_min must be <= strategy_loop_interval_min")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

// EntryWindow returns the entry window as minutes since midnight.
func (c *Config) EntryWindow() (start, end int) {
	start, _ = parseHHMM(c.Entry.StartTime)
	end, _ = parseHHMM(c.Entry.EndTime)
	return start, end
}

// ExitWindow returns the EOD force-close window as minutes since midnight.
func (c *Config) ExitWindow() (start, end int) {
	start, _ = parseHHMM(c.Exit.ExitStartTime)
	end, _ = parseHHMM(c.Exit.ExitEndTime)
	return start, end
}

// EntryInterval returns the entry loop cadence.
func (c *Config) EntryInterval() time.Duration {
	return time.Duration(c.Monitoring.StrategyLoopIntervalMin) * time.Minute
}

// ExitInterval returns the exit loop cadence.
func (c *Config) ExitInterval() time.Duration {
	return time.Duration(c.Monitoring.LTPCheckIntervalMin) * time.Minute
}

// AutoResume reports whether a recoverable session is resumed without
// prompting. Defaults to true when unset.
func (c *Config) AutoResume() bool {
	if c.Storage.AutoResume == nil {
		return true
	}
	return *c.Storage.AutoResume
}

// StrictExit reports whether exits are priced at the rule threshold rather
// than at the last traded price.
func (c *Config) StrictExit() bool {
	return c.Broker.ExitPriceMode == "strict"
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
