// Command oipulse runs the intraday options paper-trading engine.
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 broker connect
// failure, 4 state-file corruption, 130 interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oipulse/oipulse/internal/broker"
	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/config"
	"github.com/oipulse/oipulse/internal/runner"
	"github.com/oipulse/oipulse/internal/state"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitOK           = 0
	exitConfig       = 2
	exitConnect      = 3
	exitStateCorrupt = 4
	exitInterrupted  = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		brokerName      string
		configPath      string
		credentialsPath string
	)
	code := exitOK

	root := &cobra.Command{
		Use:           "oipulse",
		Short:         "Intraday NIFTY options paper-trading engine",
		Long:          "Runs the OI-unwinding strategy against live market data with simulated fills.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			code, err = runEngine(cmd.Context(), brokerName, configPath, credentialsPath)
			return err
		},
	}
	root.Flags().StringVar(&brokerName, "broker", "auto", "broker adapter: zerodha, angelone or auto")
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration")
	root.Flags().StringVar(&credentialsPath, "credentials", ".credentials", "path to the dotenv credentials file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "oipulse:", err)
		if code == exitOK {
			code = exitConfig
		}
	}
	return code
}

// runEngine performs staged startup so each failure class maps to its exit
// code, then hands control to the runner until the context is cancelled.
func runEngine(ctx context.Context, brokerName, configPath, credentialsPath string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitConfig, err
	}

	logger := newLogger(cfg.Environment.LogLevel)

	creds, err := broker.LoadCredentials(credentialsPath)
	if err != nil {
		return exitConfig, err
	}
	adapter, err := broker.NewFromCredentials(brokerName, creds)
	if err != nil {
		return exitConfig, err
	}
	market := broker.NewCircuitBreakerBroker(adapter, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := market.Connect(connectCtx); err != nil {
		return exitConnect, fmt.Errorf("connecting %s: %w", market.Name(), err)
	}
	logger.WithField("broker", market.Name()).Info("broker connected")

	engine, err := runner.New(cfg, market, clock.IST{}, logger)
	if err != nil {
		return exitConfig, err
	}
	if err := engine.Prepare(); err != nil {
		if errors.Is(err, state.ErrStateCorrupt) {
			return exitStateCorrupt, err
		}
		return exitConfig, err
	}

	if err := engine.Run(ctx); err != nil {
		return exitConfig, err
	}
	if ctx.Err() != nil {
		logger.Info("interrupted, shut down cleanly")
		return exitInterrupted, nil
	}
	return exitOK, nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}
