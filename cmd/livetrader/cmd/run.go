package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/livetrader/blotter"
	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/config"
	"github.com/rustyeddy/livetrader/controller"
	"github.com/rustyeddy/livetrader/internal/logging"
	"github.com/rustyeddy/livetrader/ledger"
	"github.com/rustyeddy/livetrader/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop against the broker gateway",
	Long: `Run starts the controller: restore the ledger, reconcile against
broker state, then serve broker events and the periodic re-sync until
interrupted. State is saved on the way out.

Example:
  livetrader run -f livetrader.yaml --reset`,
	RunE: runEngine,
}

var (
	runReset     bool
	runZero      bool
	runColdstart bool
	runNuke      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&runReset, "reset", "r", false, "on startup close all existing positions and cancel orders")
	runCmd.Flags().BoolVarP(&runZero, "zero", "z", false, "on startup zero-out all records")
	runCmd.Flags().BoolVarP(&runColdstart, "coldstart", "c", false, "start without reading state from the store")
	runCmd.Flags().BoolVarP(&runNuke, "nuke", "n", false, "cancel all orders, close positions, then stop trading")
}

// stack is everything runEngine and runPaper wire up before the loop.
type stack struct {
	cfg      *config.Config
	log      zerolog.Logger
	led      *ledger.Ledger
	ctrl     *controller.Controller
	engine   *sim.Engine
	dispatch *broker.Dispatcher
	closers  []func() error
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Error().Err(err).Msg("close failed")
		}
	}
}

func buildStack(coldstart, reset bool) (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, led: ledger.New()}
	s.log = logging.New(cfg.Log.Level)

	syncFreq, _ := config.ParseDuration(cfg.Controller.SyncFrequency)
	verifyDelay, _ := config.ParseDuration(cfg.Controller.VerificationDelay)
	pollInterval, _ := config.ParseDuration(cfg.Controller.ShutdownPollInterval)

	// The simulated gateway is the only Gateway implementation.
	s.dispatch = broker.NewDispatcher()
	s.engine = sim.NewEngine(s.dispatch)

	s.ctrl = controller.New(controller.Config{
		SyncFrequency:        syncFreq,
		VerificationDelay:    verifyDelay,
		CancelStrayOrders:    cfg.Controller.CancelStrayOrders,
		ShutdownPollInterval: pollInterval,
		LogBrokerEvents:      cfg.Controller.LogBrokerEvents,
		ColdStart:            coldstart,
		Reset:                reset,
	}, s.engine, s.led, s.log)

	if cfg.Ledger.StorePath != "" {
		store, err := ledger.NewStore(cfg.Ledger.StorePath)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("open ledger store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		if runZero {
			if err := store.Save(s.led); err != nil {
				s.close()
				return nil, fmt.Errorf("zero-out store: %w", err)
			}
			s.log.Warn().Msg("ledger store zeroed out")
		}
		s.ctrl.SetStore(store)
	}

	blt, err := buildBlotter(cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	if blt != nil {
		s.closers = append(s.closers, blt.Close)
		s.ctrl.SetBlotter(blt)
	}

	s.ctrl.Bind(s.dispatch)

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		s.closers = append(s.closers, srv.Close)
		s.log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics served")
	}
	return s, nil
}

func buildBlotter(cfg *config.Config) (*blotter.Blotter, error) {
	var w blotter.Writer
	var err error
	switch cfg.Blotter.Type {
	case "", "none":
		return nil, nil
	case "csv":
		w, err = blotter.NewCSV(cfg.Blotter.Path)
	case "sqlite":
		w, err = blotter.NewSQLite(cfg.Blotter.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open blotter: %w", err)
	}
	return blotter.New(w, !cfg.Blotter.SaveDeferred), nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	s, err := buildStack(runColdstart, runReset)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runNuke {
		if err := s.ctrl.Sync(ctx); err != nil {
			return err
		}
		s.ctrl.Nuke(ctx)
		return nil
	}

	if err := s.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info().Msg("stopped")
	return nil
}
