package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/market"
	"github.com/rustyeddy/livetrader/signal"
)

var paperCmd = &cobra.Command{
	Use:   "paper",
	Short: "Run a scripted session against the simulated gateway",
	Long: `Paper drives the whole stack end to end without a broker: a short
scripted signal sequence flows through the decision layer, orders fill
in the simulated gateway, fills and commissions come back through the
controller, and the session ends with the termination procedure.

Useful for verifying configuration and inspecting blotter output.`,
	RunE: runPaper,
}

var (
	paperSymbol string
	paperUnits  float64
)

func init() {
	rootCmd.AddCommand(paperCmd)

	paperCmd.Flags().StringVarP(&paperSymbol, "symbol", "s", "ES", "instrument symbol to trade")
	paperCmd.Flags().Float64VarP(&paperUnits, "units", "u", 1, "position size taken on OPEN")
}

func runPaper(cmd *cobra.Command, args []string) error {
	s, err := buildStack(true, false)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	contract := market.Contract{Symbol: paperSymbol}
	if err := s.engine.Qualify(ctx, &contract); err != nil {
		return err
	}
	s.engine.SetQuote(paperSymbol, sim.Quote{Bid: 99.75, Ask: 100.25})

	if err := s.ctrl.Sync(ctx); err != nil {
		return err
	}

	policy := signal.Policy{
		Lockable: s.cfg.Signal.Lockable,
		AlwaysOn: s.cfg.Signal.AlwaysOn,
	}
	proc := signal.NewProcessor(s.led, policy, s.log)
	strategy := fmt.Sprintf("paper_%s", paperSymbol)

	fmt.Printf("paper session: %s, policy %s, unit %v\n", contract, policy, paperUnits)
	for _, sig := range []int{1, 1, -1, 0, 1} {
		d, ok := proc.Process(strategy, sig)
		if !ok {
			fmt.Printf("  signal %+d: no action\n", sig)
			continue
		}
		trade, err := s.ctrl.ExecuteDecision(ctx, d, contract, paperUnits)
		if err != nil {
			fmt.Printf("  signal %+d: %s rejected: %v\n", sig, d.Action, err)
			continue
		}
		fmt.Printf("  signal %+d: %s %s %v @ %v\n",
			sig, d.Action, trade.Order.Action, trade.Filled(), trade.FillPrice())
	}

	if err := s.ctrl.Terminate(ctx); err != nil {
		return err
	}

	positions, err := s.engine.Positions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("session over, position %v, broker positions %d\n",
		s.led.TotalPosition(paperSymbol), len(positions))
	return nil
}
