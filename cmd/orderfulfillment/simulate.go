package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"orderfulfillment/internal/app"
	"orderfulfillment/internal/config"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func simulateCmd() *cobra.Command {
	var sim app.SimulationConfig

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run synthetic orders through an in-process saga and summarize the outcomes",
		Long: `Run synthetic orders through the whole saga on the in-memory bus against the
probabilistic payment gateway, then print where the orders and payments ended up.

Examples:
  orderfulfillment simulate --orders 50
  orderfulfillment simulate --orders 200 --cancel-rate 0.2 --seed 7`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.BusDriver = config.BusDriverMemory
			cfg.GatewayMode = config.GatewayModeMock

			application, err := app.NewApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			if err := application.Start(); err != nil {
				return err
			}
			report, err := application.Simulate(cmd.Context(), sim)
			if err != nil {
				return err
			}
			return renderReport(os.Stdout, report)
		},
	}

	cmd.Flags().IntVarP(&sim.Orders, "orders", "n", 25, "number of orders to place")
	cmd.Flags().Float64Var(&sim.CancelRate, "cancel-rate", 0.1, "share of confirmed orders the customer cancels")
	cmd.Flags().Int64Var(&sim.Seed, "seed", time.Now().UnixNano(), "seed for carts and cancellations")
	cmd.Flags().DurationVar(&sim.Settle, "settle", 2*time.Minute, "how long to wait for the bus to drain after each phase")
	return cmd
}

func renderReport(w io.Writer, r *app.SimulationReport) error {
	fmt.Fprintf(w, "\nPlaced %d, refused %d, cancelled %d, delivered %d, reviewed %d\n\n",
		r.Placed, r.Refused, r.Cancelled, r.Delivered, r.Reviewed)

	orders := make(map[string]int, len(r.OrdersByStatus))
	for s, n := range r.OrdersByStatus {
		orders[string(s)] = n
	}
	if err := renderCounts(w, "Order status", orders); err != nil {
		return err
	}

	payments := make(map[string]int, len(r.PaymentsByStatus))
	for s, n := range r.PaymentsByStatus {
		payments[string(s)] = n
	}
	if err := renderCounts(w, "Payment status", payments); err != nil {
		return err
	}

	return renderCounts(w, "Follow-up", map[string]int{
		"pending compensations": r.PendingCompensations,
		"dead letters":          r.DeadLetters,
	})
}

func renderCounts(w io.Writer, title string, counts map[string]int) error {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(w)
	table.Header(title, "Count")
	for _, k := range keys {
		if err := table.Append([]string{k, strconv.Itoa(counts[k])}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}
