package main

import (
	"fmt"
	"os"

	"orderfulfillment/internal/config"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "orderfulfillment",
		Short:         "Order fulfillment saga for the home-cooked food marketplace",
		Version:       config.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file layered under environment variables")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Application failed:", err)
		os.Exit(1)
	}
}
