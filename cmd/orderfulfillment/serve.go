package main

import (
	"orderfulfillment/internal/app"
	"orderfulfillment/internal/config"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume order, menu and payment events until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			application, err := app.NewApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			return application.Run()
		},
	}
}
