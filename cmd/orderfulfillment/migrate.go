package main

import (
	"errors"
	"fmt"

	"orderfulfillment/internal/app"
	"orderfulfillment/internal/config"
	"orderfulfillment/internal/menu"
	"orderfulfillment/internal/platform/postgres"

	"github.com/spf13/cobra"
)

var migrateSeedMenu bool

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the order, payment and dish tables",
		Long: `Create the order and payment tables in DATABASE_URL and the dishes table in
MENU_DATABASE_DSN. Either database may be left unset.

Examples:
  orderfulfillment migrate
  orderfulfillment migrate --seed-menu`,
		RunE: runMigrate,
	}
	cmd.Flags().BoolVar(&migrateSeedMenu, "seed-menu", false, "insert the demo dishes into the menu database")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" && cfg.MenuDatabaseDSN == "" {
		return errors.New("neither DATABASE_URL nor MENU_DATABASE_DSN is set, nothing to migrate")
	}
	ctx := cmd.Context()

	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		fmt.Println("✅ Order and payment tables ready")
	}

	if cfg.MenuDatabaseDSN != "" {
		gdb, err := menu.OpenMySQL(cfg.MenuDatabaseDSN)
		if err != nil {
			return err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			defer sqlDB.Close()
		}

		catalog := menu.NewGormCatalog(gdb)
		if err := catalog.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to migrate dishes: %w", err)
		}
		fmt.Println("✅ Dishes table ready")

		if migrateSeedMenu {
			dishes := app.DemoMenu()
			if err := catalog.Seed(ctx, dishes...); err != nil {
				return fmt.Errorf("failed to seed dishes: %w", err)
			}
			fmt.Printf("🌱 Seeded %d dishes\n", len(dishes))
		}
	}
	return nil
}
