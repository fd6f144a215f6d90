package main

import (
	"github.com/mohammad-safakhou/dqagent/config"
	srv "github.com/mohammad-safakhou/dqagent/internal/server"
	"github.com/spf13/cobra"
)

func migrateCMD(load configLoader) *cobra.Command {
	var (
		dir       string
		direction string
		steps     int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run run-history database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Server.MigrationsDir
			}
			if err := srv.Migrate(dir, postgresDSN(cfg), direction, steps); err != nil {
				return err
			}
			newLogger("MIGRATE").Printf("migrations %s applied from %s", direction, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations source (default server.migrations_dir)")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func migrateUp(cfg *config.Config) error {
	return srv.Migrate(cfg.Server.MigrationsDir, postgresDSN(cfg), "up", 0)
}

func postgresDSN(cfg *config.Config) string {
	if !cfg.Storage.Postgres.Enabled() {
		return ""
	}
	return cfg.Storage.Postgres.DSN()
}
