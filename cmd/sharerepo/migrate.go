package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sharerepo/store"
)

func migrateCommand() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Run: func(cmd *cobra.Command, args []string) {
			if printOnly {
				sql, err := store.MigrationsSQL()
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				fmt.Print(sql)
				return
			}
			cfg := mustConfig(cmd)
			logger := commonRun()
			if cfg.DatabaseURL == "" {
				slog.Error("DATABASE_URL must be set")
				os.Exit(1)
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			defer pool.Close()
			applied, err := store.Migrate(cmd.Context(), pool)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			for _, v := range applied {
				logger.Info("applied migration", "component", programName, "version", v)
			}
			if len(applied) == 0 {
				logger.Info("schema up to date", "component", programName)
			}
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the migration SQL instead of applying it")
	return cmd
}
