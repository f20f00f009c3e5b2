package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/orderledger/internal/config"
	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/logging"
)

var Version = "dev"

// app carries the settings shared by every subcommand.
type app struct {
	cfg    config.Config
	dbPath string
	logger *slog.Logger
}

func (a *app) openDB() (*sql.DB, error) {
	db, err := database.Open(a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.dbPath, err)
	}
	return db, nil
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and maintain the loyalty points ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", a.cfg.DBPath, "Path to the ledger database")

	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(balanceCmd(a))
	rootCmd.AddCommand(historyCmd(a))
	rootCmd.AddCommand(adjustCmd(a))
	rootCmd.AddCommand(verifyCmd(a))
	rootCmd.AddCommand(seedRewardsCmd(a))
	rootCmd.AddCommand(backupCmd(a))

	return rootCmd
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, logger: logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := database.Version(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
