package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dukerupert/orderledger/internal/backup"
)

func backupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage encrypted ledger snapshots",
	}
	cmd.AddCommand(backupRunCmd(a))
	cmd.AddCommand(backupListCmd(a))
	cmd.AddCommand(backupRestoreCmd(a))
	cmd.AddCommand(backupPruneCmd(a))
	return cmd
}

func backupRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Take a snapshot now and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := backup.NewManager(a.cfg.Backup, db, a.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%d bytes)\n", snap.Key, snap.SizeBytes)
			return nil
		},
	}
}

func backupListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := backup.NewManager(a.cfg.Backup, nil, a.logger).List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSIZE\tCREATED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%d\t%s\n", s.Key, s.SizeBytes, s.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func backupRestoreCmd(a *app) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Download a snapshot and write it over the database",
		Long: `Download, decrypt and integrity-check a snapshot, then replace the
database file with it. Stop the service before restoring over its database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := to
			if dst == "" {
				dst = a.dbPath
			}
			if err := backup.NewManager(a.cfg.Backup, nil, a.logger).Restore(cmd.Context(), args[0], dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], dst)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Write the restored database here instead of --db")

	return cmd
}

func backupPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := backup.NewManager(a.cfg.Backup, nil, a.logger).Cleanup(cmd.Context(), a.cfg.Backup.Retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshots\n", n)
			return nil
		},
	}
}
