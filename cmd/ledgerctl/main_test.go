package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/orderledger/internal/config"
	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/loyalty"
	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
)

func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	a := &app{
		cfg:    config.Config{DBPath: dbPath},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	out, err := run(t, dbPath, "migrate")
	require.NoError(t, err)
	require.Equal(t, "schema version 4\n", out)
}

func TestAdjustBalanceHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	out, err := run(t, dbPath, "adjust", "u_1", "25", "--bonus", "--reason", "welcome")
	require.NoError(t, err)
	require.Equal(t, "u_1: 0 -> 25\n", out)

	out, err = run(t, dbPath, "adjust", "u_1", "3", "--debit")
	require.NoError(t, err)
	require.Equal(t, "u_1: 25 -> 22\n", out)

	out, err = run(t, dbPath, "adjust", "u_1", "--", "-2")
	require.NoError(t, err)
	require.Equal(t, "u_1: 22 -> 20\n", out)

	out, err = run(t, dbPath, "balance", "u_1")
	require.NoError(t, err)
	require.Equal(t, "u_1\t20\n", out)

	out, err = run(t, dbPath, "balance")
	require.NoError(t, err)
	require.Contains(t, out, "u_1")

	out, err = run(t, dbPath, "history", "u_1", "-n", "1")
	require.NoError(t, err)
	require.Contains(t, out, "adjustment")
	require.NotContains(t, out, "welcome")

	out, err = run(t, dbPath, "history", "u_1", "--json")
	require.NoError(t, err)
	require.Contains(t, out, `"description": "welcome"`)
}

func TestAdjustRejectsBadInput(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	_, err := run(t, dbPath, "adjust", "u_1", "zero")
	require.Error(t, err)
	_, err = run(t, dbPath, "adjust", "u_1", "0")
	require.Error(t, err)
	_, err = run(t, dbPath, "adjust", "u_1", "3", "--bonus", "--debit")
	require.Error(t, err)
	_, err = run(t, dbPath, "adjust", "u_1", "--bonus", "--", "-3")
	require.ErrorContains(t, err, "a bonus must be a credit")
	_, err = run(t, dbPath, "adjust", "u_1", "--debit", "--", "-3")
	require.ErrorContains(t, err, "positive amount")
}

func TestAdjustRefusesOverdraft(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	_, err := run(t, dbPath, "adjust", "u_1", "20")
	require.NoError(t, err)

	_, err = run(t, dbPath, "adjust", "u_1", "50", "--debit")
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	_, err = run(t, dbPath, "adjust", "u_1", "--", "-21")
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	out, err := run(t, dbPath, "balance", "u_1")
	require.NoError(t, err)
	require.Equal(t, "u_1\t20\n", out)

	out, err = run(t, dbPath, "verify")
	require.NoError(t, err)
	require.Contains(t, out, "ledger ok")
}

func TestVerify(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	_, err := run(t, dbPath, "adjust", "u_1", "10")
	require.NoError(t, err)

	out, err := run(t, dbPath, "verify")
	require.NoError(t, err)
	require.Equal(t, "ledger ok\n", out)
}

func TestVerifyListsFallbackAccruals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	orderID := "cash_9"
	_, err = store.NewPointsStore(db).Apply(context.Background(), store.LedgerEntry{
		UserID:    "u_1",
		Points:    34,
		Type:      model.TransactionOrder,
		OrderID:   &orderID,
		Synthetic: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err := run(t, dbPath, "verify")
	require.NoError(t, err)
	require.Contains(t, out, "fallback accrual: user u_1 order cash_9 points 34")
	require.Contains(t, out, "ledger ok")
}

func TestSeedRewards(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	catalogPath := filepath.Join(dir, "rewards.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`
rewards:
  - title: Free coffee
    point_cost: 50
    type: free_item
  - title: Ten percent off
    point_cost: 100
`), 0o600))

	out, err := run(t, dbPath, "seed-rewards", catalogPath)
	require.NoError(t, err)
	require.Equal(t, "created 2, updated 0\n", out)

	out, err = run(t, dbPath, "seed-rewards", catalogPath)
	require.NoError(t, err)
	require.Equal(t, "created 0, updated 2\n", out)
}

func TestBackupNotConfigured(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	_, err := run(t, dbPath, "backup", "run")
	require.ErrorContains(t, err, "backup not configured")
}
