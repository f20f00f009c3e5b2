package loyalty

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
)

type testEnv struct {
	db      *sql.DB
	ledger  *Ledger
	rewards *Rewards
	rs      *store.RewardStore
	ps      *store.PointsStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, ":memory:")
}

// newTestEnvAt opens the ledger at dbPath. A file path gives a WAL database
// with a real connection pool.
func newTestEnvAt(t *testing.T, dbPath string) *testEnv {
	t.Helper()
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ps := store.NewPointsStore(db)
	rs := store.NewRewardStore(db)
	return &testEnv{
		db:      db,
		ledger:  NewLedger(ps, logger),
		rewards: NewRewards(rs, ps, logger),
		rs:      rs,
		ps:      ps,
	}
}

func accrue(orderID string, points int64) TransactionInput {
	return TransactionInput{UserID: "u_1", OrderID: orderID, Points: points, Type: model.TransactionOrder}
}

func TestAddTransactionAccrual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Skipped)
	require.Equal(t, int64(34), res.PointsEarned)
	require.Equal(t, int64(0), res.PreviousBalance)
	require.Equal(t, int64(34), res.NewBalance)
	require.Equal(t, "Points earned on order ord_1", res.Transaction.Description)

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(34), balance)
}

func TestAddTransactionNonPositiveAccrualIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, points := range []int64{0, -5} {
		res, err := env.ledger.AddTransaction(ctx, accrue("ord_1", points))
		require.NoError(t, err)
		require.True(t, res.Skipped)
		require.Nil(t, res.Transaction)
		require.Equal(t, int64(0), res.NewBalance)
	}

	history, err := env.ledger.RecentHistory(ctx, "u_1", 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestAddTransactionDuplicateOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)

	second, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, int64(34), second.NewBalance)

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(34), balance)
}

func TestAddTransactionAdjustmentCanDebit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)

	res, err := env.ledger.AddTransaction(ctx, TransactionInput{
		UserID: "u_1", Points: -4, Type: model.TransactionAdjustment, Description: "Correction",
	})
	require.NoError(t, err)
	require.Equal(t, int64(30), res.NewBalance)
	require.Zero(t, res.PointsEarned)

	_, err = env.ledger.AddTransaction(ctx, TransactionInput{
		UserID: "u_1", Points: -31, Type: model.TransactionAdjustment,
	})
	require.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestAddTransactionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.AddTransaction(ctx, TransactionInput{Points: 5, Type: model.TransactionBonus})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = env.ledger.AddTransaction(ctx, TransactionInput{UserID: "u_1", Points: 5, Type: "gift"})
	require.ErrorIs(t, err, ErrInvalidTransaction)
	require.True(t, IsRejection(err))
}

func TestAddTransactionStorageFailureIsInvariantError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.Exec(`CREATE TRIGGER fail_history BEFORE INSERT ON points_history
		BEGIN SELECT RAISE(ABORT, 'history unavailable'); END`)
	require.NoError(t, err)

	_, err = env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.ErrorIs(t, err, ErrLedgerInvariant)
	require.False(t, IsRejection(err))

	// Balance update rolled back with the failed append
	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestHistoryIterates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = historyPageSize + 25
	for i := 0; i < n; i++ {
		_, err := env.ledger.AddTransaction(ctx, TransactionInput{UserID: "u_1", Points: 1, Type: model.TransactionBonus})
		require.NoError(t, err)
	}

	count := 0
	var prev int64
	for tx, err := range env.ledger.History(ctx, "u_1") {
		require.NoError(t, err)
		if count > 0 {
			require.Less(t, tx.ID, prev)
		}
		prev = tx.ID
		count++
	}
	require.Equal(t, n, count)

	// Restartable, and stops early when the caller breaks
	seen := 0
	for range env.ledger.History(ctx, "u_1") {
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
}

func TestVerifyHealthyLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)

	drift, err := env.ledger.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)
}
