package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/model"
)

var (
	// ErrInsufficientBalance is returned when a debit would take the balance
	// below zero. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateAccrual is returned when the order already has an accrual
	// row for the user. Nothing is written.
	ErrDuplicateAccrual = errors.New("order already accrued")
)

// PointsStore owns user_points and points_history. The balance row is only
// ever changed together with a history append, inside one transaction, so
// current_balance always equals the sum of the user's history.
type PointsStore struct {
	db *sql.DB
}

func NewPointsStore(db *sql.DB) *PointsStore {
	return &PointsStore{db: db}
}

// LedgerEntry describes a points movement to record.
type LedgerEntry struct {
	UserID      string
	Points      int64
	Type        model.TransactionType
	OrderID     *string
	Description string
	Metadata    model.TransactionMetadata
	// Synthetic marks an accrual credited from a fallback order.
	Synthetic bool
}

// LedgerResult is the outcome of a committed ledger entry.
type LedgerResult struct {
	PreviousBalance int64
	NewBalance      int64
	Transaction     model.PointsTransaction
}

// Apply adjusts the user's balance by e.Points and appends the matching
// history row in a single transaction. Credits upsert the balance row; debits
// are a conditional update that fails with ErrInsufficientBalance instead of
// going negative.
func (s *PointsStore) Apply(ctx context.Context, e LedgerEntry) (*LedgerResult, error) {
	if e.Points == 0 {
		return nil, fmt.Errorf("apply ledger entry: zero points")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var newBalance int64
	if e.Points > 0 {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO user_points (user_id, current_balance) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				current_balance = current_balance + excluded.current_balance,
				updated_at = CURRENT_TIMESTAMP
			RETURNING current_balance`,
			e.UserID, e.Points,
		).Scan(&newBalance)
		if err != nil {
			return nil, fmt.Errorf("credit balance: %w", err)
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE user_points SET
				current_balance = current_balance + ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND current_balance + ? >= 0
			RETURNING current_balance`,
			e.Points, e.UserID, e.Points,
		).Scan(&newBalance)
		if err == sql.ErrNoRows {
			return nil, ErrInsufficientBalance
		}
		if err != nil {
			return nil, fmt.Errorf("debit balance: %w", err)
		}
	}

	var orderID sql.NullString
	if e.OrderID != nil {
		orderID = sql.NullString{String: *e.OrderID, Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO points_history (user_id, points, balance_after, type, order_id, description, metadata, synthetic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Points, newBalance, string(e.Type), orderID, e.Description, e.Metadata, e.Synthetic,
	)
	if database.IsUniqueViolation(err) {
		return nil, ErrDuplicateAccrual
	}
	if err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	t, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM points_history WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read appended history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger entry: %w", err)
	}

	return &LedgerResult{
		PreviousBalance: newBalance - e.Points,
		NewBalance:      newBalance,
		Transaction:     *t,
	}, nil
}

// GetBalance returns the user's balance row, or nil if the user has never
// had a transaction.
func (s *PointsStore) GetBalance(ctx context.Context, userID string) (*model.PointsBalance, error) {
	var b model.PointsBalance
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, current_balance, updated_at FROM user_points WHERE user_id = ?`,
		userID,
	).Scan(&b.UserID, &b.CurrentBalance, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.PointsTransaction, error) {
	var t model.PointsTransaction
	var typ string
	var orderID sql.NullString
	var synthetic int

	err := scanner.Scan(&t.ID, &t.UserID, &t.Points, &t.BalanceAfter, &typ, &orderID, &t.Description, &t.Metadata, &synthetic, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.Synthetic = synthetic != 0
	if orderID.Valid {
		t.OrderID = &orderID.String
	}
	return &t, nil
}

const transactionCols = `id, user_id, points, balance_after, type, order_id, description, metadata, synthetic, created_at`

// HistoryPage returns up to limit history rows for the user, newest first,
// starting strictly below beforeID. A beforeID of 0 starts at the newest row.
func (s *PointsStore) HistoryPage(ctx context.Context, userID string, beforeID int64, limit int) ([]model.PointsTransaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+transactionCols+` FROM points_history WHERE user_id = ? AND id < ? ORDER BY id DESC LIMIT ?`,
			userID, beforeID, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+transactionCols+` FROM points_history WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
			userID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list points history: %w", err)
	}
	defer rows.Close()

	var txns []model.PointsTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan points transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// GetAccrual returns the accrual row for the order, or nil if none exists.
func (s *PointsStore) GetAccrual(ctx context.Context, userID, orderID string) (*model.PointsTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionCols+` FROM points_history WHERE user_id = ? AND order_id = ? AND type = ?`,
		userID, orderID, string(model.TransactionOrder),
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get accrual: %w", err)
	}
	return t, nil
}

// SumHistory returns the sum of all history deltas for the user.
func (s *PointsStore) SumHistory(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM points_history WHERE user_id = ?`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum points history: %w", err)
	}
	return sum, nil
}

// FindDrift returns every user whose balance row disagrees with the sum of
// their history. A healthy ledger returns nothing.
func (s *PointsStore) FindDrift(ctx context.Context) ([]model.BalanceDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, COALESCE(p.current_balance, 0), COALESCE(h.total, 0)
		FROM (SELECT user_id FROM user_points UNION SELECT user_id FROM points_history) u
		LEFT JOIN user_points p ON p.user_id = u.user_id
		LEFT JOIN (
			SELECT user_id, SUM(points) AS total FROM points_history GROUP BY user_id
		) h ON h.user_id = u.user_id
		WHERE COALESCE(p.current_balance, 0) != COALESCE(h.total, 0)
		ORDER BY u.user_id`)
	if err != nil {
		return nil, fmt.Errorf("find balance drift: %w", err)
	}
	defer rows.Close()

	var drift []model.BalanceDrift
	for rows.Next() {
		var d model.BalanceDrift
		if err := rows.Scan(&d.UserID, &d.Balance, &d.HistorySum); err != nil {
			return nil, fmt.Errorf("scan balance drift: %w", err)
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

// UnmatchedRedemption counts redemption debits for a (user, reward) pair that
// have no corresponding claim row.
type UnmatchedRedemption struct {
	UserID      string
	RewardID    int64
	Redemptions int
	Claims      int
}

// FindUnmatchedRedemptions lists (user, reward) pairs with more redemption
// debits than claim rows: points were spent but the reward was never granted.
func (s *PointsStore) FindUnmatchedRedemptions(ctx context.Context) ([]UnmatchedRedemption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.user_id, r.reward_id, r.n, COALESCE(c.n, 0)
		FROM (
			SELECT user_id, json_extract(metadata, '$.reward_id') AS reward_id, COUNT(*) AS n
			FROM points_history
			WHERE type = ? AND json_extract(metadata, '$.reward_id') IS NOT NULL
			GROUP BY user_id, reward_id
		) r
		LEFT JOIN (
			SELECT user_id, reward_id, COUNT(*) AS n FROM user_claimed_rewards GROUP BY user_id, reward_id
		) c ON c.user_id = r.user_id AND c.reward_id = r.reward_id
		WHERE r.n > COALESCE(c.n, 0)
		ORDER BY r.user_id, r.reward_id`,
		string(model.TransactionRedemption),
	)
	if err != nil {
		return nil, fmt.Errorf("find unmatched redemptions: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedRedemption
	for rows.Next() {
		var u UnmatchedRedemption
		if err := rows.Scan(&u.UserID, &u.RewardID, &u.Redemptions, &u.Claims); err != nil {
			return nil, fmt.Errorf("scan unmatched redemption: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListSyntheticAccruals returns accruals credited from fallback orders,
// oldest first. Those points were not checked against a stored order and are
// kept apart for review.
func (s *PointsStore) ListSyntheticAccruals(ctx context.Context) ([]model.PointsTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM points_history WHERE synthetic = 1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list synthetic accruals: %w", err)
	}
	defer rows.Close()

	var out []model.PointsTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan synthetic accrual: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListUsers returns every user id with a balance row.
func (s *PointsStore) ListUsers(ctx context.Context) ([]model.PointsBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, current_balance, updated_at FROM user_points ORDER BY current_balance DESC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []model.PointsBalance
	for rows.Next() {
		var b model.PointsBalance
		if err := rows.Scan(&b.UserID, &b.CurrentBalance, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
