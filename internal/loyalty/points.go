// Package loyalty implements the points ledger and reward redemption on top
// of the ledger store.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
)

const historyPageSize = 100

// TransactionInput describes a points movement requested by a caller.
type TransactionInput struct {
	UserID      string
	OrderID     string
	Points      int64
	Type        model.TransactionType
	Description string
	Metadata    model.TransactionMetadata
	Synthetic   bool
}

// TransactionResult reports the effect of AddTransaction. Skipped means the
// request was a no-op (non-positive accrual); Duplicate means the order had
// already been accrued and Transaction is the original row.
type TransactionResult struct {
	Success         bool                     `json:"success"`
	Skipped         bool                     `json:"skipped,omitempty"`
	Duplicate       bool                     `json:"duplicate,omitempty"`
	PointsEarned    int64                    `json:"points_earned"`
	PreviousBalance int64                    `json:"previous_balance"`
	NewBalance      int64                    `json:"new_balance"`
	Transaction     *model.PointsTransaction `json:"transaction,omitempty"`
}

// Ledger appends points transactions and keeps each user's balance equal to
// the sum of their history.
type Ledger struct {
	points *store.PointsStore
	logger *slog.Logger
}

func NewLedger(ps *store.PointsStore, logger *slog.Logger) *Ledger {
	return &Ledger{points: ps, logger: logger}
}

// Balance returns the user's current balance. A user with no ledger activity
// has a balance of zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	b, err := l.points.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	return b.CurrentBalance, nil
}

// AddTransaction records a points movement. Accruals of zero or fewer points
// are skipped without writing anything. An order is accrued at most once per
// user; repeating the call returns the original transaction with Duplicate
// set.
func (l *Ledger) AddTransaction(ctx context.Context, in TransactionInput) (*TransactionResult, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, in.Type)
	}

	previous, err := l.Balance(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if in.Points == 0 || (in.Type.IsAccrual() && in.Points < 0) {
		return &TransactionResult{
			Success:         true,
			Skipped:         true,
			PreviousBalance: previous,
			NewBalance:      previous,
		}, nil
	}

	entry := store.LedgerEntry{
		UserID:      in.UserID,
		Points:      in.Points,
		Type:        in.Type,
		Description: in.Description,
		Metadata:    in.Metadata,
		Synthetic:   in.Synthetic,
	}
	if in.OrderID != "" {
		orderID := in.OrderID
		entry.OrderID = &orderID
	}
	if entry.Description == "" {
		entry.Description = describe(in)
	}

	res, err := l.points.Apply(ctx, entry)
	switch {
	case errors.Is(err, store.ErrDuplicateAccrual):
		return l.duplicate(ctx, in)
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, ErrInsufficientPoints
	case err != nil:
		l.logger.Error("points transaction failed",
			"user_id", in.UserID, "order_id", in.OrderID, "points", in.Points, "type", in.Type, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLedgerInvariant, err)
	}

	l.logger.Info("points transaction recorded",
		"user_id", in.UserID,
		"type", in.Type,
		"points", in.Points,
		"previous_balance", res.PreviousBalance,
		"new_balance", res.NewBalance,
	)

	result := &TransactionResult{
		Success:         true,
		PreviousBalance: res.PreviousBalance,
		NewBalance:      res.NewBalance,
		Transaction:     &res.Transaction,
	}
	if in.Points > 0 {
		result.PointsEarned = in.Points
	}
	return result, nil
}

func (l *Ledger) duplicate(ctx context.Context, in TransactionInput) (*TransactionResult, error) {
	existing, err := l.points.GetAccrual(ctx, in.UserID, in.OrderID)
	if err != nil {
		return nil, fmt.Errorf("read existing accrual: %w", err)
	}
	balance, err := l.Balance(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	l.logger.Debug("order already accrued", "user_id", in.UserID, "order_id", in.OrderID)

	result := &TransactionResult{
		Success:         true,
		Duplicate:       true,
		PreviousBalance: balance,
		NewBalance:      balance,
		Transaction:     existing,
	}
	if existing != nil {
		result.PointsEarned = existing.Points
	}
	return result, nil
}

func describe(in TransactionInput) string {
	switch in.Type {
	case model.TransactionOrder:
		if in.OrderID != "" {
			return fmt.Sprintf("Points earned on order %s", in.OrderID)
		}
		return "Points earned on order"
	case model.TransactionBonus:
		return "Bonus points"
	case model.TransactionRedemption:
		return "Points redeemed"
	default:
		return "Points adjustment"
	}
}

// History yields the user's transactions, most recent first. It reads lazily
// in pages and can be ranged over any number of times; each range starts a
// fresh read.
func (l *Ledger) History(ctx context.Context, userID string) iter.Seq2[model.PointsTransaction, error] {
	return func(yield func(model.PointsTransaction, error) bool) {
		var before int64
		for {
			page, err := l.points.HistoryPage(ctx, userID, before, historyPageSize)
			if err != nil {
				yield(model.PointsTransaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				before = t.ID
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

// RecentHistory returns up to limit of the user's most recent transactions.
func (l *Ledger) RecentHistory(ctx context.Context, userID string, limit int) ([]model.PointsTransaction, error) {
	txns, err := l.points.HistoryPage(ctx, userID, 0, limit)
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []model.PointsTransaction{}
	}
	return txns, nil
}

// Verify returns every user whose balance does not equal the sum of their
// history.
func (l *Ledger) Verify(ctx context.Context) ([]model.BalanceDrift, error) {
	return l.points.FindDrift(ctx)
}
