package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/model"
)

// OrderStore holds the client-facing mirror of canonical orders. A mirror row
// is unique per (user_id, firebase_order_id) and is never updated.
type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

func scanMirroredOrder(scanner interface{ Scan(...any) error }) (*model.MirroredOrder, error) {
	var o model.MirroredOrder
	var orderCreatedAt sql.NullTime

	err := scanner.Scan(
		&o.ID, &o.UserID, &o.SourceOrderID,
		&o.Subtotal, &o.TaxGST, &o.TaxQST, &o.DeliveryFee, &o.Total,
		&o.Items, &o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
		&o.Status, &o.DeliveryType, &o.DeliveryAddress,
		&orderCreatedAt, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if orderCreatedAt.Valid {
		o.OrderCreatedAt = &orderCreatedAt.Time
	}
	return &o, nil
}

const mirroredOrderCols = `id, user_id, firebase_order_id, subtotal, tax_gst, tax_qst, delivery_fee, total,
	items, customer_name, customer_email, customer_phone, status, delivery_type, delivery_address,
	order_created_at, created_at`

func (s *OrderStore) GetByID(ctx context.Context, id int64) (*model.MirroredOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mirroredOrderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanMirroredOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mirrored order: %w", err)
	}
	return o, nil
}

// GetBySource looks up the mirror of a canonical order for a user.
func (s *OrderStore) GetBySource(ctx context.Context, userID, sourceOrderID string) (*model.MirroredOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mirroredOrderCols+` FROM orders WHERE user_id = ? AND firebase_order_id = ?`,
		userID, sourceOrderID,
	)
	o, err := scanMirroredOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mirrored order by source: %w", err)
	}
	return o, nil
}

// Mirror creates the mirror row for the order unless one already exists for
// (userID, order.ID), in which case the existing row is returned unchanged.
// created reports whether this call inserted the row.
func (s *OrderStore) Mirror(ctx context.Context, userID string, order model.Order) (mo *model.MirroredOrder, created bool, err error) {
	existing, err := s.GetBySource(ctx, userID, order.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var orderCreatedAt sql.NullTime
	if !order.CreatedAt.IsZero() {
		orderCreatedAt = sql.NullTime{Time: order.CreatedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (user_id, firebase_order_id, subtotal, tax_gst, tax_qst, delivery_fee, total,
			items, customer_name, customer_email, customer_phone, status, delivery_type, delivery_address,
			order_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, order.ID,
		order.Subtotal.StringFixed(2), order.TaxGST.StringFixed(2), order.TaxQST.StringFixed(2),
		order.DeliveryFee.StringFixed(2), order.Total.StringFixed(2),
		order.Items, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Status, order.DeliveryType, order.DeliveryAddress, orderCreatedAt,
	)
	if database.IsUniqueViolation(err) {
		// Lost a race with another session mirroring the same order.
		existing, err := s.GetBySource(ctx, userID, order.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert mirrored order: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}

	mo, err = s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return mo, true, nil
}

// ListByUser returns a user's mirrored orders, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.MirroredOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mirroredOrderCols+` FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list mirrored orders: %w", err)
	}
	defer rows.Close()

	var orders []model.MirroredOrder
	for rows.Next() {
		o, err := scanMirroredOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mirrored order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CountBySource returns how many mirror rows exist for (userID, sourceOrderID).
func (s *OrderStore) CountBySource(ctx context.Context, userID, sourceOrderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = ? AND firebase_order_id = ?`,
		userID, sourceOrderID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mirrored orders: %w", err)
	}
	return n, nil
}
