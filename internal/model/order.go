package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusCompleted = "completed"
	DeliveryTypePickup   = "pickup"
	DeliveryTypeDelivery = "delivery"
)

// Order is the canonical order document written by the checkout process.
type Order struct {
	ID              string          `json:"id"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxGST          decimal.Decimal `json:"gst"`
	TaxQST          decimal.Decimal `json:"qst"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Total           decimal.Decimal `json:"total"`
	Items           LineItems       `json:"items"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerPhone   string          `json:"customer_phone"`
	Status          string          `json:"status"`
	DeliveryType    string          `json:"delivery_type"`
	DeliveryAddress string          `json:"delivery_address"`
	CreatedAt       time.Time       `json:"created_at"`

	// Synthetic marks an order built locally because the document was missing.
	Synthetic bool `json:"-"`
}

// PointsValue is the number of loyalty points the order earns: one point per
// whole currency unit of the final total, rounded down.
func (o Order) PointsValue() int64 {
	if !o.Total.IsPositive() {
		return 0
	}
	return o.Total.Floor().IntPart()
}

// FallbackOrder builds the placeholder order used when the canonical document
// cannot be read.
func FallbackOrder(id string, now time.Time) Order {
	subtotal := decimal.RequireFromString("30.00")
	return Order{
		ID:          id,
		Subtotal:    subtotal,
		TaxGST:      decimal.RequireFromString("1.50"),
		TaxQST:      decimal.RequireFromString("3.00"),
		DeliveryFee: decimal.Zero,
		Total:       decimal.RequireFromString("34.50"),
		Items: LineItems{
			{ProductID: "order", Name: "Order", Price: subtotal, Quantity: 1},
		},
		Status:       OrderStatusCompleted,
		DeliveryType: DeliveryTypePickup,
		CreatedAt:    now,
		Synthetic:    true,
	}
}

type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// LineTotal is price times quantity.
func (li LineItem) LineTotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItems is stored as a JSON array in the ledger database.
type LineItems []LineItem

func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}
	return string(b), nil
}

func (l *LineItems) Scan(src any) error {
	data, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan line items: %w", err)
	}
	if len(data) == 0 {
		*l = LineItems{}
		return nil
	}
	return json.Unmarshal(data, l)
}

// CustomerProfile is the identified customer's contact info as known to the
// authentication layer.
type CustomerProfile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

// MirroredOrder is the ledger database's copy of a canonical order.
type MirroredOrder struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	SourceOrderID   string          `json:"firebase_order_id"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxGST          decimal.Decimal `json:"gst"`
	TaxQST          decimal.Decimal `json:"qst"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Total           decimal.Decimal `json:"total"`
	Items           LineItems       `json:"items"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerPhone   string          `json:"customer_phone"`
	Status          string          `json:"status"`
	DeliveryType    string          `json:"delivery_type"`
	DeliveryAddress string          `json:"delivery_address"`
	OrderCreatedAt  *time.Time      `json:"order_created_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", src)
	}
}
