package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionOrder      TransactionType = "order"
	TransactionRedemption TransactionType = "redemption"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionBonus      TransactionType = "bonus"
)

// IsAccrual reports whether the transaction type only ever adds points.
func (t TransactionType) IsAccrual() bool {
	return t == TransactionOrder || t == TransactionBonus
}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionOrder, TransactionRedemption, TransactionAdjustment, TransactionBonus:
		return true
	}
	return false
}

// PointsTransaction is one immutable row of a user's points history.
type PointsTransaction struct {
	ID           int64               `json:"id"`
	UserID       string              `json:"user_id"`
	Points       int64               `json:"points"`
	BalanceAfter int64               `json:"balance_after"`
	Type         TransactionType     `json:"type"`
	OrderID      *string             `json:"order_id,omitempty"`
	Description  string              `json:"description"`
	Metadata     TransactionMetadata `json:"metadata"`
	Synthetic    bool                `json:"synthetic,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// TransactionMetadata carries the structured context of a points transaction.
type TransactionMetadata struct {
	OrderTotal  *decimal.Decimal `json:"order_total,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	ItemCount   int              `json:"item_count,omitempty"`
	RewardID    *int64           `json:"reward_id,omitempty"`
	RewardTitle string           `json:"reward_title,omitempty"`
	Source      string           `json:"source,omitempty"`
	Note        string           `json:"note,omitempty"`
}

func (m TransactionMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *TransactionMetadata) Scan(src any) error {
	data, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	*m = TransactionMetadata{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, m)
}

// PointsBalance is the running balance row for a user.
type PointsBalance struct {
	UserID         string    `json:"user_id"`
	CurrentBalance int64     `json:"current_balance"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BalanceDrift describes a user whose balance row disagrees with the sum of
// their history.
type BalanceDrift struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	HistorySum int64  `json:"history_sum"`
}
