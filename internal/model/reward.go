package model

import (
	"errors"
	"strings"
	"time"
)

type RewardType string

const (
	RewardDiscount RewardType = "discount"
	RewardFreeItem RewardType = "free_item"
	RewardBirthday RewardType = "birthday"
	RewardSpecial  RewardType = "special"
)

func (t RewardType) Valid() bool {
	switch t {
	case RewardDiscount, RewardFreeItem, RewardBirthday, RewardSpecial:
		return true
	}
	return false
}

type Reward struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	PointCost   int64      `json:"point_cost"`
	Type        RewardType `json:"type"`
	Active      bool       `json:"active"`
	ValidFrom   *time.Time `json:"valid_from"`
	ValidUntil  *time.Time `json:"valid_until"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AvailableAt reports whether the reward is active and inside its validity
// window at the given instant.
func (r Reward) AvailableAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	return true
}

// RewardInput holds the editable fields of a reward.
type RewardInput struct {
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	PointCost   int64      `json:"point_cost" yaml:"point_cost"`
	Type        RewardType `json:"type" yaml:"type"`
	Active      bool       `json:"active" yaml:"active"`
	ValidFrom   *time.Time `json:"valid_from" yaml:"valid_from"`
	ValidUntil  *time.Time `json:"valid_until" yaml:"valid_until"`
}

// Normalize trims the text fields and defaults an empty type to discount.
func (in *RewardInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Type == "" {
		in.Type = RewardDiscount
	}
}

func (in RewardInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return errors.New("title is required")
	}
	if in.PointCost < 0 {
		return errors.New("point_cost must be >= 0")
	}
	if in.Type != "" && !in.Type.Valid() {
		return errors.New("type must be one of discount, free_item, birthday, special")
	}
	if in.ValidFrom != nil && in.ValidUntil != nil && in.ValidUntil.Before(*in.ValidFrom) {
		return errors.New("valid_until must not be before valid_from")
	}
	return nil
}

type ClaimedReward struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	RewardID    int64      `json:"reward_id"`
	PointsSpent int64      `json:"points_spent"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	Used        bool       `json:"is_used"`
	UsedAt      *time.Time `json:"used_at"`
}

// AvailableReward is a reward annotated with whether the user holds an
// unused claim on it.
type AvailableReward struct {
	Reward
	Claimed bool `json:"claimed"`
}
