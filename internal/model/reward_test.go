package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRewardAvailableAt(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	before := now.Add(-24 * time.Hour)
	after := now.Add(24 * time.Hour)

	tests := []struct {
		name   string
		reward Reward
		want   bool
	}{
		{"active open window", Reward{Active: true}, true},
		{"inactive", Reward{Active: false}, false},
		{"inside window", Reward{Active: true, ValidFrom: &before, ValidUntil: &after}, true},
		{"not started", Reward{Active: true, ValidFrom: &after}, false},
		{"expired", Reward{Active: true, ValidUntil: &before}, false},
		{"ends exactly now", Reward{Active: true, ValidUntil: &now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reward.AvailableAt(now))
		})
	}
}

func TestRewardInputNormalizeValidate(t *testing.T) {
	in := RewardInput{Title: "  Free coffee  ", Description: " hot "}
	in.Normalize()
	assert.Equal(t, "Free coffee", in.Title)
	assert.Equal(t, "hot", in.Description)
	assert.Equal(t, RewardDiscount, in.Type)
	assert.NoError(t, in.Validate())

	from := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	until := from.Add(-time.Hour)

	bad := []RewardInput{
		{Title: "   "},
		{Title: "x", PointCost: -1},
		{Title: "x", Type: "cash"},
		{Title: "x", ValidFrom: &from, ValidUntil: &until},
	}
	for _, in := range bad {
		assert.Error(t, in.Validate(), "%+v", in)
	}
}
