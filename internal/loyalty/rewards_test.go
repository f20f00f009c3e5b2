package loyalty

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/orderledger/internal/model"
)

func (env *testEnv) reward(t *testing.T, title string, cost int64) *model.Reward {
	t.Helper()
	r, err := env.rs.Create(context.Background(), model.RewardInput{Title: title, PointCost: cost, Active: true})
	require.NoError(t, err)
	return r
}

func TestEarnAndRedeemScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	coffee := env.reward(t, "Free coffee", 20)

	order := model.FallbackOrder("ord_1", time.Now())
	res, err := env.ledger.AddTransaction(ctx, accrue(order.ID, order.PointsValue()))
	require.NoError(t, err)
	require.Equal(t, int64(34), res.NewBalance)

	claim, err := env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.NoError(t, err)
	require.True(t, claim.Success)
	require.Equal(t, int64(20), claim.PointsSpent)
	require.Equal(t, int64(34), claim.PreviousBalance)
	require.Equal(t, int64(14), claim.NewBalance)
	require.False(t, claim.Claim.Used)

	_, err = env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(14), balance)

	history, err := env.ledger.RecentHistory(ctx, "u_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.TransactionRedemption, history[0].Type)
	require.Equal(t, int64(-20), history[0].Points)
	require.Equal(t, "Redeemed: Free coffee", history[0].Description)
	require.Equal(t, coffee.ID, *history[0].Metadata.RewardID)
}

func TestClaimInsufficientPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	big := env.reward(t, "Dinner for two", 100)

	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 50))
	require.NoError(t, err)

	_, err = env.rewards.ClaimReward(ctx, "u_1", big.ID)
	require.ErrorIs(t, err, ErrInsufficientPoints)
	require.True(t, IsRejection(err))

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)

	claims, err := env.rewards.Claims(ctx, "u_1")
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestClaimRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.rewards.ClaimReward(ctx, "u_1", 999)
	require.ErrorIs(t, err, ErrRewardNotFound)

	inactive, err := env.rs.Create(ctx, model.RewardInput{Title: "Retired", PointCost: 0, Active: false})
	require.NoError(t, err)
	_, err = env.rewards.ClaimReward(ctx, "u_1", inactive.ID)
	require.ErrorIs(t, err, ErrRewardUnavailable)

	past := time.Now().Add(-time.Hour)
	expired, err := env.rs.Create(ctx, model.RewardInput{Title: "Expired", Active: true, ValidUntil: &past})
	require.NoError(t, err)
	_, err = env.rewards.ClaimReward(ctx, "u_1", expired.ID)
	require.ErrorIs(t, err, ErrRewardUnavailable)

	_, err = env.rewards.ClaimReward(ctx, "", inactive.ID)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestClaimFreeReward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	birthday, err := env.rs.Create(ctx, model.RewardInput{Title: "Birthday treat", Type: model.RewardBirthday, Active: true})
	require.NoError(t, err)

	res, err := env.rewards.ClaimReward(ctx, "u_1", birthday.ID)
	require.NoError(t, err)
	require.Zero(t, res.PointsSpent)

	history, err := env.ledger.RecentHistory(ctx, "u_1", 10)
	require.NoError(t, err)
	require.Empty(t, history)

	_, err = env.rewards.ClaimReward(ctx, "u_1", birthday.ID)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimAgainAfterUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	coffee := env.reward(t, "Free coffee", 20)
	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 50))
	require.NoError(t, err)

	first, err := env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.NoError(t, err)

	used, err := env.rewards.MarkUsed(ctx, first.Claim.ID)
	require.NoError(t, err)
	require.True(t, used.Used)

	second, err := env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), second.NewBalance)
}

func TestConcurrentClaimsSamePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	coffee := env.reward(t, "Free coffee", 20)
	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 100))
	require.NoError(t, err)

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyClaimed)
	}
	require.Equal(t, 1, ok)

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(80), balance)
}

func TestConcurrentClaimsCannotOverspend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.reward(t, "Coffee", 20)
	b := env.reward(t, "Muffin", 20)
	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 30))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []int64{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = env.rewards.ClaimReward(ctx, "u_1", id)
		}(i, id)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientPoints)
			failed++
		}
	}
	require.Equal(t, 1, failed)

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	drift, err := env.ledger.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestConcurrentAccrualAndRedemptionOnFile(t *testing.T) {
	env := newTestEnvAt(t, filepath.Join(t.TempDir(), "ledger.db"))
	ctx := context.Background()

	const (
		seed        = 100
		orders      = 10
		orderPoints = 5
		cost        = 30
	)
	var rewardIDs []int64
	for _, title := range []string{"Coffee", "Muffin", "Bagel", "Cookie"} {
		rewardIDs = append(rewardIDs, env.reward(t, title, cost).ID)
	}
	_, err := env.ledger.AddTransaction(ctx, TransactionInput{UserID: "u_1", Points: seed, Type: model.TransactionBonus})
	require.NoError(t, err)

	var mu sync.Mutex
	var fresh, duplicates, claimed int
	var unexpected []error
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && !IsRejection(err) {
			unexpected = append(unexpected, err)
		}
	}

	var wg sync.WaitGroup
	// Every order is completed twice and every reward claimed twice, all at once
	for round := 0; round < 2; round++ {
		for i := 0; i < orders; i++ {
			wg.Add(1)
			go func(orderID string) {
				defer wg.Done()
				res, err := env.ledger.AddTransaction(ctx, accrue(orderID, orderPoints))
				record(err)
				if err == nil {
					mu.Lock()
					if res.Duplicate {
						duplicates++
					} else {
						fresh++
					}
					mu.Unlock()
				}
			}(fmt.Sprintf("ord_%d", i))
		}
		for _, id := range rewardIDs {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, err := env.rewards.ClaimReward(ctx, "u_1", id)
				record(err)
				if err == nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}(id)
		}
	}
	wg.Wait()

	require.Empty(t, unexpected)
	require.Equal(t, orders, fresh)
	require.Equal(t, orders, duplicates)
	// The seed alone covers three claims; each reward is claimed at most once
	require.GreaterOrEqual(t, claimed, 3)
	require.LessOrEqual(t, claimed, len(rewardIDs))

	balance, err := env.ledger.Balance(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, int64(seed+orders*orderPoints-claimed*cost), balance)

	drift, err := env.ledger.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	unmatched, err := env.ps.FindUnmatchedRedemptions(ctx)
	require.NoError(t, err)
	require.Empty(t, unmatched)

	history, err := env.ps.HistoryPage(ctx, "u_1", 0, 100)
	require.NoError(t, err)
	accruals := map[string]int{}
	redemptions := 0
	for _, tx := range history {
		switch tx.Type {
		case model.TransactionOrder:
			accruals[*tx.OrderID]++
		case model.TransactionRedemption:
			redemptions++
		}
	}
	require.Len(t, accruals, orders)
	for id, n := range accruals {
		require.Equal(t, 1, n, id)
	}
	require.Equal(t, claimed, redemptions)

	claims, err := env.rs.ListClaimsByUser(ctx, "u_1")
	require.NoError(t, err)
	require.Len(t, claims, claimed)
}

func TestClaimRowFailureAfterDeduction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	coffee := env.reward(t, "Free coffee", 20)
	_, err := env.ledger.AddTransaction(ctx, accrue("ord_1", 34))
	require.NoError(t, err)

	_, err = env.db.Exec(`CREATE TRIGGER fail_claim BEFORE INSERT ON user_claimed_rewards
		BEGIN SELECT RAISE(ABORT, 'claims unavailable'); END`)
	require.NoError(t, err)

	_, err = env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.Error(t, err)

	var gerr *GrantedButUnclaimedError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, "u_1", gerr.UserID)
	require.Equal(t, coffee.ID, gerr.RewardID)
	require.Equal(t, int64(20), gerr.PointsSpent)
	require.NotZero(t, gerr.TransactionID)
	require.False(t, IsRejection(err))
}

func TestAvailableRewards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	coffee := env.reward(t, "Free coffee", 20)
	env.reward(t, "Muffin", 30)
	_, err := env.rs.Create(ctx, model.RewardInput{Title: "Retired", PointCost: 5, Active: false})
	require.NoError(t, err)
	future := time.Now().Add(24 * time.Hour)
	_, err = env.rs.Create(ctx, model.RewardInput{Title: "Coming soon", PointCost: 5, Active: true, ValidFrom: &future})
	require.NoError(t, err)

	_, err = env.ledger.AddTransaction(ctx, accrue("ord_1", 50))
	require.NoError(t, err)
	_, err = env.rewards.ClaimReward(ctx, "u_1", coffee.ID)
	require.NoError(t, err)

	available, err := env.rewards.AvailableRewards(ctx, "u_1")
	require.NoError(t, err)
	require.Len(t, available, 2)
	require.Equal(t, "Free coffee", available[0].Title)
	require.True(t, available[0].Claimed)
	require.False(t, available[1].Claimed)

	anon, err := env.rewards.AvailableRewards(ctx, "")
	require.NoError(t, err)
	require.Len(t, anon, 2)
	require.False(t, anon[0].Claimed)
}
