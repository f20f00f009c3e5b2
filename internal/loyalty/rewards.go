package loyalty

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dukerupert/orderledger/internal/model"
	"github.com/dukerupert/orderledger/internal/store"
)

const claimLockStripes = 64

// ClaimResult reports a successful reward claim.
type ClaimResult struct {
	Success         bool                 `json:"success"`
	Claim           *model.ClaimedReward `json:"claim"`
	Reward          *model.Reward        `json:"reward"`
	PointsSpent     int64                `json:"points_spent"`
	PreviousBalance int64                `json:"previous_balance"`
	NewBalance      int64                `json:"new_balance"`
}

// Rewards validates and executes reward claims.
type Rewards struct {
	rewards *store.RewardStore
	points  *store.PointsStore
	logger  *slog.Logger
	now     func() time.Time

	// Claims for the same (user, reward) pair run one at a time in this
	// process so a double click cannot deduct twice.
	locks [claimLockStripes]sync.Mutex
}

func NewRewards(rs *store.RewardStore, ps *store.PointsStore, logger *slog.Logger) *Rewards {
	return &Rewards{
		rewards: rs,
		points:  ps,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Rewards) lockFor(userID string, rewardID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rewardID, 10)))
	return &r.locks[h.Sum32()%claimLockStripes]
}

// ClaimReward spends the reward's point cost and records the claim. The
// deduction and its history row commit together before the claim row is
// written; if that last write fails the error is a *GrantedButUnclaimedError.
func (r *Rewards) ClaimReward(ctx context.Context, userID string, rewardID int64) (*ClaimResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	}

	mu := r.lockFor(userID, rewardID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.rewards.GetUnusedClaim(ctx, userID, rewardID)
	if err != nil {
		return nil, fmt.Errorf("check existing claim: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyClaimed
	}

	reward, err := r.rewards.GetByID(ctx, rewardID)
	if err != nil {
		return nil, fmt.Errorf("load reward: %w", err)
	}
	if reward == nil {
		return nil, ErrRewardNotFound
	}
	if !reward.AvailableAt(r.now()) {
		return nil, ErrRewardUnavailable
	}

	result := &ClaimResult{Reward: reward}
	var transactionID int64

	if reward.PointCost > 0 {
		rid := reward.ID
		res, err := r.points.Apply(ctx, store.LedgerEntry{
			UserID:      userID,
			Points:      -reward.PointCost,
			Type:        model.TransactionRedemption,
			Description: fmt.Sprintf("Redeemed: %s", reward.Title),
			Metadata: model.TransactionMetadata{
				RewardID:    &rid,
				RewardTitle: reward.Title,
				Source:      "rewards",
			},
		})
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, ErrInsufficientPoints
		}
		if err != nil {
			r.logger.Error("reward deduction failed", "user_id", userID, "reward_id", rewardID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrLedgerInvariant, err)
		}
		result.PointsSpent = reward.PointCost
		result.PreviousBalance = res.PreviousBalance
		result.NewBalance = res.NewBalance
		transactionID = res.Transaction.ID
	} else {
		b, err := r.points.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if b != nil {
			result.PreviousBalance = b.CurrentBalance
			result.NewBalance = b.CurrentBalance
		}
	}

	claim, err := r.rewards.CreateClaim(ctx, userID, reward.ID, reward.PointCost)
	if err != nil {
		if reward.PointCost == 0 && errors.Is(err, store.ErrClaimExists) {
			return nil, ErrAlreadyClaimed
		}
		if reward.PointCost == 0 {
			return nil, fmt.Errorf("record claim: %w", err)
		}
		gerr := &GrantedButUnclaimedError{
			UserID:        userID,
			RewardID:      reward.ID,
			PointsSpent:   reward.PointCost,
			TransactionID: transactionID,
			Err:           err,
		}
		r.logger.Error("reward paid but not claimed",
			"user_id", userID,
			"reward_id", reward.ID,
			"points_spent", reward.PointCost,
			"transaction_id", transactionID,
			"error", err,
		)
		return nil, gerr
	}

	r.logger.Info("reward claimed",
		"user_id", userID,
		"reward_id", reward.ID,
		"points_spent", reward.PointCost,
		"new_balance", result.NewBalance,
	)

	result.Success = true
	result.Claim = claim
	return result, nil
}

// AvailableRewards lists active rewards inside their validity window, each
// marked with whether the user already holds an unused claim on it.
func (r *Rewards) AvailableRewards(ctx context.Context, userID string) ([]model.AvailableReward, error) {
	active, err := r.rewards.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	claimed := map[int64]bool{}
	if userID != "" {
		claimed, err = r.rewards.UnusedClaimRewardIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	now := r.now()
	available := make([]model.AvailableReward, 0, len(active))
	for _, rw := range active {
		if !rw.AvailableAt(now) {
			continue
		}
		available = append(available, model.AvailableReward{Reward: rw, Claimed: claimed[rw.ID]})
	}
	return available, nil
}

// MarkUsed flags a claim as fulfilled. It returns nil, nil when the claim does
// not exist or is already used.
func (r *Rewards) MarkUsed(ctx context.Context, claimID int64) (*model.ClaimedReward, error) {
	return r.rewards.MarkClaimUsed(ctx, claimID)
}

// Claims returns all of the user's claims, newest first.
func (r *Rewards) Claims(ctx context.Context, userID string) ([]model.ClaimedReward, error) {
	claims, err := r.rewards.ListClaimsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []model.ClaimedReward{}
	}
	return claims, nil
}
