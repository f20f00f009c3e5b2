package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/model"
)

// ErrClaimExists is returned when the user already holds an unused claim on
// the reward.
var ErrClaimExists = errors.New("unused claim already exists")

type RewardStore struct {
	db *sql.DB
}

func NewRewardStore(db *sql.DB) *RewardStore {
	return &RewardStore{db: db}
}

// --- Reward methods ---

func scanReward(scanner interface{ Scan(...any) error }) (*model.Reward, error) {
	var r model.Reward
	var active int
	var typ string
	var validFrom, validUntil sql.NullTime

	err := scanner.Scan(&r.ID, &r.Title, &r.Description, &r.PointCost, &typ, &active, &validFrom, &validUntil, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	r.Type = model.RewardType(typ)
	r.Active = active != 0
	if validFrom.Valid {
		r.ValidFrom = &validFrom.Time
	}
	if validUntil.Valid {
		r.ValidUntil = &validUntil.Time
	}
	return &r, nil
}

const rewardCols = `id, title, description, point_cost, type, active, valid_from, valid_until, created_at`

func rewardArgs(in model.RewardInput) (typ string, active int, from, until sql.NullTime) {
	typ = string(in.Type)
	if typ == "" {
		typ = string(model.RewardDiscount)
	}
	if in.Active {
		active = 1
	}
	if in.ValidFrom != nil {
		from = sql.NullTime{Time: in.ValidFrom.UTC(), Valid: true}
	}
	if in.ValidUntil != nil {
		until = sql.NullTime{Time: in.ValidUntil.UTC(), Valid: true}
	}
	return typ, active, from, until
}

func (s *RewardStore) Create(ctx context.Context, in model.RewardInput) (*model.Reward, error) {
	typ, active, from, until := rewardArgs(in)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rewards (title, description, point_cost, type, active, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.Title, in.Description, in.PointCost, typ, active, from, until,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *RewardStore) GetByID(ctx context.Context, id int64) (*model.Reward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardCols+` FROM rewards WHERE id = ?`, id)
	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return r, nil
}

// GetByTitle returns the first reward with the given title, or nil.
func (s *RewardStore) GetByTitle(ctx context.Context, title string) (*model.Reward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardCols+` FROM rewards WHERE title = ? ORDER BY id LIMIT 1`, title)
	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward by title: %w", err)
	}
	return r, nil
}

func (s *RewardStore) list(ctx context.Context, query string, args ...any) ([]model.Reward, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rewards []model.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		rewards = append(rewards, *r)
	}
	return rewards, rows.Err()
}

// List returns all rewards, active first, then by point cost and title.
func (s *RewardStore) List(ctx context.Context) ([]model.Reward, error) {
	rewards, err := s.list(ctx, `SELECT `+rewardCols+` FROM rewards ORDER BY active DESC, point_cost ASC, title ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	return rewards, nil
}

// ListActive returns only active rewards, cheapest first. Validity windows are
// checked by the caller.
func (s *RewardStore) ListActive(ctx context.Context) ([]model.Reward, error) {
	rewards, err := s.list(ctx, `SELECT `+rewardCols+` FROM rewards WHERE active = 1 ORDER BY point_cost ASC, title ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active rewards: %w", err)
	}
	return rewards, nil
}

func (s *RewardStore) Update(ctx context.Context, id int64, in model.RewardInput) (*model.Reward, error) {
	typ, active, from, until := rewardArgs(in)

	_, err := s.db.ExecContext(ctx,
		`UPDATE rewards SET title = ?, description = ?, point_cost = ?, type = ?, active = ?, valid_from = ?, valid_until = ?
		WHERE id = ?`,
		in.Title, in.Description, in.PointCost, typ, active, from, until, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update reward: %w", err)
	}
	return s.GetByID(ctx, id)
}

// Delete removes a reward nobody has claimed. A reward with claims is
// archived instead (made inactive) so the claims, and the points spent on
// them, stay on record. archived reports which of the two happened.
func (s *RewardStore) Delete(ctx context.Context, id int64) (archived bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var claims int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_claimed_rewards WHERE reward_id = ?`, id).Scan(&claims)
	if err != nil {
		return false, fmt.Errorf("count claims: %w", err)
	}

	if claims > 0 {
		_, err = tx.ExecContext(ctx, `UPDATE rewards SET active = 0 WHERE id = ?`, id)
		if err != nil {
			return false, fmt.Errorf("archive reward: %w", err)
		}
		archived = true
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM rewards WHERE id = ?`, id)
		if err != nil {
			return false, fmt.Errorf("delete reward: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete reward: %w", err)
	}
	return archived, nil
}

// --- Claim methods ---

func scanClaim(scanner interface{ Scan(...any) error }) (*model.ClaimedReward, error) {
	var c model.ClaimedReward
	var used int
	var usedAt sql.NullTime

	err := scanner.Scan(&c.ID, &c.UserID, &c.RewardID, &c.PointsSpent, &c.ClaimedAt, &used, &usedAt)
	if err != nil {
		return nil, err
	}

	c.Used = used != 0
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	return &c, nil
}

const claimCols = `id, user_id, reward_id, points_spent, claimed_at, is_used, used_at`

// CreateClaim records that the user claimed the reward. It fails with
// ErrClaimExists if an unused claim is already present.
func (s *RewardStore) CreateClaim(ctx context.Context, userID string, rewardID, pointsSpent int64) (*model.ClaimedReward, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO user_claimed_rewards (user_id, reward_id, points_spent) VALUES (?, ?, ?)`,
		userID, rewardID, pointsSpent,
	)
	if database.IsUniqueViolation(err) {
		return nil, ErrClaimExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetClaim(ctx, id)
}

func (s *RewardStore) GetClaim(ctx context.Context, id int64) (*model.ClaimedReward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimCols+` FROM user_claimed_rewards WHERE id = ?`, id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// GetUnusedClaim returns the user's unused claim on the reward, or nil.
func (s *RewardStore) GetUnusedClaim(ctx context.Context, userID string, rewardID int64) (*model.ClaimedReward, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimCols+` FROM user_claimed_rewards WHERE user_id = ? AND reward_id = ? AND is_used = 0`,
		userID, rewardID,
	)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unused claim: %w", err)
	}
	return c, nil
}

// UnusedClaimRewardIDs returns the set of reward ids the user holds an unused
// claim on.
func (s *RewardStore) UnusedClaimRewardIDs(ctx context.Context, userID string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reward_id FROM user_claimed_rewards WHERE user_id = ? AND is_used = 0`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unused claims: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unused claim: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func (s *RewardStore) ListClaimsByUser(ctx context.Context, userID string) ([]model.ClaimedReward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimCols+` FROM user_claimed_rewards WHERE user_id = ? ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list claims by user: %w", err)
	}
	defer rows.Close()

	var claims []model.ClaimedReward
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

// MarkClaimUsed flags an unused claim as fulfilled. It returns nil, nil if the
// claim does not exist or was already used.
func (s *RewardStore) MarkClaimUsed(ctx context.Context, id int64) (*model.ClaimedReward, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_claimed_rewards SET is_used = 1, used_at = CURRENT_TIMESTAMP WHERE id = ? AND is_used = 0`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("mark claim used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetClaim(ctx, id)
}
