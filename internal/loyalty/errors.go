package loyalty

import (
	"errors"
	"fmt"
)

// Business rejections. These are expected outcomes shown to the customer,
// not failures of the ledger.
var (
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrRewardNotFound     = errors.New("reward not found")
	ErrRewardUnavailable  = errors.New("reward unavailable")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// ErrLedgerInvariant marks a failed balance update or history append. The
// store rolls both back together, so the ledger is unchanged, but the caller
// must not report the points as granted or spent.
var ErrLedgerInvariant = errors.New("ledger write failed")

// GrantedButUnclaimedError is returned when a reward's points were deducted
// and committed but the claim row could not be written. The customer has paid
// for a reward they do not hold; this needs manual reconciliation.
type GrantedButUnclaimedError struct {
	UserID        string
	RewardID      int64
	PointsSpent   int64
	TransactionID int64
	Err           error
}

func (e *GrantedButUnclaimedError) Error() string {
	return fmt.Sprintf("reward %d: %d points deducted for user %s (transaction %d) but claim not recorded: %v",
		e.RewardID, e.PointsSpent, e.UserID, e.TransactionID, e.Err)
}

func (e *GrantedButUnclaimedError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is a business rejection rather than a
// system failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRewardUnavailable) ||
		errors.Is(err, ErrInvalidTransaction)
}
