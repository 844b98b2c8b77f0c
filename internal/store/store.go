// Package store persists accounts, transactions, rewards, redemptions and
// settings. Every mutation of an account happens inside InTx while the
// account row is locked.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// Store is implemented by Postgres and Memory.
type Store interface {
	// InTx runs fn in one all-or-nothing unit. Any error from fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, customerID string) (*domain.Account, error)
	// ListTransactions returns history newest first.
	ListTransactions(ctx context.Context, customerID string, page domain.Page) ([]domain.Transaction, error)
	GetReward(ctx context.Context, id int64) (*domain.Reward, error)
	ListRewards(ctx context.Context, filter domain.RewardFilter) ([]domain.Reward, error)
	GetRedemptionByCode(ctx context.Context, code string) (*domain.Redemption, error)
	// ListExpirableAccounts pages through accounts with a positive balance
	// and at least one credit dated at or before cutoff, ordered by id.
	ListExpirableAccounts(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]string, error)
	// ExpireRedemptions moves active redemptions past their expiry to expired.
	ExpireRedemptions(ctx context.Context, now time.Time) (int64, error)

	// LoadSettings returns domain.ErrNotFound until the first save.
	LoadSettings(ctx context.Context) (domain.SettingsRecord, error)
	// SaveSettings writes rec if the stored version equals rec.Version (zero
	// for the first save) and returns the new version, or domain.ErrConflict.
	SaveSettings(ctx context.Context, rec domain.SettingsRecord) (int64, error)

	Close()
}

// Tx is the write surface available inside InTx.
type Tx interface {
	// LockAccount locks the account for the rest of the unit, creating it
	// with a zero balance on first use.
	LockAccount(ctx context.Context, customerID string) (*domain.Account, error)
	SaveAccount(ctx context.Context, acc *domain.Account) error
	// AccountTransactions returns the full history oldest first.
	AccountTransactions(ctx context.Context, customerID string) ([]domain.Transaction, error)
	// InsertTransaction assigns t.ID.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error

	GetReward(ctx context.Context, id int64) (*domain.Reward, error)
	// IncrementRewardUsage bumps used_count unless the limit is reached, in
	// which case it returns domain.ErrUsageLimitExceeded.
	IncrementRewardUsage(ctx context.Context, id int64) (int64, error)
	// CreateReward assigns r.ID.
	CreateReward(ctx context.Context, r *domain.Reward) error
	// LockReward reads a reward and holds it against concurrent edits.
	LockReward(ctx context.Context, id int64) (*domain.Reward, error)
	UpdateReward(ctx context.Context, r *domain.Reward) error

	// InsertRedemption returns domain.ErrDuplicateCode on a code collision
	// without aborting the unit.
	InsertRedemption(ctx context.Context, r *domain.Redemption) error
	LockRedemptionByCode(ctx context.Context, code string) (*domain.Redemption, error)
	UpdateRedemption(ctx context.Context, r *domain.Redemption) error

	// ClaimIdempotencyKey returns the completed record for key, or nil after
	// reserving it for this unit.
	ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error
}
