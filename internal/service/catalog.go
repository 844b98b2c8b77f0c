package service

import (
	"context"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/sirupsen/logrus"
)

// Catalog manages reward definitions. The engine itself only reads rewards
// and bumps their usage count inside a redemption.
type Catalog struct {
	d *Deps
}

func NewCatalog(d Deps) *Catalog {
	return &Catalog{d: d.withDefaults()}
}

func (c *Catalog) GetReward(ctx context.Context, id int64) (*domain.Reward, error) {
	if id <= 0 {
		return nil, domain.Invalid("reward_id", "must be positive")
	}
	return c.d.Store.GetReward(ctx, id)
}

// GetActiveReward fails with domain.ErrRewardInactive or
// domain.ErrRewardOutOfWindow when the reward cannot be redeemed now.
func (c *Catalog) GetActiveReward(ctx context.Context, id int64) (*domain.Reward, error) {
	r, err := c.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Availability(c.d.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Catalog) ListRewards(ctx context.Context, filter domain.RewardFilter) ([]domain.Reward, error) {
	rewards, err := c.d.Store.ListRewards(ctx, filter)
	if rewards == nil && err == nil {
		rewards = []domain.Reward{}
	}
	return rewards, err
}

func (c *Catalog) CreateReward(ctx context.Context, spec domain.RewardSpec) (*domain.Reward, error) {
	if spec.Status == "" {
		spec.Status = domain.RewardActive
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := c.d.Now()
	r := &domain.Reward{RewardSpec: spec, Version: 1, CreatedAt: now, UpdatedAt: now}
	err := c.d.Retry.Do(ctx, "create_reward", func() error {
		return c.d.Store.InTx(ctx, func(tx store.Tx) error {
			return tx.CreateReward(ctx, r)
		})
	})
	if err != nil {
		return nil, err
	}
	c.d.Logger.WithFields(logrus.Fields{"reward_id": r.ID, "reward_type": r.Type}).Info("reward created")
	return r, nil
}

// UpdateReward replaces the definition and bumps its version. used_count is
// preserved and usage_limit may not drop below it. An empty status keeps the
// current one.
func (c *Catalog) UpdateReward(ctx context.Context, id int64, spec domain.RewardSpec) (*domain.Reward, error) {
	return c.modify(ctx, id, func(r *domain.Reward) error {
		if spec.Status == "" {
			spec.Status = r.Status
		}
		r.RewardSpec = spec
		return nil
	})
}

func (c *Catalog) SetStatus(ctx context.Context, id int64, status domain.RewardStatus) (*domain.Reward, error) {
	return c.modify(ctx, id, func(r *domain.Reward) error {
		r.Status = status
		return nil
	})
}

func (c *Catalog) modify(ctx context.Context, id int64, change func(r *domain.Reward) error) (*domain.Reward, error) {
	if id <= 0 {
		return nil, domain.Invalid("reward_id", "must be positive")
	}
	var out *domain.Reward
	err := c.d.Retry.Do(ctx, "update_reward", func() error {
		return c.d.Store.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.LockReward(ctx, id)
			if err != nil {
				return err
			}
			if err := change(r); err != nil {
				return err
			}
			if err := r.Validate(); err != nil {
				return err
			}
			if r.UsageLimit != nil && *r.UsageLimit < r.UsedCount {
				return domain.Invalid("usage_limit", "cannot be lower than the current used_count")
			}
			r.Version++
			r.UpdatedAt = c.d.Now()
			if err := tx.UpdateReward(ctx, r); err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	c.d.Logger.WithFields(logrus.Fields{"reward_id": id, "version": out.Version}).Info("reward updated")
	return out, nil
}

// incrementUsage must run inside the redemption's unit of work. The store
// re-checks the limit at write time.
func (c *Catalog) incrementUsage(ctx context.Context, tx store.Tx, id int64) error {
	_, err := tx.IncrementRewardUsage(ctx, id)
	return err
}
