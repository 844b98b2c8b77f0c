package service

import (
	"context"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/settings"
	"github.com/punchamoorthee/pointsledger/internal/tier"
	"github.com/shopspring/decimal"
)

// Engine is the operation-level API consumed by the HTTP layer and the
// binaries.
type Engine struct {
	Ledger      *Ledger
	Catalog     *Catalog
	Redemptions *Redemptions
	Sweeper     *Sweeper
	Settings    *settings.Store
}

// New wires the components over one set of dependencies. lease may be nil.
func New(d Deps, sweep SweepConfig, lease Lease) *Engine {
	ledger := NewLedger(d)
	catalog := NewCatalog(d)
	redemptions := NewRedemptions(d, ledger, catalog)
	return &Engine{
		Ledger:      ledger,
		Catalog:     catalog,
		Redemptions: redemptions,
		Sweeper:     NewSweeper(d, ledger, redemptions, lease, sweep),
		Settings:    d.Settings,
	}
}

// AccountView is an account with its resolved tier.
type AccountView struct {
	CustomerID     string          `json:"customer_id"`
	Balance        int64           `json:"balance"`
	LifetimeEarned int64           `json:"lifetime_earned"`
	Tier           tier.Tier       `json:"tier"`
	BalanceValue   decimal.Decimal `json:"balance_value"`
}

func (e *Engine) GetAccount(ctx context.Context, customerID string) (*AccountView, error) {
	acc, err := e.Ledger.GetBalance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	snap := e.Settings.Current()
	return &AccountView{
		CustomerID:     acc.CustomerID,
		Balance:        acc.Balance,
		LifetimeEarned: acc.LifetimeEarned,
		Tier:           snap.Tiers.Resolve(acc.LifetimeEarned),
		BalanceValue:   decimal.NewFromInt(acc.Balance).Mul(snap.Values.PointValue),
	}, nil
}

func (e *Engine) Earn(ctx context.Context, customerID string, orderAmount decimal.Decimal, description string, key IdempotencyKey) (*domain.Transaction, bool, error) {
	return e.Ledger.Earn(ctx, customerID, orderAmount, description, key)
}

func (e *Engine) Adjust(ctx context.Context, customerID string, delta int64, description string) (*domain.Transaction, error) {
	return e.Ledger.AppendAdjust(ctx, customerID, delta, description)
}

func (e *Engine) ListRewards(ctx context.Context, filter domain.RewardFilter) ([]domain.Reward, error) {
	return e.Catalog.ListRewards(ctx, filter)
}

func (e *Engine) Redeem(ctx context.Context, customerID string, rewardID int64, oc *domain.OrderContext, key IdempotencyKey) (*domain.Redemption, bool, error) {
	return e.Redemptions.Redeem(ctx, customerID, rewardID, oc, key)
}

func (e *Engine) Consume(ctx context.Context, code string, oc domain.OrderContext) (*domain.Redemption, error) {
	return e.Redemptions.Consume(ctx, code, oc)
}

func (e *Engine) GetTransactionHistory(ctx context.Context, customerID string, page domain.Page) ([]domain.Transaction, error) {
	return e.Ledger.History(ctx, customerID, page)
}

func (e *Engine) GetSettings() *settings.Snapshot {
	return e.Settings.Current()
}

func (e *Engine) UpdateSettings(ctx context.Context, values domain.Settings) (*settings.Snapshot, error) {
	return e.Settings.Update(ctx, values)
}
