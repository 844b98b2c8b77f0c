package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresAgedPointsOnce(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "c1", "100")

	f.clock.Advance(days(366))
	report, err := f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsExpired)
	assert.EqualValues(t, 100, report.PointsExpired)

	acc, err := f.engine.Ledger.GetBalance(f.ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)
	assert.EqualValues(t, 100, acc.LifetimeEarned)

	report, err = f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PointsExpired)
	assert.Zero(t, f.balance(t, "c1"))
	f.assertConsistent(t, "c1")
}

func TestSweepUsesFIFOConsumption(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "c1", "100")
	f.clock.Advance(days(200))
	_, err := f.engine.Ledger.AppendSpend(f.ctx, "c1", 30, "manual", nil)
	require.NoError(t, err)
	f.earn(t, "c1", "50")

	f.clock.Advance(days(166))
	_, err = f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, f.balance(t, "c1"))

	history, err := f.engine.GetTransactionHistory(f.ctx, "c1", domain.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.KindExpire, history[0].Kind)
	assert.EqualValues(t, -70, history[0].Delta)

	_, err = f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, f.balance(t, "c1"))
	f.assertConsistent(t, "c1")
}

func TestSweepPagesThroughAccounts(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.earn(t, fmt.Sprintf("c%d", i), "10")
	}
	f.earn(t, "fresh", "10")
	f.clock.Advance(days(366))
	f.earn(t, "fresh", "10")

	report, err := f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 5+1, report.AccountsScanned)
	assert.Equal(t, 6, report.AccountsExpired)
	assert.EqualValues(t, 60, report.PointsExpired)
	assert.Zero(t, report.AccountsFailed)
	assert.EqualValues(t, 10, f.balance(t, "fresh"))
}

func TestSweepExpiresStaleRedemptions(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "c1", "100")
	r := f.reward(t, 60, nil)
	red, _, err := f.engine.Redeem(f.ctx, "c1", r.ID, nil, IdempotencyKey{})
	require.NoError(t, err)

	f.clock.Advance(days(31))
	report, err := f.engine.Sweeper.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.RedemptionsExpired)

	stored, err := f.engine.Redemptions.Get(f.ctx, red.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionExpired, stored.Status)
	assert.EqualValues(t, 40, f.balance(t, "c1"))
}

func TestSweepSkipsWithoutLease(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "c1", "100")
	f.clock.Advance(days(366))

	held := &fakeLease{deny: true}
	s := NewSweeper(f.deps, f.engine.Ledger, f.engine.Redemptions, held, SweepConfig{})
	report, err := s.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.EqualValues(t, 100, f.balance(t, "c1"))

	free := &fakeLease{}
	s = NewSweeper(f.deps, f.engine.Ledger, f.engine.Redemptions, free, SweepConfig{})
	report, err = s.SweepOnce(f.ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Zero(t, f.balance(t, "c1"))
	assert.Equal(t, 1, free.acquired)
	assert.Equal(t, 1, free.released)

	broken := &fakeLease{err: errors.New("redis down")}
	s = NewSweeper(f.deps, f.engine.Ledger, f.engine.Redemptions, broken, SweepConfig{})
	_, err = s.SweepOnce(f.ctx)
	assert.Error(t, err)
}
