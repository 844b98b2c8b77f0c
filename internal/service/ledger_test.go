package service

import (
	"math"
	"testing"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownCustomerReadsAsZeroAccount(t *testing.T) {
	f := newFixture(t)

	view, err := f.engine.GetAccount(f.ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, view.Balance)
	assert.Equal(t, "Bronze", view.Tier.Name)

	history, err := f.engine.GetTransactionHistory(f.ctx, "nobody", domain.Page{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAppendRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	l := f.engine.Ledger

	_, err := l.AppendEarn(f.ctx, "c1", 0, "")
	assert.True(t, domain.IsValidation(err))
	_, err = l.AppendSpend(f.ctx, "c1", -5, "", nil)
	assert.True(t, domain.IsValidation(err))
	_, err = l.AppendAdjust(f.ctx, "c1", 10, "")
	assert.True(t, domain.IsValidation(err))
	_, err = l.AppendEarn(f.ctx, "", 10, "")
	assert.True(t, domain.IsValidation(err))
}

func TestAppendSpendInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	l := f.engine.Ledger

	_, err := l.AppendEarn(f.ctx, "c1", 50, "welcome")
	require.NoError(t, err)

	_, err = l.AppendSpend(f.ctx, "c1", 51, "too much", nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = l.AppendAdjust(f.ctx, "c1", -51, "correction")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.EqualValues(t, 50, f.balance(t, "c1"))

	_, err = l.AppendSpend(f.ctx, "c1", 50, "all of it", nil)
	require.NoError(t, err)
	assert.Zero(t, f.balance(t, "c1"))
	f.assertConsistent(t, "c1")
}

func TestAdjustDoesNotCountAsLifetimeEarned(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Adjust(f.ctx, "c1", 30, "goodwill")
	require.NoError(t, err)
	acc, err := f.engine.Ledger.GetBalance(f.ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 30, acc.Balance)
	assert.Zero(t, acc.LifetimeEarned)
	assert.Equal(t, []events.Type{events.PointsAdjusted}, f.events.Types())
}

func TestHistoryIsNewestFirstAndPages(t *testing.T) {
	f := newFixture(t)
	for _, amt := range []string{"10", "20", "30"} {
		f.earn(t, "c1", amt)
	}

	first, err := f.engine.GetTransactionHistory(f.ctx, "c1", domain.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.EqualValues(t, 30, first[0].Delta)
	assert.EqualValues(t, 20, first[1].Delta)

	rest, err := f.engine.GetTransactionHistory(f.ctx, "c1", domain.Page{Limit: 2, BeforeID: first[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.EqualValues(t, 10, rest[0].Delta)

	_, err = f.engine.GetTransactionHistory(f.ctx, "c1", domain.Page{BeforeID: -1})
	assert.True(t, domain.IsValidation(err))
}

func TestEarnAppliesTierMultiplier(t *testing.T) {
	f := newFixture(t)

	txn := f.earn(t, "c1", "1000")
	assert.EqualValues(t, 1000, txn.Delta)

	// Now Silver at 1.25x.
	txn = f.earn(t, "c1", "100")
	assert.EqualValues(t, 125, txn.Delta)

	view, err := f.engine.GetAccount(f.ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1125, view.LifetimeEarned)
	assert.Equal(t, "Silver", view.Tier.Name)
	assert.True(t, dec("11.25").Equal(view.BalanceValue), view.BalanceValue.String())
}

func TestEarnRespectsSettings(t *testing.T) {
	f := newFixture(t)
	values := f.engine.GetSettings().Values
	values.PointsPerCurrency = dec("2")
	values.MinOrderPoints = dec("10")
	_, err := f.engine.UpdateSettings(f.ctx, values)
	require.NoError(t, err)

	_, _, err = f.engine.Earn(f.ctx, "c1", dec("9.99"), "", IdempotencyKey{})
	assert.True(t, domain.IsValidation(err))

	txn := f.earn(t, "c1", "12.75")
	assert.EqualValues(t, 25, txn.Delta)

	_, _, err = f.engine.Earn(f.ctx, "c1", dec("-1"), "", IdempotencyKey{})
	assert.True(t, domain.IsValidation(err))
}

func TestEarnIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	key := IdempotencyKey{Key: "order-1", RequestHash: "h1"}

	first, replayed, err := f.engine.Earn(f.ctx, "c1", dec("100"), "", key)
	require.NoError(t, err)
	assert.False(t, replayed)

	again, replayed, err := f.engine.Earn(f.ctx, "c1", dec("100"), "", key)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.EqualValues(t, 100, f.balance(t, "c1"))
	assert.Len(t, f.events.Events(), 1)

	_, _, err = f.engine.Earn(f.ctx, "c1", dec("200"), "", IdempotencyKey{Key: "order-1", RequestHash: "h2"})
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestAppendExpireIsCappedToAgedPoints(t *testing.T) {
	f := newFixture(t)
	l := f.engine.Ledger
	f.earn(t, "c1", "100")

	txn, err := l.AppendExpire(f.ctx, "c1", 10, "")
	require.NoError(t, err)
	assert.Nil(t, txn, "nothing has aged yet")

	f.clock.Advance(days(366))
	f.earn(t, "c1", "20")

	txn, err = l.AppendExpire(f.ctx, "c1", 500, "")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.EqualValues(t, -100, txn.Delta)
	assert.Equal(t, domain.KindExpire, txn.Kind)

	txn, err = l.AppendExpire(f.ctx, "c1", 500, "")
	require.NoError(t, err)
	assert.Nil(t, txn)

	acc, err := l.GetBalance(f.ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, acc.Balance)
	assert.EqualValues(t, 120, acc.LifetimeEarned)
	f.assertConsistent(t, "c1")
}

func TestExpireDisabledWhenWindowIsZero(t *testing.T) {
	f := newFixture(t)
	values := f.engine.GetSettings().Values
	values.PointsExpiryDays = 0
	_, err := f.engine.UpdateSettings(f.ctx, values)
	require.NoError(t, err)

	f.earn(t, "c1", "100")
	f.clock.Advance(days(5000))
	txn, err := f.engine.Ledger.ExpireAged(f.ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.EqualValues(t, 100, f.balance(t, "c1"))
}

func TestVerifyUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Ledger.Verify(f.ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEarnRejectsOrderThatWouldOverflow(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "c1", "100")

	_, _, err := f.engine.Earn(f.ctx, "c1", dec("10000000000000000000000000"), "", IdempotencyKey{})
	assert.True(t, domain.IsValidation(err))
	assert.NotErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.EqualValues(t, 100, f.balance(t, "c1"))
	f.assertConsistent(t, "c1")
}

func TestCreditNearMaxBalanceIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Adjust(f.ctx, "c1", math.MaxInt64-5, "migration")
	require.NoError(t, err)

	_, _, err = f.engine.Earn(f.ctx, "c1", dec("100"), "", IdempotencyKey{})
	assert.True(t, domain.IsValidation(err))
	_, err = f.engine.Adjust(f.ctx, "c1", 6, "goodwill")
	assert.True(t, domain.IsValidation(err))
	assert.NotErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = f.engine.Adjust(f.ctx, "c1", 5, "goodwill")
	require.NoError(t, err)
	assert.EqualValues(t, int64(math.MaxInt64), f.balance(t, "c1"))
}

func TestAccountsAreStampedWithEngineClock(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now()
	f.earn(t, "c1", "10")

	acc, err := f.engine.Ledger.GetBalance(f.ctx, "c1")
	require.NoError(t, err)
	assert.True(t, acc.CreatedAt.Equal(at))
}
