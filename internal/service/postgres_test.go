package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/settings"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server:
// POSTGRES_TEST_DSN=postgres://localhost/pointsledger_test go test ./internal/service
func newPostgresEngine(t *testing.T) *Engine {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)

	pg, err := store.NewPostgres(ctx, dsn, 16, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))

	st := settings.New(pg, nil, log)
	require.NoError(t, st.Load(ctx))
	// A single attempt: row locks alone must keep these units from aborting.
	return New(Deps{Store: pg, Settings: st, Logger: log, Retry: RetryPolicy{Attempts: 1}}, SweepConfig{}, nil)
}

func postgresReward(t *testing.T, e *Engine, usageLimit *int64) *domain.Reward {
	t.Helper()
	now := time.Now()
	r, err := e.Catalog.CreateReward(context.Background(), domain.RewardSpec{
		Name:       "Free delivery",
		PointsCost: 10,
		Type:       domain.RewardFreeDelivery,
		UsageLimit: usageLimit,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return r
}

func redeemConcurrently(e *Engine, rewardID int64, customers []string) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(customers))
	for i, id := range customers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = e.Redeem(context.Background(), id, rewardID, nil, IdempotencyKey{})
		}()
	}
	wg.Wait()
	return errs
}

func seededCustomers(t *testing.T, e *Engine, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("pg-svc-%s", uuid.NewString())
		_, err := e.Adjust(context.Background(), ids[i], 100, "seed")
		require.NoError(t, err)
	}
	return ids
}

func TestPostgresConcurrentRedeemOfLastUnit(t *testing.T) {
	e := newPostgresEngine(t)
	r := postgresReward(t, e, limit(1))
	customers := seededCustomers(t, e, 2)

	var ok, exceeded int
	for _, err := range redeemConcurrently(e, r.ID, customers) {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrUsageLimitExceeded):
			exceeded++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)

	stored, err := e.Catalog.GetReward(context.Background(), r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.UsedCount)

	var total int64
	for _, id := range customers {
		acc, err := e.Ledger.GetBalance(context.Background(), id)
		require.NoError(t, err)
		total += acc.Balance
		rec, err := e.Ledger.Verify(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, rec.Consistent)
	}
	assert.EqualValues(t, 190, total)
}

func TestPostgresConcurrentRedeemsOfOneRewardAllCommit(t *testing.T) {
	e := newPostgresEngine(t)
	r := postgresReward(t, e, nil)
	customers := seededCustomers(t, e, 8)

	for _, err := range redeemConcurrently(e, r.ID, customers) {
		assert.NoError(t, err)
	}

	stored, err := e.Catalog.GetReward(context.Background(), r.ID)
	require.NoError(t, err)
	assert.EqualValues(t, len(customers), stored.UsedCount)
	for _, id := range customers {
		acc, err := e.Ledger.GetBalance(context.Background(), id)
		require.NoError(t, err)
		assert.EqualValues(t, 90, acc.Balance)
	}
}
