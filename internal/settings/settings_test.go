package settings

import (
	"context"
	"io"
	"testing"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/punchamoorthee/pointsledger/internal/tier"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// racingRepo lets another writer sneak in a version before the next save.
type racingRepo struct {
	*store.Memory
	races int
}

func (r *racingRepo) SaveSettings(ctx context.Context, rec domain.SettingsRecord) (int64, error) {
	if r.races > 0 {
		r.races--
		if _, err := r.Memory.SaveSettings(ctx, domain.SettingsRecord{Values: domain.DefaultSettings(), Version: rec.Version}); err != nil {
			return 0, err
		}
	}
	return r.Memory.SaveSettings(ctx, rec)
}

func TestLoadSeedsDefaults(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	s := New(repo, nil, quietLogger())
	require.NoError(t, s.Load(ctx))

	snap := s.Current()
	assert.EqualValues(t, 1, snap.Version)
	assert.True(t, snap.Values.PointValue.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "Bronze", snap.Tiers.Resolve(0).Name)

	stored, err := repo.LoadSettings(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)
	assert.Equal(t, 365, stored.Values.PointsExpiryDays)
	assert.Nil(t, stored.Tiers)
}

func TestUpdatePublishesNewSnapshot(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory(), nil, quietLogger())
	require.NoError(t, s.Load(ctx))
	before := s.Current()

	values := domain.DefaultSettings()
	values.MinPointsRedeem = 100
	after, err := s.Update(ctx, values)
	require.NoError(t, err)

	assert.EqualValues(t, 2, after.Version)
	assert.EqualValues(t, 100, s.Current().Values.MinPointsRedeem)
	// Readers holding the old snapshot are unaffected.
	assert.EqualValues(t, 1, before.Version)
	assert.EqualValues(t, 0, before.Values.MinPointsRedeem)
}

func TestUpdateRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory(), nil, quietLogger())
	require.NoError(t, s.Load(ctx))

	values := domain.DefaultSettings()
	values.PointValue = decimal.Zero
	_, err := s.Update(ctx, values)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.EqualValues(t, 1, s.Current().Version)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepo{Memory: store.NewMemory()}
	s := New(repo, nil, quietLogger())
	require.NoError(t, s.Load(ctx))

	repo.races = 1
	values := domain.DefaultSettings()
	values.PointsExpiryDays = 90
	snap, err := s.Update(ctx, values)
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Version)
	assert.Equal(t, 90, snap.Values.PointsExpiryDays)
}

func TestUpdateTiersRejectsInvalidTable(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory(), nil, quietLogger())
	require.NoError(t, s.Load(ctx))
	upper := int64(100)
	_, err := s.UpdateTiers(ctx, []tier.Tier{
		{Name: "A", MinPoints: 0, MaxPoints: &upper, Multiplier: decimal.NewFromInt(1)},
		{Name: "B", MinPoints: 50, Multiplier: decimal.NewFromInt(1)},
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, "Bronze", s.Current().Tiers.Resolve(0).Name)
	assert.EqualValues(t, 1, s.Current().Version)

	snap, err := s.UpdateTiers(ctx, []tier.Tier{
		{Name: "A", MinPoints: 0, MaxPoints: &upper, Multiplier: decimal.NewFromInt(1)},
		{Name: "B", MinPoints: 100, Multiplier: decimal.NewFromInt(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", snap.Tiers.Resolve(100).Name)
	assert.EqualValues(t, 2, snap.Version)
}

func TestTierTableIsSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	a := New(repo, nil, quietLogger())
	b := New(repo, nil, quietLogger())
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	_, err := a.UpdateTiers(ctx, []tier.Tier{{Name: "Only", MinPoints: 0, Multiplier: decimal.NewFromInt(2)}})
	require.NoError(t, err)

	assert.Equal(t, "Bronze", b.Current().Tiers.Resolve(0).Name)
	require.NoError(t, b.Refresh(ctx))
	assert.Equal(t, "Only", b.Current().Tiers.Resolve(0).Name)
	assert.True(t, b.Current().Tiers.Resolve(5000).Multiplier.Equal(decimal.NewFromInt(2)))

	restarted := New(repo, nil, quietLogger())
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, "Only", restarted.Current().Tiers.Resolve(0).Name)

	// A later settings update keeps the stored table.
	values := domain.DefaultSettings()
	values.MinPointsRedeem = 10
	snap, err := b.Update(ctx, values)
	require.NoError(t, err)
	assert.Equal(t, "Only", snap.Tiers.Resolve(0).Name)
	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, "Only", a.Current().Tiers.Resolve(0).Name)
	assert.EqualValues(t, 10, a.Current().Values.MinPointsRedeem)
}

func TestConfiguredTiersApplyUntilSaved(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	custom, err := tier.NewTable([]tier.Tier{{Name: "House", MinPoints: 0, Multiplier: decimal.NewFromInt(1)}})
	require.NoError(t, err)

	s := New(repo, custom, quietLogger())
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, "House", s.Current().Tiers.Resolve(0).Name)
}

func TestRefreshPicksUpNewerVersion(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	a := New(repo, nil, quietLogger())
	b := New(repo, nil, quietLogger())
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	values := domain.DefaultSettings()
	values.RedemptionValidityDays = 7
	_, err := a.Update(ctx, values)
	require.NoError(t, err)

	assert.Equal(t, 30, b.Current().Values.RedemptionValidityDays)
	require.NoError(t, b.Refresh(ctx))
	assert.Equal(t, 7, b.Current().Values.RedemptionValidityDays)
	assert.EqualValues(t, 2, b.Current().Version)
}
