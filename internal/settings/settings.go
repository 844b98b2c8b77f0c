// Package settings publishes the engine configuration as immutable,
// versioned snapshots. Readers hold on to the snapshot they started with;
// writers persist a new version and swap the pointer.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/tier"
	"github.com/sirupsen/logrus"
)

// Repository persists the settings record with optimistic versioning.
type Repository interface {
	// LoadSettings returns domain.ErrNotFound when nothing was saved yet.
	LoadSettings(ctx context.Context) (domain.SettingsRecord, error)
	// SaveSettings writes rec if the stored version equals rec.Version and
	// returns the new version, or domain.ErrConflict.
	SaveSettings(ctx context.Context, rec domain.SettingsRecord) (int64, error)
}

// Snapshot is never mutated after it is published.
type Snapshot struct {
	Version  int64           `json:"version"`
	Values   domain.Settings `json:"values"`
	Tiers    *tier.Table     `json:"-"`
	LoadedAt time.Time       `json:"loaded_at"`

	// storedTiers is the persisted table, nil while the configured one applies.
	storedTiers []byte
}

const saveAttempts = 3

type Store struct {
	repo       Repository
	configured *tier.Table
	log        logrus.FieldLogger
	current    atomic.Pointer[Snapshot]
	mu         sync.Mutex // serializes writers
}

// New starts with default values at version 0 until Load is called. tiers
// applies until a tier table is saved through UpdateTiers.
func New(repo Repository, tiers *tier.Table, log logrus.FieldLogger) *Store {
	if tiers == nil {
		tiers = tier.Default()
	}
	s := &Store{repo: repo, configured: tiers, log: log}
	s.current.Store(&Snapshot{Values: domain.DefaultSettings(), Tiers: tiers, LoadedAt: time.Now()})
	return s
}

// Current returns the latest published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Load reads the persisted record, seeding the defaults on first start.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.LoadSettings(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		rec = domain.SettingsRecord{Values: s.Current().Values}
		rec.Version, err = s.repo.SaveSettings(ctx, rec)
		if errors.Is(err, domain.ErrConflict) {
			// Another instance seeded first.
			rec, err = s.repo.LoadSettings(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	_, err = s.publishRecord(rec)
	return err
}

// Update validates and replaces the whole settings record. The tier table
// is carried over unchanged.
func (s *Store) Update(ctx context.Context, values domain.Settings) (*Snapshot, error) {
	if err := values.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.save(ctx, func(cur *Snapshot) domain.SettingsRecord {
		return domain.SettingsRecord{Values: values, Tiers: cur.storedTiers, Version: cur.Version}
	})
	if err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	s.log.WithFields(logrus.Fields{"version": snap.Version}).Info("settings updated")
	return snap, nil
}

// UpdateTiers validates and persists a new tier table next to the settings
// values, bumping the version so other instances pick it up on Refresh.
func (s *Store) UpdateTiers(ctx context.Context, tiers []tier.Tier) (*Snapshot, error) {
	table, err := tier.NewTable(tiers)
	if err != nil {
		return nil, domain.Invalid("tiers", err.Error())
	}
	body, err := json.Marshal(table.Tiers())
	if err != nil {
		return nil, fmt.Errorf("encode tiers: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.save(ctx, func(cur *Snapshot) domain.SettingsRecord {
		return domain.SettingsRecord{Values: cur.Values, Tiers: body, Version: cur.Version}
	})
	if err != nil {
		return nil, fmt.Errorf("save tiers: %w", err)
	}
	s.log.WithFields(logrus.Fields{"version": snap.Version, "tiers": len(tiers)}).Info("tier table updated")
	return snap, nil
}

// save writes the record built from the current snapshot, catching up with
// newer versions written elsewhere before retrying. s.mu must be held.
func (s *Store) save(ctx context.Context, build func(cur *Snapshot) domain.SettingsRecord) (*Snapshot, error) {
	for attempt := 1; ; attempt++ {
		rec := build(s.Current())
		version, err := s.repo.SaveSettings(ctx, rec)
		if err == nil {
			rec.Version = version
			return s.publishRecord(rec)
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == saveAttempts {
			return nil, err
		}
		stored, lerr := s.repo.LoadSettings(ctx)
		if lerr != nil {
			return nil, fmt.Errorf("reload settings: %w", lerr)
		}
		if _, perr := s.publishRecord(stored); perr != nil {
			return nil, perr
		}
	}
}

// Refresh picks up versions written by other instances, tier table included.
func (s *Store) Refresh(ctx context.Context) error {
	rec, err := s.repo.LoadSettings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version > s.Current().Version {
		if _, err := s.publishRecord(rec); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"version": rec.Version}).Info("settings refreshed")
	}
	return nil
}

// Watch refreshes on every tick until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("settings refresh failed")
			}
		}
	}
}

func (s *Store) publishRecord(rec domain.SettingsRecord) (*Snapshot, error) {
	table := s.configured
	if rec.Tiers != nil {
		var tiers []tier.Tier
		if err := json.Unmarshal(rec.Tiers, &tiers); err != nil {
			return nil, fmt.Errorf("decode stored tiers: %w", err)
		}
		var err error
		if table, err = tier.NewTable(tiers); err != nil {
			return nil, fmt.Errorf("stored tiers: %w", err)
		}
	}
	snap := &Snapshot{
		Version:     rec.Version,
		Values:      rec.Values,
		Tiers:       table,
		LoadedAt:    time.Now(),
		storedTiers: rec.Tiers,
	}
	s.current.Store(snap)
	return snap, nil
}
