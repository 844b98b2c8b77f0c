package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SweepLeaseName is the lease instances contend on before sweeping.
const SweepLeaseName = "expiry-sweep"

// Lease keeps two instances from sweeping at the same time.
type Lease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type SweepConfig struct {
	BatchSize   int
	Concurrency int
	LeaseTTL    time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

type SweepReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
	Skipped            bool          `json:"skipped"`
	AccountsScanned    int           `json:"accounts_scanned"`
	AccountsExpired    int           `json:"accounts_expired"`
	AccountsFailed     int           `json:"accounts_failed"`
	PointsExpired      int64         `json:"points_expired"`
	RedemptionsExpired int64         `json:"redemptions_expired"`
}

// Sweeper ages out points and stale redemption codes. Accounts are handled
// one unit of work each, never under a lock spanning the scan, so live
// traffic interleaves freely.
type Sweeper struct {
	d           *Deps
	ledger      *Ledger
	redemptions *Redemptions
	lease       Lease
	cfg         SweepConfig
}

// NewSweeper accepts a nil lease for single-instance deployments.
func NewSweeper(d Deps, ledger *Ledger, redemptions *Redemptions, lease Lease, cfg SweepConfig) *Sweeper {
	return &Sweeper{d: d.withDefaults(), ledger: ledger, redemptions: redemptions, lease: lease, cfg: cfg.withDefaults()}
}

// SweepOnce runs a full pass. Re-running it over unchanged history expires
// nothing further.
func (s *Sweeper) SweepOnce(ctx context.Context) (report *SweepReport, err error) {
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer func() { finish(span, err) }()
	timer := prometheus.NewTimer(sweepDuration)
	defer timer.ObserveDuration()

	started := time.Now()
	report = &SweepReport{StartedAt: s.d.Now()}
	defer func() {
		if report != nil {
			report.Duration = time.Since(started)
		}
	}()

	if s.lease != nil {
		release, ok, err := s.lease.TryAcquire(ctx, s.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			report.Skipped = true
			s.d.Logger.Info("expiry sweep skipped, lease held by another instance")
			return report, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.d.Logger.WithError(err).Warn("sweep lease release failed")
			}
		}()
	}

	if cutoff, ok := s.d.Settings.Current().Values.ExpiryCutoff(s.d.Now()); ok {
		if err := s.expireAccounts(ctx, cutoff, report); err != nil {
			return report, err
		}
	}

	n, err := s.redemptions.ExpireStale(ctx)
	if err != nil {
		return report, err
	}
	report.RedemptionsExpired = n

	s.d.Logger.WithFields(logrus.Fields{
		"accounts_scanned":    report.AccountsScanned,
		"accounts_expired":    report.AccountsExpired,
		"accounts_failed":     report.AccountsFailed,
		"points_expired":      report.PointsExpired,
		"redemptions_expired": report.RedemptionsExpired,
	}).Info("expiry sweep finished")
	return report, nil
}

func (s *Sweeper) expireAccounts(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	var mu sync.Mutex
	after := ""
	for {
		ids, err := s.d.Store.ListExpirableAccounts(ctx, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for _, id := range ids {
			g.Go(func() error {
				txn, err := s.ledger.ExpireAged(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				report.AccountsScanned++
				switch {
				case err != nil:
					// One account must not stall the rest; the next sweep retries it.
					report.AccountsFailed++
					s.d.Logger.WithError(err).WithField("customer_id", id).Warn("expire failed")
				case txn != nil:
					report.AccountsExpired++
					report.PointsExpired += -txn.Delta
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(ids) < s.cfg.BatchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.d.Logger.WithError(err).Error("expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
