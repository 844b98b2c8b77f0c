// Package app assembles the engine and its infrastructure from a Config.
package app

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/lease"
	"github.com/punchamoorthee/pointsledger/internal/service"
	"github.com/punchamoorthee/pointsledger/internal/settings"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/punchamoorthee/pointsledger/internal/tier"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type App struct {
	Store    store.Store
	Settings *settings.Store
	Events   events.Publisher
	Engine   *service.Engine

	closers []func()
}

// New connects every backing service named by cfg. Close releases them in
// reverse order.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store, err = openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	tiers := tier.Default()
	if cfg.TiersFile != "" {
		if tiers, err = tier.LoadFile(cfg.TiersFile); err != nil {
			return nil, err
		}
		log.WithField("file", cfg.TiersFile).Info("tier table loaded")
	}
	a.Settings = settings.New(a.Store, tiers, log)
	if err = a.Settings.Load(ctx); err != nil {
		return nil, err
	}

	if a.Events, err = openPublisher(cfg.Events); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.Events.Close(); err != nil {
			log.WithError(err).Warn("event publisher close failed")
		}
	})

	var sweepLease service.Lease
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { client.Close() })
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		sweepLease = lease.NewRedis(client, "pointsledger:lease:").Mutex(service.SweepLeaseName)
	}

	a.Engine = service.New(service.Deps{
		Store:    a.Store,
		Settings: a.Settings,
		Events:   a.Events,
		Logger:   log,
		Retry:    service.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
	}, service.SweepConfig{
		BatchSize:   cfg.Sweep.BatchSize,
		Concurrency: cfg.Sweep.Concurrency,
		LeaseTTL:    cfg.Sweep.LeaseTTL,
	}, sweepLease)

	log.WithFields(logrus.Fields{
		"storage":          cfg.Storage,
		"events_broker":    cfg.Events.Broker,
		"sweep_lease":      sweepLease != nil,
		"settings_version": a.Settings.Current().Version,
	}).Info("engine ready")
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.Store, error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource, cfg.MaxConns, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func openPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		return events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.BrokerAMQP:
		return events.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
	}
	return events.Noop{}, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
