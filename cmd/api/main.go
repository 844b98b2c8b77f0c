package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/pointsledger/internal/api"
	"github.com/punchamoorthee/pointsledger/internal/app"
	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/logger"
	"github.com/punchamoorthee/pointsledger/internal/tracing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracerProvider("points-ledger", cfg.JaegerEndpoint)
	if err != nil {
		log.WithError(err).Fatal("Unable to initialize tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Unable to start engine")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(a.Engine, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"port": cfg.Port, "env": cfg.Env}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("Server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Sweep.Interval > 0 {
		g.Go(func() error {
			return a.Engine.Sweeper.Run(gctx, cfg.Sweep.Interval)
		})
	}
	if cfg.SettingsRefreshInterval > 0 && cfg.Storage != config.StorageMemory {
		g.Go(func() error {
			return a.Settings.Watch(gctx, cfg.SettingsRefreshInterval)
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
		return
	}
	log.Info("Server stopped")
}
