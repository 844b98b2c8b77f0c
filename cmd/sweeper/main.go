// Command sweeper runs one expiry sweep and exits, for use from cron.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/pointsledger/internal/app"
	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/logger"
	"github.com/sirupsen/logrus"
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

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Unable to start engine")
	}

	report, err := a.Engine.Sweeper.SweepOnce(ctx)
	a.Close()
	if err != nil {
		log.WithError(err).Fatal("Sweep failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)
	if report.AccountsFailed > 0 {
		os.Exit(1)
	}
}
