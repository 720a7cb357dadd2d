// Package main provides bankd - the regional-currency bank core daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/corebank/internal/bank"
	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (default: built-in development config)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("bankd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatal("failed to load config", "error", err)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, Prefix: cfg.Logging.Prefix, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bank.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open bank", "error", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("error during shutdown", "error", err)
		}
	}()

	if err := b.EnsureAdmin(ctx, time.Now()); err != nil {
		log.Fatal("failed to ensure admin account", "error", err)
	}

	if err := b.Start(); err != nil {
		log.Fatal("failed to start bank", "error", err)
	}

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  corebank (%s)", version)
	log.Info("=================================================")
	log.Infof("  Currency: %s", cfg.Conversion.Currency)
	log.Infof("  Admin login: %s", cfg.Admin.Login)
	log.Infof("  GC interval: %s", cfg.GC.Interval)
	log.Info("=================================================")
	log.Info("")
}
