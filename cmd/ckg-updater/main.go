// Package main implements the CKG updater.
// Each invocation sends the TB patient statuses changed in a time window back to CKG,
// either published on the bus or posted to the CKG API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marko911/sitb-ckg/internal/apiclient"
	"github.com/marko911/sitb-ckg/internal/bridge"
	"github.com/marko911/sitb-ckg/internal/config"
	"github.com/marko911/sitb-ckg/internal/dedup"
	"github.com/marko911/sitb-ckg/internal/outbound"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("CKG_CONFIG"), "Path to the YAML configuration file")
		start       = flag.String("start", "last", `Window start: "last" or a timestamp (YYYY-MM-DD HH:MM:SS or RFC3339)`)
		end         = flag.String("end", "now", `Window end: "now" or a timestamp (YYYY-MM-DD HH:MM:SS or RFC3339)`)
		mode        = flag.String("mode", "", "Dispatch mode: pubsub or api (default from producer_mode)")
		logLevel    = flag.String("log-level", "", "Log level: DEBUG, INFO, WARNING or ERROR (overrides config)")
		migrate     = flag.Bool("migrate", false, "Apply database migrations and create bus resources before running")
		migrateDown = flag.Int("migrate-down", 0, "Roll back the newest N database migrations and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := bridge.NewLogger(os.Stdout, cfg.Logging.Level).With("service", "ckg-updater")
	slog.SetDefault(logger)

	dispatchMode := strings.ToLower(strings.TrimSpace(*mode))
	if dispatchMode == "" {
		dispatchMode = cfg.ProducerMode
	}
	if dispatchMode != outbound.ModePubSub && dispatchMode != outbound.ModeAPI {
		logger.Error("Unsupported dispatch mode", "mode", dispatchMode)
		os.Exit(1)
	}
	if dispatchMode == outbound.ModeAPI && (cfg.API.BaseURL == "" || cfg.API.APIKey == "") {
		logger.Error("API mode requires api.base_url and api.api_key")
		os.Exit(1)
	}

	window, err := outbound.ParseWindow(*start, *end, time.Now(), outbound.Location(cfg.Database.Timezone))
	if err != nil {
		logger.Error("Invalid window", "start", *start, "end", *end, "error", err)
		os.Exit(1)
	}

	topic := cfg.PubSub.DefaultTopic
	logger.Info("Starting CKG updater",
		"environment", cfg.Environment,
		"mode", dispatchMode,
		"start", *start,
		"end", window.End,
		"batch_size", cfg.Producer.BatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	rt, err := bridge.Open(ctx, cfg, logger, bridge.Options{
		Name:    "ckg-updater",
		Publish: dispatchMode == outbound.ModePubSub,
	})
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if *migrateDown > 0 {
		if err := rt.Rollback(ctx, *migrateDown); err != nil {
			logger.Error("Failed to roll back migrations", "steps", *migrateDown, "error", err)
			rt.Close()
			os.Exit(1)
		}
		return
	}

	if *migrate {
		if err := rt.Provision(ctx); err != nil {
			logger.Error("Failed to provision", "error", err)
			rt.Close()
			os.Exit(1)
		}
	}

	incoming, err := rt.DedupStore(ctx)
	if err != nil {
		logger.Error("Failed to open dedup store", "error", err)
		rt.Close()
		os.Exit(1)
	}

	deps := outbound.Deps{
		Reports:    storage.NewReportRepository(rt.DB, rt.Tables),
		Dispatches: dedup.NewDispatchLog(rt.DB, rt.Tables),
		Incoming:   incoming,
	}
	switch dispatchMode {
	case outbound.ModePubSub:
		rt.Describe(ctx, topic, "")
		deps.Publisher = rt.Bus
	case outbound.ModeAPI:
		deps.API = apiclient.New(apiclient.Config{
			BaseURL:   cfg.API.BaseURL,
			Endpoint:  cfg.API.Endpoint,
			APIKey:    cfg.API.APIKey,
			APIHeader: cfg.API.APIHeader,
			Timeout:   cfg.API.RequestTimeout(),
		}, logger)
	}

	updater := outbound.New(outbound.Config{
		Topic:           topic,
		Environment:     cfg.Environment,
		Markers:         rt.Markers,
		BatchSize:       cfg.Producer.BatchSize,
		APIBatchSize:    cfg.API.BatchSize,
		MessageOrdering: cfg.Producer.EnableMessageOrdering || cfg.PubSub.MessageOrdering(topic),
		Attributes:      cfg.Producer.MessageAttributes,
		Compress:        cfg.Producer.Compression.Enabled,
		Retention:       cfg.Dedup.RetentionPeriod(),
	}, deps, logger)

	res, err := updater.Run(ctx, dispatchMode, window)
	if err != nil {
		logger.Error("Updater error", "error", err)
		rt.Close()
		os.Exit(1)
	}

	logger.Info("CKG updater finished",
		"extracted", res.Extracted,
		"sent", res.Sent,
		"failed", res.Failed,
		"recorded", res.Recorded,
	)
}
