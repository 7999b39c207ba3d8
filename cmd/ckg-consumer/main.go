// Package main implements the CKG consumer service.
// This service pulls screening results published by CKG and upserts them into the SITB screening table.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marko911/sitb-ckg/internal/bridge"
	"github.com/marko911/sitb-ckg/internal/config"
	"github.com/marko911/sitb-ckg/internal/inbound"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CKG_CONFIG"), "Path to the YAML configuration file")
		mode       = flag.String("mode", config.ModePubSub, "Consumer mode (only pubsub is supported)")
		logLevel   = flag.String("log-level", "", "Log level: DEBUG, INFO, WARNING or ERROR (overrides config)")
		migrate    = flag.Bool("migrate", false, "Apply database migrations and create bus resources before consuming")
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

	logger := bridge.NewLogger(os.Stdout, cfg.Logging.Level).With("service", "ckg-consumer")
	slog.SetDefault(logger)

	if *mode != config.ModePubSub {
		logger.Error("Unsupported consumer mode", "mode", *mode)
		os.Exit(1)
	}

	topic := cfg.PubSub.DefaultTopic
	subscription := cfg.PubSub.Subscription(topic)

	logger.Info("Starting CKG consumer",
		"environment", cfg.Environment,
		"bus", cfg.Bus.Driver,
		"topic", topic,
		"subscription", subscription,
		"max_messages", cfg.Consumer.MaxMessagesPerPull,
		"dedup", cfg.Dedup.Driver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bridge.Open(ctx, cfg, logger, bridge.Options{Name: "ckg-consumer", Subscribe: true})
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if *migrate {
		if err := rt.Provision(ctx); err != nil {
			logger.Error("Failed to provision", "error", err)
			rt.Close()
			os.Exit(1)
		}
	}

	store, err := rt.DedupStore(ctx)
	if err != nil {
		logger.Error("Failed to open dedup store", "error", err)
		rt.Close()
		os.Exit(1)
	}

	archiver, err := rt.Archiver(ctx)
	if err != nil {
		logger.Error("Failed to open archive", "error", err)
		rt.Close()
		os.Exit(1)
	}

	rt.Describe(ctx, topic, subscription)
	rt.ServeMetrics(ctx)

	receiver := inbound.NewReceiver(inbound.ReceiverConfig{
		Subscription:  subscription,
		Markers:       rt.Markers,
		AckDuplicates: cfg.Consumer.AckDuplicates,
	}, rt.Bus, store, storage.NewScreeningRepository(rt.DB, rt.Tables), archiver, logger)

	consumer := inbound.NewConsumer(inbound.ConsumerConfig{
		Subscription: subscription,
		MaxMessages:  cfg.Consumer.MaxMessagesPerPull,
		Sleep:        cfg.Consumer.SleepBetweenPulls(),
		FlowControl: inbound.FlowControl{
			Enabled:                cfg.Consumer.FlowControl.Enabled,
			MaxOutstandingMessages: cfg.Consumer.FlowControl.MaxOutstandingMessages,
			MaxOutstandingBytes:    cfg.Consumer.FlowControl.MaxOutstandingBytes,
		},
		ProgressInterval: time.Minute,
	}, rt.Bus, receiver, logger)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Consumer error", "error", err)
		rt.Close()
		os.Exit(1)
	}

	logger.Info("CKG consumer stopped")
}
