// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mail Guardian — Assessment Service
//
// Entry point for the long-running assessment service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to Redis, and to PostgreSQL and Kafka when configured
//  3. Builds the signal providers and the workflow controller
//  4. Consumes email events from the intake queue
//  5. Polls an IMAP mailbox when one is configured
//  6. Serves the assessment API
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/guardian/internal/analyzers"
	"github.com/bcem/guardian/internal/api"
	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/config"
	"github.com/bcem/guardian/internal/dedup"
	"github.com/bcem/guardian/internal/mailbox"
	"github.com/bcem/guardian/internal/pipeline"
	"github.com/bcem/guardian/internal/queue"
	"github.com/bcem/guardian/internal/report"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting mail guardian assessment service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"link_backends", cfg.Providers.LinkBackends,
		"attachment_backends", cfg.Providers.AttachmentBackends,
		"language_backend", cfg.Providers.LanguageBackend,
		"workers", cfg.Analysis.Workers,
		"mailbox", cfg.Mailbox.Enabled(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.ReportsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	pingers := map[string]api.Pinger{"redis": publisher}
	sinks := report.Multi{report.NewLogSink(logger), publisher}

	// --- Report Storage ---
	var reports api.ReportReader
	switch {
	case cfg.DatabaseURL != "":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		store, err := report.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise report store", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, store)
		reports = store
		pingers["postgres"] = pgPool
	case cfg.SQLitePath != "":
		store, err := report.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			slog.Error("failed to open SQLite report store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sinks = append(sinks, store)
		reports = store
		slog.Info("using SQLite report store", "path", cfg.SQLitePath)
	default:
		slog.Warn("no report store configured, reports are not persisted")
	}

	// --- Kafka ---
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := report.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		slog.Info("publishing reports to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Providers and Controller ---
	set, err := analyzers.Build(cfg.Providers)
	if err != nil {
		slog.Error("failed to build signal providers", "error", err)
		os.Exit(1)
	}
	controller := assessment.NewController(set, assessment.Options{
		BranchTimeout:         cfg.Analysis.BranchTimeout,
		MaxLinks:              cfg.Analysis.MaxLinks,
		LinkConcurrency:       cfg.Analysis.LinkConcurrency,
		AttachmentConcurrency: cfg.Analysis.AttachmentConcurrency,
		Strict:                cfg.Analysis.Strict,
	})

	pipe := pipeline.New(controller, dedup.NewFilter(rdb, cfg.DedupTTL), sinks)

	var wg sync.WaitGroup

	// --- Intake Queue ---
	consumer := queue.NewConsumer(rdb, cfg.EmailsQueue)
	for range cfg.Analysis.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx, pipe.HandleEvent)
		}()
	}

	// --- IMAP Poller ---
	if cfg.Mailbox.Enabled() {
		poller := mailbox.NewPoller(mailbox.PollerConfig{
			Addr:     cfg.Mailbox.Addr(),
			Username: cfg.Mailbox.Username,
			Password: cfg.Mailbox.Password,
			Folder:   cfg.Mailbox.Folder,
			TLS:      cfg.Mailbox.TLS,
			MarkSeen: cfg.Mailbox.MarkSeen,
			Interval: cfg.Mailbox.PollInterval,
		}, pipe.HandleEmail)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	// --- API Server ---
	handler := api.NewHandler(pipe, reports, pingers)
	ready, done, err := api.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	<-done
	wg.Wait()

	slog.Info("assessment service stopped")
}

// logLevel maps LOG_LEVEL (debug, info, warn, error) to a slog level.
func logLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
