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

// Mail Guardian — Historical Backfill Command
//
// Standalone CLI tool that assesses historical mail from the configured
// IMAP mailbox within a lookback window. Intended for seeding reports on
// new deployments. Messages already assessed by the service are skipped.
//
// Usage:
//
//	go run ./cmd/backfill/ [--folders INBOX,Archive] [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/guardian/internal/analyzers"
	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/backfill"
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
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	foldersFlag := flag.String("folders", "", "Comma-separated IMAP folders (default: the configured folder)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Mailbox.Enabled() {
		fmt.Fprintf(os.Stderr, "Error: no IMAP mailbox configured (set mailbox.host or IMAP_HOST)\n")
		os.Exit(1)
	}

	folders := []string{cfg.Mailbox.Folder}
	if *foldersFlag != "" {
		folders = nil
		for _, f := range strings.Split(*foldersFlag, ",") {
			if f = strings.TrimSpace(f); f != "" {
				folders = append(folders, f)
			}
		}
	}

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

	sinks := report.Multi{report.NewLogSink(logger), publisher}

	// --- Report Storage ---
	switch {
	case cfg.DatabaseURL != "":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		store, err := report.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise report store", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, store)
	case cfg.SQLitePath != "":
		store, err := report.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			slog.Error("failed to open SQLite report store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sinks = append(sinks, store)
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

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Mailbox: mailbox.PollerConfig{
			Addr:     cfg.Mailbox.Addr(),
			Username: cfg.Mailbox.Username,
			Password: cfg.Mailbox.Password,
			TLS:      cfg.Mailbox.TLS,
		},
		Admitter: pipe,
	})

	result, err := runner.Run(ctx, backfill.Request{
		Folders: folders,
		Since:   sinceDuration,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_flagged", result.TotalFlagged,
		"elapsed", result.Elapsed,
	)

	for _, fr := range result.FolderResults {
		slog.Info("folder result",
			"folder", fr.Folder,
			"assessed", fr.Assessed,
			"skipped", fr.Skipped,
			"flagged", fr.Flagged,
			"errors", fr.Errors,
		)
	}
}
