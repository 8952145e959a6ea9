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

// Mail Guardian — Single Message Assessment
//
// Standalone CLI tool that assesses one RFC 5322 message and prints the
// report as JSON. Useful for triaging a suspicious .eml by hand and for
// testing provider configuration.
//
// Usage:
//
//	go run ./cmd/assess/ [--file message.eml] [--config config.yaml] [--sqlite reports.db]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/guardian/internal/analyzers"
	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/config"
	"github.com/bcem/guardian/internal/mailbox"
	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/pipeline"
	"github.com/bcem/guardian/internal/report"
)

func main() {
	// Logs go to stderr so stdout carries only the report.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	fileFlag := flag.String("file", "-", "Message to assess (.eml); - reads stdin")
	configFlag := flag.String("config", "", "Config file (default: CONFIG_PATH or config.yaml if present)")
	sqliteFlag := flag.String("sqlite", "", "Also store the report in this SQLite database")
	failFlag := flag.Bool("fail", false, "Exit with status 2 when the message is not SAFE")
	flag.Parse()

	// --- Load Configuration ---
	var (
		cfg *config.Config
		err error
	)
	if *configFlag != "" {
		cfg, err = config.LoadFile(*configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	email, err := readMessage(*fileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var sinks report.Multi
	sqlitePath := *sqliteFlag
	if sqlitePath == "" {
		sqlitePath = cfg.SQLitePath
	}
	if sqlitePath != "" {
		store, err := report.OpenSQLite(sqlitePath)
		if err != nil {
			slog.Error("failed to open SQLite report store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	r, err := pipeline.New(controller, nil, sinks).Process(ctx, email)
	if err != nil && r == nil {
		slog.Error("assessment failed", "error", err)
		os.Exit(1)
	}
	if err != nil {
		slog.Warn("report not stored", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		slog.Error("failed to write report", "error", err)
		os.Exit(1)
	}

	if *failFlag && r.Disposition != assessment.DispositionSafe {
		os.Exit(2)
	}
}

func readMessage(path string) (*models.EmailArtifact, error) {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		defer f.Close()
		in = f
	}
	email, err := mailbox.Parse(in)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", path, err)
	}
	return email, nil
}
