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

// Package backfill assesses historical mail by listing the messages
// received within a lookback window from IMAP folders and passing them
// through the assessment pipeline. Messages already assessed are skipped.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/mailbox"
	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/pipeline"
)

// batchSize is the number of messages fetched per round trip.
const batchSize = 50

// Request defines the scope of a historical assessment run.
type Request struct {
	Folders []string      // default INBOX
	Since   time.Duration // lookback window (e.g. 168h = 1 week)
}

// Result summarises a completed backfill run.
type Result struct {
	FolderResults []FolderResult
	TotalNew      int
	TotalSkipped  int
	TotalFlagged  int
	Elapsed       time.Duration
}

// FolderResult tracks per-folder backfill progress.
type FolderResult struct {
	Folder   string
	Assessed int
	Skipped  int
	Flagged  int // not SAFE
	Errors   int
}

// Admitter assesses an email unless it was already assessed, in which case
// it returns pipeline.ErrDuplicate.
type Admitter interface {
	Admit(ctx context.Context, email *models.EmailArtifact) (*assessment.Report, error)
}

// Runner performs historical assessment over IMAP.
type Runner struct {
	mailbox    mailbox.PollerConfig
	admitter   Admitter
	batchDelay time.Duration // delay between batches to avoid throttling
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Mailbox    mailbox.PollerConfig
	Admitter   Admitter
	BatchDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.BatchDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		mailbox:    cfg.Mailbox,
		admitter:   cfg.Admitter,
		batchDelay: delay,
	}
}

// Run performs the backfill for all requested folders. A folder that
// fails is recorded with one error and the run continues.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	since := time.Now().UTC().Add(-req.Since)
	folders := req.Folders
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	slog.Info("starting historical backfill",
		"addr", r.mailbox.Addr,
		"folders", folders,
		"since", since.Format(time.RFC3339),
	)

	c, err := mailbox.Connect(r.mailbox)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	result := &Result{}
	for _, folder := range folders {
		fr, err := r.backfillFolder(ctx, c, folder, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Error("backfill failed for folder",
				"folder", folder,
				"error", err,
			)
			// Continue with other folders
			fr.Errors++
		}

		result.FolderResults = append(result.FolderResults, fr)
		result.TotalNew += fr.Assessed
		result.TotalSkipped += fr.Skipped
		result.TotalFlagged += fr.Flagged
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_flagged", result.TotalFlagged,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// backfillFolder lists and assesses the messages of one folder received
// since the cut-off, in UID order.
func (r *Runner) backfillFolder(ctx context.Context, c *client.Client, folder string, since time.Time) (FolderResult, error) {
	fr := FolderResult{Folder: folder}

	slog.Info("backfilling folder", "folder", folder, "since", since.Format(time.DateOnly))

	if _, err := c.Select(folder, true); err != nil {
		return fr, fmt.Errorf("select %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return fr, fmt.Errorf("search %s: %w", folder, err)
	}

	for i := 0; i < len(uids); i += batchSize {
		// Rate limit between batches
		if i > 0 {
			select {
			case <-ctx.Done():
				return fr, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}

		batch := uids[i:min(i+batchSize, len(uids))]
		messages, err := mailbox.FetchRaw(c, batch)
		if err != nil {
			return fr, fmt.Errorf("fetch batch %d: %w", i/batchSize, err)
		}

		slog.Debug("backfill batch fetched",
			"folder", folder,
			"batch", i/batchSize,
			"messages", len(messages),
		)

		for _, m := range messages {
			email, err := mailbox.ParseBytes(m.Data)
			if err != nil {
				slog.Warn("backfill: parse message failed", "uid", m.UID, "error", err)
				fr.Errors++
				continue
			}

			report, err := r.admitter.Admit(ctx, email)
			switch {
			case errors.Is(err, pipeline.ErrDuplicate):
				fr.Skipped++
				continue
			case err != nil && report == nil:
				if ctx.Err() != nil {
					return fr, ctx.Err()
				}
				slog.Warn("backfill: assessment failed",
					"uid", m.UID,
					"message_id", email.MessageID,
					"error", err,
				)
				fr.Errors++
				continue
			}

			fr.Assessed++
			if report.Disposition != assessment.DispositionSafe {
				fr.Flagged++
			}
		}
	}

	slog.Info("folder backfill complete",
		"folder", folder,
		"assessed", fr.Assessed,
		"skipped", fr.Skipped,
		"flagged", fr.Flagged,
		"errors", fr.Errors,
	)

	return fr, nil
}
