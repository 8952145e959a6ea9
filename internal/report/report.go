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

// Package report delivers finalised assessment reports: it persists them to
// Postgres or SQLite, publishes them to Kafka, and logs them.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/guardian/internal/assessment"
)

// Sink receives finalised reports.
type Sink interface {
	Name() string
	Write(ctx context.Context, r *assessment.Report) error
}

// Multi writes every report to each of its sinks. A failing sink does not
// stop the others; their errors are joined.
type Multi []Sink

// Name identifies the sink in logs.
func (m Multi) Name() string { return "multi" }

// Write delivers r to every sink.
func (m Multi) Write(ctx context.Context, r *assessment.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes a one-line summary of each report. Critical reports are
// logged at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in logs.
func (s *LogSink) Name() string { return "log" }

// Write logs the report summary.
func (s *LogSink) Write(ctx context.Context, r *assessment.Report) error {
	level := slog.LevelInfo
	if r.Disposition == assessment.DispositionCritical {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "assessment report",
		"ticket_id", r.TicketID,
		"message_id", r.MessageID,
		"from", r.From,
		"subject", r.Subject,
		"disposition", r.Disposition,
		"score", r.Score,
		"urgency", r.Urgency,
		"degraded", r.Degraded,
	)
	return nil
}

// Timestamps are stored as fixed-width UTC text so they sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encode(r *assessment.Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report %s: %w", r.TicketID, err)
	}
	return b, nil
}

func decode(b []byte) (*assessment.Report, error) {
	var r assessment.Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
