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

package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/guardian/internal/assessment"
)

// Store persists reports in Postgres. The full report is kept as JSONB
// next to the columns used for lookups.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a report store backed by the given Postgres pool.
// It ensures the reports table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure report schema: %w", err)
	}
	slog.Info("report store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			ticket_id    TEXT PRIMARY KEY,
			message_id   TEXT DEFAULT '',
			sender       TEXT DEFAULT '',
			subject      TEXT DEFAULT '',
			disposition  TEXT NOT NULL,
			score        DOUBLE PRECISION NOT NULL,
			urgency      INTEGER DEFAULT 0,
			assessed_at  TIMESTAMPTZ NOT NULL,
			report       JSONB NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reports_message ON reports(message_id);
		CREATE INDEX IF NOT EXISTS idx_reports_assessed ON reports(assessed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_disposition ON reports(disposition);
	`)
	return err
}

// Name identifies the sink in logs.
func (s *Store) Name() string { return "postgres" }

// Write inserts or replaces the report keyed on its ticket id.
func (s *Store) Write(ctx context.Context, r *assessment.Report) error {
	doc, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports
			(ticket_id, message_id, sender, subject, disposition, score, urgency, assessed_at, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ticket_id) DO UPDATE SET
			disposition = EXCLUDED.disposition,
			score       = EXCLUDED.score,
			urgency     = EXCLUDED.urgency,
			assessed_at = EXCLUDED.assessed_at,
			report      = EXCLUDED.report
	`, r.TicketID, r.MessageID, r.From, r.Subject, string(r.Disposition), r.Score, r.Urgency, r.AssessedAt, doc)
	if err != nil {
		return fmt.Errorf("upsert report %s: %w", r.TicketID, err)
	}
	return nil
}

// Get retrieves a report by ticket id. It returns nil, nil if there is none.
func (s *Store) Get(ctx context.Context, ticketID string) (*assessment.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT report FROM reports WHERE ticket_id = $1`, ticketID)
	return scanReport(row)
}

// ListRecent returns the most recently assessed reports, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*assessment.Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT report FROM reports
		ORDER BY assessed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*assessment.Report
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReport(row pgx.Row) (*assessment.Report, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}
