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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bcem/guardian/internal/assessment"
)

// SQLiteStore persists reports in a local SQLite file for the command line
// tool.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reports (
		ticket_id   TEXT PRIMARY KEY,
		message_id  TEXT NOT NULL DEFAULT '',
		sender      TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		disposition TEXT NOT NULL,
		score       REAL NOT NULL,
		urgency     INTEGER NOT NULL DEFAULT 0,
		assessed_at TEXT NOT NULL,
		report      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_assessed ON reports(assessed_at);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Name identifies the sink in logs.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Write inserts or replaces the report keyed on its ticket id.
func (s *SQLiteStore) Write(ctx context.Context, r *assessment.Report) error {
	doc, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports
			(ticket_id, message_id, sender, subject, disposition, score, urgency, assessed_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticket_id) DO UPDATE SET
			disposition = excluded.disposition,
			score       = excluded.score,
			urgency     = excluded.urgency,
			assessed_at = excluded.assessed_at,
			report      = excluded.report
	`, r.TicketID, r.MessageID, r.From, r.Subject, string(r.Disposition), r.Score, r.Urgency, formatTime(r.AssessedAt), string(doc))
	if err != nil {
		return fmt.Errorf("upsert report %s: %w", r.TicketID, err)
	}
	return nil
}

// Get retrieves a report by ticket id. It returns nil, nil if there is none.
func (s *SQLiteStore) Get(ctx context.Context, ticketID string) (*assessment.Report, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE ticket_id = ?`, ticketID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(doc))
}

// ListRecent returns the most recently assessed reports, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*assessment.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM reports
		ORDER BY assessed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*assessment.Report
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
