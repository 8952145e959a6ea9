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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/segmentio/kafka-go"

	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/models"
)

func sampleReport(id string, d assessment.Disposition, assessedAt time.Time) *assessment.Report {
	return &assessment.Report{
		TicketID:    id,
		MessageID:   "<" + id + "@test.com>",
		From:        "sender@test.com",
		To:          "alice@example.com",
		Subject:     "Subject " + id,
		State:       d.State(),
		Disposition: d,
		Score:       0.42,
		Rationale:   "overall threat score 0.42",
		Urgency:     2,
		Threats: map[models.Category]models.ThreatInfo{
			models.CategoryLinks: {Score: 0.4, Reasons: []string{"URL shortener"}},
		},
		AssessedAt: assessedAt,
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "reports.db"))
	be.Err(t, err, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSQLiteStore_WriteGet verifies a report survives a round trip.
func TestSQLiteStore_WriteGet(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	be.Err(t, s.Write(ctx, sampleReport("t-1", assessment.DispositionSuspicious, at)), nil)

	got, err := s.Get(ctx, "t-1")
	be.Err(t, err, nil)
	be.True(t, got != nil)
	be.Equal(t, got.TicketID, "t-1")
	be.Equal(t, got.Disposition, assessment.DispositionSuspicious)
	be.Equal(t, got.Score, 0.42)
	be.Equal(t, got.Threats[models.CategoryLinks].Reasons, []string{"URL shortener"})
	be.True(t, got.AssessedAt.Equal(at))
}

// TestSQLiteStore_GetMissing verifies an unknown id is not an error.
func TestSQLiteStore_GetMissing(t *testing.T) {
	s := openTestSQLite(t)

	got, err := s.Get(context.Background(), "nope")
	be.Err(t, err, nil)
	be.True(t, got == nil)
}

// TestSQLiteStore_Upsert verifies rewriting a ticket replaces it.
func TestSQLiteStore_Upsert(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	be.Err(t, s.Write(ctx, sampleReport("t-1", assessment.DispositionSafe, at)), nil)
	be.Err(t, s.Write(ctx, sampleReport("t-1", assessment.DispositionCritical, at)), nil)

	got, err := s.Get(ctx, "t-1")
	be.Err(t, err, nil)
	be.Equal(t, got.Disposition, assessment.DispositionCritical)

	all, err := s.ListRecent(ctx, 10)
	be.Err(t, err, nil)
	be.Equal(t, len(all), 1)
}

// TestSQLiteStore_ListRecent verifies newest-first ordering and the limit,
// including sub-second differences.
func TestSQLiteStore_ListRecent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	be.Err(t, s.Write(ctx, sampleReport("old", assessment.DispositionSafe, base)), nil)
	be.Err(t, s.Write(ctx, sampleReport("newest", assessment.DispositionSafe, base.Add(time.Second))), nil)
	be.Err(t, s.Write(ctx, sampleReport("middle", assessment.DispositionSafe, base.Add(500*time.Millisecond))), nil)

	got, err := s.ListRecent(ctx, 2)
	be.Err(t, err, nil)
	be.Equal(t, len(got), 2)
	be.Equal(t, got[0].TicketID, "newest")
	be.Equal(t, got[1].TicketID, "middle")
}

type fakeSink struct {
	name    string
	err     error
	written []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Write(_ context.Context, r *assessment.Report) error {
	f.written = append(f.written, r.TicketID)
	return f.err
}

// TestMulti verifies every sink is written and failures are joined.
func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	first := &fakeSink{name: "first", err: boom}
	second := &fakeSink{name: "second"}
	third := &fakeSink{name: "third", err: errors.New("down")}

	err := Multi{first, second, third}.Write(context.Background(), sampleReport("t-1", assessment.DispositionSafe, time.Now()))
	be.Err(t, err, boom)
	be.True(t, strings.Contains(err.Error(), "first sink: boom"))
	be.True(t, strings.Contains(err.Error(), "third sink: down"))
	be.Equal(t, second.written, []string{"t-1"})
	be.Equal(t, third.written, []string{"t-1"})
}

// TestMulti_AllOK verifies a clean fan-out returns nil.
func TestMulti_AllOK(t *testing.T) {
	a, b := &fakeSink{name: "a"}, &fakeSink{name: "b"}
	be.Err(t, Multi{a, b}.Write(context.Background(), sampleReport("t-2", assessment.DispositionSafe, time.Now())), nil)
	be.Equal(t, len(a.written)+len(b.written), 2)
}

// TestLogSink verifies the summary fields and the warn level for critical
// reports.
func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	be.Err(t, sink.Write(context.Background(), sampleReport("t-9", assessment.DispositionCritical, time.Now())), nil)

	var line map[string]any
	be.Err(t, json.Unmarshal(buf.Bytes(), &line), nil)
	be.Equal(t, line["level"], "WARN")
	be.Equal(t, line["msg"], "assessment report")
	be.Equal(t, line["ticket_id"], "t-9")
	be.Equal(t, line["disposition"], "CRITICAL")
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

// TestKafkaSink verifies the message key, header, and JSON value.
func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "guardian.reports"}

	be.Err(t, sink.Write(context.Background(), sampleReport("t-5", assessment.DispositionSuspicious, time.Now())), nil)
	be.Equal(t, len(w.msgs), 1)

	msg := w.msgs[0]
	be.Equal(t, string(msg.Key), "t-5")
	be.Equal(t, msg.Headers[0].Key, "disposition")
	be.Equal(t, string(msg.Headers[0].Value), "SUSPICIOUS")

	var decoded assessment.Report
	be.Err(t, json.Unmarshal(msg.Value, &decoded), nil)
	be.Equal(t, decoded.TicketID, "t-5")

	be.Err(t, sink.Close(), nil)
	be.True(t, w.closed)
}

// TestKafkaSink_Error verifies writer failures name the topic.
func TestKafkaSink_Error(t *testing.T) {
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("no brokers")}, topic: "guardian.reports"}
	err := sink.Write(context.Background(), sampleReport("t-6", assessment.DispositionSafe, time.Now()))
	be.True(t, err != nil)
	be.True(t, strings.Contains(err.Error(), "guardian.reports"))
}
