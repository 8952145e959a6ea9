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

// Package pipeline connects email sources to the assessment controller and
// the report sinks. Emails from the intake queue and the IMAP poller pass
// through the dedup filter first; emails submitted over the API are always
// assessed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/mailbox"
	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/report"
)

// ErrDuplicate is returned by Admit for a message that was already assessed.
var ErrDuplicate = errors.New("message already assessed")

// Assessor runs the assessment workflow for one email.
type Assessor interface {
	Assess(ctx context.Context, email *models.EmailArtifact) (*assessment.Report, error)
}

// Dedup remembers assessed message ids.
type Dedup interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
	Forget(ctx context.Context, messageID string) error
}

// Pipeline assesses emails and hands each report to the sink.
type Pipeline struct {
	assessor Assessor
	dedup    Dedup
	sink     report.Sink
}

// New creates a pipeline. dedup may be nil to assess every email.
func New(assessor Assessor, dedup Dedup, sink report.Sink) *Pipeline {
	return &Pipeline{assessor: assessor, dedup: dedup, sink: sink}
}

// Process assesses email and delivers the report. A sink failure is
// returned together with the report, which is still valid.
func (p *Pipeline) Process(ctx context.Context, email *models.EmailArtifact) (*assessment.Report, error) {
	r, err := p.assessor.Assess(ctx, email)
	if err != nil {
		return nil, err
	}
	if p.sink != nil {
		if err := p.sink.Write(ctx, r); err != nil {
			slog.Error("failed to deliver report",
				"ticket_id", r.TicketID,
				"message_id", r.MessageID,
				"error", err,
			)
			return r, fmt.Errorf("deliver report %s: %w", r.TicketID, err)
		}
	}
	return r, nil
}

// Admit is Process behind the dedup filter. If the assessment fails the
// message id is forgotten so a redelivery is assessed again. Dedup errors
// are logged and the email is assessed anyway.
func (p *Pipeline) Admit(ctx context.Context, email *models.EmailArtifact) (*assessment.Report, error) {
	if p.dedup != nil {
		isNew, err := p.dedup.IsNew(ctx, email.MessageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Debug("skipping duplicate message", "message_id", email.MessageID)
			return nil, ErrDuplicate
		}
	}

	r, err := p.Process(ctx, email)
	if err != nil && r == nil && p.dedup != nil {
		if ferr := p.dedup.Forget(context.WithoutCancel(ctx), email.MessageID); ferr != nil {
			slog.Warn("failed to clear dedup key", "message_id", email.MessageID, "error", ferr)
		}
	}
	return r, err
}

// HandleEmail is a mailbox.Handler. Duplicates are not errors.
func (p *Pipeline) HandleEmail(ctx context.Context, email *models.EmailArtifact) error {
	_, err := p.Admit(ctx, email)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// HandleEvent is a queue.EventHandler for events from the ingestion service.
func (p *Pipeline) HandleEvent(ctx context.Context, ev *models.EmailEvent) error {
	email, err := mailbox.FromEvent(ev)
	if err != nil {
		return err
	}
	return p.HandleEmail(ctx, email)
}
