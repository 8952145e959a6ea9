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

package assessment

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

// Result is the outcome of one analysis branch.
type Result struct {
	Category    models.Category
	Threat      models.ThreatInfo
	Links       []models.LinkFinding
	Attachments []models.AttachmentFinding
}

// Ticket is the assessment state of one email. Every transition is
// evaluated under the ticket lock, so exactly one completion observes the
// "all applicable analyses complete" edge. Once a disposition is set the
// ticket no longer changes.
type Ticket struct {
	mu sync.Mutex

	id        string
	email     *models.EmailArtifact
	shape     Shape
	createdAt time.Time

	state      State
	flags      Flags
	dispatched map[models.Category]bool
	threats    map[models.Category]models.ThreatInfo

	links       []models.LinkFinding
	attachments []models.AttachmentFinding
	urgency     int

	reportTriggered bool
	score           float64
	rationale       string
	disposition     Disposition
	assessedAt      time.Time
}

// NewTicket admits an email for assessment. The ticket keeps its own copy
// of the artifact. Categories that do not apply to the email's shape are
// trivially complete.
func NewTicket(email *models.EmailArtifact) *Ticket {
	t := &Ticket{
		id:         uuid.New().String(),
		email:      email.Clone(),
		createdAt:  time.Now().UTC(),
		state:      StateInitialScan,
		dispatched: make(map[models.Category]bool),
		threats:    make(map[models.Category]models.ThreatInfo),
	}
	t.shape = ShapeOf(t.email)
	for _, c := range branchCategories {
		if !t.shape.Applicable(c) {
			t.flags.set(c)
		}
	}
	return t
}

// ID returns the ticket identifier.
func (t *Ticket) ID() string { return t.id }

// Email returns a copy of the artifact under assessment.
func (t *Ticket) Email() *models.EmailArtifact { return t.email.Clone() }

// Shape returns the email shape the ticket was created with.
func (t *Ticket) Shape() Shape { return t.shape }

// Flags returns a snapshot of the completion flags.
func (t *Ticket) Flags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// State returns the current workflow state.
func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Disposition returns the final disposition, or "" before classification.
func (t *Ticket) Disposition() Disposition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposition
}

// ScanComplete records the initial content scan and returns the states to
// enter next.
func (t *Ticket) ScanComplete(result providers.ContentResult) ([]State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateInitialScan {
		return nil, t.invariant("scan_complete", fmt.Sprintf("initial scan recorded in state %s", t.state))
	}

	t.threats[models.CategoryContent] = result.Threat.Clone()
	t.urgency = clampUrgency(result.Urgency)

	next := Next(StateInitialScan, t.flags, t.shape)
	if containsState(next, StateGenerateReport) {
		t.reportTriggered = true
		t.state = StateGenerateReport
	} else {
		t.state = t.pendingStateLocked()
	}
	return next, nil
}

// Dispatch marks a branch as started. Dispatching a category that is
// already complete or already running is an invariant violation.
func (t *Ticket) Dispatch(c models.Category) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.shape.Applicable(c) {
		return t.invariant("dispatch", fmt.Sprintf("category %s does not apply to this email", c))
	}
	if t.flags.Done(c) {
		return t.invariant("dispatch", fmt.Sprintf("category %s is already complete", c))
	}
	if t.dispatched[c] {
		return t.invariant("dispatch", fmt.Sprintf("category %s is already dispatched", c))
	}
	t.dispatched[c] = true
	return nil
}

// Complete records a branch result and returns the states to enter next.
// Completing an already-complete category is a no-op: nothing is recorded
// twice and no state is returned. GENERATE_REPORT is returned to exactly
// one caller.
func (t *Ticket) Complete(r Result) ([]State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.shape.Applicable(r.Category) {
		return nil, t.invariant("complete", fmt.Sprintf("category %s does not apply to this email", r.Category))
	}
	if t.flags.Done(r.Category) {
		return nil, nil
	}

	t.threats[r.Category] = r.Threat.Clone()
	t.links = append(t.links, r.Links...)
	t.attachments = append(t.attachments, r.Attachments...)
	t.flags.set(r.Category)

	next := Next(analysisState(r.Category), t.flags, t.shape)
	if containsState(next, StateGenerateReport) {
		if t.reportTriggered {
			return nil, t.invariant("complete", "report already triggered")
		}
		t.reportTriggered = true
		t.state = StateGenerateReport
	} else {
		t.state = t.pendingStateLocked()
	}
	return next, nil
}

// pendingStateLocked returns the first analysis still awaiting its result.
// While branches run in parallel this is the state the ticket reports.
func (t *Ticket) pendingStateLocked() State {
	for _, c := range branchCategories {
		if t.shape.Applicable(c) && !t.flags.Done(c) {
			return analysisState(c)
		}
	}
	return t.state
}

// Evidence returns a copy of the current category signals.
func (t *Ticket) Evidence() Evidence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evidenceLocked()
}

func (t *Ticket) evidenceLocked() Evidence {
	return Evidence{
		Content:     t.threats[models.CategoryContent].Clone(),
		Links:       t.threats[models.CategoryLinks].Clone(),
		Attachments: t.threats[models.CategoryAttachments].Clone(),
		Language:    t.threats[models.CategoryLanguage].Clone(),
	}
}

// Finalize aggregates the evidence and classifies the ticket. It may only
// run after GENERATE_REPORT was triggered; calling it again returns the
// disposition already set.
func (t *Ticket) Finalize(classifier Classifier) (Disposition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposition != "" {
		return t.disposition, nil
	}
	if !t.reportTriggered {
		return "", t.invariant("finalize", "report requested before all analyses completed")
	}

	t.score, t.rationale = Aggregate(t.evidenceLocked())
	t.disposition = classifier.Classify(t.score)
	t.state = t.disposition.State()
	t.assessedAt = time.Now().UTC()
	return t.disposition, nil
}

// Report builds the externally visible report. Before Finalize the score
// and disposition are empty.
func (t *Ticket) Report() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	threats := make(map[models.Category]models.ThreatInfo, len(models.Categories))
	var degraded []models.Category
	for _, c := range models.Categories {
		info := t.threats[c].Clone()
		if info.Reasons == nil {
			info.Reasons = []string{}
		}
		threats[c] = info
		if info.Unavailable {
			degraded = append(degraded, c)
		}
	}

	r := &Report{
		TicketID:    t.id,
		MessageID:   t.email.MessageID,
		From:        t.email.From.String(),
		To:          t.email.Recipient(),
		Subject:     t.email.Subject,
		State:       t.state,
		Disposition: t.disposition,
		Score:       t.score,
		Rationale:   t.rationale,
		Urgency:     t.urgency,
		Threats:     threats,
		Links:       append([]models.LinkFinding{}, t.links...),
		Attachments: append([]models.AttachmentFinding{}, t.attachments...),
		Degraded:    degraded,
		ReceivedAt:  t.email.ReceivedAt,
		AdmittedAt:  t.createdAt,
		AssessedAt:  t.assessedAt,
	}
	if t.disposition != "" {
		r.Recommendations = Recommendations(t.disposition)
	}
	return r
}

func (t *Ticket) invariant(op, detail string) error {
	return &InternalInvariantError{TicketID: t.id, Op: op, Detail: detail}
}

func clampUrgency(u int) int {
	switch {
	case u < 0:
		return 0
	case u > providers.MaxUrgency:
		return providers.MaxUrgency
	}
	return u
}
