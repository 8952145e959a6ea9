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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

type mockContent struct {
	result providers.ContentResult
	err    error
}

func (m *mockContent) Name() string { return "mock-content" }

func (m *mockContent) ScanContent(context.Context, *models.EmailArtifact) (providers.ContentResult, error) {
	return m.result, m.err
}

type mockLinks struct {
	fn    func(ctx context.Context, rawURL string) (models.ThreatInfo, error)
	calls atomic.Int32
}

func (m *mockLinks) Name() string { return "mock-links" }

func (m *mockLinks) AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error) {
	m.calls.Add(1)
	return m.fn(ctx, rawURL)
}

type mockAttachments struct {
	fn func(ctx context.Context, f models.File) (models.ThreatInfo, error)
}

func (m *mockAttachments) Name() string { return "mock-attachments" }

func (m *mockAttachments) AnalyzeAttachment(ctx context.Context, f models.File) (models.ThreatInfo, error) {
	return m.fn(ctx, f)
}

type mockLanguage struct {
	fn func(ctx context.Context, subject, body string) (models.ThreatInfo, error)
}

func (m *mockLanguage) Name() string { return "mock-language" }

func (m *mockLanguage) AnalyzeText(ctx context.Context, subject, body string) (models.ThreatInfo, error) {
	return m.fn(ctx, subject, body)
}

func scoreLink(score float64, reasons ...string) *mockLinks {
	return &mockLinks{fn: func(context.Context, string) (models.ThreatInfo, error) {
		return models.NewThreatInfo(score, reasons...), nil
	}}
}

func scoreAttachment(score float64, reasons ...string) *mockAttachments {
	return &mockAttachments{fn: func(context.Context, models.File) (models.ThreatInfo, error) {
		return models.NewThreatInfo(score, reasons...), nil
	}}
}

func scoreLanguage(score float64, reasons ...string) *mockLanguage {
	return &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
		return models.NewThreatInfo(score, reasons...), nil
	}}
}

func plainEmail() *models.EmailArtifact {
	return &models.EmailArtifact{
		MessageID: "<plain@example.com>",
		From:      models.EmailAddress{Address: "alice@example.com", Name: "Alice"},
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		Subject:   "Lunch",
		Body:      "Are we still on for lunch tomorrow?",
	}
}

// TestAssess_PlainEmailSafe verifies an email with no artifacts only runs language analysis.
func TestAssess_PlainEmailSafe(t *testing.T) {
	links := scoreLink(1)
	ctrl := NewController(providers.Set{
		Content:  &mockContent{},
		Links:    links,
		Language: scoreLanguage(0.1),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), plainEmail())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	if r.Disposition != DispositionSafe {
		t.Errorf("disposition = %s, want SAFE", r.Disposition)
	}
	if r.State != StateSafe {
		t.Errorf("state = %s, want safe", r.State)
	}
	if links.calls.Load() != 0 {
		t.Error("link analyzer called for an email without links")
	}
	if r.From != "Alice <alice@example.com>" || r.To != "bob@example.com" {
		t.Errorf("envelope = %q -> %q", r.From, r.To)
	}
	if len(r.Threats) != len(models.Categories) {
		t.Errorf("threats has %d categories, want %d", len(r.Threats), len(models.Categories))
	}
}

// TestAssess_SuspiciousLinkCritical verifies a single high-scoring link drives a CRITICAL verdict.
func TestAssess_SuspiciousLinkCritical(t *testing.T) {
	email := plainEmail()
	email.Links = []string{"http://bit.ly/reset-password"}

	ctrl := NewController(providers.Set{
		Content:  &mockContent{},
		Links:    scoreLink(0.8, "URL shortener"),
		Language: scoreLanguage(0),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	if r.Score < CriticalThreshold {
		t.Errorf("score = %v, want >= %v", r.Score, CriticalThreshold)
	}
	if r.Disposition != DispositionCritical {
		t.Errorf("disposition = %s, want CRITICAL", r.Disposition)
	}
	if !strings.Contains(r.Rationale, "bit.ly/reset-password") {
		t.Errorf("rationale should cite the link: %q", r.Rationale)
	}
	if len(r.Links) != 1 || r.Links[0].Score != 0.8 {
		t.Errorf("links = %+v", r.Links)
	}
}

// TestAssess_LinkProviderFailure verifies a failing provider degrades the category instead of stalling.
func TestAssess_LinkProviderFailure(t *testing.T) {
	email := plainEmail()
	email.Links = []string{"https://example.com/a", "https://example.com/b"}

	failing := &mockLinks{fn: func(context.Context, string) (models.ThreatInfo, error) {
		return models.ThreatInfo{}, providers.Errorf("mock-links", providers.KindRateLimit, "quota exceeded")
	}}
	ctrl := NewController(providers.Set{
		Content:  &mockContent{},
		Links:    failing,
		Language: scoreLanguage(0.1),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	links := r.Threats[models.CategoryLinks]
	if links.Score != 0 || !links.Unavailable {
		t.Errorf("links threat = %+v, want unknown evidence", links)
	}
	if !strings.Contains(strings.Join(links.Reasons, " "), "analysis unavailable") {
		t.Errorf("reasons = %v", links.Reasons)
	}
	if len(r.Degraded) != 1 || r.Degraded[0] != models.CategoryLinks {
		t.Errorf("degraded = %v", r.Degraded)
	}
	if !r.State.Terminal() {
		t.Errorf("state = %s, want terminal", r.State)
	}
}

// TestAssess_PartialLinkFailure verifies one failing link does not discard the others.
func TestAssess_PartialLinkFailure(t *testing.T) {
	email := plainEmail()
	email.Links = []string{"https://ok.example", "https://bad.example"}

	links := &mockLinks{fn: func(_ context.Context, u string) (models.ThreatInfo, error) {
		if u == "https://ok.example" {
			return models.NewThreatInfo(0.5, "new domain"), nil
		}
		return models.ThreatInfo{}, errors.New("connection reset")
	}}
	ctrl := NewController(providers.Set{Links: links, Language: scoreLanguage(0)}, Options{})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	got := r.Threats[models.CategoryLinks]
	if got.Unavailable || got.Score != 0.5 {
		t.Errorf("links threat = %+v", got)
	}
	if !r.Links[1].Unavailable {
		t.Errorf("failed link should be marked unavailable: %+v", r.Links[1])
	}
}

// TestAssess_WaitsForLanguage verifies the report waits for the slowest branch.
func TestAssess_WaitsForLanguage(t *testing.T) {
	email := plainEmail()
	email.Links = []string{"https://example.com"}
	email.Attachments = []models.File{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hi")}}

	linksDone := make(chan struct{})
	attachmentsDone := make(chan struct{})
	release := make(chan struct{})

	ctrl := NewController(providers.Set{
		Links: &mockLinks{fn: func(context.Context, string) (models.ThreatInfo, error) {
			defer close(linksDone)
			return models.NewThreatInfo(0.2), nil
		}},
		Attachments: &mockAttachments{fn: func(context.Context, models.File) (models.ThreatInfo, error) {
			defer close(attachmentsDone)
			return models.NewThreatInfo(0.1), nil
		}},
		Language: &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
			<-release
			return models.NewThreatInfo(0.75, "impersonation"), nil
		}},
	}, Options{})

	type outcome struct {
		r   *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := ctrl.Assess(context.Background(), email)
		done <- outcome{r, err}
	}()

	<-linksDone
	<-attachmentsDone
	select {
	case <-done:
		t.Fatal("assessment finished before language analysis")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	out := <-done
	if out.err != nil {
		t.Fatalf("Assess: %v", out.err)
	}
	if out.r.Threats[models.CategoryLanguage].Score != 0.75 {
		t.Errorf("language evidence missing: %+v", out.r.Threats[models.CategoryLanguage])
	}
	if out.r.Disposition != DispositionCritical {
		t.Errorf("disposition = %s, want CRITICAL", out.r.Disposition)
	}
}

// TestAssess_AlwaysTerminates verifies every shape reaches a disposition under every failure mode.
func TestAssess_AlwaysTerminates(t *testing.T) {
	failure := errors.New("provider down")
	modes := map[string]func() providers.Set{
		"healthy": func() providers.Set {
			return providers.Set{
				Content:     &mockContent{result: providers.ContentResult{Threat: models.NewThreatInfo(0.2), Urgency: 2}},
				Links:       scoreLink(0.3),
				Attachments: scoreAttachment(0.4),
				Language:    scoreLanguage(0.1),
			}
		},
		"all failing": func() providers.Set {
			return providers.Set{
				Content: &mockContent{err: failure},
				Links: &mockLinks{fn: func(context.Context, string) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, failure
				}},
				Attachments: &mockAttachments{fn: func(context.Context, models.File) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, failure
				}},
				Language: &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, failure
				}},
			}
		},
		"panicking": func() providers.Set {
			return providers.Set{
				Links: &mockLinks{fn: func(context.Context, string) (models.ThreatInfo, error) {
					panic("bad link parser")
				}},
				Attachments: &mockAttachments{fn: func(context.Context, models.File) (models.ThreatInfo, error) {
					panic("bad zip")
				}},
				Language: &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
					panic("bad model")
				}},
			}
		},
		"missing": func() providers.Set { return providers.Set{} },
		"slow": func() providers.Set {
			wait := func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}
			return providers.Set{
				Links: &mockLinks{fn: func(ctx context.Context, _ string) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, wait(ctx)
				}},
				Attachments: &mockAttachments{fn: func(ctx context.Context, _ models.File) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, wait(ctx)
				}},
				Language: &mockLanguage{fn: func(ctx context.Context, _, _ string) (models.ThreatInfo, error) {
					return models.ThreatInfo{}, wait(ctx)
				}},
			}
		},
	}

	for name, set := range modes {
		for _, links := range []bool{false, true} {
			for _, attachments := range []bool{false, true} {
				t.Run(fmt.Sprintf("%s/links=%v/attachments=%v", name, links, attachments), func(t *testing.T) {
					email := plainEmail()
					if links {
						email.Links = []string{"https://example.com/1", "https://example.com/2"}
					}
					if attachments {
						email.Attachments = []models.File{{Filename: "x.bin", ContentType: "application/octet-stream", Data: []byte{1, 2, 3}}}
					}

					ctrl := NewController(set(), Options{BranchTimeout: 20 * time.Millisecond})
					r, err := ctrl.Assess(context.Background(), email)
					if err != nil {
						t.Fatalf("Assess: %v", err)
					}
					if !r.State.Terminal() {
						t.Errorf("state = %s, want terminal", r.State)
					}
					if r.Disposition == "" {
						t.Error("disposition not set")
					}
					if r.Score < 0 || r.Score > 1 {
						t.Errorf("score = %v", r.Score)
					}
				})
			}
		}
	}
}

// TestAssess_Cancelled verifies cancellation abandons the ticket and returns the context error.
func TestAssess_Cancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	ctrl := NewController(providers.Set{
		Language: &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
			close(started)
			<-release
			return models.NewThreatInfo(1), nil
		}},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	r, err := ctrl.Assess(ctx, plainEmail())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r != nil {
		t.Errorf("report = %+v, want nil", r)
	}
}

// TestAssess_AlreadyCancelled verifies no analysis starts for a dead context.
func TestAssess_AlreadyCancelled(t *testing.T) {
	language := &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
		t.Error("language analyzer should not run")
		return models.ThreatInfo{}, nil
	}}
	ctrl := NewController(providers.Set{Language: language}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ctrl.Assess(ctx, plainEmail()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// TestAssess_ValidationError verifies malformed artifacts are rejected before any analysis.
func TestAssess_ValidationError(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *models.EmailArtifact)
		field  string
	}{
		{"empty sender", func(e *models.EmailArtifact) { e.From.Address = "" }, "from"},
		{"empty link", func(e *models.EmailArtifact) { e.Links = []string{"https://a.example", " "} }, "links[1]"},
		{"attachment without bytes", func(e *models.EmailArtifact) {
			e.Attachments = []models.File{{Filename: "invoice.pdf"}}
		}, "attachments[0]"},
	}

	ctrl := NewController(providers.Set{Language: scoreLanguage(0)}, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := plainEmail()
			tt.mutate(email)

			_, err := ctrl.Assess(context.Background(), email)
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if _, err := ctrl.Assess(context.Background(), nil); err == nil {
		t.Error("nil email should be rejected")
	}
}

// TestAssess_LinkLimits verifies links are de-duplicated and capped.
func TestAssess_LinkLimits(t *testing.T) {
	email := plainEmail()
	email.Links = []string{
		"https://a.example", "https://a.example", "https://b.example",
		"https://c.example", "https://d.example",
	}
	links := scoreLink(0.1)
	ctrl := NewController(providers.Set{Links: links, Language: scoreLanguage(0)}, Options{MaxLinks: 2})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if n := links.calls.Load(); n != 2 {
		t.Errorf("link analyzer called %d times, want 2", n)
	}
	reasons := strings.Join(r.Threats[models.CategoryLinks].Reasons, " ")
	if !strings.Contains(reasons, "2 additional links not analysed") {
		t.Errorf("reasons = %q", reasons)
	}
}

// TestAssess_AttachmentFindings verifies per-attachment details are reported.
func TestAssess_AttachmentFindings(t *testing.T) {
	email := plainEmail()
	email.Attachments = []models.File{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("abc")}}

	ctrl := NewController(providers.Set{
		Attachments: scoreAttachment(0.35, "unexpected type"),
		Language:    scoreLanguage(0),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if len(r.Attachments) != 1 {
		t.Fatalf("attachments = %+v", r.Attachments)
	}
	a := r.Attachments[0]
	const abc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if a.SHA256 != abc || a.Size != 3 || a.Score != 0.35 {
		t.Errorf("finding = %+v", a)
	}
	if r.Disposition != DispositionSuspicious {
		t.Errorf("disposition = %s, want SUSPICIOUS", r.Disposition)
	}
}

// TestAssess_ContentUrgency verifies the initial scan's urgency reaches the report.
func TestAssess_ContentUrgency(t *testing.T) {
	ctrl := NewController(providers.Set{
		Content:  &mockContent{result: providers.ContentResult{Threat: models.NewThreatInfo(0.2, "urgent wording"), Urgency: 4}},
		Language: scoreLanguage(0),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), plainEmail())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if r.Urgency != 4 {
		t.Errorf("urgency = %d, want 4", r.Urgency)
	}
	if r.Threats[models.CategoryContent].Score != 0.2 {
		t.Errorf("content = %+v", r.Threats[models.CategoryContent])
	}
}

// TestAssess_CustomClassifier verifies an injected classifier replaces the thresholds.
func TestAssess_CustomClassifier(t *testing.T) {
	ctrl := NewController(providers.Set{Language: scoreLanguage(0)}, Options{Classifier: fixedClassifier(DispositionSuspicious)})

	r, err := ctrl.Assess(context.Background(), plainEmail())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if r.Disposition != DispositionSuspicious || r.State != StateSuspicious {
		t.Errorf("disposition = %s, state = %s", r.Disposition, r.State)
	}
}

// TestController_StrictInvariant verifies strict mode panics on invariant violations.
func TestController_StrictInvariant(t *testing.T) {
	ctrl := NewController(providers.Set{}, Options{Strict: true})
	err := &InternalInvariantError{TicketID: "t1", Op: "test", Detail: "broken"}

	defer func() {
		p := recover()
		if p == nil {
			t.Fatal("expected panic")
		}
		if !IsInvariant(p.(error)) {
			t.Errorf("panic value = %v", p)
		}
	}()
	ctrl.invariant(slog.Default(), err)
}

// TestController_LenientInvariant verifies non-strict mode only logs.
func TestController_LenientInvariant(t *testing.T) {
	ctrl := NewController(providers.Set{}, Options{})
	ctrl.invariant(slog.Default(), &InternalInvariantError{TicketID: "t1", Op: "test", Detail: "broken"})
}

// TestAssess_Concurrent verifies independent assessments can share a controller.
func TestAssess_Concurrent(t *testing.T) {
	ctrl := NewController(providers.Set{
		Links:    scoreLink(0.5),
		Language: scoreLanguage(0.1),
	}, Options{})

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			email := plainEmail()
			email.MessageID = fmt.Sprintf("<m%d@example.com>", i)
			if i%2 == 0 {
				email.Links = []string{"https://example.com"}
			}
			r, err := ctrl.Assess(context.Background(), email)
			if err == nil && r.MessageID != email.MessageID {
				err = fmt.Errorf("report for %s has message id %s", email.MessageID, r.MessageID)
			}
			errs <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

type panicContent struct{}

func (panicContent) Name() string { return "panic-content" }

func (panicContent) ScanContent(context.Context, *models.EmailArtifact) (providers.ContentResult, error) {
	panic("bad header")
}

// TestAssess_ContentScanPanic verifies a panicking content scanner yields unknown content evidence.
func TestAssess_ContentScanPanic(t *testing.T) {
	ctrl := NewController(providers.Set{
		Content:  panicContent{},
		Language: scoreLanguage(0.1),
	}, Options{})

	r, err := ctrl.Assess(context.Background(), plainEmail())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	content := r.Threats[models.CategoryContent]
	if !content.Unavailable || content.Score != 0 {
		t.Errorf("content = %+v, want unknown evidence", content)
	}
	if r.Urgency != 0 {
		t.Errorf("urgency = %d, want 0", r.Urgency)
	}
	if !r.State.Terminal() {
		t.Errorf("state = %s, want terminal", r.State)
	}
}

// TestAssess_ProviderIgnoresDeadline verifies a branch gives up at its deadline even if the
// provider never returns, and that the late result is discarded.
func TestAssess_ProviderIgnoresDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctrl := NewController(providers.Set{
		Language: &mockLanguage{fn: func(context.Context, string, string) (models.ThreatInfo, error) {
			<-release
			return models.NewThreatInfo(0), nil
		}},
	}, Options{BranchTimeout: 20 * time.Millisecond})

	type outcome struct {
		report *Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := ctrl.Assess(context.Background(), plainEmail())
		done <- outcome{r, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Assess still running after the branch deadline")
	}
	if out.err != nil {
		t.Fatalf("Assess: %v", out.err)
	}

	language := out.report.Threats[models.CategoryLanguage]
	if !language.Unavailable {
		t.Errorf("language = %+v, want unknown evidence", language)
	}
	if len(out.report.Degraded) != 1 || out.report.Degraded[0] != models.CategoryLanguage {
		t.Errorf("degraded = %v, want [language]", out.report.Degraded)
	}
	if !strings.Contains(strings.Join(language.Reasons, " "), "mock-language") {
		t.Errorf("reasons = %q, want the provider named", language.Reasons)
	}
}

// TestAssess_AttachmentsConcurrent verifies attachments are scanned in parallel, so one slow
// file does not consume the whole branch budget.
func TestAssess_AttachmentsConcurrent(t *testing.T) {
	var inFlight atomic.Int32
	both := make(chan struct{})

	scanner := &mockAttachments{fn: func(ctx context.Context, _ models.File) (models.ThreatInfo, error) {
		if inFlight.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return models.NewThreatInfo(0.2, "scanned"), nil
		case <-ctx.Done():
			return models.ThreatInfo{}, ctx.Err()
		}
	}}

	email := plainEmail()
	email.Attachments = []models.File{
		{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("a")},
		{Filename: "b.pdf", ContentType: "application/pdf", Data: []byte("b")},
	}
	ctrl := NewController(providers.Set{
		Attachments: scanner,
		Language:    scoreLanguage(0),
	}, Options{BranchTimeout: 2 * time.Second, AttachmentConcurrency: 2})

	r, err := ctrl.Assess(context.Background(), email)
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	for _, a := range r.Attachments {
		if a.Unavailable || a.Score != 0.2 {
			t.Errorf("finding = %+v, want scanned concurrently", a)
		}
	}
	if len(r.Attachments) != 2 || r.Attachments[0].Filename != "a.pdf" || r.Attachments[1].Filename != "b.pdf" {
		t.Errorf("attachments = %+v, want input order", r.Attachments)
	}
}
