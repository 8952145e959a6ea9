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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

const (
	// DefaultBranchTimeout bounds a single analysis branch.
	DefaultBranchTimeout = 2 * time.Minute
	// DefaultMaxLinks caps the number of distinct links analysed per email.
	DefaultMaxLinks = 20
	// DefaultLinkConcurrency caps concurrent link provider calls per email.
	DefaultLinkConcurrency = 4
	// DefaultAttachmentConcurrency caps concurrent attachment scans per email.
	DefaultAttachmentConcurrency = 2
)

// Options tune the controller.
type Options struct {
	BranchTimeout   time.Duration
	MaxLinks        int
	LinkConcurrency int
	// AttachmentConcurrency caps concurrent attachment scans per email.
	AttachmentConcurrency int
	// Strict turns invariant violations into panics (debug builds).
	// Otherwise they are logged and ignored.
	Strict     bool
	Classifier Classifier
}

// Controller runs assessments. It holds no per-ticket state, so any number
// of Assess calls may run concurrently.
type Controller struct {
	providers  providers.Set
	opts       Options
	classifier Classifier
}

// NewController creates a workflow controller over the given providers.
func NewController(set providers.Set, opts Options) *Controller {
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = DefaultBranchTimeout
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = DefaultMaxLinks
	}
	if opts.LinkConcurrency <= 0 {
		opts.LinkConcurrency = DefaultLinkConcurrency
	}
	if opts.AttachmentConcurrency <= 0 {
		opts.AttachmentConcurrency = DefaultAttachmentConcurrency
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = ThresholdClassifier{}
	}
	return &Controller{providers: set, opts: opts, classifier: classifier}
}

// Assess runs the full workflow for one email and returns its report.
//
// The email is validated first; a *models.ValidationError aborts the
// assessment. Analysis branches run in parallel and their results are
// funnelled through a single loop, which is the only writer of the ticket.
// Provider failures never fail the assessment: the category is completed
// with unknown evidence. If ctx is cancelled, branches not yet started are
// skipped, late results are discarded and ctx.Err() is returned.
func (c *Controller) Assess(ctx context.Context, email *models.EmailArtifact) (*Report, error) {
	if email == nil {
		return nil, &models.ValidationError{Field: "email", Reason: "no email supplied"}
	}
	if err := email.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	ticket := NewTicket(email)
	logger := slog.With("ticket_id", ticket.ID(), "message_id", email.MessageID)

	logger.Info("assessment started",
		"links", len(email.Links),
		"attachments", len(email.Attachments),
	)

	next, err := ticket.ScanComplete(c.initialScan(ctx, ticket.email))
	if err != nil {
		c.invariant(logger, err)
	}

	// Buffered so branches never block on a loop that has returned.
	results := make(chan Result, len(branchCategories))
	pending := 0
	generate := containsState(next, StateGenerateReport)

	for _, state := range next {
		category, ok := state.Category()
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := ticket.Dispatch(category); err != nil {
			c.invariant(logger, err)
			continue
		}
		pending++
		logger.Debug("branch dispatched", "state", state)
		go func() {
			results <- c.runBranch(ctx, ticket.email, category)
		}()
	}

	for !generate {
		if pending == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := &InternalInvariantError{TicketID: ticket.ID(), Op: "assess", Detail: "no branch pending and report not triggered"}
			c.invariant(logger, err)
			return nil, err
		}

		select {
		case r := <-results:
			pending--
			if err := ctx.Err(); err != nil {
				logger.Warn("assessment cancelled", "pending_branches", pending)
				return nil, err
			}
			steps, err := ticket.Complete(r)
			if err != nil {
				c.invariant(logger, err)
				continue
			}
			logger.Debug("branch complete",
				"category", r.Category,
				"score", r.Threat.Score,
				"unavailable", r.Threat.Unavailable,
			)
			generate = containsState(steps, StateGenerateReport)
		case <-ctx.Done():
			logger.Warn("assessment cancelled", "pending_branches", pending)
			return nil, ctx.Err()
		}
	}

	disposition, err := ticket.Finalize(c.classifier)
	if err != nil {
		c.invariant(logger, err)
		return nil, err
	}

	report := ticket.Report()
	logger.Info("assessment complete",
		"disposition", disposition,
		"score", report.Score,
		"urgency", report.Urgency,
		"degraded", len(report.Degraded),
		"elapsed", time.Since(start),
	)
	return report, nil
}

func (c *Controller) invariant(logger *slog.Logger, err error) {
	if c.opts.Strict {
		panic(err)
	}
	logger.Error("internal invariant violated", "error", err)
}

// initialScan runs the content scanner. A failure or panic yields unknown
// content evidence and urgency 0.
func (c *Controller) initialScan(ctx context.Context, email *models.EmailArtifact) (result providers.ContentResult) {
	if c.providers.Content == nil {
		return providers.ContentResult{Threat: models.ThreatInfo{}}
	}
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("provider panic: %v", p)
			slog.Error("content scan panicked", "message_id", email.MessageID, "error", err)
			result = providers.ContentResult{Threat: models.UnknownThreat(models.CategoryContent, err)}
		}
	}()

	result, err := c.providers.Content.ScanContent(ctx, email)
	if err != nil {
		slog.Warn("content scan failed", "message_id", email.MessageID, "error", err)
		return providers.ContentResult{Threat: models.UnknownThreat(models.CategoryContent, err)}
	}
	result.Threat.Score = models.ClampScore(result.Threat.Score)
	return result
}

// runBranch executes one analysis branch. It always returns a result: a
// failure, timeout or panic in a provider becomes unknown evidence. The
// branch returns at its deadline even if the provider ignores ctx; the
// provider's late result is dropped.
func (c *Controller) runBranch(ctx context.Context, email *models.EmailArtifact, category models.Category) Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.BranchTimeout)
	defer cancel()

	// Buffered so an abandoned analysis can still finish and exit.
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("provider panic: %v", p)
				slog.Error("analysis branch panicked", "category", category, "error", err)
				done <- Result{Category: category, Threat: models.UnknownThreat(category, err)}
			}
		}()
		done <- c.analyze(ctx, email, category)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		err := providers.Wrap(c.providerName(category), ctx.Err())
		slog.Warn("analysis branch abandoned", "category", category, "message_id", email.MessageID, "error", err)
		return Result{Category: category, Threat: models.UnknownThreat(category, err)}
	}
}

func (c *Controller) analyze(ctx context.Context, email *models.EmailArtifact, category models.Category) Result {
	switch category {
	case models.CategoryLinks:
		return c.analyzeLinks(ctx, email)
	case models.CategoryAttachments:
		return c.analyzeAttachments(ctx, email)
	default:
		return c.analyzeLanguage(ctx, email)
	}
}

// providerName names the provider behind a branch for error reporting.
func (c *Controller) providerName(category models.Category) string {
	switch {
	case category == models.CategoryLinks && c.providers.Links != nil:
		return c.providers.Links.Name()
	case category == models.CategoryAttachments && c.providers.Attachments != nil:
		return c.providers.Attachments.Name()
	case category == models.CategoryLanguage && c.providers.Language != nil:
		return c.providers.Language.Name()
	}
	return string(category)
}

func (c *Controller) analyzeLinks(ctx context.Context, email *models.EmailArtifact) Result {
	links, skipped := distinctLinks(email.Links, c.opts.MaxLinks)
	findings := make([]models.LinkFinding, len(links))
	errs := make([]error, len(links))

	analyzer := c.providers.Links
	var g errgroup.Group
	g.SetLimit(c.opts.LinkConcurrency)
	for i, link := range links {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("provider panic: %v", p)
					findings[i] = models.LinkFinding{URL: link, Unavailable: true, Reasons: []string{fmt.Sprintf("analysis unavailable: %v", errs[i])}}
				}
			}()
			if analyzer == nil {
				errs[i] = providers.Errorf("links", providers.KindRejected, "no link analyzer configured")
			} else if err := ctx.Err(); err != nil {
				errs[i] = providers.Wrap(analyzer.Name(), err)
			} else {
				var info models.ThreatInfo
				info, errs[i] = analyzer.AnalyzeLink(ctx, link)
				if errs[i] == nil {
					findings[i] = models.LinkFinding{URL: link, Score: models.ClampScore(info.Score), Reasons: info.Reasons}
					return nil
				}
			}
			findings[i] = models.LinkFinding{
				URL:         link,
				Unavailable: true,
				Reasons:     []string{fmt.Sprintf("analysis unavailable: %v", errs[i])},
			}
			return nil
		})
	}
	_ = g.Wait()

	threat, failed := summarise(models.CategoryLinks, errs, func(i int) (string, float64, []string) {
		return findings[i].URL, findings[i].Score, findings[i].Reasons
	})
	if !failed && skipped > 0 {
		threat.Reasons = append(threat.Reasons, fmt.Sprintf("%d additional links not analysed", skipped))
	}
	return Result{Category: models.CategoryLinks, Threat: threat, Links: findings}
}

func (c *Controller) analyzeAttachments(ctx context.Context, email *models.EmailArtifact) Result {
	findings := make([]models.AttachmentFinding, len(email.Attachments))
	errs := make([]error, len(email.Attachments))

	analyzer := c.providers.Attachments
	var g errgroup.Group
	g.SetLimit(c.opts.AttachmentConcurrency)
	for i, file := range email.Attachments {
		sum := sha256.Sum256(file.Data)
		findings[i] = models.AttachmentFinding{
			Filename:    file.Filename,
			ContentType: file.ContentType,
			SHA256:      hex.EncodeToString(sum[:]),
			Size:        len(file.Data),
		}

		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("provider panic: %v", p)
					findings[i].Unavailable = true
					findings[i].Reasons = []string{fmt.Sprintf("analysis unavailable: %v", errs[i])}
				}
			}()
			switch {
			case analyzer == nil:
				errs[i] = providers.Errorf("attachments", providers.KindRejected, "no attachment analyzer configured")
			case ctx.Err() != nil:
				errs[i] = providers.Wrap(analyzer.Name(), ctx.Err())
			default:
				var info models.ThreatInfo
				info, errs[i] = analyzer.AnalyzeAttachment(ctx, file)
				if errs[i] == nil {
					findings[i].Score = models.ClampScore(info.Score)
					findings[i].Reasons = info.Reasons
					return nil
				}
			}
			findings[i].Unavailable = true
			findings[i].Reasons = []string{fmt.Sprintf("analysis unavailable: %v", errs[i])}
			return nil
		})
	}
	_ = g.Wait()

	threat, _ := summarise(models.CategoryAttachments, errs, func(i int) (string, float64, []string) {
		return findings[i].Filename, findings[i].Score, findings[i].Reasons
	})
	return Result{Category: models.CategoryAttachments, Threat: threat, Attachments: findings}
}

func (c *Controller) analyzeLanguage(ctx context.Context, email *models.EmailArtifact) Result {
	if c.providers.Language == nil {
		err := providers.Errorf("language", providers.KindRejected, "no language analyzer configured")
		return Result{Category: models.CategoryLanguage, Threat: models.UnknownThreat(models.CategoryLanguage, err)}
	}
	info, err := c.providers.Language.AnalyzeText(ctx, email.Subject, email.Body)
	if err != nil {
		slog.Warn("language analysis failed", "message_id", email.MessageID, "error", err)
		return Result{Category: models.CategoryLanguage, Threat: models.UnknownThreat(models.CategoryLanguage, err)}
	}
	return Result{Category: models.CategoryLanguage, Threat: models.NewThreatInfo(info.Score, info.Reasons...)}
}

// summarise folds per-artifact outcomes into the category signal: the
// highest artifact score, with a reason per flagged or failed artifact.
// If every artifact failed the category is unknown evidence; failed
// reports whether that happened.
func summarise(category models.Category, errs []error, item func(int) (string, float64, []string)) (models.ThreatInfo, bool) {
	var (
		threat   models.ThreatInfo
		failures []error
	)
	for i, err := range errs {
		name, score, reasons := item(i)
		if err != nil {
			failures = append(failures, err)
			threat.Reasons = append(threat.Reasons, fmt.Sprintf("%s: analysis unavailable: %v", name, err))
			continue
		}
		if score > threat.Score {
			threat.Score = score
		}
		if score > 0 {
			threat.Reasons = append(threat.Reasons, fmt.Sprintf("%s: %s", name, strings.Join(reasons, "; ")))
		}
	}
	if len(errs) > 0 && len(failures) == len(errs) {
		return models.UnknownThreat(category, errors.Join(failures...)), true
	}
	threat.Score = models.ClampScore(threat.Score)
	return threat, false
}

// distinctLinks drops duplicate links, keeping first occurrences, and caps
// the result at max entries. It returns the number of links left out.
func distinctLinks(links []string, max int) ([]string, int) {
	seen := make(map[string]bool, len(links))
	var out []string
	skipped := 0
	for _, l := range links {
		l = strings.TrimSpace(l)
		if seen[l] {
			continue
		}
		seen[l] = true
		if len(out) >= max {
			skipped++
			continue
		}
		out = append(out, l)
	}
	return out, skipped
}
