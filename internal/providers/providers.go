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

// Package providers defines the signal provider contracts used by the
// assessment workflow, the provider error type, and helpers shared by the
// concrete backends (rule based, reputation services, LLM).
//
// A provider analyses one artifact slice and returns a normalised
// models.ThreatInfo, or fails with an *Error.
package providers

import (
	"context"

	"github.com/bcem/guardian/internal/models"
)

// LinkAnalyzer scores a single URL.
type LinkAnalyzer interface {
	Name() string
	AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error)
}

// AttachmentAnalyzer scores a single attachment.
type AttachmentAnalyzer interface {
	Name() string
	AnalyzeAttachment(ctx context.Context, file models.File) (models.ThreatInfo, error)
}

// LanguageAnalyzer scores the natural-language content of an email.
type LanguageAnalyzer interface {
	Name() string
	AnalyzeText(ctx context.Context, subject, body string) (models.ThreatInfo, error)
}

// ContentResult is the outcome of the initial content scan.
type ContentResult struct {
	Threat  models.ThreatInfo
	Urgency int // 0 (low) to 5 (critical)
}

// ContentScanner performs the initial scan of an email's envelope and shape.
type ContentScanner interface {
	Name() string
	ScanContent(ctx context.Context, email *models.EmailArtifact) (ContentResult, error)
}

// Set groups the providers used for one assessment.
type Set struct {
	Content     ContentScanner
	Links       LinkAnalyzer
	Attachments AttachmentAnalyzer
	Language    LanguageAnalyzer
}

// MaxUrgency is the highest urgency level.
const MaxUrgency = 5
