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

// Package assessment implements the multi-stage email threat assessment
// workflow: a per-ticket state machine that dispatches the applicable
// analyses, collects their evidence in any order, and classifies the email
// exactly once when every applicable analysis has completed.
//
// Workflow:
//
//	INITIAL_SCAN → {ANALYZE_LINKS, ANALYZE_ATTACHMENTS, ANALYZE_LANGUAGE}* → GENERATE_REPORT → SAFE | SUSPICIOUS | CRITICAL
package assessment

import "github.com/bcem/guardian/internal/models"

// State is a step of the assessment workflow.
type State string

const (
	StateInitialScan        State = "initial_scan"
	StateAnalyzeLinks       State = "analyze_links"
	StateAnalyzeAttachments State = "analyze_attachments"
	StateAnalyzeLanguage    State = "analyze_language"
	StateGenerateReport     State = "generate_report"
	StateSafe               State = "safe"
	StateSuspicious         State = "suspicious"
	StateCritical           State = "critical"
)

// branchCategories are the categories analysed by parallel branches, in
// dispatch order. Content is produced by the initial scan.
var branchCategories = []models.Category{
	models.CategoryLinks,
	models.CategoryAttachments,
	models.CategoryLanguage,
}

// Terminal reports whether s ends the workflow.
func (s State) Terminal() bool {
	return s == StateSafe || s == StateSuspicious || s == StateCritical
}

// Category returns the evidence category analysed in s.
func (s State) Category() (models.Category, bool) {
	switch s {
	case StateAnalyzeLinks:
		return models.CategoryLinks, true
	case StateAnalyzeAttachments:
		return models.CategoryAttachments, true
	case StateAnalyzeLanguage:
		return models.CategoryLanguage, true
	}
	return "", false
}

func analysisState(c models.Category) State {
	switch c {
	case models.CategoryLinks:
		return StateAnalyzeLinks
	case models.CategoryAttachments:
		return StateAnalyzeAttachments
	case models.CategoryLanguage:
		return StateAnalyzeLanguage
	}
	return StateInitialScan
}

// Shape describes which artifacts an email carries.
type Shape struct {
	HasLinks       bool
	HasAttachments bool
}

// ShapeOf inspects an artifact.
func ShapeOf(email *models.EmailArtifact) Shape {
	return Shape{HasLinks: email.HasLinks(), HasAttachments: email.HasAttachments()}
}

// Applicable reports whether a branch category must run for this shape.
// Language analysis always applies.
func (s Shape) Applicable(c models.Category) bool {
	switch c {
	case models.CategoryLinks:
		return s.HasLinks
	case models.CategoryAttachments:
		return s.HasAttachments
	case models.CategoryLanguage:
		return true
	}
	return false
}

// Flags are the per-category completion flags of a ticket.
type Flags struct {
	LinksDone       bool
	AttachmentsDone bool
	LanguageDone    bool
}

// Done reports the completion flag for c.
func (f Flags) Done(c models.Category) bool {
	switch c {
	case models.CategoryLinks:
		return f.LinksDone
	case models.CategoryAttachments:
		return f.AttachmentsDone
	case models.CategoryLanguage:
		return f.LanguageDone
	}
	return false
}

func (f *Flags) set(c models.Category) {
	switch c {
	case models.CategoryLinks:
		f.LinksDone = true
	case models.CategoryAttachments:
		f.AttachmentsDone = true
	case models.CategoryLanguage:
		f.LanguageDone = true
	}
}

// AllComplete reports whether every applicable analysis is complete.
func AllComplete(f Flags, s Shape) bool {
	return (!s.HasLinks || f.LinksDone) &&
		(!s.HasAttachments || f.AttachmentsDone) &&
		f.LanguageDone
}

// Next returns the states to enter once from has finished, given the
// current flags. It is a pure function.
//
//   - After INITIAL_SCAN: every applicable, incomplete analysis; or
//     GENERATE_REPORT if there is none.
//   - After an analysis: GENERATE_REPORT if all applicable analyses are
//     complete; otherwise nothing (wait for the other branches).
func Next(from State, f Flags, s Shape) []State {
	switch from {
	case StateInitialScan:
		var next []State
		for _, c := range branchCategories {
			if s.Applicable(c) && !f.Done(c) {
				next = append(next, analysisState(c))
			}
		}
		if len(next) == 0 {
			return []State{StateGenerateReport}
		}
		return next
	case StateAnalyzeLinks, StateAnalyzeAttachments, StateAnalyzeLanguage:
		if AllComplete(f, s) {
			return []State{StateGenerateReport}
		}
	}
	return nil
}

func containsState(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
