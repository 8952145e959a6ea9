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

package models

import (
	"fmt"
	"math"
)

// Category identifies one stream of threat evidence.
type Category string

const (
	CategoryContent     Category = "content"
	CategoryLinks       Category = "links"
	CategoryAttachments Category = "attachments"
	CategoryLanguage    Category = "language"
)

// Categories lists every evidence category in canonical order.
var Categories = []Category{CategoryContent, CategoryLinks, CategoryAttachments, CategoryLanguage}

// ThreatInfo is a normalised threat signal: a score in [0, 1] and the
// reasons that produced it. Unavailable marks zero-confidence evidence
// recorded in place of a failed analysis.
type ThreatInfo struct {
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	Unavailable bool     `json:"unavailable,omitempty"`
}

// NewThreatInfo builds a ThreatInfo with the score clamped to [0, 1].
func NewThreatInfo(score float64, reasons ...string) ThreatInfo {
	return ThreatInfo{Score: ClampScore(score), Reasons: append([]string(nil), reasons...)}
}

// UnknownThreat is the evidence recorded when a category's provider failed.
func UnknownThreat(category Category, err error) ThreatInfo {
	return ThreatInfo{
		Score:       0,
		Reasons:     []string{fmt.Sprintf("%s analysis unavailable: %v", category, err)},
		Unavailable: true,
	}
}

// Clone returns a copy that shares no memory with t.
func (t ThreatInfo) Clone() ThreatInfo {
	t.Reasons = append([]string(nil), t.Reasons...)
	return t
}

// ClampScore forces a score into [0, 1]. NaN becomes 0.
func ClampScore(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// LinkFinding records the analysis of a single link.
type LinkFinding struct {
	URL         string   `json:"url"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	Unavailable bool     `json:"unavailable,omitempty"`
}

// AttachmentFinding records the analysis of a single attachment.
type AttachmentFinding struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	SHA256      string   `json:"sha256"`
	Size        int      `json:"size"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	Unavailable bool     `json:"unavailable,omitempty"`
}
