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
	"sort"
	"strings"

	"github.com/bcem/guardian/internal/models"
)

// Combination weights. Both terms are non-decreasing in every category
// score, so a safe category can never cancel another category's evidence.
const (
	maxWeight           = 0.75
	corroborationWeight = 0.25
)

// Evidence is the set of category signals an overall score is derived from.
type Evidence struct {
	Content     models.ThreatInfo
	Links       models.ThreatInfo
	Attachments models.ThreatInfo
	Language    models.ThreatInfo
}

// Get returns the signal for c.
func (e Evidence) Get(c models.Category) models.ThreatInfo {
	switch c {
	case models.CategoryContent:
		return e.Content
	case models.CategoryLinks:
		return e.Links
	case models.CategoryAttachments:
		return e.Attachments
	case models.CategoryLanguage:
		return e.Language
	}
	return models.ThreatInfo{}
}

// Aggregate combines the category signals into an overall score in [0, 1]
// and a human-readable rationale:
//
//	score = 0.75 * max(s) + 0.25 * (1 - Π(1 - s))
//
// The strongest signal dominates, and independent corroborating signals
// raise the score further. Aggregate does not modify its input and its
// output depends only on the four values, not on the order they arrived.
func Aggregate(e Evidence) (float64, string) {
	var (
		highest  float64
		survival = 1.0
	)
	for _, c := range models.Categories {
		s := models.ClampScore(e.Get(c).Score)
		if s > highest {
			highest = s
		}
		survival *= 1 - s
	}

	score := models.ClampScore(maxWeight*highest + corroborationWeight*(1-survival))
	return score, rationale(e, score)
}

func rationale(e Evidence, score float64) string {
	type contribution struct {
		category models.Category
		info     models.ThreatInfo
	}

	var (
		contributing []contribution
		degraded     []string
	)
	for _, c := range models.Categories {
		info := e.Get(c)
		if info.Unavailable {
			degraded = append(degraded, string(c))
		}
		if models.ClampScore(info.Score) > 0 {
			contributing = append(contributing, contribution{category: c, info: info})
		}
	}
	// Stable sort keeps canonical category order for equal scores.
	sort.SliceStable(contributing, func(i, j int) bool {
		return models.ClampScore(contributing[i].info.Score) > models.ClampScore(contributing[j].info.Score)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "overall threat score %.2f", score)
	if len(contributing) == 0 {
		b.WriteString(": no threat indicators found")
	}
	for i, c := range contributing {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %.2f", c.category, models.ClampScore(c.info.Score))
		if len(c.info.Reasons) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(c.info.Reasons, "; "))
		}
	}
	if len(degraded) > 0 {
		fmt.Fprintf(&b, "; analysis unavailable for: %s", strings.Join(degraded, ", "))
	}
	return b.String()
}
