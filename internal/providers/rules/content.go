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

package rules

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

// Brands and roles display names commonly borrow.
var impersonated = []string{
	"paypal", "microsoft", "office 365", "apple", "amazon", "netflix", "dhl", "fedex",
	"bank", "banque", "support", "security", "administrator", "it department", "ceo",
}

var freeMailDomains = map[string]bool{
	"gmail.com": true, "yahoo.com": true, "outlook.com": true, "hotmail.com": true,
	"aol.com": true, "gmx.com": true, "proton.me": true, "laposte.net": true,
}

// Content is the initial scanner. It inspects the envelope and the
// message shape and derives an urgency level from 0 to 5.
type Content struct{}

// NewContent returns the rule-based content scanner.
func NewContent() *Content { return &Content{} }

func (*Content) Name() string { return "rules" }

// ScanContent never fails.
func (*Content) ScanContent(_ context.Context, email *models.EmailArtifact) (providers.ContentResult, error) {
	var hits []rule
	hits = append(hits, senderRules(email)...)
	hits = append(hits, subjectRules(email.Subject)...)

	if email.HasAttachments() && email.HasLinks() && len(strings.TrimSpace(email.Body)) < 40 {
		hits = append(hits, rule{0.15, "very short body carrying both links and attachments"})
	}
	if len(email.To) > 20 {
		hits = append(hits, rule{0.1, fmt.Sprintf("sent to %d recipients", len(email.To))})
	}

	s, reasons := score(hits)
	return providers.ContentResult{
		Threat:  models.NewThreatInfo(s, reasons...),
		Urgency: urgency(email.Subject + "\n" + email.Body),
	}, nil
}

func senderRules(email *models.EmailArtifact) []rule {
	var hits []rule
	addr := strings.ToLower(email.From.Address)
	_, domain, _ := strings.Cut(addr, "@")
	name := fold(email.From.Name)

	if strings.Contains(name, "@") && !strings.Contains(name, addr) {
		hits = append(hits, rule{0.4, fmt.Sprintf("display name %q shows a different address", email.From.Name)})
	}
	for _, brand := range impersonated {
		if strings.Contains(name, brand) && freeMailDomains[domain] {
			hits = append(hits, rule{0.4, fmt.Sprintf("display name %q sent from free mail domain %s", email.From.Name, domain)})
			break
		}
	}
	if reply := email.Headers["Reply-To"]; reply != "" && !strings.Contains(strings.ToLower(reply), domain) {
		hits = append(hits, rule{0.2, fmt.Sprintf("Reply-To %s differs from sender domain", reply)})
	}
	return hits
}

func subjectRules(subject string) []rule {
	var hits []rule
	letters, upper := 0, 0
	for _, r := range subject {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 8 && upper*10 >= letters*7 {
		hits = append(hits, rule{0.15, "subject written in capitals"})
	}
	if strings.Count(subject, "!") >= 2 {
		hits = append(hits, rule{0.1, "excessive punctuation in subject"})
	}
	for _, p := range languageGroups[0].phrases {
		if strings.Contains(fold(subject), p) {
			hits = append(hits, rule{0.15, fmt.Sprintf("urgent subject %q", subject)})
			break
		}
	}
	return hits
}

// urgency adds a level per matched pressure cue family, plus one each for
// repeated exclamation marks and a stated deadline. Capped at
// providers.MaxUrgency.
func urgency(text string) int {
	folded := fold(text)
	level := 0
	for _, g := range languageGroups[:4] {
		for _, p := range g.phrases {
			if strings.Contains(folded, p) {
				level++
				break
			}
		}
	}
	if strings.Count(text, "!") >= 3 {
		level++
	}
	for _, d := range []string{"today", "tonight", "24 hours", "48 hours", "aujourd'hui", "ce soir", "24 heures", "48 heures"} {
		if strings.Contains(folded, d) {
			level++
			break
		}
	}
	if level > providers.MaxUrgency {
		level = providers.MaxUrgency
	}
	return level
}
