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

	"github.com/bcem/guardian/internal/models"
)

// phraseGroup is a family of manipulation cues. Phrases are stored folded
// (lowercase, no diacritics) and cover English and French.
type phraseGroup struct {
	name    string
	weight  float64
	phrases []string
}

var languageGroups = []phraseGroup{
	{
		name:   "urgency",
		weight: 0.2,
		phrases: []string{
			"urgent", "immediately", "right away", "within 24 hours", "act now", "as soon as possible", "final notice",
			"urgence", "urgemment", "immediatement", "des que possible", "sans delai", "dernier rappel",
		},
	},
	{
		name:   "credential request",
		weight: 0.35,
		phrases: []string{
			"password", "verify your account", "confirm your identity", "login details", "security code", "update your payment",
			"mot de passe", "identifiants", "verifier votre compte", "confirmer votre identite", "code de securite",
		},
	},
	{
		name:   "money request",
		weight: 0.3,
		phrases: []string{
			"wire transfer", "gift card", "bitcoin", "send money", "bank details", "western union", "outstanding invoice",
			"virement", "carte cadeau", "envoyer de l'argent", "coordonnees bancaires", "me donner 100", "facture impayee",
		},
	},
	{
		name:   "threat",
		weight: 0.25,
		phrases: []string{
			"account suspended", "will be closed", "legal action", "account locked", "unauthorized activity",
			"compte suspendu", "sera ferme", "poursuites", "compte bloque", "activite suspecte",
		},
	},
	{
		name:   "distress story",
		weight: 0.3,
		phrases: []string{
			"i'm stuck", "i am stuck", "lost my wallet", "stranded", "need your help urgently",
			"je suis bloque", "perdu mon porte", "j'ai besoin de ton aide", "j'ai besoin de votre aide",
		},
	},
	{
		name:   "reward",
		weight: 0.25,
		phrases: []string{
			"you have won", "claim your prize", "congratulations", "lottery", "inheritance",
			"vous avez gagne", "felicitations", "reclamez votre", "loterie", "heritage",
		},
	},
}

// Language scores the subject and body for social-engineering cues.
type Language struct{}

// NewLanguage returns the rule-based language analyzer.
func NewLanguage() *Language { return &Language{} }

func (*Language) Name() string { return "rules" }

// AnalyzeText never fails.
func (*Language) AnalyzeText(_ context.Context, subject, body string) (models.ThreatInfo, error) {
	s, reasons := score(languageRules(subject + "\n" + body))
	return models.NewThreatInfo(s, reasons...), nil
}

func languageRules(text string) []rule {
	folded := fold(text)
	var hits []rule
	for _, g := range languageGroups {
		var matched []string
		for _, p := range g.phrases {
			if strings.Contains(folded, p) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			continue
		}
		hits = append(hits, rule{g.weight, fmt.Sprintf("%s language: %q", g.name, strings.Join(matched, `", "`))})
	}
	return hits
}
