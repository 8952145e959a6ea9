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

// Package rules implements the rule-based signal providers. They need no
// network access or credentials and never fail, so they are always
// available as a baseline strategy.
package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// rule is one matched heuristic with its weight in [0, 1].
type rule struct {
	weight float64
	reason string
}

// score combines independent rule hits as a noisy-or: each hit raises
// the score without any single rule being able to exceed 1.
func score(hits []rule) (float64, []string) {
	survival := 1.0
	reasons := make([]string, 0, len(hits))
	for _, h := range hits {
		survival *= 1 - h.weight
		reasons = append(reasons, h.reason)
	}
	return 1 - survival, reasons
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases s and strips diacritics so "Urgent" and "urgént" match
// the same phrase.
func fold(s string) string {
	out, _, err := transform.String(foldAccents, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
