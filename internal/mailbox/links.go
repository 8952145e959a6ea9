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

package mailbox

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var textLink = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'()\[\]{}]+`)

// trailing punctuation that usually ends a sentence rather than a URL.
const linkTrim = ".,;:!?'\""

// TextLinks returns the URLs written in plain text, in order.
func TextLinks(text string) []string {
	var out []string
	for _, m := range textLink.FindAllString(text, -1) {
		if m = strings.TrimRight(m, linkTrim); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// HTMLLinks returns the href targets of anchors and areas, in document
// order, skipping mailto:, tel: and fragment links.
func HTMLLinks(doc string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !hasAttr || (string(name) != "a" && string(name) != "area") {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					if href := strings.TrimSpace(string(val)); keepHref(href) {
						out = append(out, href)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func keepHref(href string) bool {
	lower := strings.ToLower(href)
	switch {
	case href == "", strings.HasPrefix(href, "#"):
		return false
	case strings.HasPrefix(lower, "mailto:"), strings.HasPrefix(lower, "tel:"), strings.HasPrefix(lower, "cid:"):
		return false
	}
	return true
}

// mergeLinks concatenates link lists, dropping repeats and keeping first
// occurrences.
func mergeLinks(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, u := range l {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
