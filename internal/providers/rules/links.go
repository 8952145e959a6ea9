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
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/bcem/guardian/internal/models"
)

// TLDs commonly used by throwaway phishing domains.
var suspiciousTLDs = map[string]bool{
	"xyz": true, "top": true, "club": true, "work": true,
	"gq": true, "ml": true, "cf": true, "tk": true, "ga": true,
}

var shorteners = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "goo.gl": true, "is.gd": true,
	"cl.ly": true, "adf.ly": true, "t.co": true, "tiny.cc": true,
	"ow.ly": true, "rebrand.ly": true, "cutt.ly": true,
}

var riskyPathSuffixes = []string{
	".exe", ".scr", ".zip", ".rar", ".7z", ".js", ".vbs", ".bat", ".msi", ".apk", ".iso",
}

var credentialKeywords = []string{
	"bank", "secure", "account", "update", "verify", "wallet", "confirm", "login", "password", "signin",
}

// Links scores URLs with static heuristics on their structure.
type Links struct{}

// NewLinks returns the rule-based link analyzer.
func NewLinks() *Links { return &Links{} }

func (*Links) Name() string { return "rules" }

// AnalyzeLink never fails: an unparseable URL is itself a signal.
func (l *Links) AnalyzeLink(_ context.Context, rawURL string) (models.ThreatInfo, error) {
	s, reasons := score(linkRules(rawURL))
	return models.NewThreatInfo(s, reasons...), nil
}

func linkRules(rawURL string) []rule {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if !strings.Contains(raw, "://") {
			u, err = url.Parse("http://" + raw)
		}
		if err != nil || u == nil || u.Host == "" {
			return []rule{{0.4, "malformed URL"}}
		}
	}

	var hits []rule
	host := strings.ToLower(u.Hostname())

	if u.Scheme == "http" {
		hits = append(hits, rule{0.1, "unencrypted http link"})
	}
	if u.User != nil {
		hits = append(hits, rule{0.4, "credentials or @ in URL authority"})
	}
	if ip := net.ParseIP(host); ip != nil {
		hits = append(hits, rule{0.4, fmt.Sprintf("raw IP address host %s", host)})
	}
	if shorteners[strings.TrimPrefix(host, "www.")] {
		hits = append(hits, rule{0.35, fmt.Sprintf("URL shortener %s", host)})
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && suspiciousTLDs[host[i+1:]] {
		hits = append(hits, rule{0.3, fmt.Sprintf("suspicious TLD .%s", host[i+1:])})
	}
	if strings.HasPrefix(host, "xn--") || strings.Contains(host, ".xn--") {
		hits = append(hits, rule{0.35, "punycode host name"})
	}
	if strings.Count(host, ".") >= 4 {
		hits = append(hits, rule{0.15, "deeply nested subdomains"})
	}

	ext := strings.ToLower(path.Ext(u.Path))
	for _, s := range riskyPathSuffixes {
		if ext == s {
			hits = append(hits, rule{0.5, fmt.Sprintf("links directly to a %s file", s)})
			break
		}
	}

	target := strings.ToLower(host + u.Path)
	var found []string
	for _, k := range credentialKeywords {
		if strings.Contains(target, k) {
			found = append(found, k)
		}
	}
	if len(found) > 0 {
		w := 0.1 * float64(len(found))
		if w > 0.3 {
			w = 0.3
		}
		hits = append(hits, rule{w, fmt.Sprintf("credential keywords in URL: %s", strings.Join(found, ", "))})
	}
	return hits
}
