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

// Package analyzers builds the signal provider set from configuration.
package analyzers

import (
	"fmt"
	"log/slog"

	"github.com/bcem/guardian/internal/config"
	"github.com/bcem/guardian/internal/providers"
	"github.com/bcem/guardian/internal/providers/mistral"
	"github.com/bcem/guardian/internal/providers/rules"
	"github.com/bcem/guardian/internal/providers/urlscan"
	"github.com/bcem/guardian/internal/providers/virustotal"
)

// builder creates each remote client at most once so the link and
// attachment strategies share it.
type builder struct {
	cfg config.ProvidersConfig

	vt *virustotal.Client
	us *urlscan.Client
	ms *mistral.Client
}

// Build creates the provider set selected by cfg. Remote backends without
// an API key are skipped with a warning; a strategy left with no backend
// falls back to the rule-based one. The content scan is always rule based.
func Build(cfg config.ProvidersConfig) (providers.Set, error) {
	b := &builder{cfg: cfg}

	links, err := b.links()
	if err != nil {
		return providers.Set{}, err
	}
	attachments, err := b.attachments()
	if err != nil {
		return providers.Set{}, err
	}
	language, err := b.language()
	if err != nil {
		return providers.Set{}, err
	}

	set := providers.Set{
		Content:     rules.NewContent(),
		Links:       links,
		Attachments: attachments,
		Language:    language,
	}
	slog.Info("signal providers configured",
		"content", set.Content.Name(),
		"links", set.Links.Name(),
		"attachments", set.Attachments.Name(),
		"language", set.Language.Name(),
	)
	return set, nil
}

func (b *builder) links() (providers.LinkAnalyzer, error) {
	var out []providers.LinkAnalyzer
	for _, name := range b.cfg.LinkBackends {
		switch name {
		case config.BackendRules:
			out = append(out, rules.NewLinks())
		case config.BackendVirusTotal:
			vt, err := b.virusTotal()
			if err != nil {
				return nil, err
			}
			if vt != nil {
				out = append(out, vt)
			}
		case config.BackendURLScan:
			us, err := b.urlScan()
			if err != nil {
				return nil, err
			}
			if us != nil {
				out = append(out, us)
			}
		case config.BackendMistral:
			ms, err := b.mistral()
			if err != nil {
				return nil, err
			}
			if ms != nil {
				out = append(out, ms)
			}
		default:
			return nil, fmt.Errorf("link backend %q is not supported", name)
		}
	}

	switch len(out) {
	case 0:
		slog.Warn("no usable link backend, using rules")
		return rules.NewLinks(), nil
	case 1:
		return out[0], nil
	}
	return providers.NewCompositeLink(out...), nil
}

func (b *builder) attachments() (providers.AttachmentAnalyzer, error) {
	var out []providers.AttachmentAnalyzer
	for _, name := range b.cfg.AttachmentBackends {
		switch name {
		case config.BackendRules:
			out = append(out, rules.NewAttachments())
		case config.BackendVirusTotal:
			vt, err := b.virusTotal()
			if err != nil {
				return nil, err
			}
			if vt != nil {
				out = append(out, vt)
			}
		default:
			return nil, fmt.Errorf("attachment backend %q is not supported", name)
		}
	}

	switch len(out) {
	case 0:
		slog.Warn("no usable attachment backend, using rules")
		return rules.NewAttachments(), nil
	case 1:
		return out[0], nil
	}
	return providers.NewCompositeAttachment(out...), nil
}

func (b *builder) language() (providers.LanguageAnalyzer, error) {
	switch b.cfg.LanguageBackend {
	case config.BackendRules, "":
		return rules.NewLanguage(), nil
	case config.BackendMistral:
		ms, err := b.mistral()
		if err != nil {
			return nil, err
		}
		if ms == nil {
			slog.Warn("no usable language backend, using rules")
			return rules.NewLanguage(), nil
		}
		return ms, nil
	}
	return nil, fmt.Errorf("language backend %q is not supported", b.cfg.LanguageBackend)
}

// The constructors below return a nil client, not an error, when the
// backend has no API key.

func (b *builder) virusTotal() (*virustotal.Client, error) {
	if b.vt != nil {
		return b.vt, nil
	}
	c := b.cfg.VirusTotal
	if c.APIKey == "" {
		slog.Warn("skipping backend without API key", "backend", config.BackendVirusTotal)
		return nil, nil
	}
	vt, err := virustotal.New(virustotal.Config{
		APIKey:             c.APIKey,
		BaseURL:            c.BaseURL,
		MaliciousThreshold: c.MaliciousThreshold,
		PollInterval:       c.PollInterval,
		PollTimeout:        c.PollTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create virustotal client: %w", err)
	}
	b.vt = vt
	return vt, nil
}

func (b *builder) urlScan() (*urlscan.Client, error) {
	if b.us != nil {
		return b.us, nil
	}
	c := b.cfg.URLScan
	if c.APIKey == "" {
		slog.Warn("skipping backend without API key", "backend", config.BackendURLScan)
		return nil, nil
	}
	us, err := urlscan.New(urlscan.Config{
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		Visibility:   c.Visibility,
		PollDelay:    c.PollDelay,
		PollInterval: c.PollInterval,
		PollTimeout:  c.PollTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create urlscan client: %w", err)
	}
	b.us = us
	return us, nil
}

func (b *builder) mistral() (*mistral.Client, error) {
	if b.ms != nil {
		return b.ms, nil
	}
	c := b.cfg.Mistral
	if c.APIKey == "" {
		slog.Warn("skipping backend without API key", "backend", config.BackendMistral)
		return nil, nil
	}
	ms, err := mistral.New(mistral.Config{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Model:   c.Model,
		Timeout: c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create mistral client: %w", err)
	}
	b.ms = ms
	return ms, nil
}
