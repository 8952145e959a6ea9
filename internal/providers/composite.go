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

package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/guardian/internal/models"
)

// CompositeLink runs several link backends and keeps the most severe verdict.
type CompositeLink struct {
	backends []LinkAnalyzer
}

// NewCompositeLink composes link backends. Order only affects reason order.
func NewCompositeLink(backends ...LinkAnalyzer) *CompositeLink {
	return &CompositeLink{backends: backends}
}

// Name returns e.g. "composite(rules+virustotal)".
func (c *CompositeLink) Name() string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return compositeName(names)
}

// AnalyzeLink queries every backend concurrently.
func (c *CompositeLink) AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error) {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return combine(ctx, c.Name(), names, func(ctx context.Context, i int) (models.ThreatInfo, error) {
		return c.backends[i].AnalyzeLink(ctx, rawURL)
	})
}

// CompositeAttachment runs several attachment backends and keeps the most
// severe verdict.
type CompositeAttachment struct {
	backends []AttachmentAnalyzer
}

// NewCompositeAttachment composes attachment backends.
func NewCompositeAttachment(backends ...AttachmentAnalyzer) *CompositeAttachment {
	return &CompositeAttachment{backends: backends}
}

func (c *CompositeAttachment) Name() string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return compositeName(names)
}

// AnalyzeAttachment queries every backend concurrently.
func (c *CompositeAttachment) AnalyzeAttachment(ctx context.Context, file models.File) (models.ThreatInfo, error) {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return combine(ctx, c.Name(), names, func(ctx context.Context, i int) (models.ThreatInfo, error) {
		return c.backends[i].AnalyzeAttachment(ctx, file)
	})
}

func compositeName(names []string) string {
	return "composite(" + strings.Join(names, "+") + ")"
}

// combine fans a call out to every backend. The combined score is the
// maximum of the successful backends; failed backends are noted in the
// reasons. If every backend fails the combined call fails.
func combine(ctx context.Context, name string, backends []string, call func(context.Context, int) (models.ThreatInfo, error)) (models.ThreatInfo, error) {
	if len(backends) == 0 {
		return models.ThreatInfo{}, Errorf(name, KindRejected, "no backends configured")
	}

	infos := make([]models.ThreatInfo, len(backends))
	errs := make([]error, len(backends))

	var g errgroup.Group
	for i := range backends {
		g.Go(func() error {
			infos[i], errs[i] = call(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	var (
		combined models.ThreatInfo
		failures []error
		ok       int
	)
	for i, backend := range backends {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			combined.Reasons = append(combined.Reasons, fmt.Sprintf("[%s] unavailable: %v", backend, errs[i]))
			continue
		}
		ok++
		if infos[i].Score > combined.Score {
			combined.Score = infos[i].Score
		}
		for _, r := range infos[i].Reasons {
			combined.Reasons = append(combined.Reasons, fmt.Sprintf("[%s] %s", backend, r))
		}
	}

	if ok == 0 {
		kind := KindNetwork
		var pe *Error
		if errors.As(failures[0], &pe) {
			kind = pe.Kind
		}
		return models.ThreatInfo{}, &Error{Provider: name, Kind: kind, Err: errors.Join(failures...)}
	}

	combined.Score = models.ClampScore(combined.Score)
	return combined, nil
}
