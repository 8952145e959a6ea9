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
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"github.com/bcem/guardian/internal/models"
)

type stubLink struct {
	name string
	info models.ThreatInfo
	err  error
}

func (s stubLink) Name() string { return s.name }

func (s stubLink) AnalyzeLink(context.Context, string) (models.ThreatInfo, error) {
	return s.info, s.err
}

type stubAttachment struct {
	name string
	info models.ThreatInfo
	err  error
}

func (s stubAttachment) Name() string { return s.name }

func (s stubAttachment) AnalyzeAttachment(context.Context, models.File) (models.ThreatInfo, error) {
	return s.info, s.err
}

// TestCompositeLink_MaxScore verifies the most severe backend wins and reasons are attributed.
func TestCompositeLink_MaxScore(t *testing.T) {
	c := NewCompositeLink(
		stubLink{name: "rules", info: models.NewThreatInfo(0.3, "suspicious TLD")},
		stubLink{name: "virustotal", info: models.NewThreatInfo(0.9, "7 engines flagged")},
	)

	info, err := c.AnalyzeLink(context.Background(), "http://login.example.xyz")
	be.Err(t, err, nil)
	be.Equal(t, info.Score, 0.9)
	be.Equal(t, info.Reasons, []string{"[rules] suspicious TLD", "[virustotal] 7 engines flagged"})
	be.Equal(t, c.Name(), "composite(rules+virustotal)")
}

// TestCompositeLink_PartialFailure verifies a failing backend is noted but not fatal.
func TestCompositeLink_PartialFailure(t *testing.T) {
	c := NewCompositeLink(
		stubLink{name: "rules", info: models.NewThreatInfo(0.2, "plain http")},
		stubLink{name: "urlscan", err: Errorf("urlscan", KindRateLimit, "HTTP 429")},
	)

	info, err := c.AnalyzeLink(context.Background(), "http://example.com")
	be.Err(t, err, nil)
	be.Equal(t, info.Score, 0.2)
	be.Equal(t, len(info.Reasons), 2)
	be.True(t, strings.HasPrefix(info.Reasons[1], "[urlscan] unavailable:"))
}

// TestCompositeLink_AllFail verifies the combined call fails with the first failure's kind.
func TestCompositeLink_AllFail(t *testing.T) {
	c := NewCompositeLink(
		stubLink{name: "virustotal", err: Errorf("virustotal", KindUnauthorized, "HTTP 401")},
		stubLink{name: "urlscan", err: errors.New("dial tcp: refused")},
	)

	_, err := c.AnalyzeLink(context.Background(), "http://example.com")
	be.True(t, IsKind(err, KindUnauthorized))
}

// TestComposite_NoBackends verifies an empty composite is rejected.
func TestComposite_NoBackends(t *testing.T) {
	_, err := NewCompositeAttachment().AnalyzeAttachment(context.Background(), models.File{Filename: "a"})
	be.True(t, IsKind(err, KindRejected))
}

// TestCompositeAttachment_MaxScore verifies attachment backends combine like link backends.
func TestCompositeAttachment_MaxScore(t *testing.T) {
	c := NewCompositeAttachment(
		stubAttachment{name: "rules", info: models.NewThreatInfo(0.6, "double extension")},
		stubAttachment{name: "virustotal", info: models.NewThreatInfo(0)},
	)

	info, err := c.AnalyzeAttachment(context.Background(), models.File{Filename: "invoice.pdf.exe"})
	be.Err(t, err, nil)
	be.Equal(t, info.Score, 0.6)
	be.Equal(t, c.Name(), "composite(rules+virustotal)")
}

// TestPoll_Done verifies polling stops as soon as the check reports done.
func TestPoll_Done(t *testing.T) {
	var calls atomic.Int32
	err := Poll(context.Background(), "urlscan", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return calls.Add(1) == 3, nil
	})
	be.Err(t, err, nil)
	be.Equal(t, calls.Load(), int32(3))
}

// TestPoll_Timeout verifies an unfinished poll fails as a timeout.
func TestPoll_Timeout(t *testing.T) {
	err := Poll(context.Background(), "urlscan", time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	be.True(t, IsKind(err, KindTimeout))
}

// TestPoll_CheckError verifies a check error ends the poll.
func TestPoll_CheckError(t *testing.T) {
	boom := Errorf("urlscan", KindMalformed, "bad json")
	err := Poll(context.Background(), "urlscan", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	be.Err(t, err, boom)
}

// TestPoll_Cancelled verifies parent cancellation is returned as is.
func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, "urlscan", time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	be.Err(t, err, context.Canceled)
}

// TestStatusError verifies HTTP status codes map onto error kinds.
func TestStatusError(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusBadGateway, KindNetwork},
		{http.StatusBadRequest, KindRejected},
		{http.StatusNotFound, KindRejected},
	}

	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.code, Body: io.NopCloser(strings.NewReader("nope"))}
		err := StatusError("virustotal", resp)
		if err.Kind != tt.want {
			t.Errorf("StatusError(%d).Kind = %s, want %s", tt.code, err.Kind, tt.want)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Errorf("error %q should include the body", err)
		}
	}
}

// TestWrap verifies wrapping keeps existing provider errors and classifies the rest.
func TestWrap(t *testing.T) {
	orig := Errorf("mistral", KindMalformed, "not json")
	be.Equal(t, Wrap("other", orig), orig)
	be.True(t, IsKind(Wrap("mistral", context.DeadlineExceeded), KindTimeout))
	be.True(t, IsKind(Wrap("mistral", errors.New("reset")), KindNetwork))
	be.True(t, errors.Is(Wrap("mistral", context.DeadlineExceeded), context.DeadlineExceeded))
}
