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

// Package virustotal provides link and attachment reputation backed by the
// VirusTotal v3 API. Known artifacts are looked up directly; unknown ones
// are submitted and the analysis is polled with a bounded timeout.
package virustotal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

const name = "virustotal"

// DefaultBaseURL is the public v3 API root.
const DefaultBaseURL = "https://www.virustotal.com/api/v3"

// Config configures the client. APIKey is required.
type Config struct {
	APIKey  string
	BaseURL string
	// MaliciousThreshold is the weighted engine count at which a verdict
	// is considered near-certain. Default 3.
	MaliciousThreshold int
	PollInterval       time.Duration
	PollTimeout        time.Duration
	HTTPClient         *http.Client
}

// Client implements providers.LinkAnalyzer and providers.AttachmentAnalyzer.
type Client struct {
	apiKey       string
	baseURL      string
	threshold    float64
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
}

// New creates a VirusTotal client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("virustotal: API key is required")
	}
	c := &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		threshold:    float64(cfg.MaliciousThreshold),
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		httpClient:   cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.threshold <= 0 {
		c.threshold = 3
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 5 * time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 60 * time.Second
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

func (c *Client) Name() string { return name }

// Stats are engine verdict counts.
type Stats struct {
	Harmless   int `json:"harmless"`
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout"`
}

func (s Stats) total() int {
	return s.Harmless + s.Malicious + s.Suspicious + s.Undetected + s.Timeout
}

type objectResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			LastAnalysisStats *Stats `json:"last_analysis_stats"`
			Stats             *Stats `json:"stats"`
			Status            string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// AnalyzeLink looks the URL up, submitting it for analysis if unknown.
func (c *Client) AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error) {
	id := base64.RawURLEncoding.EncodeToString([]byte(rawURL))

	stats, found, err := c.lookup(ctx, "/urls/"+id)
	if err != nil {
		return models.ThreatInfo{}, err
	}
	if !found {
		form := url.Values{"url": {rawURL}}
		analysisID, err := c.submit(ctx, "/urls", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		if err != nil {
			return models.ThreatInfo{}, err
		}
		if stats, err = c.awaitAnalysis(ctx, analysisID); err != nil {
			return models.ThreatInfo{}, err
		}
	}
	return c.normalise(stats), nil
}

// AnalyzeAttachment looks the file hash up, uploading the file if unknown.
func (c *Client) AnalyzeAttachment(ctx context.Context, file models.File) (models.ThreatInfo, error) {
	sum := sha256.Sum256(file.Data)
	hash := hex.EncodeToString(sum[:])

	stats, found, err := c.lookup(ctx, "/files/"+hash)
	if err != nil {
		return models.ThreatInfo{}, err
	}
	if !found {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", file.Filename)
		if err != nil {
			return models.ThreatInfo{}, fmt.Errorf("build upload: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return models.ThreatInfo{}, fmt.Errorf("build upload: %w", err)
		}
		if err := mw.Close(); err != nil {
			return models.ThreatInfo{}, fmt.Errorf("build upload: %w", err)
		}

		analysisID, err := c.submit(ctx, "/files", mw.FormDataContentType(), &body)
		if err != nil {
			return models.ThreatInfo{}, err
		}
		if stats, err = c.awaitAnalysis(ctx, analysisID); err != nil {
			return models.ThreatInfo{}, err
		}
	}
	return c.normalise(stats), nil
}

// lookup fetches an object report. found is false on 404.
func (c *Client) lookup(ctx context.Context, path string) (Stats, bool, error) {
	var out objectResponse
	status, err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	if err != nil {
		return Stats{}, false, err
	}
	if status == http.StatusNotFound {
		return Stats{}, false, nil
	}
	if out.Data.Attributes.LastAnalysisStats == nil {
		return Stats{}, false, providers.Errorf(name, providers.KindMalformed, "report for %s has no last_analysis_stats", path)
	}
	return *out.Data.Attributes.LastAnalysisStats, true, nil
}

func (c *Client) submit(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	var out objectResponse
	status, err := c.do(ctx, http.MethodPost, path, contentType, body, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound || out.Data.ID == "" {
		return "", providers.Errorf(name, providers.KindMalformed, "submission to %s returned no analysis id", path)
	}
	slog.Debug("virustotal analysis submitted", "path", path, "analysis_id", out.Data.ID)
	return out.Data.ID, nil
}

func (c *Client) awaitAnalysis(ctx context.Context, analysisID string) (Stats, error) {
	var stats Stats
	err := providers.Poll(ctx, name, c.pollInterval, c.pollTimeout, func(ctx context.Context) (bool, error) {
		var out objectResponse
		status, err := c.do(ctx, http.MethodGet, "/analyses/"+analysisID, "", nil, &out)
		if err != nil {
			return false, err
		}
		if status == http.StatusNotFound || out.Data.Attributes.Status != "completed" {
			return false, nil
		}
		if out.Data.Attributes.Stats == nil {
			return false, providers.Errorf(name, providers.KindMalformed, "analysis %s has no stats", analysisID)
		}
		stats = *out.Data.Attributes.Stats
		return true, nil
	})
	return stats, err
}

// do sends a request and decodes a 200 response into out. A 404 is
// returned as a status with no error.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, providers.Errorf(name, providers.KindRejected, "build request: %v", err)
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, providers.Wrap(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, providers.StatusError(name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, providers.Errorf(name, providers.KindMalformed, "decode %s: %v", path, err)
	}
	return resp.StatusCode, nil
}

// normalise maps engine counts onto [0, 1]. Any detection scores at least
// 0.3; reaching the threshold of weighted detections scores 0.9.
func (c *Client) normalise(s Stats) models.ThreatInfo {
	weighted := float64(s.Malicious) + 0.5*float64(s.Suspicious)
	if weighted == 0 {
		return models.NewThreatInfo(0)
	}
	score := 0.3 + 0.6*weighted/c.threshold
	return models.NewThreatInfo(score,
		fmt.Sprintf("%d of %d engines flagged malicious, %d suspicious", s.Malicious, s.total(), s.Suspicious))
}
