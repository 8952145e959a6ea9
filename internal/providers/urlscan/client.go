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

// Package urlscan provides link analysis backed by urlscan.io. Each link is
// submitted for a live scan and the result is polled until it is ready.
package urlscan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

const name = "urlscan"

// DefaultBaseURL is the urlscan.io API root.
const DefaultBaseURL = "https://urlscan.io/api/v1"

// Config configures the client. APIKey is required.
type Config struct {
	APIKey     string
	BaseURL    string
	Visibility string // public, unlisted or private; default unlisted
	// PollDelay is waited before the first result fetch; scans take
	// around ten seconds.
	PollDelay    time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
}

// Client implements providers.LinkAnalyzer.
type Client struct {
	apiKey       string
	baseURL      string
	visibility   string
	pollDelay    time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
}

// New creates a urlscan.io client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("urlscan: API key is required")
	}
	c := &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		visibility:   cfg.Visibility,
		pollDelay:    cfg.PollDelay,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		httpClient:   cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.visibility == "" {
		c.visibility = "unlisted"
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
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

// Result is the subset of a scan result used for scoring.
type Result struct {
	Task struct {
		URL       string `json:"url"`
		ReportURL string `json:"reportURL"`
	} `json:"task"`
	Page struct {
		URL     string `json:"url"`
		Domain  string `json:"domain"`
		Country string `json:"country"`
	} `json:"page"`
	Verdicts struct {
		Overall struct {
			Score      int      `json:"score"`
			Malicious  bool     `json:"malicious"`
			Categories []string `json:"categories"`
			Brands     []string `json:"brands"`
		} `json:"overall"`
	} `json:"verdicts"`
}

// AnalyzeLink submits rawURL and waits for the scan verdict.
func (c *Client) AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error) {
	uuid, err := c.submit(ctx, rawURL)
	if err != nil {
		return models.ThreatInfo{}, err
	}

	if c.pollDelay > 0 {
		select {
		case <-ctx.Done():
			return models.ThreatInfo{}, providers.Wrap(name, ctx.Err())
		case <-time.After(c.pollDelay):
		}
	}

	var result Result
	err = providers.Poll(ctx, name, c.pollInterval, c.pollTimeout, func(ctx context.Context) (bool, error) {
		return c.fetch(ctx, uuid, &result)
	})
	if err != nil {
		return models.ThreatInfo{}, err
	}
	return normalise(result), nil
}

func (c *Client) submit(ctx context.Context, rawURL string) (string, error) {
	payload, err := json.Marshal(map[string]string{"url": rawURL, "visibility": c.visibility})
	if err != nil {
		return "", fmt.Errorf("marshal scan request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scan/", bytes.NewReader(payload))
	if err != nil {
		return "", providers.Errorf(name, providers.KindRejected, "build request: %v", err)
	}
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", providers.Wrap(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providers.StatusError(name, resp)
	}

	var out struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.UUID == "" {
		return "", providers.Errorf(name, providers.KindMalformed, "scan submission returned no uuid")
	}
	slog.Debug("urlscan submitted", "uuid", out.UUID)
	return out.UUID, nil
}

// fetch reports done once the result exists; urlscan answers 404 while
// the scan is still running.
func (c *Client) fetch(ctx context.Context, uuid string, out *Result) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+uuid+"/", nil)
	if err != nil {
		return false, providers.Errorf(name, providers.KindRejected, "build request: %v", err)
	}
	req.Header.Set("API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, providers.Wrap(name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, providers.StatusError(name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, providers.Errorf(name, providers.KindMalformed, "decode result %s: %v", uuid, err)
	}
	return true, nil
}

// normalise maps the overall verdict onto [0, 1]. urlscan scores run from
// -100 (legitimate) to 100 (malicious); a malicious verdict scores at
// least 0.8.
func normalise(r Result) models.ThreatInfo {
	o := r.Verdicts.Overall
	score := float64(o.Score) / 100
	if o.Malicious && score < 0.8 {
		score = 0.8
	}

	var reasons []string
	if o.Malicious {
		reasons = append(reasons, "urlscan verdict: malicious")
	}
	if len(o.Categories) > 0 {
		reasons = append(reasons, "categories: "+strings.Join(o.Categories, ", "))
	}
	if len(o.Brands) > 0 {
		reasons = append(reasons, "impersonates: "+strings.Join(o.Brands, ", "))
	}
	if r.Page.URL != "" && r.Task.URL != "" && r.Page.URL != r.Task.URL {
		reasons = append(reasons, fmt.Sprintf("redirects to %s", r.Page.URL))
	}
	if score <= 0 {
		return models.NewThreatInfo(0, reasons...)
	}
	return models.NewThreatInfo(score, reasons...)
}
