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

// Package mistral provides LLM-backed language and link analysis through
// the Mistral chat completions API. Responses are requested in JSON mode
// and validated before they are turned into threat signals.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/guardian/internal/models"
	"github.com/bcem/guardian/internal/providers"
)

const name = "mistral"

const (
	DefaultBaseURL = "https://api.mistral.ai/v1"
	DefaultModel   = "mistral-medium"
)

// maxBodyChars bounds the email text sent to the model.
const maxBodyChars = 12000

// Config configures the client. APIKey is required.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client implements providers.LanguageAnalyzer and providers.LinkAnalyzer.
type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// New creates a Mistral client. The API key is attached as a bearer token
// by an oauth2 transport.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mistral: API key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	base := &http.Client{Timeout: timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.APIKey,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = timeout

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient:  httpClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.temperature == 0 {
		c.temperature = 0.2
	}
	return c, nil
}

func (c *Client) Name() string { return name }

const languagePrompt = `You are an email security analyst specialised in fraud, scams and phishing.
Analyse the textual content of the email you are given. It may be written in any language.
Look for emotional manipulation (urgency, threats, rewards), vague wording or typical phishing
mistakes, and attempts to obtain sensitive information or money.

Answer with a JSON object and nothing else:
{"summary": string, "suspicion_score": integer 0-10, "justification": string, "alert": string}
"alert" is empty when no danger is found.`

const linkPrompt = `You are a URL threat analyst. Classify the URL you are given by its structure alone:
domain, subdomains, TLD, path, redirector services, brand impersonation and credential lures.
Do not visit it.

Answer with a JSON object and nothing else:
{"threat_level": number 0.0-1.0, "is_suspicious": boolean, "is_redirector": boolean, "reasons": [string]}`

// LanguageVerdict is the model's answer to the language prompt.
type LanguageVerdict struct {
	Summary        string  `json:"summary"`
	SuspicionScore float64 `json:"suspicion_score"`
	Justification  string  `json:"justification"`
	Alert          string  `json:"alert"`
}

// LinkVerdict is the model's answer to the link prompt.
type LinkVerdict struct {
	ThreatLevel  float64  `json:"threat_level"`
	IsSuspicious bool     `json:"is_suspicious"`
	IsRedirector bool     `json:"is_redirector"`
	Reasons      []string `json:"reasons"`
}

// AnalyzeText asks the model for a 0-10 suspicion score.
func (c *Client) AnalyzeText(ctx context.Context, subject, body string) (models.ThreatInfo, error) {
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	user := fmt.Sprintf("Subject: %s\n\nHere is the content of the email to analyse:\n\n%s", subject, body)

	var v LanguageVerdict
	if err := c.complete(ctx, languagePrompt, user, &v); err != nil {
		return models.ThreatInfo{}, err
	}
	if v.SuspicionScore < 0 || v.SuspicionScore > 10 {
		return models.ThreatInfo{}, providers.Errorf(name, providers.KindMalformed, "suspicion_score %v outside 0-10", v.SuspicionScore)
	}

	var reasons []string
	if v.Alert != "" {
		reasons = append(reasons, v.Alert)
	}
	if v.Justification != "" {
		reasons = append(reasons, v.Justification)
	}
	if v.SuspicionScore == 0 {
		reasons = nil
	}
	return models.NewThreatInfo(v.SuspicionScore/10, reasons...), nil
}

// AnalyzeLink asks the model to classify a URL.
func (c *Client) AnalyzeLink(ctx context.Context, rawURL string) (models.ThreatInfo, error) {
	var v LinkVerdict
	if err := c.complete(ctx, linkPrompt, "URL: "+rawURL, &v); err != nil {
		return models.ThreatInfo{}, err
	}
	if v.ThreatLevel < 0 || v.ThreatLevel > 1 {
		return models.ThreatInfo{}, providers.Errorf(name, providers.KindMalformed, "threat_level %v outside 0-1", v.ThreatLevel)
	}
	reasons := v.Reasons
	if v.IsRedirector {
		reasons = append(reasons, "redirector service")
	}
	return models.NewThreatInfo(v.ThreatLevel, reasons...), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete runs one chat completion and decodes the JSON answer into out.
func (c *Client) complete(ctx context.Context, system, user string, out any) error {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return providers.Errorf(name, providers.KindRejected, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Wrap(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.StatusError(name, resp)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return providers.Errorf(name, providers.KindMalformed, "decode completion: %v", err)
	}
	if len(chat.Choices) == 0 {
		return providers.Errorf(name, providers.KindMalformed, "completion has no choices")
	}

	content := stripFence(chat.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return providers.Errorf(name, providers.KindMalformed, "model answer is not the expected JSON: %v", err)
	}
	return nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
