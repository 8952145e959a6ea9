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

// Package models defines the data structures shared across the guardian service.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// String renders the address the way it appears in a From header.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// EmailBody represents the message body content.
type EmailBody struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// Attachment represents a file attached to an email on the wire.
// ContentBytes is base64 encoded.
type Attachment struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int    `json:"size"`
	ContentBytes string `json:"content_bytes,omitempty"`
}

// EmailEvent is the JSON contract produced by the ingestion service and
// accepted by the intake queue and the HTTP API.
type EmailEvent struct {
	MessageID   string            `json:"message_id"`
	UserID      string            `json:"user_id,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	TenantAlias string            `json:"tenant_alias,omitempty"`
	ReceivedAt  string            `json:"received_at,omitempty"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	Subject     string            `json:"subject"`
	Body        EmailBody         `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments"`
}

// File is an attachment admitted for analysis, with its raw bytes decoded.
type File struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

// EmailArtifact is a fully extracted email admitted for threat assessment.
// Links and Attachments keep the order in which they appear in the message.
// An artifact must not be modified after it is handed to the controller;
// the controller works on a Clone.
type EmailArtifact struct {
	MessageID   string            `json:"message_id"`
	From        EmailAddress      `json:"from"`
	To          []EmailAddress    `json:"to"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	Links       []string          `json:"links"`
	Attachments []File            `json:"attachments"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// HasLinks reports whether link analysis applies to the artifact.
func (e *EmailArtifact) HasLinks() bool { return len(e.Links) > 0 }

// HasAttachments reports whether attachment analysis applies to the artifact.
func (e *EmailArtifact) HasAttachments() bool { return len(e.Attachments) > 0 }

// Recipient returns the first recipient address, or "" if there is none.
func (e *EmailArtifact) Recipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0].Address
}

// Clone returns a deep copy of the artifact.
func (e *EmailArtifact) Clone() *EmailArtifact {
	c := *e
	c.To = append([]EmailAddress(nil), e.To...)
	c.Links = append([]string(nil), e.Links...)
	c.Attachments = make([]File, len(e.Attachments))
	for i, f := range e.Attachments {
		f.Data = append([]byte(nil), f.Data...)
		c.Attachments[i] = f
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Validate checks that the artifact is well formed enough to be assessed.
func (e *EmailArtifact) Validate() error {
	if strings.TrimSpace(e.From.Address) == "" {
		return &ValidationError{Field: "from", Reason: "sender address is empty"}
	}
	for i, link := range e.Links {
		if strings.TrimSpace(link) == "" {
			return &ValidationError{Field: fmt.Sprintf("links[%d]", i), Reason: "empty link"}
		}
	}
	for i, f := range e.Attachments {
		field := fmt.Sprintf("attachments[%d]", i)
		if strings.TrimSpace(f.Filename) == "" {
			return &ValidationError{Field: field, Reason: "attachment has no filename"}
		}
		if len(f.Data) == 0 {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("attachment %q declared but has no bytes", f.Filename)}
		}
	}
	return nil
}

// ValidationError reports a malformed email artifact. Assessment of the
// artifact is aborted and the error is surfaced to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email artifact: %s: %s", e.Field, e.Reason)
}
