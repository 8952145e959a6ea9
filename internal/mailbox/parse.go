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

// Package mailbox turns raw messages into email artifacts and polls an IMAP
// mailbox for new mail.
package mailbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"
	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/bcem/guardian/internal/models"
)

// MaxAttachmentBytes bounds each attachment read from a message.
const MaxAttachmentBytes = 25 << 20

// keptHeaders are copied into the artifact for the content scanner.
var keptHeaders = []string{
	"Reply-To", "Return-Path", "Received-SPF", "Authentication-Results",
	"X-Mailer", "List-Unsubscribe", "X-Originating-IP",
}

// Parse reads an RFC 5322 message. Plain text is preferred for the body;
// HTML-only messages are converted to markdown. Links are collected from
// the text and from HTML anchors.
func Parse(r io.Reader) (*models.EmailArtifact, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	email := &models.EmailArtifact{Headers: make(map[string]string)}
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = models.EmailAddress{Address: from[0].Address, Name: from[0].Name}
	} else {
		email.From = models.EmailAddress{Address: strings.TrimSpace(h.Get("From"))}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			email.To = append(email.To, models.EmailAddress{Address: a.Address, Name: a.Name})
		}
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		email.MessageID = "<" + id + ">"
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.ReceivedAt = date.UTC()
	} else {
		email.ReceivedAt = time.Now().UTC()
	}
	for _, k := range keptHeaders {
		if v := h.Get(k); v != "" {
			email.Headers[k] = v
		}
	}

	var plain, htmlDoc strings.Builder
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return nil, fmt.Errorf("read message part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			if name := params["name"]; name != "" && !strings.HasPrefix(ct, "text/") {
				file, err := readFile(name, ct, p.Body)
				if err != nil {
					return nil, err
				}
				email.Attachments = append(email.Attachments, file)
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read inline part: %w", err)
			}
			switch ct {
			case "text/html":
				htmlDoc.Write(b)
			case "text/plain", "":
				if plain.Len() > 0 {
					plain.WriteString("\n")
				}
				plain.Write(b)
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			if name == "" {
				name = "attachment" + extensionFor(ct)
			}
			file, err := readFile(name, ct, p.Body)
			if err != nil {
				return nil, err
			}
			email.Attachments = append(email.Attachments, file)
		}
	}

	email.Body, email.Links = bodyAndLinks(plain.String(), htmlDoc.String())
	return email, nil
}

func readFile(name, contentType string, r io.Reader) (models.File, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAttachmentBytes+1))
	if err != nil {
		return models.File{}, fmt.Errorf("read attachment %s: %w", name, err)
	}
	if len(data) > MaxAttachmentBytes {
		return models.File{}, fmt.Errorf("attachment %s exceeds %d bytes", name, MaxAttachmentBytes)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return models.File{Filename: name, ContentType: contentType, Size: len(data), Data: data}, nil
}

func extensionFor(contentType string) string {
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// bodyAndLinks picks the analysed body text and gathers links from both
// renditions.
func bodyAndLinks(plain, htmlDoc string) (string, []string) {
	body := strings.TrimSpace(plain)
	links := mergeLinks(HTMLLinks(htmlDoc), TextLinks(plain))
	if body == "" && htmlDoc != "" {
		body = htmlToText(htmlDoc)
		links = mergeLinks(links, TextLinks(body))
	}
	return body, links
}

func htmlToText(doc string) string {
	md, err := htmltomarkdown.ConvertString(doc)
	if err != nil {
		return strings.TrimSpace(doc)
	}
	return strings.TrimSpace(md)
}

// FromEvent converts an event produced by the ingestion service. Attachment
// bytes are base64 decoded; HTML bodies are converted to text.
func FromEvent(ev *models.EmailEvent) (*models.EmailArtifact, error) {
	email := &models.EmailArtifact{
		MessageID: ev.MessageID,
		From:      ev.From,
		To:        append([]models.EmailAddress(nil), ev.To...),
		Subject:   ev.Subject,
		Headers:   make(map[string]string, len(ev.Headers)),
	}
	for k, v := range ev.Headers {
		email.Headers[k] = v
	}

	email.ReceivedAt = time.Now().UTC()
	if ev.ReceivedAt != "" {
		t, err := time.Parse(time.RFC3339, ev.ReceivedAt)
		if err != nil {
			return nil, &models.ValidationError{Field: "received_at", Reason: fmt.Sprintf("not an RFC 3339 time: %q", ev.ReceivedAt)}
		}
		email.ReceivedAt = t.UTC()
	}

	if strings.Contains(strings.ToLower(ev.Body.ContentType), "html") {
		email.Body, email.Links = bodyAndLinks("", ev.Body.Content)
	} else {
		email.Body, email.Links = bodyAndLinks(ev.Body.Content, "")
	}

	for i, a := range ev.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.ContentBytes)
		if err != nil {
			return nil, &models.ValidationError{
				Field:  fmt.Sprintf("attachments[%d]", i),
				Reason: fmt.Sprintf("content_bytes of %q is not valid base64", a.Name),
			}
		}
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		email.Attachments = append(email.Attachments, models.File{
			Filename:    a.Name,
			ContentType: ct,
			Size:        len(data),
			Data:        data,
		})
	}
	return email, nil
}

// ParseBytes is Parse over an in-memory message.
func ParseBytes(raw []byte) (*models.EmailArtifact, error) {
	return Parse(bytes.NewReader(raw))
}
