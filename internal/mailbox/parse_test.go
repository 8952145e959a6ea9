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
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/bcem/guardian/internal/models"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const multipartMessage = `From: "PayPal Support" <support@paypa1-secure.xyz>
To: Alice <alice@example.com>, bob@example.com
Reply-To: refunds@collect.example
Subject: Your account is on hold
Message-ID: <abc123@paypa1-secure.xyz>
Date: Mon, 02 Mar 2026 10:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

Verify your account at https://bit.ly/3xYz now.
--inner
Content-Type: text/html; charset=utf-8

<p>Verify your account <a href="https://paypa1-secure.xyz/login">here</a> or <a href="mailto:help@example.com">mail us</a>.</p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64

` + "JVBERi0xLjQK" + `
--outer--
`

// TestParse_Multipart verifies headers, body selection, link collection,
// and attachment extraction from a nested multipart message.
func TestParse_Multipart(t *testing.T) {
	email, err := ParseBytes(crlf(multipartMessage))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if email.From.Address != "support@paypa1-secure.xyz" || email.From.Name != "PayPal Support" {
		t.Errorf("From = %+v", email.From)
	}
	if len(email.To) != 2 || email.To[0].Address != "alice@example.com" || email.To[1].Address != "bob@example.com" {
		t.Errorf("To = %+v", email.To)
	}
	if email.Subject != "Your account is on hold" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if email.MessageID != "<abc123@paypa1-secure.xyz>" {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.ReceivedAt.Year() != 2026 || email.ReceivedAt.Month() != 3 {
		t.Errorf("ReceivedAt = %v", email.ReceivedAt)
	}
	if email.Headers["Reply-To"] != "refunds@collect.example" {
		t.Errorf("Reply-To header = %q", email.Headers["Reply-To"])
	}
	if !strings.Contains(email.Body, "Verify your account at https://bit.ly/3xYz now") {
		t.Errorf("Body = %q, want the plain text part", email.Body)
	}

	wantLinks := []string{"https://paypa1-secure.xyz/login", "https://bit.ly/3xYz"}
	if len(email.Links) != len(wantLinks) {
		t.Fatalf("Links = %v, want %v", email.Links, wantLinks)
	}
	for i, l := range wantLinks {
		if email.Links[i] != l {
			t.Errorf("Links[%d] = %q, want %q", i, email.Links[i], l)
		}
	}

	if len(email.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(email.Attachments))
	}
	a := email.Attachments[0]
	if a.Filename != "invoice.pdf" || a.ContentType != "application/pdf" {
		t.Errorf("attachment = %s (%s)", a.Filename, a.ContentType)
	}
	if string(a.Data) != "%PDF-1.4\n" || a.Size != len(a.Data) {
		t.Errorf("attachment data = %q size %d", a.Data, a.Size)
	}
	if err := email.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

// TestParse_HTMLOnly verifies that an HTML-only message is converted to
// text and its anchors become links.
func TestParse_HTMLOnly(t *testing.T) {
	raw := `From: news@example.com
To: alice@example.com
Subject: Newsletter
Content-Type: text/html; charset=utf-8

<html><body><h1>Hello</h1><p>Read the <a href="https://example.com/post">latest post</a>.</p></body></html>
`
	email, err := ParseBytes(crlf(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if strings.Contains(email.Body, "<p>") {
		t.Errorf("Body still contains markup: %q", email.Body)
	}
	if !strings.Contains(email.Body, "Hello") || !strings.Contains(email.Body, "latest post") {
		t.Errorf("Body = %q", email.Body)
	}
	if len(email.Links) != 1 || email.Links[0] != "https://example.com/post" {
		t.Errorf("Links = %v", email.Links)
	}
	if email.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should default to now when Date is missing")
	}
}

// TestParse_Charset verifies legacy charsets are decoded.
func TestParse_Charset(t *testing.T) {
	raw := `From: chef@example.fr
To: alice@example.com
Subject: Menu
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Le caf=E9 est pr=EAt.
`
	email, err := ParseBytes(crlf(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !strings.Contains(email.Body, "café est prêt") {
		t.Errorf("Body = %q", email.Body)
	}
}

// TestParse_NoLinksNoAttachments verifies a plain message has neither.
func TestParse_NoLinksNoAttachments(t *testing.T) {
	raw := "From: bob@example.com\nTo: alice@example.com\nSubject: Lunch\n\nSee you at noon.\n"
	email, err := ParseBytes(crlf(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if email.HasLinks() || email.HasAttachments() {
		t.Errorf("links=%v attachments=%d, want none", email.Links, len(email.Attachments))
	}
	if email.Body != "See you at noon." {
		t.Errorf("Body = %q", email.Body)
	}
}

// TestFromEvent verifies conversion of an ingestion event.
func TestFromEvent(t *testing.T) {
	ev := &models.EmailEvent{
		MessageID:  "AAMk-1",
		ReceivedAt: "2026-03-02T10:00:00Z",
		From:       models.EmailAddress{Address: "sender@test.com"},
		To:         []models.EmailAddress{{Address: "alice@example.com"}},
		Subject:    "Invoice",
		Body: models.EmailBody{
			ContentType: "html",
			Content:     `<p>Pay <a href="https://pay.example.com/inv">here</a></p>`,
		},
		Headers: map[string]string{"X-Mailer": "test"},
		Attachments: []models.Attachment{{
			Name:         "inv.pdf",
			ContentType:  "application/pdf",
			ContentBytes: base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
		}},
	}

	email, err := FromEvent(ev)
	if err != nil {
		t.Fatalf("FromEvent() error: %v", err)
	}
	if email.MessageID != "AAMk-1" || email.Subject != "Invoice" {
		t.Errorf("email = %+v", email)
	}
	if got := email.ReceivedAt.Format("2006-01-02"); got != "2026-03-02" {
		t.Errorf("ReceivedAt = %s", got)
	}
	if len(email.Links) != 1 || email.Links[0] != "https://pay.example.com/inv" {
		t.Errorf("Links = %v", email.Links)
	}
	if len(email.Attachments) != 1 || string(email.Attachments[0].Data) != "%PDF-1.4" || email.Attachments[0].Size != 8 {
		t.Errorf("Attachments = %+v", email.Attachments)
	}
	if email.Headers["X-Mailer"] != "test" {
		t.Errorf("Headers = %v", email.Headers)
	}

	// The event must not alias the artifact.
	ev.Headers["X-Mailer"] = "changed"
	if email.Headers["X-Mailer"] != "test" {
		t.Error("artifact headers alias the event")
	}
}

// TestFromEvent_Invalid verifies malformed events are validation errors.
func TestFromEvent_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		ev    models.EmailEvent
		field string
	}{
		{
			name:  "bad base64",
			ev:    models.EmailEvent{Attachments: []models.Attachment{{Name: "a.bin", ContentBytes: "!!!"}}},
			field: "attachments[0]",
		},
		{
			name:  "bad time",
			ev:    models.EmailEvent{ReceivedAt: "yesterday"},
			field: "received_at",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEvent(&tt.ev)
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}
