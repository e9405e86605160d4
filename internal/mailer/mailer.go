// Copyright (c) 2026 Concerned Citizens of Moore County
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

// Package mailer composes and sends the portal's outbound email: public-
// record messages to officials (whose subject carries the [MSG-<id>] thread
// tag that routes replies back into the ingestion pipeline) and voter
// verification notices.
package mailer

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/ccmc/ingestion/internal/mailapi"
)

// Sender submits outbound messages to the mail provider.
type Sender interface {
	Send(ctx context.Context, msg mailapi.OutboundMessage) (string, error)
}

// Mailer sends portal email from the verified sender address.
type Mailer struct {
	sender Sender
	from   string
}

// New creates a mailer. from is the verified portal sender address.
func New(sender Sender, from string) *Mailer {
	return &Mailer{
		sender: sender,
		from:   from,
	}
}

// ContactRequest is a public-record message from a constituent to one or
// more officials.
type ContactRequest struct {
	SenderName  string   `json:"senderName"`
	FromEmail   string   `json:"fromEmail"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"` // carries the [MSG-<id>] thread tag
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

// SendContact validates the recipient list and sends the public-record
// email. Officials reply to this email; the thread tag in its subject is
// what the inbound pipeline resolves.
func (m *Mailer) SendContact(ctx context.Context, req ContactRequest) (string, error) {
	var valid []string
	for _, addr := range req.Recipients {
		if addr != "" && strings.Contains(addr, "@") {
			valid = append(valid, addr)
		}
	}
	if len(valid) == 0 {
		return "", fmt.Errorf("no valid recipient email addresses found")
	}

	msg := mailapi.OutboundMessage{
		From:    fmt.Sprintf("%q <%s>", req.SenderName, m.from),
		To:      valid,
		Subject: req.Subject,
		Text:    req.Content,
		HTML:    contactHTML(req),
	}
	return m.sender.Send(ctx, msg)
}

func contactHTML(req ContactRequest) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family: sans-serif; line-height: 1.5;">`)
	b.WriteString(`<h2>Message for Public Record</h2>`)
	fmt.Fprintf(&b, `<p><strong>From:</strong> %s (%s)</p><hr />`,
		html.EscapeString(req.SenderName), html.EscapeString(req.FromEmail))
	fmt.Fprintf(&b, `<div style="white-space: pre-wrap;">%s</div><br />`,
		html.EscapeString(req.Content))
	if len(req.Attachments) > 0 {
		b.WriteString(`<p><strong>Attachments:</strong></p><ul>`)
		for i, url := range req.Attachments {
			fmt.Fprintf(&b, `<li><a href="%s">View Attachment %d</a></li>`,
				html.EscapeString(url), i+1)
		}
		b.WriteString(`</ul>`)
	}
	b.WriteString(`<hr /><p style="font-size: 10px; color: #666;">` +
		`This is a verified message from the Moore County Transparency Portal. ` +
		`Replying to this email will post your response directly to the Public Record.</p></div>`)
	return b.String()
}

// ConfirmationRequest is a voter-verification outcome notice.
type ConfirmationRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Status   string `json:"status"` // "Confirmed" grants access; anything else denies
}

// SendConfirmation emails a voter that their verification was granted or
// denied.
func (m *Mailer) SendConfirmation(ctx context.Context, req ConfirmationRequest) (string, error) {
	confirmed := req.Status == "Confirmed"

	subject := "Moore County Portal: Access Denied"
	body := "We were unable to verify your voter registration with the details provided. " +
		"Please contact an admin if you believe this is an error."
	if confirmed {
		subject = "Moore County Portal: Access Granted"
		body = "Your voter verification was successful. You now have full access to vote " +
			"in polls and message officials."
	}

	msg := mailapi.OutboundMessage{
		From:    fmt.Sprintf("Concerned Citizens of MC <%s>", m.from),
		To:      []string{req.Email},
		Subject: subject,
		HTML: fmt.Sprintf(`<div style="font-family: sans-serif; padding: 20px;">`+
			`<h2 style="color: #4f46e5;">Hello %s,</h2>`+
			`<p style="font-size: 16px; color: #374151;">%s</p>`+
			`<hr style="border: 1px solid #e5e7eb; margin: 20px 0;" />`+
			`<p style="font-size: 12px; color: #9ca3af; text-transform: uppercase;">© Moore County Transparency Portal</p>`+
			`</div>`,
			html.EscapeString(req.FullName), body),
	}
	return m.sender.Send(ctx, msg)
}
