package inbound

import (
	"strings"
	"testing"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParsePlainReply(t *testing.T) {
	data := crlf(`From: Ada Lovelace <Ada@Example.com>
To: sales@acme.test
Subject: =?UTF-8?Q?Re:_Quick_question_=E2=9C=93?=
Message-ID: <reply-1@mail.example.com>
In-Reply-To: <11111111-2222-3333-4444-555555555555.1@mx.test>
References: <11111111-2222-3333-4444-555555555555.0@mx.test> <11111111-2222-3333-4444-555555555555.1@mx.test>
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

Sounds great, tell me more about pric=
ing.

On Mon, Mar 10, 2025 at 9:00 AM Acme Sales <sales@acme.test> wrote:
> Hi Ada, quick question about Acme.
`)

	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.From != "ada@example.com" {
		t.Errorf("From = %q", m.From)
	}
	if m.Subject != "Re: Quick question ✓" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if m.MessageID != "<reply-1@mail.example.com>" {
		t.Errorf("MessageID = %q", m.MessageID)
	}
	if m.Body != "Sounds great, tell me more about pricing." {
		t.Errorf("Body = %q", m.Body)
	}

	want := []string{
		"<11111111-2222-3333-4444-555555555555.1@mx.test>",
		"<11111111-2222-3333-4444-555555555555.1@mx.test>",
		"<11111111-2222-3333-4444-555555555555.0@mx.test>",
	}
	if len(m.References) != len(want) {
		t.Fatalf("References = %v", m.References)
	}
	for i := range want {
		if m.References[i] != want[i] {
			t.Errorf("References[%d] = %q, want %q", i, m.References[i], want[i])
		}
	}
	if m.DeliveryReport {
		t.Error("plain reply flagged as delivery report")
	}
}

func TestParseMultipartAlternative(t *testing.T) {
	data := crlf(`From: bob@example.org
Subject: Re: hello
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: base64

Tm90IG5vdywgbWF5YmUg
bmV4dCBxdWFydGVyLg==
--b1
Content-Type: text/html; charset=utf-8

<p>Not now, maybe next quarter.</p>
--b1--
`)

	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.Body != "Not now, maybe next quarter." {
		t.Errorf("Body = %q", m.Body)
	}
}

func TestParseHTMLOnly(t *testing.T) {
	data := crlf(`From: bob@example.org
Subject: Re: hello
Content-Type: text/html

<div>Let's book a <b>call</b></div><br>thanks
`)

	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if m.Body != "Let's book a call\nthanks" {
		t.Errorf("Body = %q", m.Body)
	}
}

func TestParseDeliveryReport(t *testing.T) {
	data := crlf(`From: Mail Delivery System <MAILER-DAEMON@mx.example.com>
Subject: Undelivered Mail Returned to Sender
Message-ID: <dsn-1@mx.example.com>
Content-Type: multipart/report; report-type=delivery-status; boundary="r1"

--r1
Content-Type: text/plain

This is the mail system at host mx.example.com.
I'm sorry to have to inform you that your message could not be delivered.
--r1
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.com
Final-Recipient: rfc822; ada@example.com
Action: failed
Status: 5.1.1
--r1
Content-Type: text/rfc822-headers

Message-ID: <11111111-2222-3333-4444-555555555555.0@mx.test>
Subject: Hello Ada
--r1--
`)

	m, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !m.DeliveryReport {
		t.Error("delivery report not detected")
	}
	if len(m.References) != 0 {
		t.Errorf("References = %v, want none", m.References)
	}
	found := false
	for _, id := range m.Embedded {
		if id == "<11111111-2222-3333-4444-555555555555.0@mx.test>" {
			found = true
		}
		if id == "<dsn-1@mx.example.com>" {
			t.Error("own Message-ID listed as embedded")
		}
	}
	if !found {
		t.Errorf("Embedded = %v, original Message-ID missing", m.Embedded)
	}
	if firstLine(m.Body) != "This is the mail system at host mx.example.com." {
		t.Errorf("first line = %q", firstLine(m.Body))
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not a message")); err == nil {
		t.Error("expected error for data without header block")
	}
}

func TestStripQuoted(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no history", "Thanks!\n", "Thanks!"},
		{"angle quotes", "Yes please\n\n> earlier text\n> more", "Yes please"},
		{"outlook", "Call me\n-----Original Message-----\nFrom: x", "Call me"},
		{"gmail", "Sure\nOn Tue, 11 Mar 2025 at 10:00, Sales <s@acme.test> wrote:\n> hi", "Sure"},
	}
	for _, tt := range tests {
		if got := stripQuoted(tt.in); got != tt.want {
			t.Errorf("%s: stripQuoted = %q, want %q", tt.name, got, tt.want)
		}
	}
}
