package inbound

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/foxzi/outreach/internal/email"
)

// maxParts bounds the MIME walk of a single message
const maxParts = 50

var (
	msgIDPattern = regexp.MustCompile(`<[^<>\s@]+@[^<>\s]+>`)
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	wroteLine    = regexp.MustCompile(`(?i)^on\s.+wrote:\s*$`)
)

var wordDecoder = &mime.WordDecoder{}

// Message is the part of an inbound email the reply path needs
type Message struct {
	From      string
	Subject   string
	MessageID string
	// References holds In-Reply-To first, then References newest first
	References []string
	// Body is the plain text with quoted history removed
	Body string
	// DeliveryReport is set for multipart/report delivery status notifications
	DeliveryReport bool
	// Embedded holds message IDs found anywhere in the raw data, such as the
	// headers of a returned original in a bounce
	Embedded []string
}

// ParseMessage parses raw RFC 5322 data
func ParseMessage(data []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	m := &Message{
		From:      email.FromHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: strings.TrimSpace(msg.Header.Get("Message-ID")),
	}
	m.References = append(m.References, msgIDPattern.FindAllString(msg.Header.Get("In-Reply-To"), -1)...)
	refs := msgIDPattern.FindAllString(msg.Header.Get("References"), -1)
	for i := len(refs) - 1; i >= 0; i-- {
		m.References = append(m.References, refs[i])
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	m.DeliveryReport = mediaType == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status")

	text, html, err := extractBody(msg.Body, mediaType, params, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, err
	}
	if text == "" && html != "" {
		text = htmlToText(html)
	}
	m.Body = stripQuoted(text)

	seen := make(map[string]bool)
	for _, id := range msgIDPattern.FindAllString(string(data), -1) {
		if id == m.MessageID || seen[id] {
			continue
		}
		seen[id] = true
		m.Embedded = append(m.Embedded, id)
	}
	return m, nil
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// extractBody returns the first text/plain and text/html parts
func extractBody(r io.Reader, mediaType string, params map[string]string, encoding string) (text, html string, err error) {
	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := io.ReadAll(decodeTransfer(r, encoding))
		if err != nil {
			return "", "", fmt.Errorf("failed to read body: %w", err)
		}
		if mediaType == "text/html" {
			return "", string(body), nil
		}
		return string(body), "", nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", "", errors.New("multipart message without boundary")
	}

	mr := multipart.NewReader(r, boundary)
	for range maxParts {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text, html, fmt.Errorf("failed to read part: %w", err)
		}

		partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			partType = "text/plain"
		}
		if strings.HasPrefix(partType, "multipart/") {
			t, h, err := extractBody(part, partType, partParams, "")
			if err != nil {
				return text, html, err
			}
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
			continue
		}
		if partType != "text/plain" && partType != "text/html" {
			continue
		}

		// multipart.Part already decodes quoted-printable
		body, err := io.ReadAll(decodeTransfer(part, base64Only(part.Header.Get("Content-Transfer-Encoding"))))
		if err != nil {
			return text, html, fmt.Errorf("failed to read part: %w", err)
		}
		switch {
		case partType == "text/plain" && text == "":
			text = string(body)
		case partType == "text/html" && html == "":
			html = string(body)
		}
	}
	return text, html, nil
}

func base64Only(encoding string) string {
	if strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return "base64"
	}
	return ""
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, newlineStripper{r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

// newlineStripper drops CR and LF so wrapped base64 decodes
type newlineStripper struct {
	r io.Reader
}

func (n newlineStripper) Read(p []byte) (int, error) {
	for {
		c, err := n.r.Read(p)
		j := 0
		for _, b := range p[:c] {
			if b != '\r' && b != '\n' {
				p[j] = b
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}

func htmlToText(html string) string {
	html = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(html)
	return strings.TrimSpace(tagPattern.ReplaceAllString(html, ""))
}

// stripQuoted cuts the quoted history a mail client appends to a reply
func stripQuoted(text string) string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") || wroteLine.MatchString(trimmed) ||
			strings.HasPrefix(trimmed, "-----Original Message-----") {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
