package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one outgoing campaign email
type Message struct {
	FromName  string
	To        string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	MessageID string // with angle brackets
	Headers   map[string]string
	Date      time.Time
}

// MessageID derives the Message-ID of a campaign step email. Replies quote it
// in In-Reply-To, which maps them back to the campaign contact.
func MessageID(campaignContactID string, stepOrder int, hostname string) string {
	return fmt.Sprintf("<%s.%d@%s>", campaignContactID, stepOrder, hostname)
}

// ParseMessageID extracts the campaign contact and step order from an ID
// produced by MessageID
func ParseMessageID(id string) (campaignContactID string, stepOrder int, ok bool) {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")

	local, _, found := strings.Cut(id, "@")
	if !found {
		return "", 0, false
	}
	dot := strings.LastIndex(local, ".")
	if dot <= 0 {
		return "", 0, false
	}
	order, err := strconv.Atoi(local[dot+1:])
	if err != nil || order < 0 {
		return "", 0, false
	}
	ccid := local[:dot]
	if _, err := uuid.Parse(ccid); err != nil {
		return "", 0, false
	}
	return ccid, order, true
}

// Build renders the message as RFC 5322 data
func (m *Message) Build(from string) []byte {
	var buf bytes.Buffer

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	fromAddr := mail.Address{Name: m.FromName, Address: from}
	writeHeader(&buf, "From", fromAddr.String())
	writeHeader(&buf, "To", m.To)
	if m.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", m.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	if m.MessageID != "" {
		writeHeader(&buf, "Message-ID", m.MessageID)
	}

	// Sorted for stable output and signatures
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, m.Headers[k])
	}

	writeHeader(&buf, "MIME-Version", "1.0")

	switch {
	case m.HTML != "" && m.Text != "":
		boundary := uuid.New().String()
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=\"%s\"", boundary))
		buf.WriteString("\r\n")

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		writePart(&buf, "text/plain", m.Text)
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		writePart(&buf, "text/html", m.HTML)
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case m.HTML != "":
		writePart(&buf, "text/html", m.HTML)
	default:
		writePart(&buf, "text/plain", m.Text)
	}

	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	// Header injection guard
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

func writePart(buf *bytes.Buffer, contentType, body string) {
	fmt.Fprintf(buf, "Content-Type: %s; charset=utf-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(normalizeNewlines(body)))
	qp.Close()
	buf.WriteString("\r\n")
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
