// Package mail wraps message parsing and synthesis for the list server.
package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
)

// Message is a parsed email with an editable header and a buffered body.
// The body is buffered so a message can be serialized more than once.
type Message struct {
	Header message.Header
	body   []byte
}

// Parse reads a full message from raw bytes.
func Parse(data []byte) (*Message, error) {
	ent, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	body, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return &Message{Header: ent.Header, body: body}, nil
}

// Bytes serializes the message.
func (m *Message) Bytes() ([]byte, error) {
	ent, err := message.New(m.Header, bytes.NewReader(m.body))
	if err != nil {
		return nil, fmt.Errorf("assemble message: %w", err)
	}
	var buf bytes.Buffer
	if err := ent.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	return buf.Bytes(), nil
}

// Body returns the buffered body bytes.
func (m *Message) Body() []byte { return m.body }

// SetBody replaces the body.
func (m *Message) SetBody(body []byte) { m.body = body }

// Get returns a header value.
func (m *Message) Get(key string) string { return m.Header.Get(key) }

// Set replaces a header value.
func (m *Message) Set(key, value string) { m.Header.Set(key, value) }

// Add appends a header value.
func (m *Message) Add(key, value string) { m.Header.Add(key, value) }

// Del removes a header.
func (m *Message) Del(key string) { m.Header.Del(key) }

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	h := gomail.Header{Header: m.Header}
	subject, err := h.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return subject
}

// MessageID returns the Message-ID header, without angle brackets.
func (m *Message) MessageID() string {
	id := strings.TrimSpace(m.Header.Get("Message-Id"))
	return strings.Trim(id, "<>")
}

// Sender returns the best available sender address, preferring
// From, then Sender, then Reply-To.
func (m *Message) Sender() string {
	h := gomail.Header{Header: m.Header}
	for _, key := range []string{"From", "Sender", "Reply-To"} {
		addrs, err := h.AddressList(key)
		if err != nil || len(addrs) == 0 {
			continue
		}
		if addr := strings.ToLower(strings.TrimSpace(addrs[0].Address)); addr != "" {
			return addr
		}
	}
	return ""
}

// Recipients returns all To and Cc addresses, lowercased.
func (m *Message) Recipients() []string {
	h := gomail.Header{Header: m.Header}
	var out []string
	for _, key := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, strings.ToLower(strings.TrimSpace(a.Address)))
		}
	}
	return out
}

// IsAutoSubmitted reports whether the message identifies itself as
// machine-generated. Such messages never receive auto-responses.
func (m *Message) IsAutoSubmitted() bool {
	auto := strings.ToLower(m.Header.Get("Auto-Submitted"))
	if auto != "" && auto != "no" {
		return true
	}
	precedence := strings.ToLower(m.Header.Get("Precedence"))
	return precedence == "bulk" || precedence == "junk" || precedence == "list"
}

// Notice builds a message synthesized by the server itself: a plain-text
// notification with the headers that mark it auto-generated.
func Notice(from, to, subject, body string) *Message {
	var h message.Header
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", subject)
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-Id", fmt.Sprintf("<%d.notice@listserver>", time.Now().UnixNano()))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", `text/plain; charset="utf-8"`)
	h.Set("Precedence", "bulk")
	h.Set("Auto-Submitted", "auto-generated")

	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return &Message{Header: h, body: []byte(body)}
}

// AppendText appends text to the body of a plain-text message. Multipart
// messages are left untouched.
func (m *Message) AppendText(text string) {
	ctype := m.Header.Get("Content-Type")
	if ctype != "" && !strings.HasPrefix(strings.ToLower(ctype), "text/plain") {
		return
	}
	body := m.body
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		body = append(body, '\n')
	}
	m.body = append(body, []byte(text)...)
}
