// Package bounce implements bounce recognition, per-member scoring, and
// the delivery-disable lifecycle it drives.
package bounce

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message"
)

// Severity classifies a recognized bounce.
type Severity string

const (
	// Hard is a permanent failure (5.x.x). Scores 1.0.
	Hard Severity = "hard"
	// Soft is a transient failure (4.x.x). Scores 0.5.
	Soft Severity = "soft"
)

// Weight returns the score contribution of one bounce event.
func (s Severity) Weight() float64 {
	if s == Soft {
		return 0.5
	}
	return 1.0
}

// Report is the result of recognizing one bounce message.
type Report struct {
	Recipients []string // failed addresses, lowercased
	Severity   Severity
}

var addressRE = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// Recognize extracts failed recipients from a bounce message. It
// understands RFC 3464 multipart/report DSNs and falls back to common
// heuristics (X-Failed-Recipients, status codes in the body) for the
// MTAs that never learned the standard. Returns nil when the message is
// not recognizably a bounce.
func Recognize(raw []byte) *Report {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil
	}

	if rep := recognizeDSN(ent); rep != nil {
		return rep
	}
	return recognizeHeuristic(ent, raw)
}

// recognizeDSN walks a multipart/report looking for the
// message/delivery-status part.
func recognizeDSN(ent *message.Entity) *Report {
	ctype, params, err := ent.Header.ContentType()
	if err != nil || ctype != "multipart/report" || params["report-type"] != "delivery-status" {
		return nil
	}
	mr := ent.MultipartReader()
	if mr == nil {
		return nil
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return nil
		}
		ptype, _, _ := part.Header.ContentType()
		if ptype != "message/delivery-status" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil
		}
		return parseDeliveryStatus(body)
	}
}

// parseDeliveryStatus reads the per-recipient fields of a
// message/delivery-status body. Only Action: failed recipients count;
// delayed/relayed/expanded notifications are ignored.
func parseDeliveryStatus(body []byte) *Report {
	var (
		recipients []string
		severity   = Hard

		current string
		failed  bool
	)
	flush := func() {
		if failed && current != "" {
			recipients = append(recipients, strings.ToLower(current))
		}
		current, failed = "", false
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "final-recipient", "original-recipient":
			// "rfc822; user@example.com"
			if _, addr, ok := strings.Cut(value, ";"); ok {
				value = strings.TrimSpace(addr)
			}
			if current == "" {
				current = value
			}
		case "action":
			failed = strings.EqualFold(value, "failed")
		case "status":
			if strings.HasPrefix(value, "4") {
				severity = Soft
			}
		}
	}
	flush()

	if len(recipients) == 0 {
		return nil
	}
	return &Report{Recipients: dedupe(recipients), Severity: severity}
}

// recognizeHeuristic handles non-conforming bounces.
func recognizeHeuristic(ent *message.Entity, raw []byte) *Report {
	// Exim and friends put the failed addresses in a header.
	if v := ent.Header.Get("X-Failed-Recipients"); v != "" {
		var recipients []string
		for _, part := range strings.Split(v, ",") {
			if addr := strings.ToLower(strings.TrimSpace(part)); addr != "" {
				recipients = append(recipients, addr)
			}
		}
		if len(recipients) > 0 {
			return &Report{Recipients: dedupe(recipients), Severity: Hard}
		}
	}

	// Last resort: a mailer-daemon style body quoting status codes.
	from := strings.ToLower(ent.Header.Get("From"))
	if !strings.Contains(from, "mailer-daemon") && !strings.Contains(from, "postmaster") {
		return nil
	}
	body := string(raw)
	severity := Severity("")
	switch {
	case strings.Contains(body, " 550 ") || strings.Contains(body, "User unknown") ||
		strings.Contains(body, "user unknown") || strings.Contains(body, " 554 "):
		severity = Hard
	case strings.Contains(body, " 450 ") || strings.Contains(body, " 452 ") ||
		strings.Contains(body, "temporarily"):
		severity = Soft
	default:
		return nil
	}
	matches := addressRE.FindAllString(body, 10)
	var recipients []string
	for _, m := range matches {
		m = strings.ToLower(m)
		if strings.HasPrefix(m, "mailer-daemon@") || strings.HasPrefix(m, "postmaster@") {
			continue
		}
		recipients = append(recipients, m)
	}
	if len(recipients) == 0 {
		return nil
	}
	return &Report{Recipients: dedupe(recipients), Severity: severity}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Generator creates outbound Delivery Status Notifications for posts
// that permanently failed.
type Generator struct {
	hostname string
	template *template.Template
}

// NewGenerator builds a DSN generator for this host.
func NewGenerator(hostname string) *Generator {
	return &Generator{
		hostname: hostname,
		template: template.Must(template.New("dsn").Parse(dsnTemplate)),
	}
}

type dsnData struct {
	MessageID        string
	Date             string
	From             string
	To               string
	FailedRecipient  string
	FailedRecipients []string
	ErrorCode        string
	ErrorMessage     string
	Hostname         string
	OriginalHeaders  string
}

// Generate renders a DSN addressed to the envelope sender of the failed
// message. from is the list's -bounces address so any bounce of the
// bounce is recognized in turn.
func (g *Generator) Generate(from, sender string, failedRcpts []string, original []byte, cause error) ([]byte, error) {
	headers := ""
	if idx := bytes.Index(original, []byte("\r\n\r\n")); idx > 0 {
		headers = string(original[:idx])
	} else if idx := bytes.Index(original, []byte("\n\n")); idx > 0 {
		headers = string(original[:idx])
	}
	if len(headers) > 4096 {
		headers = headers[:4096] + "\n[... truncated ...]"
	}

	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	data := dsnData{
		MessageID:        fmt.Sprintf("<%d.dsn@%s>", time.Now().UnixNano(), g.hostname),
		Date:             time.Now().Format(time.RFC1123Z),
		From:             from,
		To:               sender,
		FailedRecipient:  strings.Join(failedRcpts, ", "),
		FailedRecipients: failedRcpts,
		ErrorCode:        classifyErrorCode(cause),
		ErrorMessage:     msg,
		Hostname:         g.hostname,
		OriginalHeaders:  headers,
	}

	var buf bytes.Buffer
	if err := g.template.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("generate dsn: %w", err)
	}
	return buf.Bytes(), nil
}

// ShouldNotify reports whether a failure notice should go to this
// sender. Null and daemon senders never get one, which is what stops
// bounce loops.
func ShouldNotify(sender string) bool {
	if sender == "" {
		return false
	}
	sender = strings.ToLower(sender)
	return !strings.HasPrefix(sender, "postmaster@") &&
		!strings.HasPrefix(sender, "mailer-daemon@") &&
		!strings.HasPrefix(sender, "noreply@") &&
		!strings.HasPrefix(sender, "no-reply@")
}

func classifyErrorCode(err error) string {
	if err == nil {
		return "5.0.0"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "550"):
		return "5.1.1"
	case strings.Contains(errStr, "551"):
		return "5.1.6"
	case strings.Contains(errStr, "552"):
		return "5.2.2"
	case strings.Contains(errStr, "553"):
		return "5.1.3"
	case strings.Contains(errStr, "554"):
		return "5.7.1"
	default:
		return "5.0.0"
	}
}

const dsnTemplate = `From: Mail Delivery System <{{.From}}>
To: <{{.To}}>
Subject: Undelivered Mail Returned to Sender
Date: {{.Date}}
Message-ID: {{.MessageID}}
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="=_dsn_boundary"
Auto-Submitted: auto-replied

--=_dsn_boundary
Content-Type: text/plain; charset=utf-8

This is the mail delivery system at {{.Hostname}}.

I'm sorry to inform you that your message could not be delivered to one or
more recipients. The following address(es) failed:

    {{.FailedRecipient}}

Error: {{.ErrorMessage}}

This is a permanent error; the message will not be retried.

--=_dsn_boundary
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.Hostname}}
Arrival-Date: {{.Date}}
{{range .FailedRecipients}}
Final-Recipient: rfc822; {{.}}
Action: failed
Status: {{$.ErrorCode}}
Diagnostic-Code: smtp; {{$.ErrorMessage}}
{{end}}
--=_dsn_boundary
Content-Type: text/rfc822-headers

{{.OriginalHeaders}}

--=_dsn_boundary--
`
