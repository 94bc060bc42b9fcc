// Package digest accumulates list traffic into periodic digest issues.
package digest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

const mboxName = "digest.mbox"

// Accumulator appends posts to a list's pending digest and builds the
// issue when it is sent.
type Accumulator struct {
	listsDir string
}

// NewAccumulator builds an accumulator over the lists directory.
func NewAccumulator(listsDir string) *Accumulator {
	return &Accumulator{listsDir: listsDir}
}

func (a *Accumulator) mboxPath(listName string) string {
	return filepath.Join(a.listsDir, listName, mboxName)
}

// Append adds one post to the pending digest and returns the
// accumulated size in bytes.
func (a *Accumulator) Append(listName string, raw []byte) (int64, error) {
	f, err := os.OpenFile(a.mboxPath(listName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return 0, fmt.Errorf("open digest mbox: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "From digest %s\n", time.Now().Format(time.ANSIC))
	// mbox From-stuffing so embedded separators survive the round trip.
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "From ") {
			w.WriteByte('>')
		}
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("append digest mbox: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Size returns the pending digest size in bytes, zero when empty.
func (a *Accumulator) Size(listName string) int64 {
	info, err := os.Stat(a.mboxPath(listName))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Flush builds the pending digest into one issue message, enqueues it
// for delivery to the list's digest members, advances the issue number,
// and truncates the accumulation file. A list with no pending traffic
// or no digest members flushes to nothing.
//
// The list must be locked; the caller saves.
func (a *Accumulator) Flush(ml *list.MailList, virgin *queue.Switchboard, now time.Time) (bool, error) {
	path := a.mboxPath(ml.Name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read digest mbox: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}

	recipients := ml.DigestRecipients()
	if len(recipients) == 0 {
		// Nobody wants it; drop the accumulation so it cannot grow
		// without bound.
		os.Remove(path)
		return false, nil
	}

	subjects := collectSubjects(raw)
	issue := buildIssue(ml, subjects, raw, now)
	data, err := issue.Bytes()
	if err != nil {
		return false, fmt.Errorf("assemble digest: %w", err)
	}

	if _, err := virgin.Enqueue(data, queue.Metadata{
		"listname":   ml.Name,
		"recipients": recipients,
		"nodecorate": true,
	}); err != nil {
		return false, fmt.Errorf("enqueue digest: %w", err)
	}

	ml.DigestIssue++
	ml.LastDigestSent = now
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return true, err
	}
	return true, nil
}

// BumpVolume advances the digest volume and resets the issue counter,
// run periodically by the cron tasks.
func BumpVolume(ml *list.MailList, now time.Time) {
	ml.DigestVolume++
	ml.DigestIssue = 1
	ml.LastVolumeBump = now
}

// collectSubjects pulls the Subject of every accumulated post for the
// table of contents.
func collectSubjects(raw []byte) []string {
	var subjects []string
	inHeader := false
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "From digest "):
			inHeader = true
		case inHeader && line == "":
			inHeader = false
		case inHeader && strings.HasPrefix(line, "Subject:"):
			subjects = append(subjects, strings.TrimSpace(line[len("Subject:"):]))
		}
	}
	return subjects
}

func buildIssue(ml *list.MailList, subjects []string, raw []byte, now time.Time) *mail.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Send %s mailing list submissions to\n    %s\n\n", ml.Name, ml.Address())
	fmt.Fprintf(&b, "To subscribe or unsubscribe, send a message with subject 'help' to\n    %s\n\n", ml.RequestAddress())
	b.WriteString("Today's Topics:\n\n")
	for i, s := range subjects {
		fmt.Fprintf(&b, "   %d. %s\n", i+1, s)
	}
	b.WriteString("\n----------------------------------------------------------------------\n\n")
	b.Write(raw)
	fmt.Fprintf(&b, "\n------------------------------\n\nEnd of %s Digest, Vol %d, Issue %d\n", ml.Name, ml.DigestVolume, ml.DigestIssue)

	subject := fmt.Sprintf("%s Digest, Vol %d, Issue %d", ml.Name, ml.DigestVolume, ml.DigestIssue)
	msg := mail.Notice(ml.BounceAddress(), ml.Address(), subject, b.String())
	msg.Set("Reply-To", ml.Address())
	msg.Set("Date", now.Format(time.RFC1123Z))
	return msg
}
