// Package handlers implements the message decoration chain a post runs
// through between acceptance and fanout.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

// Action is the outcome of one chain step.
type Action int

const (
	// Continue passes the message to the next step.
	Continue Action = iota
	// Discard drops the message silently and stops the chain.
	Discard
)

// Step is one link in the chain. Steps mutate the message in place.
type Step struct {
	Name string
	Run  func(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata) (Action, error)
}

// Chain runs steps in order, stopping at the first Discard or error.
// Returns Discard if any step discarded.
func Chain(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata, steps []Step) (Action, error) {
	for _, step := range steps {
		action, err := step.Run(ctx, ml, msg, meta)
		if err != nil {
			return Continue, fmt.Errorf("handler %s: %w", step.Name, err)
		}
		if action == Discard {
			return Discard, nil
		}
	}
	return Continue, nil
}

// PostChain is the standard decoration chain for list posts.
func PostChain() []Step {
	return []Step{
		{Name: "loop-detect", Run: loopDetect},
		{Name: "stamp-headers", Run: stampHeaders},
		{Name: "subject-prefix", Run: subjectPrefix},
		{Name: "footer", Run: footer},
	}
}

// loopDetect discards posts that already passed through this list, the
// guard against mail loops between gatewayed lists.
func loopDetect(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata) (Action, error) {
	addr := strings.ToLower(ml.Address())
	fields := msg.Header.FieldsByKey("X-Beenthere")
	for fields.Next() {
		if strings.Contains(strings.ToLower(fields.Value()), addr) {
			return Discard, nil
		}
	}
	return Continue, nil
}

// stampHeaders adds the RFC 2369/2919 list headers and the loop
// breadcrumb.
func stampHeaders(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata) (Action, error) {
	msg.Add("X-BeenThere", ml.Address())
	msg.Set("Precedence", "list")
	msg.Set("List-Id", fmt.Sprintf("<%s.%s>", ml.Name, ml.Host))
	msg.Set("List-Post", fmt.Sprintf("<mailto:%s>", ml.Address()))
	msg.Set("List-Help", fmt.Sprintf("<mailto:%s?subject=help>", ml.RequestAddress()))
	msg.Set("List-Subscribe", fmt.Sprintf("<mailto:%s?subject=subscribe>", ml.RequestAddress()))
	msg.Set("List-Unsubscribe", fmt.Sprintf("<mailto:%s?subject=unsubscribe>", ml.RequestAddress()))
	msg.Set("Sender", ml.BounceAddress())
	if msg.Get("Reply-To") == "" {
		msg.Set("Reply-To", ml.Address())
	}
	return Continue, nil
}

// subjectPrefix prepends the list's subject prefix if it is not already
// present, keeping any leading "Re:".
func subjectPrefix(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata) (Action, error) {
	prefix := ml.SubjectPrefix
	if prefix == "" {
		return Continue, nil
	}
	if !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	subject := msg.Subject()
	if strings.Contains(subject, strings.TrimSpace(prefix)) {
		return Continue, nil
	}
	re := ""
	if rest, found := strings.CutPrefix(strings.TrimSpace(subject), "Re:"); found {
		re = "Re: "
		subject = strings.TrimSpace(rest)
	}
	if subject == "" {
		subject = "(no subject)"
	}
	msg.Set("Subject", re+prefix+subject)
	return Continue, nil
}

// footer appends the list footer to plain-text bodies.
func footer(ctx context.Context, ml *list.MailList, msg *mail.Message, meta queue.Metadata) (Action, error) {
	if ml.Footer == "" {
		return Continue, nil
	}
	text := ml.Footer
	if !strings.HasPrefix(text, "\n") {
		text = "\n" + text
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	msg.AppendText(text)
	return Continue, nil
}
