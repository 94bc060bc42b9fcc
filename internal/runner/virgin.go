package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("virgin", newVirgin)
}

// virginHandler gives server-synthesized messages their final headers
// and hands them to the outgoing queue.
type virginHandler struct {
	deps     Deps
	outgoing *queue.Switchboard
}

func newVirgin(deps Deps) (Handler, error) {
	return &virginHandler{
		deps:     deps,
		outgoing: queue.New("outgoing", deps.Config.QueuePath("outgoing")),
	}, nil
}

func (h *virginHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	msg, err := mail.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse virgin entry: %w", err)
	}

	if msg.Get("Date") == "" {
		msg.Set("Date", timeNow().Format(time.RFC1123Z))
	}
	if msg.MessageID() == "" {
		msg.Set("Message-Id", fmt.Sprintf("<%d.virgin@%s>", timeNow().UnixNano(), h.deps.Config.Server.Hostname))
	}

	recipients := meta.StringSlice("recipients")
	if len(recipients) == 0 {
		if r := meta.String("recipient"); r != "" {
			recipients = []string{r}
		} else {
			recipients = msg.Recipients()
		}
	}
	if len(recipients) == 0 {
		return false, fmt.Errorf("virgin entry has no recipients")
	}

	sender := meta.String("sender")
	if sender == "" {
		if listname := meta.String("listname"); listname != "" {
			sender = fmt.Sprintf("%s-bounces@%s", listname, h.deps.Config.Server.Domain)
		} else {
			sender = fmt.Sprintf("%s@%s", h.deps.Config.Server.SiteList, h.deps.Config.Server.Domain)
		}
	}

	cooked, err := msg.Bytes()
	if err != nil {
		return false, err
	}

	m := meta.Copy()
	m["recipients"] = recipients
	m["sender"] = sender
	if _, err := h.outgoing.Enqueue(cooked, m); err != nil {
		return false, fmt.Errorf("to outgoing: %w", err)
	}
	return false, nil
}
