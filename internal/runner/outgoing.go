package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fenilsonani/list-server/internal/bounce"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
	"github.com/fenilsonani/list-server/internal/smtpout"
)

func init() {
	Register("outgoing", newOutgoing)
}

const (
	// retryBase is the first retry delay; it doubles per attempt up to
	// retryCap.
	retryBase = 15 * time.Minute
	retryCap  = 6 * time.Hour
	// giveUpAfter bounds how long an entry may keep tempfailing before
	// it is treated as permanent.
	giveUpAfter = 5 * 24 * time.Hour
)

// outgoingHandler hands queue entries to the SMTP engine and routes the
// leftovers: tempfails to the retry queue, permfails to the bounce
// queue (and a DSN for non-list traffic).
type outgoingHandler struct {
	deps    Deps
	engine  *smtpout.Engine
	dsn     *bounce.Generator
	retry   *queue.Switchboard
	bounceq *queue.Switchboard
	virgin  *queue.Switchboard
}

func newOutgoing(deps Deps) (Handler, error) {
	engine, err := smtpout.NewEngine(deps.Config, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &outgoingHandler{
		deps:    deps,
		engine:  engine,
		dsn:     bounce.NewGenerator(deps.Config.Server.Hostname),
		retry:   queue.New("retry", deps.Config.QueuePath("retry")),
		bounceq: queue.New("bounce", deps.Config.QueuePath("bounce")),
		virgin:  queue.New("virgin", deps.Config.QueuePath("virgin")),
	}, nil
}

func (h *outgoingHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	log := h.deps.Logger.Runner("outgoing")
	listname := meta.String("listname")
	if listname != "" {
		ctx = logging.WithList(ctx, listname)
	}

	recipients := meta.StringSlice("recipients")
	if len(recipients) == 0 {
		if r := meta.String("recipient"); r != "" {
			recipients = []string{r}
		}
	}
	if len(recipients) == 0 {
		msg, err := mail.Parse(raw)
		if err != nil {
			return false, fmt.Errorf("entry has no recipients and no parseable header: %w", err)
		}
		recipients = msg.Recipients()
	}
	if len(recipients) == 0 {
		return false, fmt.Errorf("entry has no recipients")
	}

	sender := meta.String("sender")
	if sender == "" {
		sender = fmt.Sprintf("%s@%s", h.deps.Config.Server.SiteList, h.deps.Config.Server.Domain)
	}

	res := h.engine.Deliver(ctx, sender, recipients, raw)

	if len(res.Delivered) > 0 {
		log.InfoContext(ctx, "delivered", "count", len(res.Delivered))
	}

	// A message that has been tempfailing for days is done trying.
	expired := false
	if rt := meta.Int("received_time"); rt > 0 {
		expired = time.Since(time.Unix(int64(rt), 0)) > giveUpAfter
	}

	if len(res.TempFail) > 0 && !expired {
		attempts := meta.Int("attempts") + 1
		delay := retryBase << (attempts - 1)
		if delay > retryCap || delay <= 0 {
			delay = retryCap
		}
		m := meta.Copy()
		m["recipients"] = keysOf(res.TempFail)
		m["sender"] = sender
		m["attempts"] = attempts
		m["deliver_after"] = time.Now().Add(delay).Unix()
		if _, err := h.retry.Enqueue(raw, m); err != nil {
			return false, fmt.Errorf("to retry: %w", err)
		}
		log.InfoContext(ctx, "delivery deferred",
			"count", len(res.TempFail), "attempt", attempts, "delay", delay.String())
	}

	perm := res.PermFail
	if expired {
		if perm == nil {
			perm = map[string]error{}
		}
		for rcpt, err := range res.TempFail {
			perm[rcpt] = fmt.Errorf("retry window exhausted: %w", err)
		}
	}
	if len(perm) > 0 {
		if err := h.handlePermanent(ctx, listname, sender, raw, meta, perm); err != nil {
			return false, err
		}
	}
	return false, nil
}

// handlePermanent feeds member failures to the bounce scorer and, for
// non-list mail, returns a DSN to the sender.
func (h *outgoingHandler) handlePermanent(ctx context.Context, listname, sender string, raw []byte, meta queue.Metadata, perm map[string]error) error {
	log := h.deps.Logger.Runner("outgoing")
	rcpts := keysOf(perm)

	if listname != "" {
		// Synthetic bounce events, one entry covering all failures.
		m := queue.Metadata{
			"listname":   listname,
			"internal":   true,
			"recipients": rcpts,
			"severity":   string(bounce.Hard),
		}
		if _, err := h.bounceq.Enqueue(raw, m); err != nil {
			return fmt.Errorf("to bounce: %w", err)
		}
		log.InfoContext(ctx, "permanent failures scored", "count", len(rcpts))
		return nil
	}

	if !bounce.ShouldNotify(sender) {
		log.WarnContext(ctx, "permanent failure with unnotifiable sender", "count", len(rcpts))
		return nil
	}
	var cause error
	for _, err := range perm {
		cause = err
		break
	}
	from := fmt.Sprintf("mailer-daemon@%s", h.deps.Config.Server.Hostname)
	dsn, err := h.dsn.Generate(from, sender, rcpts, raw, cause)
	if err != nil {
		return err
	}
	if _, err := h.virgin.Enqueue(dsn, queue.Metadata{"recipient": sender, "nodecorate": true}); err != nil {
		return fmt.Errorf("dsn to virgin: %w", err)
	}
	return nil
}

func keysOf(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
