package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenilsonani/list-server/internal/bounce"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("bounce", newBounce)
}

// bounceHandler turns bounce messages into member score events.
type bounceHandler struct {
	deps   Deps
	engine *bounce.Engine
}

func newBounce(deps Deps) (Handler, error) {
	return &bounceHandler{
		deps:   deps,
		engine: bounce.NewEngine(deps.Config, deps.Logger, deps.Journal),
	}, nil
}

func (h *bounceHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	log := h.deps.Logger.Runner("bounce")
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("bounce entry carries no list name")
	}
	ctx = logging.WithList(ctx, listname)

	var (
		recipients []string
		severity   bounce.Severity
	)
	if meta.Bool("internal") {
		// Synthesized by the outgoing runner from SMTP failures.
		recipients = meta.StringSlice("recipients")
		severity = bounce.Severity(meta.String("severity"))
		if severity == "" {
			severity = bounce.Hard
		}
	} else {
		report := bounce.Recognize(raw)
		if report == nil {
			// Unrecognized chatter to the -bounces address. Shunt it so
			// the operator can look; guessing at a score could disable
			// innocent members.
			return false, fmt.Errorf("unrecognized bounce message")
		}
		recipients = report.Recipients
		severity = report.Severity
	}
	if len(recipients) == 0 {
		return false, nil
	}

	ml, err := h.deps.Store.Lock(listname)
	if err != nil {
		if errors.Is(err, list.ErrNoSuchList) {
			log.WarnContext(ctx, "bounce for unknown list discarded")
			return false, nil
		}
		return false, err
	}
	defer h.deps.Store.Unlock(ml)

	if !ml.BounceProcessing {
		return false, nil
	}
	now := timeNow()
	for _, rcpt := range recipients {
		if err := h.engine.Score(ctx, ml, rcpt, severity, now); err != nil {
			return false, err
		}
	}
	return false, h.deps.Store.Save(ml)
}
