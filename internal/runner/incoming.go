package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/moderation"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("incoming", newIncoming)
}

// incomingHandler applies posting policy to fresh submissions and moves
// accepted posts to the pipeline queue.
type incomingHandler struct {
	deps     Deps
	mod      *moderation.Engine
	pipeline *queue.Switchboard
}

func newIncoming(deps Deps) (Handler, error) {
	return &incomingHandler{
		deps:     deps,
		mod:      moderation.NewEngine(deps.Config, deps.Logger, deps.Journal),
		pipeline: queue.New("pipeline", deps.Config.QueuePath("pipeline")),
	}, nil
}

func (h *incomingHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("submission carries no list name")
	}
	ctx = logging.WithList(ctx, listname)

	msg, err := mail.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse submission: %w", err)
	}
	ctx = logging.WithSender(ctx, msg.Sender())

	ml, err := h.deps.Store.Lock(listname)
	if err != nil {
		if errors.Is(err, list.ErrNoSuchList) {
			return false, fmt.Errorf("post to unknown list %s", listname)
		}
		return false, err
	}
	defer h.deps.Store.Unlock(ml)

	verdict, reason := h.mod.Check(ml, msg, len(raw))
	switch verdict {
	case moderation.Accept:
		if _, err := h.pipeline.Enqueue(raw, meta.Copy()); err != nil {
			return false, fmt.Errorf("accept to pipeline: %w", err)
		}
		h.deps.Logger.Runner("incoming").InfoContext(ctx, "post accepted")
		return false, nil

	case moderation.Hold:
		if _, err := h.mod.HoldMessage(ctx, ml, raw, meta.Copy(), msg, reason); err != nil {
			return false, err
		}
		return false, h.deps.Store.Save(ml)

	case moderation.Reject:
		if err := h.mod.RejectMessage(ctx, ml, msg, reason); err != nil {
			return false, err
		}
		// Auto-reply counters may have moved.
		return false, h.deps.Store.Save(ml)

	default: // Discard
		h.deps.Journal.Record(audit.EventDiscard, ml.Name, msg.Sender(), reason)
		h.deps.Logger.Runner("incoming").InfoContext(ctx, "post discarded", "reason", reason)
		return false, nil
	}
}
