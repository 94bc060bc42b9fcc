package runner

import (
	"context"
	"fmt"

	"github.com/fenilsonani/list-server/internal/digest"
	"github.com/fenilsonani/list-server/internal/handlers"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("pipeline", newPipeline)
}

// pipelineHandler decorates accepted posts and fans them out to
// delivery, digest, archive, and news.
type pipelineHandler struct {
	deps     Deps
	digests  *digest.Accumulator
	outgoing *queue.Switchboard
	virgin   *queue.Switchboard
	archive  *queue.Switchboard
	news     *queue.Switchboard
}

func newPipeline(deps Deps) (Handler, error) {
	return &pipelineHandler{
		deps:     deps,
		digests:  digest.NewAccumulator(deps.Config.Paths.ListsDir),
		outgoing: queue.New("outgoing", deps.Config.QueuePath("outgoing")),
		virgin:   queue.New("virgin", deps.Config.QueuePath("virgin")),
		archive:  queue.New("archive", deps.Config.QueuePath("archive")),
		news:     queue.New("news", deps.Config.QueuePath("news")),
	}, nil
}

func (h *pipelineHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("pipeline entry carries no list name")
	}
	ctx = logging.WithList(ctx, listname)
	log := h.deps.Logger.Runner("pipeline")

	ml, err := h.deps.Store.Lock(listname)
	if err != nil {
		return false, err
	}
	defer h.deps.Store.Unlock(ml)

	msg, err := mail.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse pipeline entry: %w", err)
	}

	action, err := handlers.Chain(ctx, ml, msg, meta, handlers.PostChain())
	if err != nil {
		return false, err
	}
	if action == handlers.Discard {
		log.InfoContext(ctx, "post discarded as loop")
		return false, nil
	}

	cooked, err := msg.Bytes()
	if err != nil {
		return false, fmt.Errorf("serialize decorated post: %w", err)
	}

	dirty := false

	if ml.Archive {
		m := meta.Copy()
		if _, err := h.archive.Enqueue(cooked, m); err != nil {
			return false, fmt.Errorf("to archive: %w", err)
		}
	}

	// Posts that arrived from the newsgroup are not gated back to it.
	if ml.GateToNews && ml.NewsGroup != "" && !meta.Bool("fromnews") {
		m := meta.Copy()
		if _, err := h.news.Enqueue(cooked, m); err != nil {
			return false, fmt.Errorf("to news: %w", err)
		}
	}

	if ml.DigestEnabled {
		size, err := h.digests.Append(ml.Name, cooked)
		if err != nil {
			return false, err
		}
		threshold := int64(ml.DigestSizeKB)
		if threshold <= 0 {
			threshold = int64(h.deps.Config.Digest.SizeThreshold)
		}
		if size >= threshold*1024 {
			sent, err := h.digests.Flush(ml, h.virgin, timeNow())
			if err != nil {
				return false, err
			}
			if sent {
				log.InfoContext(ctx, "digest issue sent",
					"volume", ml.DigestVolume, "issue", ml.DigestIssue-1)
				dirty = true
			}
		}
	}

	recipients := ml.RegularRecipients()
	if len(recipients) > 0 {
		m := meta.Copy()
		m["recipients"] = recipients
		m["sender"] = ml.BounceAddress()
		if _, err := h.outgoing.Enqueue(cooked, m); err != nil {
			return false, fmt.Errorf("to outgoing: %w", err)
		}
	}
	log.InfoContext(ctx, "post fanned out", "recipients", len(recipients))

	if dirty {
		return false, h.deps.Store.Save(ml)
	}
	return false, nil
}
