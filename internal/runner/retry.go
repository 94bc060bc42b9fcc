package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("retry", newRetry)
}

// retryHandler holds deferred deliveries until their time comes, then
// puts them back on the outgoing queue.
type retryHandler struct {
	deps     Deps
	outgoing *queue.Switchboard
}

func newRetry(deps Deps) (Handler, error) {
	return &retryHandler{
		deps:     deps,
		outgoing: queue.New("outgoing", deps.Config.QueuePath("outgoing")),
	}, nil
}

func (h *retryHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	due := int64(meta.Int("deliver_after"))
	if due > 0 && timeNow().Before(time.Unix(due, 0)) {
		// Not yet; keep it queued.
		return true, nil
	}

	m := meta.Copy()
	delete(m, "deliver_after")
	if _, err := h.outgoing.Enqueue(raw, m); err != nil {
		return false, fmt.Errorf("back to outgoing: %w", err)
	}
	h.deps.Logger.Runner("retry").InfoContext(ctx, "entry returned to outgoing",
		"attempt", meta.Int("attempts"))
	return false, nil
}
