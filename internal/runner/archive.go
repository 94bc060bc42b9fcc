package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("archive", newArchive)
}

// archiveHandler files list traffic into one maildir per list under the
// data directory.
type archiveHandler struct {
	deps Deps
	root string
}

func newArchive(deps Deps) (Handler, error) {
	return &archiveHandler{
		deps: deps,
		root: filepath.Join(deps.Config.Paths.DataDir, "archives"),
	}, nil
}

func (h *archiveHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("archive entry carries no list name")
	}
	ctx = logging.WithList(ctx, listname)

	dir := maildir.Dir(filepath.Join(h.root, listname))
	if err := os.MkdirAll(string(dir), 0750); err != nil {
		return false, fmt.Errorf("create archive dir: %w", err)
	}
	if err := dir.Init(); err != nil {
		return false, fmt.Errorf("init archive maildir: %w", err)
	}

	del, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return false, fmt.Errorf("open archive delivery: %w", err)
	}
	if _, err := del.Write(raw); err != nil {
		del.Abort()
		return false, fmt.Errorf("write archive message: %w", err)
	}
	if err := del.Close(); err != nil {
		return false, fmt.Errorf("commit archive message: %w", err)
	}

	h.deps.Logger.Runner("archive").DebugContext(ctx, "message archived",
		"size", len(bytes.TrimSpace(raw)))
	return false, nil
}
