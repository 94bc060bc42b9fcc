package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/nntp"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("news", newNews)
}

// newsHandler gates list posts to the configured USENET group.
type newsHandler struct {
	deps Deps
	pool *nntp.Pool
}

func newNews(deps Deps) (Handler, error) {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(deps.Config.NNTP.ConnectTimeout); err == nil && d > 0 {
		timeout = d
	}
	return &newsHandler{deps: deps, pool: nntp.NewPool(timeout)}, nil
}

func (h *newsHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	log := h.deps.Logger.Runner("news")
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("news entry carries no list name")
	}
	ctx = logging.WithList(ctx, listname)

	ml, err := h.deps.Store.Open(listname)
	if err != nil {
		if errors.Is(err, list.ErrNoSuchList) {
			log.WarnContext(ctx, "news entry for unknown list discarded")
			return false, nil
		}
		return false, err
	}
	if !ml.GateToNews || ml.NewsServer == "" || ml.NewsGroup == "" {
		// Gating was switched off while the entry sat queued.
		return false, nil
	}

	article, err := prepareArticle(raw, ml.NewsGroup)
	if err != nil {
		return false, err
	}

	client, err := h.pool.Get(ml.NewsServer)
	if err != nil {
		// Server unreachable; leave the entry queued for the next pass.
		log.WarnContext(ctx, "news server unreachable, deferring", "server", ml.NewsServer, "error", err.Error())
		return true, nil
	}
	if err := client.Post(article); err != nil {
		h.pool.Drop(ml.NewsServer)
		return false, fmt.Errorf("post to %s via %s: %w", ml.NewsGroup, ml.NewsServer, err)
	}
	log.InfoContext(ctx, "post gated to usenet", "group", ml.NewsGroup)
	return false, nil
}

// prepareArticle rewrites a mail message as a news article: the
// Newsgroups header replaces the recipient headers, and headers that
// news servers reject are dropped.
func prepareArticle(raw []byte, group string) ([]byte, error) {
	msg, err := mail.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse post for gating: %w", err)
	}
	// X-BeenThere survives so the news-to-mail direction can recognize
	// its own traffic and not gate it back.
	for _, key := range []string{
		"To", "Cc", "Bcc", "Received", "Return-Path", "Delivered-To",
		"Nntp-Posting-Host",
	} {
		msg.Del(key)
	}
	msg.Set("Newsgroups", group)
	if msg.Get("Path") == "" {
		msg.Set("Path", "not-for-mail")
	}
	return msg.Bytes()
}
