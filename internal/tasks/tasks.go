// Package tasks implements the periodic jobs run from cron: moderation
// and bounce sweeps, digest sends, membership reminders, and USENET
// gating.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/bounce"
	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/digest"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/moderation"
	"github.com/fenilsonani/list-server/internal/nntp"
	"github.com/fenilsonani/list-server/internal/queue"
)

// Tasks bundles the cron jobs and their shared dependencies.
type Tasks struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *list.Store
	journal *audit.Journal

	mod     *moderation.Engine
	bounces *bounce.Engine
	digests *digest.Accumulator

	virgin   *queue.Switchboard
	incoming *queue.Switchboard
}

// New builds the task set.
func New(cfg *config.Config, log *logging.Logger, store *list.Store, journal *audit.Journal) *Tasks {
	return &Tasks{
		cfg:      cfg,
		log:      log.Tasks(),
		store:    store,
		journal:  journal,
		mod:      moderation.NewEngine(cfg, log, journal),
		bounces:  bounce.NewEngine(cfg, log, journal),
		digests:  digest.NewAccumulator(cfg.Paths.ListsDir),
		virgin:   queue.New("virgin", cfg.QueuePath("virgin")),
		incoming: queue.New("incoming", cfg.QueuePath("incoming")),
	}
}

// eachList locks every list in turn and applies fn, saving on success.
// One failing list does not stop the pass.
func (t *Tasks) eachList(ctx context.Context, job string, fn func(ctx context.Context, ml *list.MailList) error) error {
	names, err := t.store.Names()
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		lctx := logging.WithList(ctx, name)
		ml, err := t.store.Lock(name)
		if err != nil {
			t.log.ErrorContext(lctx, job+": lock failed", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		err = fn(lctx, ml)
		if err == nil {
			err = t.store.Save(ml)
		}
		t.store.Unlock(ml)
		if err != nil {
			t.log.ErrorContext(lctx, job+" failed", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CheckDBs is the daily moderation sweep: discard requests held past
// their window and summarize what is still pending for the owners.
func (t *Tasks) CheckDBs(ctx context.Context) error {
	now := time.Now()
	return t.eachList(ctx, "checkdbs", func(ctx context.Context, ml *list.MailList) error {
		_, err := t.mod.SweepList(ctx, ml, now)
		return err
	})
}

// Disabled is the daily bounce sweep: forgive stale scores, send due
// re-enable warnings, and remove members past the warning budget.
func (t *Tasks) Disabled(ctx context.Context) error {
	now := time.Now()
	return t.eachList(ctx, "disabled", func(ctx context.Context, ml *list.MailList) error {
		if !ml.BounceProcessing {
			return nil
		}
		return t.bounces.SweepList(ctx, ml, now)
	})
}

// Digests flushes every list's pending digest regardless of size, the
// periodic send that keeps low-traffic digests moving.
func (t *Tasks) Digests(ctx context.Context) error {
	now := time.Now()
	return t.eachList(ctx, "digests", func(ctx context.Context, ml *list.MailList) error {
		if !ml.DigestEnabled {
			return nil
		}
		sent, err := t.digests.Flush(ml, t.virgin, now)
		if err != nil {
			return err
		}
		if sent {
			t.log.InfoContext(ctx, "periodic digest sent", "volume", ml.DigestVolume, "issue", ml.DigestIssue-1)
		}
		return nil
	})
}

// BumpDigests advances every digesting list to the next volume.
func (t *Tasks) BumpDigests(ctx context.Context) error {
	now := time.Now()
	return t.eachList(ctx, "bumpdigests", func(ctx context.Context, ml *list.MailList) error {
		if !ml.DigestEnabled {
			return nil
		}
		digest.BumpVolume(ml, now)
		t.log.InfoContext(ctx, "digest volume bumped", "volume", ml.DigestVolume)
		return nil
	})
}

// Reminders mails every subscriber a membership reminder, one message
// per address covering all of that address's lists on this host.
// Subscribers who opted out of reminders for a list are not reminded of
// that membership. Scheduled monthly.
func (t *Tasks) Reminders(ctx context.Context) error {
	names, err := t.store.Names()
	if err != nil {
		return err
	}

	// address → the lists it is subscribed to, reminder-suppressions
	// already filtered out. Reading list state needs no lock.
	memberships := map[string][]*list.MailList{}
	for _, name := range names {
		ml, err := t.store.Open(name)
		if err != nil {
			t.log.ErrorContext(logging.WithList(ctx, name), "reminders: open failed", err)
			continue
		}
		for _, key := range ml.MemberKeys() {
			sub, ok := ml.GetMember(key)
			if !ok || sub.SuppressReminder {
				continue
			}
			memberships[key] = append(memberships[key], ml)
		}
	}

	host := t.cfg.Server.Domain
	sender := fmt.Sprintf("%s@%s", t.cfg.Server.SiteList, host)

	addrs := make([]string, 0, len(memberships))
	for addr := range memberships {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		var b strings.Builder
		fmt.Fprintf(&b, "This is a reminder of your mailing list memberships on %s.\n\n", host)
		for _, ml := range memberships[addr] {
			fmt.Fprintf(&b, "    %s\n", ml.Address())
		}
		fmt.Fprintf(&b, "\nTo unsubscribe or change your options for a list, send a message\nwith the subject 'help' to its -request address, for example\n\n    %s\n", memberships[addr][0].RequestAddress())

		notice := mail.Notice(
			sender,
			addr,
			fmt.Sprintf("%s mailing list memberships reminder", host),
			b.String(),
		)
		raw, err := notice.Bytes()
		if err != nil {
			return err
		}
		if _, err := t.virgin.Enqueue(raw, queue.Metadata{
			"recipient": addr, "nodecorate": true,
		}); err != nil {
			return err
		}
	}
	if len(addrs) > 0 {
		t.log.InfoContext(ctx, "membership reminders queued", "count", len(addrs))
	}
	return nil
}

// GateNews polls each gatewayed newsgroup and injects articles the list
// has not seen. The per-list watermark remembers the highest article
// number already gated; on the first poll it fast-forwards without
// injecting so a new gateway does not replay the group's history.
func (t *Tasks) GateNews(ctx context.Context) error {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(t.cfg.NNTP.ConnectTimeout); err == nil && d > 0 {
		timeout = d
	}
	pool := nntp.NewPool(timeout)
	defer pool.CloseAll()

	return t.eachList(ctx, "gatenews", func(ctx context.Context, ml *list.MailList) error {
		if !ml.GateFromNews || ml.NewsServer == "" || ml.NewsGroup == "" {
			return nil
		}
		client, err := pool.Get(ml.NewsServer)
		if err != nil {
			return err
		}
		_, _, high, err := client.Group(ml.NewsGroup)
		if err != nil {
			pool.Drop(ml.NewsServer)
			return fmt.Errorf("select group %s: %w", ml.NewsGroup, err)
		}

		if ml.UsenetWatermark == 0 || ml.UsenetWatermark > high {
			ml.UsenetWatermark = high
			return nil
		}
		last := high
		if max := t.cfg.NNTP.MaxArticles; max > 0 && last-ml.UsenetWatermark > max {
			last = ml.UsenetWatermark + max
		}

		injected := 0
		for num := ml.UsenetWatermark + 1; num <= last; num++ {
			article, err := client.Article(num)
			if err != nil {
				// Expired or cancelled article; move on.
				continue
			}
			if err := t.injectArticle(ml, article); err != nil {
				pool.Drop(ml.NewsServer)
				return err
			}
			injected++
		}
		ml.UsenetWatermark = last
		if injected > 0 {
			t.log.InfoContext(ctx, "articles gated from usenet", "group", ml.NewsGroup, "count", injected)
		}
		return nil
	})
}

// injectArticle feeds one news article into the list's incoming queue,
// unless it originated here.
func (t *Tasks) injectArticle(ml *list.MailList, article []byte) error {
	msg, err := mail.Parse(article)
	if err != nil {
		// Unparseable articles are news junk, not our problem.
		return nil
	}
	fields := msg.Header.FieldsByKey("X-Beenthere")
	for fields.Next() {
		if list.CanonicalKey(fields.Value()) == list.CanonicalKey(ml.Address()) {
			return nil
		}
	}
	msg.Del("Newsgroups")
	msg.Del("Path")
	msg.Set("To", ml.Address())
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	_, err = t.incoming.Enqueue(raw, queue.Metadata{
		"listname": ml.Name,
		"fromnews": true,
	})
	return err
}

// Inject places a raw message file onto a queue, the operator tool for
// re-feeding mail by hand.
func Inject(cfg *config.Config, listname, queueName string, raw []byte) (string, error) {
	found := false
	for _, q := range config.QueueNames {
		if q == queueName {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
	sb := queue.New(queueName, cfg.QueuePath(queueName))
	return sb.Enqueue(raw, queue.Metadata{"listname": listname})
}
