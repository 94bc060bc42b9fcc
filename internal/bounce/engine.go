package bounce

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/metrics"
	"github.com/fenilsonani/list-server/internal/queue"
)

// Engine scores recognized bounces against list members and drives the
// disable/warn/remove lifecycle.
type Engine struct {
	cfg     *config.Config
	log     *logging.Logger
	journal *audit.Journal
	virgin  *queue.Switchboard
}

// NewEngine builds the bounce engine.
func NewEngine(cfg *config.Config, log *logging.Logger, journal *audit.Journal) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log.Bounce(),
		journal: journal,
		virgin:  queue.New("virgin", cfg.QueuePath("virgin")),
	}
}

// Score credits one bounce event to a member. At most one event per
// member per calendar day counts; a second bounce on the same day is a
// no-op. A score that was idle past the list's stale window restarts
// from zero before the new event is added. Crossing the list threshold
// disables delivery.
//
// The list must be locked; the caller saves.
func (e *Engine) Score(ctx context.Context, ml *list.MailList, address string, sev Severity, now time.Time) error {
	key := list.CanonicalKey(address)
	sub, ok := ml.GetMember(key)
	if !ok {
		// Bounces for non-members carry no state.
		e.log.DebugContext(ctx, "bounce from non-member ignored", "list", ml.Name, "address", key)
		return nil
	}
	if sub.DeliveryStatus != list.StatusEnabled {
		// Already disabled; the sweep handles warnings and removal.
		return nil
	}

	info := ml.Bounces[key]
	if info == nil {
		info = &list.BounceInfo{}
		ml.Bounces[key] = info
	}

	today := now.Truncate(24 * time.Hour)
	if !info.LastBounce.IsZero() {
		if info.LastBounce.Truncate(24*time.Hour).Equal(today) {
			return nil
		}
		staleAfter := time.Duration(ml.BounceStaleAfter) * 24 * time.Hour
		if staleAfter > 0 && now.Sub(info.LastBounce) > staleAfter {
			info.Score = 0
			info.Date = time.Time{}
		}
	}
	if info.Date.IsZero() {
		info.Date = today
	}
	info.Score += sev.Weight()
	info.LastBounce = now

	metrics.BouncesScored.WithLabelValues(string(sev)).Inc()
	e.journal.Record(audit.EventBounce, ml.Name, key, fmt.Sprintf("%s bounce, score %.1f", sev, info.Score))
	e.log.InfoContext(ctx, "bounce scored",
		"list", ml.Name, "address", key, "severity", string(sev), "score", info.Score)

	threshold := ml.BounceThreshold
	if threshold <= 0 {
		threshold = e.cfg.Bounce.ScoreThreshold
	}
	if info.Score >= threshold {
		return e.disable(ctx, ml, sub, info, now)
	}
	return nil
}

// disable turns off delivery for a member whose score crossed the
// threshold. The notice counter stays at zero; the member's first
// re-enable warning goes out on the next sweep.
func (e *Engine) disable(ctx context.Context, ml *list.MailList, sub *list.Subscriber, info *list.BounceInfo, now time.Time) error {
	key := list.CanonicalKey(sub.Address)

	sub.DeliveryStatus = list.StatusByBounce
	sub.StatusChanged = now
	info.Cookie = uuid.NewString()
	info.NoticeCount = 0

	metrics.MembersDisabled.Inc()
	e.journal.Record(audit.EventDisable, ml.Name, key, fmt.Sprintf("score %.1f reached threshold", info.Score))
	e.log.InfoContext(ctx, "member disabled by bounce score",
		"list", ml.Name, "address", key, "score", info.Score)

	if ml.BounceNotifyOwner {
		notice := mail.Notice(
			ml.BounceAddress(),
			ml.OwnerAddress(),
			fmt.Sprintf("%s: %s disabled by excessive bounces", ml.Name, key),
			fmt.Sprintf("The member %s on the %s mailing list has had their delivery\ndisabled due to excessive bounces (score %.1f).\n\nThey will receive up to %d re-enable warnings before being removed\nfrom the list.\n", key, ml.Address(), info.Score, ml.BounceMaxWarnings),
		)
		if err := e.sendNotice(ml, notice); err != nil {
			e.log.ErrorContext(ctx, "owner disable notice failed", err, "list", ml.Name)
		}
	}
	return nil
}

// sendWarning mails the member a re-enable notice carrying their
// confirmation cookie and stamps the notice counters.
func (e *Engine) sendWarning(ml *list.MailList, sub *list.Subscriber, info *list.BounceInfo, now time.Time) error {
	key := list.CanonicalKey(sub.Address)
	remaining := ml.BounceMaxWarnings - info.NoticeCount
	notice := mail.Notice(
		ml.BounceAddress(),
		key,
		fmt.Sprintf("Your %s mailing list membership is disabled", ml.Name),
		fmt.Sprintf("Your membership in the mailing list %s has been disabled due to\nexcessive bounces. You will not get any more messages from this list\nuntil you re-enable your membership.\n\nTo re-enable, reply to %s with the subject line:\n\n    confirm %s\n\nYou will receive %d more reminder(s) before your address is removed\nfrom the list.\n", ml.Address(), ml.RequestAddress(), info.Cookie, remaining-1),
	)
	if err := e.sendNotice(ml, notice); err != nil {
		return err
	}
	info.NoticeCount++
	info.LastNotice = now
	return nil
}

// SweepList runs the daily bounce pass over one locked list: members
// whose score sits at or above the threshold are disabled, stale scores
// are forgiven, warned members get their next reminder when the
// interval has elapsed, and members past the warning budget are
// removed. The caller saves the list.
func (e *Engine) SweepList(ctx context.Context, ml *list.MailList, now time.Time) error {
	staleAfter := time.Duration(ml.BounceStaleAfter) * 24 * time.Hour
	warnInterval := time.Duration(ml.BounceWarnInterval) * 24 * time.Hour
	if warnInterval <= 0 {
		warnInterval = e.cfg.BounceWarnInterval()
	}
	threshold := ml.BounceThreshold
	if threshold <= 0 {
		threshold = e.cfg.Bounce.ScoreThreshold
	}

	warnable := make(map[list.DeliveryStatus]bool, len(ml.WarnStates))
	for _, st := range ml.WarnStates {
		warnable[st] = true
	}

	for _, key := range ml.MemberKeys() {
		sub, ok := ml.GetMember(key)
		if !ok {
			continue
		}
		info := ml.Bounces[key]

		if sub.DeliveryStatus == list.StatusEnabled {
			if info == nil {
				continue
			}
			// A score sitting at or above the threshold disables at the
			// next sweep, covering thresholds lowered after the fact.
			if info.Score >= threshold {
				if err := e.disable(ctx, ml, sub, info, now); err != nil {
					return err
				}
				continue
			}
			if staleAfter > 0 && now.Sub(info.LastBounce) > staleAfter {
				delete(ml.Bounces, key)
				e.log.DebugContext(ctx, "stale bounce score forgiven", "list", ml.Name, "address", key)
			}
			continue
		}
		if info == nil {
			if sub.DeliveryStatus == list.StatusByBounce {
				// Disabled by bounce but the record is gone: stale data.
				// Give the member the benefit of the doubt and restore
				// delivery.
				if err := ml.SetDeliveryStatus(key, list.StatusEnabled); err != nil {
					return err
				}
				e.journal.Record(audit.EventReEnable, ml.Name, key, "disabled with no bounce record")
				e.log.InfoContext(ctx, "member re-enabled, bounce record missing", "list", ml.Name, "address", key)
			}
			continue
		}
		if !warnable[sub.DeliveryStatus] {
			continue
		}

		if info.NoticeCount >= ml.BounceMaxWarnings {
			if err := ml.RemoveMember(key); err != nil {
				return err
			}
			e.journal.Record(audit.EventRemove, ml.Name, key, "warning budget exhausted")
			e.log.InfoContext(ctx, "unresponsive member removed", "list", ml.Name, "address", key)
			if ml.BounceNotifyOwner {
				notice := mail.Notice(
					ml.BounceAddress(),
					ml.OwnerAddress(),
					fmt.Sprintf("%s: %s removed after unanswered warnings", ml.Name, key),
					fmt.Sprintf("The member %s has been removed from the %s mailing list after\n%d unanswered re-enable warnings.\n", key, ml.Address(), ml.BounceMaxWarnings),
				)
				if err := e.sendNotice(ml, notice); err != nil {
					e.log.ErrorContext(ctx, "owner removal notice failed", err, "list", ml.Name)
				}
			}
			continue
		}

		if info.LastNotice.IsZero() || now.Sub(info.LastNotice) >= warnInterval {
			if info.Cookie == "" {
				info.Cookie = uuid.NewString()
			}
			if err := e.sendWarning(ml, sub, info, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReEnable resolves a re-enable cookie back to its member and restores
// delivery. The list must be locked; the caller saves.
func (e *Engine) ReEnable(ctx context.Context, ml *list.MailList, cookie string) (string, error) {
	for key, info := range ml.Bounces {
		if info.Cookie == "" || info.Cookie != cookie {
			continue
		}
		if err := ml.SetDeliveryStatus(key, list.StatusEnabled); err != nil {
			return "", err
		}
		e.journal.Record(audit.EventReEnable, ml.Name, key, "confirmed by cookie")
		e.log.InfoContext(ctx, "membership re-enabled", "list", ml.Name, "address", key)
		return key, nil
	}
	return "", fmt.Errorf("no disabled member matches that confirmation token")
}

func (e *Engine) sendNotice(ml *list.MailList, notice *mail.Message) error {
	raw, err := notice.Bytes()
	if err != nil {
		return err
	}
	_, err = e.virgin.Enqueue(raw, queue.Metadata{
		"listname":   ml.Name,
		"recipient":  notice.Get("To"),
		"nodecorate": true,
	})
	return err
}
