// Package moderation implements posting policy: deciding whether a
// message is accepted, held, rejected, or discarded, and the lifecycle
// of held messages awaiting moderator disposition.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/metrics"
	"github.com/fenilsonani/list-server/internal/queue"
)

// Verdict is the outcome of a policy check.
type Verdict int

const (
	Accept Verdict = iota
	Hold
	Reject
	Discard
)

// Disposition is a moderator's decision on a held message.
type Disposition string

const (
	DispositionDefer   Disposition = "defer"
	DispositionApprove Disposition = "approve"
	DispositionReject  Disposition = "reject"
	DispositionDiscard Disposition = "discard"
)

// Engine applies posting policy and manages held messages.
type Engine struct {
	cfg     *config.Config
	log     *logging.Logger
	journal *audit.Journal

	virgin   *queue.Switchboard
	pipeline *queue.Switchboard
}

// NewEngine builds the moderation engine.
func NewEngine(cfg *config.Config, log *logging.Logger, journal *audit.Journal) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log.Moderation(),
		journal:  journal,
		virgin:   queue.New("virgin", cfg.QueuePath("virgin")),
		pipeline: queue.New("pipeline", cfg.QueuePath("pipeline")),
	}
}

// Check applies the list's posting policy to a message and returns the
// verdict with a human-readable reason for anything but Accept.
func (e *Engine) Check(ml *list.MailList, msg *mail.Message, size int) (Verdict, string) {
	sender := msg.Sender()
	if sender == "" {
		return Hold, "message has no discernible sender"
	}

	if ml.MaxMessageSize > 0 && size > ml.MaxMessageSize {
		return Hold, fmt.Sprintf("message larger than %d bytes", ml.MaxMessageSize)
	}

	sub, member := ml.GetMember(sender)
	if !member {
		switch ml.NonMemberAction {
		case list.ActionAccept:
			return Accept, ""
		case list.ActionReject:
			return Reject, "posting by non-members is not allowed"
		case list.ActionDiscard:
			return Discard, "post by non-member"
		default:
			return Hold, "post by non-member"
		}
	}
	if sub.Moderated {
		return Hold, "posts from this member are moderated"
	}
	return Accept, ""
}

// HoldMessage pends the message for moderator review, notifies the list
// owner, and (within the auto-response budget) tells the sender.
func (e *Engine) HoldMessage(ctx context.Context, ml *list.MailList, raw []byte, meta queue.Metadata, msg *mail.Message, reason string) (*list.PendingRequest, error) {
	sender := msg.Sender()
	subject := msg.Subject()

	req, err := ml.HoldMessage(raw, meta, sender, subject, reason)
	if err != nil {
		return nil, fmt.Errorf("hold message for %s: %w", ml.Name, err)
	}

	metrics.MessagesHeld.WithLabelValues(holdReasonLabel(reason)).Inc()
	e.journal.Record(audit.EventHold, ml.Name, sender, reason)
	e.log.InfoContext(ctx, "message held",
		"list", ml.Name, "sender", sender, "request_id", req.ID, "reason", reason)

	owner := mail.Notice(
		ml.BounceAddress(),
		ml.OwnerAddress(),
		fmt.Sprintf("%s post from %s requires approval", ml.Name, sender),
		fmt.Sprintf("As list administrator, your authorization is requested for the\nfollowing mailing list posting:\n\n    List:    %s\n    From:    %s\n    Subject: %s\n    Reason:  %s\n\nAt your convenience, visit your pending requests to approve or deny\nthe request. It is held as request %d.\n", ml.Address(), sender, subject, reason, req.ID),
	)
	if err := e.sendNotice(ml, owner); err != nil {
		e.log.ErrorContext(ctx, "owner hold notice failed", err, "list", ml.Name)
	}

	if !msg.IsAutoSubmitted() && ml.BumpAutoReply(sender, e.cfg.Moderation.MaxAutoReplies) {
		ack := mail.Notice(
			ml.BounceAddress(),
			sender,
			fmt.Sprintf("Your message to %s awaits moderator approval", ml.Address()),
			fmt.Sprintf("Your mail to '%s' with the subject\n\n    %s\n\nis being held until the list moderator can review it for approval.\n\nThe reason it is being held:\n\n    %s\n\nEither the message will get posted to the list, or you will receive\nnotification of the moderator's decision.\n", ml.Address(), subject, reason),
		)
		if err := e.sendNotice(ml, ack); err != nil {
			e.log.ErrorContext(ctx, "sender hold notice failed", err, "list", ml.Name)
		}
	}
	return req, nil
}

// RejectMessage bounces the post back to its sender with the reason.
func (e *Engine) RejectMessage(ctx context.Context, ml *list.MailList, msg *mail.Message, reason string) error {
	sender := msg.Sender()
	e.journal.Record(audit.EventReject, ml.Name, sender, reason)
	e.log.InfoContext(ctx, "message rejected", "list", ml.Name, "sender", sender, "reason", reason)

	if msg.IsAutoSubmitted() || sender == "" {
		return nil
	}
	notice := mail.Notice(
		ml.BounceAddress(),
		sender,
		fmt.Sprintf("Your message to %s was rejected", ml.Address()),
		fmt.Sprintf("Your message to the %s mailing list was rejected for the\nfollowing reason:\n\n    %s\n\nThe original message is not returned.\n", ml.Address(), reason),
	)
	return e.sendNotice(ml, notice)
}

// Handle applies a moderator's disposition to a held message. Defer is
// a no-op; Approve re-injects the original message into the pipeline;
// Reject notifies the sender; Discard drops it silently. All but Defer
// remove the request and its artifact.
func (e *Engine) Handle(ctx context.Context, ml *list.MailList, id int, disp Disposition, comment string) error {
	if disp == DispositionDefer {
		return nil
	}
	req, err := ml.RequestByID(id)
	if err != nil {
		return err
	}
	if req.Kind != list.ReqHeldMessage {
		return fmt.Errorf("request %d is %s, not a held message", id, req.Kind)
	}

	switch disp {
	case DispositionApprove:
		raw, meta, err := ml.HeldPayload(id)
		if err != nil {
			return err
		}
		m := queue.Metadata(meta).Copy()
		m["approved"] = true
		m["listname"] = ml.Name
		if _, err := e.pipeline.Enqueue(raw, m); err != nil {
			return fmt.Errorf("approve request %d: %w", id, err)
		}
		e.journal.Record(audit.EventApprove, ml.Name, req.Sender, req.Subject)
		e.log.InfoContext(ctx, "held message approved", "list", ml.Name, "request_id", id)

	case DispositionReject:
		reason := comment
		if reason == "" {
			reason = "Message rejected by moderator"
		}
		notice := mail.Notice(
			ml.BounceAddress(),
			req.Sender,
			fmt.Sprintf("Request to mailing list %s rejected", ml.Name),
			fmt.Sprintf("Your request to the %s mailing list\n\n    Posting of your message titled \"%s\"\n\nhas been rejected by the list moderator. The moderator gave the\nfollowing reason:\n\n\"%s\"\n", ml.Address(), req.Subject, reason),
		)
		if err := e.sendNotice(ml, notice); err != nil {
			return err
		}
		e.journal.Record(audit.EventReject, ml.Name, req.Sender, reason)
		e.log.InfoContext(ctx, "held message rejected", "list", ml.Name, "request_id", id)

	case DispositionDiscard:
		e.journal.Record(audit.EventDiscard, ml.Name, req.Sender, req.Subject)
		e.log.InfoContext(ctx, "held message discarded", "list", ml.Name, "request_id", id)

	default:
		return fmt.Errorf("unknown disposition %q", disp)
	}

	return ml.DropRequest(id)
}

// SweepList performs the daily housekeeping pass over one locked list:
// requests past their hold window are discarded, stale auto-response
// counters are evicted, and the owner gets a summary if anything is
// still pending. Returns the number of requests discarded.
func (e *Engine) SweepList(ctx context.Context, ml *list.MailList, now time.Time) (int, error) {
	expired, err := ml.ExpiredRequests(now)
	if err != nil {
		return 0, err
	}
	discarded := 0
	for _, req := range expired {
		if err := ml.DropRequest(req.ID); err != nil {
			e.log.ErrorContext(ctx, "expired request discard failed", err,
				"list", ml.Name, "request_id", req.ID)
			continue
		}
		e.journal.Record(audit.EventDiscard, ml.Name, req.Sender,
			fmt.Sprintf("held past %d days", ml.MaxDaysToHold))
		discarded++
	}
	if discarded > 0 {
		e.log.InfoContext(ctx, "expired requests discarded", "list", ml.Name, "count", discarded)
	}

	ml.EvictStaleAutoReplies()

	pending, err := ml.AllRequests()
	if err != nil {
		return discarded, err
	}
	if len(pending) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "The %s@%s mailing list has %d request(s) waiting for your\nconsideration:\n\n", ml.Name, ml.Host, len(pending))
		for _, req := range pending {
			fmt.Fprintf(&b, "    #%d %s from %s", req.ID, req.Kind, req.Sender)
			if req.Subject != "" {
				fmt.Fprintf(&b, " (%s)", req.Subject)
			}
			b.WriteByte('\n')
		}
		b.WriteString("\nPlease attend to this at your earliest convenience.\n")
		notice := mail.Notice(
			ml.BounceAddress(),
			ml.OwnerAddress(),
			fmt.Sprintf("%d %s moderator request(s) waiting", len(pending), ml.Name),
			b.String(),
		)
		if err := e.sendNotice(ml, notice); err != nil {
			e.log.ErrorContext(ctx, "pending summary notice failed", err, "list", ml.Name)
		}
	}
	return discarded, nil
}

// sendNotice serializes a synthesized message onto the virgin queue for
// final header stamping and delivery.
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

func holdReasonLabel(reason string) string {
	switch {
	case strings.Contains(reason, "non-member"):
		return "non_member"
	case strings.Contains(reason, "moderated"):
		return "moderated_member"
	case strings.Contains(reason, "larger"):
		return "too_large"
	case strings.Contains(reason, "sender"):
		return "no_sender"
	default:
		return "other"
	}
}
