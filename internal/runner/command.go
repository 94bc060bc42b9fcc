package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/bounce"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

func init() {
	Register("command", newCommand)
}

const (
	// maxCommandLines bounds how much of a body is interpreted.
	maxCommandLines = 10
	confirmTTL      = 3 * 24 * time.Hour
)

// commandHandler interprets mail sent to the -request address:
// subscribe, unsubscribe, confirm, help.
type commandHandler struct {
	deps    Deps
	bounces *bounce.Engine
	virgin  *queue.Switchboard
}

func newCommand(deps Deps) (Handler, error) {
	return &commandHandler{
		deps:    deps,
		bounces: bounce.NewEngine(deps.Config, deps.Logger, deps.Journal),
		virgin:  queue.New("virgin", deps.Config.QueuePath("virgin")),
	}, nil
}

func (h *commandHandler) Dispose(ctx context.Context, raw []byte, meta queue.Metadata) (bool, error) {
	log := h.deps.Logger.Runner("command")
	listname := meta.String("listname")
	if listname == "" {
		return false, fmt.Errorf("command entry carries no list name")
	}
	ctx = logging.WithList(ctx, listname)

	msg, err := mail.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse command mail: %w", err)
	}
	sender := msg.Sender()
	if sender == "" || msg.IsAutoSubmitted() {
		// Never converse with robots.
		log.InfoContext(ctx, "command mail without usable sender discarded")
		return false, nil
	}
	ctx = logging.WithSender(ctx, sender)

	ml, err := h.deps.Store.Lock(listname)
	if err != nil {
		if errors.Is(err, list.ErrNoSuchList) {
			log.WarnContext(ctx, "command for unknown list discarded")
			return false, nil
		}
		return false, err
	}
	defer h.deps.Store.Unlock(ml)

	var results []string
	if implied := meta.String("implied_command"); implied != "" {
		// Mail to the -join/-leave aliases is the command, whatever the
		// body says.
		results = append(results, h.runCommand(ctx, ml, sender, implied))
	} else {
		for _, line := range commandLines(msg) {
			results = append(results, h.runCommand(ctx, ml, sender, line))
		}
	}
	if len(results) == 0 {
		results = []string{"No commands found. Send 'help' for instructions."}
	}

	if err := h.deps.Store.Save(ml); err != nil {
		return false, err
	}

	if ml.BumpAutoReply(sender, h.deps.Config.Moderation.MaxAutoReplies) {
		var b strings.Builder
		b.WriteString("The results of your email commands:\n\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		reply := mail.Notice(
			ml.BounceAddress(),
			sender,
			fmt.Sprintf("The results of your %s commands", ml.Name),
			b.String(),
		)
		data, err := reply.Bytes()
		if err != nil {
			return false, err
		}
		if _, err := h.virgin.Enqueue(data, queue.Metadata{
			"listname": ml.Name, "recipient": sender, "nodecorate": true,
		}); err != nil {
			return false, err
		}
		// The reply counter moved; persist it.
		if err := h.deps.Store.Save(ml); err != nil {
			return false, err
		}
	}
	return false, nil
}

// commandLines gathers candidate command lines: the subject first, then
// body lines up to the limit or an "end" sentinel.
func commandLines(msg *mail.Message) []string {
	var lines []string
	if s := strings.TrimSpace(msg.Subject()); s != "" {
		lines = append(lines, s)
	}
	sc := bufio.NewScanner(bytes.NewReader(msg.Body()))
	for sc.Scan() && len(lines) < maxCommandLines {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		if strings.EqualFold(line, "end") {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func (h *commandHandler) runCommand(ctx context.Context, ml *list.MailList, sender, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "help":
		return fmt.Sprintf("Commands: subscribe [name], unsubscribe, confirm <token>, help. Send them to %s.", ml.RequestAddress())

	case "subscribe", "join":
		return h.subscribe(ctx, ml, sender, strings.Join(args, " "))

	case "unsubscribe", "leave", "remove":
		return h.unsubscribe(ctx, ml, sender)

	case "confirm":
		if len(args) != 1 {
			return "confirm: usage: confirm <token>"
		}
		return h.confirm(ctx, ml, sender, args[0])

	default:
		return fmt.Sprintf("%s: unknown command", verb)
	}
}

func (h *commandHandler) subscribe(ctx context.Context, ml *list.MailList, sender, name string) string {
	log := h.deps.Logger.Runner("command")
	if ml.IsMember(sender) {
		return "subscribe: you are already a member"
	}

	switch ml.SubscribePolicy {
	case list.SubscribeOpen:
		if _, err := ml.AddMember(sender, name, ""); err != nil {
			return fmt.Sprintf("subscribe: %v", err)
		}
		h.deps.Journal.Record(audit.EventSubscribe, ml.Name, sender, "open subscription")
		log.InfoContext(ctx, "member subscribed", "address", sender)
		return fmt.Sprintf("subscribe: welcome to the %s mailing list", ml.Address())

	case list.SubscribeApprove:
		if _, err := ml.Pend(list.ReqSubscription, sender, sender, "", "subscription requires approval", 0, map[string]string{"name": name}); err != nil {
			return fmt.Sprintf("subscribe: %v", err)
		}
		return "subscribe: your request has been forwarded to the list moderator"

	default: // confirm
		req, err := ml.Pend(list.ReqSubscription, sender, sender, "", "", confirmTTL, map[string]string{"name": name})
		if err != nil {
			return fmt.Sprintf("subscribe: %v", err)
		}
		return fmt.Sprintf("subscribe: confirmation required; reply with the subject line 'confirm %s'", req.Cookie)
	}
}

func (h *commandHandler) unsubscribe(ctx context.Context, ml *list.MailList, sender string) string {
	if err := ml.RemoveMember(sender); err != nil {
		if errors.Is(err, list.ErrNoSuchMember) {
			return "unsubscribe: you are not a member of this list"
		}
		return fmt.Sprintf("unsubscribe: %v", err)
	}
	h.deps.Journal.Record(audit.EventUnsubscribe, ml.Name, sender, "by email command")
	h.deps.Logger.Runner("command").InfoContext(ctx, "member unsubscribed", "address", sender)
	return "unsubscribe: you have been removed from the list"
}

// confirm resolves a token against the pending request database, then
// falls back to the bounce re-enable cookies.
func (h *commandHandler) confirm(ctx context.Context, ml *list.MailList, sender, token string) string {
	req, err := ml.RequestByCookie(token)
	if err != nil {
		if addr, rerr := h.bounces.ReEnable(ctx, ml, token); rerr == nil {
			return fmt.Sprintf("confirm: delivery for %s has been re-enabled", addr)
		}
		return "confirm: unknown or expired confirmation token"
	}

	switch req.Kind {
	case list.ReqSubscription:
		name := ""
		if req.Data != nil {
			name = req.Data["name"]
		}
		if _, err := ml.AddMember(req.Address, name, ""); err != nil && !errors.Is(err, list.ErrAlreadyMember) {
			return fmt.Sprintf("confirm: %v", err)
		}
		ml.DropRequest(req.ID)
		h.deps.Journal.Record(audit.EventSubscribe, ml.Name, req.Address, "confirmed subscription")
		return fmt.Sprintf("confirm: welcome to the %s mailing list", ml.Address())

	case list.ReqUnsubscription:
		if err := ml.RemoveMember(req.Address); err != nil && !errors.Is(err, list.ErrNoSuchMember) {
			return fmt.Sprintf("confirm: %v", err)
		}
		ml.DropRequest(req.ID)
		h.deps.Journal.Record(audit.EventUnsubscribe, ml.Name, req.Address, "confirmed unsubscription")
		return "confirm: you have been removed from the list"

	case list.ReqReEnable:
		if err := ml.SetDeliveryStatus(req.Address, list.StatusEnabled); err != nil {
			return fmt.Sprintf("confirm: %v", err)
		}
		ml.DropRequest(req.ID)
		h.deps.Journal.Record(audit.EventReEnable, ml.Name, req.Address, "confirmed re-enable")
		return fmt.Sprintf("confirm: delivery for %s has been re-enabled", req.Address)

	default:
		return fmt.Sprintf("confirm: request %d cannot be confirmed by email", req.ID)
	}
}
