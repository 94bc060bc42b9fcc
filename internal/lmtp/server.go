// Package lmtp implements the MTA-facing ingress: the local MTA hands
// list traffic to this server, which routes each recipient address to
// the right queue.
package lmtp

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/queue"
)

// route is where one recipient's copy of the message goes.
type route struct {
	listname string
	queue    string
	// implied is a command to run regardless of the message contents,
	// used for the -join and -leave aliases.
	implied string
}

// Backend implements the go-smtp backend for LMTP delivery.
type Backend struct {
	cfg   *config.Config
	store *list.Store
	log   *logging.Logger

	queues map[string]*queue.Switchboard
}

// NewBackend builds the LMTP backend.
func NewBackend(cfg *config.Config, store *list.Store, log *logging.Logger) *Backend {
	queues := make(map[string]*queue.Switchboard, 4)
	for _, name := range []string{"incoming", "bounce", "command", "virgin"} {
		queues[name] = queue.New(name, cfg.QueuePath(name))
	}
	return &Backend{cfg: cfg, store: store, log: log.WithFields("component", "lmtp"), queues: queues}
}

// NewSession starts a session for one LMTP connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend *Backend
	from    string
	routes  []route
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = strings.ToLower(strings.TrimSpace(from))
	return nil
}

// Rcpt resolves the recipient to a list sub-address. Unknown lists are
// refused here so the MTA generates the bounce, not us.
func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	rt, err := s.backend.resolve(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      err.Error(),
		}
	}
	s.routes = append(s.routes, rt)
	return nil
}

// resolve maps an address to its queue: list@ posts, list-bounces@
// bounce processing, list-request@/-join@/-leave@ the command robot,
// and list-owner@ straight to the owners.
func (b *Backend) resolve(to string) (route, error) {
	addr := strings.ToLower(strings.TrimSpace(to))
	local, _, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		return route{}, fmt.Errorf("malformed recipient %q", to)
	}

	suffixes := []struct {
		suffix  string
		queue   string
		implied string
	}{
		{"-bounces", "bounce", ""},
		{"-request", "command", ""},
		{"-join", "command", "subscribe"},
		{"-subscribe", "command", "subscribe"},
		{"-leave", "command", "unsubscribe"},
		{"-unsubscribe", "command", "unsubscribe"},
		{"-owner", "owner", ""},
	}
	for _, m := range suffixes {
		if name, found := strings.CutSuffix(local, m.suffix); found && b.store.Exists(name) {
			return route{listname: name, queue: m.queue, implied: m.implied}, nil
		}
	}
	if b.store.Exists(local) {
		return route{listname: local, queue: "incoming"}, nil
	}
	return route{}, fmt.Errorf("no such list %q", local)
}

// Data accepts the message and enqueues one entry per resolved route.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, rt := range s.routes {
		if err := s.backend.enqueue(rt, s.from, raw); err != nil {
			s.backend.log.Error("ingress enqueue failed",
				"list", rt.listname, "queue", rt.queue, "error", err.Error())
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "queueing failed, try again later",
			}
		}
	}
	return nil
}

func (b *Backend) enqueue(rt route, envelopeFrom string, raw []byte) error {
	if rt.queue == "owner" {
		// Forwarded to the human owners without list processing.
		ml, err := b.store.Open(rt.listname)
		if err != nil {
			return err
		}
		if len(ml.Owners) == 0 {
			b.log.Warn("owner mail dropped, list has no owners", "list", rt.listname)
			return nil
		}
		_, err = b.queues["virgin"].Enqueue(raw, queue.Metadata{
			"listname":   rt.listname,
			"recipients": ml.Owners,
			"sender":     ml.BounceAddress(),
		})
		return err
	}

	meta := queue.Metadata{
		"listname":      rt.listname,
		"envelope_from": envelopeFrom,
	}
	if rt.implied != "" {
		meta["implied_command"] = rt.implied
	}
	_, err := b.queues[rt.queue].Enqueue(raw, meta)
	return err
}

func (s *session) Reset() {
	s.from = ""
	s.routes = nil
}

func (s *session) Logout() error { return nil }

// Server wraps the go-smtp server in LMTP mode.
type Server struct {
	srv *smtp.Server
	cfg *config.Config
	log *logging.Logger
}

// NewServer builds the LMTP server.
func NewServer(cfg *config.Config, store *list.Store, log *logging.Logger) *Server {
	srv := smtp.NewServer(NewBackend(cfg, store, log))
	srv.LMTP = true
	srv.Domain = cfg.Server.Hostname
	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.MaxMessageBytes = 50 * 1024 * 1024
	srv.MaxRecipients = 100
	return &Server{srv: srv, cfg: cfg, log: log.WithFields("component", "lmtp")}
}

// ListenAndServe blocks serving LMTP until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen(s.cfg.LMTP.Network, s.cfg.LMTP.Listen)
	if err != nil {
		return fmt.Errorf("lmtp listen %s %s: %w", s.cfg.LMTP.Network, s.cfg.LMTP.Listen, err)
	}
	s.log.Info("lmtp ingress listening", "network", s.cfg.LMTP.Network, "addr", s.cfg.LMTP.Listen)
	return s.srv.Serve(ln)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.srv.Close()
}
