// Package smtpout delivers messages to the outside world over SMTP.
package smtpout

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/metrics"
	"github.com/fenilsonani/list-server/internal/resilience"
)

// Common errors
var (
	ErrPermanent   = errors.New("permanent delivery failure")
	ErrTemporary   = errors.New("temporary delivery failure")
	ErrCircuitOpen = errors.New("destination circuit breaker open")
	ErrAllMXFailed = errors.New("all MX servers failed")
)

// Result reports the fate of each recipient of one delivery call.
type Result struct {
	Delivered []string
	// TempFail recipients should be retried later.
	TempFail map[string]error
	// PermFail recipients will never succeed; the caller owes the
	// sender a DSN.
	PermFail map[string]error
}

func newResult() *Result {
	return &Result{TempFail: map[string]error{}, PermFail: map[string]error{}}
}

// Engine is the synchronous SMTP delivery engine used by the outgoing
// runner. It is safe for concurrent use.
type Engine struct {
	hostname       string
	relayHost      string
	connectTimeout time.Duration
	sessionTimeout time.Duration
	requireTLS     bool
	verifyTLS      bool
	maxRecipients  int

	dkimOpts *dkim.SignOptions
	breakers *resilience.Registry
	log      *logging.Logger
}

// NewEngine builds the delivery engine, loading the DKIM key when
// signing is configured.
func NewEngine(cfg *config.Config, log *logging.Logger) (*Engine, error) {
	e := &Engine{
		hostname:       cfg.Server.Hostname,
		relayHost:      cfg.Delivery.RelayHost,
		connectTimeout: durationOr(cfg.Delivery.ConnectTimeout, 30*time.Second),
		sessionTimeout: durationOr(cfg.Delivery.SessionTimeout, 5*time.Minute),
		requireTLS:     cfg.Delivery.RequireTLS,
		verifyTLS:      cfg.Delivery.VerifyTLS,
		maxRecipients:  cfg.Delivery.MaxRecipients,
		breakers:       resilience.NewRegistry(resilience.DefaultConfig()),
		log:            log.Delivery(),
	}
	if e.maxRecipients < 1 {
		e.maxRecipients = 500
	}

	if cfg.Delivery.DKIMSelector != "" {
		opts, err := loadDKIM(cfg.Delivery.DKIMKeyFile, cfg.Server.Domain, cfg.Delivery.DKIMSelector)
		if err != nil {
			return nil, err
		}
		e.dkimOpts = opts
	}
	return e, nil
}

func loadDKIM(keyFile, domain, selector string) (*dkim.SignOptions, error) {
	pemData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read dkim key: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("dkim key %s is not PEM", keyFile)
	}
	var signer crypto.Signer
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse dkim key: %w", err)
		}
		signer = key
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse dkim key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("dkim key %s does not implement signing", keyFile)
		}
		signer = s
	}
	return &dkim.SignOptions{
		Domain:   domain,
		Selector: selector,
		Signer:   signer,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-Id",
			"List-Id", "MIME-Version", "Content-Type",
		},
	}, nil
}

// Deliver sends data from sender to recipients, grouping recipients by
// destination domain and batching within the per-transaction recipient
// limit. Every recipient lands in exactly one Result bucket.
func (e *Engine) Deliver(ctx context.Context, sender string, recipients []string, data []byte) *Result {
	res := newResult()

	signed := e.sign(ctx, data)

	byDomain := map[string][]string{}
	for _, rcpt := range recipients {
		domain := domainOf(rcpt)
		if domain == "" {
			res.PermFail[rcpt] = fmt.Errorf("%w: invalid address", ErrPermanent)
			continue
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		rcpts := byDomain[domain]
		for len(rcpts) > 0 {
			batch := rcpts
			if len(batch) > e.maxRecipients {
				batch = batch[:e.maxRecipients]
			}
			rcpts = rcpts[len(batch):]
			e.deliverDomain(ctx, domain, sender, batch, signed, res)
		}
	}
	return res
}

func (e *Engine) deliverDomain(ctx context.Context, domain, sender string, rcpts []string, data []byte, res *Result) {
	breakerKey := domain
	if e.relayHost != "" {
		breakerKey = e.relayHost
	}
	breaker := e.breakers.Get(breakerKey)
	if !breaker.Allow() {
		e.log.WarnContext(ctx, "destination deferred, breaker open", "destination", breakerKey)
		for _, r := range rcpts {
			res.TempFail[r] = ErrCircuitOpen
		}
		metrics.DeliveryAttempts.WithLabelValues("tempfail").Inc()
		return
	}

	refused, err := e.attempt(ctx, domain, sender, rcpts, data)
	breaker.Record(err)

	switch {
	case err == nil:
		// The transaction completed; recipients the server refused at
		// RCPT time still failed individually.
		delivered, permed, temped := false, false, false
		for _, r := range rcpts {
			rerr, ok := refused[r]
			switch {
			case !ok:
				res.Delivered = append(res.Delivered, r)
				delivered = true
			case errors.Is(rerr, ErrPermanent):
				res.PermFail[r] = rerr
				permed = true
			default:
				res.TempFail[r] = rerr
				temped = true
			}
		}
		if delivered {
			metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
		}
		if permed {
			metrics.DeliveryAttempts.WithLabelValues("permfail").Inc()
		}
		if temped {
			metrics.DeliveryAttempts.WithLabelValues("tempfail").Inc()
		}
	case errors.Is(err, ErrPermanent):
		e.log.ErrorContext(ctx, "permanent delivery failure", err, "domain", domain)
		for _, r := range rcpts {
			res.PermFail[r] = err
		}
		metrics.DeliveryAttempts.WithLabelValues("permfail").Inc()
	default:
		e.log.WarnContext(ctx, "temporary delivery failure", "domain", domain, "error", err.Error())
		for _, r := range rcpts {
			res.TempFail[r] = err
		}
		metrics.DeliveryAttempts.WithLabelValues("tempfail").Inc()
	}
}

// attempt tries the relay host, or each MX in preference order. On a
// completed transaction the returned map carries the per-recipient
// refusals; a non-nil error means the whole batch failed.
func (e *Engine) attempt(ctx context.Context, domain, sender string, rcpts []string, data []byte) (map[string]error, error) {
	if e.relayHost != "" {
		return e.deliverToHost(ctx, e.relayHost, sender, rcpts, data)
	}

	hosts, err := lookupMX(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: mx lookup for %s: %v", ErrTemporary, domain, err)
	}

	var lastErr error
	for _, host := range hosts {
		refused, err := e.deliverToHost(ctx, net.JoinHostPort(host, "25"), sender, rcpts, data)
		if err == nil {
			return refused, nil
		}
		if errors.Is(err, ErrPermanent) {
			return nil, err
		}
		lastErr = err
		e.log.DebugContext(ctx, "mx attempt failed, trying next", "host", host, "error", lastErr.Error())
	}
	return nil, fmt.Errorf("%w: %v", ErrAllMXFailed, lastErr)
}

// deliverToHost runs one SMTP transaction against addr (host:port),
// classifying each refused recipient individually. The transaction
// proceeds to DATA as long as at least one recipient was accepted.
func (e *Engine) deliverToHost(ctx context.Context, addr, sender string, rcpts []string, data []byte) (map[string]error, error) {
	dialer := &net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrTemporary, addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.sessionTimeout))

	serverName, _, _ := net.SplitHostPort(addr)
	client, err := smtp.NewClient(conn, serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: greeting: %v", ErrTemporary, err)
	}
	defer client.Close()

	if err := client.Hello(e.hostname); err != nil {
		return nil, classify(err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: !e.verifyTLS,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			if e.requireTLS {
				return nil, fmt.Errorf("%w: starttls: %v", ErrTemporary, err)
			}
			e.log.DebugContext(ctx, "starttls failed, continuing in clear", "host", serverName)
		}
	} else if e.requireTLS {
		return nil, fmt.Errorf("%w: starttls not offered by %s", ErrTemporary, serverName)
	}

	if err := client.Mail(sender); err != nil {
		return nil, classify(err)
	}
	refused := map[string]error{}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			refused[rcpt] = classify(err)
			e.log.WarnContext(ctx, "recipient refused", "recipient", rcpt, "error", err.Error())
		}
	}
	if len(refused) == len(rcpts) {
		// Nothing to send; the server answered authoritatively for every
		// recipient.
		client.Quit()
		return refused, nil
	}

	w, err := client.Data()
	if err != nil {
		return nil, classify(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: data write: %v", ErrTemporary, err)
	}
	if err := w.Close(); err != nil {
		return nil, classify(err)
	}
	client.Quit()
	return refused, nil
}

// sign applies DKIM when configured. A signing failure is logged and the
// message goes out unsigned rather than not at all.
func (e *Engine) sign(ctx context.Context, data []byte) []byte {
	if e.dkimOpts == nil {
		return data
	}
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(data), e.dkimOpts); err != nil {
		e.log.WarnContext(ctx, "dkim signing failed, sending unsigned", "error", err.Error())
		return data
	}
	return signed.Bytes()
}

func lookupMX(ctx context.Context, domain string) ([]string, error) {
	mxs, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		// No MX: RFC 5321 says fall back to the domain's A record.
		return []string{domain}, nil
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts, nil
}

func domainOf(address string) string {
	_, domain, ok := strings.Cut(address, "@")
	if !ok || domain == "" {
		return ""
	}
	return strings.ToLower(domain)
}

// classify wraps an SMTP error as permanent (5xx) or temporary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	if strings.HasPrefix(s, "5") || strings.Contains(s, " 5") {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return fmt.Errorf("%w: %v", ErrTemporary, err)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
