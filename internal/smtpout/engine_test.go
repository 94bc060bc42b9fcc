package smtpout

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/logging"
)

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"alice@Example.COM": "example.com",
		"bob@example.org":   "example.org",
		"not-an-address":    "",
		"@example.com":      "example.com",
		"alice@":            "",
	}
	for in, want := range cases {
		if got := domainOf(in); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Errorf("classify(nil) = %v", err)
	}
	if err := classify(errors.New("550 5.1.1 no such user")); !errors.Is(err, ErrPermanent) {
		t.Errorf("5xx classified as %v", err)
	}
	if err := classify(errors.New("451 try again later")); !errors.Is(err, ErrTemporary) {
		t.Errorf("4xx classified as %v", err)
	}
}

// fakeSMTP answers one SMTP connection, refusing recipients that contain
// reject.
func fakeSMTP(t *testing.T, ln net.Listener, reject string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(s string) { conn.Write([]byte(s + "\r\n")) }

	write("220 fake ESMTP")
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line == "." {
				inData = false
				write("250 queued")
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			write("250-fake")
			write("250 HELP")
		case strings.HasPrefix(line, "MAIL"):
			write("250 sender ok")
		case strings.HasPrefix(line, "RCPT"):
			if reject != "" && strings.Contains(line, reject) {
				write("550 5.1.1 no such user")
			} else {
				write("250 recipient ok")
			}
		case strings.HasPrefix(line, "DATA"):
			inData = true
			write("354 end with .")
		case strings.HasPrefix(line, "QUIT"):
			write("221 bye")
			return
		default:
			write("502 unimplemented")
		}
	}
}

func testEngine(t *testing.T, relay string) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Delivery.RelayHost = relay
	cfg.Delivery.ConnectTimeout = "2s"
	cfg.Delivery.SessionTimeout = "5s"
	cfg.Delivery.RequireTLS = false
	e, err := NewEngine(cfg, logging.Default())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

const sample = "From: projects-bounces@example.com\r\n" +
	"To: projects@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body\r\n"

func TestDeliverViaRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeSMTP(t, ln, "")

	e := testEngine(t, ln.Addr().String())
	res := e.Deliver(context.Background(), "projects-bounces@example.com",
		[]string{"alice@example.org", "bob@example.org"}, []byte(sample))

	if len(res.Delivered) != 2 {
		t.Errorf("Delivered = %v", res.Delivered)
	}
	if len(res.TempFail) != 0 || len(res.PermFail) != 0 {
		t.Errorf("failures = %v / %v", res.TempFail, res.PermFail)
	}
}

func TestDeliverAllRecipientsRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeSMTP(t, ln, "@example.org")

	e := testEngine(t, ln.Addr().String())
	res := e.Deliver(context.Background(), "projects-bounces@example.com",
		[]string{"gone@example.org"}, []byte(sample))

	if len(res.Delivered) != 0 {
		t.Errorf("Delivered = %v", res.Delivered)
	}
	err, ok := res.PermFail["gone@example.org"]
	if !ok {
		t.Fatalf("refused recipient not in PermFail: %+v", res)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("PermFail error = %v", err)
	}
}

func TestDeliverPartialRefusal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeSMTP(t, ln, "gone@")

	e := testEngine(t, ln.Addr().String())
	res := e.Deliver(context.Background(), "projects-bounces@example.com",
		[]string{"alice@example.org", "gone@example.org"}, []byte(sample))

	if len(res.Delivered) != 1 || res.Delivered[0] != "alice@example.org" {
		t.Errorf("Delivered = %v, want [alice@example.org]", res.Delivered)
	}
	err, ok := res.PermFail["gone@example.org"]
	if !ok {
		t.Fatalf("refused recipient not in PermFail: %+v", res)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("PermFail error = %v", err)
	}
	if len(res.TempFail) != 0 {
		t.Errorf("TempFail = %v, want empty", res.TempFail)
	}
}

func TestDeliverConnectFailureIsTemporary(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e := testEngine(t, addr)
	res := e.Deliver(context.Background(), "projects-bounces@example.com",
		[]string{"alice@example.org"}, []byte(sample))

	err, ok := res.TempFail["alice@example.org"]
	if !ok {
		t.Fatalf("unreachable relay not in TempFail: %+v", res)
	}
	if !errors.Is(err, ErrTemporary) {
		t.Errorf("TempFail error = %v", err)
	}
}

func TestDeliverInvalidAddress(t *testing.T) {
	e := testEngine(t, "127.0.0.1:1") // never dialed for an invalid address
	res := e.Deliver(context.Background(), "sender@example.com",
		[]string{"no-at-sign"}, []byte(sample))
	if err, ok := res.PermFail["no-at-sign"]; !ok || !errors.Is(err, ErrPermanent) {
		t.Errorf("invalid address result = %+v", res)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e := testEngine(t, addr)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.Deliver(ctx, "s@example.com", []string{"a@example.org"}, []byte(sample))
	}
	res := e.Deliver(ctx, "s@example.com", []string{"a@example.org"}, []byte(sample))
	if err := res.TempFail["a@example.org"]; !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("after repeated failures, error = %v, want circuit open", err)
	}
}
