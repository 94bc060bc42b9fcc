package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/mail"
	"github.com/fenilsonani/list-server/internal/queue"
)

func testList() *list.MailList {
	return &list.MailList{
		Name: "projects",
		Host: "example.com",
	}
}

func parse(t *testing.T, raw string) *mail.Message {
	t.Helper()
	msg, err := mail.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

const plainPost = "From: alice@example.org\r\n" +
	"To: projects@example.com\r\n" +
	"Subject: status update\r\n" +
	"\r\n" +
	"All green.\r\n"

func TestPostChainDecorates(t *testing.T) {
	ml := testList()
	ml.SubjectPrefix = "[Projects]"
	ml.Footer = "_______________\nProjects mailing list\n"
	msg := parse(t, plainPost)

	action, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain())
	if err != nil {
		t.Fatalf("Chain() error = %v", err)
	}
	if action != Continue {
		t.Fatalf("Chain() = %v, want Continue", action)
	}

	if got := msg.Subject(); got != "[Projects] status update" {
		t.Errorf("Subject = %q", got)
	}
	if got := msg.Get("List-Id"); got != "<projects.example.com>" {
		t.Errorf("List-Id = %q", got)
	}
	if got := msg.Get("X-BeenThere"); got != "projects@example.com" {
		t.Errorf("X-BeenThere = %q", got)
	}
	if got := msg.Get("Sender"); got != "projects-bounces@example.com" {
		t.Errorf("Sender = %q", got)
	}
	if got := msg.Get("Precedence"); got != "list" {
		t.Errorf("Precedence = %q", got)
	}
	if !strings.Contains(string(msg.Body()), "Projects mailing list") {
		t.Error("footer not appended to body")
	}
}

func TestLoopDetectDiscardsOwnTraffic(t *testing.T) {
	ml := testList()
	msg := parse(t, plainPost)

	// First pass stamps the breadcrumb.
	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	// A looped copy comes back with the breadcrumb already present.
	action, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain())
	if err != nil {
		t.Fatal(err)
	}
	if action != Discard {
		t.Errorf("looped message: Chain() = %v, want Discard", action)
	}
}

func TestSubjectPrefixKeepsRe(t *testing.T) {
	ml := testList()
	ml.SubjectPrefix = "[Projects]"
	msg := parse(t, strings.Replace(plainPost, "Subject: status update", "Subject: Re: status update", 1))

	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	if got := msg.Subject(); got != "Re: [Projects] status update" {
		t.Errorf("Subject = %q", got)
	}
}

func TestSubjectPrefixIdempotent(t *testing.T) {
	ml := testList()
	ml.SubjectPrefix = "[Projects]"
	msg := parse(t, strings.Replace(plainPost, "Subject: status update", "Subject: [Projects] status update", 1))

	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	if got := msg.Subject(); got != "[Projects] status update" {
		t.Errorf("Subject = %q, prefix applied twice", got)
	}
}

func TestSubjectPrefixEmptySubject(t *testing.T) {
	ml := testList()
	ml.SubjectPrefix = "[Projects]"
	msg := parse(t, strings.Replace(plainPost, "Subject: status update\r\n", "", 1))

	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	if got := msg.Subject(); got != "[Projects] (no subject)" {
		t.Errorf("Subject = %q", got)
	}
}

func TestReplyToPreserved(t *testing.T) {
	ml := testList()
	raw := strings.Replace(plainPost, "Subject:", "Reply-To: alice@example.org\r\nSubject:", 1)
	msg := parse(t, raw)

	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	if got := msg.Get("Reply-To"); got != "alice@example.org" {
		t.Errorf("Reply-To = %q, author's value overwritten", got)
	}
}

func TestNoFooterWithoutConfig(t *testing.T) {
	ml := testList()
	msg := parse(t, plainPost)
	before := string(msg.Body())

	if _, err := Chain(context.Background(), ml, msg, queue.Metadata{}, PostChain()); err != nil {
		t.Fatal(err)
	}
	if string(msg.Body()) != before {
		t.Error("body changed with no footer configured")
	}
}
