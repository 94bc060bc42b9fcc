package nntp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeNNTP serves a single canned newsgroup on one connection.
func fakeNNTP(t *testing.T, ln net.Listener, rejectPost bool) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(s string) { conn.Write([]byte(s + "\r\n")) }

	write("200 fake news server ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "MODE READER"):
			write("200 reader mode")
		case strings.HasPrefix(line, "GROUP "):
			write("211 3 5 7 comp.lang.go")
		case strings.HasPrefix(line, "ARTICLE "):
			write("220 6 <six@news.example.net>")
			write("From: carol@example.org")
			write("Newsgroups: comp.lang.go")
			write("Subject: generics")
			write("")
			write("..leading dot survives")
			write("body line")
			write(".")
		case line == "POST":
			if rejectPost {
				write("440 posting not allowed")
				continue
			}
			write("340 send article")
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
			}
			write("240 article posted")
		case line == "QUIT":
			write("205 goodbye")
			return
		default:
			write("500 unknown command")
		}
	}
}

func dialFake(t *testing.T, rejectPost bool) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go fakeNNTP(t, ln, rejectPost)

	c, err := Dial(ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGroup(t *testing.T) {
	c := dialFake(t, false)
	count, low, high, err := c.Group("comp.lang.go")
	if err != nil {
		t.Fatalf("Group() error = %v", err)
	}
	if count != 3 || low != 5 || high != 7 {
		t.Errorf("Group() = %d %d %d, want 3 5 7", count, low, high)
	}
}

func TestArticle(t *testing.T) {
	c := dialFake(t, false)
	if _, _, _, err := c.Group("comp.lang.go"); err != nil {
		t.Fatal(err)
	}
	raw, err := c.Article(6)
	if err != nil {
		t.Fatalf("Article() error = %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "Subject: generics") {
		t.Errorf("article missing headers: %q", text)
	}
	// Dot-stuffing must be undone on the way out.
	if !strings.Contains(text, "\r\n.leading dot survives\r\n") {
		t.Errorf("dot-stuffed line mangled: %q", text)
	}
}

func TestPost(t *testing.T) {
	c := dialFake(t, false)
	article := []byte("From: alice@example.org\r\nNewsgroups: comp.lang.go\r\nSubject: hi\r\n\r\nbody\r\n")
	if err := c.Post(article); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
}

func TestPostRefused(t *testing.T) {
	c := dialFake(t, true)
	if err := c.Post([]byte("Subject: hi\r\n\r\nbody\r\n")); err == nil {
		t.Error("Post() succeeded against a read-only server")
	}
}

func TestPoolCachesAndDrops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeNNTP(t, ln, false)

	p := NewPool(2 * time.Second)
	defer p.CloseAll()

	addr := ln.Addr().String()
	c1, err := p.Get(addr)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Get(addr)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("Get() dialed a second connection for a cached server")
	}

	p.Drop(addr)
	go fakeNNTP(t, ln, false)
	c3, err := p.Get(addr)
	if err != nil {
		t.Fatal(err)
	}
	if c3 == c1 {
		t.Error("Get() returned the dropped connection")
	}
}
