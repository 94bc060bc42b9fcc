// Package nntp implements the small NNTP client slice used for gating
// lists to and from USENET: group selection, article retrieval, and
// posting.
package nntp

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Client is one NNTP connection.
type Client struct {
	conn *textproto.Conn
	addr string
}

// Dial connects to an NNTP server (host or host:port, default 119) and
// reads the greeting.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(addr, ":") {
		addr += ":119"
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("nntp connect %s: %w", addr, err)
	}
	conn := textproto.NewConn(nc)
	if _, _, err := conn.ReadCodeLine(20); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nntp greeting %s: %w", addr, err)
	}
	c := &Client{conn: conn, addr: addr}

	// Mode reader for servers that start in transit mode; failure is
	// fine, the server may already be a reader.
	c.conn.Cmd("MODE READER")
	c.conn.ReadCodeLine(-1)
	return c, nil
}

// Group selects a newsgroup and returns its article count and low/high
// water marks.
func (c *Client) Group(name string) (count, low, high int, err error) {
	id, err := c.conn.Cmd("GROUP %s", name)
	if err != nil {
		return 0, 0, 0, err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	_, msg, err := c.conn.ReadCodeLine(211)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("group %s: %w", name, err)
	}
	fields := strings.Fields(msg)
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("group %s: malformed response %q", name, msg)
	}
	count, _ = strconv.Atoi(fields[0])
	low, _ = strconv.Atoi(fields[1])
	high, _ = strconv.Atoi(fields[2])
	return count, low, high, nil
}

// Article fetches one article by number in the selected group.
func (c *Client) Article(num int) ([]byte, error) {
	id, err := c.conn.Cmd("ARTICLE %d", num)
	if err != nil {
		return nil, err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	if _, _, err := c.conn.ReadCodeLine(220); err != nil {
		return nil, err
	}
	lines, err := c.conn.ReadDotLines()
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n"), nil
}

// Post submits an article.
func (c *Client) Post(article []byte) error {
	id, err := c.conn.Cmd("POST")
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	if _, _, err := c.conn.ReadCodeLine(340); err != nil {
		c.conn.EndResponse(id)
		return fmt.Errorf("post refused: %w", err)
	}
	c.conn.EndResponse(id)

	w := c.conn.DotWriter()
	if _, err := w.Write(article); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, _, err := c.conn.ReadCodeLine(240); err != nil {
		return fmt.Errorf("post rejected: %w", err)
	}
	return nil
}

// Quit closes the connection politely.
func (c *Client) Quit() error {
	c.conn.Cmd("QUIT")
	c.conn.ReadCodeLine(-1)
	return c.conn.Close()
}

// Close drops the connection without the pleasantries.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Pool caches one connection per server. A connection that errors is
// dropped so the next use dials fresh.
type Pool struct {
	timeout time.Duration
	conns   map[string]*Client
}

// NewPool builds a connection pool.
func NewPool(timeout time.Duration) *Pool {
	return &Pool{timeout: timeout, conns: make(map[string]*Client)}
}

// Get returns a cached connection to the server, dialing if needed.
func (p *Pool) Get(addr string) (*Client, error) {
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr, p.timeout)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// Drop discards the cached connection to a server after an error.
func (p *Pool) Drop(addr string) {
	if c, ok := p.conns[addr]; ok {
		c.Close()
		delete(p.conns, addr)
	}
}

// CloseAll quits every cached connection.
func (p *Pool) CloseAll() {
	for addr, c := range p.conns {
		c.Quit()
		delete(p.conns, addr)
	}
}
