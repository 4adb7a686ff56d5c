// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/gogama/niquests/header"
)

// h1State tracks the exchange state machine of an HTTP/1 connection.
type h1State int

const (
	h1Idle h1State = iota
	h1SendingHeaders
	h1SendingBody
	h1AwaitingStatus
	h1ReadingHeaders
	h1ReadingBody
	h1Done
)

// maxDrainBytes bounds how much of an abandoned body the driver will
// read to keep the connection reusable. Larger remainders close the
// connection instead.
const maxDrainBytes = 64 << 10

// HTTP1 is the native HTTP/1.1 protocol driver. A connection admits
// exactly one exchange at a time; the pool holds the connection
// exclusively until the response body is drained or the cursor closed.
type HTTP1 struct {
	mu     sync.Mutex
	conn   net.Conn
	dconn  *deadlineConn
	br     *bufio.Reader
	bw     *bufio.Writer
	state  h1State
	broken bool
}

// NewHTTP1 wraps an established connection (typically TCP or TLS with
// ALPN http/1.1) with the HTTP/1.1 driver.
func NewHTTP1(conn net.Conn) *HTTP1 {
	dc := &deadlineConn{Conn: conn}
	return &HTTP1{
		conn:  conn,
		dconn: dc,
		br:    bufio.NewReader(dc),
		bw:    bufio.NewWriter(conn),
	}
}

// Version implements Driver.
func (d *HTTP1) Version() Version { return VersionHTTP11 }

// MaxStreams implements Driver. HTTP/1 connections carry at most one
// inflight exchange.
func (d *HTTP1) MaxStreams() int { return 1 }

// Broken implements Driver.
func (d *HTTP1) Broken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

// Close implements Driver.
func (d *HTTP1) Close() error {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
	return d.conn.Close()
}

func (d *HTTP1) markBroken() {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
}

// BeginExchange implements Driver. It drives the send side of the
// state machine to completion, then blocks reading interim responses
// until the final response head arrives.
func (d *HTTP1) BeginExchange(ctx context.Context, req *ExchangeRequest) (StreamCursor, error) {
	d.mu.Lock()
	if d.state != h1Idle {
		d.mu.Unlock()
		return nil, errors.New("proto: HTTP/1 connection already has an exchange in flight")
	}
	d.state = h1SendingHeaders
	d.mu.Unlock()

	d.dconn.SetInactivityWindow(req.InactivityTimeout)

	// An already-cancelled context must not start writing.
	if err := ctx.Err(); err != nil {
		d.markBroken()
		return nil, err
	}
	stop := watchContext(ctx, d.conn)
	defer stop()

	if err := d.writeRequest(req); err != nil {
		d.markBroken()
		return nil, wrapCtxErr(ctx, err)
	}

	d.setState(h1AwaitingStatus)
	head, err := d.readFinalHead(req)
	if err != nil {
		d.markBroken()
		return nil, wrapCtxErr(ctx, err)
	}

	d.setState(h1ReadingBody)
	cursor, err := d.newCursor(req, head)
	if err != nil {
		d.markBroken()
		return nil, err
	}
	return cursor, nil
}

func (d *HTTP1) setState(s h1State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// watchContext closes conn when ctx is cancelled, unblocking any
// in-progress read or write. The returned stop function must be called
// when the guarded phase ends.
func watchContext(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func wrapCtxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (d *HTTP1) writeRequest(req *ExchangeRequest) error {
	target := req.URL.RequestURI()
	if req.AbsoluteForm {
		target = req.URL.String()
	}
	if _, err := fmt.Fprintf(d.bw, "%s %s HTTP/1.1\r\n", req.Method, target); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(d.bw, "Host: %s\r\n", req.Host); err != nil {
		return err
	}

	chunked := req.Body != nil && req.ContentLength < 0
	for _, f := range req.Header.Fields() {
		if _, err := fmt.Fprintf(d.bw, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	if req.Body != nil && req.ContentLength >= 0 {
		if _, err := fmt.Fprintf(d.bw, "Content-Length: %d\r\n", req.ContentLength); err != nil {
			return err
		}
	}
	if chunked {
		if _, err := d.bw.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.bw.WriteString("\r\n"); err != nil {
		return err
	}

	if req.Body != nil {
		d.setState(h1SendingBody)
		var err error
		if chunked {
			cw := newChunkedWriter(d.bw)
			if _, err = io.Copy(cw, req.Body); err == nil {
				err = cw.Close()
			}
		} else {
			_, err = io.Copy(d.bw, req.Body)
		}
		_ = req.Body.Close()
		if err != nil {
			return err
		}
	}
	return d.bw.Flush()
}

// readFinalHead reads response heads until a non-interim one arrives.
// Interim 1xx heads are surfaced on the early-response callback; 101
// terminates header reading and is returned as the final head.
func (d *HTTP1) readFinalHead(req *ExchangeRequest) (*ResponseHead, error) {
	for {
		head, err := d.readHead()
		if err != nil {
			return nil, err
		}
		if head.StatusCode >= 200 || head.StatusCode == 101 {
			return head, nil
		}
		if req.OnEarlyResponse != nil {
			req.OnEarlyResponse(head)
		}
	}
}

func (d *HTTP1) readHead() (*ResponseHead, error) {
	d.setState(h1AwaitingStatus)
	tp := textproto.NewReader(d.br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	version, status, reason, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	d.setState(h1ReadingHeaders)
	h := &header.Map{}
	for {
		kv, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if kv == "" {
			break
		}
		i := strings.IndexByte(kv, ':')
		if i <= 0 {
			return nil, fmt.Errorf("proto: malformed header line %q", kv)
		}
		h.Add(strings.TrimSpace(kv[:i]), strings.TrimSpace(kv[i+1:]))
	}
	return &ResponseHead{
		StatusCode: status,
		Reason:     reason,
		Version:    version,
		Header:     h,
	}, nil
}

func parseStatusLine(line string) (Version, int, string, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", 0, "", fmt.Errorf("proto: malformed status line %q", line)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return "", 0, "", fmt.Errorf("proto: unsupported protocol %q", proto)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return "", 0, "", fmt.Errorf("proto: malformed status code %q", codeStr)
	}
	return Version(proto), code, reason, nil
}

// newCursor wires the response body framing: no body for HEAD and
// 1xx/204/304; chunked when Transfer-Encoding says so; length-bounded
// for Content-Length; read-to-close otherwise.
func (d *HTTP1) newCursor(req *ExchangeRequest, head *ResponseHead) (StreamCursor, error) {
	c := &h1Cursor{driver: d, head: head}

	wantClose := head.Version == "HTTP/1.0"
	if v, ok := head.Header.Fold("Connection"); ok {
		switch {
		case strings.Contains(strings.ToLower(v), "close"):
			wantClose = true
		case strings.Contains(strings.ToLower(v), "keep-alive"):
			wantClose = false
		}
	}
	c.connClose = wantClose

	switch {
	case req.Method == "HEAD" || head.StatusCode == 204 || head.StatusCode == 304:
		c.body = eofReader{}
	case head.StatusCode == 101:
		// Leave the connection hijackable: the cursor reads raw bytes
		// until close and the connection is never pooled again.
		c.connClose = true
		c.body = d.br
	case isChunked(head.Header):
		cr := newChunkedReader(d.br)
		c.body = cr
		c.chunked = cr
	default:
		if n, ok := head.Header.Typed().ContentLength(); ok {
			c.body = io.LimitReader(d.br, n)
			c.length = n
		} else {
			// Close-delimited body per RFC 7230 §3.3.3 item 7.
			c.connClose = true
			c.body = d.br
		}
	}
	return c, nil
}

func isChunked(h *header.Map) bool {
	v, ok := h.Fold("Transfer-Encoding")
	return ok && strings.Contains(strings.ToLower(v), "chunked")
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// h1Cursor is the StreamCursor of an HTTP/1 exchange.
type h1Cursor struct {
	driver    *HTTP1
	head      *ResponseHead
	body      io.Reader
	chunked   *chunkedReader
	length    int64
	read      int64
	connClose bool
	done      bool
	closed    bool
	mu        sync.Mutex
}

func (c *h1Cursor) Head() *ResponseHead { return c.head }

func (c *h1Cursor) Trailer() *header.Map {
	if c.chunked != nil {
		return c.chunked.trailer
	}
	return nil
}

func (c *h1Cursor) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("proto: read from closed stream cursor")
	}
	c.mu.Unlock()

	n, err := c.body.Read(p)
	c.read += int64(n)
	if err == io.EOF || (c.length > 0 && c.read >= c.length && err == nil) {
		// A close-delimited body ends in io.EOF from the socket; a
		// length-delimited one ends when the limit is reached.
		if c.length > 0 && c.read >= c.length {
			err = io.EOF
		}
		c.finish()
	}
	return n, err
}

// finish marks the exchange complete and returns the connection to an
// idle, reusable state unless the response demanded closure.
func (c *h1Cursor) finish() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	c.driver.dconn.SetInactivityWindow(0)
	if c.connClose {
		c.driver.markBroken()
		_ = c.driver.conn.Close()
	}
	c.driver.setState(h1Idle)
}

// Close abandons the stream. A small unread remainder is drained so
// the connection stays reusable; otherwise the connection is closed.
// Close is idempotent.
func (c *h1Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	alreadyDone := c.done
	c.mu.Unlock()

	if alreadyDone {
		return nil
	}
	drained := io.LimitReader(c.body, maxDrainBytes)
	if _, err := io.Copy(io.Discard, drained); err == nil {
		// Check whether the body is actually exhausted now.
		var probe [1]byte
		if n, err := c.body.Read(probe[:]); n == 0 && err == io.EOF {
			c.finish()
			return nil
		}
	}
	c.driver.markBroken()
	err := c.driver.conn.Close()
	c.finish()
	return err
}
