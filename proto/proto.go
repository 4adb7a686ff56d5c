// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gogama/niquests/header"
)

// A Version tags the HTTP protocol version a connection or response
// was carried on.
type Version string

const (
	VersionHTTP11 Version = "HTTP/1.1"
	VersionHTTP2  Version = "HTTP/2"
	VersionHTTP3  Version = "HTTP/3"
)

// An ExchangeRequest is the wire-ready request a driver sends. The
// orchestrator produces it from a prepared logical request; all policy
// (header merging, cookies, auth, redirects) has already been applied.
type ExchangeRequest struct {
	Method string
	URL    *url.URL
	// Host is the authority to send (Host header / :authority).
	Host string
	// Header holds all fields except Host, Content-Length and
	// Transfer-Encoding, which the driver computes.
	Header *header.Map
	// Body is nil when there is no body.
	Body io.ReadCloser
	// ContentLength is the body length, or -1 when unknown. Unknown
	// lengths use chunked transfer coding on HTTP/1 and plain DATA
	// framing on HTTP/2 and HTTP/3.
	ContentLength int64
	// AbsoluteForm requests origin-form vs absolute-form targets on
	// HTTP/1 (absolute-form is used on unencrypted proxied requests).
	AbsoluteForm bool
	// InactivityTimeout is the socket-inactivity window for this
	// exchange. The HTTP/1 driver enforces it with a rolling read
	// deadline; the multiplexed drivers enforce the header phase via
	// the context and leave body-phase enforcement to the caller's
	// stream, which times each chunk read.
	InactivityTimeout time.Duration
	// OnEarlyResponse, when non-nil, is invoked for each interim 1xx
	// response head received before the final response. A 101 head is
	// delivered as the final response instead.
	OnEarlyResponse func(head *ResponseHead)
}

// A ResponseHead is the complete header section of a response,
// delivered as one event before any body bytes.
type ResponseHead struct {
	StatusCode int
	Reason     string
	Version    Version
	Header     *header.Map
}

// A StreamCursor is a handle on one logical response stream. Body
// bytes read in wire order; Read returns io.EOF exactly once at
// end-of-stream. Close abandons the stream; it is idempotent. A
// StreamCursor is not safe for concurrent reads from multiple
// goroutines.
type StreamCursor interface {
	io.ReadCloser
	// Head returns the final response head.
	Head() *ResponseHead
	// Trailer returns the trailer fields, available after Read has
	// returned io.EOF. It returns nil when there are none (or none
	// yet).
	Trailer() *header.Map
}

// A Driver drives logical exchanges over one established connection.
//
// Implementations must be safe for concurrent use by multiple
// goroutines, though HTTP/1 connections admit only one exchange at a
// time and the pool enforces that exclusivity.
type Driver interface {
	// Version reports the protocol version of the connection.
	Version() Version
	// BeginExchange sends req and blocks until the final response
	// head arrives. The returned cursor streams the body.
	BeginExchange(ctx context.Context, req *ExchangeRequest) (StreamCursor, error)
	// MaxStreams is the peer-advertised concurrent stream limit: 1
	// for HTTP/1 connections.
	MaxStreams() int
	// Broken reports that the connection cannot accept further
	// exchanges (GOAWAY received, Connection: close, transport
	// error). The pool drops broken connections instead of pooling
	// them.
	Broken() bool
	// Close tears down the underlying connection.
	Close() error
}

// deadlineConn wraps a net.Conn so that every Read refreshes a rolling
// read deadline. This implements the library's timeout semantics: a
// timeout fires only after no bytes arrive for the configured window,
// not after total elapsed time.
type deadlineConn struct {
	net.Conn
	window time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.window > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.window)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// SetInactivityWindow adjusts the rolling window. A zero duration
// disables the deadline.
func (c *deadlineConn) SetInactivityWindow(d time.Duration) {
	c.window = d
	if d == 0 {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
}

// NewInactivityConn wraps conn with a rolling read deadline of window.
func NewInactivityConn(conn net.Conn, window time.Duration) net.Conn {
	return &deadlineConn{Conn: conn, window: window}
}
