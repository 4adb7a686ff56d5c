// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/gogama/niquests/header"
)

// HTTP2 drives exchanges over one HTTP/2 connection. Frame handling,
// flow control and SETTINGS negotiation are owned by
// golang.org/x/net/http2; this driver adapts its ClientConn to the
// uniform Driver surface and tracks brokenness for the pool.
type HTTP2 struct {
	cc *http2.ClientConn
}

// h2Transport configures the shared frame layer. Pings keep an
// otherwise silent multiplexed connection honest about peer liveness.
var h2Transport = &http2.Transport{
	ReadIdleTimeout: 30 * time.Second,
	PingTimeout:     15 * time.Second,
}

// NewHTTP2 wraps an established TLS connection whose ALPN negotiation
// selected "h2".
func NewHTTP2(conn *tls.Conn) (*HTTP2, error) {
	cc, err := h2Transport.NewClientConn(conn)
	if err != nil {
		return nil, err
	}
	return &HTTP2{cc: cc}, nil
}

// Version implements Driver.
func (d *HTTP2) Version() Version { return VersionHTTP2 }

// MaxStreams implements Driver, reporting the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS.
func (d *HTTP2) MaxStreams() int {
	state := d.cc.State()
	if state.MaxConcurrentStreams == 0 {
		return 100
	}
	return int(state.MaxConcurrentStreams)
}

// Broken implements Driver.
func (d *HTTP2) Broken() bool {
	return !d.cc.CanTakeNewRequest()
}

// Close implements Driver.
func (d *HTTP2) Close() error {
	return d.cc.Close()
}

// BeginExchange implements Driver. The exchange runs as one stream on
// the shared connection; many exchanges may be in flight concurrently.
func (d *HTTP2) BeginExchange(ctx context.Context, req *ExchangeRequest) (StreamCursor, error) {
	hreq, err := buildStdRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := d.cc.RoundTrip(hreq)
	if err != nil {
		return nil, err
	}
	return newStdCursor(resp, VersionHTTP2), nil
}

// buildStdRequest converts an ExchangeRequest to the net/http request
// consumed by the x/net/http2 and quic-go capability layers. Interim
// 1xx heads are delivered through a client trace.
func buildStdRequest(ctx context.Context, req *ExchangeRequest) (*http.Request, error) {
	if req.OnEarlyResponse != nil {
		early := req.OnEarlyResponse
		trace := &httptrace.ClientTrace{
			Got1xxResponse: func(code int, h textproto.MIMEHeader) error {
				hm := &header.Map{}
				for name, values := range h {
					for _, v := range values {
						hm.Add(name, v)
					}
				}
				early(&ResponseHead{StatusCode: code, Header: hm})
				return nil
			},
		}
		ctx = httptrace.WithClientTrace(ctx, trace)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}
	hreq.Header = req.Header.ToHTTP()
	hreq.Host = req.Host
	if req.Body == nil {
		hreq.ContentLength = 0
	} else {
		hreq.ContentLength = req.ContentLength // -1 means unknown
	}
	return hreq, nil
}

// stdCursor adapts an *http.Response from a capability layer to the
// StreamCursor surface.
type stdCursor struct {
	resp *http.Response
	head *ResponseHead

	mu     sync.Mutex
	closed bool
	eof    bool
}

func newStdCursor(resp *http.Response, v Version) *stdCursor {
	return &stdCursor{
		resp: resp,
		head: &ResponseHead{
			StatusCode: resp.StatusCode,
			Reason:     reasonFromStatus(resp.Status),
			Version:    v,
			Header:     header.FromHTTP(resp.Header),
		},
	}
}

func (c *stdCursor) Head() *ResponseHead { return c.head }

func (c *stdCursor) Trailer() *header.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eof || len(c.resp.Trailer) == 0 {
		return nil
	}
	return header.FromHTTP(c.resp.Trailer)
}

func (c *stdCursor) Read(p []byte) (int, error) {
	n, err := c.resp.Body.Read(p)
	if err == io.EOF {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	}
	return n, err
}

func (c *stdCursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.resp.Body.Close()
}

// reasonFromStatus strips the numeric code from a net/http status
// string like "200 OK".
func reasonFromStatus(status string) string {
	if len(status) > 4 {
		return status[4:]
	}
	return ""
}
