// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	"github.com/gogama/niquests/proto"
)

// ConnInfo describes the physical connection an exchange rode on. It
// is captured when the connection is established and exposed on every
// response served from the connection.
type ConnInfo struct {
	// LocalAddr and RemoteAddr are in host:port form. RemoteAddr names
	// the endpoint actually dialed, which may differ from the request
	// host when an Alt-Svc alternative was used.
	LocalAddr  string
	RemoteAddr string
	// Version is the negotiated HTTP protocol version.
	Version proto.Version
	// ALPN is the application protocol selected during the TLS
	// handshake, empty for cleartext connections.
	ALPN string
	// TLSVersion is the negotiated TLS version constant from
	// crypto/tls, zero for cleartext connections.
	TLSVersion uint16
	// Reused is true when the exchange found the connection in the
	// pool rather than triggering a fresh dial. It is zero on the
	// Conn itself; the session sets it on the per-exchange copy it
	// attaches to the response.
	Reused bool
	// Established is the wall-clock duration of connection setup,
	// covering resolution, the transport handshake and TLS.
	Established time.Duration
}

// A Conn is one pooled physical connection. The pool tracks how many
// exchanges are riding it so multiplexed connections can admit new
// streams up to the peer's limit while HTTP/1 connections stay
// exclusive.
type Conn struct {
	// Origin is the pool bucket key: "scheme://host:port", with a
	// "|via=proxyhost" suffix for proxied connections.
	Origin string
	// Driver is the protocol state machine bound to the connection.
	Driver proto.Driver
	// Info is fixed at establishment.
	Info ConnInfo

	mu       sync.Mutex
	created  time.Time
	lastUsed time.Time
	inflight int
	evicted  bool
}

func newConn(origin string, d proto.Driver, info ConnInfo) *Conn {
	now := time.Now()
	return &Conn{
		Origin:   origin,
		Driver:   d,
		Info:     info,
		created:  now,
		lastUsed: now,
	}
}

// tryAcquire admits one more exchange if the connection has spare
// stream capacity and is not broken. It reports whether admission
// succeeded.
func (c *Conn) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted || c.Driver.Broken() {
		return false
	}
	if c.inflight >= c.Driver.MaxStreams() {
		return false
	}
	c.inflight++
	c.lastUsed = time.Now()
	return true
}

// release returns one exchange's slot.
func (c *Conn) release() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Inflight reports the number of exchanges currently riding the
// connection.
func (c *Conn) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *Conn) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight == 0
}

func (c *Conn) lastUse() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) markEvicted() {
	c.mu.Lock()
	c.evicted = true
	c.mu.Unlock()
}
