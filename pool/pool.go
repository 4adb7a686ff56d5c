// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gogama/niquests/header"
)

const (
	// DefaultConnections is the default number of distinct origins the
	// pool retains connections for.
	DefaultConnections = 10
	// DefaultMaxsize is the default number of connections per origin.
	DefaultMaxsize = 10
)

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Config parameterizes a Pool.
type Config struct {
	// Connections caps the number of distinct origins with retained
	// connections. Zero means DefaultConnections.
	Connections int
	// Maxsize caps live connections per origin. Zero means
	// DefaultMaxsize.
	Maxsize int
	// Dialer establishes new connections. Must not be nil.
	Dialer *Dialer
	// Logger receives pool lifecycle events. Nil disables logging.
	Logger *zerolog.Logger
}

// A Pool is the session's connection pool: per-origin buckets of live
// connections, an Alt-Svc cache steering https origins onto HTTP/3,
// and the two caps described in the package documentation. Safe for
// concurrent use.
type Pool struct {
	connections int
	maxsize     int
	log         zerolog.Logger
	alt         *AltCache

	// Dial seams, bound to the configured Dialer and replaceable in
	// tests.
	dialFn     func(ctx context.Context, t Target) (*Conn, error)
	dialH3Fn   func(ctx context.Context, t Target, authority string) (*Conn, error)
	h3Disabled bool

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

// bucket holds one origin's connections. signal wakes one waiter when
// a slot may have opened.
type bucket struct {
	conns    []*Conn
	signal   chan struct{}
	lastUsed time.Time
}

// New creates a pool from cfg.
func New(cfg Config) *Pool {
	p := &Pool{
		connections: cfg.Connections,
		maxsize:     cfg.Maxsize,
		alt:         NewAltCache(),
		buckets:     make(map[string]*bucket),
	}
	if p.connections <= 0 {
		p.connections = DefaultConnections
	}
	if p.maxsize <= 0 {
		p.maxsize = DefaultMaxsize
	}
	if cfg.Logger != nil {
		p.log = *cfg.Logger
	} else {
		p.log = zerolog.Nop()
	}
	if cfg.Dialer != nil {
		cfg.Dialer.Logger = p.log
		p.dialFn = cfg.Dialer.Dial
		p.dialH3Fn = cfg.Dialer.DialH3
		p.h3Disabled = cfg.Dialer.DisableHTTP3
	}
	return p
}

// AltSvc exposes the pool's Alt-Svc cache.
func (p *Pool) AltSvc() *AltCache { return p.alt }

// Observe feeds a response header section from origin into the
// Alt-Svc cache.
func (p *Pool) Observe(origin string, h *header.Map) {
	p.alt.Update(origin, h)
}

// A Target identifies what to connect to: the origin, plus the proxy
// to route through when non-nil. Connections to the same origin via
// different proxies live in distinct buckets.
type Target struct {
	// Origin is "scheme://host:port" of the destination.
	Origin string
	// Proxy, when non-nil, routes the connection through an HTTP
	// proxy: absolute-form requests for cleartext origins, a CONNECT
	// tunnel for TLS origins.
	Proxy *url.URL
	// Verify, when non-nil, overrides the dialer's TLS certificate
	// verification for this target. Verified and unverified
	// connections to the same origin never share a bucket.
	Verify *bool
}

func (t Target) key() string {
	key := t.Origin
	if t.Proxy != nil {
		key += "|via=" + t.Proxy.Host
	}
	if t.Verify != nil {
		if *t.Verify {
			key += "|verify=1"
		} else {
			key += "|verify=0"
		}
	}
	return key
}

// Acquire checks out a connection to the target, admitting one
// exchange on it. Preference order: a pooled connection with spare
// stream capacity (most recently used first); a fresh HTTP/3 dial when
// the Alt-Svc cache advertises one; a fresh TCP dial. When the bucket
// is at capacity with no spare streams, Acquire blocks until a slot
// opens or ctx is done. reused reports whether the exchange rides a
// pooled connection rather than a fresh dial.
//
// The caller must hand the connection back with Release (or Discard on
// failure) exactly once per successful Acquire.
func (p *Pool) Acquire(ctx context.Context, t Target) (conn *Conn, reused bool, err error) {
	key := t.key()
	for {
		conn, dial, wait, err := p.tryCheckout(key)
		if err != nil {
			return nil, false, err
		}
		if conn != nil {
			return conn, true, nil
		}
		if dial {
			conn, err = p.dial(ctx, t, key)
			return conn, false, err
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}

// tryCheckout makes one non-blocking pass: either returns a pooled
// connection, or reports that the caller should dial, or returns the
// bucket's wait channel.
func (p *Pool) tryCheckout(key string) (conn *Conn, dial bool, wait <-chan struct{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, nil, ErrClosed
	}
	b := p.buckets[key]
	if b == nil {
		return nil, true, nil, nil
	}
	b.lastUsed = time.Now()

	// Most recently used first, pruning broken connections as we go.
	live := b.conns[:0]
	var best *Conn
	for _, c := range b.conns {
		if c.Driver.Broken() {
			c.markEvicted()
			_ = c.Driver.Close()
			p.log.Debug().Str("origin", key).Msg("dropped broken connection")
			continue
		}
		live = append(live, c)
		if best == nil || c.lastUse().After(best.lastUse()) {
			best = c
		}
	}
	b.conns = live

	if best != nil && best.tryAcquire() {
		return best, false, nil, nil
	}
	for _, c := range b.conns {
		if c != best && c.tryAcquire() {
			return c, false, nil, nil
		}
	}
	if len(b.conns) < p.maxsize {
		return nil, true, nil, nil
	}
	return nil, false, b.signal, nil
}

// dial establishes a new connection and registers it with the pool.
// The Alt-Svc cache is consulted first for direct targets; a failed
// alternative falls back to the direct TCP path before any request
// bytes are written.
func (p *Pool) dial(ctx context.Context, t Target, key string) (*Conn, error) {
	if p.dialFn == nil {
		return nil, errors.New("pool: no dialer configured")
	}
	var conn *Conn
	if alt, ok := p.alt.Lookup(t.Origin); ok && t.Proxy == nil && !p.h3Disabled && p.dialH3Fn != nil {
		var err error
		conn, err = p.dialH3Fn(ctx, t, alt.Authority)
		if err != nil {
			p.alt.Invalidate(t.Origin)
			p.log.Debug().
				Str("origin", t.Origin).
				Str("authority", alt.Authority).
				Err(err).
				Msg("alternative service unreachable, falling back")
			conn = nil
		}
	}
	if conn == nil {
		var err error
		conn, err = p.dialFn(ctx, t)
		if err != nil {
			return nil, err
		}
	}
	conn.Origin = key

	if !conn.tryAcquire() {
		_ = conn.Driver.Close()
		return nil, errors.New("pool: freshly dialed connection unusable")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Driver.Close()
		return nil, ErrClosed
	}
	b := p.buckets[key]
	if b == nil {
		b = &bucket{signal: make(chan struct{}, 1)}
		p.buckets[key] = b
		p.evictLockedIfOver()
	}
	b.lastUsed = time.Now()
	if len(b.conns) < p.maxsize {
		b.conns = append(b.conns, conn)
	} else {
		// Bucket filled while we were dialing. Use the connection for
		// this exchange but do not retain it.
		conn.markEvicted()
	}
	p.mu.Unlock()
	return conn, nil
}

// evictLockedIfOver enforces the distinct-origin cap by dropping the
// least recently used origin's idle connections. Callers hold p.mu.
func (p *Pool) evictLockedIfOver() {
	for len(p.buckets) > p.connections {
		var lruKey string
		var lru *bucket
		for key, b := range p.buckets {
			if lru == nil || b.lastUsed.Before(lru.lastUsed) {
				lruKey, lru = key, b
			}
		}
		if lru == nil {
			return
		}
		kept := lru.conns[:0]
		for _, c := range lru.conns {
			if c.idle() {
				c.markEvicted()
				_ = c.Driver.Close()
			} else {
				kept = append(kept, c)
			}
		}
		lru.conns = kept
		p.log.Debug().Str("origin", lruKey).Msg("evicted least recently used origin")
		if len(lru.conns) == 0 {
			delete(p.buckets, lruKey)
		} else {
			// Every connection is busy; nothing more can be evicted
			// now. Releases will finish the job.
			return
		}
	}
}

// Release returns an exchange's slot on conn to the pool. Broken
// connections are closed and forgotten instead of being pooled.
func (p *Pool) Release(conn *Conn) {
	conn.release()
	if conn.Driver.Broken() {
		p.remove(conn)
		return
	}
	p.wake(conn.Origin)
}

// Discard removes conn from the pool and closes it, releasing the
// caller's slot. Used when an exchange fails in a way that taints the
// connection, such as a timeout mid-body.
func (p *Pool) Discard(conn *Conn) {
	conn.release()
	p.remove(conn)
}

func (p *Pool) remove(conn *Conn) {
	conn.markEvicted()
	_ = conn.Driver.Close()
	p.mu.Lock()
	if b := p.buckets[conn.Origin]; b != nil {
		kept := b.conns[:0]
		for _, c := range b.conns {
			if c != conn {
				kept = append(kept, c)
			}
		}
		b.conns = kept
	}
	p.mu.Unlock()
	p.wake(conn.Origin)
}

func (p *Pool) wake(origin string) {
	p.mu.Lock()
	b := p.buckets[origin]
	p.mu.Unlock()
	if b != nil {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
}

// CloseIdle closes every connection with no inflight exchange,
// retaining busy ones.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, b := range p.buckets {
		kept := b.conns[:0]
		for _, c := range b.conns {
			if c.idle() {
				c.markEvicted()
				_ = c.Driver.Close()
			} else {
				kept = append(kept, c)
			}
		}
		b.conns = kept
		if len(b.conns) == 0 {
			delete(p.buckets, key)
		}
	}
}

// Close closes every pooled connection and rejects future Acquires.
// Inflight exchanges on multiplexed connections are interrupted.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for key, b := range p.buckets {
		for _, c := range b.conns {
			c.markEvicted()
			_ = c.Driver.Close()
		}
		delete(p.buckets, key)
	}
	return nil
}
