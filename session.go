// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/gogama/niquests/cookie"
	"github.com/gogama/niquests/header"
	"github.com/gogama/niquests/pool"
	"github.com/gogama/niquests/request"
	"github.com/gogama/niquests/resolve"
)

// Default socket-inactivity timeouts, applied when neither the request
// nor the session sets one. Reads (GET, HEAD, OPTIONS) default lower
// than writes.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 120 * time.Second
)

// DefaultMaxRedirects bounds a redirect chain when Session.MaxRedirects
// is zero.
const DefaultMaxRedirects = 30

// A Session is the library's HTTP client: it owns the connection pool,
// the cookie jar, the resolver and the Alt-Svc cache, and drives the
// request lifecycle end to end. Its zero value is a valid
// configuration.
//
// Configure a Session before its first use; configuration fields must
// not be mutated afterwards. A Session is safe for concurrent use by
// multiple goroutines, and should be reused rather than created per
// request, since the pool's cached connections live on it.
//
// On top of issuing single requests, a Session supports multiplexed
// operation: Send returns immediately with a lazy *Promise bound to an
// in-flight exchange, and Gather resolves outstanding promises as
// their responses arrive. See the Promise documentation.
type Session struct {
	// Multiplexed documents the intent to issue requests through Send
	// and Gather rather than the blocking methods. It does not change
	// the behavior of either; both styles are always available.
	Multiplexed bool

	// Resolver resolves hostnames. When nil, the session reads
	// NIQUESTS_DNS_URL once at first use and falls back to the system
	// resolver.
	Resolver resolve.Resolver

	// PoolConnections caps the distinct origins with pooled
	// connections; PoolMaxsize caps connections per origin. Zero
	// selects the defaults (10 and 10).
	PoolConnections int
	PoolMaxsize     int

	// Headers are sent with every request, beneath request headers.
	Headers *header.Map

	// Jar is the cookie jar. When nil a fresh jar is created at first
	// use.
	Jar *cookie.Jar

	// BaseURL, when set, resolves relative request URLs.
	BaseURL string

	// Auth, when non-nil, applies to every request that carries no
	// credential of its own.
	Auth request.Auth

	// Proxies maps target scheme to proxy URL session-wide. Request
	// Proxies override it; the standard environment variables fill in
	// beneath both.
	Proxies map[string]string

	// MaxRedirects bounds redirect chains. Zero means
	// DefaultMaxRedirects.
	MaxRedirects int

	// RewriteRedirectMethod, when true, rewrites POST and other
	// non-GET/HEAD methods to GET on 301 and 302 responses, the way
	// browsers do. The default preserves the original method; 303
	// always rewrites.
	RewriteRedirectMethod bool

	// Verify controls TLS certificate verification. nil means verify.
	// Request.Verify overrides per request.
	Verify *bool

	// TLSConfig, when non-nil, is the base TLS configuration for new
	// connections. It is cloned per dial.
	TLSConfig *tls.Config

	// DisableHTTP1, DisableHTTP2 and DisableHTTP3 remove the
	// corresponding version from negotiation.
	DisableHTTP1 bool
	DisableHTTP2 bool
	DisableHTTP3 bool

	// Timeout, when positive, replaces the method-sensitive default
	// socket-inactivity timeout. Request.Timeout overrides per
	// request.
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment. Zero means 30
	// seconds.
	ConnectTimeout time.Duration

	// BandwidthLimit, when positive, throttles response body reads to
	// this many bytes per second, session-wide.
	BandwidthLimit rate.Limit

	// Logger receives debug events for dialing, negotiation, redirects
	// and pool maintenance. Nil disables logging.
	Logger *zerolog.Logger

	// Tracer, when non-nil, records one span per logical send.
	Tracer trace.Tracer

	// Handlers holds event handler chains run at the designated points
	// of every exchange. See Event.
	Handlers *HandlerGroup

	initOnce sync.Once
	pool     *pool.Pool
	jar      *cookie.Jar
	resolver resolve.Resolver
	netrc    netrcSource
	proxySrc proxySource
	sched    *scheduler
	log      zerolog.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// init wires the session's internals on first use. The environment
// (resolver descriptor, proxy variables, netrc path) is read here,
// once.
func (s *Session) init() {
	s.initOnce.Do(func() {
		if s.Logger != nil {
			s.log = *s.Logger
		} else {
			s.log = zerolog.Nop()
		}

		s.resolver = s.Resolver
		if s.resolver == nil {
			r, err := resolve.FromEnvironment()
			if err != nil {
				s.log.Warn().Err(err).Msg("invalid resolver descriptor in environment, using system resolver")
				r = resolve.System()
			}
			s.resolver = r
		}

		s.jar = s.Jar
		if s.jar == nil {
			s.jar = &cookie.Jar{}
		}

		connectTimeout := s.ConnectTimeout
		if connectTimeout == 0 {
			connectTimeout = 30 * time.Second
		}
		s.pool = pool.New(pool.Config{
			Connections: s.PoolConnections,
			Maxsize:     s.PoolMaxsize,
			Logger:      &s.log,
			Dialer: &pool.Dialer{
				Resolver:     s.resolver,
				TLSConfig:    s.baseTLSConfig(),
				DisableHTTP1: s.DisableHTTP1,
				DisableHTTP2: s.DisableHTTP2,
				DisableHTTP3: s.DisableHTTP3,
				Timeout:      connectTimeout,
			},
		})

		s.proxySrc.proxies = s.Proxies
		if s.BandwidthLimit > 0 {
			s.limiter = rate.NewLimiter(s.BandwidthLimit, limiterBurst)
		}
		s.sched = newScheduler()
	})
}

func (s *Session) baseTLSConfig() *tls.Config {
	conf := s.TLSConfig
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}
	if s.Verify != nil && !*s.Verify {
		conf.InsecureSkipVerify = true
	}
	return conf
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Do prepares and sends req, following redirects per session policy,
// and returns the terminal response. Additional handler groups run
// for this exchange only, after the session's own.
func (s *Session) Do(ctx context.Context, req *request.Request, handlers ...*HandlerGroup) (*Response, error) {
	s.init()
	if s.isClosed() {
		return nil, reqErr("send", "", ErrSessionClosed)
	}
	return s.send(ctx, req, handlers)
}

// Get issues a GET to rawurl.
func (s *Session) Get(ctx context.Context, rawurl string) (*Response, error) {
	return s.doMethod(ctx, "GET", rawurl, nil)
}

// Head issues a HEAD to rawurl. Redirects are not followed unless the
// request enables them.
func (s *Session) Head(ctx context.Context, rawurl string) (*Response, error) {
	return s.doMethod(ctx, "HEAD", rawurl, nil)
}

// Options issues an OPTIONS to rawurl.
func (s *Session) Options(ctx context.Context, rawurl string) (*Response, error) {
	return s.doMethod(ctx, "OPTIONS", rawurl, nil)
}

// Delete issues a DELETE to rawurl.
func (s *Session) Delete(ctx context.Context, rawurl string) (*Response, error) {
	return s.doMethod(ctx, "DELETE", rawurl, nil)
}

// Post issues a POST to rawurl. The body may be any Request.Data
// value: nil, string, []byte, io.Reader, or a form source.
func (s *Session) Post(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return s.doMethod(ctx, "POST", rawurl, body)
}

// Put issues a PUT to rawurl; the body follows the Post rules.
func (s *Session) Put(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return s.doMethod(ctx, "PUT", rawurl, body)
}

// Patch issues a PATCH to rawurl; the body follows the Post rules.
func (s *Session) Patch(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return s.doMethod(ctx, "PATCH", rawurl, body)
}

func (s *Session) doMethod(ctx context.Context, method, rawurl string, body interface{}) (*Response, error) {
	req, err := s.newRequest(method, rawurl)
	if err != nil {
		return nil, err
	}
	req.Data = body
	return s.Do(ctx, req)
}

// newRequest builds a request, resolving rawurl against BaseURL when
// it is relative.
func (s *Session) newRequest(method, rawurl string) (*request.Request, error) {
	if s.BaseURL != "" {
		base, err := request.ParseURL(s.BaseURL)
		if err != nil {
			return nil, reqErr("request", s.BaseURL, err)
		}
		ref, err := base.Parse(rawurl)
		if err != nil {
			return nil, reqErr("request", rawurl, err)
		}
		rawurl = ref.String()
	}
	req, err := request.New(method, rawurl)
	if err != nil {
		return nil, reqErr("request", rawurl, err)
	}
	return req, nil
}

// CloseIdleConnections closes pooled connections that have no exchange
// in flight. Busy connections are untouched.
func (s *Session) CloseIdleConnections() {
	s.init()
	s.pool.CloseIdle()
}

// Close tears down the session: every pooled connection is closed, the
// resolver released, and future sends fail with ErrSessionClosed.
// Outstanding promises are gathered first so no exchange is abandoned
// mid-flight.
func (s *Session) Close() error {
	s.init()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.sched.gatherAll(context.Background())
	err := s.pool.Close()
	if s.Resolver == nil {
		// The session owns resolvers it created itself.
		_ = s.resolver.Close()
	}
	return err
}
