// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogama/niquests/header"
	"github.com/gogama/niquests/pool"
	"github.com/gogama/niquests/proto"
	"github.com/gogama/niquests/request"
)

// userAgent is sent when the caller supplies no User-Agent header.
const userAgent = "niquests-go/1.0"

// send runs the full lifecycle of one logical exchange: prepare,
// dispatch, redirect-follow, finalize.
func (s *Session) send(ctx context.Context, req *request.Request, extra []*HandlerGroup) (*Response, error) {
	req, enc, err := s.prepare(req)
	if err != nil {
		s.runHooks(OnError, &Exchange{Request: req, Err: err}, extra)
		return nil, err
	}
	timeout := s.timeoutFor(req)

	var span trace.Span
	if s.Tracer != nil {
		ctx, span = s.Tracer.Start(ctx, "niquests.send")
		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", scrubbedURL(req.URL)),
		)
		defer span.End()
	}

	s.runHooks(BeforeSend, &Exchange{Request: req}, extra)

	var history []*Response
	maxRedirects := s.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	for hop := 0; ; hop++ {
		resp, err := s.roundTrip(ctx, req, enc, timeout, extra)
		if err != nil {
			s.runHooks(OnError, &Exchange{Request: req, Err: err, Hop: hop}, extra)
			if span != nil {
				span.RecordError(err)
			}
			return nil, err
		}

		if resp.IsRedirect() && req.RedirectsAllowed() {
			next, nextEnc, err := s.redirectRequest(req, resp, enc)
			if err != nil {
				_ = resp.Close()
				s.runHooks(OnError, &Exchange{Request: req, Response: resp, Err: err, Hop: hop}, extra)
				return nil, err
			}
			if next != nil {
				if hop >= maxRedirects {
					_ = resp.Close()
					err := reqErr("redirect", scrubbedURL(req.URL),
						&TooManyRedirectsError{Limit: maxRedirects, Last: scrubbedURL(next.URL)})
					s.runHooks(OnError, &Exchange{Request: req, Response: resp, Err: err, Hop: hop}, extra)
					return nil, err
				}
				// Drain the redirect body so the connection can be
				// reused, then follow.
				_, _ = resp.Content()
				history = append(history, resp)
				s.log.Debug().
					Str("from", scrubbedURL(req.URL)).
					Str("to", scrubbedURL(next.URL)).
					Int("status", resp.StatusCode).
					Msg("following redirect")
				s.runHooks(BeforeRedirect, &Exchange{Request: next, Response: resp, Hop: hop + 1}, extra)
				req, enc = next, nextEnc
				continue
			}
			// Redirect status without a usable Location: terminal.
		}

		resp.History = history
		s.runHooks(OnResponse, &Exchange{Request: req, Response: resp, Hop: hop}, extra)
		if span != nil {
			span.SetAttributes(
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.String("http.flavor", string(resp.Version)),
			)
		}
		if !req.Stream {
			if _, err := resp.Content(); err != nil {
				s.runHooks(OnError, &Exchange{Request: req, Response: resp, Err: err, Hop: hop}, extra)
				return nil, err
			}
		}
		return resp, nil
	}
}

func (s *Session) runHooks(evt Event, e *Exchange, extra []*HandlerGroup) {
	s.Handlers.run(evt, e)
	for _, g := range extra {
		g.run(evt, e)
	}
}

// prepare turns the caller's request into the request that goes on the
// wire: merged headers, merged query parameters, cookies, credentials,
// and an encoded body.
func (s *Session) prepare(req *request.Request) (*request.Request, *request.Encoded, error) {
	req = req.Clone()
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.URL == nil {
		return req, nil, reqErr("prepare", "", errors.New("request has no URL"))
	}
	if req.Header == nil {
		req.Header = &header.Map{}
	}

	// Session headers sit beneath request headers.
	if s.Headers != nil && s.Headers.Len() > 0 {
		merged := s.Headers.Clone()
		merged.Update(req.Header)
		req.Header = merged
	}
	if bad, ok := req.Header.Check(); !ok {
		return req, nil, reqErr("prepare", scrubbedURL(req.URL),
			fmt.Errorf("invalid header field %q", bad.Name))
	}

	request.MergeQuery(req.URL, req.Params)
	req.Params = nil

	enc, err := request.Encode(req)
	if err != nil {
		return req, nil, reqErr("prepare", scrubbedURL(req.URL), err)
	}
	// A caller-set Content-Type wins over the encoder's, except for
	// multipart bodies, where the encoder's carries the authoritative
	// boundary.
	if enc.ContentType != "" {
		if !req.Header.Has("Content-Type") || strings.HasPrefix(enc.ContentType, "multipart/") {
			req.Header.Set("Content-Type", enc.ContentType)
		}
	}

	if !req.Header.Has("Accept") {
		req.Header.Set("Accept", "*/*")
	}
	if !req.Header.Has("User-Agent") {
		req.Header.Set("User-Agent", userAgent)
	}
	if !req.Header.Has("Accept-Encoding") {
		req.Header.Set("Accept-Encoding", strings.Join(Decompressors(), ", "))
	}

	// Credential precedence: an explicit Auth beats a netrc entry,
	// which beats a manually set Authorization header.
	if cred, ok := s.netrc.lookup(req.URL.Hostname()); ok {
		if err := cred.Apply(req); err != nil {
			return req, nil, reqErr("prepare", scrubbedURL(req.URL), err)
		}
	}
	auth := req.Auth
	if auth == nil {
		auth = s.Auth
	}
	if auth != nil {
		if err := auth.Apply(req); err != nil {
			return req, nil, reqErr("prepare", scrubbedURL(req.URL), err)
		}
	}

	s.applyCookieHeader(req)
	return req, enc, nil
}

// applyCookieHeader computes the Cookie header from the jar plus the
// request's own cookie map. A request cookie shadows a jar cookie of
// the same name.
func (s *Session) applyCookieHeader(req *request.Request) {
	var pairs []string
	for _, c := range s.jar.CookiesFor(req.URL) {
		if _, shadowed := req.Cookies[c.Name]; shadowed {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	for name, value := range req.Cookies {
		pairs = append(pairs, name+"="+value)
	}
	if len(pairs) > 0 {
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	} else {
		req.Header.Del("Cookie")
	}
}

func (s *Session) timeoutFor(req *request.Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if s.Timeout > 0 {
		return s.Timeout
	}
	switch req.Method {
	case "GET", "HEAD", "OPTIONS":
		return DefaultReadTimeout
	default:
		return DefaultWriteTimeout
	}
}

// acquire checks a connection out of the pool with connection
// establishment bounded by the exchange timeout. The dialer applies
// its own connect bound as well; whichever expires first wins.
func (s *Session) acquire(ctx context.Context, target pool.Target, timeout time.Duration) (*pool.Conn, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.pool.Acquire(ctx, target)
}

// h3Fallback reports whether a failed exchange attempt should be
// repeated on a fresh connection with the origin's alternative service
// forgotten. Only HTTP/3 failures qualify, the body must be
// replayable, and caller-driven cancellation is never retried.
func h3Fallback(version proto.Version, replayable bool, err error) bool {
	if version != proto.VersionHTTP3 || !replayable {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// roundTrip performs one hop: acquire a connection, run the exchange,
// and wrap the result.
func (s *Session) roundTrip(ctx context.Context, req *request.Request, enc *request.Encoded, timeout time.Duration, extra []*HandlerGroup) (*Response, error) {
	origin := request.Origin(req.URL)
	proxy, err := s.proxySrc.selectProxy(req)
	if err != nil {
		return nil, reqErr("proxy", scrubbedURL(req.URL), err)
	}

	target := pool.Target{Origin: origin, Proxy: proxy, Verify: req.Verify}
	conn, reused, err := s.acquire(ctx, target, timeout)
	if err != nil {
		return nil, reqErr("connect", scrubbedURL(req.URL), classifyTransport(err, ConnectTimeout))
	}

	wireHeader := req.Header.Clone()
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	absoluteForm := proxy != nil && req.URL.Scheme == "http"
	if absoluteForm && proxy.User != nil {
		// Credentials in the proxy URL override any caller-supplied
		// Proxy-Authorization. For https targets the CONNECT tunnel
		// carries them instead.
		pass, _ := proxy.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(proxy.User.Username() + ":" + pass))
		wireHeader.Set("Proxy-Authorization", "Basic "+cred)
	}

	ereq := &proto.ExchangeRequest{
		Method:            req.Method,
		URL:               req.URL,
		Host:              host,
		Header:            wireHeader,
		Body:              enc.Body,
		ContentLength:     enc.ContentLength,
		AbsoluteForm:      absoluteForm,
		InactivityTimeout: timeout,
		OnEarlyResponse: func(head *proto.ResponseHead) {
			early := &Response{
				StatusCode: head.StatusCode,
				Reason:     head.Reason,
				Version:    head.Version,
				URL:        req.URL,
				Header:     head.Header,
				Request:    req,
				cached:     true,
			}
			s.runHooks(GotEarlyResponse, &Exchange{Request: req, Response: early}, extra)
		},
	}
	if enc.Body == nil {
		ereq.ContentLength = 0
	}

	cursor, err := conn.Driver.BeginExchange(ctx, ereq)
	if err != nil {
		version := conn.Driver.Version()
		s.pool.Discard(conn)
		if !h3Fallback(version, enc.Body == nil || enc.GetBody != nil, err) {
			return nil, reqErr("send", scrubbedURL(req.URL), classifyTransport(err, ReadTimeout))
		}
		// The alternative service failed before any request bytes were
		// acknowledged. Forget it and repeat the exchange over TCP.
		s.pool.AltSvc().Invalidate(origin)
		s.log.Debug().
			Str("origin", origin).
			Err(err).
			Msg("HTTP/3 exchange failed before first byte, retrying over TCP")
		if enc.Body != nil {
			if ereq.Body, err = enc.GetBody(); err != nil {
				return nil, reqErr("send", scrubbedURL(req.URL), err)
			}
		}
		conn, reused, err = s.acquire(ctx, target, timeout)
		if err != nil {
			return nil, reqErr("connect", scrubbedURL(req.URL), classifyTransport(err, ConnectTimeout))
		}
		cursor, err = conn.Driver.BeginExchange(ctx, ereq)
		if err != nil {
			s.pool.Discard(conn)
			return nil, reqErr("send", scrubbedURL(req.URL), classifyTransport(err, ReadTimeout))
		}
	}

	head := cursor.Head()
	if proxy == nil && req.URL.Scheme == "https" {
		s.pool.Observe(origin, head.Header)
	}
	s.jar.UpdateFromResponse(req.URL, head.Header)

	info := conn.Info
	info.Reused = reused

	// The HTTP/1 driver enforces the inactivity window with a read
	// deadline of its own; multiplexed streams get the watchdog.
	window := time.Duration(0)
	if conn.Driver.Version() != proto.VersionHTTP11 {
		window = timeout
	}
	onFinish := func(err error) {
		if err != nil {
			s.pool.Discard(conn)
		} else {
			s.pool.Release(conn)
		}
	}
	body, err := newBodyStream(cursor, head.Header.Get("Content-Encoding"), window, s.limiter, onFinish)
	if err != nil {
		_ = cursor.Close()
		s.pool.Discard(conn)
		return nil, reqErr("send", scrubbedURL(req.URL), err)
	}

	s.log.Debug().
		Str("method", req.Method).
		Str("url", scrubbedURL(req.URL)).
		Int("status", head.StatusCode).
		Str("version", string(head.Version)).
		Bool("reused", reused).
		Msg("exchange complete")

	return &Response{
		StatusCode: head.StatusCode,
		Reason:     head.Reason,
		Version:    head.Version,
		URL:        req.URL,
		Header:     head.Header,
		Request:    req,
		ConnInfo:   info,
		body:       body,
	}, nil
}

// redirectRequest derives the next hop from a redirect response. It
// returns a nil request when the response carries no Location and
// should be treated as terminal.
func (s *Session) redirectRequest(req *request.Request, resp *Response, enc *request.Encoded) (*request.Request, *request.Encoded, error) {
	loc, ok := resp.OHeaders().Location()
	if !ok {
		return nil, nil, nil
	}
	target, err := req.URL.Parse(loc)
	if err != nil {
		return nil, nil, reqErr("redirect", scrubbedURL(req.URL),
			fmt.Errorf("malformed Location %q: %w", loc, err))
	}
	target, err = request.NormalizeURL(target)
	if err != nil {
		return nil, nil, reqErr("redirect", scrubbedURL(req.URL), err)
	}

	next := req.Clone()
	next.URL = target

	// 303 always rewrites to GET; 301/302 rewrite only under the
	// browser-compatible policy knob. 307/308 never rewrite.
	rewrite := resp.StatusCode == 303 ||
		((resp.StatusCode == 301 || resp.StatusCode == 302) &&
			s.RewriteRedirectMethod && req.Method != "GET" && req.Method != "HEAD")

	var nextEnc *request.Encoded
	if rewrite {
		if next.Method != "HEAD" {
			next.Method = "GET"
		}
		next.Data, next.JSON, next.Files = nil, nil, nil
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Length")
		next.Header.Del("Transfer-Encoding")
		nextEnc = &request.Encoded{}
	} else if enc.HasBody() {
		if enc.GetBody == nil {
			return nil, nil, reqErr("redirect", scrubbedURL(req.URL),
				errors.New("cannot replay streaming body on redirect "+strconv.Itoa(resp.StatusCode)))
		}
		body, err := enc.GetBody()
		if err != nil {
			return nil, nil, reqErr("redirect", scrubbedURL(req.URL), err)
		}
		nextEnc = &request.Encoded{
			ContentType:   enc.ContentType,
			ContentLength: enc.ContentLength,
			Body:          body,
			GetBody:       enc.GetBody,
		}
	} else {
		nextEnc = &request.Encoded{}
	}

	// Off-host hops must not leak credentials.
	if !sameHost(req.URL.Hostname(), next.URL.Hostname()) {
		next.Header.Del("Authorization")
		next.Header.Del("Proxy-Authorization")
		next.Auth = nil
	}
	s.applyCookieHeader(next)
	return next, nextEnc, nil
}

func sameHost(a, b string) bool {
	return strings.EqualFold(a, b)
}
