// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// A RequestError is the root of the library's error taxonomy. Every
// error originating inside the library wraps a *RequestError, so
// callers can catch broadly:
//
//	var reqErr *niquests.RequestError
//	if errors.As(err, &reqErr) { ... }
//
// or narrowly, via the concrete types and sentinels below.
type RequestError struct {
	// Op names the failed operation, e.g. "send", "redirect", "json".
	Op string
	// URL is the request URL at the point of failure, already
	// credential-scrubbed. Empty when no URL applies.
	URL string
	// Err is the underlying cause. Never nil.
	Err error
}

func (e *RequestError) Error() string {
	if e.URL == "" {
		return "niquests: " + e.Op + ": " + e.Err.Error()
	}
	return "niquests: " + e.Op + " " + e.URL + ": " + e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// Timeout reports whether the error represents a timeout, so that a
// *RequestError satisfies the same probing net/url and net use.
func (e *RequestError) Timeout() bool {
	var t *TimeoutError
	return errors.As(e.Err, &t)
}

func reqErr(op, url string, err error) *RequestError {
	return &RequestError{Op: op, URL: url, Err: err}
}

// TimeoutKind distinguishes where in the exchange the inactivity
// window lapsed.
type TimeoutKind int

const (
	// ConnectTimeout means the transport could not be established in
	// time: resolution, TCP connect, or the TLS/QUIC handshake.
	ConnectTimeout TimeoutKind = iota
	// ReadTimeout means the connection went silent mid-exchange: no
	// bytes arrived within the configured window.
	ReadTimeout
)

func (k TimeoutKind) String() string {
	if k == ConnectTimeout {
		return "connect"
	}
	return "read"
}

// A TimeoutError reports that no bytes moved on the underlying socket
// for the configured window. It does not mean the total exchange
// exceeded a wall-clock bound.
type TimeoutError struct {
	Kind TimeoutKind
	// Err is the underlying deadline error, if any.
	Err error
}

func (e *TimeoutError) Error() string {
	msg := e.Kind.String() + " timeout"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout implements the conventional probing interface.
func (e *TimeoutError) Timeout() bool { return true }

// A ConnectionError reports a failure to establish or keep a
// transport: DNS failure, connection refused or reset, a TLS handshake
// failure, or a QUIC failure before any response bytes arrived.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// A TooManyRedirectsError reports that a redirect chain exceeded the
// session's limit.
type TooManyRedirectsError struct {
	// Limit is the configured maximum chain length.
	Limit int
	// Last is the URL of the redirect that would have exceeded it.
	Last string
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("exceeded %d redirects (last: %s)", e.Limit, e.Last)
}

// An HTTPStatusError is returned by Response.RaiseForStatus for 4xx
// and 5xx responses. It is never returned by the send path itself.
type HTTPStatusError struct {
	StatusCode int
	Reason     string
	URL        string
}

func (e *HTTPStatusError) Error() string {
	kind := "client error"
	if e.StatusCode >= 500 {
		kind = "server error"
	}
	return fmt.Sprintf("%d %s %s for url %s", e.StatusCode, kind, e.Reason, e.URL)
}

// A JSONDecodeError wraps any failure to interpret a response body as
// JSON, including a Content-Type that does not indicate JSON at all.
type JSONDecodeError struct {
	Err error
}

func (e *JSONDecodeError) Error() string { return "json decode error: " + e.Err.Error() }
func (e *JSONDecodeError) Unwrap() error { return e.Err }

// Caller-side contract violations.
var (
	// ErrStreamConsumed is returned when a streamed body is iterated a
	// second time. Streams are finite and not restartable.
	ErrStreamConsumed = errors.New("stream already consumed")
	// ErrPrematureGather is returned when a strict async handle's
	// content is accessed before the session's Gather resolved it.
	ErrPrematureGather = errors.New("response accessed before gather")
	// ErrSessionClosed is returned by operations on a closed Session.
	ErrSessionClosed = errors.New("session closed")
)

// classifyTransport sorts err into the library taxonomy: a *TimeoutError
// of the given kind when err (or a wrapped cause) reports Timeout(),
// a *ConnectionError for refused/reset and resolution failures, or err
// unchanged. Wrapped causes are probed, never Temporary(), whose
// semantics are murky.
func classifyTransport(err error, kind TimeoutKind) error {
	if err == nil {
		return nil
	}
	var already *RequestError
	if errors.As(err, &already) || errors.Is(err, context.Canceled) {
		return err
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return &TimeoutError{Kind: kind, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &ConnectionError{Err: err}
	}
	if kind == ConnectTimeout {
		// Anything else that prevented establishment: DNS, TLS, QUIC.
		return &ConnectionError{Err: err}
	}
	return err
}
