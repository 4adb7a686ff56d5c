// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"

	"github.com/gogama/niquests/request"
)

// Doer is the interface that wraps the basic Do method.
//
// Do prepares and sends an HTTP request, following redirects, and
// returns the terminal response (and error, if any). Session
// implements the Doer interface, and any other Doer implementation
// must behave substantially the same as Session.Do.
type Doer interface {
	Do(ctx context.Context, req *request.Request, handlers ...*HandlerGroup) (*Response, error)
}

// Sender is the interface that wraps the basic Send method.
//
// Send dispatches an HTTP request in the background and returns a lazy
// Promise bound to the in-flight exchange. Session and AsyncSession
// implement the Sender interface.
type Sender interface {
	Send(ctx context.Context, req *request.Request, handlers ...*HandlerGroup) *Promise
}

// IdleCloser is the interface that wraps the basic
// CloseIdleConnections method.
//
// CloseIdleConnections closes pooled connections that have no exchange
// in flight. Connections currently in use are not interrupted.
type IdleCloser interface {
	CloseIdleConnections()
}

// DefaultSession is the session used by the package-level request
// functions. Like its zero value suggests, it carries default pool
// limits, timeouts and redirect policy; programs needing their own
// configuration should construct a Session instead.
var DefaultSession = &Session{}

// Get issues a GET to rawurl using DefaultSession.
//
// To send custom headers, parameters or a body, build a
// request.Request and use a Session.
func Get(ctx context.Context, rawurl string) (*Response, error) {
	return DefaultSession.Get(ctx, rawurl)
}

// Head issues a HEAD to rawurl using DefaultSession.
func Head(ctx context.Context, rawurl string) (*Response, error) {
	return DefaultSession.Head(ctx, rawurl)
}

// Options issues an OPTIONS to rawurl using DefaultSession.
func Options(ctx context.Context, rawurl string) (*Response, error) {
	return DefaultSession.Options(ctx, rawurl)
}

// Delete issues a DELETE to rawurl using DefaultSession.
func Delete(ctx context.Context, rawurl string) (*Response, error) {
	return DefaultSession.Delete(ctx, rawurl)
}

// Post issues a POST to rawurl using DefaultSession. The body may be
// any request.Request Data value: nil, string, []byte, io.Reader, or
// a form source such as url.Values.
func Post(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return DefaultSession.Post(ctx, rawurl, body)
}

// Put issues a PUT to rawurl using DefaultSession; the body follows
// the Post rules.
func Put(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return DefaultSession.Put(ctx, rawurl, body)
}

// Patch issues a PATCH to rawurl using DefaultSession; the body
// follows the Post rules.
func Patch(ctx context.Context, rawurl string, body interface{}) (*Response, error) {
	return DefaultSession.Patch(ctx, rawurl, body)
}
