// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"sync/atomic"

	"github.com/gogama/niquests/request"
)

// A Promise is a lazy handle on an in-flight exchange, returned by
// Session.Send before the response has arrived. The exchange proceeds
// in the background; on a multiplexed (HTTP/2 or HTTP/3) connection it
// shares the wire with other in-flight exchanges, so issuing several
// Sends and then gathering them overlaps their latencies.
//
// Response blocks until the exchange settles, gathering the promise
// implicitly. Gather on the session resolves promises in bulk.
// Promises created by an AsyncSession are strict: their accessors fail
// with ErrPrematureGather until an explicit Gather has resolved them.
type Promise struct {
	req  *request.Request
	done chan struct{}

	resp *Response
	err  error

	strict   bool
	settled  atomic.Bool
	gathered atomic.Bool
}

// Send dispatches req in the background and returns a Promise bound to
// the exchange. Resolution order across promises follows response
// arrival, not issue order.
func (s *Session) Send(ctx context.Context, req *request.Request, handlers ...*HandlerGroup) *Promise {
	return s.sendAsync(ctx, req, false, handlers)
}

func (s *Session) sendAsync(ctx context.Context, req *request.Request, strict bool, handlers []*HandlerGroup) *Promise {
	s.init()
	p := &Promise{req: req, done: make(chan struct{}), strict: strict}
	s.sched.register(p)
	go func() {
		if s.isClosed() {
			p.err = reqErr("send", "", ErrSessionClosed)
		} else {
			p.resp, p.err = s.send(ctx, req, handlers)
		}
		p.settled.Store(true)
		close(p.done)
		s.sched.completed()
	}()
	return p
}

// Resolved reports whether the exchange has settled, without blocking.
func (p *Promise) Resolved() bool {
	return p.settled.Load()
}

// Response blocks until the exchange settles and returns its outcome.
// For a strict promise, Response fails with ErrPrematureGather unless
// a Gather call has already resolved the promise.
func (p *Promise) Response(ctx context.Context) (*Response, error) {
	if p.strict && !p.gathered.Load() {
		return nil, reqErr("gather", scrubbedURL(p.req.URL), ErrPrematureGather)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.gathered.Store(true)
	return p.resp, p.err
}

// Gather resolves promises issued by this session's Send.
//
// With no arguments it blocks until every outstanding promise has
// settled, in arrival order. With arguments it waits only for the
// given promises. Gathering an already-settled promise is a no-op.
// The returned error joins the errors of the gathered exchanges; ctx
// cancellation aborts the wait.
func (s *Session) Gather(ctx context.Context, promises ...*Promise) error {
	s.init()
	if len(promises) == 0 {
		return s.sched.gatherAll(ctx)
	}
	var errs []error
	for _, p := range promises {
		select {
		case <-p.done:
			p.gathered.Store(true)
			if p.err != nil {
				errs = append(errs, p.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return joinErrs(errs)
}

// GatherN waits until at most n outstanding promises settle, whichever
// become ready first, and marks them gathered. It returns immediately
// when fewer than n promises are pending and they are all settled.
func (s *Session) GatherN(ctx context.Context, n int) error {
	s.init()
	return s.sched.gatherN(ctx, n)
}
