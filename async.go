// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"

	"github.com/gogama/niquests/request"
)

// An AsyncSession is a Session whose Send returns strict promises: a
// strict promise refuses to surrender its outcome until an explicit
// Gather or GatherN call has resolved it, failing early with
// ErrPrematureGather instead of blocking. The discipline makes
// fan-out code self-checking: forgetting the gather step surfaces as
// an error at the access site rather than as a silent serialization
// of exchanges.
//
// All other Session behavior, including the blocking Do and verb
// methods, is unchanged.
type AsyncSession struct {
	Session
}

// Send dispatches req in the background and returns a strict Promise.
// Call Gather (or GatherN) before reading its Response.
func (s *AsyncSession) Send(ctx context.Context, req *request.Request, handlers ...*HandlerGroup) *Promise {
	return s.sendAsync(ctx, req, true, handlers)
}
