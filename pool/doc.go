// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pool maintains the session's live connections, bucketed per
// origin.
//
// A Pool holds two caps: the number of distinct origins retained
// (least recently used origin evicted on excess) and the number of
// connections per origin. Within an origin, the most recently used
// connection with spare stream capacity is preferred, so that idle
// connections age out naturally.
//
// The pool also owns the Alt-Svc cache. When an origin has advertised
// an unexpired HTTP/3 alternative, acquisition attempts a QUIC
// connection to the alternate authority first and falls back to the
// TCP path when that fails before any response bytes arrive.
package pool
