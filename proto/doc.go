// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package proto contains the protocol drivers that carry one logical
// HTTP exchange over an established connection.
//
// Every driver exposes the same operation: BeginExchange writes the
// request and blocks until the final response head arrives, returning
// a StreamCursor from which the body streams lazily. Three drivers
// exist:
//
//   - HTTP/1.1, a native implementation of the full client-side state
//     machine including chunked transfer coding, interim 1xx
//     responses, and trailers;
//   - HTTP/2, carried by golang.org/x/net/http2, which owns frames and
//     flow control (one ClientConn multiplexes many exchanges);
//   - HTTP/3, carried by quic-go's http3 package over a QUIC
//     connection.
//
// Common guarantees: the response head arrives as one event before any
// body bytes; body bytes arrive in wire order; end-of-stream is
// reported exactly once (as io.EOF); trailers, if any, become
// available after end-of-body.
package proto
