// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package request contains the logical HTTP request model consumed by
// the session orchestrator, together with URL normalization and the
// body encoder.
//
// A Request describes what the caller wants to send: method, URL,
// ordered query parameters, headers, cookies to merge, and at most one
// body source (form fields, multipart files, a JSON value, raw bytes
// or text, or a streaming reader). The orchestrator in the niquests
// root package consumes a Request, composes it with session state, and
// drives it to a Response; a Request itself never touches the network.
//
// Body sources compose with a fixed precedence: Files beat a streaming
// Data reader, which beats JSON, which beats key/value or raw Data.
// Encode applies that precedence and produces the wire-ready body with
// its Content-Type and, when knowable, Content-Length.
package request
