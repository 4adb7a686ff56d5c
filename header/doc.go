// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package header provides the ordered, case-insensitive, multi-valued
// header map used for both request and response headers, along with
// typed views onto well-known response headers.
//
// Unlike http.Header from the standard net/http package, a Map
// preserves the insertion order of its fields, which is observable on
// the wire for HTTP/1.1 requests and is required to reproduce repeated
// fields in the order the server sent them. Field names are compared
// case-insensitively, and repeated occurrences of a field may be folded
// into a single comma-joined value per RFC 7230 §3.2.
//
// The Values type deserializes well-known headers (Content-Type, Date,
// Alt-Svc, Set-Cookie, Report-To) into typed structures. Unknown
// headers remain accessible as raw strings.
package header
