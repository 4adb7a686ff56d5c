// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package cookie implements an RFC 6265 cookie jar for client
// sessions.
//
// Unlike the standard net/http/cookiejar, this jar is enumerable and
// supports expiry sweeps and per-domain clearing, which the session
// surface exposes. Storage is keyed by (domain, path, name); dispatch
// to an outgoing request follows RFC 6265 §5.4, including the
// longer-path-first ordering rule. Cookies whose Domain attribute
// names a public suffix are rejected unless the attribute exactly
// matches the response host.
//
// SameSite attributes are stored and reported but do not restrict
// dispatch: a client library issues every request from first-party
// position, so there is no cross-site context to enforce against.
package cookie
