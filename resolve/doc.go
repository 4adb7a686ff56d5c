// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package resolve provides pluggable hostname resolution for the
// connection pool.
//
// A Resolver turns a hostname and service port into an ordered list of
// endpoints. Resolvers are declared by URL-like descriptors:
//
//	dou://9.9.9.9            plain DNS over UDP port 53
//	dot://dns.quad9.net      DNS over TLS (RFC 7858)
//	doh://dns.example/dns-query
//	doh+google://            DNS over HTTPS (RFC 8484), preset host
//	doq://dns.example        DNS over QUIC (RFC 9250)
//	system://                the operating system resolver
//
// Descriptor query parameters tune behavior: dnssec=1 requires an
// authenticated answer, verify=0 disables certificate verification on
// the secure transports, and timeout=2s bounds each query.
//
// Multiple resolvers compose into an ordered fallback Chain; the first
// resolver to produce a usable answer wins. The environment variable
// NIQUESTS_DNS_URL supplies the session default when no resolver is
// configured explicitly.
package resolve
