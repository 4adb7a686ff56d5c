// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package niquests provides an ergonomic HTTP client supporting HTTP/1.1,
HTTP/2 and HTTP/3, with sessions, cookies, redirects, connection
pooling, pluggable DNS resolution, and multiplexed lazy responses,
within a simple and familiar interface.

Create a Session to begin making requests.

	session := &niquests.Session{}
	resp, err := session.Get(ctx, "https://www.example.com")
	...
	resp, err := session.Post(ctx, "https://www.example.com/upload",
		url.Values{"key": {"Value"}, "id": {"123"}})

For control over headers, query parameters, bodies and per-request
policy, build a request.Request and use Do:

	req, err := request.New("POST", "https://www.example.com/upload")
	req.JSON = map[string]any{"name": "lemur"}
	req.Params = url.Values{"verbose": {"1"}}
	resp, err := session.Do(ctx, req)

Responses are lazy: headers are available as soon as they arrive, and
the body is consumed through Content, Text, JSON, IterContent or
IterLines on demand. To overlap several exchanges over a multiplexed
connection, dispatch them with Send and resolve them with Gather:

	p1 := session.Send(ctx, req1)
	p2 := session.Send(ctx, req2)
	err := session.Gather(ctx)
	resp1, _ := p1.Response(ctx)

An AsyncSession enforces the discipline: promises it issues fail with
ErrPrematureGather until an explicit Gather.

Name resolution defaults to the system resolver and can be pointed at
DNS over UDP, TLS, HTTPS or QUIC through package resolve, or through
the NIQUESTS_DNS_URL environment variable:

	resolver, err := resolve.ParseResolvers("doh+cloudflare://")
	...
	session := &niquests.Session{Resolver: resolver}

To hook into the details of request execution, install a handler into
the appropriate event chain:

	handlers := &niquests.HandlerGroup{}
	handlers.PushBack(niquests.BeforeRedirect, niquests.HandlerFunc(
		func(_ niquests.Event, e *niquests.Exchange) {
			log.Printf("hop %d to %s", e.Hop, e.Request.URL)
		}),
	)
	session := &niquests.Session{Handlers: handlers}

The package-level functions Get, Head, Options, Post, Put, Patch and
Delete issue one-off requests through DefaultSession.
*/
package niquests
