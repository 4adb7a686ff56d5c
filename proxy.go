// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/net/http/httpproxy"

	"github.com/gogama/niquests/request"
)

// proxySource resolves the proxy for a request: the request's Proxies
// map wins over the session's, which wins over the standard
// HTTP_PROXY / HTTPS_PROXY / NO_PROXY environment variables. The
// environment is read once per session.
type proxySource struct {
	// Proxies maps target scheme to proxy URL, session-wide.
	proxies map[string]string

	once sync.Once
	env  func(*url.URL) (*url.URL, error)
}

func (s *proxySource) envFunc() func(*url.URL) (*url.URL, error) {
	s.once.Do(func() {
		s.env = httpproxy.FromEnvironment().ProxyFunc()
	})
	return s.env
}

// select returns the proxy URL for req, or nil for a direct
// connection.
func (s *proxySource) selectProxy(req *request.Request) (*url.URL, error) {
	scheme := req.URL.Scheme
	if raw, ok := req.Proxies[scheme]; ok {
		return parseProxyURL(raw)
	}
	if raw, ok := s.proxies[scheme]; ok {
		return parseProxyURL(raw)
	}
	return s.envFunc()(req.URL)
}

func parseProxyURL(raw string) (*url.URL, error) {
	if raw == "" {
		// An empty mapping explicitly disables proxying for the
		// scheme.
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("niquests: invalid proxy URL %q", raw)
	}
	return u, nil
}
