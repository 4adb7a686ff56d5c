// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// A Param is one query parameter: a key and a single value. Repeated
// keys are expressed as repeated Params.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of query parameters. Insertion order is
// preserved through encoding, including across repeated keys; this is
// observable in the request target and is part of the library's
// contract.
type Params []Param

// Add appends one key/value pair.
func (p *Params) Add(key, value string) {
	*p = append(*p, Param{Key: key, Value: value})
}

// AddAll appends one pair per value, preserving value order.
func (p *Params) AddAll(key string, values ...string) {
	for _, v := range values {
		p.Add(key, v)
	}
}

// Get returns the first value for key, or the empty string.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Encode serializes the parameters in insertion order using
// percent-encoding per RFC 3986. Unlike url.Values.Encode, keys are
// not sorted.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// ParseURL parses and normalizes a URL for use in a Request. The
// scheme must be http or https. Normalization lowercases the scheme,
// converts the host to its IDNA ASCII form and lowercases it, strips
// an empty port per RFC 3986 §6.2.3, and defaults an empty path to
// "/". Normalization is idempotent: parsing the rendering of a parsed
// URL yields the same URL.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return NormalizeURL(u)
}

// NormalizeURL normalizes u in place per the rules documented on
// ParseURL and returns it.
func NormalizeURL(u *url.URL) (*url.URL, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("request: unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("request: URL %q has no host", u.String())
	}
	host, port := splitHostPort(u.Host)
	if !strings.HasPrefix(host, "[") && !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("request: invalid host %q: %w", host, err)
		}
		host = ascii
	}
	host = strings.ToLower(host)
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Host = removeEmptyPort(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// MergeQuery appends the encoded params to u's raw query, preserving
// any query already present on the URL and the insertion order of
// params.
func MergeQuery(u *url.URL, params Params) {
	if len(params) == 0 {
		return
	}
	enc := params.Encode()
	if u.RawQuery == "" {
		u.RawQuery = enc
	} else {
		u.RawQuery += "&" + enc
	}
}

// Origin returns the (scheme, host, port) triple of u in canonical
// "scheme://host:port" form, applying the scheme default port when the
// URL carries none. Origins key the connection pool buckets and the
// Alt-Svc cache.
func Origin(u *url.URL) string {
	host, port := splitHostPort(u.Host)
	if port == "" {
		port = DefaultPort(u.Scheme)
	}
	return u.Scheme + "://" + host + ":" + port
}

// DefaultPort returns the default port for an http or https scheme.
func DefaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func splitHostPort(hostport string) (host, port string) {
	host = hostport
	if hasPort(hostport) {
		i := strings.LastIndexByte(hostport, ':')
		host, port = hostport[:i], hostport[i+1:]
	}
	return host, port
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// hasPort is lifted verbatim from net/http/http.go
//
// Given a string of the form "host", "host:port", or "[ipv6::address]:port",
// return true if the string includes a port.
func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

// removeEmptyPort is lifted verbatim from net/http/http.go
//
// removeEmptyPort strips the empty port in ":port" to ""
// as mandated by RFC 3986 Section 6.2.3.
func removeEmptyPort(host string) string {
	if hasPort(host) {
		return strings.TrimSuffix(host, ":")
	}
	return host
}
