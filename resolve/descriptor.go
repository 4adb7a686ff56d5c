// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package resolve

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// A Descriptor is a parsed resolver URL.
type Descriptor struct {
	// Protocol is one of "system", "dou", "dot", "doh", "doq".
	Protocol string
	// Host is the resolver server host (empty for system).
	Host string
	// Port is the resolver server port, defaulted per protocol.
	Port int
	// Path is the query path for DoH (default "/dns-query").
	Path string
	// DNSSEC requires an authenticated (AD) answer when true.
	DNSSEC bool
	// Verify controls certificate verification on secure transports.
	Verify bool
	// Timeout bounds each query. Zero means the protocol default.
	Timeout time.Duration
}

// Presets recognized in the doh+<preset>:// shorthand.
var dohPresets = map[string]string{
	"google":     "dns.google",
	"cloudflare": "cloudflare-dns.com",
	"quad9":      "dns.quad9.net",
}

func defaultPort(protocol string) int {
	switch protocol {
	case "dou":
		return 53
	case "dot", "doq":
		return 853
	case "doh":
		return 443
	default:
		return 0
	}
}

// ParseDescriptor parses a resolver descriptor URL of the form
// protocol://host[:port][/path][?options]. Recognized options are
// dnssec (0/1), verify (0/1) and timeout (a Go duration).
func ParseDescriptor(raw string) (*Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("resolve: bad descriptor %q: %w", raw, err)
	}
	d := &Descriptor{Verify: true}

	scheme := strings.ToLower(u.Scheme)
	if preset, found := strings.CutPrefix(scheme, "doh+"); len(preset) > 0 && found {
		host, ok := dohPresets[preset]
		if !ok {
			return nil, fmt.Errorf("resolve: unknown DoH preset %q", preset)
		}
		d.Protocol = "doh"
		d.Host = host
	} else {
		switch scheme {
		case "system":
			d.Protocol = "system"
			return d, nil
		case "dou", "dot", "doh", "doq":
			d.Protocol = scheme
		default:
			return nil, fmt.Errorf("resolve: unknown resolver protocol %q", scheme)
		}
		d.Host = u.Hostname()
	}
	if d.Host == "" {
		return nil, fmt.Errorf("resolve: descriptor %q names no resolver host", raw)
	}

	d.Port = defaultPort(d.Protocol)
	if p := u.Port(); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("resolve: bad port in descriptor %q", raw)
		}
		d.Port = port
	}

	if d.Protocol == "doh" {
		d.Path = u.Path
		if d.Path == "" || d.Path == "/" {
			d.Path = "/dns-query"
		}
	}

	q := u.Query()
	d.DNSSEC = q.Get("dnssec") == "1" || q.Get("dnssec") == "true"
	if v := q.Get("verify"); v == "0" || v == "false" {
		d.Verify = false
	}
	if v := q.Get("timeout"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("resolve: bad timeout in descriptor %q: %w", raw, err)
		}
		d.Timeout = timeout
	}
	return d, nil
}

// New constructs the Resolver the descriptor describes.
func (d *Descriptor) New() (Resolver, error) {
	switch d.Protocol {
	case "system":
		return System(), nil
	case "dou":
		return newDNSResolver(d, "udp"), nil
	case "dot":
		return newDNSResolver(d, "tcp-tls"), nil
	case "doh":
		return newDoHResolver(d), nil
	case "doq":
		return newDoQResolver(d), nil
	default:
		return nil, fmt.Errorf("resolve: unknown resolver protocol %q", d.Protocol)
	}
}

// addr returns the resolver server address in host:port form.
func (d *Descriptor) addr() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// ParseResolvers parses a whitespace- or comma-separated list of
// descriptors into a fallback Chain.
func ParseResolvers(raw string) (Resolver, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("resolve: empty resolver list")
	}
	var chain Chain
	for _, f := range fields {
		d, err := ParseDescriptor(f)
		if err != nil {
			return nil, err
		}
		r, err := d.New()
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
