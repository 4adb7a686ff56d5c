// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package resolve

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

const defaultQueryTimeout = 5 * time.Second

// dnsResolver speaks classic DNS over UDP ("dou") or DNS over TLS
// ("dot"), depending on the network it is constructed with.
type dnsResolver struct {
	d      *Descriptor
	client *dns.Client
}

func newDNSResolver(d *Descriptor, network string) *dnsResolver {
	c := &dns.Client{Net: network, Timeout: queryTimeout(d)}
	if network == "tcp-tls" {
		c.TLSConfig = &tls.Config{
			ServerName:         d.Host,
			InsecureSkipVerify: !d.Verify,
		}
	}
	return &dnsResolver{d: d, client: c}
}

func (r *dnsResolver) Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error) {
	if eps, ok, err := literal(host, port, family); ok {
		return eps, err
	}
	return queryBoth(ctx, host, port, family, r.d, func(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
		in, _, err := r.client.ExchangeContext(ctx, m, r.d.addr())
		if err != nil {
			return nil, err
		}
		if in.Truncated && r.client.Net == "udp" {
			// Retry truncated answers over TCP per RFC 1035 §4.2.2.
			tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
			in, _, err = tcp.ExchangeContext(ctx, m, r.d.addr())
			if err != nil {
				return nil, err
			}
		}
		return in, nil
	})
}

func (r *dnsResolver) Close() error { return nil }

// dohResolver speaks DNS over HTTPS per RFC 8484, POSTing wire-format
// messages.
type dohResolver struct {
	d    *Descriptor
	http *http.Client
	url  string
}

func newDoHResolver(d *Descriptor) *dohResolver {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			ServerName:         d.Host,
			InsecureSkipVerify: !d.Verify,
		},
	}
	return &dohResolver{
		d:    d,
		http: &http.Client{Transport: transport, Timeout: queryTimeout(d)},
		url:  fmt.Sprintf("https://%s%s", d.addr(), d.Path),
	}
}

func (r *dohResolver) Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error) {
	if eps, ok, err := literal(host, port, family); ok {
		return eps, err
	}
	return queryBoth(ctx, host, port, family, r.d, r.exchange)
}

func (r *dohResolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 §4.1: use ID 0 for cache friendliness.
	m.Id = 0
	packed, err := m.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve: DoH server returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	in := new(dns.Msg)
	if err := in.Unpack(body); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *dohResolver) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

type exchangeFunc func(ctx context.Context, m *dns.Msg) (*dns.Msg, error)

// queryBoth issues A and/or AAAA queries per the family hint and
// flattens the answers, A records first.
func queryBoth(ctx context.Context, host string, port int, family Family, d *Descriptor, exchange exchangeFunc) ([]Endpoint, error) {
	var qtypes []uint16
	switch family {
	case FamilyIPv4:
		qtypes = []uint16{dns.TypeA}
	case FamilyIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var eps []Endpoint
	var errs []error
	for _, qtype := range qtypes {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		if d.DNSSEC {
			m.SetEdns0(4096, true)
			m.AuthenticatedData = true
		}
		in, err := exchange(ctx, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("resolve: query %s/%s failed with rcode %s",
				host, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode]))
			continue
		}
		if d.DNSSEC && !in.AuthenticatedData {
			errs = append(errs, fmt.Errorf("resolve: answer for %s is not DNSSEC-authenticated", host))
			continue
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				eps = append(eps, Endpoint{IP: a.A, Port: port})
			case *dns.AAAA:
				eps = append(eps, Endpoint{IP: a.AAAA, Port: port})
			}
		}
	}
	if len(eps) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, &net.DNSError{Err: "no address records", Name: host, IsNotFound: true}
	}
	return eps, nil
}

func queryTimeout(d *Descriptor) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultQueryTimeout
}
