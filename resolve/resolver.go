// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// EnvDNSURL is the environment variable naming the default resolver
// descriptor. It is read once, when a session is created without an
// explicit resolver.
const EnvDNSURL = "NIQUESTS_DNS_URL"

// A Family constrains the address family of resolved endpoints.
type Family int

const (
	// FamilyAny accepts both IPv4 and IPv6 endpoints.
	FamilyAny Family = iota
	// FamilyIPv4 restricts resolution to IPv4 endpoints.
	FamilyIPv4
	// FamilyIPv6 restricts resolution to IPv6 endpoints.
	FamilyIPv6
)

// An Endpoint is one dialable address produced by a Resolver.
type Endpoint struct {
	IP   net.IP
	Port int
}

// Addr returns the endpoint in host:port form suitable for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// A Resolver resolves a hostname to an ordered endpoint list.
//
// Implementations must be safe for concurrent use by multiple
// goroutines.
type Resolver interface {
	// Resolve maps host to endpoints carrying port. The returned list
	// preserves the answer order of the underlying transport. An IP
	// literal host resolves to itself without a query.
	Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error)
	// Close releases any transport state held by the resolver.
	Close() error
}

// literal short-circuits resolution of IP literal hosts. It is shared
// by every Resolver implementation in this package. ok is true when
// host is an IP literal, in which case the endpoint list and error are
// final; a literal excluded by the family hint is an error, not a
// query.
func literal(host string, port int, family Family) (eps []Endpoint, ok bool, err error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false, nil
	}
	if family == FamilyIPv4 && ip.To4() == nil || family == FamilyIPv6 && ip.To4() != nil {
		return nil, true, &net.DNSError{Err: "address family mismatch", Name: host, IsNotFound: true}
	}
	return []Endpoint{{IP: ip, Port: port}}, true, nil
}

// System returns a Resolver backed by the operating system resolver.
func System() Resolver {
	return &systemResolver{r: &net.Resolver{}}
}

type systemResolver struct {
	r *net.Resolver
}

func (s *systemResolver) Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error) {
	if eps, ok, err := literal(host, port, family); ok {
		return eps, err
	}
	addrs, err := s.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var eps []Endpoint
	for _, a := range addrs {
		if family == FamilyIPv4 && a.IP.To4() == nil {
			continue
		}
		if family == FamilyIPv6 && a.IP.To4() != nil {
			continue
		}
		eps = append(eps, Endpoint{IP: a.IP, Port: port})
	}
	if len(eps) == 0 {
		return nil, &net.DNSError{Err: "no suitable address", Name: host, IsNotFound: true}
	}
	return eps, nil
}

func (s *systemResolver) Close() error { return nil }

// A Chain is an ordered fallback list of resolvers. Resolution tries
// each resolver in turn and returns the first usable answer; the
// errors of every failed resolver are joined into the final error when
// none succeeds.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error) {
	if len(c) == 0 {
		return nil, errors.New("resolve: empty resolver chain")
	}
	var errs []error
	for _, r := range c {
		eps, err := r.Resolve(ctx, host, port, family)
		if err == nil && len(eps) > 0 {
			return eps, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return nil, fmt.Errorf("resolve: all resolvers failed for %q: %w", host, errors.Join(errs...))
}

// Close implements Resolver, closing every resolver in the chain.
func (c Chain) Close() error {
	var errs []error
	for _, r := range c {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromEnvironment builds the default resolver: the descriptor named by
// NIQUESTS_DNS_URL when set, else the system resolver. A malformed
// descriptor is reported rather than silently ignored.
func FromEnvironment() (Resolver, error) {
	raw := os.Getenv(EnvDNSURL)
	if raw == "" {
		return System(), nil
	}
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	return d.New()
}
