// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gogama/niquests/proto"
	"github.com/gogama/niquests/resolve"
)

// A Dialer establishes new connections for the pool: it resolves the
// origin host through the configured resolver, opens the transport,
// and negotiates the HTTP version via ALPN (TCP) or QUIC (HTTP/3).
type Dialer struct {
	// Resolver maps hostnames to endpoints. Nil means the operating
	// system resolver.
	Resolver resolve.Resolver
	// TLSConfig is cloned per dial. Nil means library defaults.
	TLSConfig *tls.Config
	// DisableHTTP1, DisableHTTP2 and DisableHTTP3 remove the
	// corresponding version from negotiation. Disabling all three is
	// a configuration error surfaced at dial time.
	DisableHTTP1 bool
	DisableHTTP2 bool
	DisableHTTP3 bool
	// Timeout bounds connection establishment, including resolution
	// and the TLS handshake. Zero means no bound beyond ctx.
	Timeout time.Duration

	Logger zerolog.Logger
}

// origin is the parsed form of a "scheme://host:port" bucket key.
type originParts struct {
	scheme string
	host   string
	port   int
}

func parseOrigin(o string) (originParts, error) {
	scheme, rest, ok := strings.Cut(o, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return originParts{}, fmt.Errorf("pool: malformed origin %q", o)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return originParts{}, fmt.Errorf("pool: malformed origin %q: %w", o, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return originParts{}, fmt.Errorf("pool: malformed origin port %q", portStr)
	}
	return originParts{scheme: scheme, host: host, port: port}, nil
}

func (d *Dialer) resolver() resolve.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return resolve.System()
}

// alpnProtos builds the ALPN offer for a TCP+TLS dial, honoring the
// version preferences.
func (d *Dialer) alpnProtos() ([]string, error) {
	var protos []string
	if !d.DisableHTTP2 {
		protos = append(protos, "h2")
	}
	if !d.DisableHTTP1 {
		protos = append(protos, "http/1.1")
	}
	if len(protos) == 0 {
		return nil, errors.New("pool: every TCP HTTP version is disabled")
	}
	return protos, nil
}

// Dial opens a connection to the target over TCP, performing the TLS
// handshake with ALPN for https origins and selecting the protocol
// driver from the negotiation outcome. Proxied targets dial the proxy
// instead; https origins tunnel through it with CONNECT before the
// TLS handshake.
func (d *Dialer) Dial(ctx context.Context, t Target) (*Conn, error) {
	op, err := parseOrigin(t.Origin)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	start := time.Now()

	dialHost, dialPort := op.host, op.port
	if t.Proxy != nil {
		dialHost, dialPort, err = proxyAddr(t.Proxy)
		if err != nil {
			return nil, err
		}
	}
	eps, err := d.resolver().Resolve(ctx, dialHost, dialPort, resolve.FamilyAny)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ep := range eps {
		conn, info, err := d.dialEndpoint(ctx, op, t, ep)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info.Established = time.Since(start)
		driver, err := d.driverFor(conn, info)
		if err != nil {
			_ = conn.Close()
			errs = append(errs, err)
			continue
		}
		info.Version = driver.Version()
		d.Logger.Debug().
			Str("origin", t.Origin).
			Str("remote", info.RemoteAddr).
			Str("alpn", info.ALPN).
			Str("version", string(driver.Version())).
			Dur("established", info.Established).
			Msg("dialed connection")
		return newConn(t.Origin, driver, info), nil
	}
	if len(errs) == 0 {
		errs = append(errs, &net.DNSError{Err: "no addresses", Name: dialHost})
	}
	return nil, errors.Join(errs...)
}

func (d *Dialer) dialEndpoint(ctx context.Context, op originParts, t Target, ep resolve.Endpoint) (net.Conn, ConnInfo, error) {
	nd := net.Dialer{}
	raw, err := nd.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, ConnInfo{}, err
	}
	info := ConnInfo{
		LocalAddr:  raw.LocalAddr().String(),
		RemoteAddr: raw.RemoteAddr().String(),
	}
	if op.scheme != "https" {
		// Cleartext requests to a proxy ride the proxy connection
		// directly in absolute form; no tunnel is needed.
		return raw, info, nil
	}
	if t.Proxy != nil {
		if err := connectTunnel(ctx, raw, t.Proxy, net.JoinHostPort(op.host, strconv.Itoa(op.port))); err != nil {
			_ = raw.Close()
			return nil, ConnInfo{}, err
		}
	}

	protos, err := d.alpnProtos()
	if err != nil {
		_ = raw.Close()
		return nil, ConnInfo{}, err
	}
	conf := d.tlsConfigFor(t)
	if conf.ServerName == "" {
		conf.ServerName = op.host
	}
	conf.NextProtos = protos
	tconn := tls.Client(raw, conf)
	if err := tconn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, ConnInfo{}, err
	}
	state := tconn.ConnectionState()
	info.ALPN = state.NegotiatedProtocol
	info.TLSVersion = state.Version
	return tconn, info, nil
}

// proxyAddr extracts the host and port to dial from a proxy URL,
// defaulting the port from the proxy scheme.
func proxyAddr(proxy *url.URL) (string, int, error) {
	host := proxy.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("pool: malformed proxy URL %q", proxy)
	}
	portStr := proxy.Port()
	if portStr == "" {
		if proxy.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "8080"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("pool: malformed proxy port %q", portStr)
	}
	return host, port, nil
}

// connectTunnel issues an HTTP/1.1 CONNECT for authority on an
// established proxy connection and consumes the proxy's response head.
// Proxy credentials embedded in the proxy URL are sent as
// Proxy-Authorization.
func connectTunnel(ctx context.Context, conn net.Conn, proxy *url.URL, authority string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	req := "CONNECT " + authority + " HTTP/1.1\r\nHost: " + authority + "\r\n"
	if user := proxy.User; user != nil {
		pass, _ := user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") || parts[1] != "200" {
		return fmt.Errorf("pool: proxy refused CONNECT: %q", strings.TrimSpace(line))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if br.Buffered() > 0 {
		return errors.New("pool: proxy sent unexpected bytes after CONNECT response")
	}
	return nil
}

func (d *Dialer) tlsConfig() *tls.Config {
	if d.TLSConfig == nil {
		return &tls.Config{}
	}
	return d.TLSConfig.Clone()
}

// tlsConfigFor clones the base TLS configuration and applies the
// target's per-request verification override.
func (d *Dialer) tlsConfigFor(t Target) *tls.Config {
	conf := d.tlsConfig()
	if t.Verify != nil {
		conf.InsecureSkipVerify = !*t.Verify
	}
	return conf
}

// driverFor selects the protocol driver from the negotiated ALPN
// protocol. Cleartext connections always speak HTTP/1.1.
func (d *Dialer) driverFor(conn net.Conn, info ConnInfo) (proto.Driver, error) {
	switch info.ALPN {
	case "h2":
		tconn, ok := conn.(*tls.Conn)
		if !ok {
			return nil, errors.New("pool: h2 negotiated on a non-TLS connection")
		}
		return proto.NewHTTP2(tconn)
	case "", "http/1.1":
		if info.ALPN == "" || !d.DisableHTTP1 {
			return proto.NewHTTP1(conn), nil
		}
		return nil, errors.New("pool: peer selected http/1.1, which is disabled")
	default:
		return nil, fmt.Errorf("pool: peer selected unsupported protocol %q", info.ALPN)
	}
}

// DialH3 opens an HTTP/3 connection to authority (host:port) on behalf
// of the target's origin. The TLS server name stays the origin host so
// certificate verification binds the alternative service to the
// origin.
func (d *Dialer) DialH3(ctx context.Context, t Target, authority string) (*Conn, error) {
	if d.DisableHTTP3 {
		return nil, errors.New("pool: HTTP/3 is disabled")
	}
	op, err := parseOrigin(t.Origin)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	start := time.Now()

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return nil, fmt.Errorf("pool: malformed alternative authority %q: %w", authority, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("pool: malformed alternative authority %q", authority)
	}
	eps, err := d.resolver().Resolve(ctx, host, port, resolve.FamilyAny)
	if err != nil {
		return nil, err
	}

	conf := d.tlsConfigFor(t)
	if conf.ServerName == "" {
		conf.ServerName = op.host
	}
	var errs []error
	for _, ep := range eps {
		driver, err := proto.DialHTTP3(ctx, ep.Addr(), conf)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info := ConnInfo{
			RemoteAddr:  ep.Addr(),
			Version:     proto.VersionHTTP3,
			ALPN:        "h3",
			TLSVersion:  tls.VersionTLS13,
			Established: time.Since(start),
		}
		d.Logger.Debug().
			Str("origin", t.Origin).
			Str("authority", authority).
			Str("remote", info.RemoteAddr).
			Dur("established", info.Established).
			Msg("dialed HTTP/3 connection")
		return newConn(t.Origin, driver, info), nil
	}
	return nil, errors.Join(errs...)
}
