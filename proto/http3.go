// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// HTTP3 drives exchanges over one QUIC connection. Packetization and
// stream management are owned by quic-go; this driver adapts its
// http3.ClientConn to the uniform Driver surface.
type HTTP3 struct {
	qconn quic.EarlyConnection
	cc    *http3.SingleDestinationRoundTripper
	// maxStreams is a local admission bound; quic-go does not expose
	// the peer's stream limit, so the pool throttles on this.
	maxStreams int
}

// DefaultH3MaxStreams bounds concurrent exchanges admitted onto one
// HTTP/3 connection.
const DefaultH3MaxStreams = 100

// DialHTTP3 opens a QUIC connection to addr (host:port) and layers an
// HTTP/3 client connection on it. The tls.Config's NextProtos is
// forced to the HTTP/3 ALPN identifier.
func DialHTTP3(ctx context.Context, addr string, tlsConf *tls.Config) (*HTTP3, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{http3.NextProtoH3}
	qconn, err := quic.DialAddrEarly(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &HTTP3{
		qconn:      qconn,
		cc:         &http3.SingleDestinationRoundTripper{Connection: qconn},
		maxStreams: DefaultH3MaxStreams,
	}, nil
}

// Version implements Driver.
func (d *HTTP3) Version() Version { return VersionHTTP3 }

// MaxStreams implements Driver.
func (d *HTTP3) MaxStreams() int { return d.maxStreams }

// Broken implements Driver.
func (d *HTTP3) Broken() bool {
	select {
	case <-d.qconn.Context().Done():
		return true
	default:
		return false
	}
}

// Close implements Driver.
func (d *HTTP3) Close() error {
	return d.qconn.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
}

// BeginExchange implements Driver.
func (d *HTTP3) BeginExchange(ctx context.Context, req *ExchangeRequest) (StreamCursor, error) {
	if req.URL.Scheme != "https" {
		return nil, errors.New("proto: HTTP/3 requires an https URL")
	}
	hreq, err := buildStdRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := d.cc.RoundTrip(hreq)
	if err != nil {
		return nil, err
	}
	return newStdCursor(resp, VersionHTTP3), nil
}
