// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package resolve

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// doqResolver speaks DNS over dedicated QUIC connections per RFC 9250.
// The QUIC connection is established lazily and reused across queries;
// each query runs on its own bidirectional stream.
type doqResolver struct {
	d *Descriptor

	mu   sync.Mutex
	conn quic.Connection
}

func newDoQResolver(d *Descriptor) *doqResolver {
	return &doqResolver{d: d}
}

func (r *doqResolver) Resolve(ctx context.Context, host string, port int, family Family) ([]Endpoint, error) {
	if eps, ok, err := literal(host, port, family); ok {
		return eps, err
	}
	if r.d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.d.Timeout)
		defer cancel()
	}
	return queryBoth(ctx, host, port, family, r.d, r.exchange)
}

func (r *doqResolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		// The connection may have died since the last query; redial
		// once.
		r.dropConnection()
		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if stream, err = conn.OpenStreamSync(ctx); err != nil {
			return nil, err
		}
	}
	defer stream.CancelRead(0)

	// RFC 9250 §4.2.1: message ID must be zero on DoQ.
	m.Id = 0
	packed, err := m.Pack()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf, uint16(len(packed)))
	copy(buf[2:], packed)
	if _, err := stream.Write(buf); err != nil {
		return nil, err
	}
	// FIN signals end of query per §4.2.
	if err := stream.Close(); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	var lengthPrefix [2]byte
	if _, err := io.ReadFull(stream, lengthPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lengthPrefix[:])
	reply := make([]byte, n)
	if _, err := io.ReadFull(stream, reply); err != nil {
		return nil, err
	}
	in := new(dns.Msg)
	if err := in.Unpack(reply); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *doqResolver) connection(ctx context.Context) (quic.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	tlsConf := &tls.Config{
		ServerName:         r.d.Host,
		InsecureSkipVerify: !r.d.Verify,
		NextProtos:         []string{"doq"},
	}
	conn, err := quic.DialAddr(ctx, r.d.addr(), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve: DoQ dial %s: %w", r.d.addr(), err)
	}
	r.conn = conn
	return conn, nil
}

func (r *doqResolver) dropConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.CloseWithError(0, "")
		r.conn = nil
	}
}

func (r *doqResolver) Close() error {
	r.dropConnection()
	return nil
}
