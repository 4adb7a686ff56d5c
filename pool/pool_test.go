// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogama/niquests/header"
	"github.com/gogama/niquests/proto"
)

// fakeDriver satisfies proto.Driver for pool tests without a network.
type fakeDriver struct {
	version    proto.Version
	maxStreams int

	mu     sync.Mutex
	broken bool
	closed bool
}

func (d *fakeDriver) Version() proto.Version { return d.version }
func (d *fakeDriver) MaxStreams() int        { return d.maxStreams }

func (d *fakeDriver) BeginExchange(context.Context, *proto.ExchangeRequest) (proto.StreamCursor, error) {
	return nil, errors.New("fakeDriver does not exchange")
}

func (d *fakeDriver) Broken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) breakIt() {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fakePool builds a Pool whose dial seam fabricates connections with
// fresh fakeDrivers, counting dials.
func fakePool(cfg Config, maxStreams int) (*Pool, *int) {
	p := New(cfg)
	dials := new(int)
	var mu sync.Mutex
	p.dialFn = func(_ context.Context, t Target) (*Conn, error) {
		mu.Lock()
		*dials++
		mu.Unlock()
		origin := t.Origin
		d := &fakeDriver{version: proto.VersionHTTP11, maxStreams: maxStreams}
		return newConn(origin, d, ConnInfo{Version: d.version}), nil
	}
	return p, dials
}

const testOrigin = "https://example.test:443"

func TestPoolReusesReleasedConnection(t *testing.T) {
	p, dials := fakePool(Config{}, 1)
	ctx := context.Background()

	c1, reused, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.False(t, reused)
	p.Release(c1)

	c2, reused, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, *dials)
	p.Release(c2)
}

func TestPoolMultiplexedSharesConnection(t *testing.T) {
	p, dials := fakePool(Config{Maxsize: 1}, 5)
	ctx := context.Background()

	c1, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	c2, reused, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.True(t, reused)
	assert.Equal(t, 2, c1.Inflight())
	assert.Equal(t, 1, *dials)
	p.Release(c1)
	p.Release(c2)
}

func TestPoolBlocksAtMaxsize(t *testing.T) {
	p, _ := fakePool(Config{Maxsize: 1}, 1)
	ctx := context.Background()

	c1, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
		if err == nil {
			got <- c
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("second Acquire should block while the only connection is busy")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(c1)
	select {
	case c2 := <-got:
		assert.Same(t, c1, c2)
		p.Release(c2)
	case <-time.After(time.Second):
		t.Fatal("second Acquire never woke up")
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	p, _ := fakePool(Config{Maxsize: 1}, 1)
	c1, _, err := p.Acquire(context.Background(), Target{Origin: testOrigin})
	require.NoError(t, err)
	defer p.Release(c1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.Acquire(ctx, Target{Origin: testOrigin})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDropsBrokenConnection(t *testing.T) {
	p, dials := fakePool(Config{}, 1)
	ctx := context.Background()

	c1, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	c1.Driver.(*fakeDriver).breakIt()
	p.Release(c1)
	assert.True(t, c1.Driver.(*fakeDriver).isClosed())

	c2, reused, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, *dials)
	p.Release(c2)
}

func TestPoolDiscardRemovesConnection(t *testing.T) {
	p, dials := fakePool(Config{}, 1)
	ctx := context.Background()

	c1, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	p.Discard(c1)
	assert.True(t, c1.Driver.(*fakeDriver).isClosed())

	_, reused, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 2, *dials)
}

func TestPoolEvictsLeastRecentlyUsedOrigin(t *testing.T) {
	p, _ := fakePool(Config{Connections: 2}, 1)
	ctx := context.Background()

	origins := []string{
		"https://a.test:443",
		"https://b.test:443",
		"https://c.test:443",
	}
	conns := make([]*Conn, len(origins))
	for i, o := range origins {
		c, _, err := p.Acquire(ctx, Target{Origin: o})
		require.NoError(t, err)
		p.Release(c)
		conns[i] = c
		time.Sleep(2 * time.Millisecond) // order the LRU clock
	}

	assert.True(t, conns[0].Driver.(*fakeDriver).isClosed(), "oldest origin should be evicted")
	assert.False(t, conns[1].Driver.(*fakeDriver).isClosed())
	assert.False(t, conns[2].Driver.(*fakeDriver).isClosed())
}

func TestPoolAltSvcSteersToHTTP3(t *testing.T) {
	p, dials := fakePool(Config{}, 1)
	var h3Dials int
	p.dialH3Fn = func(_ context.Context, target Target, authority string) (*Conn, error) {
		h3Dials++
		assert.Equal(t, "example.test:443", authority)
		d := &fakeDriver{version: proto.VersionHTTP3, maxStreams: 100}
		return newConn(target.Origin, d, ConnInfo{Version: d.version}), nil
	}

	h := &header.Map{}
	h.Set("Alt-Svc", `h3=":443"; ma=60`)
	p.Observe(testOrigin, h)

	c, _, err := p.Acquire(context.Background(), Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.Equal(t, proto.VersionHTTP3, c.Driver.Version())
	assert.Equal(t, 1, h3Dials)
	assert.Equal(t, 0, *dials)
	p.Release(c)
}

func TestPoolAltSvcFallsBackWhenUnreachable(t *testing.T) {
	p, dials := fakePool(Config{}, 1)
	p.dialH3Fn = func(context.Context, Target, string) (*Conn, error) {
		return nil, errors.New("quic: handshake timeout")
	}

	h := &header.Map{}
	h.Set("Alt-Svc", `h3=":443"; ma=60`)
	p.Observe(testOrigin, h)

	c, _, err := p.Acquire(context.Background(), Target{Origin: testOrigin})
	require.NoError(t, err)
	assert.Equal(t, proto.VersionHTTP11, c.Driver.Version())
	assert.Equal(t, 1, *dials)
	p.Release(c)

	// The failed alternative must not be retried.
	_, ok := p.AltSvc().Lookup(testOrigin)
	assert.False(t, ok)
}

func TestTargetKey(t *testing.T) {
	on, off := true, false
	proxy := &url.URL{Scheme: "http", Host: "proxy.test:8080"}
	testCases := []struct {
		name   string
		target Target
		want   string
	}{
		{name: "direct", target: Target{Origin: testOrigin}, want: testOrigin},
		{name: "proxied", target: Target{Origin: testOrigin, Proxy: proxy}, want: testOrigin + "|via=proxy.test:8080"},
		{name: "verify on", target: Target{Origin: testOrigin, Verify: &on}, want: testOrigin + "|verify=1"},
		{name: "verify off", target: Target{Origin: testOrigin, Verify: &off}, want: testOrigin + "|verify=0"},
		{name: "proxied unverified", target: Target{Origin: testOrigin, Proxy: proxy, Verify: &off}, want: testOrigin + "|via=proxy.test:8080|verify=0"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, testCase.target.key())
		})
	}
}

func TestPoolSeparatesVerifyBuckets(t *testing.T) {
	p, dials := fakePool(Config{}, 5)
	ctx := context.Background()

	c1, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	p.Release(c1)

	// An unverified target must not ride a verified connection.
	off := false
	c2, reused, err := p.Acquire(ctx, Target{Origin: testOrigin, Verify: &off})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, *dials)
	p.Release(c2)
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	p, _ := fakePool(Config{}, 1)
	c, _, err := p.Acquire(context.Background(), Target{Origin: testOrigin})
	require.NoError(t, err)
	p.Release(c)

	require.NoError(t, p.Close())
	assert.True(t, c.Driver.(*fakeDriver).isClosed())
	_, _, err = p.Acquire(context.Background(), Target{Origin: testOrigin})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolCloseIdle(t *testing.T) {
	p, _ := fakePool(Config{}, 5)
	ctx := context.Background()

	busy, _, err := p.Acquire(ctx, Target{Origin: testOrigin})
	require.NoError(t, err)
	idle, _, err := p.Acquire(ctx, Target{Origin: "https://other.test:443"})
	require.NoError(t, err)
	p.Release(idle)

	p.CloseIdle()
	assert.False(t, busy.Driver.(*fakeDriver).isClosed())
	assert.True(t, idle.Driver.(*fakeDriver).isClosed())
	p.Release(busy)
}

func TestParseOrigin(t *testing.T) {
	testCases := []struct {
		name    string
		origin  string
		want    originParts
		wantErr bool
	}{
		{name: "https", origin: "https://example.test:443", want: originParts{"https", "example.test", 443}},
		{name: "http custom port", origin: "http://example.test:8080", want: originParts{"http", "example.test", 8080}},
		{name: "ipv6", origin: "https://[::1]:8443", want: originParts{"https", "::1", 8443}},
		{name: "no scheme", origin: "example.test:443", wantErr: true},
		{name: "no port", origin: "https://example.test", wantErr: true},
		{name: "bad scheme", origin: "ftp://example.test:21", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseOrigin(testCase.origin)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}
