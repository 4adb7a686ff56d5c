// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/gogama/niquests/proto"
)

// limiterBurst is the largest single WaitN reservation made against a
// bandwidth limiter, and therefore its burst size.
const limiterBurst = 64 << 10

// A bodyStream wraps a response stream cursor with the read-side
// policy of the session: transparent decompression per
// Content-Encoding, the socket-inactivity watchdog for multiplexed
// connections (the HTTP/1 driver enforces its own via a read
// deadline), and the optional download bandwidth limit. onFinish runs
// exactly once when the stream ends, however it ends, and is how the
// connection goes back to (or out of) the pool.
type bodyStream struct {
	cursor proto.StreamCursor
	// raw is the cursor, possibly wrapped with the watchdog. decoded
	// layers decompression on top of raw.
	raw     io.Reader
	decoded io.Reader
	wd      *watchdogReader
	limiter *rate.Limiter

	finishOnce sync.Once
	onFinish   func(err error)
}

// newBodyStream builds the body pipeline. contentEncoding is the raw
// Content-Encoding header value; unknown codings are passed through
// undecoded. window enables the per-chunk watchdog when positive.
func newBodyStream(cursor proto.StreamCursor, contentEncoding string, window time.Duration, limiter *rate.Limiter, onFinish func(err error)) (*bodyStream, error) {
	s := &bodyStream{cursor: cursor, limiter: limiter, onFinish: onFinish}
	s.raw = cursor
	if window > 0 {
		s.wd = &watchdogReader{cursor: cursor, window: window}
		s.raw = s.wd
	}
	decoded, err := decodeChain(s.raw, contentEncoding)
	if err != nil {
		return nil, err
	}
	s.decoded = decoded
	return s, nil
}

// decodeChain stacks decoders for a Content-Encoding value, outermost
// coding last per RFC 7231 §3.1.2.2, so decoding applies right to
// left.
func decodeChain(r io.Reader, contentEncoding string) (io.Reader, error) {
	if contentEncoding == "" {
		return r, nil
	}
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		r, err = decoderFor(coding, r)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decoderFor(coding string, r io.Reader) (io.Reader, error) {
	switch coding {
	case "", "identity":
		return r, nil
	case "gzip", "x-gzip":
		return &lazyGzipReader{src: r}, nil
	case "deflate":
		return &deflateReader{src: r}, nil
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		return &lazyZstdReader{src: r}, nil
	default:
		// Unknown coding: deliver the bytes as received.
		return r, nil
	}
}

// Decompressors reports the content codings this build can decode, in
// Accept-Encoding order. gzip and deflate are always present; brotli
// and zstd are compiled-in capabilities.
func Decompressors() []string {
	return []string{"gzip", "deflate", "br", "zstd"}
}

func (s *bodyStream) Read(p []byte) (int, error) {
	n, err := s.decoded.Read(p)
	s.throttle(n)
	if err != nil && err != io.EOF && s.wd != nil && s.wd.expired() {
		err = &TimeoutError{Kind: ReadTimeout, Err: err}
	}
	return n, err
}

// ReadRaw bypasses decompression but keeps the watchdog and throttle.
func (s *bodyStream) ReadRaw(p []byte) (int, error) {
	n, err := s.raw.Read(p)
	s.throttle(n)
	if err != nil && err != io.EOF && s.wd != nil && s.wd.expired() {
		err = &TimeoutError{Kind: ReadTimeout, Err: err}
	}
	return n, err
}

func (s *bodyStream) throttle(n int) {
	if s.limiter == nil || n <= 0 {
		return
	}
	for n > 0 {
		chunk := n
		if chunk > limiterBurst {
			chunk = limiterBurst
		}
		_ = s.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

// finish settles the stream exactly once. A nil err means the body was
// read to completion and the connection can be pooled again.
func (s *bodyStream) finish(err error) {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish(err)
		}
	})
}

// Close abandons the stream. The cursor decides whether the
// connection survives (small remainder drained) or is torn down.
func (s *bodyStream) Close() error {
	err := s.cursor.Close()
	s.finish(err)
	return err
}

// watchdogReader enforces the inactivity window on multiplexed
// streams: each Read arms a timer that hard-closes the stream cursor
// if no bytes arrive in time. The HTTP/2 and HTTP/3 capability layers
// have no per-read deadline of their own, so cancellation by closing
// is the lever available.
type watchdogReader struct {
	cursor proto.StreamCursor
	window time.Duration
	fired  atomic.Bool
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(w.window, func() {
		w.fired.Store(true)
		_ = w.cursor.Close()
	})
	n, err := w.cursor.Read(p)
	timer.Stop()
	if err != nil && err != io.EOF && w.fired.Load() {
		err = &TimeoutError{Kind: ReadTimeout, Err: err}
	}
	return n, err
}

func (w *watchdogReader) expired() bool { return w.fired.Load() }

// lazyGzipReader defers gzip header parsing to the first Read, so that
// constructing a body pipeline never blocks on the socket. A body that
// fails gzip framing surfaces the framing error to the reader.
type lazyGzipReader struct {
	src io.Reader
	r   io.Reader
}

func (g *lazyGzipReader) Read(p []byte) (int, error) {
	if g.r == nil {
		zr, err := gzip.NewReader(g.src)
		if err != nil {
			return 0, err
		}
		g.r = zr
	}
	return g.r.Read(p)
}

// deflateReader handles both meanings of "deflate" in the wild: the
// RFC-correct zlib stream and the bare DEFLATE stream some servers
// send. The first byte disambiguates (0x78 is the usual zlib CMF).
type deflateReader struct {
	src io.Reader
	r   io.Reader
}

func (d *deflateReader) Read(p []byte) (int, error) {
	if d.r == nil {
		var first [1]byte
		n, err := io.ReadFull(d.src, first[:])
		if n == 0 {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return 0, err
		}
		combined := io.MultiReader(strings.NewReader(string(first[:])), d.src)
		if first[0]&0x0f == 0x08 {
			zr, err := zlib.NewReader(combined)
			if err != nil {
				return 0, err
			}
			d.r = zr
		} else {
			d.r = flate.NewReader(combined)
		}
	}
	return d.r.Read(p)
}

type lazyZstdReader struct {
	src io.Reader
	r   *zstd.Decoder
}

func (z *lazyZstdReader) Read(p []byte) (int, error) {
	if z.r == nil {
		dec, err := zstd.NewReader(z.src)
		if err != nil {
			return 0, err
		}
		z.r = dec
	}
	return z.r.Read(p)
}
