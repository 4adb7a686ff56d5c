// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/gogama/niquests/header"
	"github.com/gogama/niquests/pool"
	"github.com/gogama/niquests/proto"
	"github.com/gogama/niquests/request"
)

// A Response is the terminal result of a logical exchange: the final
// response after any redirects, with the prior hops in History.
//
// For ordinary requests the body has been drained into memory by the
// time the Response is returned, and Content, Text and JSON operate on
// the cached bytes. For streamed requests (Request.Stream) the body is
// a live cursor: read it with IterContent, IterLines or Raw, exactly
// once; exhausting or closing it returns the underlying connection to
// the pool.
type Response struct {
	// StatusCode and Reason are from the final response's status line.
	StatusCode int
	Reason     string
	// Version is the HTTP protocol version the final response was
	// carried on.
	Version proto.Version
	// URL is the final URL, after redirects.
	URL *url.URL
	// Header is the final response's header section.
	Header *header.Map
	// Trailer holds trailer fields, populated only after the body has
	// been fully read, and only when the server sent any.
	Trailer *header.Map
	// History contains the redirect responses that led here, oldest
	// first. Their bodies are drained.
	History []*Response
	// Request is the request that produced this response, as sent on
	// the final hop.
	Request *request.Request
	// ConnInfo describes the connection the final hop rode on.
	ConnInfo pool.ConnInfo
	// Encoding, when set by the caller before Text, forces the charset
	// used to decode the body.
	Encoding string

	mu       sync.Mutex
	body     *bodyStream // nil once content is cached or body consumed
	content  []byte
	cached   bool
	consumed bool
	closed   bool
}

// scrubbedURL renders a URL for error messages with any userinfo
// removed.
func scrubbedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.User == nil {
		return u.String()
	}
	u2 := *u
	u2.User = nil
	return u2.String()
}

// Content returns the full decompressed body, reading and caching it
// on first call. For streamed responses this consumes the stream.
func (r *Response) Content() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLocked()
}

func (r *Response) contentLocked() ([]byte, error) {
	if r.cached {
		return r.content, nil
	}
	if r.consumed {
		return nil, reqErr("content", scrubbedURL(r.URL), ErrStreamConsumed)
	}
	if r.body == nil {
		r.cached = true
		return nil, nil
	}
	b, err := io.ReadAll(r.body)
	r.Trailer = r.body.cursor.Trailer()
	r.body.finish(err)
	r.body = nil
	if err != nil {
		r.consumed = true
		return nil, reqErr("content", scrubbedURL(r.URL), err)
	}
	r.content = b
	r.cached = true
	return r.content, nil
}

// Text decodes the body as text. The charset is chosen in order from
// the Encoding field, the Content-Type charset parameter, a Unicode
// byte order mark, and finally a confidence-scored sniff of the bytes.
// ok is false when none of these identifies an encoding with enough
// confidence to decode.
func (r *Response) Text() (text string, ok bool) {
	b, err := r.Content()
	if err != nil {
		return "", false
	}
	if len(b) == 0 {
		return "", true
	}

	if label := r.charsetLabel(); label != "" {
		if s, err := decodeCharset(b, label); err == nil {
			return s, true
		}
		return "", false
	}
	if label, ok := bomCharset(b); ok {
		if s, err := decodeCharset(b, label); err == nil {
			return s, true
		}
		return "", false
	}

	detector := chardet.NewTextDetector()
	res, err := detector.DetectBest(b)
	if err != nil || res.Confidence < 50 {
		return "", false
	}
	s, err := decodeCharset(b, res.Charset)
	if err != nil {
		return "", false
	}
	return s, true
}

func (r *Response) charsetLabel() string {
	if r.Encoding != "" {
		return r.Encoding
	}
	if ct, ok := r.OHeaders().ContentType(); ok {
		return ct.Charset()
	}
	return ""
}

func decodeCharset(b []byte, label string) (string, error) {
	if strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		if !utf8.Valid(b) {
			return "", errors.New("niquests: invalid UTF-8 body")
		}
		return string(b), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// bomCharset recognizes a Unicode byte order mark.
func bomCharset(b []byte) (string, bool) {
	switch {
	case len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF:
		return "utf-8", true
	case len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE:
		return "utf-16le", true
	case len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF:
		return "utf-16be", true
	}
	return "", false
}

// JSON unmarshals the body into v. It fails with a *JSONDecodeError
// when the Content-Type does not indicate JSON (application/json or a
// +json suffix) or when the bytes do not parse.
func (r *Response) JSON(v interface{}) error {
	ct, ok := r.OHeaders().ContentType()
	if !ok || !ct.IsJSON() {
		mediaType := ""
		if ok {
			mediaType = ct.MediaType
		}
		err := &JSONDecodeError{Err: fmt.Errorf("content type %q is not a JSON media type", mediaType)}
		return reqErr("json", scrubbedURL(r.URL), err)
	}
	b, err := r.Content()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return reqErr("json", scrubbedURL(r.URL), &JSONDecodeError{Err: err})
	}
	return nil
}

// Raw returns the underlying stream cursor, without decompression.
// Like the iterators it may be taken once, and only from a streamed
// response whose body has not been consumed. The caller must Close it.
func (r *Response) Raw() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached || r.consumed || r.body == nil {
		return nil, reqErr("raw", scrubbedURL(r.URL), ErrStreamConsumed)
	}
	body := r.body
	r.body = nil
	r.consumed = true
	return &rawBody{stream: body}, nil
}

// IterContent returns an iterator over decompressed body chunks of at
// most chunkSize bytes (a non-positive size selects 8 KiB). The
// sequence is finite and not restartable; a second iterator request,
// or one following Content, fails with ErrStreamConsumed. Exhausting
// the iterator releases the underlying connection to the pool.
func (r *Response) IterContent(chunkSize int) (*ChunkIter, error) {
	if chunkSize <= 0 {
		chunkSize = 8 << 10
	}
	src, err := r.takeBodyReader()
	if err != nil {
		return nil, err
	}
	return &ChunkIter{resp: r, src: src, buf: make([]byte, chunkSize)}, nil
}

// IterLines returns a line-framed iterator over the decompressed body.
// keepends retains the line terminator on each yielded line. The same
// single-use rules as IterContent apply.
func (r *Response) IterLines(keepends bool) (*LineIter, error) {
	src, err := r.takeBodyReader()
	if err != nil {
		return nil, err
	}
	return &LineIter{resp: r, src: src, keepends: keepends}, nil
}

// takeBodyReader claims the one-shot body source: the live stream for
// streamed responses, or a reader over the cached content for drained
// ones.
func (r *Response) takeBodyReader() (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return nil, reqErr("iter", scrubbedURL(r.URL), ErrStreamConsumed)
	}
	if r.cached {
		r.consumed = true
		return bytes.NewReader(r.content), nil
	}
	if r.body == nil {
		r.consumed = true
		return bytes.NewReader(nil), nil
	}
	body := r.body
	r.body = nil
	r.consumed = true
	return body, nil
}

// OHeaders returns the typed, deserialized view of the response
// headers.
func (r *Response) OHeaders() header.Values {
	return r.Header.Typed()
}

// Cookies returns the cookies the final response set.
func (r *Response) Cookies() []*http.Cookie {
	return r.OHeaders().SetCookies()
}

// OK reports whether the status code is below 400.
func (r *Response) OK() bool {
	return r.StatusCode < 400
}

// IsRedirect reports whether the response is a redirect the session
// could follow.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// RaiseForStatus returns the response itself for 1xx-3xx status codes
// and an *HTTPStatusError wrapped in the library taxonomy for 4xx and
// 5xx.
func (r *Response) RaiseForStatus() (*Response, error) {
	if r.StatusCode < 400 {
		return r, nil
	}
	err := &HTTPStatusError{
		StatusCode: r.StatusCode,
		Reason:     r.Reason,
		URL:        scrubbedURL(r.URL),
	}
	return r, reqErr("status", scrubbedURL(r.URL), err)
}

// Close relinquishes the stream cursor, discarding any unread body.
// It is idempotent and safe on drained responses.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.body != nil {
		body := r.body
		r.body = nil
		r.consumed = true
		return body.Close()
	}
	return nil
}

// finishBody is called by iterators when they exhaust or abandon the
// stream.
func (r *Response) finishBody(src io.Reader, err error) {
	if body, ok := src.(*bodyStream); ok {
		r.mu.Lock()
		r.Trailer = body.cursor.Trailer()
		r.mu.Unlock()
		body.finish(err)
	}
}

// A ChunkIter yields successive decompressed chunks of a response
// body, in the bufio.Scanner mold:
//
//	it, err := resp.IterContent(8192)
//	...
//	for it.Next() {
//		use(it.Bytes())
//	}
//	err = it.Err()
type ChunkIter struct {
	resp *Response
	src  io.Reader
	buf  []byte
	n    int
	err  error
	done bool
}

// Next advances to the next chunk. It returns false at end of body or
// on error; consult Err to distinguish.
func (it *ChunkIter) Next() bool {
	if it.done {
		return false
	}
	n, err := io.ReadFull(it.src, it.buf)
	it.n = n
	switch err {
	case nil:
		return true
	case io.ErrUnexpectedEOF:
		it.finish(nil)
		return true
	case io.EOF:
		it.finish(nil)
		return false
	default:
		it.err = err
		it.finish(err)
		return false
	}
}

// Bytes returns the current chunk, valid until the next call to Next.
func (it *ChunkIter) Bytes() []byte { return it.buf[:it.n] }

// Err returns the first error encountered while reading.
func (it *ChunkIter) Err() error { return it.err }

func (it *ChunkIter) finish(err error) {
	if !it.done {
		it.done = true
		it.resp.finishBody(it.src, err)
	}
}

// A LineIter yields successive lines of a response body.
type LineIter struct {
	resp     *Response
	src      io.Reader
	keepends bool
	br       *bufio.Reader
	line     []byte
	err      error
	done     bool
}

// Next advances to the next line, returning false at end of body or on
// error.
func (it *LineIter) Next() bool {
	if it.done {
		return false
	}
	if it.br == nil {
		it.br = bufio.NewReader(it.src)
	}
	line, err := it.br.ReadBytes('\n')
	if len(line) == 0 {
		if err != nil && err != io.EOF {
			it.err = err
		}
		it.finish(it.err)
		return false
	}
	if !it.keepends {
		line = bytes.TrimRight(line, "\r\n")
	}
	it.line = line
	if err == io.EOF {
		// Final unterminated line: yield it, then stop.
		it.finish(nil)
	} else if err != nil {
		it.err = err
		it.finish(err)
	}
	return true
}

// Bytes returns the current line, valid until the next call to Next.
func (it *LineIter) Bytes() []byte { return it.line }

// Text returns the current line as a string.
func (it *LineIter) Text() string { return string(it.line) }

// Err returns the first error encountered while reading.
func (it *LineIter) Err() error { return it.err }

func (it *LineIter) finish(err error) {
	if !it.done {
		it.done = true
		it.resp.finishBody(it.src, err)
	}
}

// rawBody adapts the claimed body stream for Raw: reads bypass
// decompression.
type rawBody struct {
	stream *bodyStream
	closed bool
}

func (b *rawBody) Read(p []byte) (int, error) {
	n, err := b.stream.ReadRaw(p)
	if err == io.EOF && !b.closed {
		b.closed = true
		b.stream.finish(nil)
	}
	return n, err
}

func (b *rawBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.stream.Close()
}
