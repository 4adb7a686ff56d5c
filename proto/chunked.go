// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/gogama/niquests/header"
)

// chunkedWriter encodes writes as HTTP/1.1 chunks. Close writes the
// terminal zero chunk; it does not close the underlying writer.
//
// The standard library's chunked coder lives in net/http/internal and
// cannot be imported, so the driver carries its own.
type chunkedWriter struct {
	w *bufio.Writer
}

func newChunkedWriter(w *bufio.Writer) *chunkedWriter {
	return &chunkedWriter{w: w}
}

func (cw *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := cw.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := cw.w.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (cw *chunkedWriter) Close() error {
	_, err := cw.w.WriteString("0\r\n\r\n")
	return err
}

// chunkedReader decodes an HTTP/1.1 chunked body. After the terminal
// chunk it reads any trailer section into trailer and returns io.EOF.
type chunkedReader struct {
	r       *bufio.Reader
	n       uint64 // bytes remaining in current chunk
	err     error
	trailer *header.Map
}

func newChunkedReader(r *bufio.Reader) *chunkedReader {
	return &chunkedReader{r: r}
}

var errChunkTooLong = errors.New("proto: chunk size line too long")

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.n == 0 {
		if err := cr.beginChunk(); err != nil {
			cr.err = err
			return 0, err
		}
		if cr.err != nil {
			return 0, cr.err
		}
	}
	if uint64(len(p)) > cr.n {
		p = p[:cr.n]
	}
	n, err := cr.r.Read(p)
	cr.n -= uint64(n)
	if err == nil && cr.n == 0 {
		err = cr.consumeCRLF()
	}
	if err != nil {
		cr.err = err
	}
	return n, err
}

func (cr *chunkedReader) beginChunk() error {
	line, err := cr.readChunkLine()
	if err != nil {
		return err
	}
	size, err := parseChunkSize(line)
	if err != nil {
		return err
	}
	if size == 0 {
		trailer, err := cr.readTrailer()
		if err != nil {
			return err
		}
		cr.trailer = trailer
		cr.err = io.EOF
		return nil
	}
	cr.n = size
	return nil
}

func (cr *chunkedReader) readChunkLine() (string, error) {
	line, err := cr.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > 4096 {
		return "", errChunkTooLong
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (cr *chunkedReader) consumeCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(cr.r, crlf[:]); err != nil {
		return err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return errors.New("proto: malformed chunk terminator")
	}
	return nil
}

func (cr *chunkedReader) readTrailer() (*header.Map, error) {
	tp := textproto.NewReader(cr.r)
	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(mh) == 0 {
		return nil, nil
	}
	t := &header.Map{}
	for name, values := range mh {
		for _, v := range values {
			t.Add(name, v)
		}
	}
	return t, nil
}

// parseChunkSize parses a chunk-size line, ignoring any chunk
// extensions after ";".
func parseChunkSize(line string) (uint64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseUint(line, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("proto: malformed chunk size %q", line)
	}
	return size, nil
}
