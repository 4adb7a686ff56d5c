// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gogama/niquests/header"
)

// A File is one part of a multipart/form-data body.
type File struct {
	// FieldName is the form field name of the part.
	FieldName string
	// FileName is the filename parameter of the part's
	// Content-Disposition. It may be empty.
	FileName string
	// ContentType is the part's Content-Type. It may be empty, in
	// which case no per-part Content-Type is sent unless sniffed by
	// the server.
	ContentType string
	// Header carries extra per-part headers declared by the caller.
	Header *header.Map
	// Content is the part body: a string, []byte, io.Reader, or
	// io.ReadCloser.
	Content interface{}
}

// An Encoded is a wire-ready request body produced by Encode.
type Encoded struct {
	// ContentType is the Content-Type to send, or "" to leave the
	// caller's header untouched.
	ContentType string
	// ContentLength is the body length in bytes, or -1 when unknown
	// (a streaming body). Unknown lengths ride chunked
	// transfer-encoding on HTTP/1 and ordinary DATA framing on
	// HTTP/2 and HTTP/3.
	ContentLength int64
	// Body yields the body bytes. It is nil when there is no body.
	Body io.ReadCloser
	// GetBody re-opens the body for replay on a redirect that
	// preserves the method. It is nil for one-shot streaming bodies.
	GetBody func() (io.ReadCloser, error)
}

// HasBody reports whether there is a body to send.
func (e *Encoded) HasBody() bool {
	return e != nil && e.Body != nil
}

var errBadDataType = errors.New("request: invalid Data type (use nil, string, " +
	"[]byte, io.Reader, Params, []Param, map[string]string, map[string][]string or url.Values)")

// Encode converts the request's body sources into a wire-ready body,
// applying the precedence Files > Data > JSON. The returned Encoded is
// never nil; when the request has no body, its Body field is nil and
// its ContentLength is 0.
//
// A multipart body is produced when the request has Files, or when the
// caller's own Content-Type header names multipart/form-data and Data
// is a form source; in the latter case the form fields become the
// parts.
func Encode(r *Request) (*Encoded, error) {
	switch {
	case len(r.Files) > 0 || wantsMultipart(r):
		return encodeMultipart(r)
	case r.Data != nil:
		return encodeData(r)
	case r.JSON != nil:
		return encodeJSON(r)
	default:
		return &Encoded{ContentLength: 0}, nil
	}
}

// wantsMultipart reports whether a fileless request opted into a
// multipart body by setting its own multipart/form-data Content-Type
// over form-typed Data.
func wantsMultipart(r *Request) bool {
	if r.Data == nil {
		return false
	}
	switch r.Data.(type) {
	case Params, []Param, map[string]string, map[string][]string, url.Values:
	default:
		return false
	}
	raw := r.Header.Get("Content-Type")
	if raw == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(raw)
	return err == nil && mt == "multipart/form-data"
}

func encodeData(r *Request) (*Encoded, error) {
	switch data := r.Data.(type) {
	case string:
		return bufferedBody([]byte(data), ""), nil
	case []byte:
		return bufferedBody(data, ""), nil
	case Params:
		return formBody(data), nil
	case []Param:
		return formBody(Params(data)), nil
	case map[string]string:
		p := make(Params, 0, len(data))
		for _, k := range sortedKeys(data) {
			p.Add(k, data[k])
		}
		return formBody(p), nil
	case map[string][]string:
		return formBody(flattenMulti(data)), nil
	case url.Values:
		return formBody(flattenMulti(data)), nil
	case io.Reader:
		return streamBody(data), nil
	default:
		return nil, errBadDataType
	}
}

func encodeJSON(r *Request) (*Encoded, error) {
	b, err := json.Marshal(r.JSON)
	if err != nil {
		return nil, fmt.Errorf("request: cannot serialize JSON body: %w", err)
	}
	return bufferedBody(b, "application/json"), nil
}

// formBody encodes ordered key/value pairs as
// application/x-www-form-urlencoded. Duplicate keys encode as repeated
// fields in insertion order.
func formBody(p Params) *Encoded {
	return bufferedBody([]byte(p.Encode()), "application/x-www-form-urlencoded")
}

func encodeMultipart(r *Request) (*Encoded, error) {
	boundary := userBoundary(r)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if boundary != "" {
		if err := w.SetBoundary(boundary); err != nil {
			return nil, fmt.Errorf("request: bad multipart boundary: %w", err)
		}
	} else {
		if err := w.SetBoundary(uuid.NewString()); err != nil {
			return nil, err
		}
	}

	// Ordinary form fields ride along ahead of the file parts.
	if r.Data != nil {
		fields, err := formFields(r.Data)
		if err != nil {
			return nil, err
		}
		for _, kv := range fields {
			if err := w.WriteField(kv.Key, kv.Value); err != nil {
				return nil, err
			}
		}
	}

	for _, f := range r.Files {
		if err := writePart(w, f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	e := bufferedBody(buf.Bytes(), w.FormDataContentType())
	return e, nil
}

func writePart(w *multipart.Writer, f File) error {
	if f.FieldName == "" {
		return errors.New("request: multipart part has no field name")
	}
	h := make(textproto.MIMEHeader)
	cd := fmt.Sprintf(`form-data; name=%q`, f.FieldName)
	if f.FileName != "" {
		cd += fmt.Sprintf(`; filename=%q`, f.FileName)
	}
	h.Set("Content-Disposition", cd)
	if f.ContentType != "" {
		h.Set("Content-Type", f.ContentType)
	}
	if f.Header != nil {
		for _, fld := range f.Header.Fields() {
			h.Add(fld.Name, fld.Value)
		}
	}
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	b, err := bodyBytes(f.Content)
	if err != nil {
		return err
	}
	_, err = pw.Write(b)
	return err
}

// userBoundary extracts a caller-specified boundary from the request's
// own Content-Type header, if it names multipart/form-data.
func userBoundary(r *Request) string {
	raw := r.Header.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		return ""
	}
	return params["boundary"]
}

func formFields(data interface{}) (Params, error) {
	switch d := data.(type) {
	case Params:
		return d, nil
	case []Param:
		return Params(d), nil
	case map[string]string:
		p := make(Params, 0, len(d))
		for _, k := range sortedKeys(d) {
			p.Add(k, d[k])
		}
		return p, nil
	case map[string][]string:
		return flattenMulti(d), nil
	case url.Values:
		return flattenMulti(d), nil
	default:
		return nil, errBadDataType
	}
}

func flattenMulti(m map[string][]string) Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var p Params
	for _, k := range keys {
		p.AddAll(k, m[k]...)
	}
	return p
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func bufferedBody(b []byte, contentType string) *Encoded {
	return &Encoded{
		ContentType:   contentType,
		ContentLength: int64(len(b)),
		Body:          io.NopCloser(bytes.NewReader(b)),
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

// streamBody wraps a caller-supplied reader. The length is known only
// for the in-memory reader types the standard library also recognizes.
func streamBody(rd io.Reader) *Encoded {
	e := &Encoded{ContentLength: -1}
	switch v := rd.(type) {
	case *bytes.Buffer:
		e.ContentLength = int64(v.Len())
	case *bytes.Reader:
		e.ContentLength = int64(v.Len())
	case *strings.Reader:
		e.ContentLength = int64(v.Len())
	}
	if rc, ok := rd.(io.ReadCloser); ok {
		e.Body = rc
	} else {
		e.Body = io.NopCloser(rd)
	}
	return e
}

// bodyBytes converts a generic content value to a byte slice.
//
// The value may be nil, or it may be a string, []byte, io.Reader, or
// io.ReadCloser. If it is an io.Reader, it is read to the end and
// buffered; if it is an io.ReadCloser, it is additionally closed after
// buffering.
func bodyBytes(content interface{}) ([]byte, error) {
	switch x := content.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case io.ReadCloser:
		b, err := io.ReadAll(x)
		if err != nil {
			return nil, err
		}
		err = x.Close()
		if err != nil {
			return nil, err
		}
		return b, nil
	case io.Reader:
		return io.ReadAll(x)
	default:
		return nil, errors.New("request: invalid content type (use nil, string, []byte, io.Reader or io.ReadCloser)")
	}
}
