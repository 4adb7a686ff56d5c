// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, r *Request) (*Encoded, []byte) {
	t.Helper()
	e, err := Encode(r)
	require.NoError(t, err)
	var b []byte
	if e.Body != nil {
		var err error
		b, err = io.ReadAll(e.Body)
		require.NoError(t, err)
	}
	return e, b
}

func newRequest(t *testing.T, method string) *Request {
	t.Helper()
	r, err := New(method, "https://example.test/post")
	require.NoError(t, err)
	return r
}

func TestEncodeNone(t *testing.T) {
	r := newRequest(t, "GET")
	e, b := mustEncode(t, r)
	assert.False(t, e.HasBody())
	assert.Empty(t, b)
	assert.Equal(t, int64(0), e.ContentLength)
}

func TestEncodeFormPairs(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = []Param{{"key1", "value1"}, {"key1", "value2"}}
	e, b := mustEncode(t, r)
	assert.Equal(t, "application/x-www-form-urlencoded", e.ContentType)
	assert.Equal(t, "key1=value1&key1=value2", string(b))
	assert.Equal(t, int64(len(b)), e.ContentLength)
}

func TestEncodeFormRoundTrip(t *testing.T) {
	r := newRequest(t, "POST")
	var p Params
	p.Add("a", "1 2")
	p.Add("b", "&=")
	r.Data = p
	_, b := mustEncode(t, r)
	// encode∘decode is the identity on string→string forms.
	decoded, err := parseFormBody(string(b))
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func parseFormBody(s string) (Params, error) {
	var p Params
	for _, pair := range strings.Split(s, "&") {
		kv := strings.SplitN(pair, "=", 2)
		k, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(kv[1])
		if err != nil {
			return nil, err
		}
		p.Add(k, v)
	}
	return p, nil
}

func TestEncodeJSON(t *testing.T) {
	r := newRequest(t, "POST")
	r.JSON = map[string]string{"some": "data"}
	e, b := mustEncode(t, r)
	assert.Equal(t, "application/json", e.ContentType)
	assert.Equal(t, `{"some":"data"}`, string(b))
}

func TestEncodeDataBeatsJSON(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = []Param{{"key1", "value1"}}
	r.JSON = map[string]string{"some": "data"}
	e, b := mustEncode(t, r)
	assert.Equal(t, "application/x-www-form-urlencoded", e.ContentType)
	assert.Equal(t, "key1=value1", string(b))
}

func TestEncodeRawString(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = "raw payload"
	e, b := mustEncode(t, r)
	assert.Empty(t, e.ContentType)
	assert.Equal(t, "raw payload", string(b))
}

func TestEncodeStream(t *testing.T) {
	r := newRequest(t, "POST")
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("streamed"))
		_ = pw.Close()
	}()
	r.Data = io.Reader(pr)
	e, err := Encode(r)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), e.ContentLength)
	assert.Nil(t, e.GetBody)
	b, err := io.ReadAll(e.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(b))
}

func TestEncodeStreamKnownLength(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = strings.NewReader("12345")
	e, err := Encode(r)
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.ContentLength)
}

func TestEncodeMultipart(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = []Param{{"field", "fieldvalue"}}
	r.Files = []File{
		{
			FieldName:   "file1",
			FileName:    "hello.txt",
			ContentType: "text/plain",
			Content:     "hello world",
		},
		{
			FieldName: "file2",
			Content:   bytes.NewReader([]byte{0x1, 0x2}),
		},
	}
	e, b := mustEncode(t, r)

	mt, params, err := mime.ParseMediaType(e.ContentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mt)
	require.NotEmpty(t, params["boundary"])

	// encode∘decode preserves field names, filenames and bodies.
	mr := multipart.NewReader(bytes.NewReader(b), params["boundary"])
	form, err := mr.ReadForm(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"fieldvalue"}, form.Value["field"])
	require.Len(t, form.File["file1"], 1)
	assert.Equal(t, "hello.txt", form.File["file1"][0].Filename)
	f, err := form.File["file1"][0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
	require.Len(t, form.File["file2"], 1)
}

func TestEncodeMultipartUserBoundary(t *testing.T) {
	r := newRequest(t, "POST")
	r.Header.Set("Content-Type", `multipart/form-data; boundary=xYzZY`)
	r.Files = []File{{FieldName: "f", Content: "x"}}
	e, b := mustEncode(t, r)
	assert.Contains(t, e.ContentType, "boundary=xYzZY")
	assert.Contains(t, string(b), "--xYzZY")
}

func TestEncodeMultipartContentTypeOptIn(t *testing.T) {
	// A multipart Content-Type set by the caller forces a multipart
	// body even without Files; the form data becomes the parts.
	r := newRequest(t, "POST")
	r.Header.Set("Content-Type", `multipart/form-data; boundary=bnd123`)
	r.Data = Params{{"field", "value"}}
	e, b := mustEncode(t, r)

	mt, params, err := mime.ParseMediaType(e.ContentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mt)
	assert.Equal(t, "bnd123", params["boundary"])

	mr := multipart.NewReader(bytes.NewReader(b), params["boundary"])
	form, err := mr.ReadForm(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, form.Value["field"])
}

func TestEncodeMultipartContentTypeRawDataUnaffected(t *testing.T) {
	// A raw (non-form) body is sent as-is even under a multipart
	// Content-Type; the caller owns the framing.
	r := newRequest(t, "POST")
	r.Header.Set("Content-Type", `multipart/form-data; boundary=bnd123`)
	r.Data = "--bnd123\r\npre-built\r\n--bnd123--\r\n"
	e, b := mustEncode(t, r)
	assert.Empty(t, e.ContentType)
	assert.Contains(t, string(b), "pre-built")
}

func TestEncodeBadDataType(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = 42
	_, err := Encode(r)
	assert.ErrorIs(t, err, errBadDataType)
}

func TestBodyReplay(t *testing.T) {
	r := newRequest(t, "POST")
	r.Data = "replay me"
	e, b := mustEncode(t, r)
	assert.Equal(t, "replay me", string(b))
	require.NotNil(t, e.GetBody)
	rc, err := e.GetBody()
	require.NoError(t, err)
	b2, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "replay me", string(b2))
}
