// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "already normal",
			in:   "https://example.test/get",
			want: "https://example.test/get",
		},
		{
			name: "empty path defaults to slash",
			in:   "http://example.test",
			want: "http://example.test/",
		},
		{
			name: "scheme and host lowercased",
			in:   "HTTP://EXAMPLE.Test/Path",
			want: "http://example.test/Path",
		},
		{
			name: "empty port stripped",
			in:   "https://example.test:/x",
			want: "https://example.test/x",
		},
		{
			name: "explicit port kept",
			in:   "https://example.test:8443/",
			want: "https://example.test:8443/",
		},
		{
			name: "idna host",
			in:   "https://bücher.example/",
			want: "https://xn--bcher-kva.example/",
		},
		{
			name:    "unsupported scheme",
			in:      "ftp://example.test/",
			wantErr: true,
		},
		{
			name:    "no host",
			in:      "https:///nohost",
			wantErr: true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			u, err := ParseURL(testCase.in)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, u.String())
			// parse∘render is the identity on normalized URLs.
			u2, err := ParseURL(u.String())
			require.NoError(t, err)
			assert.Equal(t, u.String(), u2.String())
		})
	}
}

func TestParamsEncodeOrder(t *testing.T) {
	var p Params
	p.Add("key2", "value2")
	p.Add("key1", "value1")
	assert.Equal(t, "key2=value2&key1=value1", p.Encode())
}

func TestParamsEncodeRepeats(t *testing.T) {
	var p Params
	p.Add("key1", "value1")
	p.AddAll("key2", "value2", "value3")
	assert.Equal(t, "key1=value1&key2=value2&key2=value3", p.Encode())
}

func TestParamsEncodeEscaping(t *testing.T) {
	var p Params
	p.Add("q", "a b&c")
	p.Add("sp/ace", "x")
	assert.Equal(t, "q=a+b%26c&sp%2Face=x", p.Encode())
}

func TestMergeQuery(t *testing.T) {
	u, err := ParseURL("https://example.test/get?fixed=1")
	require.NoError(t, err)
	var p Params
	p.Add("key1", "value1")
	MergeQuery(u, p)
	assert.Equal(t, "https://example.test/get?fixed=1&key1=value1", u.String())
}

func TestOrigin(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{in: "https://example.test/a/b", want: "https://example.test:443"},
		{in: "http://example.test/", want: "http://example.test:80"},
		{in: "http://example.test:8080/", want: "http://example.test:8080"},
	}
	for _, testCase := range testCases {
		u, err := ParseURL(testCase.in)
		require.NoError(t, err)
		assert.Equal(t, testCase.want, Origin(u))
	}
}
