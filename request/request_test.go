// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		name       string
		method     string
		url        string
		wantMethod string
		wantErr    bool
	}{
		{
			name:       "empty method means GET",
			method:     "",
			url:        "https://foo.test",
			wantMethod: "GET",
		},
		{
			name:       "POST method",
			method:     "POST",
			url:        "https://bar.test",
			wantMethod: "POST",
		},
		{
			name:       "fake valid extension method",
			method:     "Fake",
			url:        "http://baz.test",
			wantMethod: "Fake",
		},
		{
			name:    "invalid method",
			method:  "GET ",
			url:     "http://baz.test",
			wantErr: true,
		},
		{
			name:    "invalid url",
			method:  "GET",
			url:     "://",
			wantErr: true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			r, err := New(testCase.method, testCase.url)
			if testCase.wantErr {
				assert.Error(t, err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.wantMethod, r.Method)
			assert.NotNil(t, r.Header)
		})
	}
}

func TestSetBasicAuth(t *testing.T) {
	r, err := New("GET", "https://foo.test")
	require.NoError(t, err)
	r.SetBasicAuth("user", "pass")
	assert.Equal(t, "Basic dXNlcjpwYXNz", r.Header.Get("Authorization"))
}

func TestAuthApply(t *testing.T) {
	r, err := New("GET", "https://foo.test")
	require.NoError(t, err)
	require.NoError(t, BearerAuth{Token: "tok"}.Apply(r))
	assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
	require.NoError(t, BasicAuth{Username: "user", Password: "pass"}.Apply(r))
	assert.Equal(t, "Basic dXNlcjpwYXNz", r.Header.Get("Authorization"))
}

func TestRedirectsAllowed(t *testing.T) {
	head, err := New("HEAD", "https://foo.test")
	require.NoError(t, err)
	assert.False(t, head.RedirectsAllowed())
	head.AllowRedirects = Bool(true)
	assert.True(t, head.RedirectsAllowed())

	get, err := New("GET", "https://foo.test")
	require.NoError(t, err)
	assert.True(t, get.RedirectsAllowed())
	get.AllowRedirects = Bool(false)
	assert.False(t, get.RedirectsAllowed())
}

func TestClone(t *testing.T) {
	r, err := New("GET", "https://foo.test/a")
	require.NoError(t, err)
	r.Header.Set("X-Orig", "1")
	r.Params.Add("k", "v")
	r2 := r.Clone()
	r2.Header.Set("X-Orig", "2")
	r2.URL.Path = "/b"
	r2.Params.Add("k2", "v2")
	assert.Equal(t, "1", r.Header.Get("X-Orig"))
	assert.Equal(t, "/a", r.URL.Path)
	assert.Len(t, r.Params, 1)
}
