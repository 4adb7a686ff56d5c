// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/gogama/niquests/header"
)

// A Request describes one logical HTTP request to be executed by a
// session. It is a passive value: constructing a Request performs no
// I/O, and the session consumes it during execution.
//
// At most one body source should be populated. When several are set,
// the encoder applies the precedence Files > Data > JSON.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, etc.). An empty
	// string means GET.
	Method string

	// URL is the parsed, normalized target URL.
	URL *url.URL

	// Params are ordered query parameters merged into the URL's query
	// at execution time, after any query already present in the URL.
	Params Params

	// Header contains request header fields. Session headers merge
	// beneath these; headers computed by the body encoder and the
	// transport (Content-Type, Content-Length, Host, ...) are
	// authoritative and may overwrite them.
	Header *header.Map

	// Cookies are merged on top of the session jar's cookies for this
	// request only. The jar itself is not mutated.
	Cookies map[string]string

	// Data is the request body. It may be nil (no body); a string or
	// []byte (raw body); an io.Reader (streaming body); or a form
	// source: Params, []Param, map[string]string, map[string][]string,
	// or url.Values, encoded as application/x-www-form-urlencoded.
	Data interface{}

	// JSON is a value to serialize as a JSON body. It is consulted
	// only when Data and Files are both unset.
	JSON interface{}

	// Files holds multipart parts. A non-empty Files forces a
	// multipart/form-data body; form-typed Data becomes ordinary
	// fields of the same multipart body.
	Files []File

	// Auth, when non-nil, is applied to the request during
	// preparation. It takes precedence over netrc credentials and over
	// a manually set Authorization header.
	Auth Auth

	// Timeout is the socket-inactivity timeout for this request. Zero
	// selects the session default (30s for GET/HEAD/OPTIONS, 120s
	// otherwise).
	Timeout time.Duration

	// AllowRedirects controls redirect following. nil selects the
	// default: follow for every method except HEAD.
	AllowRedirects *bool

	// Stream, when true, leaves the response body as a live stream
	// cursor instead of draining it eagerly into memory.
	Stream bool

	// Host optionally overrides the Host header. If empty, URL.Host
	// is sent.
	Host string

	// Verify, when non-nil, overrides the session's certificate
	// verification setting for this request.
	Verify *bool

	// Proxies maps target scheme ("http", "https") to a proxy URL,
	// overriding session and environment proxy configuration.
	Proxies map[string]string
}

// New returns a Request for the given method and absolute URL. An
// empty method means GET. The URL is normalized per ParseURL.
func New(method, rawurl string) (*Request, error) {
	if method == "" {
		method = "GET"
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("request: invalid method %q", method)
	}
	u, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: &header.Map{},
	}, nil
}

// Clone returns a deep-enough copy of the request for redirect
// following: the URL, header map and params are copied; body sources
// are shared.
func (r *Request) Clone() *Request {
	r2 := new(Request)
	*r2 = *r
	if r.URL != nil {
		u := *r.URL
		r2.URL = &u
	}
	r2.Header = r.Header.Clone()
	r2.Params = append(Params(nil), r.Params...)
	return r2
}

// SetBasicAuth sets the request's Authorization header to use HTTP
// Basic Authentication with the provided username and password.
//
// With HTTP Basic Authentication the provided username and password
// are not encrypted.
func (r *Request) SetBasicAuth(username, password string) {
	r.Header.Set("Authorization", "Basic "+basicAuth(username, password))
}

// RedirectsAllowed resolves the AllowRedirects field against the
// method-sensitive default: redirects are followed unless the method
// is HEAD.
func (r *Request) RedirectsAllowed() bool {
	if r.AllowRedirects != nil {
		return *r.AllowRedirects
	}
	return r.Method != "HEAD"
}

// Bool returns a pointer to b, for use with the Request fields that
// distinguish "unset" from false.
func Bool(b bool) *bool {
	return &b
}

// An Auth applies a credential to a request during preparation,
// typically by setting the Authorization header.
type Auth interface {
	Apply(r *Request) error
}

// BasicAuth is an Auth sending an RFC 7617 Basic credential.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header.
func (a BasicAuth) Apply(r *Request) error {
	r.SetBasicAuth(a.Username, a.Password)
	return nil
}

// BearerAuth is an Auth sending an RFC 6750 Bearer token.
type BearerAuth struct {
	Token string
}

// Apply sets the Authorization header.
func (a BearerAuth) Apply(r *Request) error {
	r.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// basicAuth is lifted verbatim from net/http/client.go.
//
// See 2 (end of page 4) https://www.ietf.org/rfc/rfc2617.txt
// "To receive authorization, the client sends the userid and password,
// separated by a single colon (":") character, within a base64
// encoded string in the credentials."
// It is not meant to be urlencoded.
func basicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}

// validMethod reports whether method is a valid token per RFC 7230
// §3.2.6. Header field names obey the same token grammar, so the
// httpguts name validator doubles as the method validator.
func validMethod(method string) bool {
	return httpguts.ValidHeaderFieldName(method)
}
