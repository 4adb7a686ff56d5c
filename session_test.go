// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogama/niquests/header"
	"github.com/gogama/niquests/proto"
	"github.com/gogama/niquests/request"
)

func TestSessionParamOrder(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/echo?x=0")
	require.NoError(t, err)
	req.Params.Add("a", "1")
	req.Params.AddAll("b", "2", "3")

	_, payload := echoOf(t, s, req)
	assert.Equal(t, "/echo?x=0&a=1&b=2&b=3", payload.URI)
}

func TestSessionFormBody(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("POST", httpServer.URL+"/echo")
	require.NoError(t, err)
	req.Data = url.Values{"key1": {"value1", "value2"}}

	_, payload := echoOf(t, s, req)
	assert.Equal(t, "POST", payload.Method)
	assert.Equal(t, "key1=value1&key1=value2", payload.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", payload.Headers["Content-Type"])
}

func TestSessionJSONBody(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	t.Run("json body", func(t *testing.T) {
		req, err := request.New("POST", httpServer.URL+"/echo")
		require.NoError(t, err)
		req.JSON = map[string]string{"name": "lemur"}

		_, payload := echoOf(t, s, req)
		assert.Equal(t, `{"name":"lemur"}`, payload.Body)
		assert.Equal(t, "application/json", payload.Headers["Content-Type"])
	})
	t.Run("data wins over json", func(t *testing.T) {
		req, err := request.New("POST", httpServer.URL+"/echo")
		require.NoError(t, err)
		req.Data = "raw"
		req.JSON = map[string]string{"name": "lemur"}

		_, payload := echoOf(t, s, req)
		assert.Equal(t, "raw", payload.Body)
	})
}

func TestSessionCustomContentType(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("POST", httpServer.URL+"/echo")
	require.NoError(t, err)
	req.JSON = map[string]string{"name": "lemur"}
	req.Header.Set("Content-Type", "application/vnd.api+json")

	_, payload := echoOf(t, s, req)
	assert.Equal(t, "application/vnd.api+json", payload.Headers["Content-Type"])
	assert.Equal(t, `{"name":"lemur"}`, payload.Body)
}

func TestSessionDefaultHeaders(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/echo")
	require.NoError(t, err)
	_, payload := echoOf(t, s, req)
	assert.Equal(t, "*/*", payload.Headers["Accept"])
	assert.Equal(t, userAgent, payload.Headers["User-Agent"])
	assert.Equal(t, strings.Join(Decompressors(), ", "), payload.Headers["Accept-Encoding"])
}

func TestSessionHeaderMerge(t *testing.T) {
	s := newTestSession()
	s.Headers = header.New("X-Layer", "session", "X-Session-Only", "yes")
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/echo")
	require.NoError(t, err)
	req.Header.Set("X-Layer", "request")

	_, payload := echoOf(t, s, req)
	assert.Equal(t, "request", payload.Headers["X-Layer"])
	assert.Equal(t, "yes", payload.Headers["X-Session-Only"])
}

func TestSessionBaseURL(t *testing.T) {
	s := newTestSession()
	s.BaseURL = httpServer.URL
	defer s.Close()

	resp, err := s.Get(context.Background(), "/status/200")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, resp.OK())
}

func TestSessionAuth(t *testing.T) {
	s := newTestSession()
	s.Auth = request.BasicAuth{Username: "user", Password: "pass"}
	defer s.Close()

	t.Run("session credential", func(t *testing.T) {
		req, err := request.New("GET", httpServer.URL+"/echo")
		require.NoError(t, err)
		_, payload := echoOf(t, s, req)
		assert.Equal(t, "Basic dXNlcjpwYXNz", payload.Headers["Authorization"])
	})
	t.Run("request credential wins", func(t *testing.T) {
		req, err := request.New("GET", httpServer.URL+"/echo")
		require.NoError(t, err)
		req.Auth = request.BearerAuth{Token: "tok123"}
		_, payload := echoOf(t, s, req)
		assert.Equal(t, "Bearer tok123", payload.Headers["Authorization"])
	})
}

func TestSessionCookiePersistence(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), httpServer.URL+"/cookie/set?name=flavor&value=mint")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	req, err := request.New("GET", httpServer.URL+"/echo")
	require.NoError(t, err)
	req.Cookies = map[string]string{"extra": "1"}
	_, payload := echoOf(t, s, req)
	assert.Contains(t, payload.Headers["Cookie"], "flavor=mint")
	assert.Contains(t, payload.Headers["Cookie"], "extra=1")
}

func TestSessionRequestCookieOverridesJar(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), httpServer.URL+"/cookie/set?name=flavor&value=mint")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	req, err := request.New("GET", httpServer.URL+"/echo")
	require.NoError(t, err)
	req.Cookies = map[string]string{"flavor": "chip"}
	_, payload := echoOf(t, s, req)
	assert.Contains(t, payload.Headers["Cookie"], "flavor=chip")
	assert.NotContains(t, payload.Headers["Cookie"], "flavor=mint")
}

func TestSessionRedirect(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	t.Run("302 preserves method and body", func(t *testing.T) {
		req, err := request.New("POST", httpServer.URL+"/redirect?to=/echo&code=302")
		require.NoError(t, err)
		req.Data = "payload"

		resp, payload := echoOf(t, s, req)
		assert.Equal(t, "POST", payload.Method)
		assert.Equal(t, "payload", payload.Body)
		require.Len(t, resp.History, 1)
		assert.Equal(t, 302, resp.History[0].StatusCode)
		assert.Equal(t, "/echo", resp.URL.Path)
	})
	t.Run("303 rewrites to GET", func(t *testing.T) {
		req, err := request.New("POST", httpServer.URL+"/redirect?to=/echo&code=303")
		require.NoError(t, err)
		req.Data = "payload"

		_, payload := echoOf(t, s, req)
		assert.Equal(t, "GET", payload.Method)
		assert.Empty(t, payload.Body)
		assert.NotContains(t, payload.Headers, "Content-Type")
	})
	t.Run("307 preserves method", func(t *testing.T) {
		req, err := request.New("PUT", httpServer.URL+"/redirect?to=/echo&code=307")
		require.NoError(t, err)
		req.Data = "again"

		_, payload := echoOf(t, s, req)
		assert.Equal(t, "PUT", payload.Method)
		assert.Equal(t, "again", payload.Body)
	})
	t.Run("disabled", func(t *testing.T) {
		req, err := request.New("GET", httpServer.URL+"/redirect?to=/echo&code=302")
		require.NoError(t, err)
		req.AllowRedirects = request.Bool(false)

		resp, err := s.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 302, resp.StatusCode)
		assert.True(t, resp.IsRedirect())
	})
}

func TestSessionRewriteRedirectMethod(t *testing.T) {
	s := newTestSession()
	s.RewriteRedirectMethod = true
	defer s.Close()

	req, err := request.New("POST", httpServer.URL+"/redirect?to=/echo&code=301")
	require.NoError(t, err)
	req.Data = "payload"

	_, payload := echoOf(t, s, req)
	assert.Equal(t, "GET", payload.Method)
	assert.Empty(t, payload.Body)
}

func TestSessionTooManyRedirects(t *testing.T) {
	s := newTestSession()
	s.MaxRedirects = 3
	defer s.Close()

	_, err := s.Get(context.Background(), httpServer.URL+"/loop")
	require.Error(t, err)
	var tooMany *TooManyRedirectsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 3, tooMany.Limit)
}

// Redirect hops that leave the host must not carry credentials along.
// The scrub is exercised directly against the hop derivation, since
// both test servers share a loopback hostname.
func TestRedirectCredentialScrub(t *testing.T) {
	s := newTestSession()
	defer s.Close()
	s.init()

	newRedirect := func(location string) *Response {
		u, err := request.ParseURL("https://origin.example/login")
		require.NoError(t, err)
		return &Response{
			StatusCode: 302,
			URL:        u,
			Header:     header.New("Location", location),
			cached:     true,
		}
	}
	newReq := func() *request.Request {
		req, err := request.New("GET", "https://origin.example/login")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer secret")
		req.Auth = request.BearerAuth{Token: "secret"}
		return req
	}

	t.Run("off host", func(t *testing.T) {
		req := newReq()
		next, _, err := s.redirectRequest(req, newRedirect("https://elsewhere.example/landing"), &request.Encoded{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.False(t, next.Header.Has("Authorization"))
		assert.Nil(t, next.Auth)
	})
	t.Run("same host", func(t *testing.T) {
		req := newReq()
		next, _, err := s.redirectRequest(req, newRedirect("/landing"), &request.Encoded{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "Bearer secret", next.Header.Get("Authorization"))
		assert.NotNil(t, next.Auth)
	})
	t.Run("no location is terminal", func(t *testing.T) {
		resp := newRedirect("ignored")
		resp.Header.Del("Location")
		next, _, err := s.redirectRequest(newReq(), resp, &request.Encoded{})
		require.NoError(t, err)
		assert.Nil(t, next)
	})
}

func TestSessionHTTP2(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), http2Server.URL+"/slow?d=1")
	require.NoError(t, err)
	assert.Equal(t, proto.VersionHTTP2, resp.Version)
	b, err := resp.Content()
	require.NoError(t, err)
	assert.Equal(t, "done", string(b))
}

func TestSessionMultiplexGather(t *testing.T) {
	s := newTestSession()
	s.Multiplexed = true
	defer s.Close()

	const delay = 250
	req1, err := request.New("GET", http2Server.URL+"/slow?d=250")
	require.NoError(t, err)
	req2, err := request.New("GET", http2Server.URL+"/slow?d=250")
	require.NoError(t, err)

	start := time.Now()
	p1 := s.Send(context.Background(), req1)
	p2 := s.Send(context.Background(), req2)
	require.NoError(t, s.Gather(context.Background()))
	elapsed := time.Since(start)

	resp1, err := p1.Response(context.Background())
	require.NoError(t, err)
	resp2, err := p2.Response(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, resp1.StatusCode)
	assert.Equal(t, 200, resp2.StatusCode)
	// Two sequential exchanges would need at least 2x the server delay;
	// overlapped ones finish in roughly one delay plus overhead.
	assert.Less(t, elapsed, time.Duration(2*delay)*time.Millisecond,
		"exchanges did not overlap: %v", elapsed)
	assert.True(t, p1.Resolved())
	assert.True(t, p2.Resolved())
}

func TestSessionGatherN(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	var promises []*Promise
	for i := 0; i < 3; i++ {
		req, err := request.New("GET", httpServer.URL+"/slow?d=10")
		require.NoError(t, err)
		promises = append(promises, s.Send(context.Background(), req))
	}
	require.NoError(t, s.GatherN(context.Background(), 2))
	resolved := 0
	for _, p := range promises {
		if p.Resolved() {
			resolved++
		}
	}
	assert.GreaterOrEqual(t, resolved, 2)
	require.NoError(t, s.Gather(context.Background()))
}

func TestAsyncSessionStrict(t *testing.T) {
	s := &AsyncSession{Session: Session{
		Verify:       request.Bool(false),
		DisableHTTP3: true,
	}}
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/status/200")
	require.NoError(t, err)
	p := s.Send(context.Background(), req)

	_, err = p.Response(context.Background())
	require.ErrorIs(t, err, ErrPrematureGather)

	require.NoError(t, s.Gather(context.Background(), p))
	resp, err := p.Response(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSessionReadTimeout(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/slow?d=2000")
	require.NoError(t, err)
	req.Timeout = 100 * time.Millisecond

	_, err = s.Do(context.Background(), req)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Timeout())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, ReadTimeout, timeout.Kind)
}

func TestSessionConnectError(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	// Reserved TEST-NET-1 address; nothing listens there.
	req, err := request.New("GET", "http://192.0.2.1:81/")
	require.NoError(t, err)
	req.Timeout = 100 * time.Millisecond
	s.ConnectTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Do(ctx, req)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "connect", reqErr.Op)
}

func TestSessionConnectTimeoutBound(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	// TEST-NET-1 drops SYNs, so only a timeout can end the dial. The
	// request timeout must bound establishment even though the
	// session's connect timeout is far longer.
	req, err := request.New("GET", "http://192.0.2.1:81/")
	require.NoError(t, err)
	req.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err = s.Do(context.Background(), req)
	elapsed := time.Since(start)
	require.Error(t, err)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, ConnectTimeout, timeout.Kind)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRequestVerifyOverride(t *testing.T) {
	s := &Session{DisableHTTP3: true}
	defer s.Close()

	// Verification is on by default, so the test server's self-signed
	// certificate is rejected.
	_, err := s.Get(context.Background(), http2Server.URL+"/status/200")
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	// The per-request override succeeds on a bucket of its own.
	req, err := request.New("GET", http2Server.URL+"/status/200")
	require.NoError(t, err)
	req.Verify = request.Bool(false)
	resp, err := s.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSessionGzipResponse(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), httpServer.URL+"/gzip?body=hello+gzip")
	require.NoError(t, err)
	b, err := resp.Content()
	require.NoError(t, err)
	assert.Equal(t, "hello gzip", string(b))
}

func TestSessionCharset(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), httpServer.URL+"/charset")
	require.NoError(t, err)
	text, ok := resp.Text()
	require.True(t, ok)
	assert.Equal(t, "café", text)
}

func TestSessionRaiseForStatus(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp, err := s.Get(context.Background(), httpServer.URL+"/status/503")
	require.NoError(t, err)
	assert.False(t, resp.OK())
	_, err = resp.RaiseForStatus()
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "server error")
}

func TestSessionStream(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	req, err := request.New("GET", httpServer.URL+"/gzip?body=streaming+bytes")
	require.NoError(t, err)
	req.Stream = true

	resp, err := s.Do(context.Background(), req)
	require.NoError(t, err)
	it, err := resp.IterContent(4)
	require.NoError(t, err)
	var got []byte
	for it.Next() {
		got = append(got, it.Bytes()...)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, "streaming bytes", string(got))

	_, err = resp.Content()
	require.ErrorIs(t, err, ErrStreamConsumed)
}

func TestSessionHandlers(t *testing.T) {
	var events []Event
	handlers := &HandlerGroup{}
	record := HandlerFunc(func(evt Event, e *Exchange) {
		events = append(events, evt)
	})
	for _, evt := range Events() {
		handlers.PushBack(evt, record)
	}

	s := newTestSession()
	s.Handlers = handlers
	defer s.Close()

	_, err := s.Get(context.Background(), httpServer.URL+"/redirect?to=/status/200&code=302")
	require.NoError(t, err)
	assert.Equal(t, []Event{BeforeSend, BeforeRedirect, OnResponse}, events)
}

func TestSessionClose(t *testing.T) {
	s := newTestSession()
	_, err := s.Get(context.Background(), httpServer.URL+"/status/200")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), httpServer.URL+"/status/200")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestPackageLevelFunctions(t *testing.T) {
	resp, err := Get(context.Background(), httpServer.URL+"/status/200")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = Post(context.Background(), httpServer.URL+"/echo", "body text")
	require.NoError(t, err)
	var payload echoPayload
	require.NoError(t, resp.JSON(&payload))
	assert.Equal(t, "POST", payload.Method)
	assert.Equal(t, "body text", payload.Body)
}

func TestSessionConnectionReuse(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	resp1, err := s.Get(context.Background(), httpServer.URL+"/status/200")
	require.NoError(t, err)
	assert.False(t, resp1.ConnInfo.Reused)

	resp2, err := s.Get(context.Background(), httpServer.URL+"/status/200")
	require.NoError(t, err)
	assert.True(t, resp2.ConnInfo.Reused)
	assert.Equal(t, proto.VersionHTTP11, resp2.Version)
}

func TestClassifyTransport(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classifyTransport(nil, ConnectTimeout))
	})
	t.Run("canceled passes through", func(t *testing.T) {
		err := classifyTransport(context.Canceled, ConnectTimeout)
		assert.Same(t, context.Canceled, err)
	})
	t.Run("request error passes through", func(t *testing.T) {
		orig := reqErr("send", "", errors.New("x"))
		assert.Same(t, orig, classifyTransport(orig, ReadTimeout))
	})
	t.Run("timeout probe", func(t *testing.T) {
		err := classifyTransport(timeoutErr{}, ReadTimeout)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, ReadTimeout, te.Kind)
		assert.True(t, te.Timeout())
	})
	t.Run("connect catch-all", func(t *testing.T) {
		err := classifyTransport(errors.New("tls: bad certificate"), ConnectTimeout)
		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
	})
	t.Run("read errors pass through", func(t *testing.T) {
		orig := errors.New("mid-stream")
		assert.Same(t, orig, classifyTransport(orig, ReadTimeout))
	})
}

func TestH3Fallback(t *testing.T) {
	boom := errors.New("quic: connection gone")
	testCases := []struct {
		name       string
		version    proto.Version
		replayable bool
		err        error
		want       bool
	}{
		{name: "h3 replayable", version: proto.VersionHTTP3, replayable: true, err: boom, want: true},
		{name: "h3 one-shot body", version: proto.VersionHTTP3, replayable: false, err: boom, want: false},
		{name: "h2", version: proto.VersionHTTP2, replayable: true, err: boom, want: false},
		{name: "h1", version: proto.VersionHTTP11, replayable: true, err: boom, want: false},
		{name: "canceled", version: proto.VersionHTTP3, replayable: true, err: context.Canceled, want: false},
		{name: "deadline", version: proto.VersionHTTP3, replayable: true, err: context.DeadlineExceeded, want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.want, h3Fallback(testCase.version, testCase.replayable, testCase.err))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "deadline" }
func (timeoutErr) Timeout() bool { return true }
