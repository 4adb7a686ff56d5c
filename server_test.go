// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gogama/niquests/request"
)

// The root package tests run against live httptest servers: an
// unencrypted HTTP/1.1 server and a TLS server with h2 enabled, both
// serving the same handler. HTTP/3 is covered by the pool and proto
// tests; httptest cannot serve QUIC.
var httpServer = httptest.NewUnstartedServer(http.HandlerFunc(serverHandler))
var http2Server = httptest.NewUnstartedServer(http.HandlerFunc(serverHandler))

func TestMain(m *testing.M) {
	httpServer.Start()
	defer httpServer.Close()
	http2Server.EnableHTTP2 = true
	http2Server.StartTLS()
	defer http2Server.Close()
	waitForServerStart(httpServer)
	waitForServerStart(http2Server)
	os.Exit(m.Run())
}

// newTestSession returns a session suitable for talking to the test
// servers: certificate verification off (httptest uses a self-signed
// certificate) and HTTP/3 out of negotiation.
func newTestSession() *Session {
	return &Session{
		Verify:       request.Bool(false),
		DisableHTTP3: true,
	}
}

func waitForServerStart(server *httptest.Server) {
	s := newTestSession()
	defer s.Close()
	var lastErr error
	for i := 0; i < 50; i++ {
		resp, err := s.Get(context.Background(), server.URL+"/status/200")
		if err == nil && resp.StatusCode == 200 {
			return
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	panic(fmt.Sprintf("test server %s did not start: %v", server.URL, lastErr))
}

// echoPayload is what the /echo endpoint reports back about the
// request it received.
type echoPayload struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func serverHandler(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/echo":
		echoHandler(w, req)
	case req.URL.Path == "/redirect":
		code, _ := strconv.Atoi(req.URL.Query().Get("code"))
		if code == 0 {
			code = 302
		}
		w.Header().Set("Location", req.URL.Query().Get("to"))
		w.WriteHeader(code)
	case req.URL.Path == "/loop":
		w.Header().Set("Location", "/loop")
		w.WriteHeader(302)
	case req.URL.Path == "/slow":
		ms, _ := strconv.Atoi(req.URL.Query().Get("d"))
		time.Sleep(time.Duration(ms) * time.Millisecond)
		_, _ = io.WriteString(w, "done")
	case req.URL.Path == "/cookie/set":
		http.SetCookie(w, &http.Cookie{
			Name:  req.URL.Query().Get("name"),
			Value: req.URL.Query().Get("value"),
			Path:  "/",
		})
		w.WriteHeader(200)
	case req.URL.Path == "/gzip":
		serveGzip(w, req.URL.Query().Get("body"))
	case req.URL.Path == "/charset":
		serveCharset(w)
	case strings.HasPrefix(req.URL.Path, "/status/"):
		code, err := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/status/"))
		if err != nil {
			code = 500
		}
		w.WriteHeader(code)
		_, _ = io.WriteString(w, http.StatusText(code))
	default:
		w.WriteHeader(404)
	}
}

func echoHandler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		w.WriteHeader(400)
		return
	}
	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		headers[name] = strings.Join(values, ", ")
	}
	payload := echoPayload{
		Method:  req.Method,
		URI:     req.RequestURI,
		Headers: headers,
		Body:    string(body),
	}
	b, err := json.Marshal(&payload)
	if err != nil {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func serveGzip(w http.ResponseWriter, body string) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = io.WriteString(zw, body)
	_ = zw.Close()
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// serveCharset returns a Latin-1 body with a matching Content-Type.
func serveCharset(w http.ResponseWriter) {
	body := []byte{'c', 'a', 'f', 0xE9} // "café" in ISO-8859-1
	w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

// echoOf issues req through s and decodes the /echo payload.
func echoOf(t *testing.T, s *Session, req *request.Request) (*Response, echoPayload) {
	t.Helper()
	resp, err := s.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("echo request failed: %v", err)
	}
	var payload echoPayload
	if err := resp.JSON(&payload); err != nil {
		t.Fatalf("echo payload did not decode: %v", err)
	}
	return resp, payload
}
