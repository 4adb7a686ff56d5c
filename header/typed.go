// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package header

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Values is a deserialized, typed view onto a header Map. Well-known
// headers parse into structured values; anything else is available via
// the Raw accessor. All lookups are case-insensitive.
type Values struct {
	m *Map
}

// Typed returns a typed view onto the map.
func (m *Map) Typed() Values {
	return Values{m: m}
}

// Raw returns the folded raw value of an arbitrary header, and whether
// the header is present.
func (v Values) Raw(name string) (string, bool) {
	return v.m.Fold(name)
}

// A ContentType is a parsed Content-Type header value.
type ContentType struct {
	// MediaType is the type/subtype, lowercased, e.g. "text/html".
	MediaType string
	// Params holds the media type parameters, keys lowercased.
	Params map[string]string
}

// Charset returns the charset parameter, or the empty string.
func (ct ContentType) Charset() string {
	return ct.Params["charset"]
}

// Boundary returns the boundary parameter, or the empty string.
func (ct ContentType) Boundary() string {
	return ct.Params["boundary"]
}

// IsJSON reports whether the media type denotes a JSON payload:
// application/json or any type with a +json structured syntax suffix.
func (ct ContentType) IsJSON() bool {
	return ct.MediaType == "application/json" || strings.HasSuffix(ct.MediaType, "+json")
}

// ContentType parses the Content-Type header. ok is false when the
// header is absent or unparseable.
func (v Values) ContentType() (ct ContentType, ok bool) {
	raw := v.m.Get("Content-Type")
	if raw == "" {
		return ContentType{}, false
	}
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return ContentType{}, false
	}
	return ContentType{MediaType: mt, Params: params}, true
}

// Date parses the Date header as an HTTP-date. ok is false when the
// header is absent or malformed.
func (v Values) Date() (t time.Time, ok bool) {
	raw := v.m.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// LastModified parses the Last-Modified header as an HTTP-date.
func (v Values) LastModified() (t time.Time, ok bool) {
	raw := v.m.Get("Last-Modified")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ContentLength parses the Content-Length header. ok is false when the
// header is absent, repeated with conflicting values, or not a valid
// non-negative integer.
func (v Values) ContentLength() (n int64, ok bool) {
	vs := v.m.Values("Content-Length")
	if len(vs) == 0 {
		return 0, false
	}
	first := strings.TrimSpace(vs[0])
	for _, s := range vs[1:] {
		if strings.TrimSpace(s) != first {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Location returns the Location header.
func (v Values) Location() (string, bool) {
	raw := v.m.Get("Location")
	return raw, raw != ""
}

// An AltService is one alternative advertised by an Alt-Svc header
// value per RFC 7838 §3.
type AltService struct {
	// ProtocolID is the ALPN protocol identifier, e.g. "h3".
	ProtocolID string
	// Authority is the alternative authority in host:port form. The
	// host part may be empty, meaning the origin's own host.
	Authority string
	// MaxAge is the freshness lifetime of the entry.
	MaxAge time.Duration
	// Persist is true when the persist=1 parameter was present.
	Persist bool
}

const altSvcDefaultMaxAge = 24 * time.Hour

// AltSvc parses the Alt-Svc header into the advertised alternative
// services, in declaration order. clear is true when the header value
// is the special token "clear", which invalidates all alternatives.
func (v Values) AltSvc() (alts []AltService, clear bool, ok bool) {
	raw, present := v.m.Fold("Alt-Svc")
	if !present {
		return nil, false, false
	}
	if strings.TrimSpace(raw) == "clear" {
		return nil, true, true
	}
	for _, part := range strings.Split(raw, ",") {
		alt, err := parseAltValue(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		alts = append(alts, alt)
	}
	return alts, false, len(alts) > 0
}

func parseAltValue(s string) (AltService, error) {
	alt := AltService{MaxAge: altSvcDefaultMaxAge}
	first := true
	for _, param := range strings.Split(s, ";") {
		param = strings.TrimSpace(param)
		eq := strings.IndexByte(param, '=')
		if eq < 0 {
			return AltService{}, errMalformedAltSvc
		}
		name, val := param[:eq], strings.Trim(param[eq+1:], `"`)
		switch {
		case first:
			alt.ProtocolID, alt.Authority = name, val
			first = false
		case name == "ma":
			secs, err := strconv.Atoi(val)
			if err != nil {
				return AltService{}, errMalformedAltSvc
			}
			alt.MaxAge = time.Duration(secs) * time.Second
		case name == "persist":
			alt.Persist = val == "1"
		}
	}
	if alt.ProtocolID == "" {
		return AltService{}, errMalformedAltSvc
	}
	return alt, nil
}

var errMalformedAltSvc = errors.New("header: malformed Alt-Svc value")

// SetCookies parses every Set-Cookie field into cookies, in wire
// order. Malformed fields are skipped, matching browser behavior.
func (v Values) SetCookies() []*http.Cookie {
	vs := v.m.Values("Set-Cookie")
	if len(vs) == 0 {
		return nil
	}
	// net/http does not export its Set-Cookie parser directly, so
	// bridge through a throwaway response.
	r := &http.Response{Header: http.Header{"Set-Cookie": vs}}
	return r.Cookies()
}

// A ReportGroup is a parsed Report-To header endpoint group.
type ReportGroup struct {
	Group     string
	MaxAge    time.Duration
	Endpoints []string
}

// ReportTo parses the Report-To header. The header value is one JSON
// object per group, joined by commas, which together form a valid JSON
// array body.
func (v Values) ReportTo() (groups []ReportGroup, ok bool) {
	raw, present := v.m.Fold("Report-To")
	if !present {
		return nil, false
	}
	var parsed []struct {
		Group     string `json:"group"`
		MaxAge    int64  `json:"max_age"`
		Endpoints []struct {
			URL string `json:"url"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal([]byte("["+raw+"]"), &parsed); err != nil {
		return nil, false
	}
	for _, p := range parsed {
		g := ReportGroup{Group: p.Group, MaxAge: time.Duration(p.MaxAge) * time.Second}
		if g.Group == "" {
			g.Group = "default"
		}
		for _, ep := range p.Endpoints {
			if ep.URL != "" {
				g.Endpoints = append(g.Endpoints, ep.URL)
			}
		}
		if len(g.Endpoints) > 0 {
			groups = append(groups, g)
		}
	}
	return groups, len(groups) > 0
}
