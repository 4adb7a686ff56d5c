// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cookie

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/gogama/niquests/header"
)

// A Cookie is one stored cookie together with its RFC 6265 metadata.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time // zero means a session cookie
	Secure   bool
	HttpOnly bool
	HostOnly bool
	SameSite http.SameSite
	Created  time.Time
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

func (c *Cookie) key() string {
	return c.Domain + ";" + c.Path + ";" + c.Name
}

// A Jar stores cookies for a session. The zero value is an empty jar
// ready for use. Jar is safe for concurrent use by multiple
// goroutines.
type Jar struct {
	mu      sync.Mutex
	entries map[string]Cookie // keyed (domain, path, name)

	// now is a test seam; nil means time.Now.
	now func() time.Time
}

func (j *Jar) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

// Set stores one cookie as if it had been received in a response from
// u. A cookie with a Max-Age or Expires in the past removes any stored
// cookie with the same (domain, path, name).
func (j *Jar) Set(u *url.URL, c *http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.set(u, c)
}

// UpdateFromResponse stores every Set-Cookie field of a response
// header map received from u.
func (j *Jar) UpdateFromResponse(u *url.URL, h *header.Map) {
	cookies := h.Typed().SetCookies()
	if len(cookies) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		j.set(u, c)
	}
}

func (j *Jar) set(u *url.URL, c *http.Cookie) {
	if c.Name == "" {
		return
	}
	host := hostOnly(u.Host)
	now := j.clock()

	stored := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		SameSite: c.SameSite,
		Created:  now,
	}

	// Expiry per RFC 6265 §5.2.1/§5.2.2: Max-Age wins over Expires.
	if c.MaxAge < 0 {
		stored.Expires = now.Add(-time.Second)
	} else if c.MaxAge > 0 {
		stored.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	} else if !c.Expires.IsZero() {
		stored.Expires = c.Expires
	}

	// Domain attribute per §5.2.3 and the §5.3 public suffix guard.
	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	if domain == "" {
		stored.Domain = host
		stored.HostOnly = true
	} else {
		if !domainMatch(host, domain) {
			return
		}
		if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain && domain != host {
			return
		}
		stored.Domain = domain
	}

	// Default path per §5.1.4.
	if c.Path == "" || c.Path[0] != '/' {
		stored.Path = defaultPath(u.Path)
	} else {
		stored.Path = c.Path
	}

	if j.entries == nil {
		j.entries = make(map[string]Cookie)
	}
	k := stored.key()
	if prior, ok := j.entries[k]; ok {
		stored.Created = prior.Created
	}
	if stored.expired(now) {
		delete(j.entries, k)
		return
	}
	j.entries[k] = stored
}

// CookiesFor returns the cookies to attach to a request for u,
// following the RFC 6265 §5.4 matching and ordering rules: matching
// cookies are returned longest-path first, ties broken by earliest
// creation time.
func (j *Jar) CookiesFor(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	host := hostOnly(u.Host)
	secure := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}
	now := j.clock()

	var matched []Cookie
	for _, c := range j.entries {
		if c.expired(now) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		if c.HostOnly {
			if host != c.Domain {
				continue
			}
		} else if !domainMatch(host, c.Domain) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, k int) bool {
		if len(matched[i].Path) != len(matched[k].Path) {
			return len(matched[i].Path) > len(matched[k].Path)
		}
		return matched[i].Created.Before(matched[k].Created)
	})
	out := make([]*http.Cookie, len(matched))
	for i, c := range matched {
		out[i] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return out
}

// Iterate calls f for every stored, unexpired cookie until f returns
// false. The iteration order is unspecified.
func (j *Jar) Iterate(f func(Cookie) bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock()
	for _, c := range j.entries {
		if c.expired(now) {
			continue
		}
		if !f(c) {
			return
		}
	}
}

// Len returns the number of stored, unexpired cookies.
func (j *Jar) Len() int {
	n := 0
	j.Iterate(func(Cookie) bool { n++; return true })
	return n
}

// ClearExpired removes expired cookies and returns the number removed.
func (j *Jar) ClearExpired() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock()
	n := 0
	for k, c := range j.entries {
		if c.expired(now) {
			delete(j.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every cookie whose domain matches domain (exact match
// or subdomain). An empty domain clears the whole jar.
func (j *Jar) Clear(domain string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if domain == "" {
		j.entries = nil
		return
	}
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	for k, c := range j.entries {
		if c.Domain == domain || strings.HasSuffix(c.Domain, "."+domain) {
			delete(j.entries, k)
		}
	}
}

// domainMatch implements RFC 6265 §5.1.3. An IP address host only
// matches exactly.
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// pathMatch implements RFC 6265 §5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath implements RFC 6265 §5.1.4.
func defaultPath(reqPath string) string {
	if reqPath == "" || reqPath[0] != '/' {
		return "/"
	}
	i := strings.LastIndexByte(reqPath, '/')
	if i == 0 {
		return "/"
	}
	return reqPath[:i]
}

func hostOnly(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
