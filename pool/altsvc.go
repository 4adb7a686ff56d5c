// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gogama/niquests/header"
)

// An AltEntry records one unexpired alternative service advertised by
// an origin, per RFC 7838.
type AltEntry struct {
	// Authority is the alternative authority in host:port form, with
	// the host defaulted to the origin's own host when the
	// advertisement left it empty.
	Authority string
	// Protocol is the ALPN protocol identifier, e.g. "h3".
	Protocol string
	// Expires is the instant the advertisement lapses.
	Expires time.Time
}

// AltCache remembers alternative service advertisements per origin. It
// is process-local session state, safe for concurrent use.
type AltCache struct {
	mu      sync.Mutex
	entries map[string]AltEntry

	now func() time.Time
}

// NewAltCache returns an empty cache.
func NewAltCache() *AltCache {
	return &AltCache{
		entries: make(map[string]AltEntry),
		now:     time.Now,
	}
}

// Update records the alternatives an origin advertised via its Alt-Svc
// response header. The special "clear" token invalidates the origin's
// entry. Only HTTP/3 alternatives are retained: nothing else upgrades
// the connection strategy.
func (c *AltCache) Update(origin string, h *header.Map) {
	alts, clear, ok := h.Typed().AltSvc()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if clear {
		delete(c.entries, origin)
		return
	}
	for _, alt := range alts {
		if alt.ProtocolID != "h3" {
			continue
		}
		authority := alt.Authority
		if strings.HasPrefix(authority, ":") {
			if host, _, err := net.SplitHostPort(hostPortOf(origin)); err == nil {
				authority = net.JoinHostPort(host, authority[1:])
			}
		}
		c.entries[origin] = AltEntry{
			Authority: authority,
			Protocol:  alt.ProtocolID,
			Expires:   c.now().Add(alt.MaxAge),
		}
		return
	}
}

// Lookup returns the origin's unexpired HTTP/3 alternative, if any.
// Expired entries are pruned as a side effect.
func (c *AltCache) Lookup(origin string) (AltEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[origin]
	if !ok {
		return AltEntry{}, false
	}
	if !c.now().Before(e.Expires) {
		delete(c.entries, origin)
		return AltEntry{}, false
	}
	return e, true
}

// Invalidate drops the origin's entry, used when the advertised
// alternative turns out to be unreachable.
func (c *AltCache) Invalidate(origin string) {
	c.mu.Lock()
	delete(c.entries, origin)
	c.mu.Unlock()
}

// hostPortOf strips the scheme from an origin string of the form
// "scheme://host:port".
func hostPortOf(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		return origin[i+3:]
	}
	return origin
}
