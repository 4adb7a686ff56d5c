// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"github.com/gogama/niquests/request"
)

// An Exchange is the mutable state of one logical send, passed to
// event handlers as it progresses through the request lifecycle.
type Exchange struct {
	// Request is the request for the hop about to be (or just) sent.
	Request *request.Request
	// Response is set once a response head is available for the
	// current event; see the Event documentation for which events
	// carry it.
	Response *Response
	// Err is set only for OnError.
	Err error
	// Hop counts redirects followed so far, zero on the first send.
	Hop int
}

// A HandlerGroup is a group of event handler chains which can be
// installed in a Session.
type HandlerGroup struct {
	handlers [][]Handler
}

// PushBack adds an event handler to the back of the event handler chain
// for a specific event type.
func (g *HandlerGroup) PushBack(evt Event, h Handler) {
	if h == nil {
		panic("niquests: nil handler")
	}

	if g.handlers == nil {
		g.handlers = make([][]Handler, numEvents)
	}

	g.handlers[evt] = append(g.handlers[evt], h)
}

func (g *HandlerGroup) run(evt Event, e *Exchange) {
	if g == nil {
		return
	}
	i := int(evt)
	if i < len(g.handlers) {
		run(g.handlers[i], evt, e)
	}
}

func run(chain []Handler, evt Event, e *Exchange) {
	for _, h := range chain {
		h.Handle(evt, e)
	}
}

// A Handler handles the occurrence of an event during an exchange.
type Handler interface {
	Handle(Event, *Exchange)
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as event handlers. If f is a function with appropriate
// signature, then HandlerFunc(f) is a Handler that calls f.
type HandlerFunc func(Event, *Exchange)

// Handle calls f(evt, e).
func (f HandlerFunc) Handle(evt Event, e *Exchange) {
	f(evt, e)
}
