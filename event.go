// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

// An Event identifies the event type when installing or running a
// Handler. Install event handlers in a Session to observe or extend
// the request lifecycle.
type Event int

const (
	// BeforeSend identifies the event that occurs after a request has
	// been fully prepared (headers merged, cookies and auth applied,
	// body encoded) but before any bytes are written to the wire.
	//
	// When Session fires BeforeSend, the exchange's Request field is
	// set to the request that WILL BE sent after all BeforeSend
	// handlers have finished. Handlers may modify it.
	BeforeSend Event = iota
	// BeforeRedirect identifies the event that occurs when a redirect
	// response has been received and the session is about to follow
	// it.
	//
	// When Session fires BeforeRedirect, the exchange's Response field
	// holds the redirect response and its Request field holds the
	// already-rewritten request for the next hop, with sensitive
	// headers scrubbed when the hop leaves the host.
	BeforeRedirect
	// GotEarlyResponse identifies the event that occurs when an
	// interim 1xx response head arrives before the final response.
	//
	// When Session fires GotEarlyResponse, the exchange's Response
	// field holds a head-only Response for the interim status. Its
	// body operations report an empty body.
	GotEarlyResponse
	// OnResponse identifies the event that occurs when the final
	// response head of the exchange has arrived, after all redirects.
	//
	// When Session fires OnResponse, the exchange's Response field is
	// the response that will be returned to the caller. For streamed
	// requests the body has not been read yet.
	OnResponse
	// OnError identifies the event that occurs when the exchange fails
	// with an error instead of a response.
	//
	// When Session fires OnError, the exchange's Err field is set to
	// the error that will be returned to the caller, and its Response
	// field is nil.
	OnError
	// eventSentinel provides the total number of events typed as an
	// Event.
	eventSentinel

	// numEvents provides the total number of events typed as an int.
	numEvents = int(eventSentinel)
)

var eventNames = []string{
	"BeforeSend",
	"BeforeRedirect",
	"GotEarlyResponse",
	"OnResponse",
	"OnError",
}

// Events returns a slice containing all events which can occur during
// a Session exchange, in the order in which they would occur.
func Events() []Event {
	return []Event{
		BeforeSend,
		BeforeRedirect,
		GotEarlyResponse,
		OnResponse,
		OnError,
	}
}

// Name returns the name of the event.
func (evt Event) Name() string {
	return eventNames[int(evt)]
}

// String returns the name of the event.
func (evt Event) String() string {
	return evt.Name()
}
