// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerGroup(t *testing.T) {
	var evts []string
	var exchanges []*Exchange
	h1 := &testHandler{seq: 1, evts: &evts, exchanges: &exchanges}
	h2 := &testHandler{seq: 2, evts: &evts, exchanges: &exchanges}
	g := &HandlerGroup{}
	t.Run("PushBack", func(t *testing.T) {
		assert.Panics(t, func() { g.PushBack(BeforeSend, nil) })
		assert.Panics(t, func() { g.PushBack(Event(123), h1) })
		g.PushBack(BeforeSend, h1)
		g.PushBack(BeforeSend, h2)
		g.PushBack(OnResponse, h1)
	})
	t.Run("run", func(t *testing.T) {
		e1 := &Exchange{Hop: 0}
		e2 := &Exchange{Hop: 1}
		assert.Empty(t, evts)
		assert.Empty(t, exchanges)
		g.run(OnError, e1)
		assert.Empty(t, evts)
		assert.Empty(t, exchanges)
		g.run(BeforeSend, e1)
		assert.Equal(t, []string{"1.BeforeSend", "2.BeforeSend"}, evts)
		assert.Equal(t, []*Exchange{e1, e1}, exchanges)
		evts = evts[:0]
		exchanges = exchanges[:0]
		g.run(OnResponse, e2)
		assert.Equal(t, []string{"1.OnResponse"}, evts)
		assert.Equal(t, []*Exchange{e2}, exchanges)
		evts = evts[:0]
		exchanges = exchanges[:0]
		g.run(BeforeSend, e2)
		assert.Equal(t, []string{"1.BeforeSend", "2.BeforeSend"}, evts)
		assert.Equal(t, []*Exchange{e2, e2}, exchanges)
	})
	t.Run("nil group", func(t *testing.T) {
		var nilGroup *HandlerGroup
		assert.NotPanics(t, func() { nilGroup.run(BeforeSend, &Exchange{}) })
	})
}

type testHandler struct {
	seq       int
	evts      *[]string
	exchanges *[]*Exchange
}

func (h *testHandler) Handle(evt Event, e *Exchange) {
	*h.evts = append(*h.evts, fmt.Sprintf("%d.%s", h.seq, evt))
	*h.exchanges = append(*h.exchanges, e)
}

func TestHandlerFunc(t *testing.T) {
	var _evt Event
	var _e *Exchange
	var f = func(evt Event, e *Exchange) {
		_evt = evt
		_e = e
	}
	h := HandlerFunc(f)
	x := &Exchange{}
	h.Handle(GotEarlyResponse, x)

	assert.Equal(t, GotEarlyResponse, _evt)
	assert.Same(t, x, _e)
}
