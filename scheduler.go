// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"context"
	"errors"
	"sync"
)

// scheduler tracks the session's outstanding promises in arrival
// (FIFO) order and turns completion events into wakeups for Gather.
// Each exchange runs in its own goroutine; the scheduler never drives
// I/O itself, it only accounts for completions.
type scheduler struct {
	mu     sync.Mutex
	fifo   []*Promise
	notify chan struct{} // closed and replaced on every completion
}

func newScheduler() *scheduler {
	return &scheduler{notify: make(chan struct{})}
}

func (sc *scheduler) register(p *Promise) {
	sc.mu.Lock()
	sc.fifo = append(sc.fifo, p)
	sc.mu.Unlock()
}

// completed broadcasts one completion to every waiter.
func (sc *scheduler) completed() {
	sc.mu.Lock()
	close(sc.notify)
	sc.notify = make(chan struct{})
	sc.mu.Unlock()
}

// snapshot returns the outstanding promises in arrival order, pruning
// fully resolved ones from the registry.
func (sc *scheduler) snapshot() []*Promise {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	kept := sc.fifo[:0]
	for _, p := range sc.fifo {
		if !(p.settled.Load() && p.gathered.Load()) {
			kept = append(kept, p)
		}
	}
	sc.fifo = kept
	return append([]*Promise(nil), kept...)
}

func (sc *scheduler) waitChan() <-chan struct{} {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.notify
}

// gatherAll resolves every outstanding promise in arrival order.
func (sc *scheduler) gatherAll(ctx context.Context) error {
	var errs []error
	for _, p := range sc.snapshot() {
		select {
		case <-p.done:
			p.gathered.Store(true)
			if p.err != nil {
				errs = append(errs, p.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return joinErrs(errs)
}

// gatherN resolves at most n outstanding promises, in completion
// order: whichever exchanges settle first are the ones gathered.
func (sc *scheduler) gatherN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	var errs []error
	gathered := 0
	for gathered < n {
		// Take the wait channel before scanning: a completion between
		// the scan and the wait then closes this channel rather than
		// being lost.
		wait := sc.waitChan()
		pending := sc.snapshot()
		if len(pending) == 0 {
			break
		}
		progress := false
		for _, p := range pending {
			if gathered == n {
				break
			}
			if p.settled.Load() && !p.gathered.Load() {
				p.gathered.Store(true)
				gathered++
				progress = true
				if p.err != nil {
					errs = append(errs, p.err)
				}
			}
		}
		if gathered == n || progress {
			continue
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return joinErrs(errs)
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
