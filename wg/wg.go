// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wg implements a channel-enabled WaitGroup. Unlike
// sync.WaitGroup, waiters select on a channel, and so can compose the
// wait with context cancellation or other events. The runtime uses it
// as the initialization rendezvous for worker goroutines.
package wg

import "sync"

// A WaitGroup waits for a collection of goroutines to finish. The
// main goroutine calls Add to set the number of goroutines to wait
// for, then each of the goroutines calls Done when finished. C
// returns a channel that is closed once the count reaches zero.
// A WaitGroup must not be copied after first use.
type WaitGroup struct {
	mu    sync.Mutex
	n     int
	waitc chan struct{}
}

// Add adds delta, which may be negative, to the WaitGroup counter.
// If the counter becomes zero, the channels returned by C are closed.
// If the counter goes negative, Add panics.
//
// Calls with a positive delta that occur when the counter is zero
// must happen before any call to C whose closure they should gate.
func (w *WaitGroup) Add(delta int) {
	w.mu.Lock()
	w.n += delta
	if w.n < 0 {
		panic("wg: negative count")
	}
	var c chan struct{}
	if w.n == 0 {
		c = w.waitc
		w.waitc = nil
	}
	w.mu.Unlock()
	if c != nil {
		close(c)
	}
}

// Done decrements the WaitGroup counter.
func (w *WaitGroup) Done() {
	w.Add(-1)
}

// C returns a channel that is closed when the waitgroup count is 0.
func (w *WaitGroup) C() <-chan struct{} {
	w.mu.Lock()
	if w.n == 0 {
		w.mu.Unlock()
		c := make(chan struct{})
		close(c)
		return c
	}
	c := w.waitc
	if c == nil {
		c = make(chan struct{})
		w.waitc = c
	}
	w.mu.Unlock()
	return c
}

// N returns the current count.
func (w *WaitGroup) N() int {
	w.mu.Lock()
	n := w.n
	w.mu.Unlock()
	return n
}
