// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// T is the type of data items carried along connectors. Task
// implementations assert T to their concrete input type.
type T interface{}

// A Pipeliner is a data item that identifies the pipeline replica it
// originated from. Memory handles implement it; user items flowing
// between replicated graphs may too, so that device-affined tasks and
// memory pools can detect cross-replica references.
type Pipeliner interface {
	PipelineID() int
}

// A Connector is the FIFO edge between tasks. It carries data items
// from one or more producers to one or more consumers, and tracks the
// number of live producers so that consumers observe termination when
// the last producer finishes and the queue drains.
//
// Items from a single producer arrive in production order; items from
// concurrent producers are interleaved but never lost or duplicated.
// Once a connector is terminated it remains terminated, and no
// further items are ever enqueued by the runtime.
type Connector struct {
	mu        sync.Mutex
	cond      *ctxsync.Cond
	queue     []T
	producers int
}

// NewConnector returns a new, empty connector with no registered
// producers.
func NewConnector() *Connector {
	c := new(Connector)
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// Produce enqueues item and wakes blocked consumers.
func (c *Connector) Produce(item T) {
	c.mu.Lock()
	c.queue = append(c.queue, item)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Consume returns the next item in the queue. It blocks while the
// queue is empty and the connector still has live producers. Consume
// returns ok=false only once the connector is terminated (and then
// forever after), or when the context is canceled; callers
// distinguish the two by inspecting ctx.Err. Consume on a nil
// connector reports termination immediately.
func (c *Connector) Consume(ctx context.Context) (item T, ok bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && c.producers > 0 {
		if err := c.cond.Wait(ctx); err != nil {
			return nil, false
		}
	}
	if len(c.queue) == 0 {
		return nil, false
	}
	item = c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return item, true
}

// AddProducer records an additional live producer. Every producer
// registered here must eventually call ProducerDone. All producers of
// a connector are registered before any consumer blocks on it.
func (c *Connector) AddProducer() {
	c.mu.Lock()
	c.producers++
	c.mu.Unlock()
}

// ProducerDone records that one producer has finished. When the last
// producer finishes, all blocked consumers are woken so they can
// observe termination. ProducerDone panics if called more times than
// AddProducer.
func (c *Connector) ProducerDone() {
	c.mu.Lock()
	c.producers--
	if c.producers < 0 {
		c.mu.Unlock()
		panic("taskgraph: connector producer count underflow")
	}
	if c.producers == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Producers returns the number of live producers.
func (c *Connector) Producers() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	n := c.producers
	c.mu.Unlock()
	return n
}

// Terminated tells whether the connector is finished: it has no live
// producers and its queue is empty. Termination is sticky. A nil
// connector is terminated.
func (c *Connector) Terminated() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	done := c.producers == 0 && len(c.queue) == 0
	c.mu.Unlock()
	return done
}

// Len returns the number of items currently queued.
func (c *Connector) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	n := len(c.queue)
	c.mu.Unlock()
	return n
}
