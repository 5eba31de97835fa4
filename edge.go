// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"github.com/grailbio/taskgraph/errors"
)

// An edgeDescriptor is a deferred wiring instruction. Descriptors are
// recorded as the graph is built and applied in registration order
// when the graph is finalized. When a graph is cloned, each
// descriptor produces a copy of itself whose endpoints are resolved
// through the clone's task identity map, and the copy is applied
// against the clone.
type edgeDescriptor interface {
	apply(g *Graph) error
	copy(g *Graph) (edgeDescriptor, error)
}

// producerConsumerEdge connects one task's output connector to
// another task's input connector, creating the connector if neither
// side has one yet.
type producerConsumerEdge struct {
	producer, consumer Task
}

func (e producerConsumerEdge) apply(g *Graph) error {
	pm := g.manager(e.producer)
	cm := g.manager(e.consumer)
	if pm.out != nil {
		return errors.E("add edge", e.producer.Name(), errors.Config,
			errors.Errorf("task already produces to another edge; tasks have a single output"))
	}
	conn := cm.in
	if conn == nil {
		conn = NewConnector()
		cm.in = conn
	}
	conn.AddProducer()
	pm.out = conn
	return nil
}

func (e producerConsumerEdge) copy(g *Graph) (edgeDescriptor, error) {
	producer, err := g.copyOf(e.producer)
	if err != nil {
		return nil, err
	}
	consumer, err := g.copyOf(e.consumer)
	if err != nil {
		return nil, err
	}
	return producerConsumerEdge{producer, consumer}, nil
}

// ruleEdge attaches a rule to a bookkeeper, materializing a scheduler
// bound to the consumer's input connector. The rule itself is never
// copied: clones share it, and it must serialize its own state.
type ruleEdge struct {
	bookkeeper *Bookkeeper
	rule       Rule
	consumer   Task
}

func (e ruleEdge) apply(g *Graph) error {
	g.manager(e.bookkeeper)
	cm := g.manager(e.consumer)
	conn := cm.in
	if conn == nil {
		conn = NewConnector()
		cm.in = conn
	}
	conn.AddProducer()
	e.bookkeeper.add(&ruleScheduler{rule: e.rule, out: conn, pipelineID: g.pipelineID})
	return nil
}

func (e ruleEdge) copy(g *Graph) (edgeDescriptor, error) {
	bk, err := g.copyOf(e.bookkeeper)
	if err != nil {
		return nil, err
	}
	consumer, err := g.copyOf(e.consumer)
	if err != nil {
		return nil, err
	}
	return ruleEdge{bk.(*Bookkeeper), e.rule, consumer}, nil
}

// memoryEdgeDescriptor establishes the get/release connector pair
// between a getter task and a memory manager, and attaches the named
// edge to the getter.
type memoryEdgeDescriptor struct {
	name   string
	getter Task
	mm     *MemoryManager
}

func (e memoryEdgeDescriptor) apply(g *Graph) error {
	if !g.hasTask(e.getter) {
		return errors.E("add memory edge", e.name, errors.Config,
			errors.Errorf("getter %s is not in the graph", e.getter.Name()))
	}
	gm := g.manager(e.getter)
	if _, ok := gm.memEdges[e.name]; ok {
		return errors.E("add memory edge", e.name, errors.Config,
			errors.Errorf("getter %s already has a memory edge named %s", e.getter.Name(), e.name))
	}
	mm := g.manager(e.mm)
	if mm.in != nil || mm.out != nil {
		return errors.E("add memory edge", e.name, errors.Config,
			errors.Errorf("memory manager %s is already connected; managers may not be reused", e.mm.Name()))
	}
	getConn, releaseConn := NewConnector(), NewConnector()
	mm.in = releaseConn
	mm.out = getConn
	getConn.AddProducer()
	releaseConn.AddProducer()
	gm.memEdges[e.name] = memoryEdge{get: getConn, release: releaseConn}
	return nil
}

func (e memoryEdgeDescriptor) copy(g *Graph) (edgeDescriptor, error) {
	getter, err := g.copyOf(e.getter)
	if err != nil {
		return nil, err
	}
	mm, err := g.copyOf(e.mm)
	if err != nil {
		return nil, err
	}
	return memoryEdgeDescriptor{e.name, getter, mm.(*MemoryManager)}, nil
}

// graphConsumerEdge marks a task as the consumer of the graph's
// external input connector.
type graphConsumerEdge struct {
	task Task
}

func (e graphConsumerEdge) apply(g *Graph) error {
	m := g.manager(e.task)
	if m.in != nil {
		return errors.E("set consumer", e.task.Name(), errors.Config,
			errors.Errorf("task already has an input edge"))
	}
	m.in = g.input
	return nil
}

func (e graphConsumerEdge) copy(g *Graph) (edgeDescriptor, error) {
	task, err := g.copyOf(e.task)
	if err != nil {
		return nil, err
	}
	return graphConsumerEdge{task}, nil
}

// graphProducerEdge marks a task as a producer of the graph's
// external output connector.
type graphProducerEdge struct {
	task Task
}

func (e graphProducerEdge) apply(g *Graph) error {
	m := g.manager(e.task)
	if m.out != nil {
		return errors.E("add producer", e.task.Name(), errors.Config,
			errors.Errorf("task already produces to another edge"))
	}
	m.out = g.output
	g.output.AddProducer()
	return nil
}

func (e graphProducerEdge) copy(g *Graph) (edgeDescriptor, error) {
	task, err := g.copyOf(e.task)
	if err != nil {
		return nil, err
	}
	return graphProducerEdge{task}, nil
}
