// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"

	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/taskgraph/errors"
)

// A Graph owns a set of tasks and the edges between them, together
// with the external input and output connectors through which the
// caller feeds and drains it. Edges are recorded declaratively with
// the Add/Set builder operations and materialized by Init; a graph
// must be finalized with Init (directly, or through Runtime.Start)
// before it runs.
//
// Every task is owned by exactly one graph. Cloning a graph — with
// Copy, or implicitly inside an ExecutionPipeline — copies every task
// via Task.Copy and re-applies the recorded edges against the copies,
// so clones share no mutable state except Rules, which are shared
// deliberately.
type Graph struct {
	name         string
	pipelineID   int
	numPipelines int
	input        *Connector
	output       *Connector
	managers     []*manager
	edges        []edgeDescriptor
	// copies maps the source graph's tasks to this graph's copies
	// while edges are re-applied during cloning.
	copies map[Task]Task
	// external tells whether the graph's input is fed by the caller,
	// as opposed to a pipeline's decomposition schedulers.
	external    bool
	hasConsumer bool
	initOnce    once.Task
}

// NewGraph returns a new, empty graph with the given diagnostic name.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		numPipelines: 1,
		input:        NewConnector(),
		output:       NewConnector(),
		external:     true,
	}
}

// Name returns the graph's diagnostic name.
func (g *Graph) Name() string { return g.name }

// manager returns the task's manager, creating one if the task has
// not been seen before.
func (g *Graph) manager(t Task) *manager {
	for _, m := range g.managers {
		if m.task == t {
			return m
		}
	}
	m := newManager(t, g.pipelineID, g.numPipelines)
	g.managers = append(g.managers, m)
	return m
}

func (g *Graph) hasTask(t Task) bool {
	for _, m := range g.managers {
		if m.task == t {
			return true
		}
	}
	return false
}

// copyOf resolves a source task to its copy in this (cloned) graph.
func (g *Graph) copyOf(t Task) (Task, error) {
	c, ok := g.copies[t]
	if !ok {
		return nil, errors.E("copy edge", g.name, errors.Config,
			errors.Errorf("task %s is not in the graph", t.Name()))
	}
	return c, nil
}

// SetConsumer attaches the task that consumes the graph's external
// input. The caller then feeds the graph with Produce and signals the
// end of input with FinishedProducing.
func (g *Graph) SetConsumer(t Task) {
	g.hasConsumer = true
	g.edges = append(g.edges, graphConsumerEdge{t})
}

// AddProducer attaches a task whose output is the graph's external
// output. Multiple producers merge into the output connector.
func (g *Graph) AddProducer(t Task) {
	g.edges = append(g.edges, graphProducerEdge{t})
}

// AddEdge connects producer's output to consumer's input.
func (g *Graph) AddEdge(producer, consumer Task) {
	g.edges = append(g.edges, producerConsumerEdge{producer, consumer})
}

// AddRuleEdge attaches rule to the bookkeeper, routing the rule's
// emissions to consumer's input. Rules attached to a bookkeeper are
// evaluated in the order their edges were added.
func (g *Graph) AddRuleEdge(bookkeeper *Bookkeeper, rule Rule, consumer Task) {
	g.edges = append(g.edges, ruleEdge{bookkeeper, rule, consumer})
}

// AddMemoryEdge establishes the named memory edge between getter and
// mm. The getter must already be wired into the graph by an earlier
// edge. The name must be unique among getter's memory edges, and mm
// must not be connected anywhere else; violations surface as Config
// errors when the graph is finalized.
func (g *Graph) AddMemoryEdge(name string, getter Task, mm *MemoryManager) {
	g.edges = append(g.edges, memoryEdgeDescriptor{name, getter, mm})
}

// AddExecutionPipeline returns an ExecutionPipeline task that
// replicates inner n times, routing inputs to replicas per the given
// decomposition rules. The pipeline is a task in this graph; the
// caller wires it like any other with SetConsumer, AddProducer or
// AddEdge.
func (g *Graph) AddExecutionPipeline(n int, inner *Graph, rules ...DecompositionRule) *ExecutionPipeline {
	p := newExecutionPipeline(n, inner, rules)
	g.manager(p)
	return p
}

// Init finalizes the graph: it materializes every recorded edge, in
// registration order, and registers the caller as a producer on the
// external input. Init is idempotent; configuration errors are
// reported from the first call and latched.
func (g *Graph) Init() error {
	return g.initOnce.Do(func() error {
		for _, e := range g.edges {
			if err := e.apply(g); err != nil {
				return err
			}
		}
		if g.hasConsumer && g.external {
			g.input.AddProducer()
		}
		return nil
	})
}

// Copy clones the graph: every task is copied via Task.Copy and every
// edge re-applied against the copies. The clone has fresh external
// connectors and is fed by its own caller.
func (g *Graph) Copy() (*Graph, error) {
	return g.clone(g.pipelineID, g.numPipelines, nil, nil, true)
}

// clone builds a copy of the graph for the given pipeline slot. When
// output is non-nil the clone produces into it instead of a fresh
// connector; execution pipelines use this to merge replica outputs.
// When external is false, the caller-producer registration on the
// input connector is suppressed and the creator registers its own
// producers.
func (g *Graph) clone(pipelineID, numPipelines int, input, output *Connector, external bool) (*Graph, error) {
	c := &Graph{
		name:         g.name,
		pipelineID:   pipelineID,
		numPipelines: numPipelines,
		input:        input,
		output:       output,
		copies:       make(map[Task]Task),
		external:     external,
		hasConsumer:  g.hasConsumer,
	}
	if c.input == nil {
		c.input = NewConnector()
	}
	if c.output == nil {
		c.output = NewConnector()
	}
	for _, m := range g.managers {
		c.copies[m.task] = m.task.Copy()
	}
	// Tasks referenced only by pending edge descriptors have no
	// manager yet; copy them too.
	for _, e := range g.edges {
		for _, t := range edgeTasks(e) {
			if _, ok := c.copies[t]; !ok {
				c.copies[t] = t.Copy()
			}
		}
	}
	err := c.initOnce.Do(func() error {
		for _, e := range g.edges {
			ec, err := e.copy(c)
			if err != nil {
				return err
			}
			if err := ec.apply(c); err != nil {
				return err
			}
			c.edges = append(c.edges, ec)
		}
		if c.hasConsumer && c.external {
			c.input.AddProducer()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// edgeTasks returns the task endpoints captured by an edge
// descriptor.
func edgeTasks(e edgeDescriptor) []Task {
	switch e := e.(type) {
	case producerConsumerEdge:
		return []Task{e.producer, e.consumer}
	case ruleEdge:
		return []Task{e.bookkeeper, e.consumer}
	case memoryEdgeDescriptor:
		return []Task{e.getter, e.mm}
	case graphConsumerEdge:
		return []Task{e.task}
	case graphProducerEdge:
		return []Task{e.task}
	}
	return nil
}

// Produce enqueues an item on the graph's external input.
func (g *Graph) Produce(item T) {
	g.input.Produce(item)
}

// FinishedProducing signals that the caller will produce no more
// input. It must be called exactly once, after Init, for graphs with
// a consumer task; the graph cannot otherwise drain.
func (g *Graph) FinishedProducing() {
	g.input.ProducerDone()
}

// Consume returns the next item from the graph's external output,
// blocking until one is available. It returns ok=false once every
// producing task has finished and the output has drained.
func (g *Graph) Consume(ctx context.Context) (T, bool) {
	return g.output.Consume(ctx)
}

// Input returns the graph's external input connector.
func (g *Graph) Input() *Connector { return g.input }

// Output returns the graph's external output connector.
func (g *Graph) Output() *Connector { return g.output }
