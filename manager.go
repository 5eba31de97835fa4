// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/taskgraph/errors"
	"github.com/grailbio/taskgraph/log"
	"github.com/grailbio/taskgraph/wg"
)

// A memoryEdge is a named pair of connectors between a getter task
// and a memory manager: buffers flow to the getter on get, and back
// to the manager on release.
type memoryEdge struct {
	get, release *Connector
}

// A manager drives one task on one worker goroutine: it pulls input,
// dispatches to the task, and pushes output. A task declared with
// thread count k is driven by k managers sharing the same input and
// output connectors, each with its own task instance and thread
// ordinal.
type manager struct {
	task         Task
	in, out      *Connector
	threads      int
	threadID     int
	pipelineID   int
	numPipelines int
	memEdges     map[string]memoryEdge

	log  *log.Logger
	poll time.Duration
}

func newManager(task Task, pipelineID, numPipelines int) *manager {
	threads := 1
	if th, ok := task.(Threader); ok && th.NumThreads() > 1 {
		threads = th.NumThreads()
	}
	return &manager{
		task:         task,
		threads:      threads,
		pipelineID:   pipelineID,
		numPipelines: numPipelines,
		memEdges:     make(map[string]memoryEdge),
	}
}

// replica returns a manager for one additional worker of the same
// task. The replica drives its own copy of the task but shares the
// original's connectors and memory edges. The caller registers the
// replica's producer counts before it runs.
func (m *manager) replica(threadID int) *manager {
	return &manager{
		task:         m.task.Copy(),
		in:           m.in,
		out:          m.out,
		threads:      m.threads,
		threadID:     threadID,
		pipelineID:   m.pipelineID,
		numPipelines: m.numPipelines,
		memEdges:     m.memEdges,
		log:          m.log,
		poll:         m.poll,
	}
}

// addProducerCounts registers this worker as a producer on its output
// connector and on the release connector of every memory edge it
// holds. It is called once per replica, before the replica's worker
// starts.
func (m *manager) addProducerCounts() {
	if m.out != nil {
		m.out.AddProducer()
	}
	for _, e := range m.memEdges {
		e.release.AddProducer()
	}
}

// dropProducerCounts is addProducerCounts' counterpart, called once
// when the worker exits, after the task's Shutdown has returned (or
// when the worker dies of a fatal error). Tasks that hold producer
// counts of their own — bookkeepers and pipelines, through their
// schedulers — release them here too, so downstream can always
// drain.
func (m *manager) dropProducerCounts() {
	if m.out != nil {
		m.out.ProducerDone()
	}
	for _, e := range m.memEdges {
		e.release.ProducerDone()
	}
	if d, ok := m.task.(interface{ dropProducers() }); ok {
		d.dropProducers()
	}
}

// run executes the worker loop: initialize, then consume and execute
// until the input drains and the task agrees to terminate, then shut
// down. The returned error, if any, is the worker's latched fatal
// error. ready is decremented once the task has initialized.
func (m *manager) run(ctx context.Context, ready *wg.WaitGroup) (err error) {
	defer m.dropProducerCounts()
	name := m.task.Name()
	if err := m.task.Initialize(ctx, m); err != nil {
		ready.Done()
		return errors.E("initialize", name, errors.Exec, err)
	}
	ready.Done()
	m.log.Debugf("%s: initialized", name)
	if s, ok := m.task.(Starter); ok {
		if err := s.Start(ctx, m); err != nil {
			return errors.E("start", name, errors.Exec, err)
		}
	}
	for {
		item, ok := m.in.Consume(ctx)
		if ok {
			if err := m.task.Execute(ctx, m, item); err != nil {
				return errors.E("execute", name, errors.Exec, err)
			}
			continue
		}
		if ctx.Err() != nil {
			return errors.E("run", name, errors.Canceled, ctx.Err())
		}
		if m.task.CanTerminate(m.in) {
			break
		}
		// The input has drained but the task declines to stop.
		// Back off so that the recheck does not starve runnable
		// workers.
		select {
		case <-ctx.Done():
			return errors.E("run", name, errors.Canceled, ctx.Err())
		case <-time.After(m.pollInterval()):
		}
	}
	m.log.Debugf("%s: shutting down", name)
	if err := m.task.Shutdown(m); err != nil {
		return errors.E("shutdown", name, errors.Exec, err)
	}
	return nil
}

func (m *manager) pollInterval() time.Duration {
	if m.poll > 0 {
		return m.poll
	}
	return defaultPollInterval
}

// The manager is the Worker handle its task sees.

// AddResult implements Worker.
func (m *manager) AddResult(item T) {
	if m.out == nil {
		panic(fmt.Sprintf("taskgraph: task %s produced a result but has no output edge", m.task.Name()))
	}
	m.out.Produce(item)
}

// GetMemory implements Worker.
func (m *manager) GetMemory(ctx context.Context, name string) (*Memory, error) {
	e, ok := m.memEdges[name]
	if !ok {
		return nil, errors.E("get memory", name, errors.NotExist)
	}
	item, ok := e.get.Consume(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, errors.E("get memory", name, errors.Canceled, err)
		}
		return nil, errors.E("get memory", name, errors.Invalid, errors.New("memory pool terminated"))
	}
	h := item.(*Memory)
	if h.alloc != nil && h.buf == nil {
		h.buf = h.alloc.Alloc()
	}
	return h, nil
}

// ReleaseMemory implements Worker.
func (m *manager) ReleaseMemory(h *Memory) {
	h.Release()
}

// HasMemory implements Worker.
func (m *manager) HasMemory(name string) bool {
	_, ok := m.memEdges[name]
	return ok
}

// PipelineID implements Worker.
func (m *manager) PipelineID() int { return m.pipelineID }

// NumPipelines implements Worker.
func (m *manager) NumPipelines() int { return m.numPipelines }

// ThreadID implements Worker.
func (m *manager) ThreadID() int { return m.threadID }

// Threads implements Worker.
func (m *manager) Threads() int { return m.threads }

// Input implements Worker.
func (m *manager) Input() *Connector { return m.in }

// Output implements Worker.
func (m *manager) Output() *Connector { return m.out }

// Log implements Worker.
func (m *manager) Log() *log.Logger { return m.log }
