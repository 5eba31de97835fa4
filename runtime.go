// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"fmt"

	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/taskgraph/wg"
	"golang.org/x/sync/errgroup"
)

// A Runtime executes a finalized graph: it launches one worker
// goroutine per task-manager replica and joins on termination.
// Workers are pinned to their task for the task's entire lifetime.
//
// The zero Runtime is not useful; construct one with NewRuntime. A
// Runtime executes its graph at most once.
type Runtime struct {
	// Graph is the graph to execute.
	Graph *Graph
	// Config modulates execution; see Config.
	Config Config

	group     errgroup.Group
	ready     wg.WaitGroup
	startOnce once.Task
}

// NewRuntime returns a runtime for the given graph. The caller may
// set Config before starting it.
func NewRuntime(g *Graph) *Runtime {
	return &Runtime{Graph: g}
}

// Start finalizes the graph and launches its workers. A task declared
// with thread count k is replicated k-1 times via Task.Copy; the
// replicas share connectors, and every replica's producer counts are
// registered before any worker runs. Start is idempotent;
// configuration errors from finalization are returned and latched.
//
// The context governs the whole execution: canceling it aborts
// blocked workers, which then latch cancellation errors.
func (r *Runtime) Start(ctx context.Context) error {
	return r.startOnce.Do(func() error {
		if err := r.Graph.Init(); err != nil {
			return err
		}
		var workers []*manager
		for _, m := range r.Graph.managers {
			m.log = r.Config.Log.Tee(nil, fmt.Sprintf("%s (%d:%d): ", m.task.Name(), m.pipelineID, m.threadID))
			m.poll = r.Config.PollInterval
			workers = append(workers, m)
			for i := 1; i < m.threads; i++ {
				replica := m.replica(i)
				replica.log = r.Config.Log.Tee(nil, fmt.Sprintf("%s (%d:%d): ", m.task.Name(), m.pipelineID, i))
				replica.addProducerCounts()
				workers = append(workers, replica)
			}
		}
		r.Config.Log.Debugf("%s: launching %d workers", r.Graph.Name(), len(workers))
		r.ready.Add(len(workers))
		for _, w := range workers {
			w := w
			r.group.Go(func() error {
				return w.run(ctx, &r.ready)
			})
		}
		return nil
	})
}

// WaitReady returns once every worker has initialized, or when the
// context is canceled. Callers that must not produce inputs before
// the graph is live wait here after Start.
func (r *Runtime) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker has exited and returns the first
// latched worker error, if any. A clean drain returns nil.
func (r *Runtime) Wait() error {
	return r.group.Wait()
}

// Run starts the runtime and waits for it to finish.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}
