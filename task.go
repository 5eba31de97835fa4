// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"

	"github.com/grailbio/taskgraph/log"
)

// A Task is a user-defined transformer bound to one worker goroutine
// per replica. The worker drives the task through its lifecycle:
// Initialize once, Execute per input item, then Shutdown after the
// input has drained and CanTerminate agreed. Tasks produce output and
// interact with their memory edges through the Worker handle passed
// to each hook.
//
// An error returned from Initialize or Execute is fatal: the worker
// latches it, drops its producer counts so that downstream tasks can
// drain, and exits. There is no retry.
//
// Tasks must be comparable (in practice, pointers): the graph
// identifies a task's manager by the task's identity.
type Task interface {
	// Name returns a diagnostic label for the task.
	Name() string
	// Initialize is called once per worker, on the worker's
	// goroutine, before any call to Execute.
	Initialize(ctx context.Context, w Worker) error
	// Execute is called once per input item. It may call w.AddResult
	// zero or more times, and w.GetMemory/w.ReleaseMemory for the
	// task's attached memory edges.
	Execute(ctx context.Context, w Worker, item T) error
	// Shutdown is called once, after the input is drained and
	// CanTerminate agreed. It may still produce results; the worker
	// releases its producer counts only after Shutdown returns.
	Shutdown(w Worker) error
	// CanTerminate is polled when the task's input is exhausted; the
	// worker exits its loop only once it returns true.
	CanTerminate(in *Connector) bool
	// Copy returns an equivalent, independent instance of the task.
	// It is used for thread replication and for graph cloning;
	// copies share no mutable state with the original.
	Copy() Task
}

// A Worker is a task's view of the manager driving it. It is valid
// only for the lifetime of the worker goroutine that passed it in.
type Worker interface {
	// AddResult enqueues item on the task's output connector. It
	// panics if the task has no output edge.
	AddResult(item T)
	// GetMemory pulls a free buffer from the named memory edge,
	// blocking while the pool is exhausted. It returns an error with
	// kind NotExist if no such edge is attached to this task.
	GetMemory(ctx context.Context, name string) (*Memory, error)
	// ReleaseMemory returns a buffer to its memory manager.
	ReleaseMemory(m *Memory)
	// HasMemory tells whether the named memory edge is attached.
	HasMemory(name string) bool
	// PipelineID identifies the execution pipeline replica this
	// worker belongs to; it is 0 outside of pipelines.
	PipelineID() int
	// NumPipelines returns the replica count of the enclosing
	// execution pipeline, or 1 outside of pipelines.
	NumPipelines() int
	// ThreadID is this worker's ordinal within the task's
	// replication group, in [0, Threads).
	ThreadID() int
	// Threads returns the replication count of the task.
	Threads() int
	// Input returns the task's input connector, or nil if the task
	// has none.
	Input() *Connector
	// Output returns the task's output connector, or nil if the task
	// has none.
	Output() *Connector
	// Log returns the worker's logger, tagged with the task name and
	// thread. It may be nil; nil loggers drop all messages.
	Log() *log.Logger
}

// Threader is implemented by tasks that request replication. A task
// reporting n > 1 is copied n-1 times; all replicas share the same
// input and output connectors, and each runs on its own worker.
type Threader interface {
	NumThreads() int
}

// Starter is implemented by tasks that produce data before consuming
// any. The worker invokes Start once after Initialize, before
// entering its consume loop.
type Starter interface {
	Start(ctx context.Context, w Worker) error
}

// Base provides default implementations of the optional task
// lifecycle hooks. Tasks embed Base and implement Name, Execute and
// Copy.
type Base struct{}

// Initialize implements Task.
func (Base) Initialize(ctx context.Context, w Worker) error { return nil }

// Shutdown implements Task.
func (Base) Shutdown(w Worker) error { return nil }

// CanTerminate implements Task; the default agrees to terminate as
// soon as the input connector is terminated.
func (Base) CanTerminate(in *Connector) bool { return in.Terminated() }
