// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskgraph implements a dataflow runtime for heterogeneous
// task graphs. Programs are expressed as directed graphs whose nodes
// are user-defined tasks and whose edges are FIFO connectors; the
// runtime binds each task replica to its own worker goroutine, routes
// data items along edges, and terminates workers when their
// producers drain.
//
// A Graph owns a set of tasks and the edges between them. Edges are
// recorded declaratively and materialized when the graph is
// finalized, so that a graph may be cloned — for example when it is
// replicated inside an ExecutionPipeline — and its edges re-applied
// against the clone's copied tasks.
//
// Three kinds of edges exist beyond plain producer-consumer edges:
// rule edges attach a Rule to a Bookkeeper, implementing conditional
// fan-out; memory edges attach a MemoryManager to a getter task,
// implementing pooled buffers with backpressure; and graph edges
// declare the graph's external input and output.
//
// Backpressure is expressed exclusively through memory pools:
// producers never block on a connector, but a task that calls
// GetMemory blocks until a pooled buffer is free.
package taskgraph
