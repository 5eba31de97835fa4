// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph_test

import (
	"context"
	"sort"

	"github.com/grailbio/taskgraph"
)

// mapTask applies fn to each int item and emits the result.
type mapTask struct {
	taskgraph.Base
	name    string
	threads int
	fn      func(int) int
}

func (t *mapTask) Name() string { return t.name }

func (t *mapTask) NumThreads() int { return t.threads }

func (t *mapTask) Execute(ctx context.Context, w taskgraph.Worker, item taskgraph.T) error {
	w.AddResult(t.fn(item.(int)))
	return nil
}

func (t *mapTask) Copy() taskgraph.Task {
	return &mapTask{name: t.name, threads: t.threads, fn: t.fn}
}

// drain consumes the graph's output until it terminates, returning
// the collected ints.
func drain(ctx context.Context, g *taskgraph.Graph) []int {
	var got []int
	for {
		item, ok := g.Consume(ctx)
		if !ok {
			return got
		}
		got = append(got, item.(int))
	}
}

// multiset sorts a copy of vals for order-insensitive comparison.
func multiset(vals []int) []int {
	out := append([]int(nil), vals...)
	sort.Ints(out)
	return out
}
