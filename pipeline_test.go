// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph_test

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/grailbio/taskgraph"
)

// modRule routes an item to the replica matching item mod the
// replica count.
type modRule struct {
	n int
}

func (r modRule) Name() string { return "mod" }

func (r modRule) CanProcess(item taskgraph.T, pipelineID int) bool {
	return item.(int)%r.n == pipelineID
}

// recorderTask records which pipeline processed each item. All copies
// share the recorder so the test can observe the full distribution.
type recorderTask struct {
	taskgraph.Base
	mu   *sync.Mutex
	seen map[int][]int
}

func (t *recorderTask) Name() string { return "recorder" }

func (t *recorderTask) Execute(ctx context.Context, w taskgraph.Worker, item taskgraph.T) error {
	t.mu.Lock()
	t.seen[w.PipelineID()] = append(t.seen[w.PipelineID()], item.(int))
	t.mu.Unlock()
	w.AddResult(item)
	return nil
}

func (t *recorderTask) Copy() taskgraph.Task {
	return &recorderTask{mu: t.mu, seen: t.seen}
}

// TestPipelineDecomposition replicates an inner graph three ways and
// routes 30 inputs with a mod-3 decomposition rule: each replica
// receives exactly its residue class, and the replica outputs merge.
func TestPipelineDecomposition(t *testing.T) {
	ctx := context.Background()
	const (
		replicas = 3
		items    = 30
	)
	rec := &recorderTask{mu: new(sync.Mutex), seen: make(map[int][]int)}
	inner := taskgraph.NewGraph("inner")
	inner.SetConsumer(rec)
	inner.AddProducer(rec)

	g := taskgraph.NewGraph("outer")
	p := g.AddExecutionPipeline(replicas, inner, modRule{replicas})
	g.SetConsumer(p)
	g.AddProducer(p)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	want := make([]int, items)
	for i := 0; i < items; i++ {
		g.Produce(i)
		want[i] = i
	}
	g.FinishedProducing()
	got := multiset(drain(ctx, g))
	if err := rt.Wait(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for pid := 0; pid < replicas; pid++ {
		if got, want := len(rec.seen[pid]), items/replicas; got != want {
			t.Errorf("pipeline %d: got %v items, want %v", pid, got, want)
		}
		for _, v := range rec.seen[pid] {
			if v%replicas != pid {
				t.Errorf("pipeline %d received item %d", pid, v)
			}
		}
	}
}

// broadcastRule sends every item to every replica.
type broadcastRule struct{}

func (broadcastRule) Name() string { return "broadcast" }

func (broadcastRule) CanProcess(item taskgraph.T, pipelineID int) bool { return true }

// TestPipelineBroadcast checks that a rule may route one input to
// several replicas, each receiving its own copy.
func TestPipelineBroadcast(t *testing.T) {
	ctx := context.Background()
	const (
		replicas = 2
		items    = 10
	)
	rec := &recorderTask{mu: new(sync.Mutex), seen: make(map[int][]int)}
	inner := taskgraph.NewGraph("inner")
	inner.SetConsumer(rec)
	inner.AddProducer(rec)

	g := taskgraph.NewGraph("outer")
	p := g.AddExecutionPipeline(replicas, inner, broadcastRule{})
	g.SetConsumer(p)
	g.AddProducer(p)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < items; i++ {
		g.Produce(i)
	}
	g.FinishedProducing()
	got := drain(ctx, g)
	if err := rt.Wait(); err != nil {
		t.Fatal(err)
	}
	if gotn, wantn := len(got), replicas*items; gotn != wantn {
		t.Errorf("got %v merged items, want %v", gotn, wantn)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for pid := 0; pid < replicas; pid++ {
		if got, want := len(rec.seen[pid]), items; got != want {
			t.Errorf("pipeline %d: got %v items, want %v", pid, got, want)
		}
	}
}

// TestPipelineNoRules checks that an execution pipeline without
// decomposition rules fails with a configuration error.
func TestPipelineNoRules(t *testing.T) {
	ctx := context.Background()
	inner := taskgraph.NewGraph("inner")
	rec := &recorderTask{mu: new(sync.Mutex), seen: make(map[int][]int)}
	inner.SetConsumer(rec)
	inner.AddProducer(rec)

	g := taskgraph.NewGraph("outer")
	p := g.AddExecutionPipeline(2, inner)
	g.SetConsumer(p)
	g.AddProducer(p)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	g.FinishedProducing()
	if err := rt.Wait(); err == nil {
		t.Fatal("expected configuration error")
	}
}
