// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/taskgraph"
	"github.com/grailbio/taskgraph/errors"
)

// failTask fails on a designated item and forwards the rest.
type failTask struct {
	taskgraph.Base
	failOn int
}

func (t *failTask) Name() string { return "failer" }

func (t *failTask) Execute(ctx context.Context, w taskgraph.Worker, item taskgraph.T) error {
	if item.(int) == t.failOn {
		return errors.New("induced failure")
	}
	w.AddResult(item)
	return nil
}

func (t *failTask) Copy() taskgraph.Task { return &failTask{failOn: t.failOn} }

// TestWorkerErrorLatched checks that a task error is fatal to its
// worker, that downstream still drains, and that the error surfaces
// from Wait.
func TestWorkerErrorLatched(t *testing.T) {
	ctx := context.Background()
	g := taskgraph.NewGraph("failing")
	failer := &failTask{failOn: 3}
	sink := &mapTask{name: "sink", fn: func(x int) int { return x }}
	g.SetConsumer(failer)
	g.AddEdge(failer, sink)
	g.AddProducer(sink)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		g.Produce(i)
	}
	g.FinishedProducing()
	got := drain(ctx, g)
	err := rt.Wait()
	if err == nil {
		t.Fatal("expected worker error")
	}
	if !errors.Is(errors.Exec, err) {
		t.Errorf("error %v: expected kind Exec", err)
	}
	// Items executed before the failure still flowed through.
	if len(got) == 0 || len(got) >= 10 {
		t.Errorf("got %d items, want between 1 and 9", len(got))
	}
}

// holdoutTask declines to terminate until released, exercising the
// manager's termination recheck.
type holdoutTask struct {
	taskgraph.Base
	release chan struct{}
}

func (t *holdoutTask) Name() string { return "holdout" }

func (t *holdoutTask) Execute(ctx context.Context, w taskgraph.Worker, item taskgraph.T) error {
	w.AddResult(item)
	return nil
}

func (t *holdoutTask) CanTerminate(in *taskgraph.Connector) bool {
	if !in.Terminated() {
		return false
	}
	select {
	case <-t.release:
		return true
	default:
		return false
	}
}

func (t *holdoutTask) Copy() taskgraph.Task { return &holdoutTask{release: t.release} }

// TestCanTerminateRecheck checks that a worker whose task declines to
// terminate on a drained input keeps polling and exits once the task
// agrees.
func TestCanTerminateRecheck(t *testing.T) {
	ctx := context.Background()
	g := taskgraph.NewGraph("holdout")
	task := &holdoutTask{release: make(chan struct{})}
	g.SetConsumer(task)
	g.AddProducer(task)

	rt := taskgraph.NewRuntime(g)
	rt.Config.PollInterval = 100 * time.Microsecond
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	g.Produce(1)
	g.FinishedProducing()
	if item, ok := g.Consume(ctx); !ok || item.(int) != 1 {
		t.Errorf("got %v, %v, want 1, true", item, ok)
	}
	waited := make(chan error)
	go func() { waited <- rt.Wait() }()
	select {
	case err := <-waited:
		t.Fatalf("runtime finished before task agreed to terminate: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	close(task.release)
	if err := <-waited; err != nil {
		t.Fatal(err)
	}
}

// TestWaitReady checks the initialization rendezvous.
func TestWaitReady(t *testing.T) {
	ctx := context.Background()
	g := taskgraph.NewGraph("ready")
	task := &mapTask{name: "id", threads: 4, fn: func(x int) int { return x }}
	g.SetConsumer(task)
	g.AddProducer(task)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rt.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
	g.FinishedProducing()
	drain(ctx, g)
	if err := rt.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestRunCanceled checks that canceling the execution context aborts
// blocked workers with a latched cancellation error.
func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgraph.NewGraph("canceled")
	task := &mapTask{name: "id", fn: func(x int) int { return x }}
	g.SetConsumer(task)
	g.AddProducer(task)

	rt := taskgraph.NewRuntime(g)
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// The worker is blocked on its input; cancel instead of
	// finishing it.
	cancel()
	err := rt.Wait()
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("error %v: expected kind Canceled", err)
	}
}

func TestUnmarshalConfig(t *testing.T) {
	c, err := taskgraph.UnmarshalConfig([]byte("loglevel: debug\npollinterval: 500us\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Log == nil {
		t.Error("expected a logger")
	}
	if got, want := c.PollInterval, 500*time.Microsecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := taskgraph.UnmarshalConfig([]byte("loglevel: shouty\n")); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestConfigMerge(t *testing.T) {
	var c taskgraph.Config
	if !c.IsZero() {
		t.Error("zero config not zero")
	}
	c.Merge(taskgraph.Config{PollInterval: time.Second})
	if got, want := c.PollInterval, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c.Merge(taskgraph.Config{})
	if got, want := c.PollInterval, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
