// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// A Rule is a stateful predicate and emitter applied by a Bookkeeper.
// Apply receives each input item and returns zero or more items for
// the rule's downstream connector; state-machine-style aggregation
// (for example, waiting for all neighbors of a tile before emitting)
// lives in the rule.
//
// A rule may be shared by bookkeepers in replicated pipelines; it is
// then invoked concurrently with distinct pipelineIDs and must
// serialize its own state. Rules are never copied.
type Rule interface {
	// Name returns a diagnostic label for the rule.
	Name() string
	// Apply processes one input item and returns the items to emit
	// downstream, which may be none.
	Apply(item T, pipelineID int) []T
	// CanTerminate tells whether the rule agrees to end. It is
	// consulted while the bookkeeper decides whether to terminate,
	// and must eventually return true once the bookkeeper's input is
	// finished.
	CanTerminate(pipelineID int) bool
	// Shutdown is called once per pipeline when the rule's scheduler
	// winds down.
	Shutdown(pipelineID int)
}

// A ruleScheduler binds one rule to one downstream connector. It is
// the rule's producer: it registers itself on the connector when the
// rule edge is applied and withdraws as soon as the rule agrees to
// terminate, so that downstream termination does not wait for the
// bookkeeper itself. The scheduler serializes its own state; rule
// state is the rule's concern.
type ruleScheduler struct {
	rule       Rule
	out        *Connector
	pipelineID int

	mu         sync.Mutex
	terminated bool
	shut       bool
}

func (s *ruleScheduler) invoke(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.rule.Apply(item, s.pipelineID) {
		s.out.Produce(out)
	}
}

// canTerminate consults the rule and, on agreement, withdraws the
// scheduler's producer count immediately so that the rule's consumer
// can drain without waiting for the rest of the bookkeeper's rules.
// It is only called once the bookkeeper's input has finished, so no
// further invocations can race the withdrawal.
func (s *ruleScheduler) canTerminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return true
	}
	if !s.rule.CanTerminate(s.pipelineID) {
		return false
	}
	s.terminated = true
	s.out.ProducerDone()
	return true
}

func (s *ruleScheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut {
		return
	}
	s.shut = true
	if !s.terminated {
		s.terminated = true
		s.out.ProducerDone()
	}
	s.rule.Shutdown(s.pipelineID)
}

// A Bookkeeper is a task that fans each input item out to its
// attached rules, in the order the rule edges were added; per-input
// side effects observe that order. The bookkeeper has no output edge
// of its own: its rules' schedulers produce directly to their
// consumers' input connectors.
//
// Bookkeepers run single-threaded; a bookkeeper serializes rule
// invocations per input.
type Bookkeeper struct {
	schedulers []*ruleScheduler
}

// NewBookkeeper returns an empty bookkeeper. Rules are attached with
// Graph.AddRuleEdge.
func NewBookkeeper() *Bookkeeper {
	return new(Bookkeeper)
}

func (b *Bookkeeper) add(s *ruleScheduler) {
	b.schedulers = append(b.schedulers, s)
}

// Name implements Task.
func (b *Bookkeeper) Name() string {
	names := make([]string, len(b.schedulers))
	for i, s := range b.schedulers {
		names[i] = s.rule.Name()
	}
	return fmt.Sprintf("bookkeeper(%s)", strings.Join(names, ", "))
}

// Initialize implements Task.
func (b *Bookkeeper) Initialize(ctx context.Context, w Worker) error {
	for _, s := range b.schedulers {
		s.pipelineID = w.PipelineID()
	}
	return nil
}

// Execute implements Task: each input item passes through every
// scheduler in registration order.
func (b *Bookkeeper) Execute(ctx context.Context, w Worker, item T) error {
	for _, s := range b.schedulers {
		s.invoke(item)
	}
	return nil
}

// CanTerminate implements Task. The bookkeeper terminates only once
// its input is finished and every rule agrees; rules that agree
// withdraw their downstream producer counts right away, even while
// other rules hold out.
func (b *Bookkeeper) CanTerminate(in *Connector) bool {
	if !in.Terminated() {
		return false
	}
	agreed := true
	for _, s := range b.schedulers {
		if !s.canTerminate() {
			agreed = false
		}
	}
	return agreed
}

// Shutdown implements Task: it winds down each scheduler, withdrawing
// any producer count not already withdrawn and invoking the rule's
// Shutdown hook.
func (b *Bookkeeper) Shutdown(w Worker) error {
	for _, s := range b.schedulers {
		s.shutdown()
	}
	return nil
}

// dropProducers withdraws every scheduler's producer count when the
// bookkeeper's worker dies without a clean shutdown, so downstream
// consumers can still drain.
func (b *Bookkeeper) dropProducers() {
	for _, s := range b.schedulers {
		s.shutdown()
	}
}

// Copy implements Task. The copy carries no schedulers: when a graph
// is cloned, its rule edges are re-applied against the clone and
// attach fresh schedulers bound to the clone's connectors (sharing
// the original rules).
func (b *Bookkeeper) Copy() Task {
	return NewBookkeeper()
}
