// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"fmt"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/taskgraph/errors"
)

// A DecompositionRule decides which replicas of an execution pipeline
// receive an inbound item. It is consulted once per (item, replica)
// pair; an item is forwarded to every replica for which CanProcess
// returns true.
type DecompositionRule interface {
	// Name returns a diagnostic label for the rule.
	Name() string
	// CanProcess tells whether the replica identified by pipelineID
	// should receive a copy of item.
	CanProcess(item T, pipelineID int) bool
}

// decompositionRule adapts a DecompositionRule to the Rule contract
// so that pipeline input routing reuses the bookkeeper's scheduler
// machinery.
type decompositionRule struct {
	rule DecompositionRule
}

func (r decompositionRule) Name() string { return r.rule.Name() }

func (r decompositionRule) Apply(item T, pipelineID int) []T {
	if r.rule.CanProcess(item, pipelineID) {
		return []T{item}
	}
	return nil
}

func (r decompositionRule) CanTerminate(pipelineID int) bool { return true }

func (r decompositionRule) Shutdown(pipelineID int) {}

// An ExecutionPipeline is a task that replicates an inner graph and
// routes inputs across the replicas. On initialization it clones the
// inner graph once per replica, injecting the replica's pipelineID
// into every cloned task, and spawns a nested runtime per clone;
// every clone produces into the pipeline's own output connector, so
// replica outputs merge. Each inbound item is offered to the
// decomposition rules for every replica.
//
// Replicas share no mutable state except Rules, which must serialize
// their own state.
type ExecutionPipeline struct {
	inner     *Graph
	pipelines int
	rules     []DecompositionRule

	schedulers []*ruleScheduler
	replicas   []*Graph
	runtimes   []*Runtime
}

func newExecutionPipeline(n int, inner *Graph, rules []DecompositionRule) *ExecutionPipeline {
	return &ExecutionPipeline{inner: inner, pipelines: n, rules: rules}
}

// Name implements Task.
func (p *ExecutionPipeline) Name() string {
	return fmt.Sprintf("pipeline(%s x%d)", p.inner.Name(), p.pipelines)
}

// Initialize implements Task: it clones and launches the replicas.
func (p *ExecutionPipeline) Initialize(ctx context.Context, w Worker) error {
	if len(p.rules) == 0 {
		return errors.E("pipeline", p.inner.Name(), errors.Config,
			errors.Errorf("execution pipeline has no decomposition rules"))
	}
	out := w.Output()
	if out == nil {
		return errors.E("pipeline", p.inner.Name(), errors.Config,
			errors.Errorf("execution pipeline requires an output edge"))
	}
	cfg := Config{Log: w.Log()}
	if m, ok := w.(*manager); ok {
		cfg.PollInterval = m.poll
	}
	for i := 0; i < p.pipelines; i++ {
		replica, err := p.inner.clone(i, p.pipelines, nil, out, false)
		if err != nil {
			return err
		}
		for _, r := range p.rules {
			replica.input.AddProducer()
			p.schedulers = append(p.schedulers, &ruleScheduler{
				rule:       decompositionRule{r},
				out:        replica.input,
				pipelineID: i,
			})
		}
		p.replicas = append(p.replicas, replica)
	}
	for _, replica := range p.replicas {
		rt := NewRuntime(replica)
		rt.Config = cfg
		if err := rt.Start(ctx); err != nil {
			return err
		}
		p.runtimes = append(p.runtimes, rt)
	}
	for _, rt := range p.runtimes {
		if err := rt.WaitReady(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Execute implements Task: each inbound item is offered to every
// (rule, replica) scheduler.
func (p *ExecutionPipeline) Execute(ctx context.Context, w Worker, item T) error {
	for _, s := range p.schedulers {
		s.invoke(item)
	}
	return nil
}

// CanTerminate implements Task.
func (p *ExecutionPipeline) CanTerminate(in *Connector) bool {
	return in.Terminated()
}

// Shutdown implements Task: it withdraws the routing producers so the
// replicas' inputs drain, then waits for every nested runtime. Errors
// latched inside replicas surface here, and so are reported as this
// pipeline's worker error.
func (p *ExecutionPipeline) Shutdown(w Worker) error {
	for _, s := range p.schedulers {
		s.shutdown()
	}
	return traverse.Each(len(p.runtimes), func(i int) error {
		return p.runtimes[i].Wait()
	})
}

// dropProducers releases the routing producer counts when the
// pipeline's worker dies without a clean shutdown, so that replicas
// can still drain. The nested runtimes are left to run down on their
// own.
func (p *ExecutionPipeline) dropProducers() {
	for _, s := range p.schedulers {
		s.shutdown()
	}
}

// Copy implements Task. Copies share the inner graph configuration
// (which is only ever read) and the decomposition rules; each copy
// clones its own replicas when initialized.
func (p *ExecutionPipeline) Copy() Task {
	return newExecutionPipeline(p.pipelines, p.inner, p.rules)
}
