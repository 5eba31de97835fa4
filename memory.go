// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskgraph

import (
	"context"
	"fmt"
	"sync/atomic"
)

// An Allocator allocates and frees the buffers managed by a
// MemoryManager. Alloc is called once per pool slot for static
// managers, and per checkout for dynamic managers.
type Allocator interface {
	Alloc() interface{}
	Free(buf interface{})
}

// A ReleasePolicy decides whether a buffer returned on a memory
// edge's release connector goes back to the free pool. The policy is
// invoked on the memory manager's worker; its state is its own
// concern.
type ReleasePolicy interface {
	CanRelease(m *Memory) bool
}

// Memory is a handle to a pooled buffer, issued by a MemoryManager
// and returned to it over the manager's release connector. Under the
// default reference-count policy a handle must be released exactly
// once per Retain plus once for the checkout itself; the final
// release returns the buffer to the free pool.
//
// A Memory knows the manager that issued it only through the release
// connector, so handles may outlive the tasks that got them and be
// released from outside the graph. Releases that arrive after the
// manager has terminated are dropped; the garbage collector reclaims
// the buffer.
type Memory struct {
	edge       string
	buf        interface{}
	alloc      Allocator
	release    *Connector
	pipelineID int
	refs       int32
}

// Value returns the buffer held by this handle.
func (m *Memory) Value() interface{} { return m.buf }

// Edge returns the name of the memory edge this handle belongs to.
func (m *Memory) Edge() string { return m.edge }

// PipelineID identifies the pipeline replica whose manager issued
// this handle; memory-aware tasks use it to detect cross-replica
// buffer references.
func (m *Memory) PipelineID() int { return m.pipelineID }

// Retain records n additional releases required before the buffer
// returns to the free pool. It may be called concurrently by any
// holder of the handle.
func (m *Memory) Retain(n int) {
	atomic.AddInt32(&m.refs, int32(n))
}

// Release returns the handle to its memory manager. Each Release
// dispatches the handle once on the manager's release connector; the
// manager applies its release policy to decide whether the buffer
// rejoins the free pool.
func (m *Memory) Release() {
	m.release.Produce(m)
}

// refcount returns the handle's current reference count.
func (m *Memory) refcount() int32 {
	return atomic.LoadInt32(&m.refs)
}

// A MemoryManager is a task that issues and reclaims a fixed pool of
// buffers across a memory edge. At startup it allocates PoolSize
// buffers and publishes them on its get connector; its execute step
// receives returned handles on its release connector and recycles
// them per its release policy. A getter blocks on GetMemory while the
// pool is exhausted; this is the runtime's only source of
// backpressure.
//
// A MemoryManager instance participates in at most one graph; wiring
// the same instance twice is a configuration error.
type MemoryManager struct {
	name     string
	poolSize int
	alloc    Allocator
	policy   ReleasePolicy
	dynamic  bool

	// Worker state below; the manager's single worker is the only
	// accessor.
	free []*Memory
	all  []*Memory
}

// NewMemoryManager returns a memory manager for the named edge with
// the given pool size and allocator, using the reference-count
// release policy. All buffers are allocated up front.
func NewMemoryManager(name string, poolSize int, alloc Allocator) *MemoryManager {
	return &MemoryManager{name: name, poolSize: poolSize, alloc: alloc}
}

// NewDynamicMemoryManager returns a memory manager whose buffers are
// allocated lazily at checkout and freed when recycled, and whose
// release decisions are delegated to policy. A nil policy falls back
// to reference counting.
func NewDynamicMemoryManager(name string, poolSize int, alloc Allocator, policy ReleasePolicy) *MemoryManager {
	return &MemoryManager{name: name, poolSize: poolSize, alloc: alloc, policy: policy, dynamic: true}
}

// SetReleasePolicy installs a user release policy, overriding the
// default reference-count policy. It must be called before the graph
// is finalized.
func (m *MemoryManager) SetReleasePolicy(policy ReleasePolicy) {
	m.policy = policy
}

// PoolSize returns the number of buffers the manager issues.
func (m *MemoryManager) PoolSize() int { return m.poolSize }

// Name implements Task.
func (m *MemoryManager) Name() string {
	kind := "static"
	if m.dynamic {
		kind = "dynamic"
	}
	return fmt.Sprintf("memory(%s): %s", kind, m.name)
}

// Initialize implements Task: it fills the pool.
func (m *MemoryManager) Initialize(ctx context.Context, w Worker) error {
	m.free = make([]*Memory, 0, m.poolSize)
	m.all = make([]*Memory, 0, m.poolSize)
	for i := 0; i < m.poolSize; i++ {
		h := &Memory{
			edge:       m.name,
			release:    w.Input(),
			pipelineID: w.PipelineID(),
			refs:       1,
		}
		if m.dynamic {
			h.alloc = m.alloc
		} else {
			h.buf = m.alloc.Alloc()
		}
		m.free = append(m.free, h)
		m.all = append(m.all, h)
	}
	return nil
}

// Start implements Starter: it publishes the filled pool on the get
// connector before the manager begins consuming returned handles.
func (m *MemoryManager) Start(ctx context.Context, w Worker) error {
	m.emit(w)
	return nil
}

// Execute implements Task: it receives a returned handle and either
// recycles it into the free pool or leaves it outstanding, then
// publishes whatever the pool holds.
func (m *MemoryManager) Execute(ctx context.Context, w Worker, item T) error {
	h := item.(*Memory)
	if h.pipelineID != w.PipelineID() {
		w.Log().Errorf("memory %s: received handle from pipeline %d", m.name, h.pipelineID)
		return nil
	}
	if m.canRelease(h) {
		if m.dynamic && h.buf != nil {
			m.alloc.Free(h.buf)
			h.buf = nil
		}
		atomic.StoreInt32(&h.refs, 1)
		m.free = append(m.free, h)
	}
	m.emit(w)
	return nil
}

func (m *MemoryManager) canRelease(h *Memory) bool {
	if m.policy != nil {
		return m.policy.CanRelease(h)
	}
	return atomic.AddInt32(&h.refs, -1) <= 0
}

func (m *MemoryManager) emit(w Worker) {
	for _, h := range m.free {
		w.AddResult(h)
	}
	m.free = m.free[:0]
}

// Shutdown implements Task: it frees every buffer the manager ever
// allocated, wherever its handle is.
func (m *MemoryManager) Shutdown(w Worker) error {
	for _, h := range m.all {
		if h.buf != nil {
			m.alloc.Free(h.buf)
			h.buf = nil
		}
	}
	return nil
}

// CanTerminate implements Task: the manager exits when its release
// connector has drained and lost all producers. Handles checked out
// at that point can never be returned, so the manager does not wait
// for them.
func (m *MemoryManager) CanTerminate(in *Connector) bool {
	return in.Terminated()
}

// Copy implements Task. The copy shares the allocator and policy but
// none of the pool state, so graph clones issue their own buffers.
func (m *MemoryManager) Copy() Task {
	return &MemoryManager{
		name:     m.name,
		poolSize: m.poolSize,
		alloc:    m.alloc,
		policy:   m.policy,
		dynamic:  m.dynamic,
	}
}
