// Copyright 2026 The Capcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objpool implements the registry of RPC objects addressed by
// capability.
//
// The central operation is LookupAndLock. It resolves a capability to an
// object and returns with the object's lock held, or returns an empty guard.
// Removal of an object takes the same lock, so an object cannot be destroyed
// while a guard for it is held, and an object that was removed while a
// lookup waited for its lock is reported as absent.
//
// Lock order: object lock, then Pool.mu, then the capability table.
package objpool

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/sync"
)

// ErrNotFound is returned when a capability does not resolve to a live
// object.
var ErrNotFound = errors.New("object not found")

// Entry is embedded by every pooled object.
type Entry struct {
	mu sync.Mutex

	// cap is the pool's reference to the object's capability. It is set by
	// Insert and released by Guard.Remove.
	cap capability.Capability

	// removed is set once the object left the pool.
	//
	// +checklocks:mu
	removed bool
}

func (e *Entry) poolEntry() *Entry {
	return e
}

// Cap returns the object's capability. The reference belongs to the pool;
// callers that keep it beyond the object's removal must Clone it.
func (e *Entry) Cap() capability.Capability {
	return e.cap
}

// ID returns the ID of the object's capability.
func (e *Entry) ID() capability.ID {
	return e.cap.ID()
}

// Object is implemented by types that embed Entry.
type Object interface {
	poolEntry() *Entry
}

// Pool maps capability IDs to objects.
type Pool[T Object] struct {
	caps *capability.Table

	mu sync.RWMutex

	// +checklocks:mu
	objs map[capability.ID]T
}

// New returns an empty pool that allocates capabilities from caps.
func New[T Object](caps *capability.Table) *Pool[T] {
	return &Pool[T]{
		caps: caps,
		objs: make(map[capability.ID]T),
	}
}

// Insert allocates a capability with kernel destination dst for obj and
// adds obj to the pool. The returned capability is owned by the pool, see
// Entry.Cap.
func (p *Pool[T]) Insert(obj T, dst capability.Dst) (capability.Capability, error) {
	e := obj.poolEntry()
	if e.cap.Valid() {
		panic(fmt.Sprintf("object already pooled as %v", e.cap))
	}
	c, err := p.caps.Alloc(dst)
	if err != nil {
		return capability.Capability{}, err
	}
	e.cap = c
	p.mu.Lock()
	p.objs[c.ID()] = obj
	p.mu.Unlock()
	return c, nil
}

// LookupAndLock returns a guard for the object named by c. The guard is
// empty if c is invalid or the object is not in the pool.
//
// c must name the object's own capability entry. A capability kept past
// the removal of its object does not resolve to a later object that was
// given the same ID.
func (p *Pool[T]) LookupAndLock(c capability.Capability) *Guard[T] {
	if !c.Valid() {
		return &Guard[T]{}
	}
	g := p.LookupAndLockID(c.ID())
	if g.Valid() && !g.e.cap.Equal(c) {
		g.Release()
		return &Guard[T]{}
	}
	return g
}

// LookupAndLockID is LookupAndLock by capability ID, for IDs received from
// a client. The ID names whatever object currently holds it.
func (p *Pool[T]) LookupAndLockID(id capability.ID) *Guard[T] {
	p.mu.RLock()
	obj, ok := p.objs[id]
	p.mu.RUnlock()
	if !ok {
		return &Guard[T]{}
	}

	// The pool lock is not held while waiting for the object, so that a
	// slow operation on one object does not block lookups of others.
	e := obj.poolEntry()
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return &Guard[T]{}
	}
	return &Guard[T]{pool: p, obj: obj, e: e}
}

// Apply calls fn with the object named by id locked.
func (p *Pool[T]) Apply(id capability.ID, fn func(T) error) error {
	g := p.LookupAndLockID(id)
	defer g.Release()
	if !g.Valid() {
		return fmt.Errorf("capability %d: %w", id, ErrNotFound)
	}
	return fn(g.Object())
}

// Len returns the number of objects in the pool.
func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objs)
}

// IDs returns the IDs of all objects in the pool, in no particular order.
func (p *Pool[T]) IDs() []capability.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]capability.ID, 0, len(p.objs))
	for id := range p.objs {
		ids = append(ids, id)
	}
	return ids
}

// ForEach calls fn for every object in the pool. Objects are not locked and
// fn may call back into the pool.
func (p *Pool[T]) ForEach(fn func(T)) {
	p.mu.RLock()
	objs := make([]T, 0, len(p.objs))
	for _, obj := range p.objs {
		objs = append(objs, obj)
	}
	p.mu.RUnlock()
	for _, obj := range objs {
		fn(obj)
	}
}

// Guard holds the lock of a pooled object. The zero Guard is empty.
type Guard[T Object] struct {
	pool *Pool[T]
	obj  T
	e    *Entry
}

// Valid returns true if the guard holds an object.
func (g *Guard[T]) Valid() bool {
	return g.e != nil
}

// Object returns the guarded object. It panics on an empty guard.
func (g *Guard[T]) Object() T {
	if g.e == nil {
		panic("Object called on an empty guard")
	}
	return g.obj
}

// Remove unlinks the guarded object from the pool and drops the pool's
// capability reference. The object stays locked until Release.
func (g *Guard[T]) Remove() {
	if g.e == nil {
		panic("Remove called on an empty guard")
	}
	id := g.e.cap.ID()
	g.pool.mu.Lock()
	delete(g.pool.objs, id)
	g.pool.mu.Unlock()
	g.e.removed = true
	c := g.e.cap
	g.e.cap = capability.Capability{}
	c.Release()
}

// Release unlocks the object. It may be called more than once.
func (g *Guard[T]) Release() {
	if g.e == nil {
		return
	}
	g.e.mu.Unlock()
	var zero T
	g.obj, g.e = zero, nil
}
