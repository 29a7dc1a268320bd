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

package device

import (
	"fmt"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/sync"
)

// IOMemOpts are options to OpenIOMem.
type IOMemOpts struct {
	// Base and Size select the device memory. Both are rounded outward to
	// pages.
	Base uint64
	Size uint64

	// WriteCombined requests a write-combined rather than uncached
	// dataspace.
	WriteCombined bool
}

// IOMem is an IO memory session. It owns a dataspace covering the claimed
// device memory, which clients attach to their region maps.
type IOMem struct {
	alloc *rangealloc.Allocator
	pool  *objpool.Pool[*dataspace.Dataspace]
	r     rangealloc.Range

	mu sync.Mutex

	// +checklocks:mu
	ds capability.Capability

	// +checklocks:mu
	closed bool
}

// OpenIOMem claims device memory from alloc and creates its dataspace in
// pool.
func OpenIOMem(alloc *rangealloc.Allocator, pool *objpool.Pool[*dataspace.Dataspace], opts IOMemOpts) (*IOMem, error) {
	end, ok := hostarch.PageRoundUp(opts.Base + opts.Size)
	if opts.Size == 0 || !ok || opts.Base+opts.Size < opts.Base {
		return nil, fmt.Errorf("io_mem base %#x size %#x: %w", opts.Base, opts.Size, ErrInvalidArgs)
	}
	r := rangealloc.Range{Start: hostarch.PageRoundDown(opts.Base), End: end}
	if err := claim(alloc, "io_mem", r); err != nil {
		return nil, err
	}
	mt := hostarch.MemoryTypeUncached
	if opts.WriteCombined {
		mt = hostarch.MemoryTypeWriteCombine
	}
	ds := dataspace.New(dataspace.Opts{
		Phys:       r.Start,
		Size:       r.Length(),
		MemoryType: mt,
		Writable:   true,
		Kind:       dataspace.KindIOMem,
	})
	c, err := pool.Insert(ds, capability.Dst(r.Start))
	if err != nil {
		unclaim(alloc, "io_mem", r)
		return nil, fmt.Errorf("io_mem %v: %w", r, err)
	}
	return &IOMem{alloc: alloc, pool: pool, r: r, ds: c}, nil
}

// Range returns the claimed physical range.
func (m *IOMem) Range() rangealloc.Range {
	return m.r
}

// Dataspace returns the capability of the device memory dataspace. The
// reference belongs to the session.
func (m *IOMem) Dataspace() (capability.Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return capability.Capability{}, ErrClosed
	}
	return m.ds, nil
}

// Close destroys the dataspace, detaching it from every region map, and
// releases the device memory. Close is idempotent.
func (m *IOMem) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.ds
	m.ds = capability.Capability{}
	m.mu.Unlock()

	g := m.pool.LookupAndLock(c)
	if g.Valid() {
		g.Object().Destroy()
		g.Remove()
	}
	g.Release()
	unclaim(m.alloc, "io_mem", m.r)
}

// String implements fmt.Stringer.String.
func (m *IOMem) String() string {
	return fmt.Sprintf("io_mem %v", m.r)
}
