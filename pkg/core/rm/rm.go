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

// Package rm implements region maps.
//
// A region map manages an address space. Attach maps a dataspace, or a
// page-aligned part of it, into a free virtual range and records the
// mapping as a Region. Detach undoes it. Every Region is also recorded in
// its dataspace's back-reference set, so that destroying the dataspace
// detaches it from every map.
//
// Core's own address space is managed by a core-local map. It always picks
// the virtual range itself and maps whole dataspaces. Maps for other
// address spaces additionally accept an offset into the dataspace and a
// fixed local address.
//
// Lock order:
//
//	objpool.Entry lock of the dataspace
//	  Map.mu
//	    dataspace.Dataspace.mu
//	    rangealloc.Allocator.mu
package rm

import (
	"errors"
	"fmt"
	"time"

	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/sync"
	"github.com/google/btree"
)

// Errors returned by Map.
var (
	ErrInvalidDataspace  = errors.New("invalid dataspace")
	ErrNotSupported      = errors.New("not supported by core-local region map")
	ErrInvalidArgs       = errors.New("invalid arguments")
	ErrRegionConflict    = errors.New("region conflict")
	ErrOutOfVirtualSpace = errors.New("out of virtual address space")
	ErrMapFailed         = errors.New("mapping failed")
	ErrNotAttached       = errors.New("no region attached at address")
	ErrDestroyed         = errors.New("region map destroyed")
)

var (
	attachMetric        = metric.MustCreateNewUint64Metric("/core/rm/attach", "Number of successful attaches.")
	attachFailureMetric = metric.MustCreateNewUint64Metric("/core/rm/attach_failures", "Number of failed attaches.",
		metric.NewField("reason", []string{"invalid_dataspace", "not_supported", "invalid_args", "region_conflict", "out_of_virtual_space", "map_failed", "destroyed"}))
	detachMetric     = metric.MustCreateNewUint64Metric("/core/rm/detach", "Number of regions detached by clients.")
	detachMissMetric = metric.MustCreateNewUint64Metric("/core/rm/detach_misses", "Number of detaches at addresses without a region.")
	evictMetric      = metric.MustCreateNewUint64Metric("/core/rm/evict", "Number of regions detached because their dataspace was destroyed.")
)

// Opts are options to New.
type Opts struct {
	// Name labels the map in logs and errors.
	Name string

	// CoreLocal selects the core-local flavor.
	CoreLocal bool

	// VirtAlloc is the allocator of the map's address space.
	VirtAlloc *rangealloc.Allocator

	// Mapper installs translations in the map's address space.
	Mapper platform.Mapper

	// Pool resolves dataspace capabilities.
	Pool *objpool.Pool[*dataspace.Dataspace]
}

// AttachOpts are options to Attach.
type AttachOpts struct {
	// Size is the number of bytes to map. Zero maps the rest of the
	// dataspace from Offset. It is rounded up to pages.
	Size uint64

	// Offset is the page-aligned offset into the dataspace.
	Offset uint64

	// UseLocalAddr requests the mapping at LocalAddr.
	UseLocalAddr bool
	LocalAddr    hostarch.Addr

	// Executable requests an executable mapping.
	Executable bool
}

// Map is a region map. It is safe for concurrent use.
type Map struct {
	name      string
	coreLocal bool
	virt      *rangealloc.Allocator
	mapper    platform.Mapper
	pool      *objpool.Pool[*dataspace.Dataspace]

	log  log.Logger
	warn log.Logger

	mu sync.Mutex

	// regions is the interval index, ordered by base address. Regions in
	// it are attached and pairwise disjoint.
	//
	// +checklocks:mu
	regions *btree.BTreeG[*Region]

	// +checklocks:mu
	destroyed bool
}

func regionLess(a, b *Region) bool {
	return a.ar.Start < b.ar.Start
}

// New returns an empty region map.
func New(opts Opts) *Map {
	if opts.VirtAlloc == nil || opts.Mapper == nil || opts.Pool == nil {
		panic(fmt.Sprintf("incomplete region map options %+v", opts))
	}
	l := log.Tagged(log.Log(), opts.Name)
	return &Map{
		name:      opts.Name,
		coreLocal: opts.CoreLocal,
		virt:      opts.VirtAlloc,
		mapper:    opts.Mapper,
		pool:      opts.Pool,
		log:       l,
		warn:      log.BurstRateLimitedLogger(l, time.Second, 10),
		regions:   btree.NewG[*Region](8, regionLess),
	}
}

// Name returns the name of m.
func (m *Map) Name() string {
	return m.name
}

// CoreLocal returns true for the core-local flavor.
func (m *Map) CoreLocal() bool {
	return m.coreLocal
}

func toRange(ar hostarch.AddrRange) rangealloc.Range {
	return rangealloc.Range{Start: uint64(ar.Start), End: uint64(ar.End)}
}

func fromRange(r rangealloc.Range) hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)}
}

func (m *Map) attachFailed(reason string, err error) error {
	attachFailureMetric.Increment(reason)
	return fmt.Errorf("%s: attach: %w", m.name, err)
}

// Attach maps the dataspace named by dsCap and returns the base address of
// the mapping.
func (m *Map) Attach(dsCap capability.Capability, opts AttachOpts) (hostarch.Addr, error) {
	g := m.pool.LookupAndLock(dsCap)
	defer g.Release()
	if !g.Valid() || !g.Object().Valid() {
		m.warn.Warningf("attach: invalid dataspace %v", dsCap)
		return 0, m.attachFailed("invalid_dataspace", fmt.Errorf("%v: %w", dsCap, ErrInvalidDataspace))
	}
	ds := g.Object()

	if m.coreLocal && (opts.UseLocalAddr || opts.Offset != 0) {
		m.warn.Warningf("attach: local address %v and offset %#x not supported", opts.LocalAddr, opts.Offset)
		return 0, m.attachFailed("not_supported", ErrNotSupported)
	}
	if !hostarch.IsPageAligned(opts.Offset) || opts.Offset >= ds.Size() {
		m.warn.Warningf("attach: bad offset %#x into %v", opts.Offset, ds)
		return 0, m.attachFailed("invalid_args", fmt.Errorf("offset %#x: %w", opts.Offset, ErrInvalidArgs))
	}
	size := opts.Size
	if size == 0 {
		size = ds.Size() - opts.Offset
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size > ds.Size()-opts.Offset {
		m.warn.Warningf("attach: size %#x at offset %#x exceeds %v", opts.Size, opts.Offset, ds)
		return 0, m.attachFailed("invalid_args", fmt.Errorf("size %#x: %w", opts.Size, ErrInvalidArgs))
	}
	if opts.UseLocalAddr && !opts.LocalAddr.IsPageAligned() {
		return 0, m.attachFailed("invalid_args", fmt.Errorf("local address %v: %w", opts.LocalAddr, ErrInvalidArgs))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0, m.attachFailed("destroyed", ErrDestroyed)
	}

	vr, reason, err := m.allocVirtual(size, opts)
	if err != nil {
		m.warn.Warningf("attach: %v", err)
		return 0, m.attachFailed(reason, err)
	}
	cu := cleanup.Make(func() {
		if err := m.virt.Free(vr); err != nil {
			panic(fmt.Sprintf("freeing %v after failed attach: %v", vr, err))
		}
	})
	defer cu.Clean()

	ar := fromRange(vr)
	mopts := platform.MapOpts{
		Writable:   ds.Writable(),
		Executable: opts.Executable,
		MemoryType: ds.MemoryType(),
	}
	var mapped uint64
	cu.Add(func() {
		if mapped > 0 {
			m.mapper.Unmap(ar.Start, mapped>>hostarch.PageShift)
		}
	})
	phys := ds.Phys() + opts.Offset
	for mapped < size {
		va := ar.Start + hostarch.Addr(mapped)
		pa := phys + mapped
		chunk := uint64(hostarch.PageSize)
		if va.IsHugePageAligned() && hostarch.IsHugePageAligned(pa) && size-mapped >= hostarch.HugePageSize {
			chunk = hostarch.HugePageSize
		}
		if err := m.mapper.Map(pa, va, chunk>>hostarch.PageShift, mopts); err != nil {
			m.log.Warningf("attach: mapping %#x->%v failed after %#x of %#x bytes: %v", pa, va, mapped, size, err)
			return 0, m.attachFailed("map_failed", fmt.Errorf("%w: %w", ErrMapFailed, err))
		}
		mapped += chunk
	}

	r := &Region{
		m:          m,
		ds:         ds,
		dsID:       dsCap.ID(),
		ar:         ar,
		offset:     opts.Offset,
		writable:   mopts.Writable,
		executable: opts.Executable,
	}
	if err := ds.AttachedTo(r); err != nil {
		return 0, m.attachFailed("invalid_dataspace", fmt.Errorf("%v: %w: %w", dsCap, ErrInvalidDataspace, err))
	}
	m.regions.ReplaceOrInsert(r)
	r.state = regionAttached
	cu.Release()

	attachMetric.Increment()
	m.log.Debugf("attached %v at %v (%s)", ds, ar, mopts)
	return ar.Start, nil
}

// allocVirtual allocates the virtual range for an attach of size bytes. On
// failure it returns the metric reason along with the error.
//
// +checklocks:m.mu
func (m *Map) allocVirtual(size uint64, opts AttachOpts) (rangealloc.Range, string, error) {
	if opts.UseLocalAddr {
		end, ok := opts.LocalAddr.AddLength(size)
		if !ok {
			return rangealloc.Range{}, "region_conflict", fmt.Errorf("%v+%#x: %w", opts.LocalAddr, size, ErrRegionConflict)
		}
		r := toRange(hostarch.AddrRange{Start: opts.LocalAddr, End: end})
		if err := m.virt.AllocAt(r); err != nil {
			return rangealloc.Range{}, "region_conflict", fmt.Errorf("%w: %w", ErrRegionConflict, err)
		}
		return r, "", nil
	}

	// Large regions are super-page aligned so that they can be mapped with
	// super pages. If that fails the region still fits at page alignment.
	if size >= hostarch.HugePageSize {
		if r, err := m.virt.Alloc(size, rangealloc.AllocOpts{Align: hostarch.HugePageSize}); err == nil {
			return r, "", nil
		}
	}
	r, err := m.virt.Alloc(size, rangealloc.AllocOpts{Align: hostarch.PageSize})
	if err != nil {
		return rangealloc.Range{}, "out_of_virtual_space", fmt.Errorf("%#x bytes: %w: %w", size, ErrOutOfVirtualSpace, err)
	}
	return r, "", nil
}

// findLocked returns the region containing addr, or nil.
//
// +checklocks:m.mu
func (m *Map) findLocked(addr hostarch.Addr) *Region {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{ar: hostarch.AddrRange{Start: addr}}, func(r *Region) bool {
		if r.ar.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Detach removes the region containing addr. If there is none, it logs a
// warning and returns ErrNotAttached, and m is unchanged.
func (m *Map) Detach(addr hostarch.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return fmt.Errorf("%s: detach %v: %w", m.name, addr, ErrDestroyed)
	}
	r := m.findLocked(addr)
	if r == nil {
		detachMissMetric.Increment()
		m.warn.Warningf("detach at %v: no region attached", addr)
		return fmt.Errorf("%s: detach %v: %w", m.name, addr, ErrNotAttached)
	}
	m.detachLocked(r)
	detachMetric.Increment()
	return nil
}

// evict detaches r if it is still attached.
func (m *Map) evict(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state != regionAttached {
		return
	}
	m.detachLocked(r)
	evictMetric.Increment()
}

// detachLocked tears down r. It panics with *ConsistencyError if the
// bookkeeping of m and of r's dataspace disagree.
//
// +checklocks:m.mu
func (m *Map) detachLocked(r *Region) {
	if r.state != regionAttached {
		panic(&ConsistencyError{Map: m.name, Region: r.Info(), Msg: fmt.Sprintf("detach of %v region", r.state)})
	}
	m.regions.Delete(r)
	m.mapper.Unmap(r.ar.Start, r.ar.Pages())
	if err := m.virt.Free(toRange(r.ar)); err != nil {
		r.state = regionDetached
		panic(&ConsistencyError{Map: m.name, Region: r.Info(), Msg: fmt.Sprintf("freeing virtual range: %v", err)})
	}
	ok := r.ds.DetachedFrom(r)
	r.state = regionDetached
	if !ok {
		panic(&ConsistencyError{Map: m.name, Region: r.Info(), Msg: "region missing from dataspace back-references"})
	}
	m.log.Debugf("detached %v from %v", r.ds, r.ar)
}

// Lookup returns the region containing addr.
func (m *Map) Lookup(addr hostarch.Addr) (RegionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.findLocked(addr); r != nil {
		return r.Info(), true
	}
	return RegionInfo{}, false
}

// Regions returns every attached region, ordered by base address.
func (m *Map) Regions() []RegionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]RegionInfo, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		infos = append(infos, r.Info())
		return true
	})
	return infos
}

// NumRegions returns the number of attached regions.
func (m *Map) NumRegions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions.Len()
}

// Destroy detaches every region. Later attaches and detaches fail with
// ErrDestroyed. Destroy is idempotent.
func (m *Map) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	var rs []*Region
	m.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	for _, r := range rs {
		m.detachLocked(r)
	}
	m.log.Debugf("destroyed, %d regions detached", len(rs))
}
