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

// Package ram implements RAM sessions, which allocate RAM dataspaces against
// a quota.
//
// A session's quota is assigned by transferring it from the session's
// reference account. Quota can only flow between a session and its
// reference account, in either direction.
//
// Lock order: dataspace pool entry lock, then Session.mu, then the RAM
// allocator. Session.mu is never held while calling into another session
// except in TransferQuota, which locks the two sessions in address order.
package ram

import (
	"errors"
	"fmt"
	"unsafe"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/sync"
)

// Errors returned by Session.
var (
	ErrInvalidDataspace = errors.New("invalid dataspace")
	ErrInvalidSize      = errors.New("invalid size")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrOutOfRAM         = errors.New("out of RAM")
	ErrInvalidSession   = errors.New("invalid session")
	ErrRefAccountSet    = errors.New("reference account already defined")
	ErrDestroyed        = errors.New("session destroyed")
)

var (
	allocBytesMetric = metric.MustCreateNewUint64Metric("/core/ram/alloc_bytes", "Bytes of RAM allocated to dataspaces.")
	freeBytesMetric  = metric.MustCreateNewUint64Metric("/core/ram/free_bytes", "Bytes of RAM returned by freed dataspaces.")
	allocFailMetric  = metric.MustCreateNewUint64Metric("/core/ram/alloc_failures", "Number of failed RAM allocations.",
		metric.NewField("reason", []string{"quota", "out_of_ram", "clear"}))
)

// Opts are options to New.
type Opts struct {
	// Label names the session in logs.
	Label string

	// RAM is the allocator of physical RAM.
	RAM *rangealloc.Allocator

	// Pool holds the dataspaces the session creates.
	Pool *objpool.Pool[*dataspace.Dataspace]

	// Virt, Mapper and IO are used to clear new dataspaces through a
	// temporary mapping in core. If IO is nil, dataspaces are not cleared.
	Virt   *rangealloc.Allocator
	Mapper platform.Mapper
	IO     platform.IO
}

// Session is a RAM session.
type Session struct {
	objpool.Entry

	label  string
	ram    *rangealloc.Allocator
	pool   *objpool.Pool[*dataspace.Dataspace]
	virt   *rangealloc.Allocator
	mapper platform.Mapper
	io     platform.IO
	log    log.Logger

	mu sync.Mutex

	// +checklocks:mu
	quota uint64

	// used is the size of all dataspaces, including allocations in flight.
	//
	// +checklocks:mu
	used uint64

	// +checklocks:mu
	ref *Session

	// dataspaces are the dataspaces allocated by this session, by
	// capability ID.
	//
	// +checklocks:mu
	dataspaces map[capability.ID]*dataspace.Dataspace

	// +checklocks:mu
	destroyed bool
}

// New returns a session without quota.
func New(opts Opts) *Session {
	return &Session{
		label:      opts.Label,
		ram:        opts.RAM,
		pool:       opts.Pool,
		virt:       opts.Virt,
		mapper:     opts.Mapper,
		io:         opts.IO,
		log:        log.Tagged(log.Log(), "ram "+opts.Label),
		dataspaces: make(map[capability.ID]*dataspace.Dataspace),
	}
}

// Label returns the session label.
func (s *Session) Label() string {
	return s.label
}

// SetQuota sets the quota of a session that has no reference account. It
// is how core hands its initial RAM to the first session.
func (s *Session) SetQuota(quota uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref != nil {
		return fmt.Errorf("%s: quota is assigned by the reference account: %w", s.label, ErrInvalidSession)
	}
	if quota < s.used {
		return fmt.Errorf("%s: quota %#x below usage %#x: %w", s.label, quota, s.used, ErrQuotaExceeded)
	}
	s.quota = quota
	return nil
}

// Quota returns the quota in bytes.
func (s *Session) Quota() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota
}

// Used returns the number of bytes allocated.
func (s *Session) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Avail returns the unused quota.
func (s *Session) Avail() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota - s.used
}

// NumDataspaces returns the number of dataspaces allocated by s.
func (s *Session) NumDataspaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dataspaces)
}

// RefAccount defines ref as the reference account of s. It can be defined
// only once.
func (s *Session) RefAccount(ref *Session) error {
	if ref == nil || ref == s {
		return fmt.Errorf("%s: reference account: %w", s.label, ErrInvalidSession)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref != nil {
		return fmt.Errorf("%s: %w", s.label, ErrRefAccountSet)
	}
	s.ref = ref
	return nil
}

// lockPair locks a and b in a fixed order.
func lockPair(a, b *Session) {
	if uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b)) {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

// TransferQuota moves amount bytes of unused quota from s to dst. dst must
// be the reference account of s, or s must be the reference account of dst.
func (s *Session) TransferQuota(dst *Session, amount uint64) error {
	if dst == nil || dst == s {
		return fmt.Errorf("%s: transfer to %v: %w", s.label, dst, ErrInvalidSession)
	}
	lockPair(s, dst)
	defer s.mu.Unlock()
	defer dst.mu.Unlock()
	if s.destroyed || dst.destroyed {
		return fmt.Errorf("%s: transfer: %w", s.label, ErrDestroyed)
	}
	if s.ref != dst && dst.ref != s {
		return fmt.Errorf("%s: transfer to %s: %w", s.label, dst.label, ErrInvalidSession)
	}
	if amount > s.quota-s.used {
		return fmt.Errorf("%s: transfer %#x with %#x available: %w", s.label, amount, s.quota-s.used, ErrQuotaExceeded)
	}
	s.quota -= amount
	dst.quota += amount
	return nil
}

// Alloc allocates a dataspace of at least size bytes with memory type mt and
// returns its capability. The memory is zeroed. The capability belongs to
// the dataspace pool and is valid until Free.
func (s *Session) Alloc(size uint64, mt hostarch.MemoryType) (capability.Capability, error) {
	size, ok := hostarch.PageRoundUp(size)
	if size == 0 || !ok || mt >= hostarch.NumMemoryTypes {
		return capability.Capability{}, fmt.Errorf("%s: alloc %#x %v: %w", s.label, size, mt, ErrInvalidSize)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return capability.Capability{}, fmt.Errorf("%s: alloc: %w", s.label, ErrDestroyed)
	}
	if size > s.quota-s.used {
		avail := s.quota - s.used
		s.mu.Unlock()
		allocFailMetric.Increment("quota")
		s.log.Debugf("alloc of %#x bytes exceeds quota (%#x available)", size, avail)
		return capability.Capability{}, fmt.Errorf("%s: alloc %#x with %#x available: %w", s.label, size, avail, ErrQuotaExceeded)
	}
	s.used += size
	s.mu.Unlock()

	phys, err := s.allocPhys(size)
	if err != nil {
		s.unreserve(size)
		allocFailMetric.Increment("out_of_ram")
		s.log.Warningf("alloc of %#x bytes: %v", size, err)
		return capability.Capability{}, fmt.Errorf("%s: alloc %#x: %w: %w", s.label, size, ErrOutOfRAM, err)
	}
	pr := rangealloc.Range{Start: phys, End: phys + size}
	if err := s.clear(pr, mt); err != nil {
		s.freePhys(pr)
		s.unreserve(size)
		allocFailMetric.Increment("clear")
		return capability.Capability{}, fmt.Errorf("%s: clearing %v: %w", s.label, pr, err)
	}

	ds := dataspace.New(dataspace.Opts{
		Phys:       phys,
		Size:       size,
		MemoryType: mt,
		Writable:   true,
		Kind:       dataspace.KindRAM,
	})
	c, err := s.pool.Insert(ds, capability.Dst(phys))
	if err != nil {
		s.freePhys(pr)
		s.unreserve(size)
		return capability.Capability{}, fmt.Errorf("%s: alloc: %w", s.label, err)
	}
	s.mu.Lock()
	s.dataspaces[c.ID()] = ds
	s.mu.Unlock()

	allocBytesMetric.IncrementBy(size)
	s.log.Debugf("allocated %v as %v", ds, c)
	return c, nil
}

// allocPhys allocates size bytes of RAM. Large allocations are super-page
// aligned when possible so that they can be mapped with super pages.
func (s *Session) allocPhys(size uint64) (uint64, error) {
	if size >= hostarch.HugePageSize {
		if r, err := s.ram.Alloc(size, rangealloc.AllocOpts{Align: hostarch.HugePageSize}); err == nil {
			return r.Start, nil
		}
	}
	r, err := s.ram.Alloc(size, rangealloc.AllocOpts{Align: hostarch.PageSize})
	if err != nil {
		return 0, err
	}
	return r.Start, nil
}

func (s *Session) freePhys(r rangealloc.Range) {
	if err := s.ram.Free(r); err != nil {
		panic(fmt.Sprintf("%s: freeing RAM %v: %v", s.label, r, err))
	}
}

func (s *Session) unreserve(size uint64) {
	s.mu.Lock()
	s.used -= size
	s.mu.Unlock()
}

// clear zeroes the physical range r through a temporary core mapping.
// Write-combined memory is cleared through an uncached mapping.
func (s *Session) clear(r rangealloc.Range, mt hostarch.MemoryType) error {
	if s.io == nil {
		return nil
	}
	vr, err := s.virt.Alloc(r.Length(), rangealloc.AllocOpts{Align: hostarch.PageSize})
	if err != nil {
		return fmt.Errorf("allocating core virtual range: %w", err)
	}
	defer func() {
		if err := s.virt.Free(vr); err != nil {
			panic(fmt.Sprintf("freeing core virtual range %v: %v", vr, err))
		}
	}()
	va := hostarch.Addr(vr.Start)
	pages := r.Length() >> hostarch.PageShift
	if err := s.mapper.Map(r.Start, va, pages, platform.MapOpts{Writable: true, MemoryType: mt.ForClearing()}); err != nil {
		return fmt.Errorf("core-local mapping: %w", err)
	}
	defer s.mapper.Unmap(va, pages)
	return s.io.ZeroOut(va, r.Length())
}

// Free destroys the dataspace named by c, which must have been allocated by
// s. Every region the dataspace is attached to is detached first.
func (s *Session) Free(c capability.Capability) error {
	g := s.pool.LookupAndLock(c)
	defer g.Release()
	if !g.Valid() {
		s.log.Debugf("free of invalid dataspace %v", c)
		return fmt.Errorf("%s: free %v: %w", s.label, c, ErrInvalidDataspace)
	}
	s.mu.Lock()
	owned := s.dataspaces[c.ID()] == g.Object()
	s.mu.Unlock()
	if !owned {
		return fmt.Errorf("%s: free %v not owned by session: %w", s.label, c, ErrInvalidDataspace)
	}
	s.destroyLocked(g)
	return nil
}

// destroyLocked destroys the dataspace held by g, drops it from s and
// returns its memory. If destruction panics, the dataspace stays in the
// pool and owned by s, so that it can be freed again.
func (s *Session) destroyLocked(g *objpool.Guard[*dataspace.Dataspace]) {
	ds := g.Object()
	id := ds.ID()
	ds.Destroy()
	s.mu.Lock()
	delete(s.dataspaces, id)
	s.mu.Unlock()
	g.Remove()
	s.freePhys(ds.PhysRange())
	s.unreserve(ds.Size())
	freeBytesMetric.IncrementBy(ds.Size())
	s.log.Debugf("freed %v", ds)
}

// destroyOwned destroys the dataspace with capability id if s owns it.
func (s *Session) destroyOwned(id capability.ID) {
	g := s.pool.LookupAndLockID(id)
	defer g.Release()
	if !g.Valid() {
		return
	}
	s.mu.Lock()
	owned := s.dataspaces[id] == g.Object()
	s.mu.Unlock()
	if owned {
		s.destroyLocked(g)
	}
}

// Destroy frees every dataspace of s and returns its quota to the reference
// account, if any. Later allocations fail with ErrDestroyed. Destroy is
// idempotent; after a contained consistency error it may be called again to
// finish the teardown.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	ids := make([]capability.ID, 0, len(s.dataspaces))
	for id := range s.dataspaces {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.destroyOwned(id)
	}

	s.mu.Lock()
	ref, quota := s.ref, s.quota
	s.quota = 0
	s.mu.Unlock()
	if ref != nil && quota > 0 {
		ref.mu.Lock()
		ref.quota += quota
		ref.mu.Unlock()
	}
	s.log.Debugf("destroyed")
}

// String implements fmt.Stringer.String.
func (s *Session) String() string {
	return "ram session " + s.label
}
