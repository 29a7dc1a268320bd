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

//go:build linux
// +build linux

// Package hostmem provides a simulated kernel for core on a Linux host.
//
// Physical memory is a memfd mapped into the process. A Kernel keeps a page
// table for core's address space and implements platform.Mapper and
// platform.IO on top of it, so that mappings installed by region maps can be
// read and written through their virtual addresses.
package hostmem

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/sync"
	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyMapped is returned by Map for a page that has a translation.
	ErrAlreadyMapped = errors.New("virtual page already mapped")

	// ErrBadAddress is returned for unaligned or out of range addresses.
	ErrBadAddress = errors.New("bad address")

	// ErrFault is returned by accesses through missing translations, and by
	// writes through read-only ones.
	ErrFault = errors.New("page fault")
)

// pte is a page table entry.
type pte struct {
	phys uint64
	opts platform.MapOpts
}

// Stats counts kernel operations.
type Stats struct {
	MapCalls     uint64
	UnmapCalls   uint64
	MappedPages  uint64
	DoubleUnmaps uint64
}

// Kernel is a simulated kernel. It is safe for concurrent use.
type Kernel struct {
	fd  int
	mem []byte

	// MapHook, if set, is called at the start of every Map. A non-nil
	// error fails the call. It must be set before the Kernel is shared.
	MapHook func(phys uint64, virt hostarch.Addr, pages uint64) error

	mu sync.Mutex

	// +checklocks:mu
	pt map[hostarch.Addr]pte

	// +checklocks:mu
	stats Stats
}

// New returns a kernel with physSize bytes of physical memory, all zero.
func New(physSize uint64) (*Kernel, error) {
	if physSize == 0 || !hostarch.IsPageAligned(physSize) {
		return nil, fmt.Errorf("physical size %#x: %w", physSize, ErrBadAddress)
	}
	fd, err := unix.MemfdCreate("capcore-phys", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(physSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate(%#x): %w", physSize, err)
	}
	mem, err := unix.Mmap(fd, 0, int(physSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap(%#x): %w", physSize, err)
	}
	return &Kernel{
		fd:  fd,
		mem: mem,
		pt:  make(map[hostarch.Addr]pte),
	}, nil
}

// Release unmaps and closes the backing memory.
func (k *Kernel) Release() error {
	if err := unix.Munmap(k.mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	k.mem = nil
	return unix.Close(k.fd)
}

// PhysSize returns the size of physical memory.
func (k *Kernel) PhysSize() uint64 {
	return uint64(len(k.mem))
}

// Map implements platform.Mapper.Map.
func (k *Kernel) Map(phys uint64, virt hostarch.Addr, pages uint64, opts platform.MapOpts) error {
	if k.MapHook != nil {
		if err := k.MapHook(phys, virt, pages); err != nil {
			return err
		}
	}
	length := pages << hostarch.PageShift
	if !hostarch.IsPageAligned(phys) || !virt.IsPageAligned() || pages == 0 ||
		phys+length < phys || phys+length > k.PhysSize() {
		return fmt.Errorf("map %#x->%v (%d pages): %w", phys, virt, pages, ErrBadAddress)
	}
	if _, ok := virt.AddLength(length); !ok {
		return fmt.Errorf("map %#x->%v (%d pages): %w", phys, virt, pages, ErrBadAddress)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.stats.MapCalls++
	for i := uint64(0); i < pages; i++ {
		if _, ok := k.pt[virt+hostarch.Addr(i<<hostarch.PageShift)]; ok {
			return fmt.Errorf("map %#x->%v (%d pages): page %d: %w", phys, virt, pages, i, ErrAlreadyMapped)
		}
	}
	for i := uint64(0); i < pages; i++ {
		off := i << hostarch.PageShift
		k.pt[virt+hostarch.Addr(off)] = pte{phys: phys + off, opts: opts}
	}
	k.stats.MappedPages += pages
	return nil
}

// Unmap implements platform.Mapper.Unmap. Unmapping a page without a
// translation is counted and logged.
func (k *Kernel) Unmap(virt hostarch.Addr, pages uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stats.UnmapCalls++
	for i := uint64(0); i < pages; i++ {
		va := virt + hostarch.Addr(i<<hostarch.PageShift)
		if _, ok := k.pt[va]; !ok {
			k.stats.DoubleUnmaps++
			log.Warningf("hostmem: unmap of unmapped page %v", va)
			continue
		}
		delete(k.pt, va)
		k.stats.MappedPages--
	}
}

// Translate returns the physical address and attributes virt is mapped to.
func (k *Kernel) Translate(virt hostarch.Addr) (uint64, platform.MapOpts, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.pt[virt.RoundDown()]
	if !ok {
		return 0, platform.MapOpts{}, false
	}
	return e.phys + virt.PageOffset(), e.opts, true
}

// Stats returns a snapshot of the kernel's counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}

// access calls fn for each page-bounded piece of [virt, virt+n) with the
// physical memory backing it.
func (k *Kernel) access(virt hostarch.Addr, n uint64, write bool, fn func(mem []byte, done uint64)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for done := uint64(0); done < n; {
		va := virt + hostarch.Addr(done)
		e, ok := k.pt[va.RoundDown()]
		if !ok {
			return fmt.Errorf("access at %v: %w", va, ErrFault)
		}
		if write && !e.opts.Writable {
			return fmt.Errorf("write at %v to read-only page: %w", va, ErrFault)
		}
		off := va.PageOffset()
		chunk := min(hostarch.PageSize-off, n-done)
		pa := e.phys + off
		fn(k.mem[pa:pa+chunk], done)
		done += chunk
	}
	return nil
}

// CopyIn implements platform.IO.CopyIn.
func (k *Kernel) CopyIn(virt hostarch.Addr, dst []byte) error {
	return k.access(virt, uint64(len(dst)), false, func(mem []byte, done uint64) {
		copy(dst[done:], mem)
	})
}

// CopyOut implements platform.IO.CopyOut.
func (k *Kernel) CopyOut(virt hostarch.Addr, src []byte) error {
	return k.access(virt, uint64(len(src)), true, func(mem []byte, done uint64) {
		copy(mem, src[done:])
	})
}

// ZeroOut implements platform.IO.ZeroOut.
func (k *Kernel) ZeroOut(virt hostarch.Addr, n uint64) error {
	return k.access(virt, n, true, func(mem []byte, _ uint64) {
		clear(mem)
	})
}

// ReadPhys copies physical memory at phys into dst, bypassing translation.
func (k *Kernel) ReadPhys(phys uint64, dst []byte) error {
	if phys+uint64(len(dst)) > k.PhysSize() {
		return fmt.Errorf("read %#x+%#x: %w", phys, len(dst), ErrBadAddress)
	}
	copy(dst, k.mem[phys:])
	return nil
}

// WritePhys copies src to physical memory at phys, bypassing translation.
func (k *Kernel) WritePhys(phys uint64, src []byte) error {
	if phys+uint64(len(src)) > k.PhysSize() {
		return fmt.Errorf("write %#x+%#x: %w", phys, len(src), ErrBadAddress)
	}
	copy(k.mem[phys:], src)
	return nil
}

var (
	_ platform.Mapper = (*Kernel)(nil)
	_ platform.IO     = (*Kernel)(nil)
)
