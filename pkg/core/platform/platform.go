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

// Package platform seeds core's range allocators from the boot memory map
// and defines the kernel primitives core consumes.
//
// The Platform is the explicit context object that region maps and sessions
// are constructed with. It owns one allocator each for physical RAM, core's
// virtual address window, IO memory, IO ports, IRQ numbers and capability
// IDs.
package platform

import (
	"errors"
	"fmt"
	"io"

	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/rangealloc"
	"github.com/mohae/deepcopy"
)

// ErrBadBootInfo is returned by New for an inconsistent boot memory map.
var ErrBadBootInfo = errors.New("bad boot info")

// MapOpts are the attributes of a mapping.
type MapOpts struct {
	Writable   bool
	Executable bool
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	at := hostarch.AccessType{Read: true, Write: o.Writable, Execute: o.Executable}
	return fmt.Sprintf("%s %s", at, o.MemoryType.ShortString())
}

// Mapper is the kernel's mapping primitive for core's address space.
type Mapper interface {
	// Map installs translations for pages pages starting at physical
	// address phys and virtual address virt. Both must be page aligned. If
	// Map fails, no translation of this call remains installed.
	Map(phys uint64, virt hostarch.Addr, pages uint64, opts MapOpts) error

	// Unmap removes translations for pages pages starting at virt. Core
	// never unmaps a page it has not mapped.
	Unmap(virt hostarch.Addr, pages uint64)
}

// IO accesses memory through core-local virtual addresses.
type IO interface {
	// CopyIn copies len(dst) bytes from virt into dst.
	CopyIn(virt hostarch.Addr, dst []byte) error

	// CopyOut copies src to virt.
	CopyOut(virt hostarch.Addr, src []byte) error

	// ZeroOut zeroes n bytes starting at virt.
	ZeroOut(virt hostarch.Addr, n uint64) error
}

// Defaults for Opts.
const (
	DefaultNumIRQs   = 0x100
	DefaultMaxCapIDs = 1 << 20
)

// NumIOPorts is the size of the IO port space.
const NumIOPorts = 0x10000

// physicalSpaceEnd is the end of the last page of the physical address space.
const physicalSpaceEnd = ^uint64(0) &^ (hostarch.PageSize - 1)

// Opts are options to New.
type Opts struct {
	// ReservedVirtual are ranges of the virtual window core must not use.
	ReservedVirtual []rangealloc.Range

	// NumIRQs is the number of IRQ lines. Zero means DefaultNumIRQs.
	NumIRQs uint64

	// MaxCapIDs bounds capability IDs. Zero means DefaultMaxCapIDs.
	MaxCapIDs uint64
}

// Platform holds the allocators seeded at boot.
type Platform struct {
	info   BootInfo
	mapper Mapper

	ram    *rangealloc.Allocator
	virt   *rangealloc.Allocator
	ioMem  *rangealloc.Allocator
	ioPort *rangealloc.Allocator
	irq    *rangealloc.Allocator
	capIDs *rangealloc.Allocator
}

// New parses info and seeds the allocators. info is copied; the caller may
// modify it afterwards.
func New(info BootInfo, mapper Mapper, opts Opts) (*Platform, error) {
	p := &Platform{
		info:   deepcopy.Copy(info).(BootInfo),
		mapper: mapper,
		ram:    rangealloc.New("ram"),
		virt:   rangealloc.New("virt"),
		ioMem:  rangealloc.New("io_mem"),
		ioPort: rangealloc.New("io_port"),
		irq:    rangealloc.New("irq"),
		capIDs: rangealloc.New("cap_id"),
	}
	if opts.NumIRQs == 0 {
		opts.NumIRQs = DefaultNumIRQs
	}
	if opts.MaxCapIDs == 0 {
		opts.MaxCapIDs = DefaultMaxCapIDs
	}
	if err := p.setupBasics(opts); err != nil {
		return nil, err
	}
	if err := p.ioPort.AddRange(rangealloc.Range{Start: 0, End: NumIOPorts}); err != nil {
		return nil, err
	}
	if err := p.irq.AddRange(rangealloc.Range{Start: 0, End: opts.NumIRQs}); err != nil {
		return nil, err
	}
	if opts.MaxCapIDs < 2 {
		return nil, fmt.Errorf("%w: need at least one capability ID", ErrBadBootInfo)
	}
	if err := p.capIDs.AddRange(rangealloc.Range{Start: 1, End: opts.MaxCapIDs}); err != nil {
		return nil, err
	}
	log.Infof("Platform: %#x bytes of RAM, %#x bytes of virtual window, %d boot modules", p.ram.Avail(), p.virt.Avail(), len(p.info.Modules))
	return p, nil
}

// pageRange returns the smallest page-aligned range containing r.
func pageRange(r rangealloc.Range) rangealloc.Range {
	end, ok := hostarch.PageRoundUp(r.End)
	if !ok {
		end = physicalSpaceEnd
	}
	return rangealloc.Range{Start: hostarch.PageRoundDown(r.Start), End: end}
}

// setupBasics seeds the RAM, virtual window and IO memory allocators.
func (p *Platform) setupBasics(opts Opts) error {
	var haveVirtual bool
	for _, d := range p.info.Descriptors {
		if !d.Range().WellFormed() || d.Start == d.End {
			return fmt.Errorf("%w: empty or inverted descriptor %v", ErrBadBootInfo, d)
		}
		switch d.Type {
		case DescVirtual:
			if haveVirtual {
				return fmt.Errorf("%w: more than one virtual window", ErrBadBootInfo)
			}
			haveVirtual = true
			// Page 0 stays unmapped so that null dereferences in
			// core fault.
			start, ok := hostarch.PageRoundUp(d.Start)
			if !ok {
				return fmt.Errorf("%w: virtual window %v", ErrBadBootInfo, d)
			}
			if start < hostarch.PageSize {
				start = hostarch.PageSize
			}
			end := hostarch.PageRoundDown(d.End)
			if start >= end {
				return fmt.Errorf("%w: virtual window %v holds no page", ErrBadBootInfo, d)
			}
			if err := p.virt.AddRange(rangealloc.Range{Start: start, End: end}); err != nil {
				return err
			}
		case DescConventional:
			start, ok := hostarch.PageRoundUp(d.Start)
			if !ok {
				continue
			}
			end := hostarch.PageRoundDown(d.End)
			if start >= end {
				continue
			}
			if err := p.ram.AddRange(rangealloc.Range{Start: start, End: end}); err != nil {
				return fmt.Errorf("%w: %w", ErrBadBootInfo, err)
			}
		}
	}
	if !haveVirtual {
		return fmt.Errorf("%w: no virtual window", ErrBadBootInfo)
	}

	// Everything the kernel did not report as conventional is withheld
	// from RAM, even where it overlaps a conventional descriptor.
	for _, d := range p.info.Descriptors {
		if d.Type == DescConventional || d.Type == DescVirtual {
			continue
		}
		if err := p.ram.RemoveRange(pageRange(d.Range())); err != nil {
			return err
		}
	}
	for _, r := range opts.ReservedVirtual {
		if err := p.virt.RemoveRange(pageRange(r)); err != nil {
			return err
		}
	}

	// IO memory is everything that is not RAM. Boot modules live in RAM
	// and are taken out of both.
	if err := p.ioMem.AddRange(rangealloc.Range{Start: 0, End: physicalSpaceEnd}); err != nil {
		return err
	}
	for _, d := range p.info.Descriptors {
		if d.Type != DescConventional {
			continue
		}
		if err := p.ioMem.RemoveRange(pageRange(d.Range())); err != nil {
			return err
		}
	}
	for _, m := range p.info.Modules {
		if !hostarch.IsPageAligned(m.Start) || m.Size == 0 {
			return fmt.Errorf("%w: module %q at %#x size %#x", ErrBadBootInfo, m.Name, m.Start, m.Size)
		}
		r := pageRange(rangealloc.Range{Start: m.Start, End: m.Start + m.Size})
		if err := p.ram.RemoveRange(r); err != nil {
			return err
		}
		if err := p.ioMem.RemoveRange(r); err != nil {
			return err
		}
	}
	return nil
}

// Mapper returns the kernel mapping primitive.
func (p *Platform) Mapper() Mapper { return p.mapper }

// RAMAlloc returns the allocator of physical RAM.
func (p *Platform) RAMAlloc() *rangealloc.Allocator { return p.ram }

// RegionAlloc returns the allocator of core's virtual address window.
func (p *Platform) RegionAlloc() *rangealloc.Allocator { return p.virt }

// IOMemAlloc returns the allocator of device memory.
func (p *Platform) IOMemAlloc() *rangealloc.Allocator { return p.ioMem }

// IOPortAlloc returns the allocator of IO ports.
func (p *Platform) IOPortAlloc() *rangealloc.Allocator { return p.ioPort }

// IRQAlloc returns the allocator of IRQ numbers.
func (p *Platform) IRQAlloc() *rangealloc.Allocator { return p.irq }

// CapIDAlloc returns the allocator of capability IDs.
func (p *Platform) CapIDAlloc() *rangealloc.Allocator { return p.capIDs }

// Modules returns the boot modules.
func (p *Platform) Modules() []Module {
	return append([]Module(nil), p.info.Modules...)
}

// BootInfo returns a copy of the boot info the platform was created with.
func (p *Platform) BootInfo() BootInfo {
	return deepcopy.Copy(p.info).(BootInfo)
}

// Allocators returns every allocator, in a fixed order.
func (p *Platform) Allocators() []*rangealloc.Allocator {
	return []*rangealloc.Allocator{p.ram, p.virt, p.ioMem, p.ioPort, p.irq, p.capIDs}
}

// Dump writes the boot memory map and the state of every allocator to w.
func (p *Platform) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "boot memory map:\n"); err != nil {
		return err
	}
	for _, d := range p.info.Descriptors {
		if _, err := fmt.Fprintf(w, "  %v\n", d); err != nil {
			return err
		}
	}
	for _, m := range p.info.Modules {
		if _, err := fmt.Fprintf(w, "  module %q at %#x size %#x\n", m.Name, m.Start, m.Size); err != nil {
			return err
		}
	}
	for _, a := range p.Allocators() {
		if err := a.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
