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

// Package core assembles the resource-management core of the system: the
// platform allocators, the capability index, the object pools, the
// core-local region map and the sessions built on them.
//
// Core owns all physical resources at boot. RAM reaches clients through RAM
// sessions whose quota is transferred from core's own RAM session; device
// resources reach drivers through IO memory, IO port and IRQ sessions.
package core

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/device"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/core/ram"
	"capcore.dev/capcore/pkg/core/rm"
	"capcore.dev/capcore/pkg/core/rom"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/rangealloc"
)

// ErrInvalidSession is returned for capabilities that do not name a
// session of the expected kind.
var ErrInvalidSession = errors.New("invalid session")

// Opts are options to New.
type Opts struct {
	Platform platform.Opts

	// IO is used to clear RAM dataspaces. If nil, they are handed out as
	// found.
	IO platform.IO

	// LogRefs enables reference event logging on capabilities.
	LogRefs bool

	// Release is called when the last reference to a capability is
	// dropped, to free the kernel object it names.
	Release func(capability.ID, capability.Dst)
}

// Core is an initialized core.
type Core struct {
	platform *platform.Platform
	caps     *capability.Table

	dataspaces  *objpool.Pool[*dataspace.Dataspace]
	ramSessions *objpool.Pool[*ram.Session]

	// rm is core's own address space.
	rm *rm.Map

	// ram is core's RAM session. It holds all RAM quota at boot.
	ram *ram.Session

	rom *rom.FS

	io platform.IO

	// nextDst numbers kernel destinations of session objects, which have
	// no physical address.
	nextDst atomic.Uint64
}

// New boots a core on the machine described by info, using mapper to
// populate core's address space.
func New(info platform.BootInfo, mapper platform.Mapper, opts Opts) (*Core, error) {
	p, err := platform.New(info, mapper, opts.Platform)
	if err != nil {
		return nil, err
	}
	release := opts.Release
	if release == nil {
		release = func(id capability.ID, dst capability.Dst) {
			log.Debugf("capability %d released (destination %#x)", id, dst)
		}
	}
	caps := capability.NewTable(capability.TableOpts{
		IDs:     p.CapIDAlloc(),
		Release: release,
		LogRefs: opts.LogRefs,
	})
	c := &Core{
		platform:    p,
		caps:        caps,
		dataspaces:  objpool.New[*dataspace.Dataspace](caps),
		ramSessions: objpool.New[*ram.Session](caps),
		io:          opts.IO,
	}
	c.rm = rm.New(rm.Opts{
		Name:      "core",
		CoreLocal: true,
		VirtAlloc: p.RegionAlloc(),
		Mapper:    mapper,
		Pool:      c.dataspaces,
	})

	cu := cleanup.Make(c.rm.Destroy)
	defer cu.Clean()

	c.ram = ram.New(ram.Opts{
		Label:  "core",
		RAM:    p.RAMAlloc(),
		Pool:   c.dataspaces,
		Virt:   p.RegionAlloc(),
		Mapper: mapper,
		IO:     opts.IO,
	})
	if err := c.ram.SetQuota(p.RAMAlloc().Avail()); err != nil {
		return nil, err
	}
	cu.Add(c.ram.Destroy)

	c.rom, err = rom.NewFS(c.dataspaces, p.Modules())
	if err != nil {
		return nil, err
	}
	cu.Release()

	log.Infof("Core: %#x bytes of RAM quota, %d ROM modules", c.ram.Quota(), len(c.rom.Names()))
	return c, nil
}

// Platform returns the platform allocators.
func (c *Core) Platform() *platform.Platform { return c.platform }

// Caps returns the capability table.
func (c *Core) Caps() *capability.Table { return c.caps }

// Dataspaces returns the dataspace pool.
func (c *Core) Dataspaces() *objpool.Pool[*dataspace.Dataspace] { return c.dataspaces }

// RM returns core's region map.
func (c *Core) RM() *rm.Map { return c.rm }

// RAM returns core's RAM session.
func (c *Core) RAM() *ram.Session { return c.ram }

// ROM returns the boot modules.
func (c *Core) ROM() *rom.FS { return c.rom }

// NewRAMSession creates a RAM session with core's RAM session as reference
// account and transfers quota to it. The returned capability names the
// session; it belongs to core until CloseRAMSession.
func (c *Core) NewRAMSession(label string, quota uint64) (capability.Capability, *ram.Session, error) {
	s := ram.New(ram.Opts{
		Label:  label,
		RAM:    c.platform.RAMAlloc(),
		Pool:   c.dataspaces,
		Virt:   c.platform.RegionAlloc(),
		Mapper: c.platform.Mapper(),
		IO:     c.io,
	})
	if err := s.RefAccount(c.ram); err != nil {
		return capability.Capability{}, nil, err
	}
	if err := c.ram.TransferQuota(s, quota); err != nil {
		return capability.Capability{}, nil, fmt.Errorf("session %q: %w", label, err)
	}
	sc, err := c.ramSessions.Insert(s, capability.Dst(c.nextDst.Add(1)))
	if err != nil {
		s.Destroy()
		return capability.Capability{}, nil, err
	}
	log.Debugf("RAM session %q with quota %#x as %v", label, quota, sc)
	return sc, s, nil
}

// RAMSession returns the session named by id.
func (c *Core) RAMSession(id capability.ID) (*ram.Session, error) {
	g := c.ramSessions.LookupAndLockID(id)
	defer g.Release()
	if !g.Valid() {
		return nil, fmt.Errorf("RAM session %d: %w", id, ErrInvalidSession)
	}
	return g.Object(), nil
}

// CloseRAMSession destroys the session named by sc. Its dataspaces are
// freed and its quota returns to core.
func (c *Core) CloseRAMSession(sc capability.Capability) error {
	g := c.ramSessions.LookupAndLock(sc)
	defer g.Release()
	if !g.Valid() {
		return fmt.Errorf("RAM session %v: %w", sc, ErrInvalidSession)
	}
	g.Object().Destroy()
	g.Remove()
	return nil
}

// NumRAMSessions returns the number of open RAM sessions, excluding core's.
func (c *Core) NumRAMSessions() int {
	return c.ramSessions.Len()
}

// NewRegionMap creates a region map over the address range space of a
// client address space populated through mapper.
func (c *Core) NewRegionMap(name string, space rangealloc.Range, mapper platform.Mapper) (*rm.Map, error) {
	virt := rangealloc.New(name)
	if err := virt.AddRange(space); err != nil {
		return nil, fmt.Errorf("region map %q: %w", name, err)
	}
	return rm.New(rm.Opts{
		Name:      name,
		VirtAlloc: virt,
		Mapper:    mapper,
		Pool:      c.dataspaces,
	}), nil
}

// OpenIOMem opens an IO memory session.
func (c *Core) OpenIOMem(opts device.IOMemOpts) (*device.IOMem, error) {
	return device.OpenIOMem(c.platform.IOMemAlloc(), c.dataspaces, opts)
}

// OpenIOPorts opens an IO port session.
func (c *Core) OpenIOPorts(base, count uint64) (*device.IOPorts, error) {
	return device.OpenIOPorts(c.platform.IOPortAlloc(), base, count)
}

// OpenIRQ opens an IRQ session.
func (c *Core) OpenIRQ(line uint64) (*device.IRQ, error) {
	return device.OpenIRQ(c.platform.IRQAlloc(), line)
}

// Dump writes the allocator state to w.
func (c *Core) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "capabilities: %d live\ndataspaces: %d\nRAM sessions: %d\ncore regions: %d\nRAM quota: %#x used %#x\n",
		c.caps.Len(), c.dataspaces.Len(), c.ramSessions.Len(), c.rm.NumRegions(), c.ram.Quota(), c.ram.Used()); err != nil {
		return err
	}
	return c.platform.Dump(w)
}

// Close tears core down: every RAM session is destroyed, core's region map
// is emptied and the ROM dataspaces are destroyed.
func (c *Core) Close() {
	for _, id := range c.ramSessions.IDs() {
		g := c.ramSessions.LookupAndLockID(id)
		if g.Valid() {
			g.Object().Destroy()
			g.Remove()
		}
		g.Release()
	}
	c.rm.Destroy()
	c.rom.Close()
	c.ram.Destroy()
}
