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

// Package dataspace implements dataspaces, the unit of ownable memory.
//
// A Dataspace is a contiguous range of physical memory. It records every
// attachment (a region of some region map through which it is mapped) in a
// back-reference set, so that destroying the dataspace can force every
// region map to drop its mappings first.
//
// Two locks protect a dataspace. The objpool.Entry lock is held by whoever
// looked the dataspace up in its pool and serializes attach, free and
// destruction. Dataspace.mu guards only the back-reference set; it is taken
// after any region map lock and is never held while calling out.
package dataspace

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/sync"
)

// ErrDestroyed is returned by AttachedTo once the dataspace is being
// destroyed.
var ErrDestroyed = errors.New("dataspace destroyed")

var (
	createdMetric   = metric.MustCreateNewUint64Metric("/core/dataspace/created", "Number of dataspaces created.", metric.NewField("kind", []string{"ram", "rom", "io_mem"}))
	destroyedMetric = metric.MustCreateNewUint64Metric("/core/dataspace/destroyed", "Number of dataspaces destroyed.")
	evictedMetric   = metric.MustCreateNewUint64Metric("/core/dataspace/evictions", "Number of attachments force-detached by dataspace destruction.")
)

// ConsistencyError reports an attachment that stayed in the back-reference
// set of a dataspace after it was evicted. It is raised with panic and
// recovered by the entrypoint running the operation, like
// rm.ConsistencyError.
type ConsistencyError struct {
	Dataspace  string
	Attachment string
}

// Error implements error.Error.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: attachment %s survived eviction", e.Dataspace, e.Attachment)
}

// Kind is the origin of a dataspace's memory.
type Kind int

const (
	// KindRAM is memory allocated from the RAM allocator.
	KindRAM Kind = iota

	// KindROM is a boot module.
	KindROM

	// KindIOMem is device memory claimed from the IO memory allocator.
	KindIOMem
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindROM:
		return "rom"
	case KindIOMem:
		return "io_mem"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Attachment is a mapping of a dataspace. It is implemented by rm.Region.
type Attachment interface {
	// Evict detaches the attachment from its region map if it is still
	// attached. It is called without any dataspace lock held and must
	// call DetachedFrom before returning.
	Evict()
}

// Opts are options to New.
type Opts struct {
	// Phys is the physical base address. It must be page aligned.
	Phys uint64

	// Size is the size in bytes. It must be page aligned and nonzero.
	Size uint64

	MemoryType hostarch.MemoryType
	Writable   bool
	Kind       Kind
}

// Dataspace is a capability-addressed range of physical memory.
type Dataspace struct {
	objpool.Entry

	phys     uint64
	size     uint64
	memType  hostarch.MemoryType
	writable bool
	kind     Kind

	mu sync.Mutex

	// regions is the back-reference set.
	//
	// +checklocks:mu
	regions map[Attachment]struct{}

	// dying is set when destruction starts.
	//
	// +checklocks:mu
	dying bool

	// valid is cleared when destruction completes.
	//
	// +checklocks:mu
	valid bool
}

// New returns a valid dataspace with no attachments.
func New(opts Opts) *Dataspace {
	if opts.Size == 0 || !hostarch.IsPageAligned(opts.Size) || !hostarch.IsPageAligned(opts.Phys) {
		panic(fmt.Sprintf("dataspace at %#x size %#x is not page granular", opts.Phys, opts.Size))
	}
	createdMetric.Increment(opts.Kind.String())
	return &Dataspace{
		phys:     opts.Phys,
		size:     opts.Size,
		memType:  opts.MemoryType,
		writable: opts.Writable,
		kind:     opts.Kind,
		regions:  make(map[Attachment]struct{}),
		valid:    true,
	}
}

// Phys returns the physical base address.
func (d *Dataspace) Phys() uint64 { return d.phys }

// Size returns the size in bytes.
func (d *Dataspace) Size() uint64 { return d.size }

// MemoryType returns the cache attribute of mappings of d.
func (d *Dataspace) MemoryType() hostarch.MemoryType { return d.memType }

// Writable returns true if d may be mapped writable.
func (d *Dataspace) Writable() bool { return d.writable }

// Kind returns the origin of d's memory.
func (d *Dataspace) Kind() Kind { return d.kind }

// PhysRange returns the physical range of d.
func (d *Dataspace) PhysRange() rangealloc.Range {
	return rangealloc.Range{Start: d.phys, End: d.phys + d.size}
}

// Valid returns false once d has been destroyed.
func (d *Dataspace) Valid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valid
}

// AttachedTo adds a to the back-reference set.
func (d *Dataspace) AttachedTo(a Attachment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dying || !d.valid {
		return ErrDestroyed
	}
	d.regions[a] = struct{}{}
	return nil
}

// DetachedFrom removes a from the back-reference set and returns whether it
// was there. A false result means the caller's bookkeeping diverged from
// d's.
func (d *Dataspace) DetachedFrom(a Attachment) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[a]; !ok {
		return false
	}
	delete(d.regions, a)
	return true
}

// Attachments returns a snapshot of the back-reference set.
func (d *Dataspace) Attachments() []Attachment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// NumAttachments returns the size of the back-reference set.
func (d *Dataspace) NumAttachments() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regions)
}

// +checklocks:d.mu
func (d *Dataspace) snapshotLocked() []Attachment {
	as := make([]Attachment, 0, len(d.regions))
	for a := range d.regions {
		as = append(as, a)
	}
	return as
}

// Destroy detaches d from every region map it is attached to and
// invalidates it. Attachments are evicted with d.mu released, since Evict
// calls back into DetachedFrom. Destroy is idempotent.
//
// An attachment that is still recorded after its eviction panics with
// *ConsistencyError. d then stays valid and dying, and Destroy may be
// retried.
//
// The caller must hold d's pool guard, so that no attach runs concurrently.
func (d *Dataspace) Destroy() {
	d.mu.Lock()
	if !d.valid {
		d.mu.Unlock()
		return
	}
	d.dying = true
	for len(d.regions) > 0 {
		snap := d.snapshotLocked()
		d.mu.Unlock()
		for _, a := range snap {
			a.Evict()
			evictedMetric.Increment()
		}
		d.mu.Lock()
		for _, a := range snap {
			if _, ok := d.regions[a]; ok {
				d.mu.Unlock()
				panic(&ConsistencyError{Dataspace: d.String(), Attachment: fmt.Sprint(a)})
			}
		}
	}
	d.valid = false
	d.mu.Unlock()
	destroyedMetric.Increment()
	log.Debugf("%v destroyed", d)
}

// String implements fmt.Stringer.String.
func (d *Dataspace) String() string {
	return fmt.Sprintf("dataspace(%s %#x-%#x %s)", d.kind, d.phys, d.phys+d.size, d.memType.ShortString())
}
