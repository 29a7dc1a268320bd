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

// Package capability implements core's capability index.
//
// A capability is a reference to an object known to the kernel, named
// locally by an ID. The Table maps IDs to entries that carry the kernel
// destination of the object and a reference count. Each Capability value is
// one counted reference: Clone takes another one and Release drops it. When
// the last reference is dropped the entry leaves the table and the kernel
// destination is released through the table's release hook, exactly once.
//
// Lock order: Table.mu, then the ID allocator's lock.
package capability

import (
	"errors"
	"fmt"
	"sync/atomic"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/refs"
	"capcore.dev/capcore/pkg/sync"
)

// ErrOutOfIDs is returned by Table.Alloc when no capability ID is free.
var ErrOutOfIDs = errors.New("out of capability IDs")

// ID is the local name of a capability. It is what crosses the RPC
// transport. The zero ID is never valid.
type ID uint64

// Invalid is the invalid capability ID.
const Invalid ID = 0

// Dst is the kernel destination a capability refers to, such as a kernel
// object selector.
type Dst uint64

var (
	// liveEntries counts entries in all tables.
	liveEntries atomic.Int64

	releasedMetric = metric.MustCreateNewUint64Metric("/core/cap/released", "Number of capabilities whose kernel destination was released.")
)

func init() {
	metric.MustRegisterCustomUint64Metric("/core/cap/live", false /* cumulative */, "Number of live capability table entries.", func(...string) uint64 {
		return uint64(liveEntries.Load())
	})
}

// entry is a table entry. Its reference count is the number of Capability
// values referring to it.
type entry struct {
	refs.Refs[entry]

	table *Table
	id    ID
	dst   Dst

	// ownsID is true if the entry must return id to the table's ID
	// allocator when it dies.
	//
	// +checklocks:table.mu
	ownsID bool
}

// destroy is called when the last reference is dropped.
func (e *entry) destroy() {
	t := e.table
	t.mu.Lock()
	if cur := t.entries[e.id]; cur == e {
		delete(t.entries, e.id)
		if e.ownsID {
			if err := t.ids.Free(rangealloc.Range{Start: uint64(e.id), End: uint64(e.id) + 1}); err != nil {
				panic(fmt.Sprintf("freeing capability ID %d: %v", e.id, err))
			}
		}
	} else if cur != nil && e.ownsID {
		// Replaced by Insert while dying. The replacement inherits the
		// allocated ID.
		cur.ownsID = true
	}
	e.ownsID = false
	t.mu.Unlock()

	liveEntries.Add(-1)
	releasedMetric.Increment()
	if t.release != nil {
		t.release(e.id, e.dst)
	}
}

// TableOpts are options to NewTable.
type TableOpts struct {
	// IDs allocates IDs for Table.Alloc. If nil, Alloc always fails.
	IDs *rangealloc.Allocator

	// Release is called once for every entry whose last reference was
	// dropped, with no table lock held.
	Release func(id ID, dst Dst)

	// LogRefs enables reference event logging on every entry.
	LogRefs bool
}

// Table is a capability index. It is safe for concurrent use.
type Table struct {
	ids     *rangealloc.Allocator
	release func(ID, Dst)
	logRefs bool

	mu sync.Mutex

	// +checklocks:mu
	entries map[ID]*entry
}

// NewTable returns an empty table.
func NewTable(opts TableOpts) *Table {
	return &Table{
		ids:     opts.IDs,
		release: opts.Release,
		logRefs: opts.LogRefs,
		entries: make(map[ID]*entry),
	}
}

// +checklocks:t.mu
func (t *Table) newEntryLocked(id ID, dst Dst, ownsID bool) *entry {
	e := &entry{table: t, id: id, dst: dst, ownsID: ownsID}
	if t.logRefs {
		e.EnableLogging()
	}
	e.InitRefs()
	t.entries[id] = e
	liveEntries.Add(1)
	return e
}

// Insert returns a capability for id, creating an entry with destination
// dst if there is none. If a live entry exists, a new reference to it is
// returned and dst is ignored. Insert never fails for a valid id.
//
// IDs inside the range of the table's ID allocator are claimed from it, so
// that Alloc never hands them out while the entry lives.
func (t *Table) Insert(id ID, dst Dst) Capability {
	if id == Invalid {
		return Capability{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.entries[id]
	if old != nil && old.TryIncRef() {
		return Capability{old}
	}
	ownsID := false
	if old == nil && t.ids != nil {
		ownsID = t.ids.AllocAt(rangealloc.Range{Start: uint64(id), End: uint64(id) + 1}) == nil
	}
	return Capability{t.newEntryLocked(id, dst, ownsID)}
}

// Alloc allocates a fresh ID and returns a capability for it with
// destination dst.
func (t *Table) Alloc(dst Dst) (Capability, error) {
	if t.ids == nil {
		return Capability{}, fmt.Errorf("no capability ID allocator: %w", ErrOutOfIDs)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.ids.Alloc(1, rangealloc.AllocOpts{})
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %w", ErrOutOfIDs, err)
	}
	id := ID(r.Start)
	if id == Invalid {
		panic("capability ID allocator handed out the invalid ID")
	}
	if _, ok := t.entries[id]; ok {
		panic(fmt.Sprintf("allocated capability ID %d is in use", id))
	}
	return Capability{t.newEntryLocked(id, dst, true)}, nil
}

// Lookup returns a new reference to the entry for id. The result is invalid
// if there is no entry or the entry is being released.
func (t *Table) Lookup(id ID) Capability {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[id]; e != nil && e.TryIncRef() {
		return Capability{e}
	}
	log.Debugf("capability %d: lookup failed", id)
	return Capability{}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Capability is one reference to a capability table entry. The zero value
// is the invalid capability.
//
// A Capability must be released exactly once with Release. Copies of a
// Capability value share the reference; use Clone to take another one.
type Capability struct {
	e *entry
}

// Valid returns true if c refers to an entry.
func (c Capability) Valid() bool {
	return c.e != nil
}

// ID returns the local name of c, or Invalid.
func (c Capability) ID() ID {
	if c.e == nil {
		return Invalid
	}
	return c.e.id
}

// Dst returns the kernel destination of c.
func (c Capability) Dst() Dst {
	if c.e == nil {
		return 0
	}
	return c.e.dst
}

// Equal returns true if c and o name the same entry.
func (c Capability) Equal(o Capability) bool {
	return c.e == o.e
}

// Clone takes another reference. Cloning the invalid capability returns the
// invalid capability.
func (c Capability) Clone() Capability {
	if c.e == nil {
		return c
	}
	c.e.IncRef()
	return c
}

// Release drops the reference held by c. Releasing the invalid capability is
// a no-op.
func (c Capability) Release() {
	if c.e == nil {
		return
	}
	c.e.DecRef(c.e.destroy)
}

// String implements fmt.Stringer.String.
func (c Capability) String() string {
	if c.e == nil {
		return "cap(invalid)"
	}
	return fmt.Sprintf("cap(%d->%#x)", c.e.id, c.e.dst)
}
