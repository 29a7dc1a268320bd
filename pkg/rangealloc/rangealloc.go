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

// Package rangealloc implements an allocator of disjoint numeric ranges.
//
// An Allocator manages a set of ranges that were added to it. Each managed
// byte (or port, or IRQ number) is either free or part of exactly one
// allocation. Free ranges are kept coalesced: two free ranges are never
// adjacent, so a sequence of allocations followed by frees of the same ranges
// leaves the free set exactly as it was.
//
// Allocation is first fit, which makes reuse deterministic: with BottomUp the
// lowest-addressed free range that can hold a request is used, so a range
// that was just freed is preferred over fresh space above it.
//
// Allocator locks are leaf locks. An Allocator never calls out of the package
// while holding its lock.
package rangealloc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"capcore.dev/capcore/pkg/sync"
	"github.com/google/btree"
)

// Errors returned by Allocator.
var (
	// ErrExhausted is returned when no free range can satisfy a request.
	ErrExhausted = errors.New("no free range large enough")

	// ErrInvalidRange is returned for empty or malformed ranges and
	// invalid alignments.
	ErrInvalidRange = errors.New("invalid range")

	// ErrOverlap is returned by AddRange when the range is already managed.
	ErrOverlap = errors.New("range overlaps a managed range")

	// ErrInUse is returned when a range overlaps an allocation.
	ErrInUse = errors.New("range is in use")

	// ErrNotManaged is returned by AllocAt when the range is not entirely
	// free and managed.
	ErrNotManaged = errors.New("range is not managed by the allocator")

	// ErrNotAllocated is returned by Free for a range that is not exactly
	// an allocation.
	ErrNotAllocated = errors.New("range is not allocated")
)

// Direction is the direction in which Alloc searches for a free range.
type Direction int

const (
	// BottomUp allocates the lowest-addressed fitting range.
	BottomUp Direction = iota

	// TopDown allocates the highest-addressed fitting range.
	TopDown
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case BottomUp:
		return "up"
	case TopDown:
		return "down"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// AllocOpts are options to Alloc.
type AllocOpts struct {
	// Align is the required alignment of the start of the allocation. It
	// must be zero or a power of two; zero means no alignment.
	Align uint64

	// Dir is the search direction.
	Dir Direction
}

// btreeDegree is the degree of the B-trees holding free and used ranges.
const btreeDegree = 8

func byStart(a, b Range) bool {
	return a.Start < b.Start
}

// Allocator manages disjoint ranges. It is safe for concurrent use.
type Allocator struct {
	name string

	mu sync.Mutex

	// free holds free ranges keyed by start. No two ranges in free overlap
	// or are adjacent.
	//
	// +checklocks:mu
	free *btree.BTreeG[Range]

	// used holds allocations keyed by start.
	//
	// +checklocks:mu
	used *btree.BTreeG[Range]

	// avail is the total length of free.
	//
	// +checklocks:mu
	avail uint64

	// allocated is the total length of used.
	//
	// +checklocks:mu
	allocated uint64
}

// New returns an empty Allocator. name labels it in dumps and errors.
func New(name string) *Allocator {
	return &Allocator{
		name: name,
		free: btree.NewG[Range](btreeDegree, byStart),
		used: btree.NewG[Range](btreeDegree, byStart),
	}
}

// Name returns the name the allocator was created with.
func (a *Allocator) Name() string {
	return a.name
}

// overlaps returns true if any item of t overlaps r, which must not be empty.
// Items of t are disjoint and sorted, so their ends are sorted too and only
// the item with the greatest start below r.End needs to be checked.
//
// +checklocks:a.mu
func (a *Allocator) overlaps(t *btree.BTreeG[Range], r Range) bool {
	found := false
	t.DescendLessOrEqual(Range{Start: r.End - 1}, func(item Range) bool {
		found = item.End > r.Start
		return false
	})
	return found
}

// collectOverlapping returns every item of t that overlaps r, in order.
func collectOverlapping(t *btree.BTreeG[Range], r Range) []Range {
	var items []Range
	t.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		if item.Overlaps(r) {
			items = append(items, item)
		}
		return false
	})
	t.AscendRange(Range{Start: r.Start + 1}, Range{Start: r.End}, func(item Range) bool {
		items = append(items, item)
		return true
	})
	return items
}

// insertFree adds r to the free set, merging it with adjacent free ranges.
// r must not overlap any managed range.
//
// +checklocks:a.mu
func (a *Allocator) insertFree(r Range) {
	a.avail += r.Length()
	var (
		prev    Range
		hasPrev bool
	)
	a.free.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		prev, hasPrev = item, true
		return false
	})
	if hasPrev && prev.End == r.Start {
		a.free.Delete(prev)
		r.Start = prev.Start
	}
	if next, ok := a.free.Get(Range{Start: r.End}); ok {
		a.free.Delete(next)
		r.End = next.End
	}
	a.free.ReplaceOrInsert(r)
}

// carve removes r from the free range f that contains it, putting back the
// parts of f on either side.
//
// +checklocks:a.mu
func (a *Allocator) carve(f, r Range) {
	a.free.Delete(f)
	if f.Start < r.Start {
		a.free.ReplaceOrInsert(Range{f.Start, r.Start})
	}
	if r.End < f.End {
		a.free.ReplaceOrInsert(Range{r.End, f.End})
	}
	a.avail -= r.Length()
}

// AddRange makes r available for allocation.
func (a *Allocator) AddRange(r Range) error {
	if !r.WellFormed() || r.Length() == 0 {
		return fmt.Errorf("%s: add %v: %w", a.name, r, ErrInvalidRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlaps(a.free, r) || a.overlaps(a.used, r) {
		return fmt.Errorf("%s: add %v: %w", a.name, r, ErrOverlap)
	}
	a.insertFree(r)
	return nil
}

// RemoveRange withdraws the free parts of r from the allocator. Parts of r
// that are not managed are ignored. It fails without changing anything if
// any part of r is allocated.
func (a *Allocator) RemoveRange(r Range) error {
	if !r.WellFormed() {
		return fmt.Errorf("%s: remove %v: %w", a.name, r, ErrInvalidRange)
	}
	if r.Length() == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlaps(a.used, r) {
		return fmt.Errorf("%s: remove %v: %w", a.name, r, ErrInUse)
	}
	for _, f := range collectOverlapping(a.free, r) {
		a.carve(f, f.Intersect(r))
	}
	return nil
}

// Alloc allocates a range of the given length.
func (a *Allocator) Alloc(length uint64, opts AllocOpts) (Range, error) {
	align := opts.Align
	if align == 0 {
		align = 1
	}
	if length == 0 || align&(align-1) != 0 {
		return Range{}, fmt.Errorf("%s: alloc %#x aligned to %#x: %w", a.name, length, opts.Align, ErrInvalidRange)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found  bool
		source Range
		result Range
	)
	fits := func(f Range) bool {
		if f.Length() < length {
			return false
		}
		var start uint64
		if opts.Dir == TopDown {
			start = (f.End - length) &^ (align - 1)
			if start < f.Start {
				return false
			}
		} else {
			start = (f.Start + align - 1) &^ (align - 1)
			if start < f.Start || start+length < start || start+length > f.End {
				return false
			}
		}
		found, source, result = true, f, Range{start, start + length}
		return true
	}
	if opts.Dir == TopDown {
		a.free.Descend(func(f Range) bool { return !fits(f) })
	} else {
		a.free.Ascend(func(f Range) bool { return !fits(f) })
	}
	if !found {
		return Range{}, fmt.Errorf("%s: alloc %#x aligned to %#x (%#x free): %w", a.name, length, align, a.avail, ErrExhausted)
	}
	a.carve(source, result)
	a.used.ReplaceOrInsert(result)
	a.allocated += length
	return result, nil
}

// AllocAt allocates exactly r.
func (a *Allocator) AllocAt(r Range) error {
	if !r.WellFormed() || r.Length() == 0 {
		return fmt.Errorf("%s: alloc at %v: %w", a.name, r, ErrInvalidRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlaps(a.used, r) {
		return fmt.Errorf("%s: alloc at %v: %w", a.name, r, ErrInUse)
	}
	var (
		f  Range
		ok bool
	)
	a.free.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		f, ok = item, item.IsSupersetOf(r)
		return false
	})
	if !ok {
		return fmt.Errorf("%s: alloc at %v: %w", a.name, r, ErrNotManaged)
	}
	a.carve(f, r)
	a.used.ReplaceOrInsert(r)
	a.allocated += r.Length()
	return nil
}

// Free returns an allocation made by Alloc or AllocAt. r must be exactly the
// allocated range.
func (a *Allocator) Free(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.used.Get(Range{Start: r.Start})
	if !ok || u.End != r.End {
		return fmt.Errorf("%s: free %v: %w", a.name, r, ErrNotAllocated)
	}
	a.used.Delete(u)
	a.allocated -= u.Length()
	a.insertFree(u)
	return nil
}

// IsFree returns true if r is entirely free.
func (a *Allocator) IsFree(r Range) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := false
	a.free.DescendLessOrEqual(Range{Start: r.Start}, func(item Range) bool {
		ok = item.IsSupersetOf(r)
		return false
	})
	return ok
}

// IsAllocated returns true if r is exactly one allocation.
func (a *Allocator) IsAllocated(r Range) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.used.Get(Range{Start: r.Start})
	return ok && u.End == r.End
}

// Avail returns the total length of free ranges.
func (a *Allocator) Avail() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avail
}

// Allocated returns the total length of allocations.
func (a *Allocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// FreeRanges returns the free ranges in ascending order.
func (a *Allocator) FreeRanges() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	return items(a.free)
}

// AllocatedRanges returns the allocations in ascending order.
func (a *Allocator) AllocatedRanges() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	return items(a.used)
}

func items(t *btree.BTreeG[Range]) []Range {
	rs := make([]Range, 0, t.Len())
	t.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Dump writes a human-readable description of the allocator to w.
func (a *Allocator) Dump(w io.Writer) error {
	free, used := a.FreeRanges(), a.AllocatedRanges()
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %#x free, %#x allocated\n", a.name, a.Avail(), a.Allocated())
	for _, r := range free {
		fmt.Fprintf(&b, "  free %v size %#x\n", r, r.Length())
	}
	for _, r := range used {
		fmt.Fprintf(&b, "  used %v size %#x\n", r, r.Length())
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// String implements fmt.Stringer.String.
func (a *Allocator) String() string {
	var b strings.Builder
	a.Dump(&b)
	return b.String()
}
