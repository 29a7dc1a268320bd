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

package rangealloc

import (
	"fmt"
)

// Range is a half-open interval of numbers: physical addresses, virtual
// addresses, IO ports, IRQ numbers or capability ids.
//
// type Range <=> [Start, End)
type Range struct {
	Start uint64
	End   uint64
}

// RangeOf returns [start, start+length). ok is false if the end overflows.
func RangeOf(start, length uint64) (Range, bool) {
	end := start + length
	return Range{start, end}, end >= start
}

// WellFormed returns true if r.Start <= r.End.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r Range) Contains(x uint64) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r2 is contained within r.
func (r Range) IsSupersetOf(r2 Range) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns the intersection of r and r2. If they do not overlap, the
// result has unspecified bounds and Length() == 0.
func (r Range) Intersect(r2 Range) Range {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
