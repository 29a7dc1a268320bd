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

package hostarch

import (
	"fmt"
)

// Addr is a virtual address in some region map's address space.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return PageRoundDown(v)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	return PageRoundUp(v)
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() wraps", v))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest super page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return HugePageRoundDown(v)
}

// IsPageAligned returns true if v is page aligned.
func (v Addr) IsPageAligned() bool {
	return IsPageAligned(v)
}

// IsHugePageAligned returns true if v is super page aligned.
func (v Addr) IsHugePageAligned() bool {
	return IsHugePageAligned(v)
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// ToRange returns [v, v+length). ok is false if the end overflows.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// AddrRange is a range of Addrs.
//
// type AddrRange <=> [Start, End)
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Pages returns the number of pages the range spans. ar must be page
// aligned.
func (ar AddrRange) Pages() uint64 {
	return ar.Length() >> PageShift
}

// Contains returns true if ar contains x.
func (ar AddrRange) Contains(x Addr) bool {
	return ar.Start <= x && x < ar.End
}

// Overlaps returns true if ar and ar2 overlap.
func (ar AddrRange) Overlaps(ar2 AddrRange) bool {
	return ar.Start < ar2.End && ar2.Start < ar.End
}

// IsSupersetOf returns true if ar is a superset of ar2; that is, the range
// ar2 is contained within ar.
func (ar AddrRange) IsSupersetOf(ar2 AddrRange) bool {
	return ar.Start <= ar2.Start && ar.End >= ar2.End
}

// Intersect returns a range consisting of the intersection between ar and
// ar2. If ar and ar2 do not overlap, Intersect returns a range with
// unspecified bounds, but for which Length() == 0.
func (ar AddrRange) Intersect(ar2 AddrRange) AddrRange {
	if ar.Start < ar2.Start {
		ar.Start = ar2.Start
	}
	if ar.End > ar2.End {
		ar.End = ar2.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// IsPageAligned returns true if both bounds of ar are page aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(ar.Start), uintptr(ar.End))
}
