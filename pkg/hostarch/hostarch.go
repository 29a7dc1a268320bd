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

// Package hostarch describes the page geometry and address arithmetic of
// the machine that core manages.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size. All dataspaces and regions are
	// multiples of it.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the super page size.
	HugePageShift = 21

	// HugePageSize is the super page size. Large regions are aligned to it
	// so that they can be mapped with super page translations.
	HugePageSize = 1 << HugePageShift

	// PagesPerHugePage is the number of base pages in a super page.
	PagesPerHugePage = HugePageSize / PageSize
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown[T ~uint64 | ~uintptr](x T) T {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp[T ~uint64 | ~uintptr](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageSize - 1)
	ok = val >= x
	return
}

// HugePageRoundDown returns x rounded down to the nearest super page boundary.
func HugePageRoundDown[T ~uint64 | ~uintptr](x T) T {
	return x &^ (HugePageSize - 1)
}

// IsPageAligned returns true if x is a multiple of PageSize.
func IsPageAligned[T ~uint64 | ~uintptr](x T) bool {
	return x&(PageSize-1) == 0
}

// IsHugePageAligned returns true if x is a multiple of HugePageSize.
func IsHugePageAligned[T ~uint64 | ~uintptr](x T) bool {
	return x&(HugePageSize-1) == 0
}

// PagesOf returns the number of pages covering length bytes, rounding up.
func PagesOf(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
