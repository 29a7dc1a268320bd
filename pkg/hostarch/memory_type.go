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
	"strings"
)

// MemoryType is the cache attribute of a dataspace and of every mapping
// installed for it.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cached memory. It is what RAM
	// dataspaces get unless the client asks otherwise, and must be the zero
	// value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is uncached memory whose writes may be
	// buffered and merged. Frame buffers and DMA buffers use it.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strongly ordered device memory. IO_MEM
	// dataspaces default to it.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// Cached returns true if accesses through mappings of this type go through
// the cache.
func (mt MemoryType) Cached() bool {
	return mt == MemoryTypeWriteBack
}

// ForClearing returns the memory type core uses while zeroing a dataspace of
// type mt through a temporary mapping. Write-combined memory is cleared
// through an uncached mapping so that no data lingers in write buffers when
// the dataspace is handed out.
func (mt MemoryType) ForClearing() MemoryType {
	if mt == MemoryTypeWriteCombine {
		return MemoryTypeUncached
	}
	return mt
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// ParseMemoryType parses the names produced by String and ShortString, as
// well as "cached".
func ParseMemoryType(s string) (MemoryType, error) {
	switch strings.ToLower(s) {
	case "", "writeback", "wb", "cached":
		return MemoryTypeWriteBack, nil
	case "writecombine", "wc", "write-combined":
		return MemoryTypeWriteCombine, nil
	case "uncached", "uc":
		return MemoryTypeUncached, nil
	default:
		return 0, fmt.Errorf("invalid memory type %q", s)
	}
}
