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

package platform

import (
	"fmt"
	"strings"

	"capcore.dev/capcore/pkg/rangealloc"
)

// DescType is the type of a boot memory descriptor.
type DescType int

// Descriptor types, as reported by the kernel.
const (
	DescConventional DescType = iota
	DescReserved
	DescArch
	DescBootloader
	DescVirtual
	DescDedicated
	DescShared
	DescUndefined
)

var descTypeNames = [...]string{
	DescConventional: "conventional",
	DescReserved:     "reserved",
	DescArch:         "arch",
	DescBootloader:   "bootloader",
	DescVirtual:      "virtual",
	DescDedicated:    "dedicated",
	DescShared:       "shared",
	DescUndefined:    "undefined",
}

// String implements fmt.Stringer.String.
func (t DescType) String() string {
	if t >= 0 && int(t) < len(descTypeNames) {
		return descTypeNames[t]
	}
	return fmt.Sprintf("DescType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (t DescType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(descTypeNames) {
		return nil, fmt.Errorf("invalid descriptor type %d", int(t))
	}
	return []byte(descTypeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (t *DescType) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, name := range descTypeNames {
		if name == s {
			*t = DescType(i)
			return nil
		}
	}
	return fmt.Errorf("invalid descriptor type %q", s)
}

// MemDesc is a boot memory descriptor covering [Start, End).
type MemDesc struct {
	Start uint64   `toml:"start" yaml:"start"`
	End   uint64   `toml:"end" yaml:"end"`
	Type  DescType `toml:"type" yaml:"type"`
}

// Range returns the range covered by d.
func (d MemDesc) Range() rangealloc.Range {
	return rangealloc.Range{Start: d.Start, End: d.End}
}

// String implements fmt.Stringer.String.
func (d MemDesc) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", d.Type, d.Start, d.End)
}

// Module is a boot module, a file the boot loader placed in physical memory.
type Module struct {
	Name  string `toml:"name" yaml:"name"`
	Start uint64 `toml:"start" yaml:"start"`
	Size  uint64 `toml:"size" yaml:"size"`
}

// BootInfo is what the kernel reports about the machine at boot.
type BootInfo struct {
	Descriptors []MemDesc `toml:"descriptors" yaml:"descriptors"`
	Modules     []Module  `toml:"modules" yaml:"modules"`
}
