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
	"errors"
	"strings"
	"testing"

	"capcore.dev/capcore/pkg/rangealloc"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func testBootInfo() BootInfo {
	return BootInfo{
		Descriptors: []MemDesc{
			{Start: 0x0, End: 0x9f800, Type: DescConventional},
			{Start: 0x9f800, End: 0x100000, Type: DescReserved},
			{Start: 0x100000, End: 0x8000000, Type: DescConventional},
			{Start: 0x7f00000, End: 0x8000000, Type: DescBootloader},
			{Start: 0xfec00000, End: 0xfec01000, Type: DescArch},
			{Start: 0x0, End: 0x40000000, Type: DescVirtual},
		},
		Modules: []Module{
			{Name: "init", Start: 0x400000, Size: 0x1800},
		},
	}
}

func TestNew(t *testing.T) {
	info := testBootInfo()
	p, err := New(info, nil, Opts{
		ReservedVirtual: []rangealloc.Range{{Start: 0x10000000, End: 0x10100000}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wantRAM := []rangealloc.Range{
		// The partial page before the reserved descriptor is dropped.
		{Start: 0x0, End: 0x9f000},
		{Start: 0x100000, End: 0x400000},
		{Start: 0x402000, End: 0x7f00000},
	}
	if diff := cmp.Diff(wantRAM, p.RAMAlloc().FreeRanges()); diff != "" {
		t.Errorf("RAM mismatch (-want +got):\n%s", diff)
	}

	wantVirt := []rangealloc.Range{
		{Start: 0x1000, End: 0x10000000},
		{Start: 0x10100000, End: 0x40000000},
	}
	if diff := cmp.Diff(wantVirt, p.RegionAlloc().FreeRanges()); diff != "" {
		t.Errorf("virtual window mismatch (-want +got):\n%s", diff)
	}

	wantIOMem := []rangealloc.Range{
		// Partial pages of conventional memory belong to neither RAM
		// nor IO memory.
		{Start: 0xa0000, End: 0x100000},
		{Start: 0x8000000, End: physicalSpaceEnd},
	}
	if diff := cmp.Diff(wantIOMem, p.IOMemAlloc().FreeRanges()); diff != "" {
		t.Errorf("IO memory mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]rangealloc.Range{{Start: 0, End: 0x10000}}, p.IOPortAlloc().FreeRanges()); diff != "" {
		t.Errorf("IO ports mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]rangealloc.Range{{Start: 0, End: DefaultNumIRQs}}, p.IRQAlloc().FreeRanges()); diff != "" {
		t.Errorf("IRQs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]rangealloc.Range{{Start: 1, End: DefaultMaxCapIDs}}, p.CapIDAlloc().FreeRanges()); diff != "" {
		t.Errorf("capability IDs mismatch (-want +got):\n%s", diff)
	}

	// The platform keeps its own copy of the boot info.
	info.Modules[0].Name = "changed"
	if got := p.Modules()[0].Name; got != "init" {
		t.Errorf("module name got %q want %q", got, "init")
	}
}

func TestRAMAndVirtualDisjointFromIOMem(t *testing.T) {
	p, err := New(testBootInfo(), nil, Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, r := range p.RAMAlloc().FreeRanges() {
		for _, io := range p.IOMemAlloc().FreeRanges() {
			if r.Overlaps(io) {
				t.Errorf("RAM %v overlaps IO memory %v", r, io)
			}
		}
	}
}

func TestNewErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		info BootInfo
	}{
		{
			name: "no virtual window",
			info: BootInfo{Descriptors: []MemDesc{{Start: 0, End: 0x100000, Type: DescConventional}}},
		},
		{
			name: "two virtual windows",
			info: BootInfo{Descriptors: []MemDesc{
				{Start: 0, End: 0x100000, Type: DescVirtual},
				{Start: 0x200000, End: 0x300000, Type: DescVirtual},
			}},
		},
		{
			name: "virtual window of page zero only",
			info: BootInfo{Descriptors: []MemDesc{{Start: 0, End: 0x1000, Type: DescVirtual}}},
		},
		{
			name: "inverted descriptor",
			info: BootInfo{Descriptors: []MemDesc{
				{Start: 0x2000, End: 0x1000, Type: DescConventional},
				{Start: 0, End: 0x100000, Type: DescVirtual},
			}},
		},
		{
			name: "overlapping conventional memory",
			info: BootInfo{Descriptors: []MemDesc{
				{Start: 0, End: 0x10000, Type: DescConventional},
				{Start: 0x8000, End: 0x20000, Type: DescConventional},
				{Start: 0, End: 0x100000, Type: DescVirtual},
			}},
		},
		{
			name: "unaligned module",
			info: BootInfo{
				Descriptors: []MemDesc{{Start: 0, End: 0x100000, Type: DescVirtual}},
				Modules:     []Module{{Name: "x", Start: 0x10, Size: 0x10}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.info, nil, Opts{}); !errors.Is(err, ErrBadBootInfo) {
				t.Errorf("New got %v want %v", err, ErrBadBootInfo)
			}
		})
	}
}

func TestDescTypeText(t *testing.T) {
	const doc = `
descriptors:
  - {start: 0x100000, end: 0x200000, type: conventional}
  - {start: 0x0, end: 0x40000000, type: Virtual}
modules:
  - {name: init, start: 0x180000, size: 0x1000}
`
	var info BootInfo
	if err := yaml.Unmarshal([]byte(doc), &info); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	want := BootInfo{
		Descriptors: []MemDesc{
			{Start: 0x100000, End: 0x200000, Type: DescConventional},
			{Start: 0x0, End: 0x40000000, Type: DescVirtual},
		},
		Modules: []Module{{Name: "init", Start: 0x180000, Size: 0x1000}},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("decoded boot info mismatch (-want +got):\n%s", diff)
	}

	var dt DescType
	if err := dt.UnmarshalText([]byte("ram")); err == nil {
		t.Errorf("UnmarshalText(ram) succeeded")
	}
}

func TestDump(t *testing.T) {
	p, err := New(testBootInfo(), nil, Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var b strings.Builder
	if err := p.Dump(&b); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	for _, want := range []string{"boot memory map:", `module "init"`, "ram:", "virt:", "io_mem:", "io_port:", "irq:", "cap_id:"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("Dump output lacks %q:\n%s", want, b.String())
		}
	}
}
