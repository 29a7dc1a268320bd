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

//go:build linux
// +build linux

package hostmem

import (
	"bytes"
	"errors"
	"testing"

	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

func newKernel(t *testing.T, size uint64) *Kernel {
	t.Helper()
	k, err := New(size)
	if err != nil {
		t.Fatalf("New(%#x): %v", size, err)
	}
	t.Cleanup(func() {
		if err := k.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return k
}

func TestMapCopy(t *testing.T) {
	k := newKernel(t, 16*hostarch.PageSize)
	const va = hostarch.Addr(0x40000000)
	if err := k.Map(2*hostarch.PageSize, va, 2, platform.MapOpts{Writable: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	// A write spanning the page boundary.
	data := []byte("across the page boundary")
	at := va + hostarch.PageSize - 4
	if err := k.CopyOut(at, data); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got := make([]byte, len(data))
	if err := k.CopyIn(at, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("CopyIn got %q want %q", got, data)
	}

	phys := make([]byte, len(data))
	if err := k.ReadPhys(3*hostarch.PageSize-4, phys); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if !bytes.Equal(phys, data) {
		t.Errorf("physical memory got %q want %q", phys, data)
	}

	if err := k.ZeroOut(va, 2*hostarch.PageSize); err != nil {
		t.Fatalf("ZeroOut: %v", err)
	}
	if err := k.ReadPhys(3*hostarch.PageSize-4, phys); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if !bytes.Equal(phys, make([]byte, len(data))) {
		t.Errorf("physical memory not zeroed: %q", phys)
	}
}

func TestMapErrors(t *testing.T) {
	k := newKernel(t, 4*hostarch.PageSize)
	opts := platform.MapOpts{Writable: true}
	if err := k.Map(0, 0x10000, 1, opts); err != nil {
		t.Fatalf("Map: %v", err)
	}
	for _, tc := range []struct {
		name  string
		phys  uint64
		virt  hostarch.Addr
		pages uint64
		want  error
	}{
		{"double map", hostarch.PageSize, 0x10000, 1, ErrAlreadyMapped},
		{"overlapping map", hostarch.PageSize, 0xf000, 2, ErrAlreadyMapped},
		{"beyond physical memory", 3 * hostarch.PageSize, 0x20000, 2, ErrBadAddress},
		{"unaligned virtual", 0, 0x20010, 1, ErrBadAddress},
		{"unaligned physical", 0x10, 0x20000, 1, ErrBadAddress},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := k.Map(tc.phys, tc.virt, tc.pages, opts); !errors.Is(err, tc.want) {
				t.Errorf("Map got %v want %v", err, tc.want)
			}
		})
	}
	// Failed maps leave nothing behind.
	if _, _, ok := k.Translate(0xf000); ok {
		t.Errorf("failed Map left a translation at 0xf000")
	}
	if got := k.Stats().MappedPages; got != 1 {
		t.Errorf("MappedPages got %d want 1", got)
	}
}

func TestReadOnlyFault(t *testing.T) {
	k := newKernel(t, hostarch.PageSize)
	if err := k.Map(0, 0x10000, 1, platform.MapOpts{}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := k.CopyOut(0x10000, []byte{1}); !errors.Is(err, ErrFault) {
		t.Errorf("write to read-only page got %v want %v", err, ErrFault)
	}
	if err := k.CopyIn(0x20000, make([]byte, 1)); !errors.Is(err, ErrFault) {
		t.Errorf("read of unmapped page got %v want %v", err, ErrFault)
	}
}

func TestUnmapAccounting(t *testing.T) {
	k := newKernel(t, 4*hostarch.PageSize)
	if err := k.Map(0, 0x10000, 2, platform.MapOpts{MemoryType: hostarch.MemoryTypeUncached}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	phys, opts, ok := k.Translate(0x11234)
	if !ok || phys != hostarch.PageSize+0x234 || opts.MemoryType != hostarch.MemoryTypeUncached {
		t.Errorf("Translate got (%#x, %v, %t)", phys, opts, ok)
	}
	k.Unmap(0x10000, 2)
	k.Unmap(0x10000, 1)
	want := Stats{MapCalls: 1, UnmapCalls: 2, MappedPages: 0, DoubleUnmaps: 1}
	if diff := cmp.Diff(want, k.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestMapHook(t *testing.T) {
	k := newKernel(t, hostarch.PageSize)
	injected := errors.New("injected")
	k.MapHook = func(uint64, hostarch.Addr, uint64) error { return injected }
	if err := k.Map(0, 0x10000, 1, platform.MapOpts{}); !errors.Is(err, injected) {
		t.Errorf("Map got %v want %v", err, injected)
	}
}
