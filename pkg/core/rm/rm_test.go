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

package rm

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/rangealloc"
	"github.com/google/go-cmp/cmp"
)

var errInjected = errors.New("injected map failure")

type mapCall struct {
	Phys  uint64
	Virt  hostarch.Addr
	Pages uint64
}

// fakeMapper is a page table that can be told to fail.
type fakeMapper struct {
	mu sync.Mutex

	pages        map[hostarch.Addr]uint64
	calls        []mapCall
	unmapped     uint64
	doubleUnmaps uint64

	// failAt fails the failAt-th Map call, counting from 1.
	failAt int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{pages: make(map[hostarch.Addr]uint64)}
}

func (f *fakeMapper) Map(phys uint64, virt hostarch.Addr, pages uint64, opts platform.MapOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mapCall{phys, virt, pages})
	if len(f.calls) == f.failAt {
		return errInjected
	}
	for i := uint64(0); i < pages; i++ {
		if _, ok := f.pages[virt+hostarch.Addr(i*hostarch.PageSize)]; ok {
			return fmt.Errorf("page %v already mapped", virt+hostarch.Addr(i*hostarch.PageSize))
		}
	}
	for i := uint64(0); i < pages; i++ {
		f.pages[virt+hostarch.Addr(i*hostarch.PageSize)] = phys + i*hostarch.PageSize
	}
	return nil
}

func (f *fakeMapper) Unmap(virt hostarch.Addr, pages uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < pages; i++ {
		va := virt + hostarch.Addr(i*hostarch.PageSize)
		if _, ok := f.pages[va]; !ok {
			f.doubleUnmaps++
			continue
		}
		delete(f.pages, va)
		f.unmapped++
	}
}

func (f *fakeMapper) mappedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

const (
	virtBase = 0x40000000
	virtSize = 0x4000000
)

type testEnv struct {
	t      *testing.T
	pool   *objpool.Pool[*dataspace.Dataspace]
	virt   *rangealloc.Allocator
	mapper *fakeMapper
	m      *Map
	phys   uint64
}

func newEnv(t *testing.T, coreLocal bool) *testEnv {
	t.Helper()
	ids := rangealloc.New("ids")
	if err := ids.AddRange(rangealloc.Range{Start: 1, End: 1 << 16}); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	virt := rangealloc.New("virt")
	if err := virt.AddRange(rangealloc.Range{Start: virtBase, End: virtBase + virtSize}); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	e := &testEnv{
		t:      t,
		pool:   objpool.New[*dataspace.Dataspace](capability.NewTable(capability.TableOpts{IDs: ids})),
		virt:   virt,
		mapper: newFakeMapper(),
		phys:   0x10000000,
	}
	e.m = e.newMap("test", coreLocal, virt)
	return e
}

func (e *testEnv) newMap(name string, coreLocal bool, virt *rangealloc.Allocator) *Map {
	return New(Opts{
		Name:      name,
		CoreLocal: coreLocal,
		VirtAlloc: virt,
		Mapper:    e.mapper,
		Pool:      e.pool,
	})
}

// newDataspace creates a dataspace of the given size at the next physical
// address aligned to align.
func (e *testEnv) newDataspace(size, align uint64) (*dataspace.Dataspace, capability.Capability) {
	e.t.Helper()
	if align == 0 {
		align = hostarch.PageSize
	}
	phys := (e.phys + align - 1) &^ (align - 1)
	e.phys = phys + size
	ds := dataspace.New(dataspace.Opts{Phys: phys, Size: size, Writable: true})
	c, err := e.pool.Insert(ds, 0)
	if err != nil {
		e.t.Fatalf("Insert: %v", err)
	}
	return ds, c
}

func (e *testEnv) attach(c capability.Capability, opts AttachOpts) hostarch.Addr {
	e.t.Helper()
	addr, err := e.m.Attach(c, opts)
	if err != nil {
		e.t.Fatalf("Attach(%v, %+v): %v", c, opts, err)
	}
	return addr
}

func TestAttachDetachRoundTrip(t *testing.T) {
	e := newEnv(t, true)
	before := e.virt.FreeRanges()
	ds, c := e.newDataspace(3*hostarch.PageSize, 0)

	addr := e.attach(c, AttachOpts{})
	info, ok := e.m.Lookup(addr + hostarch.PageSize + 5)
	if !ok {
		t.Fatalf("Lookup inside the region failed")
	}
	if got, want := info.Range.Length(), uint64(3*hostarch.PageSize); got != want {
		t.Errorf("region length got %#x want %#x", got, want)
	}
	if got := e.mapper.mappedPages(); got != 3 {
		t.Errorf("mapped pages got %d want 3", got)
	}
	if got := ds.NumAttachments(); got != 1 {
		t.Errorf("NumAttachments() got %d want 1", got)
	}

	if err := e.m.Detach(addr); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if diff := cmp.Diff(before, e.virt.FreeRanges()); diff != "" {
		t.Errorf("free virtual ranges not restored (-want +got):\n%s", diff)
	}
	if got := e.mapper.mappedPages(); got != 0 {
		t.Errorf("mapped pages after Detach got %d want 0", got)
	}
	if got := ds.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments() after Detach got %d want 0", got)
	}
}

func TestAttachSizes(t *testing.T) {
	e := newEnv(t, false)
	_, c := e.newDataspace(4*hostarch.PageSize, 0)
	for _, tc := range []struct {
		name     string
		opts     AttachOpts
		wantSize uint64
		wantErr  error
	}{
		{"whole", AttachOpts{}, 4 * hostarch.PageSize, nil},
		{"rounded", AttachOpts{Size: hostarch.PageSize + 1}, 2 * hostarch.PageSize, nil},
		{"offset rest", AttachOpts{Offset: hostarch.PageSize}, 3 * hostarch.PageSize, nil},
		{"offset and size", AttachOpts{Offset: 2 * hostarch.PageSize, Size: hostarch.PageSize}, hostarch.PageSize, nil},
		{"too large", AttachOpts{Size: 5 * hostarch.PageSize}, 0, ErrInvalidArgs},
		{"too large at offset", AttachOpts{Offset: 3 * hostarch.PageSize, Size: 2 * hostarch.PageSize}, 0, ErrInvalidArgs},
		{"unaligned offset", AttachOpts{Offset: 10}, 0, ErrInvalidArgs},
		{"offset past end", AttachOpts{Offset: 4 * hostarch.PageSize}, 0, ErrInvalidArgs},
	} {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := e.m.Attach(c, tc.opts)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Attach got (%v, %v) want %v", addr, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Attach: %v", err)
			}
			defer e.m.Detach(addr)
			info, _ := e.m.Lookup(addr)
			if got := info.Range.Length(); got != tc.wantSize {
				t.Errorf("size got %#x want %#x", got, tc.wantSize)
			}
			if info.Offset != tc.opts.Offset {
				t.Errorf("offset got %#x want %#x", info.Offset, tc.opts.Offset)
			}
		})
	}
}

func TestCoreLocalRestrictions(t *testing.T) {
	e := newEnv(t, true)
	_, c := e.newDataspace(2*hostarch.PageSize, 0)
	for _, opts := range []AttachOpts{
		{Offset: hostarch.PageSize},
		{UseLocalAddr: true, LocalAddr: virtBase},
	} {
		if _, err := e.m.Attach(c, opts); !errors.Is(err, ErrNotSupported) {
			t.Errorf("Attach(%+v) got %v want %v", opts, err, ErrNotSupported)
		}
	}
	if got := e.m.NumRegions(); got != 0 {
		t.Errorf("NumRegions() got %d want 0", got)
	}
}

func TestAttachInvalidDataspace(t *testing.T) {
	e := newEnv(t, true)
	if _, err := e.m.Attach(capability.Capability{}, AttachOpts{}); !errors.Is(err, ErrInvalidDataspace) {
		t.Errorf("Attach(invalid) got %v want %v", err, ErrInvalidDataspace)
	}

	// A capability from another table that the pool does not know.
	other := capability.NewTable(capability.TableOpts{})
	c := other.Insert(12345, 1)
	defer c.Release()
	if _, err := e.m.Attach(c, AttachOpts{}); !errors.Is(err, ErrInvalidDataspace) {
		t.Errorf("Attach(unknown) got %v want %v", err, ErrInvalidDataspace)
	}
}

func TestNoOverlap(t *testing.T) {
	e := newEnv(t, true)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 64; i++ {
		_, c := e.newDataspace(uint64(1+rng.Intn(8))*hostarch.PageSize, 0)
		e.attach(c, AttachOpts{})
	}
	regions := e.m.Regions()
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Range.Overlaps(regions[j].Range) {
				t.Errorf("regions %v and %v overlap", regions[i].Range, regions[j].Range)
			}
		}
		if i > 0 && regions[i-1].Range.Start >= regions[i].Range.Start {
			t.Errorf("Regions() not sorted: %v before %v", regions[i-1].Range, regions[i].Range)
		}
	}
}

// TestReuseAfterDetach attaches two single-page dataspaces back to back,
// detaches the first and checks that a third lands in the hole.
func TestReuseAfterDetach(t *testing.T) {
	e := newEnv(t, true)
	_, c1 := e.newDataspace(hostarch.PageSize, 0)
	_, c2 := e.newDataspace(hostarch.PageSize, 0)
	_, c3 := e.newDataspace(hostarch.PageSize, 0)

	a1 := e.attach(c1, AttachOpts{})
	e.attach(c2, AttachOpts{})
	r1, _ := e.m.Lookup(a1)
	if err := e.m.Detach(a1); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	a3 := e.attach(c3, AttachOpts{})
	r3, _ := e.m.Lookup(a3)
	if !r1.Range.IsSupersetOf(r3.Range) {
		t.Errorf("third region %v does not reuse %v", r3.Range, r1.Range)
	}
}

func TestDetachUnknownAddress(t *testing.T) {
	e := newEnv(t, true)
	_, c := e.newDataspace(2*hostarch.PageSize, 0)
	addr := e.attach(c, AttachOpts{})

	before := e.m.Regions()
	freeBefore := e.virt.FreeRanges()
	for _, bad := range []hostarch.Addr{0, addr - 1, addr + 2*hostarch.PageSize, virtBase + virtSize - 1} {
		if err := e.m.Detach(bad); !errors.Is(err, ErrNotAttached) {
			t.Errorf("Detach(%v) got %v want %v", bad, err, ErrNotAttached)
		}
	}
	if diff := cmp.Diff(before, e.m.Regions()); diff != "" {
		t.Errorf("regions changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(freeBefore, e.virt.FreeRanges()); diff != "" {
		t.Errorf("free ranges changed (-want +got):\n%s", diff)
	}

	// Detaching twice fails the second time.
	if err := e.m.Detach(addr + hostarch.PageSize); err != nil {
		t.Fatalf("Detach inside region: %v", err)
	}
	if err := e.m.Detach(addr); !errors.Is(err, ErrNotAttached) {
		t.Errorf("second Detach got %v want %v", err, ErrNotAttached)
	}
	if e.mapper.doubleUnmaps != 0 {
		t.Errorf("doubleUnmaps got %d want 0", e.mapper.doubleUnmaps)
	}
}

func TestSuperPages(t *testing.T) {
	e := newEnv(t, true)
	size := uint64(2*hostarch.HugePageSize + 3*hostarch.PageSize)
	_, c := e.newDataspace(size, hostarch.HugePageSize)

	addr := e.attach(c, AttachOpts{})
	if !addr.IsHugePageAligned() {
		t.Errorf("large region at %v is not super-page aligned", addr)
	}
	var huge, small int
	for _, call := range e.mapper.calls {
		switch call.Pages {
		case hostarch.PagesPerHugePage:
			huge++
		case 1:
			small++
		default:
			t.Errorf("unexpected map call %+v", call)
		}
	}
	if huge != 2 || small != 3 {
		t.Errorf("got %d super page and %d page mappings want 2 and 3", huge, small)
	}
}

func TestSuperPagesNeedAlignedPhys(t *testing.T) {
	e := newEnv(t, true)
	e.phys = hostarch.PageSize
	_, c := e.newDataspace(hostarch.HugePageSize, hostarch.PageSize)
	e.attach(c, AttachOpts{})
	for _, call := range e.mapper.calls {
		if call.Pages != 1 {
			t.Errorf("map call %+v for unaligned physical memory is not a single page", call)
		}
	}
}

func TestMapFailureRollsBack(t *testing.T) {
	e := newEnv(t, true)
	ds, c := e.newDataspace(4*hostarch.PageSize, 0)
	before := e.virt.FreeRanges()
	e.mapper.failAt = 3

	if _, err := e.m.Attach(c, AttachOpts{}); !errors.Is(err, ErrMapFailed) || !errors.Is(err, errInjected) {
		t.Fatalf("Attach got %v want %v wrapping %v", err, ErrMapFailed, errInjected)
	}
	if diff := cmp.Diff(before, e.virt.FreeRanges()); diff != "" {
		t.Errorf("virtual range leaked (-want +got):\n%s", diff)
	}
	if got := e.mapper.mappedPages(); got != 0 {
		t.Errorf("mapped pages after failed attach got %d want 0", got)
	}
	if got := e.mapper.unmapped; got != 2 {
		t.Errorf("unmapped pages got %d want 2", got)
	}
	if got := ds.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments() got %d want 0", got)
	}
	if got := e.m.NumRegions(); got != 0 {
		t.Errorf("NumRegions() got %d want 0", got)
	}
}

func TestOutOfVirtualSpace(t *testing.T) {
	e := newEnv(t, true)
	_, c := e.newDataspace(virtSize+hostarch.PageSize, 0)
	if _, err := e.m.Attach(c, AttachOpts{}); !errors.Is(err, ErrOutOfVirtualSpace) || !errors.Is(err, rangealloc.ErrExhausted) {
		t.Errorf("Attach got %v want %v", err, ErrOutOfVirtualSpace)
	}
}

func TestLocalAddr(t *testing.T) {
	e := newEnv(t, false)
	_, c := e.newDataspace(2*hostarch.PageSize, 0)
	const at = virtBase + 0x10000
	addr, err := e.m.Attach(c, AttachOpts{UseLocalAddr: true, LocalAddr: at})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if addr != at {
		t.Errorf("Attach got %v want %v", addr, hostarch.Addr(at))
	}
	for _, opts := range []AttachOpts{
		{UseLocalAddr: true, LocalAddr: at + hostarch.PageSize},
		{UseLocalAddr: true, LocalAddr: at - hostarch.PageSize},
		{UseLocalAddr: true, LocalAddr: virtBase + virtSize - hostarch.PageSize},
		{UseLocalAddr: true, LocalAddr: 0x1000},
	} {
		if _, err := e.m.Attach(c, opts); !errors.Is(err, ErrRegionConflict) {
			t.Errorf("Attach(%+v) got %v want %v", opts, err, ErrRegionConflict)
		}
	}
	if _, err := e.m.Attach(c, AttachOpts{UseLocalAddr: true, LocalAddr: at + 1}); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("unaligned local address got %v want %v", err, ErrInvalidArgs)
	}
}

// TestDestroyDataspace attaches one dataspace several times into two maps
// and checks that destroying it detaches every region exactly once.
func TestDestroyDataspace(t *testing.T) {
	e := newEnv(t, true)
	virt2 := rangealloc.New("virt2")
	if err := virt2.AddRange(rangealloc.Range{Start: 0x1000, End: 0x1000000}); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	m2 := e.newMap("other", false, virt2)
	ds, c := e.newDataspace(2*hostarch.PageSize, 0)
	_, keep := e.newDataspace(hostarch.PageSize, 0)

	const n = 3
	for i := 0; i < n; i++ {
		e.attach(c, AttachOpts{})
		if _, err := m2.Attach(c, AttachOpts{Size: hostarch.PageSize}); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}
	e.attach(keep, AttachOpts{})
	unmappedBefore := e.mapper.unmapped

	g := e.pool.LookupAndLock(c)
	if !g.Valid() {
		t.Fatalf("LookupAndLock failed")
	}
	g.Object().Destroy()
	g.Remove()
	g.Release()

	if got := e.m.NumRegions(); got != 1 {
		t.Errorf("core map has %d regions want 1", got)
	}
	if got := m2.NumRegions(); got != 0 {
		t.Errorf("second map has %d regions want 0", got)
	}
	if got, want := e.mapper.unmapped-unmappedBefore, uint64(n*2+n); got != want {
		t.Errorf("unmapped %d pages want %d", got, want)
	}
	if got := ds.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments() got %d want 0", got)
	}
	if _, err := e.m.Attach(c, AttachOpts{}); !errors.Is(err, ErrInvalidDataspace) {
		t.Errorf("Attach of destroyed dataspace got %v want %v", err, ErrInvalidDataspace)
	}
}

// checkSymmetry verifies that every region of every map is in its
// dataspace's back-reference set and vice versa.
func checkSymmetry(t *testing.T, maps []*Map, dss []*dataspace.Dataspace) {
	t.Helper()
	inMaps := make(map[*Region]bool)
	for _, m := range maps {
		m.mu.Lock()
		m.regions.Ascend(func(r *Region) bool {
			inMaps[r] = true
			return true
		})
		m.mu.Unlock()
	}
	inDS := make(map[*Region]bool)
	for _, ds := range dss {
		for _, a := range ds.Attachments() {
			r := a.(*Region)
			if r.ds != ds {
				t.Fatalf("%v is in the back-references of %v but bound to %v", r, ds, r.ds)
			}
			inDS[r] = true
		}
	}
	if len(inMaps) != len(inDS) {
		t.Fatalf("%d regions in maps, %d in dataspaces", len(inMaps), len(inDS))
	}
	for r := range inMaps {
		if !inDS[r] {
			t.Fatalf("%v missing from its dataspace", r)
		}
	}
}

func TestBackReferenceSymmetry(t *testing.T) {
	e := newEnv(t, true)
	virt2 := rangealloc.New("virt2")
	if err := virt2.AddRange(rangealloc.Range{Start: 0x1000, End: 0x1000000}); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	maps := []*Map{e.m, e.newMap("other", false, virt2)}

	type live struct {
		ds *dataspace.Dataspace
		c  capability.Capability
	}
	var (
		dss      []live
		all      []*dataspace.Dataspace
		attached []struct {
			m    *Map
			addr hostarch.Addr
		}
	)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		switch op := rng.Intn(10); {
		case op < 2 || len(dss) == 0:
			ds, c := e.newDataspace(uint64(1+rng.Intn(4))*hostarch.PageSize, 0)
			dss = append(dss, live{ds, c})
			all = append(all, ds)
		case op < 6:
			l := dss[rng.Intn(len(dss))]
			m := maps[rng.Intn(len(maps))]
			addr, err := m.Attach(l.c, AttachOpts{})
			if err != nil {
				t.Fatalf("Attach: %v", err)
			}
			attached = append(attached, struct {
				m    *Map
				addr hostarch.Addr
			}{m, addr})
		case op < 9:
			if len(attached) == 0 {
				continue
			}
			j := rng.Intn(len(attached))
			a := attached[j]
			attached = append(attached[:j], attached[j+1:]...)
			// The region may already be gone with its dataspace.
			if err := a.m.Detach(a.addr); err != nil && !errors.Is(err, ErrNotAttached) {
				t.Fatalf("Detach: %v", err)
			}
		default:
			j := rng.Intn(len(dss))
			l := dss[j]
			dss = append(dss[:j], dss[j+1:]...)
			g := e.pool.LookupAndLock(l.c)
			g.Object().Destroy()
			g.Remove()
			g.Release()
		}
		checkSymmetry(t, maps, all)
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	e := newEnv(t, true)
	before := e.virt.FreeRanges()
	var caps []capability.Capability
	for i := 0; i < 8; i++ {
		_, c := e.newDataspace(uint64(i+1)*hostarch.PageSize, 0)
		caps = append(caps, c)
	}
	var wg sync.WaitGroup
	for _, c := range caps {
		c := c
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					addr, err := e.m.Attach(c, AttachOpts{})
					if err != nil {
						t.Errorf("Attach: %v", err)
						return
					}
					if err := e.m.Detach(addr); err != nil {
						t.Errorf("Detach: %v", err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()
	if diff := cmp.Diff(before, e.virt.FreeRanges()); diff != "" {
		t.Errorf("free ranges not restored (-want +got):\n%s", diff)
	}
	if got := e.mapper.mappedPages(); got != 0 {
		t.Errorf("mapped pages got %d want 0", got)
	}
}

func TestConsistencyViolationPanics(t *testing.T) {
	e := newEnv(t, true)
	ds, c := e.newDataspace(hostarch.PageSize, 0)
	addr := e.attach(c, AttachOpts{})

	// Corrupt the bookkeeping behind the map's back.
	if !ds.DetachedFrom(ds.Attachments()[0]) {
		t.Fatalf("DetachedFrom failed")
	}

	func() {
		defer func() {
			r := recover()
			if _, ok := r.(*ConsistencyError); !ok {
				t.Fatalf("Detach recovered %v (%T), want *ConsistencyError", r, r)
			}
		}()
		e.m.Detach(addr)
	}()

	// The map lock was released and the map remains usable.
	if got := e.m.NumRegions(); got != 0 {
		t.Errorf("NumRegions() got %d want 0", got)
	}
	e.attach(c, AttachOpts{})
}

func TestMapDestroy(t *testing.T) {
	e := newEnv(t, true)
	before := e.virt.FreeRanges()
	ds, c := e.newDataspace(hostarch.PageSize, 0)
	e.attach(c, AttachOpts{})
	e.attach(c, AttachOpts{})

	e.m.Destroy()
	e.m.Destroy()
	if got := ds.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments() got %d want 0", got)
	}
	if diff := cmp.Diff(before, e.virt.FreeRanges()); diff != "" {
		t.Errorf("free ranges not restored (-want +got):\n%s", diff)
	}
	if _, err := e.m.Attach(c, AttachOpts{}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Attach after Destroy got %v want %v", err, ErrDestroyed)
	}
}
