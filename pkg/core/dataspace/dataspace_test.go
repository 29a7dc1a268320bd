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

package dataspace

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"capcore.dev/capcore/pkg/hostarch"
)

// fakeAttachment detaches itself from its dataspace when evicted.
type fakeAttachment struct {
	ds      *Dataspace
	evicted atomic.Int32
}

func (f *fakeAttachment) Evict() {
	f.evicted.Add(1)
	f.ds.DetachedFrom(f)
}

func newDataspace() *Dataspace {
	return New(Opts{Phys: 0x100000, Size: 3 * hostarch.PageSize, Writable: true})
}

func TestBackReferences(t *testing.T) {
	d := newDataspace()
	a, b := &fakeAttachment{ds: d}, &fakeAttachment{ds: d}
	for _, x := range []*fakeAttachment{a, b} {
		if err := d.AttachedTo(x); err != nil {
			t.Fatalf("AttachedTo: %v", err)
		}
	}
	if got := d.NumAttachments(); got != 2 {
		t.Fatalf("NumAttachments() got %d want 2", got)
	}
	if !d.DetachedFrom(a) {
		t.Errorf("DetachedFrom(a) got false want true")
	}
	if d.DetachedFrom(a) {
		t.Errorf("second DetachedFrom(a) got true want false")
	}
	as := d.Attachments()
	if len(as) != 1 || as[0] != Attachment(b) {
		t.Errorf("Attachments() got %v want [%v]", as, b)
	}
}

func TestDestroyEvictsEachOnce(t *testing.T) {
	d := newDataspace()
	const n = 5
	var atts []*fakeAttachment
	for i := 0; i < n; i++ {
		a := &fakeAttachment{ds: d}
		if err := d.AttachedTo(a); err != nil {
			t.Fatalf("AttachedTo: %v", err)
		}
		atts = append(atts, a)
	}

	d.Destroy()

	for i, a := range atts {
		if got := a.evicted.Load(); got != 1 {
			t.Errorf("attachment %d evicted %d times want 1", i, got)
		}
	}
	if got := d.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments() after Destroy got %d want 0", got)
	}
	if d.Valid() {
		t.Errorf("Valid() after Destroy got true")
	}
	if err := d.AttachedTo(&fakeAttachment{ds: d}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("AttachedTo after Destroy got %v want %v", err, ErrDestroyed)
	}

	// Destroy is idempotent.
	d.Destroy()
	for i, a := range atts {
		if got := a.evicted.Load(); got != 1 {
			t.Errorf("attachment %d evicted %d times after second Destroy, want 1", i, got)
		}
	}
}

// racingAttachment is detached concurrently by another goroutine while the
// dataspace is being destroyed.
type racingAttachment struct {
	ds   *Dataspace
	once sync.Once
	n    atomic.Int32
}

func (r *racingAttachment) detach() {
	r.once.Do(func() {
		r.n.Add(1)
		if !r.ds.DetachedFrom(r) {
			panic("detached twice")
		}
	})
}

func (r *racingAttachment) Evict() { r.detach() }

func TestDestroyRacesDetach(t *testing.T) {
	for iter := 0; iter < 100; iter++ {
		d := newDataspace()
		var atts []*racingAttachment
		for i := 0; i < 8; i++ {
			a := &racingAttachment{ds: d}
			if err := d.AttachedTo(a); err != nil {
				t.Fatalf("AttachedTo: %v", err)
			}
			atts = append(atts, a)
		}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, a := range atts {
				a.detach()
			}
		}()
		d.Destroy()
		wg.Wait()
		for i, a := range atts {
			if got := a.n.Load(); got != 1 {
				t.Fatalf("attachment %d detached %d times want 1", i, got)
			}
		}
		if got := d.NumAttachments(); got != 0 {
			t.Fatalf("NumAttachments() got %d want 0", got)
		}
	}
}

func TestNewRejectsUnalignedSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New with unaligned size did not panic")
		}
	}()
	New(Opts{Phys: 0, Size: 100})
}

// stuckAttachment ignores evictions until unstuck.
type stuckAttachment struct {
	ds    *Dataspace
	stuck bool
}

func (s *stuckAttachment) Evict() {
	if !s.stuck {
		s.ds.DetachedFrom(s)
	}
}

func TestDestroySurvivingAttachment(t *testing.T) {
	d := newDataspace()
	a := &stuckAttachment{ds: d, stuck: true}
	if err := d.AttachedTo(a); err != nil {
		t.Fatalf("AttachedTo: %v", err)
	}

	func() {
		defer func() {
			r := recover()
			if _, ok := r.(*ConsistencyError); !ok {
				t.Errorf("Destroy panicked with %v want *ConsistencyError", r)
			}
		}()
		d.Destroy()
	}()
	if !d.Valid() {
		t.Errorf("%v invalid after failed Destroy", d)
	}
	if err := d.AttachedTo(&fakeAttachment{ds: d}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("AttachedTo during teardown got %v want %v", err, ErrDestroyed)
	}

	a.stuck = false
	d.Destroy()
	if d.Valid() {
		t.Errorf("%v valid after Destroy", d)
	}
	if got := d.NumAttachments(); got != 0 {
		t.Errorf("NumAttachments got %d want 0", got)
	}
}
