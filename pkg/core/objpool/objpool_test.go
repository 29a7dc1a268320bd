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

package objpool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/rangealloc"
)

type session struct {
	Entry
	name  string
	calls int
}

func newPool(t *testing.T) (*Pool[*session], *capability.Table) {
	t.Helper()
	ids := rangealloc.New("ids")
	if err := ids.AddRange(rangealloc.Range{Start: 1, End: 1 << 10}); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	caps := capability.NewTable(capability.TableOpts{IDs: ids})
	return New[*session](caps), caps
}

func TestLookupAndLock(t *testing.T) {
	p, _ := newPool(t)
	s := &session{name: "ram"}
	c, err := p.Insert(s, 0x1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := s.ID(); got != c.ID() {
		t.Errorf("ID() got %d want %d", got, c.ID())
	}

	g := p.LookupAndLock(c)
	if !g.Valid() {
		t.Fatalf("LookupAndLock(%v) returned an empty guard", c)
	}
	if g.Object() != s {
		t.Errorf("Object() got %p want %p", g.Object(), s)
	}
	g.Release()
	g.Release()

	if g := p.LookupAndLock(capability.Capability{}); g.Valid() {
		t.Errorf("LookupAndLock(invalid) returned a valid guard")
	}
	if g := p.LookupAndLockID(c.ID() + 1000); g.Valid() {
		t.Errorf("LookupAndLockID(unknown) returned a valid guard")
	}
}

func TestRemove(t *testing.T) {
	p, caps := newPool(t)
	s := &session{}
	c, err := p.Insert(s, 0x1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id := c.ID()

	g := p.LookupAndLock(c)
	g.Remove()
	g.Release()

	if g := p.LookupAndLockID(id); g.Valid() {
		t.Errorf("lookup after Remove returned a valid guard")
	}
	if got := p.Len(); got != 0 {
		t.Errorf("Len() got %d want 0", got)
	}
	if got := caps.Len(); got != 0 {
		t.Errorf("capability table Len() got %d want 0", got)
	}
	if err := p.Apply(id, func(*session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply after Remove got %v want %v", err, ErrNotFound)
	}
}

func TestStaleCapabilityAfterIDReuse(t *testing.T) {
	p, _ := newPool(t)
	old := &session{name: "old"}
	oldCap, err := p.Insert(old, 0x1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	g := p.LookupAndLock(oldCap)
	g.Remove()
	g.Release()

	cur := &session{name: "cur"}
	curCap, err := p.Insert(cur, 0x2)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if curCap.ID() != oldCap.ID() {
		t.Fatalf("ID not reused: got %d want %d", curCap.ID(), oldCap.ID())
	}

	if g := p.LookupAndLock(oldCap); g.Valid() {
		name := g.Object().name
		g.Release()
		t.Errorf("LookupAndLock(%v) resolved to %q after its object was removed", oldCap, name)
	}
	g = p.LookupAndLock(curCap)
	if !g.Valid() || g.Object() != cur {
		t.Fatalf("LookupAndLock(%v) did not return the current object", curCap)
	}
	g.Release()

	// A fresh reference to the same entry, as the transport obtains one
	// from an ID, resolves.
	c := curCap.Clone()
	defer c.Release()
	g = p.LookupAndLock(c)
	if !g.Valid() {
		t.Errorf("LookupAndLock of a cloned capability returned an empty guard")
	}
	g.Release()
}

// TestLookupWaitingOnRemovedObject checks that a lookup that found the object
// before it was removed, and then waited for its lock, returns empty.
func TestLookupWaitingOnRemovedObject(t *testing.T) {
	p, _ := newPool(t)
	s := &session{}
	c, err := p.Insert(s, 0x1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id := c.ID()

	// Hold the object lock directly so the lookup below blocks after it
	// has found the object in the map.
	s.mu.Lock()
	done := make(chan bool)
	go func() {
		g := p.LookupAndLockID(id)
		defer g.Release()
		done <- g.Valid()
	}()
	time.Sleep(10 * time.Millisecond)

	// Remove as Guard.Remove does, with the object lock held.
	p.mu.Lock()
	delete(p.objs, id)
	p.mu.Unlock()
	s.removed = true
	s.mu.Unlock()

	if valid := <-done; valid {
		t.Errorf("lookup that waited on a removed object returned a valid guard")
	}
}

func TestApplySerializes(t *testing.T) {
	p, _ := newPool(t)
	s := &session{}
	c, err := p.Insert(s, 0x1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := p.Apply(c.ID(), func(s *session) error {
					s.calls++
					return nil
				}); err != nil {
					t.Errorf("Apply: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if s.calls != 1600 {
		t.Errorf("calls got %d want 1600", s.calls)
	}
}

func TestForEach(t *testing.T) {
	p, _ := newPool(t)
	for _, name := range []string{"a", "b", "c"} {
		if _, err := p.Insert(&session{name: name}, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	seen := make(map[string]bool)
	p.ForEach(func(s *session) { seen[s.name] = true })
	if len(seen) != 3 {
		t.Errorf("ForEach visited %v, want 3 objects", seen)
	}
	if got := len(p.IDs()); got != 3 {
		t.Errorf("IDs() has %d entries want 3", got)
	}
}
