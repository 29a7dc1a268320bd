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

// Package cleanup provides utilities to clean "stuff" on defers.
//
// Core uses it to roll back multi-step operations such as attach, where a
// virtual range is allocated, pages are mapped and bookkeeping is updated,
// and a failure in any step must undo the previous ones in reverse order.
package cleanup

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	cu := cleanup.Make(func() { a.Free(r) })
//	defer cu.Clean() // Frees the range unless Release is called.
//	...
//	cu.Add(func() { m.Unmap(addr, pages) })
//	...
//	cu.Release() // Success, don't roll back.
type Cleanup struct {
	cleaners []func()
}

// Make creates a new Cleanup object. f may be nil.
func Make(f func()) Cleanup {
	var c Cleanup
	c.Add(f)
	return c
}

// Add adds a new function to be called on Clean(). Functions run in the
// reverse order they were added.
func (c *Cleanup) Add(f func()) {
	if f != nil {
		c.cleaners = append(c.cleaners, f)
	}
}

// Clean calls all cleanup functions in reverse order.
func (c *Cleanup) Clean() {
	clean(c.cleaners)
	c.cleaners = nil
}

// Release releases the cleanup from its duties, i.e. cleanup functions are not
// called after this point. Returns a function that calls all registered
// functions in case the caller has use for them.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { clean(old) }
}

// Pending returns the number of cleanup functions that Clean would run.
func (c *Cleanup) Pending() int {
	return len(c.cleaners)
}

func clean(cleaners []func()) {
	for i := len(cleaners) - 1; i >= 0; i-- {
		cleaners[i]()
	}
}
