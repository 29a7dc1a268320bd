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

package refs

import (
	"fmt"
	"sync/atomic"
)

// Refs keeps a reference count using atomic operations and calls a
// destructor when the count reaches zero. The type parameter only names the
// owner in leak reports.
//
// Refs must be initialized with InitRefs, which sets the count to one.
type Refs[T any] struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop. See IncRef, DecRef and TryIncRef for details of
	// how these fields are used.
	refCount atomic.Int64

	// logging enables per-event logging for this counter.
	logging bool
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *Refs[T]) InitRefs() {
	r.refCount.Store(1)
	Register(r)
}

// EnableLogging turns on logging of every reference event of r. It must be
// called before r is shared.
func (r *Refs[T]) EnableLogging() {
	r.logging = true
}

// RefType implements CheckedObject.RefType.
func (r *Refs[T]) RefType() string {
	return fmt.Sprintf("%T", (*T)(nil))[1:]
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs[T]) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *Refs[T]) LogRefs() bool {
	return r.logging
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs[T]) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *Refs[T]) IncRef() {
	v := r.refCount.Add(1)
	if r.logging {
		LogIncRef(r, v)
	}
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef attempts to take a reference without holding one. It fails iff
// the count has already dropped to zero.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to distinguish
// other TryIncRef calls from genuine references held.
func (r *Refs[T]) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	if r.logging {
		LogTryIncRef(r, v)
	}
	return true
}

// DecRef drops a reference and calls destroy, if not nil, when it was the
// last one.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *Refs[T]) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if r.logging {
		LogDecRef(r, v)
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
