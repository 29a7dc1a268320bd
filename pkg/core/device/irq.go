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

package device

import (
	"fmt"

	"capcore.dev/capcore/pkg/rangealloc"
	"capcore.dev/capcore/pkg/sync"
)

// IRQ is a session for one interrupt line.
type IRQ struct {
	alloc *rangealloc.Allocator
	line  uint64

	mu     sync.Mutex
	closed bool
}

// OpenIRQ claims interrupt line from alloc.
func OpenIRQ(alloc *rangealloc.Allocator, line uint64) (*IRQ, error) {
	if err := claim(alloc, "irq", rangealloc.Range{Start: line, End: line + 1}); err != nil {
		return nil, err
	}
	return &IRQ{alloc: alloc, line: line}, nil
}

// Line returns the interrupt number.
func (q *IRQ) Line() uint64 { return q.line }

// Close releases the line. Close is idempotent.
func (q *IRQ) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	unclaim(q.alloc, "irq", rangealloc.Range{Start: q.line, End: q.line + 1})
}

// String implements fmt.Stringer.String.
func (q *IRQ) String() string {
	return fmt.Sprintf("irq %d", q.line)
}
