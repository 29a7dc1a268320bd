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

// IOPorts is an IO port session.
type IOPorts struct {
	alloc *rangealloc.Allocator
	r     rangealloc.Range

	mu     sync.Mutex
	closed bool
}

// OpenIOPorts claims ports [base, base+count) from alloc.
func OpenIOPorts(alloc *rangealloc.Allocator, base, count uint64) (*IOPorts, error) {
	r, ok := rangealloc.RangeOf(base, count)
	if !ok || count == 0 {
		return nil, fmt.Errorf("io_port base %#x count %#x: %w", base, count, ErrInvalidArgs)
	}
	if err := claim(alloc, "io_port", r); err != nil {
		return nil, err
	}
	return &IOPorts{alloc: alloc, r: r}, nil
}

// Base returns the first claimed port.
func (p *IOPorts) Base() uint64 { return p.r.Start }

// Count returns the number of claimed ports.
func (p *IOPorts) Count() uint64 { return p.r.Length() }

// Check returns nil if the session may access size bytes of ports starting
// at port.
func (p *IOPorts) Check(port, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	r, ok := rangealloc.RangeOf(port, size)
	if !ok || size == 0 || !p.r.IsSupersetOf(r) {
		return fmt.Errorf("io_port %v outside %v: %w", r, p.r, ErrInvalidArgs)
	}
	return nil
}

// Close releases the ports. Close is idempotent.
func (p *IOPorts) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	unclaim(p.alloc, "io_port", p.r)
}

// String implements fmt.Stringer.String.
func (p *IOPorts) String() string {
	return fmt.Sprintf("io_port %v", p.r)
}
