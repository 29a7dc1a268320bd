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
	"fmt"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/hostarch"
)

// regionState is the life cycle state of a Region. Transitions happen under
// Map.mu and only go forward.
type regionState int

const (
	regionUnattached regionState = iota
	regionAttached
	regionDetached
)

func (s regionState) String() string {
	switch s {
	case regionUnattached:
		return "unattached"
	case regionAttached:
		return "attached"
	case regionDetached:
		return "detached"
	default:
		return fmt.Sprintf("regionState(%d)", int(s))
	}
}

// Region binds a range of a region map's address space to a dataspace. A
// Region is attached once and detached once; a new attach creates a new
// Region.
type Region struct {
	m  *Map
	ds *dataspace.Dataspace

	// dsID is the capability ID the dataspace was attached through.
	dsID capability.ID

	ar         hostarch.AddrRange
	offset     uint64
	writable   bool
	executable bool

	// +checklocks:m.mu
	state regionState
}

// Evict implements dataspace.Attachment.Evict.
func (r *Region) Evict() {
	r.m.evict(r)
}

// Range returns the virtual range of r.
func (r *Region) Range() hostarch.AddrRange {
	return r.ar
}

// Info returns a description of r.
func (r *Region) Info() RegionInfo {
	return RegionInfo{
		Range:      r.ar,
		Offset:     r.offset,
		Dataspace:  r.dsID,
		Writable:   r.writable,
		Executable: r.executable,
	}
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("region %v of %s", r.ar, r.m.name)
}

// RegionInfo describes an attached region.
type RegionInfo struct {
	Range      hostarch.AddrRange
	Offset     uint64
	Dataspace  capability.ID
	Writable   bool
	Executable bool
}

// ConsistencyError describes diverged bookkeeping between a region map and
// a dataspace. It is raised with panic; the entrypoint running the
// operation recovers it and fails only that operation.
type ConsistencyError struct {
	Map    string
	Region RegionInfo
	Msg    string
}

// Error implements error.Error.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: region %v: %s", e.Map, e.Region.Range, e.Msg)
}

var _ dataspace.Attachment = (*Region)(nil)
