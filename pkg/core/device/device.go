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

// Package device implements the sessions through which drivers claim
// device resources: IO memory, IO ports and interrupt lines.
//
// Each session claims its resource from the corresponding platform
// allocator for its lifetime. A resource can be claimed by one session at
// a time.
package device

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/rangealloc"
)

// Errors returned when opening sessions.
var (
	// ErrBusy is returned when the resource is claimed by another session.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidArgs is returned for empty ranges and for resources the
	// platform does not hand out, such as RAM requested as IO memory.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrClosed is returned by operations on closed sessions.
	ErrClosed = errors.New("session closed")
)

var (
	claimsMetric = metric.MustCreateNewUint64Metric("/core/device/claims", "Number of device resources claimed.",
		metric.NewField("resource", []string{"io_mem", "io_port", "irq"}))
	claimFailureMetric = metric.MustCreateNewUint64Metric("/core/device/claim_failures", "Number of rejected device resource claims.",
		metric.NewField("reason", []string{"busy", "invalid"}))
)

// claim allocates r from a for resource kind.
func claim(a *rangealloc.Allocator, kind string, r rangealloc.Range) error {
	err := a.AllocAt(r)
	switch {
	case err == nil:
		claimsMetric.Increment(kind)
		return nil
	case errors.Is(err, rangealloc.ErrInUse):
		claimFailureMetric.Increment("busy")
		log.Debugf("%s %v busy", kind, r)
		return fmt.Errorf("%s %v: %w", kind, r, ErrBusy)
	default:
		claimFailureMetric.Increment("invalid")
		log.Warningf("%s %v not available: %v", kind, r, err)
		return fmt.Errorf("%s %v: %w: %w", kind, r, ErrInvalidArgs, err)
	}
}

// unclaim returns r to a.
func unclaim(a *rangealloc.Allocator, kind string, r rangealloc.Range) {
	if err := a.Free(r); err != nil {
		panic(fmt.Sprintf("releasing %s %v: %v", kind, r, err))
	}
}
