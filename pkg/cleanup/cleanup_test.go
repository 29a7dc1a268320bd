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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testCleanupHelper(clean, cleanAdd *bool, release bool) func() {
	cu := Make(func() {
		*clean = true
	})
	cu.Add(func() {
		*cleanAdd = true
	})
	defer cu.Clean()
	if release {
		return cu.Release()
	}
	return nil
}

func TestCleanup(t *testing.T) {
	clean := false
	cleanAdd := false
	testCleanupHelper(&clean, &cleanAdd, false)
	if !clean {
		t.Fatalf("cleanup function was not called.")
	}
	if !cleanAdd {
		t.Fatalf("added cleanup function was not called.")
	}
}

func TestRelease(t *testing.T) {
	clean := false
	cleanAdd := false
	cleaner := testCleanupHelper(&clean, &cleanAdd, true)

	// Check that clean was not called after release.
	if clean {
		t.Fatalf("cleanup function was called.")
	}
	if cleanAdd {
		t.Fatalf("added cleanup function was called.")
	}

	// Call the cleaner function and check that both cleanup functions are called.
	cleaner()
	if !clean {
		t.Fatalf("cleanup function was not called.")
	}
	if !cleanAdd {
		t.Fatalf("added cleanup function was not called.")
	}
}

func TestReverseOrder(t *testing.T) {
	var order []string
	cu := Make(func() { order = append(order, "free range") })
	cu.Add(func() { order = append(order, "unmap") })
	cu.Add(nil)
	cu.Add(func() { order = append(order, "drop back-reference") })
	if got := cu.Pending(); got != 3 {
		t.Fatalf("Pending() got %d want 3", got)
	}
	cu.Clean()

	want := []string{"drop back-reference", "unmap", "free range"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != len(want) {
		t.Errorf("second Clean ran %d more functions", len(order)-len(want))
	}
}
