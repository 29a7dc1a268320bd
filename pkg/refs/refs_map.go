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
	"sort"
	"strings"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/sync"
)

var (
	// liveObjects maps every reference-counted object that is registered
	// while leak checking is enabled to the stack it was registered from
	// (nil unless the mode is LeaksLogTraces). It is protected by
	// liveObjectsMu.
	liveObjects   = make(map[CheckedObject][]uintptr)
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	var stack []uintptr
	if GetLeakMode() == LeaksLogTraces {
		stack = RecordStack()
	}
	liveObjectsMu.Lock()
	if _, ok := liveObjects[obj]; ok {
		liveObjectsMu.Unlock()
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = stack
	liveObjectsMu.Unlock()
	if obj.LogRefs() {
		logEvent(obj, "registered")
	}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was enabled are ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	_, ok := liveObjects[obj]
	delete(liveObjects, obj)
	liveObjectsMu.Unlock()
	if ok && obj.LogRefs() {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("IncRef to %d", refs))
	}
}

// LogTryIncRef logs a successful TryIncRef call.
func LogTryIncRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("TryIncRef to %d", refs))
	}
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("DecRef to %d", refs))
	}
}

// logEvent logs a message for the given reference-counted object.
//
// obj.LogRefs() should be checked before calling logEvent, in order to avoid
// calling any text processing needed to evaluate msg.
func logEvent(obj CheckedObject, msg string) {
	log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, FormatStack(RecordStack()))
}

// LiveObjects returns the number of objects currently registered.
func LiveObjects() int {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	return len(liveObjects)
}

// LeakedObjects returns the leak message of every registered object, sorted,
// with the registration stack appended in LeaksLogTraces mode.
func LeakedObjects() []string {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	msgs := make([]string, 0, len(liveObjects))
	for obj, stack := range liveObjects {
		msg := obj.LeakMessage()
		if stack != nil {
			msg += "\nregistered at:\n" + FormatStack(stack)
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return msgs
}

// checkOnce makes sure that leak checking is only done once. DoLeakCheck is
// called from multiple exit paths of coresrv which may overlap.
var checkOnce sync.Once

// DoLeakCheck logs a message for each object in the live object map. It should
// be called when no reference-counted objects are reachable anymore, at which
// point anything left in the map is considered a leak. On multiple calls,
// only the first call will perform the leak check.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(doLeakCheck)
	}
}

// DoRepeatedLeakCheck is the same as DoLeakCheck except that it can be called
// multiple times by the caller to incrementally perform leak checking.
func DoRepeatedLeakCheck() {
	if LeakCheckEnabled() {
		doLeakCheck()
	}
}

func doLeakCheck() {
	leaked := LeakedObjects()
	if len(leaked) == 0 {
		return
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n%s\n", len(leaked), strings.Join(leaked, "\n"))
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
}
