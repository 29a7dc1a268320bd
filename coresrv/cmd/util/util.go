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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"capcore.dev/capcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller that executed coresrv.
var ErrorLogger io.Writer

// Fatalf logs an error message to the log, the error log and stderr, then
// exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "coresrv: %s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	os.Exit(128)
}

// Infof writes an informational message to the log and to stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
