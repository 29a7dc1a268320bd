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

// Package config provides basic infrastructure to set configuration settings
// for coresrv. Each setting that can be changed from the command line is
// tagged with the name of its flag.
package config

import (
	"fmt"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/refs"
)

// Config holds configuration that is not part of the machine description.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// Machine is the path of the machine description. Empty selects the
	// built-in machine.
	Machine string `flag:"machine"`

	// PhysSize is the amount of simulated physical memory in bytes.
	PhysSize uint64 `flag:"phys-size"`

	// Entrypoints is the number of entrypoints serving core operations.
	Entrypoints int `flag:"entrypoints"`

	// MetricsPrefix is prepended to exported metric names.
	MetricsPrefix string `flag:"metrics-prefix"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.PhysSize < minPhysSize || c.PhysSize%pageSize != 0 {
		return fmt.Errorf("phys-size %#x must be a multiple of %#x and at least %#x", c.PhysSize, pageSize, minPhysSize)
	}
	if c.Entrypoints < 1 {
		return fmt.Errorf("entrypoints must be positive, got %d", c.Entrypoints)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("Machine: %q", c.Machine)
	log.Infof("PhysSize: %#x", c.PhysSize)
	log.Infof("Entrypoints: %d", c.Entrypoints)
	log.Infof("Debug: %t", c.Debug)
	log.Infof("RefLeakMode: %v", c.ReferenceLeak)
}
