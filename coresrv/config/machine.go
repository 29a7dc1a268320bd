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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/rangealloc"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned for machine files with an unknown extension.
var ErrUnknownFormat = errors.New("unknown machine description format")

// VirtRange is a range of core's virtual window.
type VirtRange struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Machine describes the machine core boots on: what the kernel reports at
// boot, plus core's own platform options.
type Machine struct {
	Descriptors     []platform.MemDesc `toml:"descriptors" yaml:"descriptors"`
	Modules         []platform.Module  `toml:"modules" yaml:"modules"`
	ReservedVirtual []VirtRange        `toml:"reserved_virtual" yaml:"reserved_virtual"`
	NumIRQs         uint64             `toml:"num_irqs" yaml:"num_irqs"`
}

// BootInfo returns the boot information of m.
func (m *Machine) BootInfo() platform.BootInfo {
	return platform.BootInfo{
		Descriptors: m.Descriptors,
		Modules:     m.Modules,
	}
}

// PlatformOpts returns the platform options of m.
func (m *Machine) PlatformOpts() platform.Opts {
	opts := platform.Opts{NumIRQs: m.NumIRQs}
	for _, r := range m.ReservedVirtual {
		opts.ReservedVirtual = append(opts.ReservedVirtual, rangealloc.Range{Start: r.Start, End: r.End})
	}
	return opts
}

// DefaultMachine returns a PC-like machine with physSize bytes of physical
// memory: conventional memory below 640K and from 1M, the legacy VGA and
// BIOS area reserved, a local APIC, and a 1G virtual window for core.
func DefaultMachine(physSize uint64) *Machine {
	return &Machine{
		Descriptors: []platform.MemDesc{
			{Start: 0x0, End: 0x9fc00, Type: platform.DescConventional},
			{Start: 0x9fc00, End: 0x100000, Type: platform.DescReserved},
			{Start: 0x100000, End: physSize, Type: platform.DescConventional},
			{Start: 0xfee00000, End: 0xfee01000, Type: platform.DescArch},
			{Start: 0x40000000, End: 0x80000000, Type: platform.DescVirtual},
		},
	}
}

// LoadMachine reads a machine description. The format follows the file
// extension: .toml, or .yaml and .yml.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machine description: %w", err)
	}
	var m Machine
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decoding %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%q: %w %q", path, ErrUnknownFormat, ext)
	}
	return &m, nil
}
