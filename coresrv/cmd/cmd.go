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

//go:build linux

// Package cmd holds implementations of the coresrv commands.
package cmd

import (
	"fmt"

	"capcore.dev/capcore/coresrv/config"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/core"
	"capcore.dev/capcore/pkg/core/platform/hostmem"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/refs"
)

// machine returns the machine description selected by conf.
func machine(conf *config.Config) (*config.Machine, error) {
	if conf.Machine == "" {
		return config.DefaultMachine(conf.PhysSize), nil
	}
	return config.LoadMachine(conf.Machine)
}

// bootCore boots a core on a simulated kernel with conf.PhysSize bytes of
// physical memory. The returned function tears both down.
func bootCore(conf *config.Config) (*core.Core, *hostmem.Kernel, func(), error) {
	m, err := machine(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	k, err := hostmem.New(conf.PhysSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := k.Release(); err != nil {
			log.Warningf("Releasing physical memory: %v", err)
		}
	})
	defer cu.Clean()

	c, err := core.New(m.BootInfo(), k, core.Opts{
		Platform: m.PlatformOpts(),
		IO:       k,
		LogRefs:  conf.ReferenceLeak == refs.LeaksLogTraces,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("booting core: %w", err)
	}
	cu.Add(c.Close)
	return c, k, cu.Release(), nil
}
