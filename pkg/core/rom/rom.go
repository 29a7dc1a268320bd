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

// Package rom provides read-only access to the boot modules.
package rom

import (
	"errors"
	"fmt"
	"sort"

	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/objpool"
	"capcore.dev/capcore/pkg/core/platform"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/sync"
)

var (
	// ErrNotFound is returned by Lookup for unknown module names.
	ErrNotFound = errors.New("no such ROM module")

	// ErrBadModule is returned by NewFS for malformed or duplicate modules.
	ErrBadModule = errors.New("bad boot module")
)

// File is a boot module and the dataspace that covers it.
type File struct {
	platform.Module

	// Offset is the module's offset within its dataspace. Modules need not
	// start at a page boundary.
	Offset uint64

	cap capability.Capability
}

// Cap returns the capability of the module's dataspace. The reference
// belongs to the FS.
func (f *File) Cap() capability.Capability {
	return f.cap
}

// FS is the set of boot modules.
type FS struct {
	pool *objpool.Pool[*dataspace.Dataspace]

	mu sync.Mutex

	// +checklocks:mu
	files map[string]*File
}

// NewFS creates a read-only dataspace in pool for each module.
func NewFS(pool *objpool.Pool[*dataspace.Dataspace], modules []platform.Module) (*FS, error) {
	fs := &FS{pool: pool, files: make(map[string]*File)}
	for _, m := range modules {
		if err := fs.add(m); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FS) add(m platform.Module) error {
	end, ok := hostarch.PageRoundUp(m.Start + m.Size)
	if m.Name == "" || m.Size == 0 || !ok || m.Start+m.Size < m.Start {
		return fmt.Errorf("%v: %w", m, ErrBadModule)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[m.Name]; ok {
		return fmt.Errorf("duplicate module %q: %w", m.Name, ErrBadModule)
	}
	phys := hostarch.PageRoundDown(m.Start)
	ds := dataspace.New(dataspace.Opts{
		Phys:       phys,
		Size:       end - phys,
		MemoryType: hostarch.MemoryTypeWriteBack,
		Kind:       dataspace.KindROM,
	})
	c, err := fs.pool.Insert(ds, capability.Dst(phys))
	if err != nil {
		return fmt.Errorf("module %q: %w", m.Name, err)
	}
	fs.files[m.Name] = &File{Module: m, Offset: m.Start - phys, cap: c}
	log.Debugf("ROM module %q at %#x+%#x as %v", m.Name, m.Start, m.Size, c)
	return nil
}

// Lookup returns the module called name.
func (fs *FS) Lookup(name string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return f, nil
}

// Names returns the module names in order.
func (fs *FS) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, 0, len(fs.files))
	for name := range fs.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close destroys the module dataspaces.
func (fs *FS) Close() {
	fs.mu.Lock()
	files := fs.files
	fs.files = make(map[string]*File)
	fs.mu.Unlock()
	for _, f := range files {
		g := fs.pool.LookupAndLock(f.cap)
		if g.Valid() {
			g.Object().Destroy()
			g.Remove()
		}
		g.Release()
	}
}
