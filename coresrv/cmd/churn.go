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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"capcore.dev/capcore/coresrv/cmd/util"
	"capcore.dev/capcore/coresrv/config"
	"capcore.dev/capcore/pkg/core"
	"capcore.dev/capcore/pkg/core/capability"
	"capcore.dev/capcore/pkg/core/entrypoint"
	"capcore.dev/capcore/pkg/core/platform/hostmem"
	"capcore.dev/capcore/pkg/core/ram"
	"capcore.dev/capcore/pkg/core/rm"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/rangealloc"
	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// churnOpts configure a churn run.
type churnOpts struct {
	workers    int
	iterations int
	maxPages   int
	seed       int64
}

// Churn implements subcommands.Command for the "churn" command.
type Churn struct {
	opts churnOpts
}

// Name implements subcommands.Command.Name.
func (*Churn) Name() string {
	return "churn"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Churn) Synopsis() string {
	return "run concurrent allocate, attach, detach and free cycles against core"
}

// Usage implements subcommands.Command.Usage.
func (*Churn) Usage() string {
	return `churn [flags] - runs workers that allocate RAM dataspaces, attach them to core's
region map, write and verify a pattern, detach and free them. Afterwards the
allocators must be back in their boot state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Churn) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.opts.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&c.opts.iterations, "iterations", 200, "cycles per worker.")
	f.IntVar(&c.opts.maxPages, "max-pages", 16, "largest dataspace in pages.")
	f.Int64Var(&c.opts.seed, "seed", 1, "seed of the size generator.")
}

// Execute implements subcommands.Command.Execute.
func (c *Churn) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.opts.workers < 1 || c.opts.iterations < 0 || c.opts.maxPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	start := time.Now()
	if err := churn(ctx, conf, c.opts); err != nil {
		util.Fatalf("churn: %v", err)
	}
	util.Infof("%d workers completed %d cycles each in %v; allocators back at boot state", c.opts.workers, c.opts.iterations, time.Since(start))
	return subcommands.ExitSuccess
}

// allocatorState is what a churn run must leave unchanged.
type allocatorState struct {
	RAM     []rangealloc.Range
	Virtual []rangealloc.Range
	CapIDs  []rangealloc.Range
	Regions int
}

func snapshot(c *core.Core) allocatorState {
	return allocatorState{
		RAM:     c.Platform().RAMAlloc().FreeRanges(),
		Virtual: c.Platform().RegionAlloc().FreeRanges(),
		CapIDs:  c.Platform().CapIDAlloc().FreeRanges(),
		Regions: c.RM().NumRegions(),
	}
}

// churn boots a core and runs opts.workers workers through conf.Entrypoints
// entrypoints. The workers share one RAM session whose quota covers half of
// their peak demand, so allocations regularly wait for other workers to
// free memory.
func churn(ctx context.Context, conf *config.Config, opts churnOpts) error {
	c, k, teardown, err := bootCore(conf)
	if err != nil {
		return err
	}
	defer teardown()
	before := snapshot(c)

	eps := make([]*entrypoint.Entrypoint, conf.Entrypoints)
	for i := range eps {
		eps[i] = entrypoint.New(fmt.Sprintf("ep%d", i), 1)
		defer eps[i].Close()
	}

	quota := max(uint64(opts.workers*opts.maxPages)*hostarch.PageSize/2, uint64(opts.maxPages)*hostarch.PageSize)
	sc, s, err := c.NewRAMSession("churn", quota)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		w := &worker{
			id:   i,
			core: c,
			k:    k,
			ep:   eps[i%len(eps)],
			ram:  s,
			rand: rand.New(rand.NewSource(opts.seed + int64(i))),
		}
		g.Go(func() error {
			for j := 0; j < opts.iterations; j++ {
				if err := w.cycle(gctx, opts.maxPages); err != nil {
					return fmt.Errorf("worker %d cycle %d: %w", w.id, j, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.CloseRAMSession(sc); err != nil {
		return err
	}
	if after := snapshot(c); !cmp.Equal(before, after) {
		return fmt.Errorf("allocators differ from boot state (-boot +now):\n%s", cmp.Diff(before, after))
	}
	if st := k.Stats(); st.DoubleUnmaps != 0 || st.MappedPages != 0 {
		return fmt.Errorf("kernel page table not clean: %+v", st)
	}
	return nil
}

type worker struct {
	id   int
	core *core.Core
	k    *hostmem.Kernel
	ep   *entrypoint.Entrypoint
	ram  *ram.Session
	rand *rand.Rand
}

// alloc allocates size bytes, retrying while the shared quota is exhausted.
func (w *worker) alloc(ctx context.Context, size uint64) (capability.Capability, error) {
	var dsCap capability.Capability
	op := func() error {
		err := w.ep.Call(ctx, func() error {
			var err error
			dsCap, err = w.ram.Alloc(size, hostarch.MemoryTypeWriteBack)
			return err
		})
		if err == nil || errors.Is(err, ram.ErrQuotaExceeded) || errors.Is(err, ram.ErrOutOfRAM) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return capability.Capability{}, err
	}
	return dsCap, nil
}

func (w *worker) cycle(ctx context.Context, maxPages int) error {
	size := uint64(1+w.rand.Intn(maxPages)) * hostarch.PageSize
	dsCap, err := w.alloc(ctx, size)
	if err != nil {
		return fmt.Errorf("alloc %#x: %w", size, err)
	}

	var addr hostarch.Addr
	if err := w.ep.Call(ctx, func() error {
		var err error
		addr, err = w.core.RM().Attach(dsCap, rm.AttachOpts{})
		return err
	}); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	pattern := bytes.Repeat([]byte{byte(w.id), byte(size >> hostarch.PageShift)}, int(size/2))
	got := make([]byte, len(pattern))
	if err := w.k.CopyOut(addr, pattern); err != nil {
		return err
	}
	if err := w.k.CopyIn(addr, got); err != nil {
		return err
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("pattern at %v corrupted", addr)
	}

	if err := w.ep.Call(ctx, func() error { return w.core.RM().Detach(addr) }); err != nil {
		return fmt.Errorf("detach %v: %w", addr, err)
	}
	if err := w.ep.Call(ctx, func() error { return w.ram.Free(dsCap) }); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	log.Debugf("worker %d: cycled %#x bytes at %v", w.id, size, addr)
	return nil
}
