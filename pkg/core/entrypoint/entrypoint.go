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

// Package entrypoint dispatches core operations to a fixed set of worker
// goroutines.
//
// An operation that detects corrupted core state panics with
// *rm.ConsistencyError or *dataspace.ConsistencyError. The entrypoint contains such a panic to the call
// that raised it and returns it as that call's error. Any other panic is a
// bug and is not recovered.
package entrypoint

import (
	"context"
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/core/dataspace"
	"capcore.dev/capcore/pkg/core/rm"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/sync"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("entrypoint closed")

var (
	callsMetric       = metric.MustCreateNewUint64Metric("/core/entrypoint/calls", "Number of operations dispatched by entrypoints.")
	consistencyMetric = metric.MustCreateNewUint64Metric("/core/entrypoint/consistency_errors", "Number of operations aborted by a consistency violation.")
)

type call struct {
	fn   func() error
	err  error
	done chan struct{}
}

// Entrypoint runs operations on its workers.
type Entrypoint struct {
	name  string
	calls chan *call
	stop  chan struct{}
	g     errgroup.Group

	closeOnce sync.Once
}

// New starts an entrypoint with workers worker goroutines. workers < 1 is
// treated as 1.
func New(name string, workers int) *Entrypoint {
	ep := &Entrypoint{
		name:  name,
		calls: make(chan *call),
		stop:  make(chan struct{}),
	}
	for i := 0; i < max(workers, 1); i++ {
		ep.g.Go(ep.serve)
	}
	log.Debugf("entrypoint %s: started %d workers", name, max(workers, 1))
	return ep
}

// Name returns the entrypoint's name.
func (ep *Entrypoint) Name() string {
	return ep.name
}

func (ep *Entrypoint) serve() error {
	for {
		select {
		case c := <-ep.calls:
			ep.run(c)
		case <-ep.stop:
			return nil
		}
	}
}

func (ep *Entrypoint) run(c *call) {
	defer close(c.done)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var err error
		switch ce := r.(type) {
		case *rm.ConsistencyError:
			err = ce
		case *dataspace.ConsistencyError:
			err = ce
		default:
			panic(r)
		}
		consistencyMetric.Increment()
		log.Warningf("entrypoint %s: %v", ep.name, err)
		c.err = err
	}()
	callsMetric.Increment()
	c.err = c.fn()
}

// Call runs fn on a worker and returns its result. ctx bounds the wait for
// a free worker only; once fn started, Call waits for it to finish.
func (ep *Entrypoint) Call(ctx context.Context, fn func() error) error {
	c := &call{fn: fn, done: make(chan struct{})}
	select {
	case ep.calls <- c:
	case <-ep.stop:
		return fmt.Errorf("entrypoint %s: %w", ep.name, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("entrypoint %s: %w", ep.name, ctx.Err())
	}
	<-c.done
	return c.err
}

// Close stops the workers after their current calls and waits for them.
// Close is idempotent.
func (ep *Entrypoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.stop)
	})
	ep.g.Wait()
}
