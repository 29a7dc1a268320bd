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
	"context"
	"flag"
	"os"

	"capcore.dev/capcore/coresrv/cmd/util"
	"capcore.dev/capcore/coresrv/config"
	"capcore.dev/capcore/pkg/metric"
	"github.com/google/subcommands"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	opts churnOpts
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a short workload and print core metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - runs a short churn workload and prints core metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.opts.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&m.opts.iterations, "iterations", 20, "cycles per worker.")
	f.IntVar(&m.opts.maxPages, "max-pages", 8, "largest dataspace in pages.")
	m.opts.seed = 1
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.opts.workers < 1 || m.opts.iterations < 0 || m.opts.maxPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if err := metric.Initialize(); err != nil {
		util.Fatalf("initializing metrics: %v", err)
	}
	if err := churn(ctx, conf, m.opts); err != nil {
		util.Fatalf("workload: %v", err)
	}
	if err := metric.WritePrometheus(os.Stdout, conf.MetricsPrefix); err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	return subcommands.ExitSuccess
}
