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
	"flag"
	"fmt"
	"os"

	"capcore.dev/capcore/coresrv/cmd/util"
	"capcore.dev/capcore/coresrv/config"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// report is the path the boot report is written to.
	report string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot core and print the state of its allocators"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots core on the configured machine and prints the allocators.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.report, "report", "", "also write the boot report to this file. Concurrent writers are serialized with a lock file next to it.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	c, _, teardown, err := bootCore(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer teardown()

	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		util.Fatalf("dumping core state: %v", err)
	}
	if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
		util.Fatalf("writing core state: %v", err)
	}
	if b.report != "" {
		if err := writeReport(b.report, buf.Bytes()); err != nil {
			util.Fatalf("%v", err)
		}
		util.Infof("Wrote boot report to %q", b.report)
	}
	return subcommands.ExitSuccess
}

// writeReport replaces the file at path with data while holding path's
// lock file.
func writeReport(path string, data []byte) error {
	l := flock.New(path + ".lock")
	if err := l.Lock(); err != nil {
		return fmt.Errorf("error acquiring lock on report lock file %q: %v", l.Path(), err)
	}
	defer l.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
