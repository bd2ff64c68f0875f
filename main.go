// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// nvpatch patches the NVIDIA kernel modules of a supported driver release
// in place, keeping content-addressed backups of the original files so
// that every change can be rolled back byte for byte.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/patcher"
	"github.com/nvpatch/nvpatch/vc"
)

// Exit codes, stable for scripting.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUnsupported = 3
	exitNotVerified = 4
	exitNotBackedUp = 5
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// exitCodeFor maps the worst result of a run to a process exit code.
func exitCodeFor(results []patcher.Result) int {
	code := exitOK
	for _, result := range results {
		var c int
		switch result.State {
		case patcher.Success, patcher.AlreadyPatched:
			continue
		case patcher.Unsupported:
			c = exitUnsupported
		case patcher.OffsetMismatch, patcher.VerificationFailed, patcher.RolledBack:
			c = exitNotVerified
		case patcher.NotBackedUp:
			c = exitNotBackedUp
		default:
			c = exitFailure
		}
		// IoError dominates every other failure.
		if code == exitOK || c == exitFailure {
			code = c
		}
	}
	return code
}

// requireRoot refuses to run a command that writes to module files or the
// backup store without the privileges to do so.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return &exitError{code: exitFailure,
			err: errors.New("this command modifies kernel modules and must run as root")}
	}
	return nil
}

func newVersionCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "version",
		ShortHelp:  "Print build version information",
		Exec: func(context.Context, []string) error {
			fmt.Printf("nvpatch %s (revision %s, built %s)\n",
				vc.Version(), vc.Revision(), vc.BuildTimestamp())
			return nil
		},
	}
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := ffcli.Command{
		Name:       "nvpatch",
		ShortUsage: "nvpatch <subcommand> [flags]",
		ShortHelp:  "Patch and restore NVIDIA kernel modules",
		Subcommands: []*ffcli.Command{
			newDetectCmd(),
			newPatchCmd(),
			newRollbackCmd(),
			newVerifyCmd(),
			newBackupCmd(),
			newVersionCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil && !errors.Is(exit.err, flag.ErrHelp) {
				log.Errorf("%v", exit.err)
			}
			os.Exit(exit.code)
		}
		log.Fatalf("%v", err)
	}
}
