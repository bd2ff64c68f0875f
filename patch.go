// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/internal/controller"
	"github.com/nvpatch/nvpatch/patcher"
)

type patchCmd struct {
	commonFlags

	dryRun bool
	reload bool
	jobs   int
}

func newPatchCmd() *ffcli.Command {
	cmd := patchCmd{}
	set := flag.NewFlagSet("patch", flag.ExitOnError)
	cmd.register(set)
	set.BoolVar(&cmd.dryRun, "dry-run", false,
		"Classify the modules without backing up or writing anything")
	set.BoolVar(&cmd.reload, "reload", false,
		"Reload the NVIDIA kernel modules after a successful patch")
	set.IntVar(&cmd.jobs, "jobs", 0,
		"Number of modules to patch in parallel (default 2)")
	return &ffcli.Command{
		Name:       "patch",
		ShortUsage: "patch [flags]",
		ShortHelp:  "Back up and patch the kernel modules of the installed driver",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *patchCmd) exec(ctx context.Context, _ []string) error {
	if !cmd.dryRun {
		if err := requireRoot(); err != nil {
			return err
		}
	}

	cfg := cmd.config()
	cfg.DryRun = cmd.dryRun
	cfg.Jobs = cmd.jobs
	c, err := controller.New(cfg)
	if err != nil {
		return err
	}

	results, err := c.PatchAll(ctx)
	if err != nil {
		if errors.Is(err, descriptor.ErrNotSupported) {
			return &exitError{code: exitUnsupported, err: err}
		}
		return err
	}

	patched := 0
	for _, result := range results {
		if result.State.Failed() {
			log.Errorf("%s", result)
			continue
		}
		if result.State == patcher.Success {
			patched++
		}
		log.Infof("%s", result)
	}

	if code := exitCodeFor(results); code != exitOK {
		return &exitError{code: code,
			err: fmt.Errorf("patching failed for %d of %d modules",
				countFailed(results), len(results))}
	}

	if cmd.reload && !cmd.dryRun && patched > 0 {
		if err := controller.ReloadModules(ctx); err != nil {
			log.Warnf("Module reload incomplete, a reboot may be required: %v", err)
		}
	}
	return nil
}

func countFailed(results []patcher.Result) int {
	n := 0
	for _, result := range results {
		if result.State.Failed() {
			n++
		}
	}
	return n
}
