// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/internal/controller"
	"github.com/nvpatch/nvpatch/patcher"
)

type rollbackCmd struct {
	commonFlags

	module string
	reload bool
}

func newRollbackCmd() *ffcli.Command {
	cmd := rollbackCmd{}
	set := flag.NewFlagSet("rollback", flag.ExitOnError)
	cmd.register(set)
	set.StringVar(&cmd.module, "module", "",
		"Restore only the named module, e.g. nvidia.ko (default: all backed up modules)")
	set.BoolVar(&cmd.reload, "reload", false,
		"Reload the NVIDIA kernel modules after the restore")
	return &ffcli.Command{
		Name:       "rollback",
		ShortUsage: "rollback [flags]",
		ShortHelp:  "Restore kernel modules from their pre-patch backups",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *rollbackCmd) exec(ctx context.Context, _ []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	c, err := cmd.controller()
	if err != nil {
		return err
	}

	var results []patcher.Result
	if cmd.module != "" {
		results = []patcher.Result{c.Rollback(cmd.module)}
	} else {
		results, err = c.RollbackAll()
		if err != nil {
			return &exitError{code: exitNotBackedUp, err: err}
		}
	}

	for _, result := range results {
		if result.State.Failed() {
			log.Errorf("%s", result)
		} else {
			log.Infof("%s", result)
		}
	}

	if code := exitCodeFor(results); code != exitOK {
		return &exitError{code: code,
			err: fmt.Errorf("rollback failed for %d of %d modules",
				countFailed(results), len(results))}
	}

	if cmd.reload {
		if err := controller.ReloadModules(ctx); err != nil {
			log.Warnf("Module reload incomplete, a reboot may be required: %v", err)
		}
	}
	return nil
}
