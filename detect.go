// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/internal/controller"
)

type detectCmd struct {
	commonFlags

	jsonOutput bool
}

func newDetectCmd() *ffcli.Command {
	cmd := detectCmd{}
	set := flag.NewFlagSet("detect", flag.ExitOnError)
	cmd.register(set)
	set.BoolVar(&cmd.jsonOutput, "json", false, "Print the status as JSON")
	return &ffcli.Command{
		Name:       "detect",
		ShortUsage: "detect [flags]",
		ShortHelp:  "Detect the installed driver and show per-module patch status",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *detectCmd) exec(context.Context, []string) error {
	c, err := cmd.controller()
	if err != nil {
		return err
	}

	version, statuses, err := c.Status()
	if err != nil {
		if errors.Is(err, descriptor.ErrNotSupported) {
			return &exitError{code: exitUnsupported,
				err: fmt.Errorf("driver %s: %w", version, err)}
		}
		return err
	}

	if cmd.jsonOutput {
		out := struct {
			DriverVersion string                    `json:"driver_version"`
			Modules       []controller.ModuleStatus `json:"modules"`
		}{DriverVersion: version.String(), Modules: statuses}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(&out)
	}

	fmt.Printf("Driver version: %s\n", version)
	for _, status := range statuses {
		fmt.Printf("  %-20s %-18s %s\n", status.Module, status.State, status.Path)
		if status.Cause != "" {
			fmt.Printf("  %-20s %s\n", "", status.Cause)
		}
	}
	return nil
}
