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
	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/patcher"
)

type verifyCmd struct {
	commonFlags

	jsonOutput bool
}

func newVerifyCmd() *ffcli.Command {
	cmd := verifyCmd{}
	set := flag.NewFlagSet("verify", flag.ExitOnError)
	cmd.register(set)
	set.BoolVar(&cmd.jsonOutput, "json", false, "Print the verification report as JSON")
	return &ffcli.Command{
		Name:       "verify",
		ShortUsage: "verify [flags]",
		ShortHelp:  "Check that every module of the installed driver is fully patched",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *verifyCmd) exec(context.Context, []string) error {
	c, err := cmd.controller()
	if err != nil {
		return err
	}

	results, err := c.VerifyAll()
	if err != nil {
		if errors.Is(err, descriptor.ErrNotSupported) {
			return &exitError{code: exitUnsupported, err: err}
		}
		return err
	}

	if cmd.jsonOutput {
		report := make([]verifyReportEntry, 0, len(results))
		for _, result := range results {
			report = append(report, verifyReportEntry{
				Module: result.Module,
				State:  result.State,
				Cause:  result.Cause,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, result := range results {
			if result.State.Failed() {
				log.Errorf("%s", result)
			} else {
				log.Infof("%s", result)
			}
		}
	}

	if code := exitCodeFor(results); code != exitOK {
		return &exitError{code: code,
			err: fmt.Errorf("verification failed for %d of %d modules",
				countFailed(results), len(results))}
	}
	return nil
}

type verifyReportEntry struct {
	Module string        `json:"module"`
	State  patcher.State `json:"state"`
	Cause  string        `json:"cause,omitempty"`
}
