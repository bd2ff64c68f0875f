// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/backup"
)

func newBackupCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "backup",
		ShortUsage: "backup <subcommand> [flags]",
		ShortHelp:  "Inspect and maintain the backup store",
		Subcommands: []*ffcli.Command{
			newBackupListCmd(),
			newBackupCleanCmd(),
			newBackupExportCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

type backupListCmd struct {
	commonFlags
}

func newBackupListCmd() *ffcli.Command {
	cmd := backupListCmd{}
	set := flag.NewFlagSet("list", flag.ExitOnError)
	cmd.register(set)
	return &ffcli.Command{
		Name:       "list",
		ShortUsage: "backup list [flags]",
		ShortHelp:  "List the stored backups and the manifest that references them",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *backupListCmd) exec(context.Context, []string) error {
	c, err := cmd.controller()
	if err != nil {
		return err
	}
	store := c.Store()

	manifest, err := backup.ReadManifest(store.Root())
	if err == nil {
		fmt.Printf("Manifest for driver %s, created %s:\n",
			manifest.DriverVersion, manifest.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		for _, entry := range manifest.Entries {
			fmt.Printf("  %-20s %10d bytes  %s\n", entry.Module, entry.Size, entry.Digest)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No backup records.")
		return nil
	}
	fmt.Printf("Store at %s:\n", store.Root())
	for _, record := range records {
		fmt.Printf("  %s  %10d bytes\n", record.Digest, record.Size)
	}
	return nil
}

type backupCleanCmd struct {
	commonFlags

	temp         bool
	unreferenced bool
}

func newBackupCleanCmd() *ffcli.Command {
	cmd := backupCleanCmd{}
	set := flag.NewFlagSet("clean", flag.ExitOnError)
	cmd.register(set)
	set.BoolVar(&cmd.temp, "temp", true,
		"Delete lingering temporary files in the store")
	set.BoolVar(&cmd.unreferenced, "unreferenced", false,
		"Delete records no manifest entry references")
	return &ffcli.Command{
		Name:       "clean",
		ShortUsage: "backup clean [flags]",
		ShortHelp:  "Remove stale files from the backup store",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *backupCleanCmd) exec(context.Context, []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	c, err := cmd.controller()
	if err != nil {
		return err
	}
	store := c.Store()

	if cmd.temp {
		if err := store.RemoveTempFiles(); err != nil {
			return fmt.Errorf("failed to delete temp files: %w", err)
		}
	}
	if cmd.unreferenced {
		removed, err := store.PruneUnreferenced()
		if err != nil {
			return err
		}
		log.Infof("Removed %d unreferenced backup records", removed)
	}
	return nil
}

type backupExportCmd struct {
	commonFlags

	output string
}

func newBackupExportCmd() *ffcli.Command {
	cmd := backupExportCmd{}
	set := flag.NewFlagSet("export", flag.ExitOnError)
	cmd.register(set)
	set.StringVar(&cmd.output, "o", "nvpatch-backups.tar.zst",
		"Output archive path")
	return &ffcli.Command{
		Name:       "export",
		ShortUsage: "backup export [flags]",
		ShortHelp:  "Export the backup store as a compressed tar archive",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *backupExportCmd) exec(context.Context, []string) error {
	c, err := cmd.controller()
	if err != nil {
		return err
	}

	out, err := os.Create(cmd.output)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := c.Store().Export(out); err != nil {
		return fmt.Errorf("failed to export backup store: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	log.Infof("Exported backup store to %s", cmd.output)
	return nil
}
