// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/nvpatch/nvpatch/driver"
	"github.com/nvpatch/nvpatch/internal/controller"
)

// commonFlags holds the flags shared by every subcommand that operates on
// the installed driver.
type commonFlags struct {
	backupDir     string
	moduleRoot    string
	kernelRelease string
	driverVersion string
	verbose       bool
}

func (cf *commonFlags) register(set *flag.FlagSet) {
	set.StringVar(&cf.backupDir, "backup-dir", "",
		"Directory holding the backup store (default: /var/lib/nvpatch/backups)")
	set.StringVar(&cf.moduleRoot, "module-root", "",
		"Root of the kernel module trees (default: /lib/modules)")
	set.StringVar(&cf.kernelRelease, "kernel", "",
		"Kernel release whose module tree to use (default: the running kernel)")
	set.StringVar(&cf.driverVersion, "driver-version", "",
		"Driver version to assume instead of auto-detecting")
	set.BoolVar(&cf.verbose, "v", false, "Enable debug logging")
}

// config translates the shared flags into a controller configuration and
// applies the logging level.
func (cf *commonFlags) config() *controller.Config {
	if cf.verbose {
		log.SetLevel(log.DebugLevel)
	}
	return &controller.Config{
		BackupDir:     cf.backupDir,
		ModuleRoot:    cf.moduleRoot,
		KernelRelease: cf.kernelRelease,
		Version:       driver.Version(cf.driverVersion),
	}
}

// controller builds the patch controller from the shared flags.
func (cf *commonFlags) controller() (*controller.Controller, error) {
	return controller.New(cf.config())
}
