// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/nvpatch/nvpatch/internal/controller"

import (
	"errors"
	"fmt"

	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/driver"
)

const (
	// defaultBackupDir is where original module bytes are kept.
	defaultBackupDir = "/var/lib/nvpatch/backups"
	// defaultModuleRoot is the root of the kernel module trees.
	defaultModuleRoot = "/lib/modules"
	// defaultJobs bounds how many modules are patched concurrently.
	// Different modules touch disjoint files and backup keys, so a small
	// pool is safe; the work is I/O bound either way.
	defaultJobs = 2
	// digestCacheSize bounds the read-only digest cache used by status
	// scans.
	digestCacheSize = 64
)

// Config holds the resolved settings of one patcher invocation.
type Config struct {
	// Table is the patch descriptor registry; nil selects the built-in
	// table.
	Table *descriptor.Table
	// BackupDir is the backup store root.
	BackupDir string
	// ModuleRoot is the root of the kernel module trees.
	ModuleRoot string
	// KernelRelease selects the module tree; empty means the running
	// kernel.
	KernelRelease string
	// Version pins the driver version; empty means auto-detect.
	Version driver.Version
	// Detector is used when Version is empty; nil selects the default
	// strategies.
	Detector *driver.Detector
	// DryRun classifies modules without backing up or writing.
	DryRun bool
	// Jobs bounds parallel patching of distinct modules. Zero selects
	// the default.
	Jobs int
}

// Validate checks the configuration and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.Table == nil {
		cfg.Table = descriptor.Builtin()
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = defaultBackupDir
	}
	if cfg.ModuleRoot == "" {
		cfg.ModuleRoot = defaultModuleRoot
	}
	if cfg.Jobs == 0 {
		cfg.Jobs = defaultJobs
	}
	if cfg.Jobs < 0 {
		return fmt.Errorf("jobs must be positive, got %d", cfg.Jobs)
	}
	if cfg.Version != "" && !cfg.Version.Valid() {
		return fmt.Errorf("malformed driver version %q", cfg.Version)
	}
	if cfg.Detector == nil {
		cfg.Detector = driver.NewDetector()
	}
	return nil
}

// resolveVersion returns the pinned or detected driver version.
func (cfg *Config) resolveVersion() (driver.Version, error) {
	if cfg.Version != "" {
		return cfg.Version, nil
	}
	version, err := cfg.Detector.Detect()
	if err != nil {
		return "", err
	}
	if !version.Valid() {
		return "", errors.New("detected driver version is malformed")
	}
	return version, nil
}
