// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller sequences driver detection, module location, backup,
// patch application and verification into the patch and rollback
// workflows, and reports one result per kernel module.
package controller // import "github.com/nvpatch/nvpatch/internal/controller"

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nvpatch/nvpatch/backup"
	"github.com/nvpatch/nvpatch/descriptor"
	"github.com/nvpatch/nvpatch/digest"
	"github.com/nvpatch/nvpatch/driver"
	"github.com/nvpatch/nvpatch/patcher"
)

// Controller owns the patch state machine for every module of one driver
// installation. Per module the happy path is Unpatched -> BackedUp ->
// Patched; any failure after a backup exists forces RolledBack. The
// ordering invariant is that no byte of a module changes before its
// pre-patch digest has a committed backup record.
type Controller struct {
	config  *Config
	store   *backup.Store
	applier *patcher.Applier
	digests *digest.Cache

	// verify is patcher.Verify, replaceable by tests to force the
	// rollback path.
	verify func(string, *descriptor.Descriptor, int64) error
}

// New creates a controller from a validated configuration.
func New(cfg *Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := backup.New(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	digests, err := digest.NewCache(digestCacheSize)
	if err != nil {
		return nil, err
	}

	return &Controller{
		config:  cfg,
		store:   store,
		applier: patcher.NewApplier(),
		digests: digests,
		verify:  patcher.Verify,
	}, nil
}

// Store exposes the backup store for the backup maintenance subcommands.
func (c *Controller) Store() *backup.Store {
	return c.store
}

// targets resolves the driver version and maps every module with a
// descriptor to its on-disk path.
func (c *Controller) targets() (driver.Version, map[string]*descriptor.Descriptor,
	map[string]string, error) {
	version, err := c.config.resolveVersion()
	if err != nil {
		return "", nil, nil, err
	}

	descriptors, err := c.config.Table.Lookup(version.String())
	if err != nil {
		return version, nil, nil, err
	}

	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	locator := &driver.Locator{
		Root:    c.config.ModuleRoot,
		Release: c.config.KernelRelease,
	}
	paths, err := locator.Locate(names)
	if err != nil {
		return version, descriptors, nil, err
	}

	for _, name := range names {
		if _, ok := paths[name]; !ok {
			log.Warnf("Module %s not found for driver %s, skipping", name, version)
		}
	}

	return version, descriptors, paths, nil
}

// PatchAll patches every locatable module of the detected (or pinned)
// driver version. Distinct modules are patched in parallel; one module's
// failure never aborts the others. The returned results are sorted by
// module name. A run that backed anything up also rewrites the backup
// manifest.
func (c *Controller) PatchAll(ctx context.Context) ([]patcher.Result, error) {
	version, descriptors, paths, err := c.targets()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var results []patcher.Result
	manifest := &backup.Manifest{
		DriverVersion: version.String(),
		CreatedAt:     time.Now().UTC(),
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Jobs)

	for name, desc := range descriptors {
		path, ok := paths[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			result, entry := c.patchOne(name, path, desc)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
			if entry != nil {
				manifest.Entries = append(manifest.Entries, *entry)
			}
			return nil
		})
	}
	// The per-module goroutines convert every failure into a result.
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Module < results[j].Module
	})

	if !c.config.DryRun && len(manifest.Entries) > 0 {
		// Carry over entries for modules this run didn't back up, e.g.
		// ones patched by an earlier run and skipped as AlreadyPatched
		// now. Dropping them would orphan their only rollback path.
		if previous, err := backup.ReadManifest(c.store.Root()); err == nil {
			for i := range previous.Entries {
				if _, ok := manifest.Entry(previous.Entries[i].Module); !ok {
					manifest.Entries = append(manifest.Entries, previous.Entries[i])
				}
			}
		}
		sort.Slice(manifest.Entries, func(i, j int) bool {
			return manifest.Entries[i].Module < manifest.Entries[j].Module
		})
		if err := backup.WriteManifest(c.store.Root(), manifest); err != nil {
			return results, fmt.Errorf("failed to write backup manifest: %w", err)
		}
	}

	return results, nil
}

// patchOne runs the full state machine for a single module. It returns the
// module's result and, if a backup was taken, the manifest entry for it.
func (c *Controller) patchOne(name, path string,
	desc *descriptor.Descriptor) (patcher.Result, *backup.Entry) {
	// Classify before anything else: a module that is already fully
	// patched, or that doesn't match the descriptor at all, must not
	// grow a backup of its current (non-original) content.
	state, err := c.applier.Check(path, desc)
	if state != patcher.Success || c.config.DryRun {
		result := patcher.Result{Module: name, State: state}
		if err != nil {
			result.Cause = err.Error()
		}
		return result, nil
	}

	// Pre-patch digest; nothing may be written before this and the
	// backup both succeed.
	preDigest, err := digest.FromFile(path)
	if err != nil {
		return patcher.Result{Module: name, State: patcher.IoError,
			Cause: err.Error()}, nil
	}

	record, err := c.store.Save(path, preDigest)
	if err != nil {
		return patcher.Result{Module: name, State: patcher.IoError,
			Cause: err.Error()}, nil
	}
	entry := &backup.Entry{
		Module:     name,
		Path:       path,
		Size:       record.Size,
		Digest:     preDigest,
		BackupPath: record.Path,
	}

	state, err = c.applier.Apply(path, desc)
	switch state {
	case patcher.Success:
		// Verified below.
	case patcher.AlreadyPatched:
		return patcher.Result{Module: name, State: state}, entry
	case patcher.OffsetMismatch:
		// Nothing was written; the backup is harmless but the module
		// must not appear in the manifest as patched original.
		return patcher.Result{Module: name, State: state, Cause: err.Error()}, nil
	default:
		// Apply failed after the backup existed: force the module back
		// to its original content.
		return c.rollBack(name, path, record, err), entry
	}

	if err := c.verify(path, desc, record.Size); err != nil {
		log.Errorf("Verification of %s failed: %v", path, err)
		return c.rollBack(name, path, record, err), entry
	}

	return patcher.Result{Module: name, State: patcher.Success}, entry
}

// rollBack restores a module from its backup record after a failed patch.
// A successful restore yields RolledBack; a failed one escalates to
// IoError, the most severe outcome, requiring manual intervention.
func (c *Controller) rollBack(name, path string, record backup.Record,
	cause error) patcher.Result {
	err := c.applier.WithLock(path, func() error {
		return c.store.Restore(record, path)
	})
	if err != nil {
		return patcher.Result{
			Module: name,
			State:  patcher.IoError,
			Cause:  fmt.Sprintf("%v; rollback also failed: %v", cause, err),
		}
	}
	return patcher.Result{Module: name, State: patcher.RolledBack,
		Cause: cause.Error()}
}

// Rollback restores a single module to its pre-patch content using the
// backup manifest. It is callable independently of any patch attempt.
func (c *Controller) Rollback(module string) patcher.Result {
	manifest, err := backup.ReadManifest(c.store.Root())
	if err != nil {
		return patcher.Result{Module: module, State: patcher.NotBackedUp,
			Cause: err.Error()}
	}

	entry, ok := manifest.Entry(module)
	if !ok {
		return patcher.Result{Module: module, State: patcher.NotBackedUp,
			Cause: "no manifest entry for module"}
	}

	record, err := c.store.Lookup(entry.Digest)
	if err != nil {
		return patcher.Result{Module: module, State: patcher.NotBackedUp,
			Cause: err.Error()}
	}

	err = c.applier.WithLock(entry.Path, func() error {
		if err := c.store.Restore(record, entry.Path); err != nil {
			return err
		}
		// Confirm the restore actually reproduced the original bytes.
		restored, err := digest.FromFile(entry.Path)
		if err != nil {
			return err
		}
		if restored != entry.Digest {
			return fmt.Errorf("restored digest %s doesn't match backup %s",
				restored, entry.Digest)
		}
		return nil
	})
	if err != nil {
		return patcher.Result{Module: module, State: patcher.IoError,
			Cause: err.Error()}
	}

	return patcher.Result{Module: module, State: patcher.Success}
}

// RollbackAll restores every module recorded in the backup manifest.
func (c *Controller) RollbackAll() ([]patcher.Result, error) {
	manifest, err := backup.ReadManifest(c.store.Root())
	if err != nil {
		return nil, fmt.Errorf("no backup manifest: %w", err)
	}

	results := make([]patcher.Result, 0, len(manifest.Entries))
	for i := range manifest.Entries {
		results = append(results, c.Rollback(manifest.Entries[i].Module))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Module < results[j].Module
	})
	return results, nil
}

// VerifyAll independently re-checks that every locatable module of the
// driver version is fully patched: all replacement sequences and the
// marker in place, and the file size unchanged from the backed up
// original where a manifest records one. Nothing is modified.
func (c *Controller) VerifyAll() ([]patcher.Result, error) {
	_, descriptors, paths, err := c.targets()
	if err != nil {
		return nil, err
	}

	// The manifest is optional here; without one the size check falls
	// back to the current file size.
	manifest, err := backup.ReadManifest(c.store.Root())
	if err != nil {
		manifest = &backup.Manifest{}
	}

	results := make([]patcher.Result, 0, len(paths))
	for name, path := range paths {
		var size int64
		if entry, ok := manifest.Entry(name); ok {
			size = entry.Size
		} else if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}

		result := patcher.Result{Module: name, State: patcher.Success}
		if err := c.verify(path, descriptors[name], size); err != nil {
			result.State = patcher.VerificationFailed
			result.Cause = err.Error()
		}
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Module < results[j].Module
	})
	return results, nil
}

// ModuleStatus reports the observed patch state of one module file.
type ModuleStatus struct {
	Module string        `json:"module"`
	Path   string        `json:"path"`
	Size   int64         `json:"size"`
	Digest digest.Digest `json:"digest"`
	// State is AlreadyPatched for a fully patched module, Success for a
	// patchable original, and an error state otherwise.
	State patcher.State `json:"state"`
	Cause string        `json:"cause,omitempty"`
}

// Status resolves the installed driver and classifies every module found
// on disk without modifying anything.
func (c *Controller) Status() (driver.Version, []ModuleStatus, error) {
	version, descriptors, paths, err := c.targets()
	if err != nil {
		return version, nil, err
	}

	statuses := make([]ModuleStatus, 0, len(paths))
	for name, path := range paths {
		status := ModuleStatus{Module: name, Path: path}

		if d, err := c.digests.FromFile(path); err == nil {
			status.Digest = d
		}
		if info, err := os.Stat(path); err == nil {
			status.Size = info.Size()
		}

		state, err := c.applier.Check(path, descriptors[name])
		status.State = state
		if err != nil {
			status.Cause = err.Error()
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Module < statuses[j].Module
	})
	return version, statuses, nil
}
