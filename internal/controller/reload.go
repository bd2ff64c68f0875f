// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/nvpatch/nvpatch/internal/controller"

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// reloadTimeout bounds each individual rmmod/modprobe invocation.
const reloadTimeout = 30 * time.Second

// unloadOrder lists the NVIDIA kernel modules dependents-first, so that
// rmmod never fails because a sibling still holds a reference.
var unloadOrder = []string{
	"nvidia_drm",
	"nvidia_uvm",
	"nvidia_modeset",
	"nvidia",
}

// ReloadModules unloads and reloads the NVIDIA kernel modules so that a
// freshly patched image takes effect without a reboot. Failures are
// logged and reported but non-fatal: an in-use module (X server, CUDA
// job) simply means a reboot is needed instead.
func ReloadModules(ctx context.Context) error {
	var firstErr error

	for _, name := range unloadOrder {
		if !moduleLoaded(name) {
			continue
		}
		if err := runModuleTool(ctx, "rmmod", name); err != nil {
			log.Warnf("Failed to unload %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// modprobe nvidia pulls the dependency chain back in; the remaining
	// modules are loaded explicitly for configurations that don't
	// autoload them.
	for i := len(unloadOrder) - 1; i >= 0; i-- {
		name := unloadOrder[i]
		if err := runModuleTool(ctx, "modprobe", name); err != nil {
			log.Warnf("Failed to load %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// moduleLoaded reports whether the named module appears in /proc/modules.
func moduleLoaded(name string) bool {
	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		return false
	}
	for line := range strings.Lines(string(data)) {
		if field, _, ok := strings.Cut(line, " "); ok && field == name {
			return true
		}
	}
	return false
}

func runModuleTool(ctx context.Context, tool, module string) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool, module)
	if output, err := cmd.CombinedOutput(); err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			log.Debugf("%s %s: %s", tool, module, trimmed)
		}
		return err
	}
	return nil
}
