// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "github.com/nvpatch/nvpatch/driver"

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrModuleNotFound is returned when none of the requested kernel modules
// exist under the module root.
var ErrModuleNotFound = errors.New("kernel module not found")

// Locator resolves canonical kernel module names to on-disk file paths
// under a module tree, by default /lib/modules/<kernel release>.
type Locator struct {
	// Root is the modules directory, normally "/lib/modules".
	Root string
	// Release is the kernel release to search under; empty means the
	// running kernel (uname -r).
	Release string
}

// KernelRelease returns the running kernel's release string.
func KernelRelease() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("failed to query kernel release: %w", err)
	}
	release := uname.Release[:]
	if idx := bytes.IndexByte(release, 0); idx >= 0 {
		release = release[:idx]
	}
	return string(release), nil
}

// Locate searches the module tree for the given canonical module names and
// returns a mapping from name to absolute path. Only existing regular
// files are returned; a requested module without a match is simply absent
// from the result. ErrModuleNotFound is returned when nothing was found at
// all.
func (l *Locator) Locate(names []string) (map[string]string, error) {
	release := l.Release
	if release == "" {
		var err error
		if release, err = KernelRelease(); err != nil {
			return nil, err
		}
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	searchRoot := filepath.Join(l.Root, release)
	if _, err := os.Stat(searchRoot); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no module tree at %s", ErrModuleNotFound, searchRoot)
		}
		return nil, fmt.Errorf("failed to access %s: %w", searchRoot, err)
	}

	found := make(map[string]string, len(names))
	err := filepath.WalkDir(searchRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal: module trees
			// routinely contain directories only root can list.
			log.Debugf("Skipping %s: %v", path, err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !wanted[entry.Name()] {
			return nil
		}
		if _, exists := found[entry.Name()]; exists {
			return nil
		}

		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		found[entry.Name()] = abs
		log.Debugf("Located %s at %s", entry.Name(), abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", searchRoot, err)
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("%w: searched %s", ErrModuleNotFound, searchRoot)
	}
	return found, nil
}
