// Copyright The nvpatch Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "github.com/nvpatch/nvpatch/driver"

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrNotDetected is returned when no strategy could determine the
// installed driver version.
var ErrNotDetected = errors.New("no NVIDIA driver detected")

// execTimeout bounds every external query command.
const execTimeout = 10 * time.Second

// versionPattern extracts a dotted driver version from free-form strategy
// output, e.g. "NVRM version: NVIDIA UNIX x86_64 Kernel Module  535.274.02".
var versionPattern = regexp.MustCompile(`\d+\.\d+(?:\.\d+){0,2}`)

// Strategy is one way of querying the system for the installed driver
// version. Probe returns false when the strategy can't tell, which is not
// an error: the next strategy is tried.
type Strategy struct {
	Name  string
	Probe func() (Version, bool)
}

// Detector runs an ordered list of strategies until one yields a version.
type Detector struct {
	strategies []Strategy
}

// NewDetector creates a detector with the default strategy order: the proc
// interface first (cheapest and most reliable), then modinfo, then
// nvidia-smi, then a scan for versioned library file names.
func NewDetector() *Detector {
	return &Detector{strategies: []Strategy{
		ProcStrategy("/proc/driver/nvidia/version"),
		ModinfoStrategy(),
		SMIStrategy(),
		LibraryStrategy(
			"/usr/lib/x86_64-linux-gnu",
			"/usr/lib64",
			"/lib/x86_64-linux-gnu",
			"/lib64",
		),
	}}
}

// NewDetectorWithStrategies creates a detector with an explicit strategy
// list, mainly for tests.
func NewDetectorWithStrategies(strategies ...Strategy) *Detector {
	return &Detector{strategies: strategies}
}

// Detect returns the installed driver version, or ErrNotDetected.
func (d *Detector) Detect() (Version, error) {
	for _, strategy := range d.strategies {
		version, ok := strategy.Probe()
		if !ok {
			log.Debugf("Driver detection via %s: no result", strategy.Name)
			continue
		}
		if !version.Valid() {
			log.Warnf("Driver detection via %s returned malformed version %q",
				strategy.Name, version)
			continue
		}
		log.Infof("Detected NVIDIA driver %s via %s", version, strategy.Name)
		return version, nil
	}
	return "", ErrNotDetected
}

// ProcStrategy parses the driver version from the kernel's proc interface.
func ProcStrategy(path string) Strategy {
	return Strategy{
		Name: "proc",
		Probe: func() (Version, bool) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", false
			}
			for line := range strings.Lines(string(data)) {
				if !strings.Contains(line, "Kernel Module") {
					continue
				}
				if match := versionPattern.FindString(line); match != "" {
					return Version(match), true
				}
			}
			return "", false
		},
	}
}

// ModinfoStrategy queries the version field of the loaded or installed
// nvidia kernel module.
func ModinfoStrategy() Strategy {
	return Strategy{
		Name: "modinfo",
		Probe: func() (Version, bool) {
			out, err := runQuery("modinfo", "--field=version", "nvidia")
			if err != nil {
				return "", false
			}
			if match := versionPattern.FindString(out); match != "" {
				return Version(match), true
			}
			return "", false
		},
	}
}

// SMIStrategy asks the management interface tool for the driver version.
func SMIStrategy() Strategy {
	return Strategy{
		Name: "nvidia-smi",
		Probe: func() (Version, bool) {
			out, err := runQuery("nvidia-smi",
				"--query-gpu=driver_version", "--format=csv,noheader")
			if err != nil {
				return "", false
			}
			first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
			if match := versionPattern.FindString(first); match != "" {
				return Version(match), true
			}
			return "", false
		},
	}
}

// LibraryStrategy extracts the driver version from versioned library file
// names such as libnvidia-ml.so.535.274.02.
func LibraryStrategy(roots ...string) Strategy {
	return Strategy{
		Name: "library",
		Probe: func() (Version, bool) {
			for _, root := range roots {
				matches, err := filepath.Glob(filepath.Join(root, "libnvidia-ml.so.*"))
				if err != nil || len(matches) == 0 {
					continue
				}
				for _, match := range matches {
					suffix := strings.TrimPrefix(filepath.Base(match), "libnvidia-ml.so.")
					if version := Version(suffix); version.Valid() {
						return version, true
					}
				}
			}
			return "", false
		},
	}
}

// runQuery executes an external query command with a bounded runtime and
// returns its trimmed standard output.
func runQuery(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		log.Debugf("%s query failed: %v", name, err)
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
